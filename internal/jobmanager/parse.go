package jobmanager

import (
	"bufio"
	"io"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// ParsePollLines decodes the generic `key=value key=value ...` records a
// Runner's poll/submit invocation writes to stdout, one per line, into
// PollRecord values via mapstructure — grounded on the teacher's own
// preference for declarative struct-tag decoding over hand-rolled
// switch-on-field-name parsing (historyEngineInterfaces.go's thrift
// struct-tag-driven (de)serialization, generalized here to a flat
// key/value wire format instead of thrift).
func ParsePollLines(r io.Reader) ([]PollRecord, error) {
	scanner := bufio.NewScanner(r)
	var out []PollRecord
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		raw := parseKeyValueLine(line)
		var rec PollRecord
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &rec,
		})
		if err != nil {
			return nil, errors.Wrap(err, "building poll record decoder")
		}
		if err := dec.Decode(raw); err != nil {
			return nil, errors.Wrapf(err, "decoding poll record line %q", line)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning poll output")
	}
	return out, nil
}

// parseKeyValueLine splits "k1=v1 k2=v2" into a string map, tolerating
// values with embedded '=' by splitting only on the first occurrence.
func parseKeyValueLine(line string) map[string]interface{} {
	out := map[string]interface{}{}
	for _, field := range strings.Fields(line) {
		eq := strings.IndexByte(field, '=')
		if eq < 0 {
			continue
		}
		out[field[:eq]] = field[eq+1:]
	}
	return out
}
