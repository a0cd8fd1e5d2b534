package store

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ContactRecord is the `.service/contact` file spec.md §6 describes: a
// small external KEY=VALUE contract consumed by `cylc` client commands to
// locate a running scheduler. Plain encoding/KEY=VALUE via the standard
// library is the right tool here — the format is a tiny fixed external
// contract, not a domain concern any pack library targets (see
// DESIGN.md).
type ContactRecord map[string]string

// Standard contact-file keys, matching spec.md §6.
const (
	ContactHost      = "CYLC_SUITE_HOST"
	ContactPort      = "CYLC_SUITE_PORT"
	ContactPID       = "CYLC_WORKFLOW_PID"
	ContactUUID      = "CYLC_SUITE_UUID"
	ContactAPIVersion = "CYLC_API_VERSION"
)

// WriteContact writes rec to path in sorted-key KEY=VALUE form, one pair
// per line, so the file is diff-stable across writes.
func WriteContact(path string, rec ContactRecord) error {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(rec[k])
		sb.WriteByte('\n')
	}
	return errors.Wrap(os.WriteFile(path, []byte(sb.String()), 0o644), "writing contact file")
}

// ReadContact parses a KEY=VALUE contact file.
func ReadContact(path string) (ContactRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening contact file")
	}
	defer f.Close()

	rec := ContactRecord{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		rec[parts[0]] = parts[1]
	}
	return rec, errors.Wrap(scanner.Err(), "scanning contact file")
}

// RemoveContact deletes the contact file on scheduler shutdown.
func RemoveContact(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing contact file")
	}
	return nil
}
