package jobmanager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeRunner records the batches it was invoked with and returns
// caller-controlled results, so tests can assert on batching shape without
// touching the filesystem or spawning real processes.
type fakeRunner struct {
	mu      sync.Mutex
	batches [][]JobRef
	fail    bool
}

func (f *fakeRunner) record(batch []JobRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *fakeRunner) Submit(ctx context.Context, batch []JobRef) ([]Result, error) {
	f.record(batch)
	if f.fail {
		return nil, errors.New("simulated transport failure")
	}
	out := make([]Result, len(batch))
	for i, r := range batch {
		out[i] = Result{Ref: r, OK: true}
	}
	return out, nil
}

func (f *fakeRunner) Poll(ctx context.Context, batch []JobRef) ([]Result, error) {
	f.record(batch)
	out := make([]Result, len(batch))
	for i, r := range batch {
		out[i] = Result{Ref: r, OK: true, Poll: &PollRecord{ProxyID: r.ProxyID, JobID: r.JobID, Exit: "SUCCEEDED"}}
	}
	return out, nil
}

func (f *fakeRunner) Kill(ctx context.Context, batch []JobRef) ([]Result, error) {
	f.record(batch)
	out := make([]Result, len(batch))
	for i, r := range batch {
		out[i] = Result{Ref: r, OK: true}
	}
	return out, nil
}

func TestBatchingByPlatformAndSize(t *testing.T) {
	m := NewManager()
	m.MaxBatchSize = 2
	fr := &fakeRunner{}
	m.RegisterPlatform("localhost", fr)

	refs := []JobRef{
		{ProxyID: "a.1", Platform: "localhost"},
		{ProxyID: "b.1", Platform: "localhost"},
		{ProxyID: "c.1", Platform: "localhost"},
		{ProxyID: "d.1", Platform: "other"},
	}
	sizes := m.BatchSizes(refs)
	require.Equal(t, []int{2, 1}, sizes["localhost"])
	require.Equal(t, []int{1}, sizes["other"])

	results := m.Submit(context.Background(), refs)
	require.Len(t, results, 4) // "other" has no runner registered, but still reports results
	// localhost was invoked in two batches of the configured max size.
	require.Len(t, fr.batches, 2)
	require.LessOrEqual(t, len(fr.batches[0]), 2)
}

func TestInvokeLogsWhenSplitIntoBatches(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewManager()
	m.SetLogger(zap.New(core).Sugar())
	m.MaxBatchSize = 2
	fr := &fakeRunner{}
	m.RegisterPlatform("localhost", fr)

	refs := []JobRef{
		{ProxyID: "a.1", Platform: "localhost"},
		{ProxyID: "b.1", Platform: "localhost"},
		{ProxyID: "c.1", Platform: "localhost"},
	}
	m.Submit(context.Background(), refs)

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "will invoke in batches" {
			found = true
		}
	}
	require.True(t, found, "expected a batching log line when a platform's refs split across multiple invocations")
}

func TestInvokeDoesNotLogWhenSingleBatch(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewManager()
	m.SetLogger(zap.New(core).Sugar())
	fr := &fakeRunner{}
	m.RegisterPlatform("localhost", fr)

	m.Submit(context.Background(), []JobRef{{ProxyID: "a.1", Platform: "localhost"}})
	require.Empty(t, logs.All())
}

func TestNoRunnerRegisteredStillReturnsResults(t *testing.T) {
	m := NewManager()
	refs := []JobRef{{ProxyID: "x.1", Platform: "slurm"}}
	results := m.Submit(context.Background(), refs)
	require.Len(t, results, 1)
	require.False(t, results[0].OK)
	require.Error(t, results[0].Err)
}

func TestPollDecodesRecordsThroughManager(t *testing.T) {
	m := NewManager()
	fr := &fakeRunner{}
	m.RegisterPlatform("localhost", fr)
	refs := []JobRef{{ProxyID: "a.1", Platform: "localhost", JobID: "job-1"}}
	results := m.Poll(context.Background(), refs)
	require.Len(t, results, 1)
	require.True(t, results[0].OK)
	require.Equal(t, "a.1", results[0].Poll.ProxyID)
}

func TestParsePollLinesKeyValue(t *testing.T) {
	input := "proxy_id=foo.1 job_id=42 exit=SUCCEEDED started=true submit_time=2020-01-01T00:00:00Z\n"
	recs, err := ParsePollLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "foo.1", recs[0].ProxyID)
	require.Equal(t, "42", recs[0].JobID)
	require.True(t, recs[0].Started)
}

func TestScriptGeneratorRendersIdentity(t *testing.T) {
	g, err := NewScriptGenerator("")
	require.NoError(t, err)
	script, err := g.Render(ScriptContext{
		TaskName:     "foo",
		CyclePoint:   "1",
		Platform:     "localhost",
		SubmitNumber: 1,
		WorkflowName: "demo",
		Environment:  map[string]string{"greeting": "hi"},
		ScriptBody:   "echo hello",
	})
	require.NoError(t, err)
	require.Contains(t, script, `CYLC_TASK_NAME="foo"`)
	require.Contains(t, script, "echo hello")
	require.Contains(t, script, "GREETING=")
}
