package xtrigger

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/cylc/cylc-flow-sub005/internal/cycle"
)

// WallClock is satisfied once real time reaches the bound cycle point plus
// an offset duration (spec.md §4.6).
func WallClock() Trigger {
	return TriggerFunc(func(ctx context.Context, args map[string]string) (bool, map[string]string, error) {
		pointStr, ok := args["point"]
		if !ok {
			return false, nil, errors.New("wall_clock requires a 'point' argument")
		}
		point, err := cycle.ParseISOPoint(pointStr)
		if err != nil {
			return false, nil, err
		}
		offsetSeconds, _ := strconv.Atoi(args["offset_seconds"])
		deadline := point.Time().Add(time.Duration(offsetSeconds) * time.Second)
		satisfied := !time.Now().Before(deadline)
		return satisfied, map[string]string{"deadline": deadline.Format(time.RFC3339)}, nil
	})
}

// XRandom succeeds with the given probability (spec.md §4.6), used for
// testing and chaos scenarios. rng is injectable for deterministic tests.
func XRandom(rng *rand.Rand) Trigger {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return TriggerFunc(func(ctx context.Context, args map[string]string) (bool, map[string]string, error) {
		prob, err := strconv.ParseFloat(args["probability"], 64)
		if err != nil {
			return false, nil, errors.Wrap(err, "xrandom requires a numeric 'probability' argument")
		}
		satisfied := rng.Float64() < prob
		return satisfied, map[string]string{"probability": args["probability"]}, nil
	})
}

// WorkflowStateChecker abstracts the read against a remote workflow's
// persisted state; the implementation in this module is
// NewHTTPWorkflowStateChecker, an HTTP call to a remote scheduler's
// read-model.
type WorkflowStateChecker interface {
	TaskStatus(ctx context.Context, workflow, task, point string) (status string, err error)
}

// WorkflowState polls a remote workflow's persisted state for a task's
// status (spec.md §4.6: "workflow_state(workflow, task, point, offset,
// status)").
func WorkflowState(checker WorkflowStateChecker) Trigger {
	return TriggerFunc(func(ctx context.Context, args map[string]string) (bool, map[string]string, error) {
		status, err := checker.TaskStatus(ctx, args["workflow"], args["task"], args["point"])
		if err != nil {
			return false, nil, err
		}
		wanted := args["status"]
		if wanted == "" {
			wanted = "succeeded"
		}
		return status == wanted, map[string]string{"status": status}, nil
	})
}

// httpWorkflowStateChecker is a reference WorkflowStateChecker that talks to
// a remote scheduler's minimal read-model HTTP endpoint (the GraphQL/HTTP
// read-model itself is out of scope per spec.md §1; this is the abstract
// client side the core needs to exercise the contract end-to-end).
type httpWorkflowStateChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWorkflowStateChecker builds a WorkflowStateChecker against a
// remote scheduler's status endpoint.
func NewHTTPWorkflowStateChecker(baseURL string, client *http.Client) WorkflowStateChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpWorkflowStateChecker{baseURL: baseURL, client: client}
}

func (c *httpWorkflowStateChecker) TaskStatus(ctx context.Context, workflow, task, point string) (string, error) {
	url := fmt.Sprintf("%s/workflows/%s/tasks/%s/%s/status", c.baseURL, workflow, task, point)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workflow_state query failed: %s", resp.Status)
	}
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n]), nil
}
