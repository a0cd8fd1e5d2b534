package eventrouter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-sub005/internal/taskproxy"
)

type fakeLookup struct {
	proxies map[string]*taskproxy.Proxy
}

func (f *fakeLookup) Get(id taskproxy.Identity) (*taskproxy.Proxy, bool) {
	p, ok := f.proxies[id.String()]
	return p, ok
}

type fakeRecorder struct {
	recorded int
}

func (f *fakeRecorder) RecordTransition(id taskproxy.Identity, event taskproxy.Event, at time.Time) error {
	f.recorded++
	return nil
}

func newReadyProxy(id taskproxy.Identity) *taskproxy.Proxy {
	p := taskproxy.NewProxy(id, nil, nil, taskproxy.RetryPolicy{})
	_ = p.Advance(taskproxy.EventReady, time.Now())
	_ = p.Advance(taskproxy.EventSubmitOK, time.Now())
	return p
}

func TestDrainAppliesInOrderAndRecords(t *testing.T) {
	id := taskproxy.Identity{TaskName: "foo", CyclePoint: "1"}
	proxy := newReadyProxy(id)
	lookup := &fakeLookup{proxies: map[string]*taskproxy.Proxy{id.String(): proxy}}
	rec := &fakeRecorder{}
	r := NewRouter(16, 2, time.Second)

	r.Enqueue(Envelope{Kind: KindMessage, Identity: id, EventName: "started"})
	r.Enqueue(Envelope{Kind: KindMessage, Identity: id, EventName: "succeeded"})

	r.Drain(context.Background(), lookup, rec, time.Now(), nil)

	require.Equal(t, taskproxy.StatusSucceeded, proxy.Status)
	require.Equal(t, 2, rec.recorded)
}

func TestStalePollDroppedNotRegression(t *testing.T) {
	id := taskproxy.Identity{TaskName: "foo", CyclePoint: "1"}
	proxy := newReadyProxy(id)
	lookup := &fakeLookup{proxies: map[string]*taskproxy.Proxy{id.String(): proxy}}
	rec := &fakeRecorder{}
	r := NewRouter(16, 2, time.Second)

	// "succeeded" moves the proxy through running -> succeeded.
	r.Enqueue(Envelope{Kind: KindMessage, Identity: id, EventName: "started"})
	r.Enqueue(Envelope{Kind: KindMessage, Identity: id, EventName: "succeeded"})
	r.Drain(context.Background(), lookup, rec, time.Now(), nil)
	require.Equal(t, taskproxy.StatusSucceeded, proxy.Status)

	// A stale poll reporting an earlier submit-time now arrives; it must
	// not regress a proxy that is already terminal (P7).
	r.Enqueue(Envelope{Kind: KindPoll, Identity: id, PollExit: taskproxy.ExitSucceeded, PollSubmitTime: time.Now().Add(-time.Hour)})
	r.Drain(context.Background(), lookup, rec, time.Now(), nil)

	require.Equal(t, taskproxy.StatusSucceeded, proxy.Status)

	dropped := <-r.DroppedChan()
	require.Equal(t, id, dropped.Envelope.Identity)
}

func TestUnknownProxyDropped(t *testing.T) {
	lookup := &fakeLookup{proxies: map[string]*taskproxy.Proxy{}}
	r := NewRouter(4, 1, time.Second)
	r.Enqueue(Envelope{Kind: KindMessage, Identity: taskproxy.Identity{TaskName: "ghost", CyclePoint: "1"}, EventName: "started"})
	r.Drain(context.Background(), lookup, nil, time.Now(), nil)

	dropped := <-r.DroppedChan()
	require.Equal(t, "no such proxy", dropped.Reason)
}

func TestHandlerTimeoutLogFormat(t *testing.T) {
	r := NewRouter(4, 1, time.Second)
	msg := r.LastTimeoutMessage("event-handler-00", "succeeded", 1)
	require.Equal(t, "ERROR - [(('event-handler-00', 'succeeded'), 1) ret_code] -9", msg)
}
