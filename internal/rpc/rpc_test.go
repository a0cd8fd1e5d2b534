package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServeAndSendRoundTrip(t *testing.T) {
	received := make(chan Command, 1)
	ln, err := Serve("127.0.0.1:0", func(c Command) { received <- c })
	require.NoError(t, err)
	defer ln.Close()

	err = Send(ln.Addr().String(), Command{Kind: "hold", Args: map[string]string{"task": "foo", "point": "1"}})
	require.NoError(t, err)

	select {
	case cmd := <-received:
		require.Equal(t, "hold", cmd.Kind)
		require.Equal(t, "foo", cmd.Args["task"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}
}
