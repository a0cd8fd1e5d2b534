// Package rpc implements the small JSON-over-TCP transport operator
// commands travel over, connecting a `cylc` client invocation to a
// running scheduler's command queue via its contact-file host:port
// (spec.md §4.10's Non-goal is transport *design*, not the existence of
// a transport — only ordering/batching of the commands once received is
// specified, which Engine.PostCommand/applyCommands implements).
package rpc

import (
	"encoding/json"
	"net"
)

// Command mirrors scheduler.Command without importing the scheduler
// package, keeping this transport usable by both the server and the
// standalone CLI client.
type Command struct {
	Kind string            `json:"kind"`
	Args map[string]string `json:"args"`
}

// Handler processes one decoded Command, e.g. Engine.PostCommand.
type Handler func(Command)

// Serve accepts connections on addr, decoding one JSON Command per
// connection and passing it to handle. It returns the bound listener
// (so the caller can read back the assigned port for the contact file)
// and runs the accept loop in a background goroutine until the listener
// is closed.
func Serve(addr string, handle Handler) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var cmd Command
				if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
					return
				}
				handle(cmd)
			}()
		}
	}()
	return ln, nil
}

// Send dials addr and writes cmd as a single JSON document.
func Send(addr string, cmd Command) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return json.NewEncoder(conn).Encode(cmd)
}
