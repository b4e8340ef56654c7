package network

import (
	"context"
	"net"
	"testing"
)

func TestListenTCPRebindsImmediately(t *testing.T) {
	ln, err := ListenTCP(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	addr := ln.Addr().String()

	// Leave a connection behind so the port sees TIME_WAIT on close.
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	ln.Close()

	again, err := ListenTCP(context.Background(), addr)
	if err != nil {
		t.Fatalf("rebind %s: %v", addr, err)
	}
	again.Close()
}
