package engine

import (
	"net"
	"strconv"
	"testing"
)

func TestListenerFromEnv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		t.Fatalf("expected TCP listener")
	}
	file, err := tcpLn.File()
	if err != nil {
		t.Fatalf("listener file: %v", err)
	}
	defer file.Close()

	t.Setenv("PETREL_INHERIT_FD", "1")
	t.Setenv("PETREL_FD", strconv.Itoa(int(file.Fd())))

	got, err := ListenerFromEnv()
	if err != nil {
		t.Fatalf("listener from env: %v", err)
	}
	if got == nil {
		t.Fatalf("expected listener")
	}
	_ = got.Close()
}

func TestListenerFromEnvNotInherited(t *testing.T) {
	t.Setenv("PETREL_INHERIT_FD", "")

	got, err := ListenerFromEnv()
	if err != nil {
		t.Fatalf("listener from env: %v", err)
	}
	if got != nil {
		_ = got.Close()
		t.Fatalf("expected nil listener when not inherited")
	}
}
