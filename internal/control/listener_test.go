package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewListenerRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testimonyd.sock")

	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	ln, err := NewListener(path, 0o660, &fakeGroup{}, nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o660 {
		t.Fatalf("mode = %o, want 0660", info.Mode().Perm())
	}
}

func TestListenerRunAcceptsAndStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testimonyd.sock")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	group := &fakeGroup{
		shardCount: 1,
		ring:       &fakeRing{fd: int(w.Fd()), blockSize: 4096, blockCount: 4},
		returned:   make(chan uint32, 1),
	}

	ln, err := NewListener(path, 0o660, group, nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- ln.Run(ctx) }()

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve addr: %v", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var verBuf [1]byte
	if _, err := readFull(conn, verBuf[:]); err != nil {
		t.Fatalf("read version: %v", err)
	}
	conn.Close()

	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("listener run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener to stop")
	}
}
