package control

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// unixConnPair returns two connected *net.UnixConn backed by a real
// AF_UNIX socketpair, needed for tests that exercise SCM_RIGHTS.
func unixConnPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	fa, err := net.FileConn(os.NewFile(uintptr(fds[0]), "a"))
	if err != nil {
		t.Fatalf("file conn a: %v", err)
	}
	fb, err := net.FileConn(os.NewFile(uintptr(fds[1]), "b"))
	if err != nil {
		t.Fatalf("file conn b: %v", err)
	}

	ua, ok := fa.(*net.UnixConn)
	if !ok {
		t.Fatalf("conn a is not a UnixConn")
	}
	ub, ok := fb.(*net.UnixConn)
	if !ok {
		t.Fatalf("conn b is not a UnixConn")
	}

	t.Cleanup(func() {
		ua.Close()
		ub.Close()
	})

	return ua, ub
}

func TestWriteReadVersion(t *testing.T) {
	a, b := unixConnPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- writeVersion(a) }()

	var buf [1]byte
	if _, err := readFull(b, buf[:]); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write version: %v", err)
	}
	if buf[0] != ProtocolVersion {
		t.Fatalf("version = %d, want %d", buf[0], ProtocolVersion)
	}
}

func TestWriteReadGeometry(t *testing.T) {
	a, b := unixConnPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- writeGeometry(a, 4, 1<<20, 64) }()

	var buf [12]byte
	if _, err := readFull(b, buf[:]); err != nil {
		t.Fatalf("read geometry: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write geometry: %v", err)
	}
}

func TestWriteReadShardIndex(t *testing.T) {
	a, b := unixConnPair(t)

	errCh := make(chan error, 1)
	go func() {
		var buf [4]byte
		buf[3] = 7
		_, err := a.Write(buf[:])
		errCh <- err
	}()

	idx, err := readShardIndex(b)
	if err != nil {
		t.Fatalf("read shard index: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write shard index: %v", err)
	}
	if idx != 7 {
		t.Fatalf("shard index = %d, want 7", idx)
	}
}

func TestWriteReadBlockIndex(t *testing.T) {
	a, b := unixConnPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- writeBlockIndex(a, 42) }()

	idx, err := readBlockIndex(b)
	if err != nil {
		t.Fatalf("read block index: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write block index: %v", err)
	}
	if idx != 42 {
		t.Fatalf("block index = %d, want 42", idx)
	}
}

func TestSendFD(t *testing.T) {
	a, b := unixConnPair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- sendFD(a, int(w.Fd())) }()

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := b.ReadMsgUnix(buf, oob)
	if err != nil {
		t.Fatalf("read msg: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send fd: %v", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		t.Fatalf("parse control message: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d control messages, want 1", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		t.Fatalf("parse unix rights: %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d fds, want 1", len(fds))
	}
	unix.Close(fds[0])
}
