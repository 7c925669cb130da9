//go:build linux

package testimony

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const (
	testBlockSize  = 4096
	testBlockCount = 4
	testFanoutSize = 2
)

// fakeDaemon listens on a Unix socket and speaks just enough of the
// control protocol to drive a Client through Connect/SelectShard.
type fakeDaemon struct {
	ln   *net.UnixListener
	path string
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "testimonyd.sock")

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		t.Fatalf("resolve addr: %v", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	return &fakeDaemon{ln: ln, path: path}
}

func (d *fakeDaemon) accept(t *testing.T) *net.UnixConn {
	t.Helper()
	conn, err := d.ln.AcceptUnix()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return conn
}

// ringFD creates an anonymous memory-backed fd sized for the test
// geometry, standing in for the daemon's mmap'd capture ring.
func ringFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.MemfdCreate("testring", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(testBlockSize*testBlockCount)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	return fd
}

func handshake(t *testing.T, conn *net.UnixConn, fd int) {
	t.Helper()

	if _, err := conn.Write([]byte{1}); err != nil {
		t.Fatalf("write version: %v", err)
	}

	var geom [12]byte
	binary.BigEndian.PutUint32(geom[0:], testFanoutSize)
	binary.BigEndian.PutUint32(geom[4:], testBlockSize)
	binary.BigEndian.PutUint32(geom[8:], testBlockCount)
	if _, err := conn.Write(geom[:]); err != nil {
		t.Fatalf("write geometry: %v", err)
	}

	var shardBuf [4]byte
	if _, err := io_ReadFull(conn, shardBuf[:]); err != nil {
		t.Fatalf("read shard index: %v", err)
	}

	oob := unix.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, oob, nil); err != nil {
		t.Fatalf("send fd: %v", err)
	}
}

func io_ReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestConnectAndSelectShard(t *testing.T) {
	daemon := startFakeDaemon(t)
	defer daemon.ln.Close()
	defer os.Remove(daemon.path)

	fd := ringFD(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := daemon.accept(t)
		defer conn.Close()
		handshake(t, conn, fd)
		unix.Close(fd)
	}()

	client, err := Connect(daemon.path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	geom := client.Geometry()
	if geom.FanoutSize != testFanoutSize || geom.BlockSize != testBlockSize || geom.BlockCount != testBlockCount {
		t.Fatalf("geometry = %+v, want fanout=%d block_size=%d block_count=%d",
			geom, testFanoutSize, testBlockSize, testBlockCount)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.SelectShard(ctx, 1); err != nil {
		t.Fatalf("select shard: %v", err)
	}

	<-serverDone
}

func TestSelectShardRejectsOutOfRange(t *testing.T) {
	daemon := startFakeDaemon(t)
	defer daemon.ln.Close()
	defer os.Remove(daemon.path)

	fd := ringFD(t)

	go func() {
		conn := daemon.accept(t)
		defer conn.Close()
		handshake(t, conn, fd)
		unix.Close(fd)
	}()

	client, err := Connect(daemon.path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.SelectShard(context.Background(), 99); err == nil {
		t.Fatal("expected error for out-of-range shard, got nil")
	}
}

func TestGetBlockAndReturnBlockRoundTrip(t *testing.T) {
	daemon := startFakeDaemon(t)
	defer daemon.ln.Close()
	defer os.Remove(daemon.path)

	fd := ringFD(t)

	returnedCh := make(chan uint32, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := daemon.accept(t)
		defer conn.Close()
		handshake(t, conn, fd)
		unix.Close(fd)

		var idxBuf [4]byte
		binary.BigEndian.PutUint32(idxBuf[:], 2)
		if _, err := conn.Write(idxBuf[:]); err != nil {
			t.Errorf("write block index: %v", err)
			return
		}

		var ackBuf [4]byte
		if _, err := io_ReadFull(conn, ackBuf[:]); err != nil {
			t.Errorf("read return ack: %v", err)
			return
		}
		returnedCh <- binary.BigEndian.Uint32(ackBuf[:])
	}()

	client, err := Connect(daemon.path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.SelectShard(context.Background(), 0); err != nil {
		t.Fatalf("select shard: %v", err)
	}

	block, err := client.GetBlock(-1)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if len(block) != testBlockSize {
		t.Fatalf("block len = %d, want %d", len(block), testBlockSize)
	}

	if err := client.ReturnBlock(block); err != nil {
		t.Fatalf("return block: %v", err)
	}

	select {
	case idx := <-returnedCh:
		if idx != 2 {
			t.Fatalf("returned index = %d, want 2", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for returned block index")
	}

	<-serverDone
}

func TestGetBlockTimeoutReturnsNilNotError(t *testing.T) {
	daemon := startFakeDaemon(t)
	defer daemon.ln.Close()
	defer os.Remove(daemon.path)

	fd := ringFD(t)

	go func() {
		conn := daemon.accept(t)
		defer conn.Close()
		handshake(t, conn, fd)
		unix.Close(fd)
		time.Sleep(2 * time.Second)
	}()

	client, err := Connect(daemon.path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.SelectShard(context.Background(), 0); err != nil {
		t.Fatalf("select shard: %v", err)
	}

	block, err := client.GetBlock(50)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if block != nil {
		t.Fatalf("expected nil block on timeout, got %d bytes", len(block))
	}
}

func TestReturnBlockRejectsMisalignedSlice(t *testing.T) {
	daemon := startFakeDaemon(t)
	defer daemon.ln.Close()
	defer os.Remove(daemon.path)

	fd := ringFD(t)

	go func() {
		conn := daemon.accept(t)
		defer conn.Close()
		handshake(t, conn, fd)
		unix.Close(fd)
	}()

	client, err := Connect(daemon.path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.SelectShard(context.Background(), 0); err != nil {
		t.Fatalf("select shard: %v", err)
	}

	misaligned := client.ring[1:10]
	if err := client.ReturnBlock(misaligned); err == nil {
		t.Fatal("expected error for misaligned block, got nil")
	}
}
