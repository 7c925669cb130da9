//go:build linux

// Package testimony is the reference client library for connecting to a
// testimonyd control socket, selecting a fanout shard, and reading capture
// blocks out of the shared ring. It mirrors the C testimony.h API
// (original Google testimony project) in idiomatic Go: (T, error) returns
// in place of the C convention of a negative errno plus a queryable last
// error string.
package testimony

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/testimony-project/testimony/internal/control"
)

// Sentinel errors returned by the client library.
var (
	// ErrShardOutOfRange is returned by SelectShard for a shard index
	// outside [0, Geometry.FanoutSize).
	ErrShardOutOfRange = errors.New("testimony: shard index out of range")

	// ErrBlockIndexOutOfRange is returned when the daemon sends a block
	// index that doesn't fit the advertised ring geometry.
	ErrBlockIndexOutOfRange = errors.New("testimony: block index out of range")

	// ErrNotBlockAligned is returned by ReturnBlock when the given slice
	// does not start at a block boundary within the client's mapping.
	ErrNotBlockAligned = errors.New("testimony: block pointer is not ring-aligned")

	// ErrNoShardSelected is returned by GetBlock/ReturnBlock before
	// SelectShard has completed successfully.
	ErrNoShardSelected = errors.New("testimony: no shard selected")
)

// Geometry describes the ring layout advertised by the daemon: the number
// of fanout shards and the block_size/block_count shared by every shard's
// ring (spec invariant: all shards behind one socket share geometry).
type Geometry struct {
	FanoutSize int
	BlockSize  uint32
	BlockCount uint32
}

// Client is a connection to one testimonyd control socket.
type Client struct {
	conn *net.UnixConn
	geom Geometry

	shard int
	fd    int
	ring  []byte
}

// Connect dials the control socket at path and reads the protocol version
// and ring geometry the daemon advertises. Call SelectShard next to
// complete the handshake and obtain a readable mapping.
func Connect(path string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("testimony: resolve %s: %w", path, err)
	}

	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("testimony: dial %s: %w", path, err)
	}

	c := &Client{conn: conn, shard: -1, fd: -1}

	if err := c.readVersion(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.readGeometry(); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) readVersion() error {
	var buf [1]byte
	if _, err := readFull(c.conn, buf[:]); err != nil {
		return fmt.Errorf("testimony: read version: %w", err)
	}
	if buf[0] != control.ProtocolVersion {
		return fmt.Errorf("testimony: server version %d: %w", buf[0], control.ErrUnsupportedVersion)
	}
	return nil
}

func (c *Client) readGeometry() error {
	var buf [12]byte
	if _, err := readFull(c.conn, buf[:]); err != nil {
		return fmt.Errorf("testimony: read geometry: %w", err)
	}
	c.geom = Geometry{
		FanoutSize: int(binary.BigEndian.Uint32(buf[0:])),
		BlockSize:  binary.BigEndian.Uint32(buf[4:]),
		BlockCount: binary.BigEndian.Uint32(buf[8:]),
	}
	return nil
}

// Geometry returns the ring geometry advertised at connect time.
func (c *Client) Geometry() Geometry { return c.geom }

// SelectShard requests shard, receives the capture fd for it over
// SCM_RIGHTS, and maps its ring read-only. ctx's deadline, if any, bounds
// the handshake.
func (c *Client) SelectShard(ctx context.Context, shard int) error {
	if shard < 0 || shard >= c.geom.FanoutSize {
		return fmt.Errorf("testimony: shard %d: %w", shard, ErrShardOutOfRange)
	}

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(shard))
	if _, err := c.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("testimony: send shard index: %w", err)
	}

	fd, err := recvFD(c.conn)
	if err != nil {
		return fmt.Errorf("testimony: receive capture fd: %w", err)
	}

	mapLen := int(c.geom.BlockSize) * int(c.geom.BlockCount)
	ring, err := unix.Mmap(fd, 0, mapLen, unix.PROT_READ, unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("testimony: mmap ring: %w", err)
	}

	c.shard = shard
	c.fd = fd
	c.ring = ring
	return nil
}

// recvFD reads the one required data byte and its SCM_RIGHTS ancillary
// message, returning the passed file descriptor.
func recvFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, err
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("%w: %v", control.ErrFDPassingFailed, err)
	}
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, control.ErrFDPassingFailed
}

// GetBlock waits for the next available block index and returns its raw
// bytes, still backed by the shared mapping. If timeoutMillis is negative,
// it blocks forever; zero returns immediately if nothing is ready; a
// positive value bounds the wait. A timeout with nothing ready returns
// (nil, nil), not an error.
func (c *Client) GetBlock(timeoutMillis int) ([]byte, error) {
	if c.ring == nil {
		return nil, ErrNoShardSelected
	}

	switch {
	case timeoutMillis < 0:
		c.conn.SetReadDeadline(time.Time{})
	case timeoutMillis == 0:
		// A deadline already in the past fails Read before it looks at the
		// socket, so readiness is checked with a zero-timeout poll(2).
		n, pollErr := 0, error(nil)
		raw, err := c.conn.SyscallConn()
		if err == nil {
			err = raw.Control(func(fd uintptr) {
				n, pollErr = unix.Poll([]unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}, 0)
			})
		}
		if err = errors.Join(err, pollErr); err != nil {
			return nil, fmt.Errorf("testimony: poll control socket: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		c.conn.SetReadDeadline(time.Time{})
	default:
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond))
	}

	var buf [4]byte
	if _, err := readFull(c.conn, buf[:]); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("testimony: read block index: %w", err)
	}

	idx := binary.BigEndian.Uint32(buf[:])
	if idx >= c.geom.BlockCount {
		return nil, fmt.Errorf("testimony: index %d: %w", idx, ErrBlockIndexOutOfRange)
	}

	start := uint64(idx) * uint64(c.geom.BlockSize)
	return c.ring[start : start+uint64(c.geom.BlockSize)], nil
}

// ReturnBlock hands block back to the daemon, computed as an index from
// its address offset into the mapping base (mirrors the original C
// client's pointer arithmetic). Rejects slices that do not start on a
// block boundary without writing to the socket.
func (c *Client) ReturnBlock(block []byte) error {
	if c.ring == nil {
		return ErrNoShardSelected
	}
	if len(block) == 0 || len(c.ring) == 0 {
		return ErrNotBlockAligned
	}

	base := uintptr(unsafe.Pointer(&c.ring[0]))
	ptr := uintptr(unsafe.Pointer(&block[0]))
	if ptr < base {
		return ErrNotBlockAligned
	}

	offset := ptr - base
	blockSize := uint64(c.geom.BlockSize)
	if uint64(offset)%blockSize != 0 {
		return ErrNotBlockAligned
	}

	idx := uint64(offset) / blockSize
	if idx >= uint64(c.geom.BlockCount) {
		return fmt.Errorf("testimony: index %d: %w", idx, ErrBlockIndexOutOfRange)
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(idx))
	if _, err := c.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("testimony: return block: %w", err)
	}
	return nil
}

// Close unmaps the ring, closes the capture fd, and closes the control
// connection.
func (c *Client) Close() error {
	var errs []error
	if c.ring != nil {
		if err := unix.Munmap(c.ring); err != nil {
			errs = append(errs, err)
		}
		c.ring = nil
	}
	if c.fd >= 0 {
		if err := unix.Close(c.fd); err != nil {
			errs = append(errs, err)
		}
		c.fd = -1
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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
