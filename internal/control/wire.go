// Package control implements the Control-socket Listener and Client
// Session: the wire-protocol state machine of spec §4.3/§4.4/§6.1.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ProtocolVersion is the single version byte the daemon writes first
// (spec §4.4 step 1). A client that speaks another version disconnects on
// reading it; the daemon does not wait for a reply and writes the
// geometry straight after, but never passes a fd without a shard choice.
const ProtocolVersion byte = 0x01

// Sentinel protocol errors, per spec §7's Protocol error kind.
var (
	ErrUnsupportedVersion = errors.New("control: unsupported protocol version")
	ErrMalformedFrame     = errors.New("control: malformed frame")
	ErrFDPassingFailed    = errors.New("control: fd passing failed")
)

// writeVersion sends the single protocol version byte.
func writeVersion(conn *net.UnixConn) error {
	_, err := conn.Write([]byte{ProtocolVersion})
	return err
}

// writeGeometry sends fanout_size, block_size, block_count as three
// big-endian uint32s (spec §6.1 steps 2-4).
func writeGeometry(conn *net.UnixConn, fanoutSize, blockSize, blockCount uint32) error {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:], fanoutSize)
	binary.BigEndian.PutUint32(buf[4:], blockSize)
	binary.BigEndian.PutUint32(buf[8:], blockCount)
	_, err := conn.Write(buf[:])
	return err
}

// readShardIndex reads the client's chosen shard index (spec §6.1 step 5).
func readShardIndex(conn *net.UnixConn) (uint32, error) {
	var buf [4]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// sendFD hands the capture fd to the client over an ancillary SCM_RIGHTS
// message, with the one required data byte (spec §4.4 step 4, §6.1 step 6).
func sendFD(conn *net.UnixConn, fd int) error {
	oob := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, oob, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFDPassingFailed, err)
	}
	return nil
}

// writeBlockIndex sends one available block index (spec §6.1 step 7+).
func writeBlockIndex(conn *net.UnixConn, idx uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], idx)
	_, err := conn.Write(buf[:])
	return err
}

// readBlockIndex reads one returned block index (spec §6.1 step 7+).
func readBlockIndex(conn *net.UnixConn) (uint32, error) {
	var buf [4]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
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
