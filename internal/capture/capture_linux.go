//go:build linux

// Package capture is the Ring Provider binding: the only code in the
// daemon that touches AF_PACKET/tpacket_v3 kernel capture knobs directly.
//
// A Ring wraps one capture socket bound to one interface, configured with
// a tpacket_v3 RX ring and (optionally) joined to a kernel fanout group.
// Everything above this package talks about blocks and shards; nothing
// above it knows about sockopts, mmap, or sockaddr_ll.
package capture

import (
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// FanoutKind selects the kernel's packet load-balancing strategy for a
// fanout group. The exact set the host kernel supports is a runtime
// concern: an unsupported kind surfaces as an ErrFanoutJoin OpenError.
type FanoutKind int

// Recognized fanout kinds. The zero value is FanoutLoadBalance.
const (
	FanoutLoadBalance FanoutKind = iota
	FanoutHash
	FanoutRollover
	FanoutCPU
	FanoutRandom
	FanoutQueueMapper
)

func (k FanoutKind) packetFanoutType() uint16 {
	switch k {
	case FanoutHash:
		return unix.PACKET_FANOUT_HASH
	case FanoutRollover:
		return unix.PACKET_FANOUT_ROLLOVER
	case FanoutCPU:
		return unix.PACKET_FANOUT_CPU
	case FanoutRandom:
		return unix.PACKET_FANOUT_RND
	case FanoutQueueMapper:
		return unix.PACKET_FANOUT_QM
	default:
		return unix.PACKET_FANOUT_LB
	}
}

// Config parameterizes one Ring Provider Open call. It corresponds to one
// fanout shard of one configured listener.
type Config struct {
	// Interface is the network interface to bind the capture socket to.
	Interface string

	// BlockSize is the tpacket_v3 block size in bytes. Frame size is
	// always set equal to BlockSize, so every block holds exactly one
	// v3 super-block.
	BlockSize uint32

	// BlockCount is the number of blocks in the ring.
	BlockCount uint32

	// BlockTimeoutMillis bounds how long a partially-filled block is held
	// before the kernel retires it anyway (tp_retire_blk_tov).
	BlockTimeoutMillis uint32

	// FanoutID identifies the fanout group this ring joins. Ignored if
	// FanoutSize <= 1.
	FanoutID uint16

	// FanoutSize is the total number of shards in the fanout group this
	// ring belongs to. A value <= 1 skips the PACKET_FANOUT join.
	FanoutSize int

	// FanoutKind selects the kernel load-balancing strategy.
	FanoutKind FanoutKind

	// Filter, if non-empty, is attached to the socket and locked so that
	// a client holding the handed-off fd cannot relax or replace it.
	Filter []bpf.RawInstruction
}

// ErrorKind categorizes why Open failed, per spec §4.1/§7.
type ErrorKind int

// Recognized error kinds.
const (
	ErrSocketCreate ErrorKind = iota
	ErrVersionSet
	ErrFilterAttach
	ErrFilterLockUnavailable
	ErrRingRequest
	ErrMmap
	ErrInterfaceUnknown
	ErrBind
	ErrFanoutJoin
)

func (k ErrorKind) String() string {
	switch k {
	case ErrSocketCreate:
		return "socket-create"
	case ErrVersionSet:
		return "version-set"
	case ErrFilterAttach:
		return "filter-attach"
	case ErrFilterLockUnavailable:
		return "filter-lock-unavailable"
	case ErrRingRequest:
		return "ring-request"
	case ErrMmap:
		return "mmap"
	case ErrInterfaceUnknown:
		return "interface-unknown"
	case ErrBind:
		return "bind"
	case ErrFanoutJoin:
		return "fanout-join"
	default:
		return "unknown"
	}
}

// OpenError reports a categorized failure to configure a Ring.
type OpenError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("capture: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Ring is one mmapped tpacket_v3 capture ring bound to one AF_PACKET
// socket. The daemon holds it read-write; clients are handed the same
// fd and mmap it read-only.
type Ring struct {
	fd         int
	base       []byte
	blockSize  uint32
	blockCount uint32
}

// Open configures a capture socket exactly in the order required by
// spec §4.1, releasing any partially-acquired resource before returning
// a categorized error.
func Open(cfg Config) (ring *Ring, err error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, &OpenError{Kind: ErrSocketCreate, Op: "socket", Err: err}
	}

	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()

	if sockErr := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, unix.TPACKET_V3); sockErr != nil {
		return nil, &OpenError{Kind: ErrVersionSet, Op: "PACKET_VERSION", Err: sockErr}
	}

	if len(cfg.Filter) > 0 {
		if attachErr := attachLockedFilter(fd, cfg.Filter); attachErr != nil {
			return nil, attachErr
		}
	}

	req := unix.TpacketReq3{
		Block_size:      cfg.BlockSize,
		Block_nr:        cfg.BlockCount,
		Frame_size:      cfg.BlockSize,
		Frame_nr:        cfg.BlockCount,
		Retire_blk_tov:  cfg.BlockTimeoutMillis,
		Feature_req_word: 0,
	}
	if sockErr := unix.SetsockoptTpacketReq3(fd, unix.SOL_PACKET, unix.PACKET_RX_RING, &req); sockErr != nil {
		return nil, &OpenError{Kind: ErrRingRequest, Op: "PACKET_RX_RING", Err: sockErr}
	}

	mapLen := int(cfg.BlockSize) * int(cfg.BlockCount)
	base, mmapErr := unix.Mmap(fd, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
	if mmapErr != nil {
		return nil, &OpenError{Kind: ErrMmap, Op: "mmap", Err: mmapErr}
	}

	defer func() {
		if err != nil {
			unix.Munmap(base)
		}
	}()

	idx, lookupErr := interfaceIndex(cfg.Interface)
	if lookupErr != nil {
		return nil, &OpenError{Kind: ErrInterfaceUnknown, Op: "if_nametoindex", Err: lookupErr}
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  idx,
	}
	if bindErr := unix.Bind(fd, &addr); bindErr != nil {
		return nil, &OpenError{Kind: ErrBind, Op: "bind", Err: bindErr}
	}

	if cfg.FanoutSize > 1 {
		arg := int(cfg.FanoutID) | int(cfg.FanoutKind.packetFanoutType())<<16
		if sockErr := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT, arg); sockErr != nil {
			return nil, &OpenError{Kind: ErrFanoutJoin, Op: "PACKET_FANOUT", Err: sockErr}
		}
	}

	return &Ring{
		fd:         fd,
		base:       base,
		blockSize:  cfg.BlockSize,
		blockCount: cfg.BlockCount,
	}, nil
}

// attachLockedFilter attaches a classic BPF filter program and locks it,
// per spec §4.1's security-critical requirement that a client receiving
// the fd cannot relax the filter. A kernel that does not support
// SO_LOCK_FILTER makes this a fatal configuration error rather than a
// silent unlocked attach.
func attachLockedFilter(fd int, prog []bpf.RawInstruction) error {
	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return &OpenError{Kind: ErrFilterAttach, Op: "SO_ATTACH_FILTER", Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_LOCK_FILTER, 1); err != nil {
		return &OpenError{Kind: ErrFilterLockUnavailable, Op: "SO_LOCK_FILTER", Err: err}
	}

	return nil
}

func interfaceIndex(name string) (int, error) {
	idx, err := unix.IfNametoindex(name)
	if err != nil {
		return 0, err
	}
	if idx == 0 {
		return 0, unix.EINVAL
	}
	return int(idx), nil
}

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

// FD returns the underlying capture socket, suitable for passing to a
// client via SCM_RIGHTS.
func (r *Ring) FD() int { return r.fd }

// BlockSize returns the configured block size in bytes.
func (r *Ring) BlockSize() uint32 { return r.blockSize }

// BlockCount returns the configured block count.
func (r *Ring) BlockCount() uint32 { return r.blockCount }

// Block returns the raw bytes of block i, still backed by the shared
// mapping: writes through it affect the kernel's view (used only to
// clear the status bit when returning ownership).
func (r *Ring) Block(i uint32) []byte {
	start := uint64(i) * uint64(r.blockSize)
	return r.base[start : start+uint64(r.blockSize)]
}

// Close unmaps the ring and closes the capture socket.
func (r *Ring) Close() error {
	var errs []error
	if r.base != nil {
		if err := unix.Munmap(r.base); err != nil {
			errs = append(errs, err)
		}
		r.base = nil
	}
	if err := unix.Close(r.fd); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("capture: close: %v", errs)
	}
	return nil
}

// Stats returns the kernel's tpacket_stats_v3 counters for this ring,
// reset as a side effect of the getsockopt call (standard kernel
// semantics for PACKET_STATISTICS).
func (r *Ring) Stats() (received, dropped uint32, err error) {
	stats, err := unix.GetsockoptTpacketStatsV3(r.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return 0, 0, err
	}
	return stats.Packets, stats.Drops, nil
}
