package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/testimony-project/testimony/internal/fanout"
)

// sessionState is the wire-protocol state machine of spec §4.4.
type sessionState int

const (
	stateAwaitVersionAck sessionState = iota
	stateAwaitShard
	stateAwaitFDAck
	stateStreaming
	stateClosed
)

// RingGeometry is the subset of *capture.Ring a Session needs to
// advertise geometry and pass the capture fd.
type RingGeometry interface {
	FD() int
	BlockSize() uint32
	BlockCount() uint32
}

// Group is the subset of *fanout.Group a Session needs: registering for
// delivery on a shard, returning blocks, and reading off the shard's ring
// geometry and fd. Kept as an interface so session tests can supply a
// fake without opening real capture sockets.
type Group interface {
	ShardCount() int
	Register(shard int, sub fanout.Subscriber) error
	Unregister(shard int, sub fanout.Subscriber)
	Return(shard int, blockIndex uint32) error
	Ring(shard int) (RingGeometry, error)
}

// Session terminates the wire protocol for one connected client, per
// spec §4.4. It owns the connection exclusively; the only cross-task
// communication is the inbound delivery channel fed by the Fanout Group.
type Session struct {
	conn   *net.UnixConn
	group  Group
	logger *slog.Logger

	shard   int
	state   sessionState
	inbound chan uint32
}

// NewSession constructs a Session bound to an accepted connection. The
// caller should call Run to drive the protocol to completion.
func NewSession(conn *net.UnixConn, group Group, logger *slog.Logger) *Session {
	return &Session{
		conn:    conn,
		group:   group,
		logger:  logger,
		shard:   -1,
		state:   stateAwaitVersionAck,
		inbound: make(chan uint32, 64),
	}
}

// Deliver implements fanout.Subscriber. It is called from the owning
// shard's poller goroutine, never from Run's own goroutine, so it must
// not block for long: the channel is buffered and delivery backs up only
// this session's shard if the client is slow (spec §5).
func (s *Session) Deliver(blockIndex uint32) {
	select {
	case s.inbound <- blockIndex:
	default:
		// Buffer full: the client is badly behind. Drop silently; the
		// kernel will begin reporting its own drops via the block
		// header, per spec §7's Transient error kind.
	}
}

// Run drives the Session through AWAIT_VERSION_ACK -> ... -> CLOSED. It
// blocks until the connection closes or a protocol error occurs, at
// which point every block still held by this Session is released back
// to the kernel (spec §4.2, §8 Accounting invariant).
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	err := s.run(ctx)
	if err != nil && s.logger != nil {
		s.logger.Debug("session closed", "shard", s.shard, "reason", err)
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	if err := writeVersion(s.conn); err != nil {
		return fmt.Errorf("control: write version: %w", err)
	}
	s.state = stateAwaitShard

	shardIdx, ring, err := s.negotiateShard()
	if err != nil {
		return err
	}
	s.shard = shardIdx
	s.state = stateAwaitFDAck
	// A shard has at most BlockCount blocks in CLIENT state at once, so a
	// buffer of that size holds every index the Fanout Group can deliver.
	s.inbound = make(chan uint32, ring.BlockCount())

	if err := s.group.Register(shardIdx, s); err != nil {
		return fmt.Errorf("control: register shard %d: %w", shardIdx, err)
	}

	if err := sendFD(s.conn, ring.FD()); err != nil {
		s.group.Unregister(shardIdx, s)
		return err
	}
	s.state = stateStreaming

	return s.stream(ctx)
}

// negotiateShard implements spec §4.4 step 3: read the client's chosen
// shard and validate it against the group's fanout size.
func (s *Session) negotiateShard() (int, RingGeometry, error) {
	// Geometry is advertised before the shard choice per §6.1, but the
	// block_size/block_count values are the same across shards (spec §3
	// invariant), so geometry is written here from shard 0's ring as the
	// canonical source, and only then is the shard choice read.
	ring, err := s.group.Ring(0)
	if err != nil {
		return 0, nil, fmt.Errorf("control: shard 0 ring: %w", err)
	}
	if werr := writeGeometry(s.conn, uint32(s.group.ShardCount()), ring.BlockSize(), ring.BlockCount()); werr != nil {
		return 0, nil, fmt.Errorf("control: write geometry: %w", werr)
	}

	idx, err := readShardIndex(s.conn)
	if err != nil {
		return 0, nil, err
	}
	if int(idx) >= s.group.ShardCount() {
		return 0, nil, fmt.Errorf("control: shard %d: %w", idx, fanout.ErrShardOutOfRange)
	}

	chosen, err := s.group.Ring(int(idx))
	if err != nil {
		return 0, nil, err
	}
	return int(idx), chosen, nil
}

// stream is the STREAMING state's steady loop: forward deliveries to the
// client and read back acknowledgements, per spec §4.4 step 5.
func (s *Session) stream(ctx context.Context) error {
	acks := make(chan uint32)
	ackErrs := make(chan error, 1)
	go func() {
		defer close(acks)
		for {
			idx, err := readBlockIndex(s.conn)
			if err != nil {
				ackErrs <- err
				return
			}
			acks <- idx
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case idx, ok := <-acks:
			if !ok {
				return <-ackErrs
			}
			if err := s.group.Return(s.shard, idx); err != nil {
				return fmt.Errorf("control: ack block %d: %w", idx, err)
			}

		case idx := <-s.inbound:
			if err := writeBlockIndex(s.conn, idx); err != nil {
				return fmt.Errorf("control: write block index: %w", err)
			}
		}
	}
}

func (s *Session) teardown() {
	s.state = stateClosed
	if s.shard >= 0 {
		s.group.Unregister(s.shard, s)
	}
	_ = s.conn.Close()
}
