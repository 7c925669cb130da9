// Package fanout implements the Fanout Group: one per configured
// (interface, fanout id) tuple. It owns the Ring Providers for every
// shard and the per-block ownership state machine (KERNEL -> DAEMON ->
// CLIENT -> KERNEL), and dispatches newly retired blocks to whichever
// Client Session is currently registered on a shard.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/testimony-project/testimony/internal/capture"
	"github.com/testimony-project/testimony/internal/metrics"
)

// statsPollInterval is how often a Group samples the kernel's per-ring
// drop counters. PACKET_STATISTICS resets its counters on every read, so
// this is summed across shards and reported as a gauge rather than a
// counter.
const statsPollInterval = 5 * time.Second

// blockState is the per-block tagged variant from spec §4.2/§9: KERNEL,
// DAEMON (retired but not yet handed to a client), or CLIENT (held by the
// currently registered Session).
type blockState int

const (
	stateKernel blockState = iota
	stateDaemon
	stateClient
)

// Sentinel protocol errors a Group's callers translate into Session
// teardown.
var (
	// ErrShardOutOfRange is returned by Register when the shard index is
	// not a valid fanout shard for this group.
	ErrShardOutOfRange = errors.New("fanout: shard index out of range")

	// ErrShardTaken is returned by Register when another Session already
	// owns the requested shard.
	ErrShardTaken = errors.New("fanout: shard already registered")

	// ErrUnknownBlock is returned by Return when the block index does not
	// belong to the caller.
	ErrUnknownBlock = errors.New("fanout: block not owned by this session")
)

// Subscriber is the narrow interface a Client Session implements so the
// Fanout Group can hand it newly retired blocks without either side
// sharing mutable state; delivery is message passing, per spec §5.
type Subscriber interface {
	// Deliver is called by the shard's poller goroutine with a newly
	// retired block index. Implementations must not block for long: a
	// slow client backs up only its own shard (spec §5).
	Deliver(blockIndex uint32)
}

type shard struct {
	mu      sync.Mutex
	ring    *capture.Ring
	states  []blockState
	owner   Subscriber
	cursor  uint32 // next block index the kernel is expected to retire
}

// Config parameterizes one Fanout Group.
type Config struct {
	Interface  string
	FanoutID   uint16
	FanoutKind capture.FanoutKind
	Rings      []capture.Config // one per shard, FanoutSize == len(Rings)
}

// Group owns every shard's Ring and block-ownership bookkeeping for one
// (interface, fanout id) tuple.
type Group struct {
	iface    string
	fanoutID uint16
	logger   *slog.Logger
	metrics  *metrics.Collector

	shards []*shard
}

// NewGroup opens one Ring per configured shard and returns the assembled
// Group. If any shard fails to open, the shards opened so far are closed
// before returning the error.
func NewGroup(cfg Config, logger *slog.Logger, mc *metrics.Collector) (*Group, error) {
	g := &Group{
		iface:    cfg.Interface,
		fanoutID: cfg.FanoutID,
		logger:   logger,
		metrics:  mc,
	}

	for i, rc := range cfg.Rings {
		ring, err := capture.Open(rc)
		if err != nil {
			g.closeOpened()
			return nil, fmt.Errorf("fanout: open shard %d: %w", i, err)
		}
		g.shards = append(g.shards, &shard{
			ring:   ring,
			states: make([]blockState, ring.BlockCount()),
		})
	}

	return g, nil
}

func (g *Group) closeOpened() {
	for _, s := range g.shards {
		_ = s.ring.Close()
	}
}

// ShardCount returns the fanout size of this group.
func (g *Group) ShardCount() int { return len(g.shards) }

// Ring returns the capture Ring backing shard i. Callers use this to
// obtain the fd to pass to a client and the ring geometry to advertise.
func (g *Group) Ring(i int) (*capture.Ring, error) {
	if i < 0 || i >= len(g.shards) {
		return nil, ErrShardOutOfRange
	}
	return g.shards[i].ring, nil
}

// Register attaches sub as the sole Subscriber of shard i. It fails if
// the shard is out of range or already has a registered Subscriber,
// matching spec §4.2/§4.4's single-Session-per-shard invariant.
func (g *Group) Register(i int, sub Subscriber) error {
	if i < 0 || i >= len(g.shards) {
		return ErrShardOutOfRange
	}
	s := g.shards[i]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner != nil {
		return ErrShardTaken
	}
	s.owner = sub

	if g.metrics != nil {
		g.metrics.RegisterSession(g.iface, fanoutIDLabel(g.fanoutID), shardLabel(i))
	}
	return nil
}

// Unregister clears shard i's Subscriber and reclaims every block it
// still held, in ascending ring order (spec §4.2 edge case, §8
// Accounting invariant).
func (g *Group) Unregister(i int, sub Subscriber) {
	if i < 0 || i >= len(g.shards) {
		return
	}
	s := g.shards[i]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner != sub {
		return
	}
	s.owner = nil

	for idx := range s.states {
		if s.states[idx] == stateClient {
			s.states[idx] = stateKernel
			releaseBlock(s.ring, uint32(idx))
			if g.metrics != nil {
				g.metrics.IncBlocksReclaimed(g.iface, fanoutIDLabel(g.fanoutID), shardLabel(i))
			}
		}
	}

	if g.metrics != nil {
		g.metrics.UnregisterSession(g.iface, fanoutIDLabel(g.fanoutID), shardLabel(i))
	}
}

// Return transitions block idx on shard i from CLIENT back to KERNEL. It
// is a fatal-for-the-session error (per spec §4.2) if the caller does not
// currently own that block.
func (g *Group) Return(i int, idx uint32) error {
	if i < 0 || i >= len(g.shards) {
		return ErrShardOutOfRange
	}
	s := g.shards[i]

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx >= uint32(len(s.states)) || s.states[idx] != stateClient {
		return ErrUnknownBlock
	}

	s.states[idx] = stateKernel
	releaseBlock(s.ring, idx)

	if g.metrics != nil {
		g.metrics.IncBlocksReclaimed(g.iface, fanoutIDLabel(g.fanoutID), shardLabel(i))
	}
	return nil
}

// releaseBlock clears the kernel status bit for block idx, the single
// place block ownership actually moves back to the kernel.
func releaseBlock(ring *capture.Ring, idx uint32) {
	capture.NewBlockHeader(ring.Block(idx)).Release()
}

// Run polls every shard's ring for retirement until ctx is canceled. Each
// shard gets its own goroutine; a single slow shard never blocks another
// (spec §5).
func (g *Group) Run(ctx context.Context) error {
	errCh := make(chan error, len(g.shards))
	var wg sync.WaitGroup

	for i, s := range g.shards {
		wg.Add(1)
		go func(i int, s *shard) {
			defer wg.Done()
			errCh <- g.pollShard(ctx, i, s)
		}(i, s)
	}

	if g.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.pollStats(ctx)
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (g *Group) pollShard(ctx context.Context, i int, s *shard) error {
	pollFds := []unix.PollFd{{Fd: int32(s.ring.FD()), Events: unix.POLLIN}}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := unix.Poll(pollFds, 250)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("fanout: poll shard %d: %w", i, err)
		}

		g.drainRetired(i, s)
	}
}

// drainRetired walks the shard's ring starting at its cursor, dispatching
// or dropping every block the kernel has retired since the last scan, in
// strict ring order.
func (g *Group) drainRetired(i int, s *shard) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := uint32(len(s.states))
	for n := uint32(0); n < count; n++ {
		idx := s.cursor
		hdr := capture.NewBlockHeader(s.ring.Block(idx))

		if !hdr.Ready() {
			break
		}
		if s.states[idx] != stateKernel {
			break
		}

		s.states[idx] = stateDaemon
		if g.metrics != nil {
			g.metrics.IncBlocksRetired(g.iface, fanoutIDLabel(g.fanoutID))
		}

		if s.owner == nil {
			s.states[idx] = stateKernel
			hdr.Release()
			if g.metrics != nil {
				g.metrics.IncBlocksDropped(g.iface, fanoutIDLabel(g.fanoutID), shardLabel(i))
			}
		} else {
			s.states[idx] = stateClient
			owner := s.owner
			if g.metrics != nil {
				g.metrics.IncBlocksDelivered(g.iface, fanoutIDLabel(g.fanoutID), shardLabel(i))
			}
			owner.Deliver(idx)
		}

		s.cursor = (idx + 1) % count
	}
}

// pollStats periodically sums every shard's kernel drop counter and
// reports it as one gauge for the group, per §9's note that kernel drops
// are surfaced for operators even though the protocol never signals them.
func (g *Group) pollStats(ctx context.Context) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()

	var total uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.shards {
				_, dropped, err := s.ring.Stats()
				if err != nil {
					continue
				}
				total += dropped
			}
			g.metrics.SetKernelDrops(g.iface, fanoutIDLabel(g.fanoutID), float64(total))
		}
	}
}

// Close closes every shard's ring.
func (g *Group) Close() error {
	var errs []error
	for _, s := range g.shards {
		if err := s.ring.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fanoutIDLabel(id uint16) string { return fmt.Sprintf("%d", id) }
func shardLabel(i int) string        { return fmt.Sprintf("%d", i) }
