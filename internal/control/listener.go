package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sync/errgroup"
)

// Listener binds one filesystem control socket (spec §4.3) and spawns a
// Session for every accepted connection.
type Listener struct {
	path   string
	mode   os.FileMode
	group  Group
	logger *slog.Logger

	ln *net.UnixListener
}

// NewListener removes any stale socket file at path, binds a new Unix
// stream listener there, and applies mode.
func NewListener(path string, mode os.FileMode, group Group, logger *slog.Logger) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("control: remove stale socket %s: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: resolve %s: %w", path, err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: chmod %s: %w", path, err)
	}

	return &Listener{path: path, mode: mode, group: group, logger: logger, ln: ln}, nil
}

// Run accepts connections until ctx is canceled, running each Session in
// its own goroutine (spec §4.3: "running concurrently with other
// sessions").
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("control: accept on %s: %w", l.path, err)
		}

		sess := NewSession(conn, l.group, l.logger)
		g.Go(func() error {
			// A Session's error ends only that Session (Run logs it); it
			// is not passed on, so other Sessions keep running.
			_ = sess.Run(gctx)
			return nil
		})
	}

	return g.Wait()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
