// Package daemon assembles configuration, Fanout Groups, and Control
// Listeners into the running testimonyd process, and drives them all
// under one signal-aware errgroup.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/bpf"
	"golang.org/x/sync/errgroup"

	"github.com/testimony-project/testimony/internal/capture"
	"github.com/testimony-project/testimony/internal/config"
	"github.com/testimony-project/testimony/internal/control"
	"github.com/testimony-project/testimony/internal/fanout"
	"github.com/testimony-project/testimony/internal/metrics"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to drain
// on shutdown.
const shutdownTimeout = 5 * time.Second

// listenerUnit pairs one Fanout Group with the Control Listener that serves it,
// mirroring one entry of config.Config.Listeners.
type listenerUnit struct {
	group *fanout.Group
	ctl   *control.Listener
}

// Daemon owns every listener unit and the shared metrics registry/HTTP
// server for one testimonyd process.
type Daemon struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	units      []listenerUnit
	metricsSrv *http.Server
}

// New builds every Fanout Group and Control Listener named by cfg, opening
// capture rings as it goes. If any listener fails to open, units opened so
// far are closed before returning the error.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(reg)

	d := &Daemon{
		logger:  logger,
		metrics: mc,
	}

	for i, lc := range cfg.Listeners {
		unit, err := d.openListenerUnit(lc)
		if err != nil {
			d.closeUnits()
			return nil, fmt.Errorf("daemon: listener[%d] %s: %w", i, lc.SocketPath, err)
		}
		d.units = append(d.units, unit)
	}

	d.metricsSrv = newMetricsServer(cfg.Metrics, reg)

	return d, nil
}

func (d *Daemon) openListenerUnit(lc config.ListenerConfig) (listenerUnit, error) {
	kind, err := fanoutKindFromString(lc.FanoutKind)
	if err != nil {
		return listenerUnit{}, err
	}

	filter := make([]bpf.RawInstruction, len(lc.Filter))
	for i, ins := range lc.Filter {
		filter[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	rings := make([]capture.Config, lc.FanoutSize)
	for i := range rings {
		rings[i] = capture.Config{
			Interface:          lc.Interface,
			BlockSize:          lc.BlockSize,
			BlockCount:         lc.BlockCount,
			BlockTimeoutMillis: lc.BlockTimeoutMillis,
			FanoutID:           lc.FanoutID,
			FanoutSize:         lc.FanoutSize,
			FanoutKind:         kind,
			Filter:             filter,
		}
	}

	group, err := fanout.NewGroup(fanout.Config{
		Interface:  lc.Interface,
		FanoutID:   lc.FanoutID,
		FanoutKind: kind,
		Rings:      rings,
	}, d.logger, d.metrics)
	if err != nil {
		return listenerUnit{}, fmt.Errorf("open fanout group: %w", err)
	}

	ctl, err := control.NewListener(lc.SocketPath, os.FileMode(lc.SocketMode), groupAdapter{group}, d.logger)
	if err != nil {
		_ = group.Close()
		return listenerUnit{}, fmt.Errorf("open control listener: %w", err)
	}

	return listenerUnit{group: group, ctl: ctl}, nil
}

func (d *Daemon) closeUnits() {
	for _, u := range d.units {
		_ = u.ctl.Close()
		_ = u.group.Close()
	}
}

// Run drives every Fanout Group poller, every Control Listener accept loop,
// and the metrics HTTP server until ctx is canceled, then tears everything
// down.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, u := range d.units {
		u := u
		g.Go(func() error {
			return u.group.Run(gctx)
		})
		g.Go(func() error {
			return u.ctl.Run(gctx)
		})
	}

	g.Go(func() error {
		d.logger.Info("metrics server listening", slog.String("addr", d.metricsSrv.Addr))
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return d.metricsSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	d.closeUnits()
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// groupAdapter satisfies control.Group on top of a concrete *fanout.Group.
// The two packages are kept decoupled (control never imports capture) so
// Ring's return type has to be widened to control.RingGeometry here, at the
// one place that legitimately knows about both.
type groupAdapter struct {
	*fanout.Group
}

func (a groupAdapter) Ring(shard int) (control.RingGeometry, error) {
	r, err := a.Group.Ring(shard)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func fanoutKindFromString(s string) (capture.FanoutKind, error) {
	switch s {
	case "", "hash":
		return capture.FanoutHash, nil
	case "lb":
		return capture.FanoutLoadBalance, nil
	case "rollover":
		return capture.FanoutRollover, nil
	case "cpu":
		return capture.FanoutCPU, nil
	case "random":
		return capture.FanoutRandom, nil
	case "qm":
		return capture.FanoutQueueMapper, nil
	default:
		return 0, fmt.Errorf("daemon: unrecognized fanout_kind %q", s)
	}
}
