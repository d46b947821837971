package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/satchel/internal/logging"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// DefaultProbeInterval is how often Prober checks the remote.
const DefaultProbeInterval = 30 * time.Second

// Prober polls a Pinger and feeds the result into a Bridge.
type Prober struct {
	Pinger   types.Pinger
	Bridge   *Bridge
	Interval time.Duration
	Timeout  time.Duration // Per probe; zero means Interval.
	Logger   *slog.Logger
}

// Probe checks the remote once and updates the bridge. It returns the
// observed state.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = p.interval()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.Pinger.Ping(ctx)
	if err != nil {
		p.logger().Debug("remote unreachable", "error", err)
	}
	p.Bridge.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Prober) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultProbeInterval
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logging.Discard()
}
