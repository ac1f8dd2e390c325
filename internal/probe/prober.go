// Package probe decides whether the vendor client is usable. The passive
// watch looks for the client's "loaded" flag on a short schedule, since a
// blocked vendor is only knowable after a delay. The active Probe sends a
// test event and is meant for diagnostics.
package probe

import (
	"context"
	"log"
	"time"

	"github.com/PratikDhanave/analytics-relay/internal/encoder"
	"github.com/PratikDhanave/analytics-relay/internal/session"
)

// ProbeEvent is the name of the event Probe sends.
const ProbeEvent = "$probe"

// DefaultSchedule checks immediately, then 500ms, 1s and 2s after start.
var DefaultSchedule = []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second}

// Flag reports whether the vendor client initialized.
type Flag interface {
	Loaded() bool
}

// Sender is the direct path used by Probe.
type Sender interface {
	Send(ctx context.Context, ev *encoder.Event) error
}

// Encoder builds the probe event.
type Encoder interface {
	Encode(ctx context.Context, name string, props map[string]any) *encoder.Event
}

type Options struct {
	// Schedule holds offsets from Start at which the flag is checked.
	Schedule []time.Duration
	Logger   *log.Logger
}

type Prober struct {
	state    *session.State
	flag     Flag
	direct   Sender
	enc      Encoder
	schedule []time.Duration
	logger   *log.Logger
}

func New(state *session.State, flag Flag, direct Sender, enc Encoder, opts Options) *Prober {
	if opts.Schedule == nil {
		opts.Schedule = DefaultSchedule
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Prober{
		state:    state,
		flag:     flag,
		direct:   direct,
		enc:      enc,
		schedule: opts.Schedule,
		logger:   opts.Logger,
	}
}

// IsVendorAvailable returns the current tri-state.
func (p *Prober) IsVendorAvailable() session.Availability {
	return p.state.Availability()
}

// Start runs Watch in the background. The returned channel is closed when
// watching ends.
func (p *Prober) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Watch(ctx)
	}()
	return done
}

// Watch checks the flag at each scheduled offset. It marks the state
// available on the first sighting, or unavailable once the schedule is
// exhausted. Cancelling ctx leaves the state unchanged.
func (p *Prober) Watch(ctx context.Context) session.Availability {
	start := time.Now()
	for _, at := range p.schedule {
		if wait := at - time.Since(start); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return p.state.Availability()
			case <-t.C:
			}
		}
		if p.flag != nil && p.flag.Loaded() {
			p.state.MarkAvailable()
			return p.state.Availability()
		}
	}

	if p.state.MarkUnavailable() {
		p.logger.Printf("probe: vendor client not loaded after %v, using proxy", time.Since(start).Round(time.Millisecond))
	}
	return p.state.Availability()
}

// Probe sends a test event through the direct path and reports whether it
// was accepted within timeout. It does not change the session state.
func (p *Prober) Probe(ctx context.Context, timeout time.Duration) bool {
	if p.direct == nil || p.enc == nil {
		return false
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev := p.enc.Encode(ctx, ProbeEvent, map[string]any{"probe": true})
	if ev == nil {
		return false
	}

	result := make(chan error, 1)
	go func() { result <- p.direct.Send(ctx, ev) }()

	select {
	case err := <-result:
		return err == nil
	case <-ctx.Done():
		return false
	}
}
