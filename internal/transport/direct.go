// Package transport carries encoded events either straight to the vendor
// (Direct) or through the first-party forwarder (Proxy).
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/PratikDhanave/analytics-relay/internal/encoder"
	"github.com/PratikDhanave/analytics-relay/internal/vendor"
)

// Source markers stamped on events by the route that delivered them.
const (
	SourceDirect = "direct"
	SourceProxy  = "proxy"
)

var (
	// ErrVendorMissing means no loaded vendor client is installed.
	ErrVendorMissing = errors.New("transport: vendor client missing")
	// ErrVendorPanic means the vendor call panicked and was recovered.
	ErrVendorPanic = errors.New("transport: vendor call panicked")
)

// Direct sends events through the vendor client installed in the host.
type Direct struct {
	client vendor.Client
}

// NewDirect wraps client. A nil client makes every send fail with
// ErrVendorMissing.
func NewDirect(client vendor.Client) *Direct {
	return &Direct{client: client}
}

// Loaded reports whether the vendor client finished initializing; it lets a
// Direct act as the prober's flag.
func (d *Direct) Loaded() bool {
	return d.client != nil && d.client.Loaded()
}

// Send tracks ev through the vendor client.
func (d *Direct) Send(ctx context.Context, ev *encoder.Event) error {
	return d.guard(func() error {
		return d.client.Track(ctx, ev.Name(), ev.Properties())
	})
}

// ConfigurePage updates the vendor's notion of the current page.
func (d *Direct) ConfigurePage(ctx context.Context, page string) error {
	return d.guard(func() error {
		return d.client.Configure(ctx, map[string]any{"current_page": page})
	})
}

// Identify forwards an identified user to the vendor client.
func (d *Direct) Identify(ctx context.Context, userID string) error {
	return d.guard(func() error {
		return d.client.Identify(ctx, userID, nil)
	})
}

// Reset clears vendor-side identity.
func (d *Direct) Reset(ctx context.Context) error {
	return d.guard(func() error {
		return d.client.Reset(ctx)
	})
}

func (d *Direct) guard(call func() error) (err error) {
	if !d.Loaded() {
		return ErrVendorMissing
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrVendorPanic, r)
		}
	}()
	return call()
}
