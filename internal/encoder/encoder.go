// Package encoder shapes a (name, properties) pair into the wire event,
// injecting identity, timestamp, navigation and environment metadata.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/PratikDhanave/analytics-relay/internal/models"
)

// Property keys injected by the encoder.
const (
	PropDistinctID  = "distinct_id"
	PropUserID      = "user_id"
	PropTimestamp   = "timestamp"
	PropPage        = "page"
	PropReferrer    = "referrer"
	PropURL         = "url"
	PropUserAgent   = "user_agent"
	PropHost        = "host"
	PropLanguage    = "language"
	PropScreenSize  = "screen_size"
	PropViewport    = "viewport_size"
	PropLoadTime    = "page_load_time"
	PropEnvironment = "environment"
	PropSource      = "source"
)

// Navigation is the host's current navigation context.
type Navigation struct {
	Page       string
	Referrer   string
	URL        string
	UserAgent  string
	Host       string
	Language   string
	ScreenSize string
	// ViewportSize is "WIDTHxHEIGHT" of the visible area.
	ViewportSize string
	// PageLoadTime is sent in milliseconds when positive.
	PageLoadTime time.Duration
}

// NavigationFunc reports the navigation context at encode time.
type NavigationFunc func() Navigation

// Identity supplies the ids attached to each event.
type Identity interface {
	DistinctID(ctx context.Context) string
	UserID(ctx context.Context) string
}

// Encoder builds Events. The zero value is not usable; use New.
type Encoder struct {
	identity    Identity
	navigation  NavigationFunc
	environment string
	logger      *log.Logger
	now         func() time.Time
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) { e.now = now }
}

func New(identity Identity, nav NavigationFunc, environment string, logger *log.Logger, opts ...Option) *Encoder {
	if logger == nil {
		logger = log.Default()
	}
	if nav == nil {
		nav = func() Navigation { return Navigation{} }
	}
	e := &Encoder{
		identity:    identity,
		navigation:  nav,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encode returns nil when name is empty; callers drop the call silently.
// Properties that cannot be serialized are dropped with a warning.
func (e *Encoder) Encode(ctx context.Context, name string, props map[string]any) *Event {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}

	out := make(map[string]any, len(props)+12)
	for _, k := range sortedKeys(props) {
		v, err := detach(props[k])
		if err != nil {
			e.logger.Printf("encoder: dropping property %q of %q: %v", k, name, err)
			continue
		}
		out[k] = v
	}

	if e.identity != nil {
		if id := e.identity.DistinctID(ctx); id != "" {
			out[PropDistinctID] = id
		}
		if uid := e.identity.UserID(ctx); uid != "" {
			out[PropUserID] = uid
		}
	}

	if _, ok := out[PropTimestamp]; !ok {
		out[PropTimestamp] = e.now().UTC().Unix()
	}

	nav := e.navigation()
	setIfEmpty(out, PropPage, nav.Page)
	setIfEmpty(out, PropReferrer, nav.Referrer)
	setIfEmpty(out, PropURL, nav.URL)
	setIfEmpty(out, PropUserAgent, nav.UserAgent)
	setIfEmpty(out, PropHost, nav.Host)
	setIfEmpty(out, PropLanguage, nav.Language)
	setIfEmpty(out, PropScreenSize, nav.ScreenSize)
	setIfEmpty(out, PropViewport, nav.ViewportSize)
	if _, ok := out[PropLoadTime]; !ok && nav.PageLoadTime > 0 {
		out[PropLoadTime] = nav.PageLoadTime.Milliseconds()
	}
	setIfEmpty(out, PropEnvironment, e.environment)

	// source is stamped by the selector once a route is chosen.
	delete(out, PropSource)

	return newEvent(name, out)
}

// detach returns a value that shares no memory with v. Scalars are kept
// as-is; maps, slices and structs are copied through their JSON form, which
// also rejects values that cannot be serialized.
func detach(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, nil
	case float32, float64:
		// NaN and Inf are rejected by Marshal.
		if _, err := json.Marshal(v); err != nil {
			return nil, err
		}
		return v, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func setIfEmpty(m map[string]any, key, value string) {
	if value == "" {
		return
	}
	if cur, ok := m[key]; ok && cur != nil && cur != "" {
		return
	}
	m[key] = value
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Event is an encoded analytics event. It is immutable once built; every
// resend uses the same payload bytes.
type Event struct {
	name    string
	props   map[string]any
	payload []byte
}

func newEvent(name string, props map[string]any) *Event {
	// Every value was checked above, so marshalling cannot fail.
	payload, _ := json.Marshal(models.TrackRequest{Event: name, Properties: props})
	return &Event{name: name, props: props, payload: payload}
}

func (e *Event) Name() string { return e.name }

// Properties returns a copy of the event properties.
func (e *Event) Properties() map[string]any {
	out := make(map[string]any, len(e.props))
	for k, v := range e.props {
		out[k] = v
	}
	return out
}

// Get returns one property.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.props[key]
	return v, ok
}

func (e *Event) String(key string) string {
	s, _ := e.props[key].(string)
	return s
}

func (e *Event) DistinctID() string { return e.String(PropDistinctID) }
func (e *Event) Source() string     { return e.String(PropSource) }

// Payload is the JSON body {"event":..., "properties":{...}}.
func (e *Event) Payload() []byte {
	return e.payload
}

// WithSource returns a copy of e stamped with the transport that carries it.
func (e *Event) WithSource(source string) *Event {
	props := e.Properties()
	props[PropSource] = source
	return newEvent(e.name, props)
}
