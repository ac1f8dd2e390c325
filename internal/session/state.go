// Package session holds the per-session transport state shared by the
// availability prober and the transport selector.
package session

import "sync/atomic"

// Availability is the tri-state view of whether the vendor client loaded.
type Availability int32

const (
	Unknown Availability = iota
	Available
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// DefaultFailureThreshold is the number of consecutive direct failures after
// which the selector pins to the proxy path.
const DefaultFailureThreshold = 3

// State is created once per tracking session and passed to the prober and
// the selector. It is never persisted. Safe for concurrent use.
type State struct {
	availability   atomic.Int32
	directFailures atomic.Int64
}

func New() *State {
	return &State{}
}

func (s *State) Availability() Availability {
	return Availability(s.availability.Load())
}

// MarkAvailable moves Unknown to Available. It reports whether the state
// changed.
func (s *State) MarkAvailable() bool {
	return s.availability.CompareAndSwap(int32(Unknown), int32(Available))
}

// MarkUnavailable moves Unknown to Unavailable. Available never reverts.
func (s *State) MarkUnavailable() bool {
	return s.availability.CompareAndSwap(int32(Unknown), int32(Unavailable))
}

// RecordDirectFailure increments the consecutive failure counter and returns
// the new value.
func (s *State) RecordDirectFailure() int {
	return int(s.directFailures.Add(1))
}

// RecordDirectSuccess resets the consecutive failure counter.
func (s *State) RecordDirectSuccess() {
	s.directFailures.Store(0)
}

func (s *State) DirectFailures() int {
	return int(s.directFailures.Load())
}

// Pinned reports whether direct delivery has failed threshold times in a row.
func (s *State) Pinned(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return s.DirectFailures() >= threshold
}

// Snapshot is a point-in-time copy of State for diagnostics.
type Snapshot struct {
	Availability   string `json:"vendor_available"`
	DirectFailures int    `json:"consecutive_direct_failures"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Availability:   s.Availability().String(),
		DirectFailures: s.DirectFailures(),
	}
}
