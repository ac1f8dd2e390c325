package models

import "encoding/json"

// TrackRequest is the POST /api/analytics/track payload sent by the proxy
// transport. properties.distinct_id carries the client's identity so the
// forwarder never re-derives it.
type TrackRequest struct {
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// TrackResponse is returned with status 200 for every forwarding outcome.
// Reason is an opaque diagnostic code and is only set when Success is false.
type TrackResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// LogRequest is the legacy POST /api/log payload: a generic "action" name
// with its data. It maps onto TrackRequest. Data is kept raw so a
// non-object bag does not reject the whole request.
type LogRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// IdentifyRequest is the POST /api/analytics/identify payload.
type IdentifyRequest struct {
	DistinctID string                 `json:"distinct_id"`
	Traits     map[string]interface{} `json:"traits,omitempty"`
}

// ErrorResponse is used for the few structural 400s the endpoints allow.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatsResponse is returned by GET /api/analytics/stats.
type StatsResponse struct {
	Forwarded  int64            `json:"forwarded"`
	Identified int64            `json:"identified"`
	Failed     map[string]int64 `json:"failed"`
}
