package domain

import (
	json "github.com/goccy/go-json"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventStatus is a human-readable progress marker.
	EventStatus EventKind = iota
	// EventToken is one incremental piece of decoded text.
	EventToken
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventToken:
		return "token"
	default:
		return "unknown"
	}
}

// Event is one message on the stream between a generation task and the
// response writer. End of stream is signalled by closing the channel, never
// by an Event value.
type Event struct {
	Kind EventKind
	Text string
}

// Status builds a status event.
func Status(msg string) Event { return Event{Kind: EventStatus, Text: msg} }

// Token builds a token event.
func Token(text string) Event { return Event{Kind: EventToken, Text: text} }

// Well-known status messages.
const (
	StatusLoadingModel = "Loading model..."
	StatusLoadingImage = "Loading image..."
	StatusGenerating   = "Generating caption..."
	StatusEncoded      = "Passed image through encoder..."
	StatusDone         = "Done"
	StatusNoImage      = "Error: no image found"
	statusErrorPrefix  = "Error: "
)

// StatusError formats a failure as the status text clients display.
func StatusError(err error) Event {
	return Status(statusErrorPrefix + err.Error())
}

type statusPayload struct {
	Status string `json:"status"`
}

type tokenPayload struct {
	Status string `json:"status"`
	Token  string `json:"token"`
}

// MarshalJSON renders the wire shape for each variant:
//
//	{"status":"<text>"}
//	{"status":"token","token":"<text>"}
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventToken:
		return json.Marshal(tokenPayload{Status: "token", Token: e.Text})
	default:
		return json.Marshal(statusPayload{Status: e.Text})
	}
}

// Image is a normalised, channel-first float image ready for the encoder.
type Image struct {
	Channels int
	Height   int
	Width    int
	Pixels   []float32 // len = Channels*Height*Width, CHW order
}

// EncodedContext is the fixed encoder output a decode step attends over.
type EncodedContext struct {
	States [][]float32 // [positions][hidden]
}

// Len returns the number of encoded positions.
func (c *EncodedContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.States)
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// GenerationMetrics is a point-in-time snapshot of caption traffic.
type GenerationMetrics struct {
	TotalRequests     int64 `json:"total_requests"`
	RejectedRequests  int64 `json:"rejected_requests"`
	ActiveGenerations int64 `json:"active_generations"`
	CompletedRequests int64 `json:"completed_requests"`
	FailedRequests    int64 `json:"failed_requests"`
	CancelledRequests int64 `json:"cancelled_requests"`

	TotalTokensGenerated int64 `json:"total_tokens_generated"`
	TotalDecodeSteps     int64 `json:"total_decode_steps"`

	LockWaiters      int   `json:"lock_waiters"`
	LockAcquisitions int64 `json:"lock_acquisitions"`
	LockHeld         bool  `json:"lock_held"`
}
