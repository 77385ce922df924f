package ws

import (
	"time"

	"mosaic/internal/pipeline"
	"mosaic/internal/view"
)

// Message types
const (
	TypeResult = "result"
	TypeView   = "view"
	TypeKey    = "key"
	TypeError  = "error"
)

// ResultMessage carries one inference result to stream subscribers
type ResultMessage struct {
	Type string `json:"type"` // "result"
	*pipeline.Result
}

// NewResultMessage wraps a published result
func NewResultMessage(result *pipeline.Result) *ResultMessage {
	return &ResultMessage{Type: TypeResult, Result: result}
}

// ViewMessage reports a view transition to control clients
type ViewMessage struct {
	Type      string     `json:"type"` // "view"
	Timestamp time.Time  `json:"timestamp"`
	Previous  view.State `json:"previous"`
	State     view.State `json:"state"`
}

// NewViewMessage creates a transition message
func NewViewMessage(prev, next view.State) *ViewMessage {
	return &ViewMessage{
		Type:      TypeView,
		Timestamp: time.Now(),
		Previous:  prev,
		State:     next,
	}
}

// ControlMessage is sent by control clients
type ControlMessage struct {
	Type string `json:"type"` // "key"
	Key  string `json:"key"`
}

// ErrorMessage reports a rejected control message
type ErrorMessage struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}
