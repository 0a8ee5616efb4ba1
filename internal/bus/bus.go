// Package bus carries inter-agent messages. Inboxes are FIFO per recipient
// type and consumed take-and-clear; a process-wide ring keeps the most
// recent history for workflow inspection.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/models"
)

// Message kinds.
const (
	KindRequest         = "request"
	KindResponse        = "response"
	KindNotification    = "notification"
	KindFeedback        = "feedback"
	KindFeedbackRequest = "feedback_request"
)

// HistoryLimit caps the process-wide message history ring.
const HistoryLimit = 1000

// Metadata cross-references a message to its workflow and task by id.
type Metadata struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// Message is one envelope on the bus. An empty ToType marks a broadcast
// copy; the bus exclusively owns pending delivery.
type Message struct {
	ID        string    `json:"id"`
	FromType  string    `json:"from_type"`
	ToType    string    `json:"to_type,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the messaging contract shared by the in-memory and durable
// implementations.
type Bus interface {
	// Send appends to the recipient's inbox and the history ring.
	Send(ctx context.Context, msg Message) (Message, error)
	// Receive atomically returns and clears a recipient's inbox.
	Receive(ctx context.Context, agentType string) ([]Message, error)
	// Broadcast fans out to every known agent type except the sender.
	Broadcast(ctx context.Context, msg Message) ([]Message, error)
	// RequestFeedback posts a feedback_request and returns the envelope.
	RequestFeedback(ctx context.Context, from, to, content string, meta Metadata) (Message, error)
	// History returns all retained messages for a workflow, in send order.
	History(ctx context.Context, workflowID string) ([]Message, error)
}

func validKind(kind string) bool {
	switch kind {
	case KindRequest, KindResponse, KindNotification, KindFeedback, KindFeedbackRequest:
		return true
	}
	return false
}

// stamp fills the generated fields of an outgoing message.
func stamp(msg Message, now func() time.Time) (Message, error) {
	if !validKind(msg.Kind) {
		return Message{}, &models.ValidationError{Field: "kind", Reason: "unknown message kind"}
	}
	if msg.FromType == "" {
		return Message{}, &models.ValidationError{Field: "from_type", Reason: "required"}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}
	metrics.BusMessages.WithLabelValues(msg.Kind).Inc()
	return msg, nil
}
