package bus

import (
	"context"
	"sync"
	"time"

	"github.com/postpilot/coordinator/internal/agents"
)

// Memory is the in-process bus. Inboxes are unbounded slices; the
// orchestrator drains after each step so producers never outrun consumers
// within a workflow.
type Memory struct {
	registry *agents.Registry
	now      func() time.Time

	mu      sync.Mutex
	inboxes map[string][]Message
	history []Message // ring of at most HistoryLimit messages
}

// NewMemory builds an in-process bus over the agent registry.
func NewMemory(registry *agents.Registry) *Memory {
	return &Memory{
		registry: registry,
		now:      time.Now,
		inboxes:  make(map[string][]Message),
	}
}

// Send appends to the recipient inbox and records history.
func (m *Memory) Send(_ context.Context, msg Message) (Message, error) {
	msg, err := stamp(msg, m.now)
	if err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ToType != "" {
		m.inboxes[msg.ToType] = append(m.inboxes[msg.ToType], msg)
	}
	m.record(msg)
	return msg, nil
}

// Receive takes and clears the inbox for an agent type.
func (m *Memory) Receive(_ context.Context, agentType string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.inboxes[agentType]
	delete(m.inboxes, agentType)
	return msgs, nil
}

// Broadcast sends a copy to every registered agent type except the sender.
func (m *Memory) Broadcast(ctx context.Context, msg Message) ([]Message, error) {
	var sent []Message
	for _, typ := range m.registry.Types() {
		if typ == msg.FromType {
			continue
		}
		copy := msg
		copy.ID = ""
		copy.ToType = typ
		out, err := m.Send(ctx, copy)
		if err != nil {
			return sent, err
		}
		sent = append(sent, out)
	}
	return sent, nil
}

// RequestFeedback posts a feedback_request envelope.
func (m *Memory) RequestFeedback(ctx context.Context, from, to, content string, meta Metadata) (Message, error) {
	return m.Send(ctx, Message{
		FromType: from,
		ToType:   to,
		Kind:     KindFeedbackRequest,
		Content:  content,
		Metadata: meta,
	})
}

// History returns retained messages tagged with the workflow id.
func (m *Memory) History(_ context.Context, workflowID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.history {
		if msg.Metadata.WorkflowID == workflowID {
			out = append(out, msg)
		}
	}
	return out, nil
}

// record appends to the ring, dropping the oldest entry when full.
// Caller holds the lock.
func (m *Memory) record(msg Message) {
	m.history = append(m.history, msg)
	if len(m.history) > HistoryLimit {
		m.history = m.history[len(m.history)-HistoryLimit:]
	}
}
