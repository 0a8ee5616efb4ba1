package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postpilot/coordinator/internal/agents"
)

// Redis key layout:
//
//	bus:inbox:<agent_type>      list, RPUSH on send, atomic drain on receive
//	bus:history                 list, capped at HistoryLimit via LTRIM
const (
	inboxPrefix = "bus:inbox:"
	historyKey  = "bus:history"
)

// historyTTL keeps bus state from outliving a retired deployment.
const historyTTL = 7 * 24 * time.Hour

// Redis is the durable bus. Messages survive process restarts, so a
// workflow resumed on another worker still sees its pending inboxes.
type Redis struct {
	client   redis.Cmdable
	registry *agents.Registry
	now      func() time.Time
}

// NewRedis builds a durable bus over a Redis client.
func NewRedis(client redis.Cmdable, registry *agents.Registry) *Redis {
	return &Redis{client: client, registry: registry, now: time.Now}
}

// Send pushes onto the recipient's inbox list and the history list.
func (r *Redis) Send(ctx context.Context, msg Message) (Message, error) {
	msg, err := stamp(msg, r.now)
	if err != nil {
		return Message{}, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("bus: marshal message: %w", err)
	}
	pipe := r.client.TxPipeline()
	if msg.ToType != "" {
		pipe.RPush(ctx, inboxPrefix+msg.ToType, payload)
		pipe.Expire(ctx, inboxPrefix+msg.ToType, historyTTL)
	}
	pipe.RPush(ctx, historyKey, payload)
	pipe.LTrim(ctx, historyKey, -int64(HistoryLimit), -1)
	pipe.Expire(ctx, historyKey, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("bus: send: %w", err)
	}
	return msg, nil
}

// Receive drains the inbox atomically: read the whole list, then delete the
// key in the same transaction.
func (r *Redis) Receive(ctx context.Context, agentType string) ([]Message, error) {
	key := inboxPrefix + agentType
	pipe := r.client.TxPipeline()
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("bus: receive: %w", err)
	}
	var out []Message
	for _, raw := range items.Val() {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Broadcast fans out to every registered type except the sender.
func (r *Redis) Broadcast(ctx context.Context, msg Message) ([]Message, error) {
	var sent []Message
	for _, typ := range r.registry.Types() {
		if typ == msg.FromType {
			continue
		}
		copy := msg
		copy.ID = ""
		copy.ToType = typ
		out, err := r.Send(ctx, copy)
		if err != nil {
			return sent, err
		}
		sent = append(sent, out)
	}
	return sent, nil
}

// RequestFeedback posts a feedback_request envelope.
func (r *Redis) RequestFeedback(ctx context.Context, from, to, content string, meta Metadata) (Message, error) {
	return r.Send(ctx, Message{
		FromType: from,
		ToType:   to,
		Kind:     KindFeedbackRequest,
		Content:  content,
		Metadata: meta,
	})
}

// History filters the capped history list by workflow id.
func (r *Redis) History(ctx context.Context, workflowID string) ([]Message, error) {
	items, err := r.client.LRange(ctx, historyKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("bus: history: %w", err)
	}
	var out []Message
	for _, raw := range items {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.Metadata.WorkflowID == workflowID {
			out = append(out, msg)
		}
	}
	return out, nil
}
