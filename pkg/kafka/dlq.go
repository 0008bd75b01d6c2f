package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DLQPayload captures enough context to replay or inspect a failed message.
type DLQPayload struct {
	Topic       string            `json:"topic"`
	Partition   int32             `json:"partition"`
	Offset      int64             `json:"offset"`
	Timestamp   time.Time         `json:"timestamp"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
	FailedAt    time.Time         `json:"failed_at"`
}

// EncodeDLQMessage serializes a message and the reason it failed.
func EncodeDLQMessage(msg Message, cause error, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     msg.Headers,
		Consumer:    consumer,
		FailedAt:    time.Now().UTC(),
	}
	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}
	if cause != nil {
		payload.Error = cause.Error()
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", err)
	}
	return b, nil
}

// PublishDLQ writes msg to the dead-letter topic keyed like the original.
func PublishDLQ(ctx context.Context, pub Publisher, topic string, msg Message, cause error, consumer string) error {
	value, err := EncodeDLQMessage(msg, cause, consumer)
	if err != nil {
		return err
	}
	return pub.Produce(ctx, topic, msg.Key, value, map[string]string{
		"source_topic": msg.Topic,
		"consumer":     consumer,
	})
}
