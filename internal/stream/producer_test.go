package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishEncodesEvent(t *testing.T) {
	w := &captureWriter{}
	p := &Producer{writer: w, topic: DefaultTopic, logger: zerolog.Nop()}

	err := p.Publish(context.Background(), "conv-1", Event{Type: "notification", Data: map[string]string{"kind": "escalated"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "conv-1" {
		t.Errorf("expected key conv-1, got %s", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "notification" {
		t.Errorf("unexpected headers %v", msg.Headers)
	}

	var decoded struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if decoded.Type != "notification" || decoded.Data["kind"] != "escalated" {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	p := &Producer{writer: &captureWriter{err: boom}, logger: zerolog.Nop()}

	err := p.Publish(context.Background(), "k", Event{Type: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped writer error, got %v", err)
	}
}

func TestNewProducerDefaultsTopic(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "", zerolog.Nop())
	defer p.Close()

	if p.topic != DefaultTopic {
		t.Errorf("expected topic %s, got %s", DefaultTopic, p.topic)
	}
}
