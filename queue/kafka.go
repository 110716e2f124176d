package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// EngagementMessage is the wire format of the engagement topic. Exactly one
// of ExecutionID, TrackingID or MessageID identifies the step execution.
type EngagementMessage struct {
	ExternalID  string    `json:"external_id"`
	ExecutionID uint      `json:"execution_id,omitempty"`
	TrackingID  string    `json:"tracking_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Signal      string    `json:"signal"`
	OccurredAt  time.Time `json:"occurred_at"`
	Source      string    `json:"source"`
}

func (m EngagementMessage) key() string {
	switch {
	case m.ExecutionID != 0:
		return fmt.Sprintf("exec:%d", m.ExecutionID)
	case m.TrackingID != "":
		return "trk:" + m.TrackingID
	default:
		return "msg:" + m.MessageID
	}
}

type EngagementProducer struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewEngagementProducer(brokers []string, topic string) (*EngagementProducer, error) {
	if topic == "" {
		return nil, errors.New("engagement topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &EngagementProducer{writer: w, timeout: 3 * time.Second}, nil
}

func (p *EngagementProducer) Close() error { return p.writer.Close() }

// Publish writes the message keyed by its execution reference so signals for
// one execution keep their order within a partition.
func (p *EngagementProducer) Publish(ctx context.Context, msg EngagementMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(msg.key()),
		Value: b,
		Time:  time.Now(),
	})
}

type EngagementConsumer struct {
	reader *kgo.Reader
}

func NewEngagementConsumer(brokers []string, topic, groupID string) *EngagementConsumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &EngagementConsumer{reader: r}
}

func (c *EngagementConsumer) Close() error { return c.reader.Close() }

// Read blocks for the next message. The returned commit func must be called
// only after the message has been handled.
func (c *EngagementConsumer) Read(ctx context.Context) (EngagementMessage, func(context.Context) error, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return EngagementMessage{}, nil, err
	}

	var em EngagementMessage
	if err := json.Unmarshal(m.Value, &em); err != nil {
		// commit bad messages so the partition does not stall on them
		_ = c.reader.CommitMessages(ctx, m)
		return EngagementMessage{}, nil, fmt.Errorf("decode engagement message at offset %d: %w", m.Offset, err)
	}

	commit := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, m)
	}
	return em, commit, nil
}
