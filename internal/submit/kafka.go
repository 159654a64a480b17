package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSubmitter publishes the job to a topic keyed by file id.
type KafkaSubmitter struct {
	writer  messageWriter
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaSubmitter(brokers []string, topic string, timeout time.Duration) (*KafkaSubmitter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return newKafkaSubmitter(w, timeout), nil
}

func newKafkaSubmitter(w messageWriter, timeout time.Duration) *KafkaSubmitter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &KafkaSubmitter{writer: w, timeout: timeout, now: time.Now}
}

func (s *KafkaSubmitter) Submit(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(job.ID),
		Value: b,
		Time:  s.now(),
	})
	if err != nil {
		return classifyTransport(fmt.Errorf("publish job %s: %w", job.ID, err))
	}
	return nil
}

func (s *KafkaSubmitter) Close() error { return s.writer.Close() }
