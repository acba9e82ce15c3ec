package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver location ticks keyed by driver id, so one
// driver's ticks stay ordered within a partition.
type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) Write(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", loc.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

var ErrInvalidMessage = errors.New("ingest: invalid location message")

// DecodeLocation parses a message produced by KafkaProducer.
func DecodeLocation(m kafka.Message) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(m.Value, &loc); err != nil {
		return loc, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if loc.DriverID == "" {
		loc.DriverID = string(m.Key)
	}
	if loc.DriverID == "" || !loc.Coord().Valid() {
		return loc, fmt.Errorf("%w: missing driver or bad coordinates", ErrInvalidMessage)
	}
	return loc, nil
}
