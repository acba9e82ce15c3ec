package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/models"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestProducerRoundTrip(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaProducerWithWriter(w)
	loc := models.DriverLocation{DriverID: "d1", Latitude: -1.28, Longitude: 36.81, IsOnline: true, UpdatedAt: time.Unix(1700000000, 0).UTC()}
	if err := p.Write(context.Background(), loc); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	got, err := DecodeLocation(w.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "d1" || got.Latitude != -1.28 || !got.UpdatedAt.Equal(loc.UpdatedAt) {
		t.Fatalf("decoded %+v", got)
	}
}

func TestProducerWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaProducerWithWriter(&captureWriter{err: boom})
	if err := p.Write(context.Background(), models.DriverLocation{DriverID: "d1"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeLocationRejectsGarbage(t *testing.T) {
	cases := []kafka.Message{
		{Value: []byte("not json")},
		{Value: []byte(`{"latitude":1,"longitude":2}`)},
		{Key: []byte("d1"), Value: []byte(`{"latitude":123,"longitude":2}`)},
	}
	for i, m := range cases {
		if _, err := DecodeLocation(m); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
	loc, err := DecodeLocation(kafka.Message{Key: []byte("d9"), Value: []byte(`{"latitude":1,"longitude":2}`)})
	if err != nil || loc.DriverID != "d9" {
		t.Fatalf("key fallback: %+v %v", loc, err)
	}
}
