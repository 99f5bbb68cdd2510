package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

// LifecycleMessage is what lands on the events topic for every committed
// transition.
type LifecycleMessage struct {
	Type        string         `json:"type"`
	Request     models.Request `json:"request"`
	PublishedAt time.Time      `json:"publishedAt"`
}

type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string) *KafkaProducer {
	p := &KafkaProducer{timeout: 2 * time.Second}
	if locationTopic != "" {
		p.locations = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}})
	}
	if eventsTopic != "" {
		p.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.Hash{}})
	}
	return p
}

// PublishLocation keys by driver so one driver's pings stay ordered within a
// partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if k.locations == nil {
		return nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

// PublishLifecycle keys by request id so consumers see one request's
// transitions in commit order.
func (k *KafkaProducer) PublishLifecycle(ctx context.Context, eventType string, req models.Request) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(LifecycleMessage{Type: eventType, Request: req, PublishedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(req.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errList []error
	for _, w := range []*kafka.Writer{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// DecodeLocation parses a location stream message.
func DecodeLocation(value []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, err
	}
	if u.DriverID == "" {
		return u, errors.New("missing driverId")
	}
	return u, u.Location.Validate()
}
