// Package bus carries live traffic between gateway instances.
//
// A gateway that persisted a message for a receiver it does not hold
// publishes the encoded event; every gateway reads the topic with its own
// consumer group and delivers to the receiver if that user is connected
// there. Joins and leaves travel the same way, so each gateway can close a
// user's older connection and announce presence to its own clients.
// Delivery stays best-effort: nothing is retried.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/model"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindJoined  Kind = "joined"
	KindLeft    Kind = "left"
)

// Delivery is one bus record. Messages carry ReceiverID and the encoded
// event; joins and leaves carry the user and, for joins, when the
// connection was accepted.
type Delivery struct {
	Kind       Kind              `json:"kind"`
	Origin     string            `json:"origin"`
	ReceiverID string            `json:"receiver_id,omitempty"`
	User       model.Participant `json:"user"`
	At         time.Time         `json:"at"`
	Event      json.RawMessage   `json:"event,omitempty"`
}

// key partitions records so one user's traffic stays in order.
func (d Delivery) key() string {
	if d.Kind == KindMessage {
		return d.ReceiverID
	}
	return d.User.ID
}

func (d Delivery) validate() error {
	switch d.Kind {
	case KindMessage:
		if d.ReceiverID == "" || len(d.Event) == 0 {
			return errors.New("incomplete message")
		}
	case KindJoined, KindLeft:
		if d.User.ID == "" {
			return errors.New("missing user")
		}
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	return nil
}

type Kafka struct {
	origin   string
	producer *kafka.Writer
	consumer *kafka.Reader
	log      *zap.Logger
}

func NewKafka(brokers []string, topic string, log *zap.Logger) *Kafka {
	origin := uuid.NewString()
	producer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	// Unique group per instance: every gateway sees every delivery.
	consumer := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-" + origin,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})

	return &Kafka{origin: origin, producer: producer, consumer: consumer, log: log.Named("bus")}
}

// Origin identifies this instance inside deliveries.
func (k *Kafka) Origin() string {
	return k.origin
}

// Publish stamps d with this instance's origin and writes it.
func (k *Kafka) Publish(ctx context.Context, d Delivery) error {
	d.Origin = k.origin
	m, err := encode(d)
	if err != nil {
		return err
	}
	if err := k.producer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

func encode(d Delivery) (kafka.Message, error) {
	if err := d.validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("bus: encode: %w", err)
	}
	value, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("bus: encode: %w", err)
	}
	return kafka.Message{Key: []byte(d.key()), Value: value, Time: time.Now()}, nil
}

// decode reports ok=false for records this instance published itself.
func decode(origin string, m kafka.Message) (d Delivery, ok bool, err error) {
	if err := json.Unmarshal(m.Value, &d); err != nil {
		return d, false, fmt.Errorf("bus: decode offset %d: %w", m.Offset, err)
	}
	if err := d.validate(); err != nil {
		return d, false, fmt.Errorf("bus: decode offset %d: %w", m.Offset, err)
	}
	return d, d.Origin != origin, nil
}

// Consume calls handle for every delivery published by other instances until
// ctx is done.
func (k *Kafka) Consume(ctx context.Context, handle func(Delivery)) error {
	for {
		m, err := k.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			k.log.Warn("read failed, retrying in 1s", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		d, ok, err := decode(k.origin, m)
		if err != nil {
			k.log.Warn("dropping malformed delivery", zap.Error(err))
			continue
		}
		if ok {
			handle(d)
		}
	}
}

func (k *Kafka) Close() error {
	return errors.Join(k.producer.Close(), k.consumer.Close())
}
