package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"fhir-gateway/internal/resource/models"
)

// Producer is the subset of *kgo.Client the Kafka sink needs.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Kafka publishes each event as one record keyed by "type/id", so all
// versions of a resource land on the same partition in order.
type Kafka struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

func NewKafka(producer Producer, topic string, logger *slog.Logger) *Kafka {
	return &Kafka{producer: producer, topic: topic, logger: logger}
}

// eventMessage is the record value.
type eventMessage struct {
	Kind         string         `json:"kind"`
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	VersionID    int64          `json:"versionId"`
	OccurredAt   time.Time      `json:"occurredAt"`
	RequestID    string         `json:"requestId,omitempty"`
	Resource     map[string]any `json:"resource,omitempty"`
}

// Encode renders event as the record value.
func Encode(event models.Event) ([]byte, error) {
	msg := eventMessage{
		Kind:         string(event.Kind),
		ResourceType: event.Type.String(),
		ID:           event.ID,
		VersionID:    event.Version,
		OccurredAt:   event.OccurredAt.UTC(),
		RequestID:    event.RequestID,
	}
	if event.Resource != nil {
		msg.Resource = event.Resource.WithMeta()
	}
	return json.Marshal(msg)
}

// RecordKey is the partitioning key of event.
func RecordKey(event models.Event) []byte {
	return []byte(event.Type.String() + "/" + event.ID)
}

func (k *Kafka) Notify(ctx context.Context, event models.Event) {
	value, err := Encode(event)
	if err != nil {
		k.logger.ErrorContext(ctx, "failed to encode resource event",
			"resource_type", event.Type.String(),
			"id", event.ID,
			"error", err,
		)
		return
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   RecordKey(event),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(event.Kind)},
			{Key: "request_id", Value: []byte(event.RequestID)},
		},
	}
	k.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			k.logger.ErrorContext(ctx, "failed to publish resource event",
				"topic", r.Topic,
				"key", string(r.Key),
				"error", err,
				"request_id", event.RequestID,
			)
		}
	})
}
