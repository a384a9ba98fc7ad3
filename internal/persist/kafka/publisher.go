// Package kafka publishes committed changes to a Kafka topic for
// downstream consumers (reporting, schedulers, audit). Records are keyed
// by entity id so per-entity ordering survives partitioning.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"rosterd/internal/sync/models"
)

// changeRecord is the published wire shape.
type changeRecord struct {
	ID              string          `json:"id"`
	EntityID        string          `json:"entityId"`
	PreviousVersion int64           `json:"previousVersion"`
	NewVersion      int64           `json:"newVersion"`
	FieldDeltas     models.FieldMap `json:"fieldDeltas"`
	Origin          string          `json:"origin"`
	Timestamp       time.Time       `json:"timestamp"`
	Resolution      string          `json:"resolution"`
}

// Publisher produces committed changes to a Kafka topic.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the given brokers.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Name implements persist.Sink.
func (p *Publisher) Name() string { return "kafka" }

// Persist produces one change synchronously. The pipeline already runs off
// the commit path, so the produce round trip never delays broadcast.
func (p *Publisher) Persist(ctx context.Context, change *models.StateChange) error {
	value, err := json.Marshal(changeRecord{
		ID:              change.ID,
		EntityID:        change.EntityID,
		PreviousVersion: change.PreviousVersion,
		NewVersion:      change.NewVersion,
		FieldDeltas:     change.FieldDeltas,
		Origin:          change.Origin,
		Timestamp:       change.Timestamp,
		Resolution:      string(change.Resolution),
	})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(change.EntityID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce change %s: %w", change.ID, err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
