// Package ingest moves position fixes through Kafka so presence writes
// can be decoupled from the HTTP ingest path.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/transit-tracker/internal/models"
)

// PositionFix is the wire shape published per fix.
type PositionFix struct {
	ActorID   string      `json:"actor_id"`
	Role      models.Role `json:"role"`
	Lat       float64     `json:"lat"`
	Lng       float64     `json:"lng"`
	Accuracy  float64     `json:"accuracy,omitempty"`
	Timestamp time.Time   `json:"ts"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishFix keys messages by actor so one actor's fixes stay ordered
// within a partition.
func (k *KafkaProducer) PublishFix(fix PositionFix) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(fix)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(fix.ActorID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
