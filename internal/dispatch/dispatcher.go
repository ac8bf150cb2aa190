package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gate-service/internal/client"
	"gate-service/internal/config"
	"gate-service/internal/util"
)

// DeliveryMessage is what the downstream delivery workers consume to send a
// code over SMS or WhatsApp. The raw phone number travels only on this
// internal topic, never in a durable row.
type DeliveryMessage struct {
	IdentityHash     string    `json:"identity_hash"`
	Phone            string    `json:"phone"`
	Code             string    `json:"code"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Dispatcher hands issued codes to the delivery channel.
type Dispatcher interface {
	DispatchCode(ctx context.Context, msg DeliveryMessage)
}

// KafkaDispatcher publishes delivery messages fire-and-forget: issuance has
// already been persisted by the time a message is produced, so a delivery
// failure is logged for the delivery pipeline to reconcile, never surfaced
// to the submitter.
type KafkaDispatcher struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaDispatcher(producer *client.KafkaProducer, cfg *config.Config) *KafkaDispatcher {
	return &KafkaDispatcher{
		producer: producer,
		topic:    cfg.Kafka.DeliveryTopic,
	}
}

func (d *KafkaDispatcher) DispatchCode(ctx context.Context, msg DeliveryMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		util.Error("Failed to marshal delivery message",
			zap.String("identity_hash", msg.IdentityHash),
			zap.Error(err))
		return
	}

	// Detached from the request context so a fast HTTP response does not
	// cancel the produce mid-flight.
	go func() {
		produceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := d.producer.ProduceMessage(produceCtx, d.topic, []byte(msg.IdentityHash), payload, map[string]string{
			"content-type": "application/json",
		})
		if err != nil {
			util.Warn("Code delivery dispatch failed",
				zap.String("identity_hash", msg.IdentityHash),
				zap.String("topic", d.topic),
				zap.Error(err))
			return
		}

		util.Debug("Code delivery dispatched",
			zap.String("identity_hash", msg.IdentityHash),
			zap.String("topic", d.topic))
	}()
}

// NopDispatcher drops delivery messages. Used when no broker is configured,
// typically in development where codes are read from logs.
type NopDispatcher struct{}

func (NopDispatcher) DispatchCode(_ context.Context, msg DeliveryMessage) {
	util.Info("Code delivery skipped, no dispatcher configured",
		zap.String("identity_hash", msg.IdentityHash),
		zap.String("code", msg.Code))
}
