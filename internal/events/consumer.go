// Package events feeds chat messages from a Kafka topic into the relay
// pipeline.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/logger"
)

type Submitter interface {
	Submit(msg domain.Message) error
}

type Validator interface {
	Validate(i any) error
}

// Consumer reads message-created events with a consumer group. An offset is
// marked once the message was handed to the pipeline or found undecodable;
// messages refused during shutdown stay unmarked and are redelivered.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler *claimHandler
}

func NewConsumer(cfg environments.KafkaConfig, submitter Submitter, validator Validator) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second
	config.Version = sarama.V2_8_0_0

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		topics: []string{cfg.Topic},
		handler: &claimHandler{
			submitter: submitter,
			validator: validator,
		},
	}, nil
}

// Run consumes until ctx is canceled or the group is closed.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Infof("Kafka consumer started on topics %v", c.topics)

	for {
		if err := c.group.Consume(ctx, c.topics, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Errorf("Kafka consume error: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}

		if ctx.Err() != nil {
			logger.Infof("Kafka consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type claimHandler struct {
	submitter Submitter
	validator Validator
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Debugf("Kafka consumer group session started")
	return nil
}

func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Debugf("Kafka consumer group session ended")
	return nil
}

// ConsumeClaim submits the claim's records until the session ends.
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.process(record) {
				return nil
			}
			session.MarkMessage(record, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process reports whether the record's offset may be marked.
func (h *claimHandler) process(record *sarama.ConsumerMessage) bool {
	msg, err := Decode(record.Value, h.validator)
	if err != nil {
		logger.Warnf("Skipping undecodable event topic=%s partition=%d offset=%d: %v",
			record.Topic, record.Partition, record.Offset, err)
		return true
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = record.Timestamp
	}

	if err := h.submitter.Submit(msg); err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			return false
		}
		logger.Errorf("Failed to submit message %s: %v", msg.ID, err)
	}
	return true
}

// Decode parses a JSON message event and validates it.
func Decode(data []byte, validator Validator) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("failed to decode message event: %w", err)
	}
	if validator != nil {
		if err := validator.Validate(msg); err != nil {
			return domain.Message{}, fmt.Errorf("invalid message event: %w", err)
		}
	}
	return msg, nil
}
