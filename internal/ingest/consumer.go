package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"oeecast/internal/apperr"
	"oeecast/internal/model"
)

type messageReader interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Close() error
}

// Consumer reads JSON production entries from a Kafka topic. Offsets are
// committed only after an entry is stored or deliberately skipped.
type Consumer struct {
	reader  messageReader
	svc     *Service
	log     *zap.SugaredLogger
	timeout time.Duration
}

func NewConsumer(bootstrap, groupID, topic string, svc *Service, log *zap.SugaredLogger) (*Consumer, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return NewConsumerWith(c, svc, log, time.Second), nil
}

// NewConsumerWith is only for tests to inject a fake reader.
func NewConsumerWith(r messageReader, svc *Service, log *zap.SugaredLogger, timeout time.Duration) *Consumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consumer{reader: r, svc: svc, log: log, timeout: timeout}
}

// Run consumes until ctx is done or a storage or fatal broker error occurs.
func (c *Consumer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := c.reader.ReadMessage(c.timeout)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == ck.ErrTimedOut {
					continue
				}
				if !kerr.IsFatal() {
					c.log.Warnw("kafka read error", "error", err)
					continue
				}
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *ck.Message) error {
	var in model.ProductionInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		c.log.Warnw("skipping malformed entry", "offset", msg.TopicPartition.Offset.String(), "error", err)
		c.skipped()
		return c.commit(msg)
	}
	_, err := c.svc.Ingest(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrDuplicate), errors.Is(err, apperr.ErrInvalidInput):
		c.log.Infow("skipping entry", "machineId", in.MachineID, "date", in.Date, "reason", err.Error())
		c.skipped()
	default:
		return fmt.Errorf("ingest %s/%s: %w", in.MachineID, in.Date, err)
	}
	return c.commit(msg)
}

func (c *Consumer) commit(msg *ck.Message) error {
	if _, err := c.reader.CommitMessage(msg); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *Consumer) skipped() {
	if c.svc.metrics != nil {
		c.svc.metrics.RecordsSkipped.Inc()
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
