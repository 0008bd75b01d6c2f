package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"frameworks/internal/billing"
	"frameworks/pkg/clients"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
)

// UsageCharger is the billing entry point driven by the consumer.
type UsageCharger interface {
	ReportUsage(ctx context.Context, report billing.UsageReport) (*billing.ChargeResult, error)
}

const usageConsumerName = "bursar-usage"

// UsageConsumer applies usage reports from Kafka. Transient conflicts are
// retried in place; permanent rejections go to the DLQ and are acknowledged.
type UsageConsumer struct {
	charger  UsageCharger
	dlq      kafka.Publisher
	dlqTopic string
	retry    retrypolicy.RetryPolicy[*billing.ChargeResult]
	logger   logging.Logger
}

// NewUsageConsumer builds the handler. dlq may be nil, in which case poison
// messages are only logged.
func NewUsageConsumer(charger UsageCharger, dlq kafka.Publisher, dlqTopic string, retry clients.RetryConfig, logger logging.Logger) *UsageConsumer {
	return &UsageConsumer{
		charger:  charger,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		retry:    clients.RetryOn[*billing.ChargeResult](retry, billing.IsRetryable),
		logger:   logger,
	}
}

// Handle is a kafka.Handler.
func (c *UsageConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	var report billing.UsageReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		return c.deadLetter(ctx, msg, fmt.Errorf("decode usage report: %w", err))
	}

	result, err := failsafe.With[*billing.ChargeResult](c.retry).WithContext(ctx).Get(func() (*billing.ChargeResult, error) {
		return c.charger.ReportUsage(ctx, report)
	})

	log := c.logger.WithFields(logging.Fields{
		"session_id": report.SessionID,
		"account_id": report.AccountID,
		"offset":     msg.Offset,
		"partition":  msg.Partition,
	})

	switch {
	case err == nil:
		if result.Charged() {
			log.WithField("incremental_minutes", result.IncrementalMinutes).Debug("Applied usage report from kafka")
		}
		return nil
	case errors.Is(err, billing.ErrInsufficientCredits):
		// The next report retries the charge; redelivering this one cannot succeed.
		log.WithError(err).Warn("Usage report rejected for insufficient credits")
		return nil
	case errors.Is(err, billing.ErrInvalidUsage),
		errors.Is(err, billing.ErrSessionFinalized),
		errors.Is(err, billing.ErrSessionAccountMismatch),
		errors.Is(err, billing.ErrAccountNotFound):
		return c.deadLetter(ctx, msg, err)
	default:
		log.WithError(err).Error("Failed to apply usage report")
		return err
	}
}

func (c *UsageConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	log := c.logger.WithError(cause).WithFields(logging.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})
	if c.dlq == nil || c.dlqTopic == "" {
		log.Error("Dropping poison usage report")
		return nil
	}
	if err := kafka.PublishDLQ(ctx, c.dlq, c.dlqTopic, msg, cause, usageConsumerName); err != nil {
		log.WithField("dlq_error", err.Error()).Error("Failed to publish usage report to DLQ")
		return err
	}
	log.Warn("Usage report sent to DLQ")
	return nil
}
