package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
)

// OutboundPublisher publishes engine notices to NATS for downstream
// consumers: margin call alerts, liquidation records, obligation lifecycle,
// and safe mode transitions. Subjects follow the pattern
// protect.out.{notice_type}.{subject}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableNotice
	logger    zerolog.Logger
}

// PublishableNotice is a processed notice ready for outbound publishing.
// StateHash anchors the notice to a position in the audit chain so
// consumers can cross-check against the event log.
type PublishableNotice struct {
	Sequence   int64       `json:"sequence"`
	NoticeType string      `json:"notice_type"`
	Subject    string      `json:"subject"`
	Payload    interface{} `json:"payload"`
	StateHash  []byte      `json:"state_hash"`
	Timestamp  time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableNotice, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop. Publish failures are non-fatal:
// downstream consumers can query the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case notice, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, notice); err != nil {
				op.logger.Warn().
					Err(err).
					Int64("sequence", notice.Sequence).
					Str("notice_type", notice.NoticeType).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, notice PublishableNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	subject := fmt.Sprintf("protect.out.%s", subjectSegment(notice.NoticeType))
	if notice.Subject != "" {
		subject = fmt.Sprintf("%s.%s", subject, notice.Subject)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// subjectSegment groups notice types into stable subject families so
// consumers can subscribe to a whole family with one wildcard.
func subjectSegment(noticeType string) string {
	switch noticeType {
	case event.TypeMarginCallIssued.String(),
		event.TypeMarginCallUpdated.String(),
		event.TypeMarginCallResolved.String():
		return "margin_calls"
	case event.TypeLiquidationExecuted.String():
		return "liquidations"
	case event.TypeObligationCreated.String(),
		event.TypeObligationTransferred.String():
		return "obligations"
	case event.TypeSafeModeEntered.String(), event.TypeSafeModeExited.String():
		return "safe_mode"
	default:
		return "events"
	}
}

// EnsureOutboundStream creates the outbound notices stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PROTECT_OUT",
		Subjects:  []string{"protect.out.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PROTECT_OUT").Msg("ensured outbound stream")
	return nil
}
