// Package alert is the operational error channel: failures that no request can
// report back to a caller end up here.
package alert

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"go.uber.org/zap"
)

type Publisher interface {
	SendJSON(ctx context.Context, topic, key string, value any) error
}

type OperationalError struct {
	Component  string            `json:"component"`
	Subject    string            `json:"subject"`
	Error      string            `json:"error"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Channel struct {
	Publisher Publisher
	Topic     string
}

// NewChannel returns a channel that only logs and counts when publisher is nil.
func NewChannel(publisher Publisher, topic string) *Channel {
	return &Channel{
		Publisher: publisher,
		Topic:     topic,
	}
}

func (c *Channel) Report(ctx context.Context, component, subject string, err error, attributes map[string]string) {
	prometheusDialer.OperationalErrors.WithLabelValues(component).Inc()

	fields := []zap.Field{
		zap.String("component", component),
		zap.String("subject", subject),
		zap.String("error", err.Error()),
	}
	for key, value := range attributes {
		fields = append(fields, zap.String(key, value))
	}

	logging.Logger.Error("[Report] operational error", fields...)

	if c.Publisher == nil {
		return
	}

	publishErr := c.Publisher.SendJSON(ctx, c.Topic, subject, OperationalError{
		Component:  component,
		Subject:    subject,
		Error:      err.Error(),
		Attributes: attributes,
		OccurredAt: time.Now().UTC(),
	})
	if publishErr != nil {
		logging.Logger.Warn("[Report] failed to publish operational error",
			zap.String("component", component),
			zap.String("error", publishErr.Error()),
		)
	}
}
