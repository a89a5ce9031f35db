package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/db"
)

// LogSender only logs deliveries. Used in development when AWS or the push
// gateway are not configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d *Delivery) error {
	s.logger.Info("logging delivery (development mode)",
		zap.String("id", d.ID),
		zap.String("channel", d.Channel),
		zap.String("to", d.To),
		zap.String("subject", d.Subject),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelSMS || channel == db.ChannelPush
}
