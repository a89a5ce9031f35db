package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DueProcessor runs every campaign whose window is open.
type DueProcessor interface {
	ProcessDue(ctx context.Context) (int, error)
}

// Scheduler polls for due campaigns on a fixed interval.
type Scheduler struct {
	processor DueProcessor
	config    Config
	logger    *zap.Logger
}

type Config struct {
	PollInterval time.Duration
}

func NewScheduler(processor DueProcessor, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}

	return &Scheduler{
		processor: processor,
		config:    cfg,
		logger:    logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("campaign scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.processor.ProcessDue(ctx)
	if err != nil {
		s.logger.Error("failed to process due campaigns", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("processed due campaigns", zap.Int("count", n))
	}
}
