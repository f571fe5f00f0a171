package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerConfig controls the periodic retention pass.
type SchedulerConfig struct {
	// Enabled turns the scheduler on.
	Enabled bool `koanf:"enabled"`

	// Schedule is a standard cron expression. Default: daily at 03:00.
	Schedule string `koanf:"schedule"`

	// RunTimeout bounds one full retention pass. Default: 10m.
	RunTimeout time.Duration `koanf:"run_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *SchedulerConfig) ApplyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
}

// Scheduler runs the retention engine on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	config SchedulerConfig
	logger *zap.Logger
}

// NewScheduler creates a scheduler for the engine.
func NewScheduler(engine *Engine, config SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	s := &Scheduler{engine: engine, cron: c, config: config, logger: logger}
	if _, err := c.AddFunc(config.Schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduling. No-op unless enabled.
func (s *Scheduler) Start() {
	if !s.config.Enabled {
		s.logger.Info("retention scheduler disabled")
		return
	}
	s.logger.Info("retention scheduler started", zap.String("schedule", s.config.Schedule))
	s.cron.Start()
}

// Stop stops scheduling and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.engine.RunAll(ctx)
	if err != nil {
		s.logger.Error("scheduled retention pass finished with failures",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	s.logger.Info("scheduled retention pass complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("sessions_expired", result.SessionsExpired),
		zap.Int("sessions_trimmed", result.SessionsTrimmed),
		zap.Int("messages_deleted", result.MessagesDeleted),
		zap.Int("points_deleted", result.PointsDeleted))
}

// zapCronLogger adapts zap to the cron logging interface.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
