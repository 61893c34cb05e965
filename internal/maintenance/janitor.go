// Package maintenance runs scheduled housekeeping: spill-file cleanup and
// mailbox gauge refresh.
package maintenance

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/mailbox"
	"github.com/loomhq/loom/internal/observability"
)

// Config schedules the janitor's jobs.
type Config struct {
	// CleanupSchedule is a cron expression for spill-file cleanup.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// GaugeInterval is how often mailbox depth gauges refresh.
	GaugeInterval time.Duration `yaml:"gauge_interval"`
}

// Janitor owns the background housekeeping loops.
type Janitor struct {
	cfg        Config
	truncation *agent.TruncationConfig
	mailbox    *mailbox.Service
	metrics    *observability.Metrics
	logger     *slog.Logger

	cron     *cron.Cron
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a janitor. Truncation, mailbox, and metrics may each be nil;
// the corresponding job is skipped.
func New(cfg Config, truncation *agent.TruncationConfig, mb *mailbox.Service, metrics *observability.Metrics, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GaugeInterval <= 0 {
		cfg.GaugeInterval = time.Minute
	}
	return &Janitor{
		cfg:        cfg,
		truncation: truncation,
		mailbox:    mb,
		metrics:    metrics,
		logger:     logger.With("component", "maintenance"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start schedules the cleanup cron job and starts the gauge refresh loop.
func (j *Janitor) Start() error {
	if j.truncation != nil && j.cfg.CleanupSchedule != "" {
		j.cron = cron.New()
		if _, err := j.cron.AddFunc(j.cfg.CleanupSchedule, j.runCleanup); err != nil {
			return err
		}
		j.cron.Start()
	}
	go j.gaugeLoop()
	return nil
}

// Stop halts the cron scheduler and the gauge loop, waiting for both.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stop)
		if j.cron != nil {
			<-j.cron.Stop().Done()
		}
		<-j.done
	})
}

func (j *Janitor) runCleanup() {
	removed, err := j.truncation.CleanupSpills(time.Now())
	if err != nil {
		j.logger.Warn("spill cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("spill cleanup", "removed", removed)
	}
}

func (j *Janitor) gaugeLoop() {
	defer close(j.done)
	if j.mailbox == nil || j.metrics == nil {
		return
	}
	ticker := time.NewTicker(j.cfg.GaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.refreshGauges()
		case <-j.stop:
			return
		}
	}
}

func (j *Janitor) refreshGauges() {
	for _, agentID := range j.mailbox.Agents() {
		queued, inFlight, dead := j.mailbox.Depth(agentID)
		j.metrics.MailboxQueued.WithLabelValues(agentID).Set(float64(queued))
		j.metrics.MailboxInFlight.WithLabelValues(agentID).Set(float64(inFlight))
		j.metrics.MailboxDeadLetters.WithLabelValues(agentID).Set(float64(dead))
	}
}
