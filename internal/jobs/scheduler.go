package jobs

import (
	"context"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// TenantLister enumerates tenants with ingested documents. The
// document store provides it.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// SchedulerConfig holds periodic scheduling settings.
type SchedulerConfig struct {
	DedupInterval time.Duration
	LockTTL       time.Duration
	LockRefresh   time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.DedupInterval <= 0 {
		c.DedupInterval = 15 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.LockRefresh <= 0 {
		c.LockRefresh = 30 * time.Second
	}
	return c
}

// Scheduler enqueues periodic jobs. Multiple instances may run; the
// distributed lock guarantees exactly one is active, and the rest exit
// cleanly.
type Scheduler struct {
	queue   *Queue
	lock    *Lock
	tenants TenantLister
	config  SchedulerConfig
	logger  *observability.Logger
}

// NewScheduler creates a scheduler competing for the shared lock.
func NewScheduler(broker Broker, queue *Queue, tenants TenantLister, cfg SchedulerConfig, logger *observability.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		queue:   queue,
		lock:    NewLock(broker, SchedulerLockKey, cfg.LockTTL),
		tenants: tenants,
		config:  cfg,
		logger:  logger.WithComponent("scheduler"),
	}
}

// Run competes for leadership and, as leader, enqueues a dedup job per
// tenant on each interval. It returns nil immediately when another
// instance holds the lock, and when the context is cancelled or the
// lock is lost.
func (s *Scheduler) Run(ctx context.Context) error {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Info().Msg("Another scheduler holds the lock, exiting")
		return nil
	}
	s.logger.Info().Dur("dedup_interval", s.config.DedupInterval).Msg("Scheduler became leader")

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(rctx); err != nil {
			s.logger.Warn().Err(err).Msg("Lock release failed")
		}
	}()

	refresh := time.NewTicker(s.config.LockRefresh)
	defer refresh.Stop()
	dedup := time.NewTicker(s.config.DedupInterval)
	defer dedup.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return nil
		case <-refresh.C:
			held, err := s.lock.Refresh(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Lock refresh failed")
				continue
			}
			if !held {
				s.logger.Warn().Msg("Scheduler lock lost, stepping down")
				return nil
			}
		case <-dedup.C:
			s.enqueueDedupJobs(ctx)
		}
	}
}

// enqueueDedupJobs schedules one dedup run per known tenant.
func (s *Scheduler) enqueueDedupJobs(ctx context.Context) {
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Tenant listing failed")
		return
	}

	for _, tenant := range tenants {
		job, err := NewJob(TypeDedupRun, tenant, DedupPayload{})
		if err != nil {
			s.logger.Error().Str("tenant_id", tenant).Err(err).Msg("Dedup job build failed")
			continue
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Error().Str("tenant_id", tenant).Err(err).Msg("Dedup job enqueue failed")
			continue
		}
	}
	if len(tenants) > 0 {
		s.logger.Info().Int("tenants", len(tenants)).Msg("Dedup jobs enqueued")
	}
}
