// Package scheduler runs the periodic campaign jobs and the queue worker pools of the delivery engine
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const reconcileLockKey = "whatsapp-courier:reconcile"

// Dispatcher releases the due recipients of one calendar day
type Dispatcher interface {
	Dispatch(ctx context.Context, asOf time.Time) (*dto.RunDailyDispatchResponse, error)
}

// Reconciler rebuilds cached campaign counters
type Reconciler interface {
	ReconcileCounters(ctx context.Context) (businessflow.ReconcileResult, error)
}

// Sweeper drops expired dedup records
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// GaugeRefresher publishes dead-letter depths
type GaugeRefresher interface {
	RefreshDeadLetterGauges(ctx context.Context) error
}

// CampaignScheduler periodically runs the daily dispatch, the counter reconciliation
// and the housekeeping jobs
type CampaignScheduler struct {
	dispatcher Dispatcher
	reconciler Reconciler
	sweeper    Sweeper
	gauges     GaugeRefresher
	locker     *redislock.Client
	cfg        config.SchedulerConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewCampaignScheduler creates the scheduler. sweeper, gauges and locker may be nil;
// without a locker every process runs its own reconciliation.
func NewCampaignScheduler(
	dispatcher Dispatcher,
	reconciler Reconciler,
	sweeper Sweeper,
	gauges GaugeRefresher,
	locker *redislock.Client,
	cfg config.SchedulerConfig,
	logger *logrus.Logger,
) *CampaignScheduler {
	if cfg.DailyDispatchInterval <= 0 {
		cfg.DailyDispatchInterval = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &CampaignScheduler{
		dispatcher: dispatcher,
		reconciler: reconciler,
		sweeper:    sweeper,
		gauges:     gauges,
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
		now:        utils.UTCNow,
	}
}

// Start launches the scheduler loops in background goroutines and returns a stop function
// that waits for them to exit
func (s *CampaignScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup

	if s.cfg.DailyDispatchEnabled && s.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, s.cfg.DailyDispatchInterval, "dispatch", s.runDispatch)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.ReconcileInterval, "reconcile", s.runHousekeeping)
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (s *CampaignScheduler) every(ctx context.Context, interval time.Duration, job string, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.safely(ctx, job, fn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safely(ctx, job, fn)
		}
	}
}

func (s *CampaignScheduler) safely(ctx context.Context, job string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"module": "scheduler",
				"job":    job,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			}).Error("Scheduler job panicked")
		}
	}()
	fn(ctx)
}

// runDispatch releases today's quota; repeated runs on the same day are no-ops once the quota is used
func (s *CampaignScheduler) runDispatch(ctx context.Context) {
	asOf := utils.TruncateToDay(s.now(), s.cfg.Location())

	resp, err := s.dispatcher.Dispatch(ctx, asOf)
	if err != nil {
		config.LogError(s.logger, "scheduler", "runDispatch", "daily dispatch", map[string]any{
			"as_of": asOf.Format(time.DateOnly),
		}, err)
		return
	}
	if resp.Released > 0 {
		s.logger.WithFields(logrus.Fields{
			"module":    "scheduler",
			"as_of":     resp.AsOf,
			"released":  resp.Released,
			"campaigns": len(resp.Campaigns),
		}).Info("Daily dispatch released recipients")
	}
}

func (s *CampaignScheduler) runHousekeeping(ctx context.Context) {
	s.runReconcile(ctx)

	if s.sweeper != nil {
		n, err := s.sweeper.Sweep(ctx)
		if err != nil {
			config.LogError(s.logger, "scheduler", "runHousekeeping", "sweep dedup records", nil, err)
		} else if n > 0 {
			s.logger.WithFields(logrus.Fields{"module": "scheduler", "swept": n}).Info("Expired dedup records removed")
		}
	}

	if s.gauges != nil {
		if err := s.gauges.RefreshDeadLetterGauges(ctx); err != nil {
			config.LogError(s.logger, "scheduler", "runHousekeeping", "refresh dead-letter gauges", nil, err)
		}
	}
}

// runReconcile recounts under a cluster-wide lock so one process does the work per interval
func (s *CampaignScheduler) runReconcile(ctx context.Context) {
	if s.reconciler == nil {
		return
	}

	if s.locker != nil {
		// never released: it expires with the interval so other processes skip this round
		_, err := s.locker.Obtain(ctx, reconcileLockKey, s.cfg.ReconcileInterval, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return
		}
		if err != nil {
			config.LogError(s.logger, "scheduler", "runReconcile", "obtain reconcile lock", nil, err)
			return
		}
	}

	result, err := s.reconciler.ReconcileCounters(ctx)
	if err != nil {
		config.LogError(s.logger, "scheduler", "runReconcile", "reconcile counters", map[string]any{
			"campaigns": result.Campaigns,
		}, err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"module":    "scheduler",
		"campaigns": result.Campaigns,
		"completed": result.Completed,
	}).Info("Campaign counters reconciled")
}
