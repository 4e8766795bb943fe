// Package jobs runs the periodic sweeps on a cron schedule. Every sweep
// takes a redis lease first, so overlapping ticks or replicas skip instead
// of racing.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"growth_service/internal/compensation"
	"growth_service/internal/config"
	"growth_service/internal/remittance"
)

const (
	JobReferralExpiry   = "referral-expiry"
	JobCampaignExpiry   = "campaign-expiry"
	JobMonthlyPayouts   = "monthly-payouts"
	JobRemittanceExport = "remittance-export"
)

type ReferralSweeper interface {
	ExpireStaleReferrals(ctx context.Context) (int, error)
}

type CampaignSweeper interface {
	ExpireOutdatedCampaigns(ctx context.Context) (int64, error)
}

type PayoutGenerator interface {
	GenerateMonthlyPayouts(ctx context.Context, year, month int) (*compensation.GenerationResult, error)
}

type RemittanceExporter interface {
	ExportApproved(ctx context.Context) (*remittance.Result, error)
}

type Sweeper struct {
	referrals ReferralSweeper
	campaigns CampaignSweeper
	payouts   PayoutGenerator
	exporter  RemittanceExporter
	locker    Locker
	ttl       time.Duration
	log       *logrus.Logger
	now       func() time.Time
}

func NewSweeper(referrals ReferralSweeper, campaigns CampaignSweeper, payouts PayoutGenerator, locker Locker, ttl time.Duration, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		referrals: referrals,
		campaigns: campaigns,
		payouts:   payouts,
		locker:    locker,
		ttl:       ttl,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithExporter enables the remittance export job.
func (s *Sweeper) WithExporter(e RemittanceExporter) *Sweeper {
	s.exporter = e
	return s
}

// run executes fn under the named lease. It reports false when another
// holder had the lease and fn was skipped.
func (s *Sweeper) run(ctx context.Context, name string, fn func(ctx context.Context) (logrus.Fields, error)) (bool, error) {
	release, ok, err := s.locker.TryLock(ctx, "sweep:"+name, s.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.WithField("job", name).Info("sweep already running elsewhere, skipping")
		return false, nil
	}
	defer release()

	started := s.now()
	fields, err := fn(ctx)
	if err != nil {
		s.log.WithField("job", name).WithError(err).Error("sweep failed")
		return true, err
	}
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["job"] = name
	fields["took"] = s.now().Sub(started).String()
	s.log.WithFields(fields).Info("sweep finished")
	return true, nil
}

func (s *Sweeper) ExpireReferrals(ctx context.Context) (bool, error) {
	return s.run(ctx, JobReferralExpiry, func(ctx context.Context) (logrus.Fields, error) {
		n, err := s.referrals.ExpireStaleReferrals(ctx)
		return logrus.Fields{"expired": n}, err
	})
}

func (s *Sweeper) ExpireCampaigns(ctx context.Context) (bool, error) {
	return s.run(ctx, JobCampaignExpiry, func(ctx context.Context) (logrus.Fields, error) {
		n, err := s.campaigns.ExpireOutdatedCampaigns(ctx)
		return logrus.Fields{"expired": n}, err
	})
}

// GeneratePreviousMonth creates payouts for the calendar month before now.
func (s *Sweeper) GeneratePreviousMonth(ctx context.Context) (bool, error) {
	now := s.now()
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return s.run(ctx, JobMonthlyPayouts, func(ctx context.Context) (logrus.Fields, error) {
		res, err := s.payouts.GenerateMonthlyPayouts(ctx, prev.Year(), int(prev.Month()))
		if err != nil {
			return nil, err
		}
		return logrus.Fields{
			"period":  prev.Format("2006-01"),
			"created": res.Created,
			"skipped": res.Skipped,
		}, nil
	})
}

func (s *Sweeper) ExportRemittance(ctx context.Context) (bool, error) {
	if s.exporter == nil {
		return false, fmt.Errorf("remittance export is not configured")
	}
	return s.run(ctx, JobRemittanceExport, func(ctx context.Context) (logrus.Fields, error) {
		res, err := s.exporter.ExportApproved(ctx)
		if err != nil {
			return nil, err
		}
		return logrus.Fields{"rows": res.Rows, "key": res.Key}, nil
	})
}

type scheduledJob struct {
	name string
	spec string
	fn   func(context.Context) (bool, error)
}

// Schedule registers every sweep on a new scheduler. The caller starts it
// and shuts it down. Tasks run with ctx.
func (s *Sweeper) Schedule(ctx context.Context, cfg config.ScheduleConfig) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := []scheduledJob{
		{JobReferralExpiry, cfg.ReferralExpiry, s.ExpireReferrals},
		{JobCampaignExpiry, cfg.CampaignExpiry, s.ExpireCampaigns},
		{JobMonthlyPayouts, cfg.MonthlyPayouts, s.GeneratePreviousMonth},
	}
	if s.exporter != nil && cfg.RemittanceExport != "" {
		jobs = append(jobs, scheduledJob{JobRemittanceExport, cfg.RemittanceExport, s.ExportRemittance})
	}

	for _, j := range jobs {
		fn := j.fn
		_, err := sched.NewJob(
			gocron.CronJob(j.spec, false),
			gocron.NewTask(func() {
				// failures are logged by run
				_, _ = fn(ctx)
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		s.log.WithFields(logrus.Fields{"job": j.name, "cron": j.spec}).Info("sweep scheduled")
	}
	return sched, nil
}
