package partner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
)

// SubmitFunc hands a pulled feed to the ingest pipeline.
type SubmitFunc func(ctx context.Context, partnerID string, feed *Feed) error

type Auditor interface {
	Record(ctx context.Context, partnerID, action string, payload map[string]interface{})
}

// Scheduler pulls partner feeds on their configured schedules. It does
// nothing until Start and stops firing after Stop.
type Scheduler struct {
	repo    *Repository
	fetcher *Fetcher
	submit  SubmitFunc
	auditor Auditor

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[uint]cron.EntryID
	ctx     context.Context
}

func NewScheduler(repo *Repository, fetcher *Fetcher, submit SubmitFunc, auditor Auditor) *Scheduler {
	return &Scheduler{
		repo:    repo,
		fetcher: fetcher,
		submit:  submit,
		auditor: auditor,
		entries: make(map[uint]cron.EntryID),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx = ctx
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger.Log))))
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	logger.Log.WithField("schedules", len(s.entries)).Info("Partner feed scheduler started")
	return nil
}

// Stop halts new runs and waits for in-flight pulls to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	logger.Log.Info("Partner feed scheduler stopped")
}

// Reload replaces the registered entries with the enabled schedules in the
// store. It is a no-op before Start.
func (s *Scheduler) Reload(ctx context.Context) error {
	schedules, err := s.repo.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, schedule := range schedules {
		parsed, err := ParseSpec(schedule.Spec)
		if err != nil {
			logger.Log.WithError(err).WithField("schedule_id", schedule.ID).Warn("Skipping schedule with invalid spec")
			continue
		}
		schedule := schedule
		s.entries[schedule.ID] = s.cron.Schedule(parsed, cron.FuncJob(func() {
			s.RunOnce(s.ctx, schedule)
		}))
	}
	return nil
}

// RunOnce pulls and submits one partner feed. Failures are logged and
// audited; nothing is enqueued for a failed pull.
func (s *Scheduler) RunOnce(ctx context.Context, schedule Schedule) error {
	log := logger.WithFields(logrus.Fields{
		"schedule_id": schedule.ID,
		"partner_id":  schedule.PartnerID,
	})

	err := s.pull(ctx, schedule.PartnerID)
	if touchErr := s.repo.TouchSchedule(context.WithoutCancel(ctx), schedule.ID, time.Now().UTC()); touchErr != nil {
		log.WithError(touchErr).Warn("Failed to record schedule run")
	}
	if err != nil {
		log.WithError(err).Error("Scheduled feed pull failed")
		s.auditor.Record(ctx, schedule.PartnerID, audit.ActionScheduledFetchFailed, map[string]interface{}{
			"schedule_id": schedule.ID,
			"error":       err.Error(),
		})
		return err
	}
	log.Info("Scheduled feed pulled")
	return nil
}

func (s *Scheduler) pull(ctx context.Context, partnerID string) error {
	p, err := s.repo.Get(ctx, partnerID)
	if err != nil {
		return err
	}
	feed, err := s.fetcher.Fetch(ctx, p)
	if err != nil {
		return err
	}
	return s.submit(ctx, p.ID, feed)
}
