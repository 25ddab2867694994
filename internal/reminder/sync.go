package reminder

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskSource returns the raw listing of today's tasks.
type TaskSource interface {
	TodayTasks(ctx context.Context) ([]byte, error)
}

// Sync periodically re-fetches today's tasks and re-arms the signaler.
type Sync struct {
	src  TaskSource
	sig  *Signaler
	loc  *time.Location
	spec string
	cron *cron.Cron
}

// NewSync builds a sync job. An empty spec only syncs once on Start.
func NewSync(src TaskSource, sig *Signaler, spec string, loc *time.Location) *Sync {
	if loc == nil {
		loc = time.Local
	}
	return &Sync{
		src:  src,
		sig:  sig,
		loc:  loc,
		spec: strings.TrimSpace(spec),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// RunOnce fetches and schedules. Returns the number of armed reminders.
func (s *Sync) RunOnce(ctx context.Context) (int, error) {
	raw, err := s.src.TodayTasks(ctx)
	if err != nil {
		return 0, err
	}
	tasks, skipped := Normalize(raw, s.loc)
	n := s.sig.ScheduleAll(tasks)
	log.Infof("REMINDER: synced %d tasks, %d armed, %d unparseable", len(tasks), n, skipped)
	return n, nil
}

// Start runs one sync and then follows the cron spec until ctx ends.
func (s *Sync) Start(ctx context.Context) error {
	if _, err := s.RunOnce(ctx); err != nil {
		log.Warnf("REMINDER: initial sync failed: %v", err)
	}
	if s.spec == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Warnf("REMINDER: sync failed: %v", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sync to finish.
func (s *Sync) Stop() {
	<-s.cron.Stop().Done()
}
