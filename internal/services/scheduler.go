package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Wikid82/shadowguard/internal/logger"
)

// Scheduler owns the background jobs such as the rule cache refresh and the
// retention sweep. Jobs only run between Start and Stop.
type Scheduler struct {
	Cron *cron.Cron

	startup []func()
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	cronLog := cron.PrintfLogger(logger.Component("scheduler"))
	return &Scheduler{
		Cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog))),
	}
}

// Every registers job under a cron spec such as "@every 5s" or "@daily".
func (s *Scheduler) Every(spec, name string, job func()) error {
	if _, err := s.Cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	logger.Component("scheduler").WithField("job", name).WithField("spec", spec).Debug("job scheduled")
	return nil
}

// OnStart registers job to run once when the scheduler starts.
func (s *Scheduler) OnStart(job func()) {
	s.startup = append(s.startup, job)
}

// Start runs the startup jobs in the background and begins the cron loop.
func (s *Scheduler) Start() {
	for _, job := range s.startup {
		go job()
	}
	s.Cron.Start()
}

// Stop halts the cron loop and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.Cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and stops it when ctx is cancelled, giving
// running jobs five seconds to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}
