package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"listing_harvester/config"
	"listing_harvester/models"
	"listing_harvester/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Worker is an executor loop the scheduler owns.
type Worker interface {
	Triggerable
	Run(ctx context.Context, interval time.Duration)
}

// Store is what the scheduler's maintenance loops need.
type Store interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
	PauseTask(ctx context.Context, taskID string, now time.Time) error
	ResumeTask(ctx context.Context, taskID string, now time.Time) error
	PauseJob(ctx context.Context, jobID string, now time.Time) (int, error)
	ResumeJob(ctx context.Context, jobID string, now time.Time) (int, error)
	RequeueStaleTasks(ctx context.Context, cutoff, now time.Time) (int, error)
	DueRecurrences(ctx context.Context, now time.Time) ([]models.Job, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
}

// Spawner creates the next run of a recurring job.
type Spawner interface {
	SpawnRecurrence(ctx context.Context, parent *models.Job) (*models.Job, error)
}

// Gauges receives task counts after each maintenance pass.
type Gauges interface {
	SetTaskCounts(counts map[string]int)
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	store   Store
	spawner Spawner
	logger  *zap.Logger
	gauges  Gauges
	cron    *cron.Cron
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time

	workers []Worker
}

func New(cfg config.SchedulerConfig, store Store, spawner Spawner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		spawner: spawner,
		logger:  logger,
		cron:    cron.New(),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetWorkers registers the executors the scheduler runs and triggers
func (s *Scheduler) SetWorkers(workers ...Worker) {
	s.workers = workers
}

func (s *Scheduler) SetGauges(g Gauges) {
	s.gauges = g
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Cron != "" {
		s.logger.Info("starting scheduler with cron", zap.String("cron", s.cfg.Cron))
		_, err := s.cron.AddFunc(s.cfg.Cron, s.TriggerAll)
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else {
		s.logger.Info("starting scheduler with interval", zap.Duration("interval", s.cfg.Interval))
	}

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w Worker) {
			defer s.wg.Done()
			w.Run(ctx, s.cfg.Interval)
		}(w)
	}

	s.loop(ctx, s.cfg.PollEvery, "commands", func(ctx context.Context) error {
		_, err := s.ProcessCommands(ctx)
		return err
	})
	s.loop(ctx, time.Minute, "recurrences", func(ctx context.Context) error {
		_, err := s.SpawnDue(ctx)
		return err
	})
	if s.cfg.StaleAfter > 0 {
		s.loop(ctx, s.cfg.StaleAfter/2, "stale claims", func(ctx context.Context) error {
			_, err := s.RequeueStale(ctx)
			return err
		})
	}
	if s.gauges != nil {
		s.loop(ctx, 15*time.Second, "task gauges", s.refreshGauges)
	}

	s.logger.Info("scheduler started", zap.Int("workers", len(s.workers)))
	return nil
}

// Stop halts the maintenance loops and waits for them. Workers stop when
// the context passed to Start is cancelled.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerAll wakes every worker
func (s *Scheduler) TriggerAll() {
	for _, w := range s.workers {
		w.Trigger()
	}
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("scheduler pass failed", zap.String("loop", name), zap.Error(err))
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ProcessCommands applies queued operator commands. A command that fails
// is still marked processed so it cannot wedge the queue.
func (s *Scheduler) ProcessCommands(ctx context.Context) (int, error) {
	cmds, err := s.store.GetPendingCommands(ctx)
	if err != nil {
		return 0, fmt.Errorf("get commands: %w", err)
	}

	for i := range cmds {
		cmd := &cmds[i]
		s.logger.Info("processing command", zap.Int64("id", cmd.ID), zap.String("command", string(cmd.Command)))
		if err := s.handleCommand(ctx, cmd); err != nil {
			s.logger.Warn("command error", zap.Int64("id", cmd.ID), zap.Error(err))
		}
		if err := s.store.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			return i, fmt.Errorf("mark command %d processed: %w", cmd.ID, err)
		}
	}
	return len(cmds), nil
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := storage.ParseCommandParams(cmd)
	if err != nil {
		return err
	}
	now := s.now()

	switch cmd.Command {
	case models.CmdRunNow:
		s.TriggerAll()
		return nil
	case models.CmdPauseTask:
		return s.store.PauseTask(ctx, params.TaskID, now)
	case models.CmdResumeTask:
		if err := s.store.ResumeTask(ctx, params.TaskID, now); err != nil {
			return err
		}
		s.TriggerAll()
		return nil
	case models.CmdPauseJob:
		n, err := s.store.PauseJob(ctx, params.JobID, now)
		if err == nil {
			s.logger.Info("job paused", zap.String("job_id", params.JobID), zap.Int("tasks", n))
		}
		return err
	case models.CmdResumeJob:
		n, err := s.store.ResumeJob(ctx, params.JobID, now)
		if err != nil {
			return err
		}
		s.logger.Info("job resumed", zap.String("job_id", params.JobID), zap.Int("tasks", n))
		s.TriggerAll()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

// SpawnDue starts the next run of every recurring job whose time has come.
func (s *Scheduler) SpawnDue(ctx context.Context) (int, error) {
	due, err := s.store.DueRecurrences(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("due recurrences: %w", err)
	}

	spawned := 0
	for i := range due {
		parent := &due[i]
		child, err := s.spawner.SpawnRecurrence(ctx, parent)
		if errors.Is(err, storage.ErrAlreadySpawned) {
			s.logger.Debug("recurrence already spawned", zap.String("job_id", parent.ID))
			continue
		}
		if err != nil {
			s.logger.Error("spawn recurrence", zap.String("job_id", parent.ID), zap.Error(err))
			continue
		}
		spawned++
		s.logger.Info("recurrence spawned", zap.String("parent_job_id", parent.ID), zap.String("job_id", child.ID))
	}
	if spawned > 0 {
		s.TriggerAll()
	}
	return spawned, nil
}

// RequeueStale hands back tasks whose executor stopped heartbeating.
func (s *Scheduler) RequeueStale(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.RequeueStaleTasks(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	if n > 0 {
		s.logger.Warn("requeued stale tasks", zap.Int("count", n))
		s.TriggerAll()
	}
	return n, nil
}

func (s *Scheduler) refreshGauges(ctx context.Context) error {
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return err
	}
	s.gauges.SetTaskCounts(counts)
	return nil
}
