package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"catalog_sync/config"
	"catalog_sync/models"
	"catalog_sync/services"
	"catalog_sync/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// SyncRunner runs one sync batch
type SyncRunner interface {
	Run(ctx context.Context, batchSize int, trigger models.RunTrigger) (*models.SyncStats, error)
}

// CommandQueue is the dashboard command queue
type CommandQueue interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
}

type Scheduler struct {
	cfg      *config.Config
	runner   SyncRunner
	commands CommandQueue
	cron     *cron.Cron
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	paused   atomic.Bool

	cleanupWorker Triggerable
	pollInterval  time.Duration
}

func New(cfg *config.Config, runner SyncRunner, commands CommandQueue) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		runner:       runner,
		commands:     commands,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
		pollInterval: 2 * time.Second,
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(cleanup Triggerable) {
	s.cleanupWorker = cleanup
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.commands != nil {
		go s.pollCommands(ctx)
	}

	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.runScheduled(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.runScheduled(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, daemon will only respond to commands and HTTP")
	}

	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

// Paused reports whether scheduled runs are suspended
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if s.paused.Load() {
		log.Println("Scheduler paused, skipping sync")
		return
	}
	s.runSync(ctx, s.cfg.Sync.BatchSize, models.TriggerSchedule)
}

func (s *Scheduler) runSync(ctx context.Context, batchSize int, trigger models.RunTrigger) {
	stats, err := s.runner.Run(ctx, batchSize, trigger)
	if errors.Is(err, services.ErrSyncInProgress) {
		log.Println("Sync already running, skipped")
		return
	}
	if err != nil {
		log.Printf("Sync run error: %v", err)
		return
	}
	if stats.CacheEntriesProcessed > 0 {
		log.Printf("Sync run finished: %d entries, %d updated", stats.CacheEntriesProcessed, stats.ProductsUpdated)
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) drainCommands(ctx context.Context) {
	cmds, err := s.commands.GetPendingCommands()
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("Processing command: %s", cmd.Command)
		// mark first so a crashing command is not replayed forever
		if err := s.commands.MarkCommandProcessed(cmd.ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
		}
		if err := s.handleCommand(ctx, &cmd); err != nil {
			log.Printf("Command error: %v", err)
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdSyncNow:
		params, err := storage.ParseCommandParams(cmd)
		if err != nil {
			return fmt.Errorf("bad params for %s: %w", cmd.Command, err)
		}
		batch := params.BatchSize
		if batch <= 0 {
			batch = s.cfg.Sync.BatchSize
		}
		s.runSync(ctx, batch, models.TriggerCommand)
		return nil
	case models.CmdCleanupModels:
		if s.cleanupWorker == nil {
			return fmt.Errorf("cleanup worker not configured")
		}
		s.cleanupWorker.Trigger()
		log.Println("Cleanup worker triggered via command")
		return nil
	case models.CmdPause:
		s.paused.Store(true)
		log.Println("Scheduler paused via command")
		return nil
	case models.CmdResume:
		s.paused.Store(false)
		log.Println("Scheduler resumed via command")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}
