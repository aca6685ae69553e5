// Package orchestrator drives backup and restore tasks through preprocessing,
// per-item processing and post-processing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/archive"
	"github.com/fgeck/droidbackup/internal/services/metrics"
	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/fgeck/droidbackup/internal/services/remote"
	"github.com/fgeck/droidbackup/internal/services/telegram"
	"github.com/fgeck/droidbackup/internal/services/wol"
	"github.com/fgeck/droidbackup/internal/store"
	"github.com/gofrs/flock"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// ErrTaskRunning is returned when another task holds the run lock.
var ErrTaskRunning = errors.New("another task is running")

// Service defines the interface for the task orchestrator.
type Service interface {
	BackupPackages(ctx context.Context) (*models.Task, error)
	RestorePackages(ctx context.Context) (*models.Task, error)
	BackupMedia(ctx context.Context) (*models.Task, error)
	RestoreMedia(ctx context.Context) (*models.Task, error)
	ScanPackages(ctx context.Context, userID int) (int, error)
	ReloadPackages(ctx context.Context) (int, error)
	ReloadMedia(ctx context.Context) (int, error)
	RestoreNetworks(ctx context.Context) (int, error)
}

// StorageFactory opens the remote destination of a task.
type StorageFactory func(ctx context.Context, logger zerolog.Logger, cfg *models.RemoteConfig) (remote.Storage, error)

// Services bundles the collaborators of the orchestrator.
type Services struct {
	Root        privileged.Service
	Archiver    archive.Service
	Store       *store.Store
	OpenStorage StorageFactory
	WOL         wol.Service
	Telegram    telegram.Service
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Executable  string // copied by the self backup step
	Host        string // reported in notifications
}

// Impl implements the orchestrator Service interface.
type Impl struct {
	root        privileged.Service
	archiver    archive.Service
	store       *store.Store
	openStorage StorageFactory
	wolSvc      wol.Service
	telegramSvc telegram.Service
	metrics     *metrics.Metrics
	clock       clock.Clock
	executable  string
	host        string
	cfg         models.Config
	logger      zerolog.Logger
}

// New creates an orchestrator that archives through archiver and reaches the
// device through root.
func New(
	logger zerolog.Logger,
	cfg models.Config,
	root privileged.Service,
	archiver archive.Service,
	st *store.Store,
	m *metrics.Metrics,
) *Impl {
	executable, _ := os.Executable()
	host, _ := os.Hostname()
	return NewWithServices(logger, cfg, Services{
		Root:        root,
		Archiver:    archiver,
		Store:       st,
		OpenStorage: remote.New,
		WOL:         wol.New(logger),
		Telegram:    telegram.New(logger),
		Metrics:     m,
		Clock:       clock.WallClock,
		Executable:  executable,
		Host:        host,
	})
}

// NewWithServices creates an orchestrator with custom services (for testing).
func NewWithServices(logger zerolog.Logger, cfg models.Config, svc Services) *Impl {
	if svc.Clock == nil {
		svc.Clock = clock.WallClock
	}
	if svc.OpenStorage == nil {
		svc.OpenStorage = remote.New
	}
	return &Impl{
		root:        svc.Root,
		archiver:    svc.Archiver,
		store:       svc.Store,
		openStorage: svc.OpenStorage,
		wolSvc:      svc.WOL,
		telegramSvc: svc.Telegram,
		metrics:     svc.Metrics,
		clock:       svc.Clock,
		executable:  svc.Executable,
		host:        svc.Host,
		cfg:         cfg,
		logger:      logger,
	}
}

// job supplies the target-specific parts of a task.
type job struct {
	op     models.OpType
	target models.TargetType
	// load creates the detail rows and returns the item count and raw bytes.
	load func(ctx context.Context, r *taskRun) (int, int64, error)
	// item processes one item. A non-nil error aborts the task.
	item func(ctx context.Context, r *taskRun, i int) (name string, ok bool, err error)
	// save writes the task-wide backup artifacts. Nil for restores.
	save func(ctx context.Context, r *taskRun) error
	// reset clears the activated list.
	reset func(ctx context.Context) error
}

// run executes the complete task workflow.
//
//nolint:gocognit,gocyclo // task workflow has multiple steps by design
func (s *Impl) run(ctx context.Context, j job) (task *models.Task, runErr error) {
	lock := flock.New(filepath.Join(filepath.Dir(s.cfg.Storage.Database), "task.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring task lock: %w", err)
	}
	if !locked {
		return nil, ErrTaskRunning
	}
	defer func() { _ = lock.Unlock() }()

	startTime := s.clock.Now()
	var failedStep string
	r := &taskRun{Impl: s, op: j.op, target: j.target, bg: context.WithoutCancel(ctx)}

	s.logger.Info().
		Str("op", string(j.op)).
		Str("target", string(j.target)).
		Msg("starting task")

	defer func() {
		if r.task != nil && !r.task.Finalized() {
			s.finalize(r)
		}
		if r.dest != nil {
			_ = r.dest.close()
		}
		s.metrics.TaskFinished(string(j.op), string(j.target), s.clock.Now().Sub(startTime))
		if s.cfg.Telegram != nil {
			s.sendNotification(r.bg, r, startTime, failedStep, runErr)
		}
	}()

	// Step 1: Wake-on-LAN (if configured)
	if s.cfg.Remote != nil && s.cfg.Remote.WOL != nil {
		failedStep = "wol"
		if err := s.runWOL(ctx, s.cfg.Remote.WOL); err != nil {
			return nil, err
		}
	}

	// Step 2: Destination and task record
	failedStep = "setup"
	dest, err := s.openDestination(ctx)
	if err != nil {
		return nil, err
	}
	r.dest = dest

	stat := s.root.ReadStatFs(ctx, dest.dir)
	r.task = &models.Task{
		OpType:         j.op,
		TargetType:     j.target,
		StartTimestamp: startTime.UnixMilli(),
		AvailableBytes: stat.AvailableBytes,
		TotalBytes:     stat.TotalBytes,
		IsProcessing:   true,
		Cloud:          dest.cloud,
		BackupDir:      dest.backupDir,
	}
	if err := s.store.UpsertTask(r.bg, r.task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	task = r.task

	if err := r.createProcessingInfos(); err != nil {
		return task, err
	}

	total, raw, err := j.load(ctx, r)
	if err != nil {
		return task, fmt.Errorf("loading items: %w", err)
	}
	r.task.TotalCount = total
	r.task.RawBytes = raw
	if err := r.saveTask(); err != nil {
		return task, err
	}

	// Step 3: Preprocessing
	failedStep = "preprocessing"
	defer r.restoreDevice(r.bg)
	if err := r.preprocess(ctx); err != nil {
		return task, err
	}

	// Step 4: Items, strictly one at a time
	failedStep = "processing"
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return task, err
		}
		r.task.ProcessingIndex = i
		if err := r.saveTask(); err != nil {
			return task, err
		}

		name, ok, err := j.item(ctx, r, i)
		if err != nil {
			s.logger.Warn().Err(err).Str("item", name).Msg("task aborted")
			return task, err
		}
		if ok {
			r.task.SuccessCount++
		} else {
			r.task.FailureCount++
			r.failedItems = append(r.failedItems, name)
		}
		s.metrics.Item(string(j.op), string(j.target), ok)
		if err := r.saveTask(); err != nil {
			return task, err
		}
	}

	// Step 5: Post-processing
	failedStep = "post_processing"
	if err := r.postprocess(ctx, j); err != nil {
		return task, err
	}

	s.finalize(r)
	failedStep = ""

	s.logger.Info().
		Int("succeeded", r.task.SuccessCount).
		Int("failed", r.task.FailureCount).
		Dur("duration", s.clock.Now().Sub(startTime)).
		Msg("task completed")

	return task, nil
}

func (s *Impl) finalize(r *taskRun) {
	r.task.EndTimestamp = s.clock.Now().UnixMilli()
	r.task.IsProcessing = false
	if err := s.store.UpsertTask(r.bg, r.task); err != nil {
		s.logger.Error().Err(err).Int64("task", r.task.ID).Msg("failed to finalize task")
	}
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("host", cfg.HostAddress).
		Msg("waking remote host")

	result, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}

	if !result.HostReady && cfg.HostAddress != "" {
		return fmt.Errorf("remote host did not come up after WOL")
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("host_ready", result.HostReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) sendNotification(
	ctx context.Context,
	r *taskRun,
	startTime time.Time,
	failedStep string,
	runErr error,
) {
	msg := models.TelegramMessage{
		Host:        s.host,
		OpType:      r.op,
		TargetType:  r.target,
		StartTime:   startTime,
		Duration:    s.clock.Now().Sub(startTime),
		FailedItems: r.failedItems,
	}
	if r.dest != nil {
		msg.Destination = r.dest.describe()
	}
	if r.task != nil {
		msg.TotalCount = r.task.TotalCount
		msg.SuccessCount = r.task.SuccessCount
		msg.FailureCount = r.task.FailureCount
		msg.RawBytes = r.task.RawBytes
		msg.AvailableBytes = r.task.AvailableBytes
	}
	if runErr != nil {
		msg.ErrorMessage = fmt.Sprintf("%s: %s", failedStep, runErr)
	}

	result, err := s.telegramSvc.SendNotification(ctx, *s.cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
