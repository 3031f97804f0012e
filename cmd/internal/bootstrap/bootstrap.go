// Package bootstrap wires the components shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"lora-orchestrator/config"
	"lora-orchestrator/core/dispatcher"
	"lora-orchestrator/core/executor"
	"lora-orchestrator/core/ledger"
	"lora-orchestrator/core/lifecycle"
	"lora-orchestrator/core/media"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/notify"
	"lora-orchestrator/core/queue"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/core/worker"
	awsprovider "lora-orchestrator/providers/aws"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Worker roles
const (
	RoleTasks     = "tasks"
	RoleResize    = "resize"
	RoleThumbnail = "thumbnail"
	RoleArchive   = "archive"
)

// Options select the process specific parts of the wiring
type Options struct {
	Publisher notify.Publisher        // Where lifecycle notifications go
	Drops     monitoring.DropCounter // Optional source of dropped notification counts
}

// App holds the wired components
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *repository.DB
	Runs        *repository.RunRepository
	Images      *repository.ImageRepository
	Allocations *repository.AllocationRepository
	Ledger      *ledger.Ledger
	Metrics     *monitoring.Metrics
	Dispatcher  *dispatcher.Dispatcher
	Machine     *lifecycle.Machine
	Objects     *storage.S3Store
	Provider    *awsprovider.Client
	Executor    *executor.TrainingExecutor

	sqs *sqs.Client
}

// New connects to Postgres and AWS and wires the pipeline
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	awsCfg, err := awsprovider.LoadConfig(ctx, cfg.AWSRegion)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Runs:        repository.NewRunRepository(db),
		Images:      repository.NewImageRepository(db),
		Allocations: repository.NewAllocationRepository(db),
		Ledger:      ledger.New(repository.NewEventRepository(db)),
		Metrics:     monitoring.NewMetrics(opts.Drops),
		Objects:     storage.NewS3Store(awsCfg, cfg.S3Endpoint),
		sqs:         queue.NewSQSClient(awsCfg),
	}

	a.Dispatcher = dispatcher.New(
		a.sender(cfg.TaskQueueURL),
		a.sender(cfg.ResizeQueueURL),
		a.sender(cfg.ArchiveQueueURL),
		a.Metrics,
		logger,
	)

	publisher := opts.Publisher
	if publisher == nil {
		publisher = notify.LogPublisher{Logger: logger}
	}
	a.Machine = lifecycle.NewMachine(a.Runs, a.Ledger, a.Images, a.Dispatcher, publisher, a.Metrics, logger)

	a.Provider = awsprovider.NewClient(awsCfg, awsprovider.ProvisionConfig{
		InstanceTypes:   cfg.GPUInstanceTypes,
		AMIID:           cfg.GPUAMIID,
		InstanceProfile: cfg.GPUInstanceProfile,
		SubnetID:        cfg.GPUSubnetID,
		SecurityGroupID: cfg.GPUSecurityGroupID,
		KeyName:         cfg.GPUKeyName,
		Spot:            cfg.GPUSpot,
		SpotMaxPrice:    cfg.GPUSpotMaxPrice,
	})

	a.Executor = executor.NewTrainingExecutor(executor.Config{
		MaxResBucket:       cfg.MaxResBucket,
		PublicBaseURL:      cfg.PublicBaseURL,
		TrainerImage:       cfg.TrainerImage,
		TrainerPort:        cfg.TrainerPort,
		TrainerToken:       cfg.TrainerToken,
		ResizeRequeueAfter: cfg.ResizeRequeue,
	}, executor.Deps{
		Runs:        a.Runs,
		Images:      a.Images,
		Allocations: a.Allocations,
		Provisioner: a.Provider,
		Trainer:     training.NewTrainerClient(&http.Client{Timeout: 30 * time.Second}, cfg.TrainerPort, cfg.TrainerToken),
		Machine:     a.Machine,
		Events:      a.Ledger,
		Resize:      a.Dispatcher,
		Archiver:    media.NewArchiver(a.Objects, logger),
		Objects:     a.Objects,
		Checkpoints: a.Objects,
	}, logger)

	return a, nil
}

// sender returns nil for unset queue URLs so the dispatcher reports them as
// not configured
func (a *App) sender(url string) dispatcher.Sender {
	if url == "" {
		return nil
	}
	return queue.NewSQSQueue(a.sqs, url)
}

func (a *App) pollerConfig(name string) worker.PollerConfig {
	return worker.PollerConfig{
		Name:              name,
		WaitTime:          a.Config.PollWaitTime,
		VisibilityTimeout: a.Config.PollVisibilityTimeout,
		MaxMessages:       int32(a.Config.PollMaxMessages),
		ErrorBackoff:      a.Config.PollErrorBackoff,
	}
}

// Poller builds the poll loop of a worker role
func (a *App) Poller(role string) (*worker.Poller, error) {
	var (
		url      string
		handler  worker.Handler
		recorder worker.TaskRecorder = a.Metrics
	)

	switch role {
	case RoleTasks:
		router := worker.NewRouter(a.Metrics)
		a.Executor.Register(router)
		url, handler = a.Config.TaskQueueURL, router.Handle
		// the router counts per task name
		recorder = nil
	case RoleResize:
		maxres := media.NewMaxRes(a.Objects, a.Config.UploadBucket, a.Config.MaxResBucket, nil, a.Logger)
		url, handler = a.Config.ResizeQueueURL, maxres.HandleMessage
	case RoleThumbnail:
		thumbs := media.NewThumbnailer(a.Objects, a.Logger)
		url, handler = a.Config.ThumbnailQueueURL, thumbs.HandleMessage
	case RoleArchive:
		archiver := media.NewArchiver(a.Objects, a.Logger)
		url, handler = a.Config.ArchiveQueueURL, archiver.HandleMessage
	default:
		return nil, fmt.Errorf("unknown worker role %q", role)
	}

	if url == "" {
		return nil, fmt.Errorf("no queue url configured for worker role %q", role)
	}
	return worker.NewPoller(queue.NewSQSQueue(a.sqs, url), handler, a.pollerConfig(role), recorder, a.Logger), nil
}

// RunMonitor builds the stall monitor
func (a *App) RunMonitor() *monitoring.RunMonitor {
	return monitoring.NewRunMonitor(monitoring.RunMonitorConfig{
		Interval:    a.Config.MonitorInterval,
		StallPeriod: a.Config.StallPeriod,
	}, a.Runs, a.Machine, a.Allocations, a.Provider, a.Metrics, a.Logger)
}

// Close releases the database connection
func (a *App) Close() error {
	return a.DB.Close()
}
