package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"sftpflow/pkg/config"
	"sftpflow/pkg/content"
	"sftpflow/pkg/coord"
	"sftpflow/pkg/flow"
	"sftpflow/pkg/handler"
	httpHandler "sftpflow/pkg/http"
	"sftpflow/pkg/listing"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/provenance"
	"sftpflow/pkg/publisher"
	"sftpflow/pkg/queue"
	"sftpflow/pkg/remote"
	"sftpflow/pkg/s3"
	"sftpflow/pkg/shared"
	"sftpflow/pkg/transfer"
	"sftpflow/pkg/watermark"
)

type DaemonService struct {
	server      *asynq.Server
	scheduler   *asynq.Scheduler
	asyncClient *asynq.Client
	redisClient *redis.Client
	httpServer  *http.Server
	httpHandler *httpHandler.HTTPHandler
	mux         *asynq.ServeMux
	leader      *coord.Leader
	store       watermark.Store
	queues      map[string]*queue.RedisSession
	config      *config.Config
	logger      *logger.Logger
}

func NewDaemonService(config *config.Config) (*DaemonService, error) {
	log := logger.NewDefault()
	log.SetLevel(logger.ParseLevel(config.Daemon.LogLevel))

	nodeID := config.Daemon.NodeID
	if nodeID == "" {
		nodeID = coord.NewNodeID()
	}
	log = log.With(map[string]any{"node": nodeID})

	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: config.Daemon.Concurrency,
		Queues: map[string]int{
			"default": 6,
		},
		Logger:   &asynqLogger{log},
		LogLevel: asynqLogLevel(config.Daemon.LogLevel),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("task failed", err, map[string]any{"type": task.Type()})
		}),
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   &asynqLogger{log},
		LogLevel: asynqLogLevel(config.Daemon.LogLevel),
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	asyncClient := asynq.NewClient(redisOpt)

	store, err := newWatermarkStore(config, redisClient)
	if err != nil {
		return nil, err
	}

	var s3Client s3iface.S3API
	router := content.NewRouter()
	if config.Content.LocalEnabled {
		router.Register("file", content.NewFileStore(nil))
	}
	if config.Content.S3 != nil {
		client, err := s3.CreateS3Client(config.Content.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		s3Client = client
		router.Register("s3", content.NewS3Store(client))
	}

	reporter := provenance.Multi{
		provenance.NewLogReporter(log),
		provenance.NewStreamReporter(redisClient, config.Provenance.Stream, config.Provenance.MaxLen, log),
	}
	dialer := remote.NewSFTPDialer(config.Transfer.DotRename, log)
	yielder := coord.NewYielder(redisClient, config.Coordination.Yield(), log)
	leader := coord.NewLeader(redisClient, shared.ProcessorListing, nodeID, config.Coordination.Lease())

	listingOpts := queue.Options{
		Penalty:      config.Coordination.Penalty(),
		Backpressure: config.Coordination.BackpressureThreshold,
		Heartbeat:    config.Coordination.RecoverAfter() / 3,
	}
	transferOpts := listingOpts
	if config.Transfer.RetryFailures {
		transferOpts.Requeue = []flow.Relationship{flow.RelFailure}
	}
	newListingSession := func() handler.Queue {
		return queue.NewRedisSession(redisClient, shared.ProcessorListing, listingOpts)
	}
	newTransferSession := func() handler.Queue {
		return queue.NewRedisSession(redisClient, shared.ProcessorTransfer, transferOpts)
	}
	queues := map[string]*queue.RedisSession{
		shared.ProcessorListing:  queue.NewRedisSession(redisClient, shared.ProcessorListing, listingOpts),
		shared.ProcessorTransfer: queue.NewRedisSession(redisClient, shared.ProcessorTransfer, transferOpts),
	}

	pub := publisher.NewPublisher(queues[shared.ProcessorTransfer], asyncClient, nil, s3Client, log)

	mux := asynq.NewServeMux()
	var engine *listing.Engine
	if config.Listing.Enabled {
		engine = listing.NewEngine(listing.Config{
			Connection: config.Listing.Connection.Template(),
			Filter:     config.Listing.Filter,
		}, dialer, store, reporter, log)
		listingHandler := handler.NewListingHandler(engine, newListingSession, yielder, leader, log)
		mux.HandleFunc(shared.TaskTypeListingPass, listingHandler.ProcessTask)

		if _, err := scheduler.Register(config.Listing.Schedule, asynq.NewTask(shared.TaskTypeListingPass, nil),
			asynq.MaxRetry(0), asynq.Unique(time.Minute)); err != nil {
			return nil, fmt.Errorf("register listing schedule: %w", err)
		}
	}

	if config.Transfer.Enabled {
		loop := transfer.NewLoop(transfer.Config{
			Connection:        config.Transfer.Connection.Template(),
			Conflict:          config.Transfer.Policy(),
			RejectZeroByte:    config.Transfer.RejectZeroByte,
			BatchSize:         config.Transfer.BatchSize,
			CreateDirectories: config.Transfer.CreateDirectories,
		}, dialer, router, reporter, log)
		transferHandler := handler.NewTransferHandler(loop, newTransferSession, yielder, pub, log)
		mux.HandleFunc(shared.TaskTypeTransferBatch, transferHandler.ProcessTask)

		if _, err := scheduler.Register(config.Transfer.Schedule, asynq.NewTask(shared.TaskTypeTransferBatch, nil),
			asynq.MaxRetry(0), asynq.Unique(time.Minute)); err != nil {
			return nil, fmt.Errorf("register transfer schedule: %w", err)
		}
	}

	outputs := make(map[string]httpHandler.OutputReader, len(queues))
	for name, q := range queues {
		outputs[name] = q
	}
	var watermarks httpHandler.WatermarkReader
	if engine != nil {
		watermarks = engine
	}
	httpH := httpHandler.NewHTTPHandler(config, pub, watermarks, outputs)

	httpMux := http.NewServeMux()
	httpH.Register(httpMux)

	httpServer := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: httpMux,
	}

	return &DaemonService{
		server:      server,
		scheduler:   scheduler,
		asyncClient: asyncClient,
		redisClient: redisClient,
		httpServer:  httpServer,
		httpHandler: httpH,
		mux:         mux,
		leader:      leader,
		store:       store,
		queues:      queues,
		config:      config,
		logger:      log,
	}, nil
}

func newWatermarkStore(config *config.Config, redisClient *redis.Client) (watermark.Store, error) {
	switch config.Watermark.Type {
	case "redis":
		return watermark.NewRedisStore(redisClient), nil
	case "sql":
		store, err := watermark.OpenSQLStore(config.Watermark.SQL.Driver, config.Watermark.SQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("open watermark store: %w", err)
		}
		return store, nil
	case "memory":
		return watermark.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported watermark type: %s", config.Watermark.Type)
	}
}

// Start runs every component until ctx is cancelled or one of them fails.
func (d *DaemonService) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("starting HTTP server", map[string]any{
			"addr": d.config.HTTP.Addr,
		})

		if d.config.Asynqmon.Enabled {
			d.logger.Info("asynqmon web UI enabled", map[string]any{
				"root_path":   d.config.Asynqmon.RootPath,
				"read_only":   d.config.Asynqmon.ReadOnlyMode,
				"prometheus":  d.config.Asynqmon.PrometheusAddr != "",
				"monitor_url": fmt.Sprintf("http://%s%s", d.config.HTTP.Addr, d.config.Asynqmon.RootPath),
			})
		}

		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	d.logger.Info("starting Asynq server", map[string]any{
		"listing":  d.config.Listing.Enabled,
		"transfer": d.config.Transfer.Enabled,
	})
	if err := d.server.Start(d.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := d.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g.Go(func() error {
		d.recoverLoop(ctx)
		return nil
	})

	return g.Wait()
}

// recoverLoop returns records stranded in flight by stopped nodes.
func (d *DaemonService) recoverLoop(ctx context.Context) {
	after := d.config.Coordination.RecoverAfter()
	ticker := time.NewTicker(after / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for name, q := range d.queues {
			n, err := q.Recover(ctx, after)
			if err != nil {
				d.logger.Error("failed to recover in-flight records", err, map[string]any{"queue": name})
				continue
			}
			if n > 0 {
				d.logger.Warn("recovered in-flight records", map[string]any{"queue": name, "records": n})
			}
		}
	}
}

func (d *DaemonService) Shutdown(ctx context.Context) error {
	d.logger.Info("initiating graceful shutdown", nil)

	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Error("HTTP server shutdown failed", err, nil)
	}
	d.httpHandler.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.scheduler.Shutdown()
		d.server.Shutdown()
	}()

	select {
	case <-done:
		d.logger.Info("all tasks completed, shutdown successful", nil)
	case <-ctx.Done():
		d.logger.Warn("shutdown timeout, forcing exit", nil)
		return ctx.Err()
	}

	if err := d.leader.Release(ctx); err != nil {
		d.logger.Error("failed to release leader lease", err, nil)
	}
	if closer, ok := d.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error("failed to close watermark store", err, nil)
		}
	}
	if err := d.asyncClient.Close(); err != nil {
		d.logger.Error("failed to close asynq client", err, nil)
	}
	return d.redisClient.Close()
}
