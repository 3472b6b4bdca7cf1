package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nimburion/redrive/pkg/archive"
	"github.com/nimburion/redrive/pkg/config"
	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/observability/metrics"
	"github.com/nimburion/redrive/pkg/observability/tracing"
	"github.com/nimburion/redrive/pkg/queue"
	"github.com/nimburion/redrive/pkg/queue/memqueue"
	"github.com/nimburion/redrive/pkg/queue/redisq"
	sqsqueue "github.com/nimburion/redrive/pkg/queue/sqs"
	"github.com/nimburion/redrive/pkg/redrive"
	"github.com/nimburion/redrive/pkg/resilience"
	"github.com/nimburion/redrive/pkg/version"
)

// ClientFactory creates the queue client for a backend. The returned close
// function may be nil.
type ClientFactory func(ctx context.Context, cfg *config.Config, log logger.Logger) (queue.Client, func() error, error)

// SinkFactory creates the archive sink, or nil when archiving is not configured.
type SinkFactory func(ctx context.Context, cfg *config.Config, log logger.Logger) (archive.Sink, error)

// Runtime holds everything a command needs for one invocation.
type Runtime struct {
	Config  *config.Config
	Logger  logger.Logger
	RunID   string
	Client  queue.Client
	Engine  *redrive.Engine
	Metrics *metrics.Registry
	Tracer  *tracing.TracerProvider

	sinks       SinkFactory
	closeClient func() error
}

// NewQueueClient creates the client selected by queue.backend.
func NewQueueClient(ctx context.Context, cfg *config.Config, log logger.Logger) (queue.Client, func() error, error) {
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		return memqueue.New(), nil, nil
	case config.BackendSQS:
		client, err := sqsqueue.NewClient(ctx, sqsqueue.Config{
			Region:           cfg.AWS.Region,
			Endpoint:         cfg.AWS.Endpoint,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			SessionToken:     cfg.AWS.SessionToken,
			OperationTimeout: cfg.AWS.OperationTimeout,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("create sqs client: %w", err)
		}
		return client, nil, nil
	case config.BackendRedis:
		client, err := redisq.NewClient(ctx, redisq.Config{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
			PollInterval:     cfg.Redis.PollInterval,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("create redis client: %w", err)
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

// NewArchiveSink returns an S3 sink when archive.bucket is set, a file sink
// when archive.directory is set, and nil otherwise.
func NewArchiveSink(ctx context.Context, cfg *config.Config, log logger.Logger) (archive.Sink, error) {
	switch {
	case cfg.Archive.Bucket != "":
		endpoint := cfg.Archive.Endpoint
		if endpoint == "" {
			endpoint = cfg.AWS.Endpoint
		}
		return archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:           cfg.Archive.Bucket,
			Prefix:           cfg.Archive.Prefix,
			Region:           cfg.AWS.Region,
			Endpoint:         endpoint,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			SessionToken:     cfg.AWS.SessionToken,
			UsePathStyle:     cfg.Archive.UsePathStyle,
			OperationTimeout: cfg.Archive.OperationTimeout,
		}, log)
	case cfg.Archive.Directory != "":
		return archive.NewFileSink(cfg.Archive.Directory)
	default:
		return nil, nil
	}
}

func newRuntime(ctx context.Context, cfg *config.Config, log logger.Logger, clients ClientFactory, sinks SinkFactory) (*Runtime, error) {
	runID := uuid.NewString()

	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		Insecure:       cfg.Observability.Tracing.Insecure,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		Enabled:        cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer: %w", err)
	}

	client, closeClient, err := clients(ctx, cfg, log)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	var breaker *resilience.CircuitBreaker
	if cfg.Queue.Breaker.Enabled {
		breaker = resilience.NewCircuitBreaker(cfg.Queue.Breaker.MaxFailures, cfg.Queue.Breaker.Cooldown,
			resilience.WithStateChange(func(from, to resilience.State) {
				log.Warn("queue circuit breaker changed state", "from", from.String(), "to", to.String())
			}),
		)
	}
	guarded := resilience.GuardClient(client, breaker, cfg.Queue.CallTimeout)

	registry := metrics.NewRegistry()
	engine, err := redrive.New(guarded, engineConfig(cfg), log, redrive.WithMetrics(registry.Redrive()))
	if err != nil {
		if closeClient != nil {
			_ = closeClient()
		}
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	return &Runtime{
		Config:      cfg,
		Logger:      log,
		RunID:       runID,
		Client:      guarded,
		Engine:      engine,
		Metrics:     registry,
		Tracer:      tracer,
		sinks:       sinks,
		closeClient: closeClient,
	}, nil
}

func engineConfig(cfg *config.Config) redrive.Config {
	return redrive.Config{
		Primary:           queue.Ref(cfg.Queue.Primary),
		DLQ:               queue.Ref(cfg.Queue.DLQ),
		System:            cfg.Queue.Backend,
		Branches:          cfg.Redrive.Branches,
		Stagger:           cfg.Redrive.Stagger,
		MaxMessages:       int32(cfg.Redrive.MaxMessages),
		WaitTime:          cfg.Redrive.WaitTime,
		ListVisibility:    cfg.Redrive.ListVisibility,
		RedriveVisibility: cfg.Redrive.RedriveVisibility,
		SettleDelay:       cfg.Redrive.SettleDelay,
		RateLimit:         cfg.Redrive.RateLimit,

		FreshDeduplicationID: cfg.Redrive.FreshDeduplicationID,
	}
}

// Archive writes msgs to the configured sink and returns the location.
func (r *Runtime) Archive(ctx context.Context, msgs []queue.Message) (string, error) {
	if r.sinks == nil {
		return "", errors.New("archiving is not configured")
	}
	sink, err := r.sinks(ctx, r.Config, r.Logger)
	if err != nil {
		return "", fmt.Errorf("create archive sink: %w", err)
	}
	if sink == nil {
		return "", errors.New("archiving is not configured (set archive.bucket or archive.directory)")
	}
	snapshot := archive.NewSnapshot(queue.Ref(r.Config.Queue.DLQ), r.RunID, nowFunc(), msgs)
	return sink.Write(ctx, snapshot)
}

// Close pushes metrics when a pushgateway is configured, flushes traces and
// releases the queue client. All steps run; their errors are joined.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if push := r.Config.Observability.Pushgateway; push.URL != "" {
		grouping := map[string]string{"dlq": r.Config.Queue.DLQ}
		if err := r.Metrics.Push(ctx, push.URL, push.Job, grouping); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	if r.closeClient != nil {
		if err := r.closeClient(); err != nil {
			errs = append(errs, fmt.Errorf("close queue client: %w", err))
		}
	}
	return errors.Join(errs...)
}
