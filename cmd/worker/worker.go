package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smhunt/meterscience-verify-worker/internal/aggregate"
	"github.com/smhunt/meterscience-verify-worker/internal/anomaly"
	"github.com/smhunt/meterscience-verify-worker/internal/config"
	"github.com/smhunt/meterscience-verify-worker/internal/consensus"
	"github.com/smhunt/meterscience-verify-worker/internal/db"
	"github.com/smhunt/meterscience-verify-worker/internal/mq"
	"github.com/smhunt/meterscience-verify-worker/internal/repository"
	"github.com/smhunt/meterscience-verify-worker/internal/service"
	"github.com/smhunt/meterscience-verify-worker/internal/trust"
	"github.com/smhunt/meterscience-verify-worker/internal/validator"
	"github.com/smhunt/meterscience-verify-worker/internal/verification"
	"github.com/smhunt/meterscience-verify-worker/internal/webhook"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// startVoteWorker consumes vote submissions on their own queue
func startVoteWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	votes *service.VoteService,
) (*mq.Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.VoteQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.VoteRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: votes.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting vote consumer",
				zap.String("queue", cfg.RabbitMQ.VoteQueue))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close vote consumer", zap.Error(err))
				return err
			}
			return nil
		},
	})

	return consumer, nil
}

// startAggregationSchedule runs the neighborhood aggregator on a cron schedule
func startAggregationSchedule(
	lc fx.Lifecycle,
	cfg *config.Config,
	aggregator *aggregate.Aggregator,
	logger *zap.Logger,
) error {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(cfg.Aggregate.CronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := aggregator.Recompute(ctx, time.Now().UTC()); err != nil {
			logger.Error("scheduled aggregate recompute failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			scheduler.Start()
			logger.Info("aggregation schedule started", zap.String("spec", cfg.Aggregate.CronSpec))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx := scheduler.Stop()
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
			logger.Info("aggregation schedule stopped")
			return nil
		},
	})

	return nil
}

// startWebhookDispatcher runs the webhook delivery workers
func startWebhookDispatcher(lc fx.Lifecycle, dispatcher *webhook.Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			dispatcher.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			dispatcher.Stop()
			return nil
		},
	})
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool, cfg *config.Config) *repository.Repository {
	return repository.NewRepository(pool, cfg)
}

// ProvideValidator creates a new validator instance
func ProvideValidator() *validator.Validator {
	return validator.NewValidator()
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(
		cfg.Anomaly.SpikeMultiple,
		cfg.Anomaly.MinHistoryForSpike,
		cfg.Anomaly.QueueConfidence,
		cfg.Anomaly.AutoVerifyConfidence,
	)
}

// ProvideTrustLedger creates a new trust ledger instance
func ProvideTrustLedger(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *trust.Ledger {
	return trust.NewLedger(repo, cfg.Trust, logger)
}

// ProvideConsensusEngine creates a new consensus engine instance
func ProvideConsensusEngine(
	repo *repository.Repository,
	ledger *trust.Ledger,
	emitter *service.EventEmitter,
	cfg *config.Config,
	logger *zap.Logger,
) *consensus.Engine {
	return consensus.NewEngine(repo, ledger, emitter, cfg, logger)
}

// ProvideVerificationQueue creates a new verification queue instance
func ProvideVerificationQueue(repo *repository.Repository, logger *zap.Logger) *verification.Queue {
	return verification.NewQueue(repo, logger)
}

// ProvideAggregator creates a new neighborhood aggregator instance
func ProvideAggregator(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *aggregate.Aggregator {
	return aggregate.NewAggregator(repo, cfg.Aggregate, logger)
}

// ProvideWebhookManager creates a new webhook subscription manager instance
func ProvideWebhookManager(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *webhook.Manager {
	return webhook.NewManager(repo, cfg.Webhook, logger)
}

// ProvideWebhookDispatcher creates a new webhook dispatcher instance
func ProvideWebhookDispatcher(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *webhook.Dispatcher {
	return webhook.NewDispatcher(repo, cfg.Webhook, logger)
}

// ProvideEventEmitter creates a new event emitter instance
func ProvideEventEmitter(publisher *mq.Publisher, webhooks *webhook.Manager, logger *zap.Logger) *service.EventEmitter {
	return service.NewEventEmitter(publisher, webhooks, logger)
}

// ProvideVoteService creates a new vote service instance
func ProvideVoteService(engine *consensus.Engine, logger *zap.Logger) *service.VoteService {
	return service.NewVoteService(engine, logger)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	repo *repository.Repository,
	emitter *service.EventEmitter,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(repo, emitter, detector, validator, cfg, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}
