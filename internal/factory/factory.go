package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"gate-service/internal/audit"
	"gate-service/internal/bucketing"
	"gate-service/internal/cache"
	"gate-service/internal/client"
	"gate-service/internal/config"
	"gate-service/internal/dispatch"
	"gate-service/internal/encryption"
	"gate-service/internal/hashing"
	"gate-service/internal/identity"
	"gate-service/internal/repository/scylla"
	"gate-service/internal/service"
	"gate-service/internal/util"
)

// Factory owns the lifecycle of every external client and wires the
// repositories, caches, and services on top of them.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	deriver           *identity.Deriver

	// Cache tier
	dualStore   *cache.DualStore
	rateLimiter *cache.RateLimiter

	// Repositories
	identityRepository     *scylla.IdentityRepository
	verificationRepository *scylla.VerificationRepository
	codeRepository         *scylla.CodeRepository
	jobRepository          *scylla.JobRepository

	// Dispatch and audit
	dispatcher dispatch.Dispatcher
	recorder   *audit.Recorder

	serviceFactory *service.Factory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes every dependency.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeServices()

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
	)

	return factory, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		}
	}

	// Kafka is optional; without it codes are logged instead of delivered.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed, proceeding without delivery dispatch", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical client initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Client initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.encryptionManager = encryption.NewManager(f.config, f.kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)
	f.deriver = identity.NewDeriver(f.config.Hashing.PhoneSalt)

	if f.redisClient != nil {
		f.dualStore = cache.NewDualStore(f.redisClient)
		f.rateLimiter = cache.NewRateLimiter(f.dualStore)
	} else {
		return fmt.Errorf("fast store unavailable: redis client not initialized")
	}

	return nil
}

func (f *Factory) initializeServices() {
	f.identityRepository = scylla.NewIdentityRepository(f.scyllaClient, f.bucketingManager)
	f.verificationRepository = scylla.NewVerificationRepository(f.scyllaClient)
	f.codeRepository = scylla.NewCodeRepository(f.scyllaClient)
	f.jobRepository = scylla.NewJobRepository(f.scyllaClient)

	if f.kafkaProducer != nil {
		f.dispatcher = dispatch.NewKafkaDispatcher(f.kafkaProducer, f.config)
	} else {
		f.dispatcher = dispatch.NopDispatcher{}
	}

	f.recorder = audit.NewRecorder(f.clickhouseClient, f.esClient, f.bucketingManager)

	f.serviceFactory = service.NewFactory(service.Dependencies{
		Config:        f.config,
		Store:         f.dualStore,
		Limiter:       f.rateLimiter,
		Hasher:        f.hasher,
		Encryptor:     f.encryptionManager,
		Deriver:       f.deriver,
		Dispatcher:    f.dispatcher,
		Recorder:      f.recorder,
		Identities:    f.identityRepository,
		Verifications: f.verificationRepository,
		Codes:         f.codeRepository,
		Jobs:          f.jobRepository,
	})
}

// HealthCheck probes every initialized client.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Kafka and the analytics sinks degrade gracefully.
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

// Close shuts every client down once, producers before stores.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		// The recorder drains its decision buffer before the sink goes away.
		f.recorder.Close()

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) ServiceFactory() *service.Factory {
	return f.serviceFactory
}
