package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"tipline-service/internal/access"
	"tipline-service/internal/audit"
	"tipline-service/internal/bucketing"
	"tipline-service/internal/client"
	"tipline-service/internal/config"
	"tipline-service/internal/crypto"
	"tipline-service/internal/gate"
	"tipline-service/internal/hashing"
	"tipline-service/internal/otp"
	redisrepo "tipline-service/internal/repository/redis"
	"tipline-service/internal/repository/scylla"
	"tipline-service/internal/service"
	"tipline-service/internal/token"
	"tipline-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	envelopeManager  *crypto.EnvelopeManager
	tokenCodec       *token.Codec
	bucketingManager *bucketing.Manager

	// Repositories
	tenantRepository     *scylla.TenantRepository
	submissionRepository *scylla.SubmissionRepository
	codeRepository       *scylla.CodeRepository
	attemptRepository    *scylla.AttemptRepository
	throttleCache        *redisrepo.VerifyThrottleCache
	sessionStore         *redisrepo.SessionStore

	// Services
	admissionGate     *gate.Gate
	auditRecorder     *audit.Recorder
	tenantService     *service.TenantService
	submissionService *service.SubmissionService
	otpService        *otp.Service
	arbiter           *access.Arbiter

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration, initializes logging and brings up every
// client, manager, repository and service in dependency order.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

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
	factory.initializeRepositories()
	if err := factory.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.Security.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients brings up all external service clients with health checks.
// Redis and Scylla are hard dependencies; the audit sinks degrade to warnings
// outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - proceeding without audit search", util.ErrorField(err))
	} else {
		f.esClient = c
		if err := f.esClient.HealthCheck(); err != nil {
			util.Warn("Elasticsearch health check failed", util.ErrorField(err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without audit archive", util.ErrorField(err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers builds the crypto, hashing, token and bucketing managers.
func (f *Factory) initializeManagers() error {
	sec := f.config.Security

	var kmsClient *kms.Client
	if sec.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(sec.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	envelope, err := crypto.NewEnvelopeManager(sec, kmsClient)
	if err != nil {
		return fmt.Errorf("failed to initialize envelope manager: %w", err)
	}
	f.envelopeManager = envelope

	hasher, err := hashing.NewHasher(sec.MasterSecret, hashing.DefaultParams)
	if err != nil {
		return fmt.Errorf("failed to initialize hasher: %w", err)
	}
	f.hasher = hasher

	codec, err := token.NewCodec(sec)
	if err != nil {
		return fmt.Errorf("failed to initialize token codec: %w", err)
	}
	f.tokenCodec = codec

	f.bucketingManager = bucketing.NewManager(f.config.Bucketing)

	util.Info("Managers initialized successfully",
		util.Bool("kms_wrapping", sec.KMS.Enabled),
	)
	return nil
}

func (f *Factory) initializeRepositories() {
	f.tenantRepository = scylla.NewTenantRepository(f.scyllaClient)
	f.submissionRepository = scylla.NewSubmissionRepository(f.scyllaClient)
	f.codeRepository = scylla.NewCodeRepository(f.scyllaClient)
	f.attemptRepository = scylla.NewAttemptRepository(f.scyllaClient, f.bucketingManager)
	f.throttleCache = redisrepo.NewVerifyThrottleCache(f.redisClient, f.config.OTP)
	f.sessionStore = redisrepo.NewSessionStore(f.redisClient)
}

func (f *Factory) initializeServices() error {
	f.admissionGate = gate.NewGate(f.attemptRepository, f.hasher)

	f.auditRecorder = audit.NewRecorder(
		f.attemptRepository,
		f.clickhouseClient,
		f.kafkaProducer,
		f.esClient,
		f.bucketingManager,
		f.config,
		util.Get(),
	)

	f.tenantService = service.NewTenantService(f.tenantRepository, f.envelopeManager, util.Get())

	f.submissionService = service.NewSubmissionService(
		f.submissionRepository,
		f.tenantRepository,
		f.envelopeManager,
		f.hasher,
		f.admissionGate,
		f.tokenCodec,
		f.auditRecorder,
		util.Get(),
	)

	email, err := otp.NewEmailSender(f.config.Delivery)
	if err != nil {
		return err
	}
	sms, err := otp.NewSMSSender(f.config.Delivery)
	if err != nil {
		return err
	}
	f.otpService = otp.NewService(
		f.codeRepository,
		f.throttleCache,
		f.hasher,
		email,
		sms,
		f.config.OTP,
		util.Get(),
	)

	f.arbiter = access.NewArbiter(
		f.sessionStore,
		f.sessionStore,
		f.submissionRepository,
		f.tenantRepository,
		f.tokenCodec,
		util.Get(),
	)

	return nil
}

// ==============================
// Accessors
// ==============================

func (f *Factory) Config() *config.Config { return f.config }

func (f *Factory) Hasher() *hashing.Hasher { return f.hasher }

func (f *Factory) TenantService() *service.TenantService { return f.tenantService }

func (f *Factory) SubmissionService() *service.SubmissionService { return f.submissionService }

func (f *Factory) OTPService() *otp.Service { return f.otpService }

func (f *Factory) Arbiter() *access.Arbiter { return f.arbiter }

func (f *Factory) AuditRecorder() *audit.Recorder { return f.auditRecorder }

func (f *Factory) SessionStore() *redisrepo.SessionStore { return f.sessionStore }

// Close shuts down all clients exactly once, in reverse dependency order.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		close(f.closed)
		util.Sync()
		util.Info("Factory shutdown complete")
	})
}
