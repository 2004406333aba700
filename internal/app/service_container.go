package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bridge-backend/internal/clients"
	"bridge-backend/internal/config"
	"bridge-backend/internal/db"
	"bridge-backend/internal/models"
	"bridge-backend/internal/observer"
	"bridge-backend/internal/repository"
	"bridge-backend/internal/services"
	"bridge-backend/internal/transport"
)

// ServiceContainer owns every long-lived component of one operator
// process, wired bottom-up: database, repositories, chain clients,
// operator transport, then the services that drive the bridge.
type ServiceContainer struct {
	Config *config.Config
	DB     *gorm.DB

	// Repositories
	AddressRepo  repository.AddressRepository
	LedgerRepo   repository.LedgerRepository
	StateRepo    repository.StateRepository
	KeyShareRepo repository.KeyShareRepository

	// Chain clients
	MoneroClient *clients.MoneroClient
	EVMClient    *clients.EVMClient

	// Operator transport
	Registry  *transport.Registry
	Transport transport.Transport
	loopback  *transport.MemoryNetwork

	// Observers
	DepositObserver    *observer.Observer
	WithdrawalObserver *observer.Observer

	// Services
	AttestationStore *services.AttestationStore
	SigningService   *services.SigningService
	AddressService   *services.AddressService
	StatusService    *services.StatusService
	Orchestrator     *services.Orchestrator
}

// NewServiceContainer builds the full dependency graph. Nothing is
// started yet; Start brings the process up in dependency order.
func NewServiceContainer(cfg *config.Config) (*ServiceContainer, error) {
	logrus.Info("🚀 Initializing service container...")

	c := &ServiceContainer{Config: cfg}

	database, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	c.DB = database

	c.AddressRepo = repository.NewAddressRepository(database)
	c.LedgerRepo = repository.NewLedgerRepository(database)
	c.StateRepo = repository.NewStateRepository(database)
	c.KeyShareRepo = repository.NewKeyShareRepository(database)

	c.MoneroClient = clients.NewMoneroClient(cfg.Monero)
	c.EVMClient, err = clients.NewEVMClient(cfg.EVM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize EVM client: %w", err)
	}

	c.Registry, err = transport.NewRegistry(&cfg.Operator)
	if err != nil {
		return nil, fmt.Errorf("failed to build operator registry: %w", err)
	}

	if cfg.NATS.URL != "" {
		c.Transport, err = transport.NewNATSTransport(cfg.NATS, c.Registry)
		if err != nil {
			return nil, fmt.Errorf("failed to connect operator transport: %w", err)
		}
	} else {
		// No NATS configured: run the protocol against an in-process
		// loopback. Only sound for a single-operator deployment.
		if cfg.TotalOperators() > 1 {
			return nil, fmt.Errorf("nats.url is required for %d operators", cfg.TotalOperators())
		}
		logrus.Warn("⚠️ No NATS URL configured, using in-process loopback transport")
		c.loopback = transport.NewMemoryNetwork()
		c.Transport = c.loopback.Join(cfg.Operator.ParticipantID)
	}

	c.AttestationStore = services.NewAttestationStore(cfg.Operator.ParticipantID)
	c.SigningService = services.NewSigningService(
		cfg.Operator,
		c.Registry,
		c.Transport,
		c.KeyShareRepo,
		c.StateRepo,
		c.AttestationStore,
	)

	c.AddressService = services.NewAddressService(
		c.AddressRepo,
		services.NewMoneroDeriver(c.MoneroClient),
		cfg.Monero.AccountIndex,
	)

	c.DepositObserver = observer.New(
		observer.NewMoneroSource(c.MoneroClient, cfg.Monero.AccountIndex),
		c.StateRepo,
		c.LedgerRepo.IsDepositProcessed,
		models.StateKeyDepositHeight,
		uint64(cfg.Monero.MinConfirmations),
		time.Duration(cfg.Monero.PollInterval)*time.Second,
		cfg.Bridge.EventBuffer,
	)
	c.WithdrawalObserver = observer.New(
		observer.NewEVMSource(c.EVMClient),
		c.StateRepo,
		c.LedgerRepo.IsWithdrawalProcessed,
		models.StateKeyWithdrawalHeight,
		uint64(cfg.EVM.MinConfirmations),
		time.Duration(cfg.EVM.PollInterval)*time.Second,
		cfg.Bridge.EventBuffer,
	)

	c.StatusService = services.NewStatusService(
		cfg,
		c.SigningService,
		c.AddressService,
		c.StateRepo,
		c.MoneroClient,
		c.EVMClient,
	)

	c.Orchestrator = services.NewOrchestrator(
		cfg,
		c.DepositObserver,
		c.WithdrawalObserver,
		c.AddressService,
		c.LedgerRepo,
		c.SigningService,
		c.AttestationStore,
		c.Transport,
		c.EVMClient,
		c.MoneroClient,
		c.StatusService,
	)

	logrus.Info("✅ Service container initialized")
	return c, nil
}

// Start brings the operator up: transport first so DKG traffic flows,
// then the signer (which blocks until a group key exists), then the
// observers and the pipeline that consumes them.
func (c *ServiceContainer) Start(ctx context.Context) error {
	if err := c.Transport.Start(c.Orchestrator.HandleEnvelope); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	c.SigningService.Start()
	c.StatusService.Start()

	if err := c.SigningService.EnsureKey(ctx); err != nil {
		return fmt.Errorf("group key unavailable: %w", err)
	}
	logrus.WithField("groupKey", c.SigningService.GroupKeyHex()).Info("🔑 Group key ready")

	c.Orchestrator.Start()
	c.DepositObserver.Start()
	c.WithdrawalObserver.Start()

	logrus.Info("✅ Bridge operator running")
	return nil
}

// Stop tears the process down in reverse order: observers stop feeding,
// the orchestrator drains, then signer, status hub and transport close.
func (c *ServiceContainer) Stop() {
	logrus.Info("🧹 Shutting down service container...")

	c.DepositObserver.Stop()
	c.WithdrawalObserver.Stop()
	c.Orchestrator.Stop()
	c.SigningService.Stop()
	c.StatusService.Stop()

	if err := c.Transport.Close(); err != nil {
		logrus.WithError(err).Warn("Transport close failed")
	}
	c.EVMClient.Close()

	if sqlDB, err := c.DB.DB(); err == nil {
		sqlDB.Close()
	}

	logrus.Info("✅ Service container stopped")
}
