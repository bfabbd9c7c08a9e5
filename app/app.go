// Package app provides the main application context for conductor, wiring the database and engine services.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/oar-cd/conductor/api"
	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/config"
	"github.com/oar-cd/conductor/db"
	"github.com/oar-cd/conductor/encryption"
	"github.com/oar-cd/conductor/metrics"
	"github.com/oar-cd/conductor/notify"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/repository"
	"github.com/oar-cd/conductor/runner"
	"github.com/oar-cd/conductor/scheduler"
	"github.com/oar-cd/conductor/targets"
	"github.com/oar-cd/conductor/vault"
)

// RunEngine is the run engine surface shared by the API and the CLI
type RunEngine interface {
	api.Engine
	Recover(ctx context.Context) (int, error)
	// IsActive reports whether a run may still be executing in any process
	IsActive(runID uuid.UUID) bool
	Wait()
	Shutdown(ctx context.Context) error
}

var (
	// Version is set at build time via -ldflags
	Version = "dev"

	database      *gorm.DB
	appConfig     *config.Config
	encryptionSvc *encryption.EncryptionService
	appMetrics    *metrics.Metrics

	serverRepo   repository.ServerRepository
	groupRepo    repository.ServerGroupRepository
	playbookRepo repository.PlaybookRepository
	vaultRepo    repository.VaultRepository
	formRepo     repository.FormRepository
	runRepo      repository.RunRepository
	auditRepo    repository.AuditRepository

	auditRecorder *audit.Recorder
	vaultResolver *vault.Resolver
	engine        RunEngine
	runScheduler  *scheduler.Scheduler
)

// InitializeWithConfig initializes the app with a pre-configured Config
func InitializeWithConfig(cfg *config.Config) error {
	var err error

	// Store the provided config
	appConfig = cfg

	// Ensure required directories exist
	if err := os.MkdirAll(appConfig.DataDir, 0o755); err != nil {
		return err
	}
	// Decrypted vault material lands here
	if err := os.MkdirAll(appConfig.TmpDir, 0o700); err != nil {
		return err
	}

	// Initialize database using config, migrations included
	database, err = db.InitDB(appConfig.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize encryption service
	encryptionSvc, err = encryption.NewEncryptionService(appConfig.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// Private registry so tests can initialize the app repeatedly
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics = metrics.New(registry)

	// Initialize repositories
	serverRepo = repository.NewServerRepository(database, encryptionSvc)
	groupRepo = repository.NewServerGroupRepository(database, encryptionSvc)
	playbookRepo = repository.NewPlaybookRepository(database)
	vaultRepo = repository.NewVaultRepository(database, encryptionSvc)
	formRepo = repository.NewFormRepository(database)
	runRepo = repository.NewRunRepository(database)
	auditRepo = repository.NewAuditRepository(database)

	// Initialize services with dependency injection
	auditRecorder = audit.NewRecorder(auditRepo, audit.LogAlerter{}, appMetrics, appConfig.AuditRetries)
	vaultResolver = vault.NewResolver(vaultRepo, auditRecorder, appConfig.TmpDir)

	// Run execution over SSH
	executor := runner.New(
		runner.NewSSHDialer(appConfig.SSHConnectTimeout, appConfig.CancelGracePeriod),
		vaultResolver,
		runner.Options{
			PlaybookCommand: appConfig.PlaybookCommand,
			RemoteTmpDir:    appConfig.RemoteTmpDir,
			CancelGrace:     appConfig.CancelGracePeriod,
		},
	)

	notifier := notify.NewService(notify.SMTPConfig{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		From:     appConfig.SMTPFrom,
	}, 0)

	// The engine shares server leases with every process on this database
	orch := orchestrator.New(orchestrator.Deps{
		Forms:     formRepo,
		Playbooks: playbookRepo,
		Runs:      runRepo,
		Leases:    repository.NewServerLeaseRepository(database),
		Targets:   targets.NewResolver(serverRepo, groupRepo),
		Executor:  executor,
		Audit:     auditRecorder,
		Notifier:  notifier,
		Metrics:   appMetrics,
	}, orchestrator.Options{
		MaxConcurrentRuns: appConfig.MaxConcurrentRuns,
		ServerLockWait:    appConfig.ServerLockWait,
		RunTimeout:        appConfig.RunTimeout,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})

	engine = orch

	runScheduler = scheduler.New(formRepo, orch, auditRecorder, appMetrics, scheduler.Options{
		PollInterval: appConfig.PollInterval,
		Location:     appConfig.Location(),
		WebhookRate:  appConfig.WebhookRateLimit,
		WebhookBurst: appConfig.WebhookBurst,
	})

	return nil
}

func GetConfig() *config.Config {
	return appConfig
}

func GetDatabase() *gorm.DB {
	return database
}

func GetMetrics() *metrics.Metrics {
	return appMetrics
}

func GetEncryptionService() *encryption.EncryptionService {
	return encryptionSvc
}

func GetServerRepository() repository.ServerRepository {
	return serverRepo
}

func GetServerGroupRepository() repository.ServerGroupRepository {
	return groupRepo
}

func GetPlaybookRepository() repository.PlaybookRepository {
	return playbookRepo
}

func GetVaultRepository() repository.VaultRepository {
	return vaultRepo
}

func GetFormRepository() repository.FormRepository {
	return formRepo
}

func GetAuditRecorder() *audit.Recorder {
	return auditRecorder
}

func GetVaultResolver() *vault.Resolver {
	return vaultResolver
}

func GetEngine() RunEngine {
	return engine
}

func GetScheduler() *scheduler.Scheduler {
	return runScheduler
}

// SetEngineForTesting allows overriding the run engine for testing purposes
func SetEngineForTesting(e RunEngine) {
	engine = e
}

// SetSchedulerForTesting allows overriding the scheduler for testing purposes
func SetSchedulerForTesting(s *scheduler.Scheduler) {
	runScheduler = s
}
