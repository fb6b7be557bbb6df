package config

import "time"

// ExecutorConfig holds the Executor's tunables. It is constructed explicitly
// at startup - there is no ambient process global, so two Executors in the
// same process (e.g. in tests) never share state through configuration.
// saga.NewExecutor and recovery.NewCoordinator take their own Options
// structs, so a caller copies the fields it needs into them;
// DefaultSagaTimeout, LeaseRenewInterval and MaxConcurrentSagas have no
// counterpart there and are not applied by either.
type ExecutorConfig struct {
	// DefaultStepTimeout applies to any step that does not declare its own.
	DefaultStepTimeout time.Duration

	// DefaultSagaTimeout bounds the whole saga if the definition does not
	// declare one.
	DefaultSagaTimeout time.Duration

	// DefaultLockTTL is used for resource locks acquired by a saga that does
	// not request a specific TTL.
	DefaultLockTTL time.Duration

	// StuckThreshold is how long a saga may sit in executing/compensating
	// with no progress before the Recovery Coordinator considers it
	// abandoned.
	StuckThreshold time.Duration

	// LeaseRenewInterval is the cadence at which held locks are renewed.
	// Must be <= DefaultLockTTL/3 per the lock manager's renewal contract.
	LeaseRenewInterval time.Duration

	// MaxConcurrentSagas bounds the number of sagas the Executor will run at
	// once. Zero means unbounded.
	MaxConcurrentSagas int
}

// DefaultExecutorConfig returns production-sane defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultStepTimeout: 30 * time.Second,
		DefaultSagaTimeout: 5 * time.Minute,
		DefaultLockTTL:     30 * time.Second,
		StuckThreshold:     2 * time.Minute,
		LeaseRenewInterval: 10 * time.Second,
		MaxConcurrentSagas: 0,
	}
}

// ExecutorConfigFromConfig builds an ExecutorConfig by overlaying a Config
// onto DefaultExecutorConfig, for deployments that load settings from
// executor.yaml.
func ExecutorConfigFromConfig(c Config) ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.DefaultStepTimeout = c.Duration("default_step_timeout", cfg.DefaultStepTimeout)
	cfg.DefaultSagaTimeout = c.Duration("default_saga_timeout", cfg.DefaultSagaTimeout)
	cfg.DefaultLockTTL = c.Duration("default_lock_ttl", cfg.DefaultLockTTL)
	cfg.StuckThreshold = c.Duration("stuck_threshold", cfg.StuckThreshold)
	cfg.LeaseRenewInterval = c.Duration("lease_renew_interval", cfg.LeaseRenewInterval)
	cfg.MaxConcurrentSagas = c.Int("max_concurrent_sagas", cfg.MaxConcurrentSagas)
	return cfg
}
