// Package config handles environment variable loading for ports, database
// strings and scheduler toggles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SchedulerFeatures is the explicit toggle set threaded through the
// scheduler's constructor. Keeping it a plain struct (instead of ambient
// global lookups) makes both toggle states unit-testable.
type SchedulerFeatures struct {
	// FairScheduling orders candidates so projects with fewer running
	// jobs are served first. When false the queue degrades to strict
	// FIFO, the disaster-recovery override for when fairness bookkeeping
	// itself becomes the bottleneck.
	FairScheduling bool

	// MaxAssignAttempts bounds optimistic-lock retries per poll request.
	MaxAssignAttempts int

	// LockTTL is the lifetime of the per-job scheduling lock.
	LockTTL time.Duration

	// MaxPendingPerPipeline is the queue-depth safety valve; 0 disables it.
	MaxPendingPerPipeline int
}

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// OTLP collector endpoint for tracing
	OTELEndpoint string

	Scheduler SchedulerFeatures

	// RunnerPollRate caps per-runner poll frequency on the controller
	// side, in requests per second; 0 disables limiting.
	RunnerPollRate  float64
	RunnerPollBurst int

	// Runner agent settings
	ControllerURL      string
	RunnerToken        string
	RunnerPollInterval time.Duration
	RunnerConcurrency  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	port, err := intEnv("PORT", 6171)
	if err != nil {
		return nil, err
	}

	fair, err := boolEnv("SCHEDULER_FAIR", true)
	if err != nil {
		return nil, err
	}
	attempts, err := intEnv("SCHEDULER_MAX_ATTEMPTS", 10)
	if err != nil {
		return nil, err
	}
	lockTTL, err := durationEnv("SCHEDULER_LOCK_TTL", 10*time.Second)
	if err != nil {
		return nil, err
	}
	maxPending, err := intEnv("SCHEDULER_MAX_PENDING_PER_PIPELINE", 0)
	if err != nil {
		return nil, err
	}

	pollInterval, err := durationEnv("RUNNER_POLL_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, err
	}
	concurrency, err := intEnv("RUNNER_CONCURRENCY", 1)
	if err != nil {
		return nil, err
	}

	pollRate, err := floatEnv("RUNNER_POLL_RATE", 0)
	if err != nil {
		return nil, err
	}
	pollBurst, err := intEnv("RUNNER_POLL_BURST", 1)
	if err != nil {
		return nil, err
	}

	controllerURL := os.Getenv("CONTROLLER_URL")
	if controllerURL == "" {
		controllerURL = "http://localhost:6171"
	}

	return &Config{
		DatabaseURL:  dbURL,
		HTTPPort:     port,
		OTELEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Scheduler: SchedulerFeatures{
			FairScheduling:        fair,
			MaxAssignAttempts:     attempts,
			LockTTL:               lockTTL,
			MaxPendingPerPipeline: maxPending,
		},
		RunnerPollRate:     pollRate,
		RunnerPollBurst:    pollBurst,
		ControllerURL:      controllerURL,
		RunnerToken:        os.Getenv("RUNNER_TOKEN"),
		RunnerPollInterval: pollInterval,
		RunnerConcurrency:  concurrency,
	}, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func boolEnv(name string, def bool) (bool, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func floatEnv(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
