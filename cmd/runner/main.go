// Package main is the entry point for the pipeforge runner agent.
// The agent polls the controller for jobs, executes their scripts and
// reports results. It owns concurrency, timeouts and process management.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pipeforge/internal/config"
	"pipeforge/internal/logger"
	"pipeforge/internal/observability"
	"pipeforge/internal/runner"
	"pipeforge/internal/runner/runtime"
)

func main() {
	// Parse flags
	featuresFlag := flag.String("features", "", "Comma-separated capability names this runner advertises")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.RunnerToken == "" {
		log.Fatal("RUNNER_TOKEN is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "pipeforge-runner", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	features := map[string]bool{}
	for _, name := range strings.Split(*featuresFlag, ",") {
		if name = strings.TrimSpace(name); name != "" {
			features[name] = true
		}
	}

	client := runner.NewClient(cfg.ControllerURL, cfg.RunnerToken)
	agent := runner.New(client, runtime.NewExecRuntime(), runner.AgentConfig{
		Concurrency:  cfg.RunnerConcurrency,
		PollInterval: cfg.RunnerPollInterval,
		Features:     features,
	}, logger.New())

	log.Printf("Runner agent started with concurrency %d", cfg.RunnerConcurrency)
	go agent.Run(ctx)

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Start a dedicated metrics server on port 6172
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Println("Runner metrics listening on :6172")
		if err := http.ListenAndServe(":6172", mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down runner agent...")
	cancel()

	<-agent.Done()
}
