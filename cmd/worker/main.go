package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/portal28/academy/internal/app"
	"github.com/portal28/academy/internal/config"
	"github.com/portal28/academy/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.String("once", "", "run one job (segment-evaluation or automation-scheduler) and exit")
	flag.Parse()

	log.Println("Starting Portal28 worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg.Logging)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer a.Close()
	if a.Redis == nil {
		log.Println("REDIS_URL not set, using Postgres advisory locks")
	}

	runner := worker.NewRunner(a.DB, a.Redis)
	if cfg.Segmentation.Enabled || *once == worker.SegmentJobName {
		if err := runner.Add(worker.SegmentJob(a.Segments, cfg.Segmentation.Interval())); err != nil {
			log.Fatalf("register segment job: %v", err)
		}
	}
	if cfg.Scheduler.Enabled || *once == worker.SchedulerJobName {
		if err := runner.Add(worker.SchedulerJob(a.Scheduler, cfg.Scheduler.Interval())); err != nil {
			log.Fatalf("register scheduler job: %v", err)
		}
	}

	if *once != "" {
		ran, err := runner.RunNow(context.Background(), *once)
		if err != nil {
			log.Fatalf("%s failed: %v", *once, err)
		}
		if !ran {
			log.Printf("%s skipped: lock held by another worker", *once)
		}
		return
	}

	if err := runner.Start(); err != nil {
		log.Fatalf("start runner: %v", err)
	}
	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	runner.Stop()
	log.Println("Worker stopped")
}
