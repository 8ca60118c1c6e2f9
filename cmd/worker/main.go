package main

import (
	"context"
	"log"
	"os"

	"atelierapi/dbhelper"
	"atelierapi/services"
	"atelierapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/hibiken/asynq"
)

func runScheduler() {

	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")}, &asynq.SchedulerOpts{

		LogLevel: asynq.InfoLevel,
	})

	entries := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "* * * * *",
			task: tasks.NewRetrySweepTask(),
			desc: "Due retry republishing",
		},
		{
			cron: "0 * * * *",
			task: tasks.NewStuckSweepTask(),
			desc: "Stuck request cleanup",
		},
	}

	for _, t := range entries {
		entryID, err := scheduler.Register(t.cron, t.task)
		if err != nil {
			log.Fatalf("Failed to register task '%s': %v", t.desc, err)
		}
		log.Printf("Registered task '%s' with ID: %s, cron: %s", t.desc, entryID, t.cron)
	}

	log.Println("Starting scheduler...")
	if err := scheduler.Run(); err != nil {
		log.Fatalf("Scheduler failed: %v", err)
	}
}

func main() {
	// retries outrank fresh work so delayed requests are not starved by
	// new submissions
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			tasks.QueueRetries:  6,
			tasks.QueueGenerate: 4,
		}},
	)
	awsService := &services.AWSService{}
	processor := &services.GoogleGenerationClient{Model: services.Flash25Image}
	err := awsService.InitPresignClient(context.Background())
	if err != nil {
		log.Fatal("[Queue] Failed to initialize AWS provider: S3")
	}
	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}

	mux := asynq.NewServeMux()
	db := dbhelper.SetupDB()
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")})
	defer asynqClient.Close()
	limiter := &services.RateLimiter{DB: db}
	if err := limiter.EnsureScope(services.VendorRateScope); err != nil {
		log.Fatalf("[Queue] Failed to seed rate limit scope: %v", err)
	}

	mux.HandleFunc(tasks.TypeCalibration, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleCalibrationTask(ctx, t, db, processor, awsService, limiter, asynqClient, app)
	})
	mux.HandleFunc(tasks.TypeGeneration, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleGenerationTask(ctx, t, db, processor, awsService, limiter, app)
	})
	mux.HandleFunc(tasks.TypeRetrySweep, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleRetrySweepTask(ctx, t, db, asynqClient)
	})
	mux.HandleFunc(tasks.TypeStuckSweep, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleStuckSweepTask(ctx, t, db)
	})

	go runScheduler()
	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
