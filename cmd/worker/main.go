package main

import (
	"context"
	"log"
	"os"

	"natakapi/dbhelper"
	"natakapi/services"
	"natakapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

func runScheduler() {

	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")}, &asynq.SchedulerOpts{
		LogLevel: asynq.InfoLevel,
	})

	scheduled := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "*/10 * * * *",
			task: tasks.NewStuckJobSweepTask(),
			desc: "Stuck generation job sweep",
		},
	}

	for _, t := range scheduled {
		entryID, err := scheduler.Register(t.cron, t.task, asynq.Queue("ops"))
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
	godotenv.Load()

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			"generate": 7,
			"ops":      1,
		}},
	)
	awsService := &services.AWSService{}
	if err := awsService.InitClient(context.Background()); err != nil {
		log.Fatal("[Queue] Failed to initialize AWS provider: S3")
	}
	falService := &services.FalService{}
	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}

	mux := asynq.NewServeMux()
	db := dbhelper.SetupDB()
	mux.HandleFunc("generate:job", func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleGenerationJobTask(ctx, t, db, falService, awsService, app)
	})
	mux.HandleFunc("ops:stuck_sweep", func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleStuckJobSweepTask(ctx, t, db)
	})

	go runScheduler()
	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
