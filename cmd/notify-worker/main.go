package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/diabetactic/appointment-queue/internal/config"
	redisclient "github.com/diabetactic/appointment-queue/internal/redis"
)

// notify-worker tails the resolution notification stream and delivers
// physical follow-up notices. The queue core fires and forgets; everything
// about delivery, retries included, lives here.

type notification struct {
	PatientID                uuid.UUID `json:"patient_id"`
	AppointmentID            uuid.UUID `json:"appointment_id"`
	EmergencyCare            bool      `json:"emergency_care"`
	NeedsPhysicalAppointment bool      `json:"needs_physical_appointment"`
	Instructions             string    `json:"instructions"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("notify-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running notify worker in env=%s stream=%s", cfg.Env, cfg.NotifyStream)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	stream := redisclient.NewNotificationStream(rdb, cfg.NotifyStream)

	// "$" skips history: notices published while no worker was running are
	// the operator's problem, not replayed on every restart.
	cursor := "$"

	for {
		if rootCtx.Err() != nil {
			log.Println("shutdown signal received, stopping notify worker")
			return
		}

		msgs, next, err := stream.Read(rootCtx, cursor, cfg.WorkerBlock)
		if err != nil {
			if rootCtx.Err() != nil {
				log.Println("shutdown signal received, stopping notify worker")
				return
			}
			log.Printf("stream read error: %v", err)
			continue
		}
		cursor = next

		for _, msg := range msgs {
			deliver(msg)
		}
	}
}

func deliver(msg redisclient.Notification) {
	var n notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		log.Printf("skipping malformed notification %s: %v", msg.ID, err)
		return
	}

	// Delivery integration point (SMS/push gateway). For now the notice is
	// logged; the stream entry is consumed either way.
	log.Printf("physical follow-up notice: patient=%s appointment=%s emergency=%t",
		n.PatientID, n.AppointmentID, n.EmergencyCare)
}
