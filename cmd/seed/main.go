package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diabetactic/appointment-queue/internal/db"
	"github.com/diabetactic/appointment-queue/internal/queue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	patientCount := getInt("SEED_PATIENTS", 2000)
	entryCount := getInt("SEED_ENTRIES", 30)
	capacity := getInt("SEED_QUEUE_SIZE", 50)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	patients, err := seedPatients(context.Background(), pool, patientCount)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	if err := seedQueue(context.Background(), pool, patients, entryCount, capacity); err != nil {
		log.Fatalf("seed queue: %v", err)
	}

	log.Println("seed complete")
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	return ids, nil
}

// seedQueue admits a handful of patients and walks some of them further
// along the lifecycle so the backoffice views have data on a fresh stack.
func seedQueue(ctx context.Context, pool *pgxpool.Pool, patients []uuid.UUID, count, capacity int) error {
	if count > len(patients) {
		count = len(patients)
	}
	log.Printf("seeding %d queue entries (capacity %d)", count, capacity)

	repo := queue.NewPgRepository(pool)

	if err := repo.SetCapacity(ctx, capacity); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		entry, err := repo.SubmitEntry(ctx, patients[i], capacity)
		if err != nil {
			return err
		}

		// Roughly: half stay pending, a third get accepted, the rest denied.
		switch gofakeit.Number(0, 5) {
		case 0, 1:
			if _, err := repo.UpdateEntryState(ctx, entry.Placement, queue.StatePending, queue.StateAccepted); err != nil {
				return err
			}
		case 2:
			if _, err := repo.UpdateEntryState(ctx, entry.Placement, queue.StatePending, queue.StateDenied); err != nil {
				return err
			}
		}
	}

	log.Println("queue entries seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
