package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diabetactic/appointment-queue/internal/config"
	"github.com/diabetactic/appointment-queue/internal/db"
)

// Load simulator for the queue API. Workers push random patients through
// the lifecycle (submit, accept/deny, appointment detail, resolution) while
// others read states and placements, so capacity conflicts and transition
// races show up in the report as conflicts rather than errors.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	SubmitRatio  float64
	DecideRatio  float64
	DetailRatio  float64
	ResolveRatio float64
	ReadRatio    float64
	PatientLimit int
	PostgresDSN  string
}

type DataPool struct {
	Patients []uuid.UUID

	mu           sync.RWMutex
	pending      []int64     // placements awaiting accept/deny
	accepted     []int64     // placements awaiting appointment detail
	appointments []uuid.UUID // created appointments awaiting resolution
}

func (dp *DataPool) AddPending(placement int64) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.pending = append(dp.pending, placement)
}

func (dp *DataPool) TakePending(rng *rand.Rand) (int64, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return takeRandom(&dp.pending, rng)
}

func (dp *DataPool) AddAccepted(placement int64) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.accepted = append(dp.accepted, placement)
}

func (dp *DataPool) TakeAccepted(rng *rand.Rand) (int64, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return takeRandom(&dp.accepted, rng)
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) TakeAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.appointments))
	id := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return id, true
}

func takeRandom(s *[]int64, rng *rand.Rand) (int64, bool) {
	if len(*s) == 0 {
		return 0, false
	}
	idx := rng.Intn(len(*s))
	v := (*s)[idx]
	(*s)[idx] = (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return v, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Submit  OperationMetrics
	Decide  OperationMetrics
	Detail  OperationMetrics
	Resolve OperationMetrics
	Read    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d submit=%.2f decide=%.2f detail=%.2f resolve=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.SubmitRatio, cfg.DecideRatio, cfg.DetailRatio, cfg.ResolveRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients", len(dataPool.Patients))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDurationEnv("SIM_DURATION", 30*time.Second),
		Workers:      getIntEnv("SIM_WORKERS", 10),
		SubmitRatio:  getFloat("SIM_SUBMIT_RATIO", 0.35),
		DecideRatio:  getFloat("SIM_DECIDE_RATIO", 0.2),
		DetailRatio:  getFloat("SIM_DETAIL_RATIO", 0.1),
		ResolveRatio: getFloat("SIM_RESOLVE_RATIO", 0.05),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getIntEnv("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.SubmitRatio + cfg.DecideRatio + cfg.DetailRatio + cfg.ResolveRatio + cfg.ReadRatio
	if total > 0 {
		cfg.SubmitRatio /= total
		cfg.DecideRatio /= total
		cfg.DetailRatio /= total
		cfg.ResolveRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.SubmitRatio:
				s.doSubmit(ctx, rng)
			case r < s.config.SubmitRatio+s.config.DecideRatio:
				s.doDecide(ctx, rng)
			case r < s.config.SubmitRatio+s.config.DecideRatio+s.config.DetailRatio:
				s.doDetail(ctx, rng)
			case r < s.config.SubmitRatio+s.config.DecideRatio+s.config.DetailRatio+s.config.ResolveRatio:
				s.doResolve(ctx, rng)
			default:
				s.doRead(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doSubmit(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()

	body, _ := json.Marshal(map[string]string{"patient_id": patientID.String()})
	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/queue/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var entry struct {
				Placement int64 `json:"placement"`
			}
			if json.NewDecoder(resp.Body).Decode(&entry) == nil && entry.Placement > 0 {
				s.pool.AddPending(entry.Placement)
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Submit.Record(latency, success, conflict)
}

// doDecide accepts most pending entries and denies the rest, mirroring what
// a backoffice admin does while patients keep submitting.
func (s *Simulator) doDecide(ctx context.Context, rng *rand.Rand) {
	placement, ok := s.pool.TakePending(rng)
	if !ok {
		return
	}

	verb := "accept"
	accepted := rng.Float64() < 0.7
	if !accepted {
		verb = "deny"
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "PUT",
		fmt.Sprintf("%s/queue/%s/%d", s.config.APIBaseURL, verb, placement), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
			if accepted {
				s.pool.AddAccepted(placement)
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Decide.Record(latency, success, conflict)
}

func (s *Simulator) doDetail(ctx context.Context, rng *rand.Rand) {
	placement, ok := s.pool.TakeAccepted(rng)
	if !ok {
		return
	}

	details := map[string]any{
		"scheduled_for":     time.Now().Add(time.Duration(1+rng.Intn(14*24)) * time.Hour).Format(time.RFC3339),
		"glucose_objective": 90 + rng.Intn(60),
		"insulin_type":      []string{"rapid", "basal", "mixed"}[rng.Intn(3)],
		"basal_dose":        float64(rng.Intn(40)),
		"carb_ratio":        float64(5 + rng.Intn(15)),
		"motives":           []string{"dose_adjustment"},
	}
	body, _ := json.Marshal(details)

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/queue/entries/%d/appointment", s.config.APIBaseURL, placement), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			success = true
			var appt struct {
				ID uuid.UUID `json:"id"`
			}
			if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != uuid.Nil {
				s.pool.AddAppointment(appt.ID)
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Detail.Record(latency, success, conflict)
}

func (s *Simulator) doResolve(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"basal_dose_delta":           float64(rng.Intn(5)) - 2,
		"carb_ratio_delta":           0,
		"instructions":               "keep current regimen under observation",
		"emergency_care":             false,
		"needs_physical_appointment": rng.Float64() < 0.3,
	})

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/appointments/%s/resolution", s.config.APIBaseURL, apptID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Resolve.Record(latency, success, conflict)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	path := "state"
	if rng.Intn(2) == 0 {
		path = "placement"
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/queue/%s/%s", s.config.APIBaseURL, path, patientID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Read.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Submit", &s.metrics.Submit)
	printOperationReport("Accept/Deny", &s.metrics.Decide)
	printOperationReport("Appointment Detail", &s.metrics.Detail)
	printOperationReport("Resolve", &s.metrics.Resolve)
	printOperationReport("Read", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failures := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failures > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failures, float64(failures)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
