package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same guard semantics
// as the Postgres implementation: admission is one atomic unit under the
// mutex and state changes are compare-and-swap. It backs the test suite and
// the simulator's local mode. The patient foreign key is the one Postgres
// check it does not reproduce; it trusts patient IDs as given.
type MemoryRepository struct {
	mu            sync.Mutex
	nextPlacement int64
	entries       map[int64]*QueueEntry
	appointments  map[uuid.UUID]*Appointment
	byPlacement   map[int64]uuid.UUID // placement -> appointment ID
	resolutions   map[uuid.UUID]*Resolution
	capacity      int
	events        []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries:      make(map[int64]*QueueEntry),
		appointments: make(map[uuid.UUID]*Appointment),
		byPlacement:  make(map[int64]uuid.UUID),
		resolutions:  make(map[uuid.UUID]*Resolution),
	}
}

func (r *MemoryRepository) SubmitEntry(ctx context.Context, patientID uuid.UUID, maxActive int) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, e := range r.entries {
		if !e.State.Active() {
			continue
		}
		if e.PatientID == patientID {
			return nil, ErrDuplicateActiveEntry
		}
		active++
	}
	if active >= maxActive {
		return nil, ErrQueueFull
	}

	r.nextPlacement++
	now := time.Now()
	entry := &QueueEntry{
		Placement: r.nextPlacement,
		PatientID: patientID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.entries[entry.Placement] = entry

	copied := *entry
	return &copied, nil
}

func (r *MemoryRepository) GetEntry(ctx context.Context, placement int64) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[placement]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := *e
	return &copied, nil
}

func (r *MemoryRepository) GetActiveEntryByPatient(ctx context.Context, patientID uuid.UUID) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.PatientID == patientID && e.State.Active() {
			copied := *e
			return &copied, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (r *MemoryRepository) ListEntriesByState(ctx context.Context, state State) ([]QueueEntry, error) {
	return r.list(func(e *QueueEntry) bool { return e.State == state })
}

func (r *MemoryRepository) ListActiveEntries(ctx context.Context) ([]QueueEntry, error) {
	return r.list(func(e *QueueEntry) bool { return e.State.Active() })
}

func (r *MemoryRepository) list(keep func(*QueueEntry) bool) ([]QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []QueueEntry
	for _, e := range r.entries {
		if keep(e) {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Placement < result[j].Placement
	})
	return result, nil
}

func (r *MemoryRepository) UpdateEntryState(ctx context.Context, placement int64, from, to State) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[placement]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.State != from {
		return nil, ErrInvalidTransition
	}

	e.State = to
	e.UpdatedAt = time.Now()

	copied := *e
	return &copied, nil
}

func (r *MemoryRepository) CountActive(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.State.Active() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountActiveBefore(ctx context.Context, placement int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.State.Active() && e.Placement < placement {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CreateAppointment(ctx context.Context, appt *Appointment) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[appt.Placement]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.State != StateAccepted {
		return nil, ErrInvalidTransition
	}

	e.State = StateCreated
	e.UpdatedAt = time.Now()

	copied := *appt
	r.appointments[appt.ID] = &copied
	r.byPlacement[appt.Placement] = appt.ID

	entry := *e
	return &entry, nil
}

func (r *MemoryRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *MemoryRepository) GetAppointmentByPlacement(ctx context.Context, placement int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPlacement[placement]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	copied := *r.appointments[id]
	return &copied, nil
}

func (r *MemoryRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Appointment
	for _, a := range r.appointments {
		e, ok := r.entries[a.Placement]
		if ok && e.PatientID == patientID {
			all = append(all, *a)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Placement > all[j].Placement
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) CreateResolution(ctx context.Context, res *Resolution, placement int64) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[placement]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.State != StateCreated {
		return nil, ErrInvalidTransition
	}

	e.State = StateResolved
	e.UpdatedAt = time.Now()

	copied := *res
	r.resolutions[res.AppointmentID] = &copied

	entry := *e
	return &entry, nil
}

func (r *MemoryRepository) GetResolution(ctx context.Context, appointmentID uuid.UUID) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resolutions[appointmentID]
	if !ok {
		return nil, ErrResolutionNotFound
	}
	copied := *res
	return &copied, nil
}

func (r *MemoryRepository) GetCapacity(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity, nil
}

func (r *MemoryRepository) SetCapacity(ctx context.Context, maxSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity = maxSize
	return nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded event log, oldest first.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}
