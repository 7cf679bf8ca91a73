package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/appointment-queue/internal/config"
	redisclient "github.com/diabetactic/appointment-queue/internal/redis"
)

// localLocker serializes critical sections with in-process mutexes, one per
// key, standing in for the Redis locker.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *localLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// contendedLocker always reports the lock as held by someone else.
type contendedLocker struct{}

func (contendedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type countingNotifier struct {
	calls atomic.Int64
	last  atomic.Value // uuid.UUID of the last notified patient
}

func (n *countingNotifier) Dispatch(_ context.Context, patientID uuid.UUID, _ *Resolution) error {
	n.calls.Add(1)
	n.last.Store(patientID)
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryRepository, *countingNotifier) {
	t.Helper()
	repo := NewMemoryRepository()
	notifier := &countingNotifier{}
	cfg := config.Config{DefaultQueueSize: 10}
	return NewService(repo, &localLocker{}, notifier, cfg), repo, notifier
}

func TestSubmitCreatesPendingEntry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	patient := uuid.New()

	entry, err := svc.Submit(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Placement)
	assert.Equal(t, StatePending, entry.State)
	assert.Equal(t, patient, entry.PatientID)

	state, err := svc.State(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	pos, ok, err := svc.Position(ctx, patient)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestSubmitRejectsDuplicateActiveEntry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	patient := uuid.New()

	_, err := svc.Submit(ctx, patient)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, patient)
	assert.ErrorIs(t, err, ErrDuplicateActiveEntry)

	// an accepted entry is still active, so the duplicate guard holds
	_, err = svc.Accept(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, patient)
	assert.ErrorIs(t, err, ErrDuplicateActiveEntry)
}

// Regression for the capacity-vs-placement conflation: admission must
// compare the active count against maxSize, not the historical placement
// counter. After terminal entries push placements well past maxSize, new
// submissions must still be admitted as long as few entries are active.
func TestCapacityComparesActiveCountNotPlacement(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetCapacity(ctx, 3))

	// three rounds of fill-and-drain drive placement up to 9
	for round := 0; round < 3; round++ {
		var placements []int64
		for i := 0; i < 3; i++ {
			entry, err := svc.Submit(ctx, uuid.New())
			require.NoError(t, err)
			placements = append(placements, entry.Placement)
		}
		for _, p := range placements {
			_, err := svc.Deny(ctx, p)
			require.NoError(t, err)
		}
	}

	// placement is far beyond maxSize, the queue is empty, admission works
	entry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.Placement)

	_, err = svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	_, err = svc.Submit(ctx, uuid.New())
	require.NoError(t, err)

	_, err = svc.Submit(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestResubmitAfterDenyGetsStrictlyLargerPlacement(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	patient := uuid.New()

	first, err := svc.Submit(ctx, patient)
	require.NoError(t, err)

	_, err = svc.Deny(ctx, first.Placement)
	require.NoError(t, err)

	state, err := svc.State(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, StateNone, state, "terminal entry closes the lifecycle")

	second, err := svc.Submit(ctx, patient)
	require.NoError(t, err)
	assert.Greater(t, second.Placement, first.Placement, "placements are never reused")
}

func TestCapacityFreedByTerminalTransition(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetCapacity(ctx, 1))

	patientA := uuid.New()
	patientB := uuid.New()

	entryA, err := svc.Submit(ctx, patientA)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, patientB)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = svc.Deny(ctx, entryA.Placement)
	require.NoError(t, err)

	entryB, err := svc.Submit(ctx, patientB)
	require.NoError(t, err)
	assert.Greater(t, entryB.Placement, entryA.Placement)
}

func TestFullLifecycle(t *testing.T) {
	svc, repo, notifier := newTestService(t)
	ctx := context.Background()
	patient := uuid.New()

	entry, err := svc.Submit(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Placement)

	entry, err = svc.Accept(ctx, entry.Placement)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, entry.State)

	details := validDetails()
	details.GlucoseObjective = 110
	details.InsulinType = InsulinRapid

	appt, err := svc.CreateAppointment(ctx, entry.Placement, details)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, appt.ID)
	assert.Equal(t, entry.Placement, appt.Placement)

	state, err := svc.State(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, state)

	res, err := svc.Resolve(ctx, appt.ID, ResolutionDetails{
		Instructions:             "adjust basal by +1",
		NeedsPhysicalAppointment: true,
	})
	require.NoError(t, err)
	assert.Equal(t, appt.ID, res.AppointmentID)

	assert.Equal(t, int64(1), notifier.calls.Load(), "notification dispatched exactly once")
	assert.Equal(t, patient, notifier.last.Load())

	// terminal: no active entry remains
	state, err = svc.State(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, StateNone, state)

	view, err := svc.Appointment(ctx, appt.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Entry)
	assert.Equal(t, StateResolved, view.Entry.State)
	require.NotNil(t, view.Resolution)
	assert.True(t, view.Resolution.NeedsPhysicalAppointment)

	// every step left an event behind
	var types []string
	for _, ev := range repo.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		EventQueueSubmitted,
		EventEntryAccepted,
		EventAppointmentCreated,
		EventEntryResolved,
	}, types)
}

func TestResolveWithoutFollowUpDoesNotNotify(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, entry.Placement)
	require.NoError(t, err)
	appt, err := svc.CreateAppointment(ctx, entry.Placement, validDetails())
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, appt.ID, ResolutionDetails{Instructions: "no changes"})
	require.NoError(t, err)

	assert.Zero(t, notifier.calls.Load())
}

func TestCreateAppointmentGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)

	// entry is pending, not accepted
	_, err = svc.CreateAppointment(ctx, entry.Placement, validDetails())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Accept(ctx, entry.Placement)
	require.NoError(t, err)

	// invalid payload leaves the entry untouched
	bad := validDetails()
	bad.Motives = nil
	_, err = svc.CreateAppointment(ctx, entry.Placement, bad)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	got, err := svc.repo.GetEntry(ctx, entry.Placement)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, got.State)

	// unknown placement
	_, err = svc.CreateAppointment(ctx, 999, validDetails())
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestResolveGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, uuid.New(), ResolutionDetails{Instructions: "x"})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	entry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, entry.Placement)
	require.NoError(t, err)
	appt, err := svc.CreateAppointment(ctx, entry.Placement, validDetails())
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, appt.ID, ResolutionDetails{Instructions: "done"})
	require.NoError(t, err)

	// second resolve loses against the terminal state
	_, err = svc.Resolve(ctx, appt.ID, ResolutionDetails{Instructions: "again"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDenyIsNotIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)

	denied, err := svc.Deny(ctx, entry.Placement)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, denied.State)

	_, err = svc.Deny(ctx, entry.Placement)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := svc.repo.GetEntry(ctx, entry.Placement)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, got.State, "failed transition must not move the entry")
}

func TestAcceptUnknownPlacement(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Accept(context.Background(), 42)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestPositionTracksEntriesAhead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()

	e1, err := svc.Submit(ctx, first)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, second)
	require.NoError(t, err)

	pos, ok, err := svc.Position(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, pos)

	// the head of the line leaving moves everyone up
	_, err = svc.Deny(ctx, e1.Placement)
	require.NoError(t, err)

	pos, ok, err = svc.Position(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	// a patient outside the queue has no position
	_, ok, err = svc.Position(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetCapacityRejectsNonPositive(t *testing.T) {
	svc, _, _ := newTestService(t)

	var vErr *ValidationError
	require.ErrorAs(t, svc.SetCapacity(context.Background(), 0), &vErr)
	assert.Equal(t, "max_size", vErr.Field)
}

func TestClearQueueDeniesEveryActiveEntry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// one entry in each active state
	pending, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)

	acceptedEntry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, acceptedEntry.Placement)
	require.NoError(t, err)

	createdEntry, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, createdEntry.Placement)
	require.NoError(t, err)
	_, err = svc.CreateAppointment(ctx, createdEntry.Placement, validDetails())
	require.NoError(t, err)

	result, err := svc.ClearQueue(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{pending.Placement, acceptedEntry.Placement, createdEntry.Placement}, result.Denied)
	assert.Empty(t, result.Failed)

	n, err := svc.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// clearing an empty queue is a no-op
	result, err = svc.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Denied)
	assert.Empty(t, result.Failed)
}

// flakyRepo fails state updates for one placement so the partial-success
// contract of ClearQueue can be observed.
type flakyRepo struct {
	Repository
	failPlacement int64
}

func (f *flakyRepo) UpdateEntryState(ctx context.Context, placement int64, from, to State) (*QueueEntry, error) {
	if placement == f.failPlacement {
		return nil, errors.New("storage offline")
	}
	return f.Repository.UpdateEntryState(ctx, placement, from, to)
}

func TestClearQueueReportsPartialFailure(t *testing.T) {
	mem := NewMemoryRepository()
	repo := &flakyRepo{Repository: mem, failPlacement: 2}
	svc := NewService(repo, &localLocker{}, &countingNotifier{}, config.Config{DefaultQueueSize: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, uuid.New())
		require.NoError(t, err)
	}

	result, err := svc.ClearQueue(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{1, 3}, result.Denied)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, int64(2), result.Failed[0].Placement)
	assert.EqualError(t, result.Failed[0].Err, "storage offline")

	// the stuck entry is still active, not silently lost
	entry, err := mem.GetEntry(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatePending, entry.State)
}

func TestSubmitMapsLockContention(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, contendedLocker{}, &countingNotifier{}, config.Config{DefaultQueueSize: 10})

	_, err := svc.Submit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrQueueBusy)
}

func TestConcurrentSubmitSamePatient(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	patient := uuid.New()

	const attempts = 32
	var wg sync.WaitGroup
	var wins, dups atomic.Int64

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(ctx, patient)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrDuplicateActiveEntry):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load(), "exactly one submit may win")
	assert.Equal(t, int64(attempts-1), dups.Load())
}

func TestConcurrentSubmitAtCapacityBoundary(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetCapacity(ctx, 5))

	const attempts = 30
	var wg sync.WaitGroup
	var admitted, rejected atomic.Int64

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(ctx, uuid.New())
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrQueueFull):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load(), "capacity must never be overshot")
	assert.Equal(t, int64(attempts-5), rejected.Load())

	n, err := svc.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPlacementsStrictlyIncrease(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetCapacity(ctx, 100))

	var last int64
	for i := 0; i < 20; i++ {
		entry, err := svc.Submit(ctx, uuid.New())
		require.NoError(t, err)
		assert.Greater(t, entry.Placement, last)
		last = entry.Placement

		if i%3 == 0 {
			_, err := svc.Deny(ctx, entry.Placement)
			require.NoError(t, err)
		}
	}
}

func TestBackofficeQueueViews(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	e1, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	e2, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)
	e3, err := svc.Submit(ctx, uuid.New())
	require.NoError(t, err)

	_, err = svc.Accept(ctx, e2.Placement)
	require.NoError(t, err)

	pending, err := svc.PendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, e1.Placement, pending[0].Placement)
	assert.Equal(t, e3.Placement, pending[1].Placement)

	accepted, err := svc.AcceptedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, e2.Placement, accepted[0].Placement)
}

func TestAppointmentsListingNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	patient := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		entry, err := svc.Submit(ctx, patient)
		require.NoError(t, err)
		_, err = svc.Accept(ctx, entry.Placement)
		require.NoError(t, err)
		appt, err := svc.CreateAppointment(ctx, entry.Placement, validDetails())
		require.NoError(t, err)
		_, err = svc.Resolve(ctx, appt.ID, ResolutionDetails{Instructions: "ok"})
		require.NoError(t, err)
		ids = append(ids, appt.ID)
	}

	appts, err := svc.Appointments(ctx, patient, 0, 0)
	require.NoError(t, err)
	require.Len(t, appts, 3)
	assert.Equal(t, ids[2], appts[0].ID)
	assert.Equal(t, ids[0], appts[2].ID)

	page, err := svc.Appointments(ctx, patient, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
}
