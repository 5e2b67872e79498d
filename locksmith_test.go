package locksmith

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// errorRecorder collects callback invocations so tests can assert on
// exactly which violations were reported.
type errorRecorder struct {
	mu     sync.Mutex
	events []Code
}

func (r *errorRecorder) record(code Code, msg string) {
	r.mu.Lock()
	r.events = append(r.events, code)
	r.mu.Unlock()
}

func (r *errorRecorder) count(code Code) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.events {
		if c == code {
			n++
		}
	}
	return n
}

func (r *errorRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// resetVerifier gives each test a fresh registry, fresh per-goroutine
// state, and a recording callback.
func resetVerifier(t *testing.T) *errorRecorder {
	t.Helper()
	require.NoError(t, Init())
	registry.Lock()
	registry.byAddr = make(map[any]*lockRecord)
	registry.byID = make(map[LockID]*lockRecord)
	registry.nextID = 0
	registry.Unlock()
	threads.Lock()
	threads.m = make(map[int64]*threadState)
	threads.Unlock()
	rec := &errorRecorder{}
	SetErrorCallback(rec.record)
	t.Cleanup(func() {
		SetErrorCallback(nil)
		Opts.Strict = false
	})
	return rec
}

// Thread A takes l1 then l2; thread B, holding l2, try-locks l1. The
// attempt must fail with the would-deadlock status and produce exactly
// one DEADLK report.
func TestABInversionTrylock(t *testing.T) {
	rec := resetVerifier(t)

	l1 := NewMutex("l1")
	l2 := NewMutex("l2")
	sem1 := make(chan struct{})
	sem2 := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { // thread a
		defer wg.Done()
		assert.NoError(t, l1.Lock())
		assert.NoError(t, l2.Lock())
		assert.NoError(t, l2.Unlock())
		sem1 <- struct{}{}
		<-sem2
		assert.NoError(t, l1.Unlock())
	}()
	go func() { // thread b
		defer wg.Done()
		<-sem1
		assert.NoError(t, l2.Lock())
		assert.ErrorIs(t, l1.TryLock(), ErrWouldDeadlock)
		sem2 <- struct{}{}
		assert.NoError(t, l2.Unlock())
	}()
	wg.Wait()

	assert.Equal(t, 1, rec.count(CodeDeadlock))
	assert.Equal(t, 1, rec.total())
}

// A statically-initialized lock that never interacted with the verifier
// destroys cleanly: NOT_FOUND from the core, soft success from the
// wrapper, and no report.
func TestStaticInitDestroy(t *testing.T) {
	rec := resetVerifier(t)

	var m Mutex
	assert.ErrorIs(t, Destroy(&m), ErrNotFound)
	assert.NoError(t, m.Destroy())
	assert.Equal(t, 0, rec.total())
}

// Re-acquiring a held lock is refused outright, for blocking and
// try-style acquisitions alike.
func TestSelfRecursiveAcquisition(t *testing.T) {
	rec := resetVerifier(t)

	l := NewMutex("self")
	require.NoError(t, l.Lock())

	assert.ErrorIs(t, l.Lock(), ErrWouldDeadlock)
	assert.ErrorIs(t, l.TryLock(), ErrWouldDeadlock)
	assert.Equal(t, 2, rec.count(CodeDeadlock))

	require.NoError(t, l.Unlock())
	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())
}

// Destroying a lock discards its ordering history: an address recycled
// after destroy must not trip over edges its previous incarnation
// created.
func TestFreshIDAfterRecycle(t *testing.T) {
	rec := resetVerifier(t)

	a := NewMutex("a")
	m := NewMutex("m")

	require.NoError(t, a.Lock())
	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
	require.NoError(t, a.Unlock())

	registry.Lock()
	oldID := lookupLocked(a).id
	registry.Unlock()

	require.NoError(t, a.Destroy())
	require.NoError(t, OptionalInit(a, true))

	registry.Lock()
	fresh := lookupLocked(a)
	assert.NotEqual(t, oldID, fresh.id)
	assert.Empty(t, fresh.before)
	assert.Empty(t, fresh.after)
	registry.Unlock()

	// The reversed ordering is now fine.
	require.NoError(t, m.Lock())
	assert.NoError(t, a.TryLock())
	require.NoError(t, a.Unlock())
	require.NoError(t, m.Unlock())

	assert.Equal(t, 0, rec.count(CodeDeadlock))
}

// An unlock by a goroutine that does not hold the lock reports PERM and
// leaves the owner's held state intact.
func TestUnlockNotOwner(t *testing.T) {
	rec := resetVerifier(t)

	l := NewMutex("owned")
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Lock())
		close(locked)
		<-release
		assert.NoError(t, l.Unlock())
	}()
	<-locked

	assert.ErrorIs(t, PreUnlock(l), ErrNotOwner)
	assert.Equal(t, 1, rec.count(CodePerm))

	registry.Lock()
	id := lookupLocked(l).id
	registry.Unlock()
	assert.True(t, anyoneHolds(id))

	close(release)
	<-done
	assert.False(t, anyoneHolds(id))
}

// Orderings l1->l2 and l2->l3 are recorded by separate goroutines; the
// acquisition that would close l3->l1 is reported exactly once, and the
// blocking caller is still permitted to proceed.
func TestLongCycle(t *testing.T) {
	rec := resetVerifier(t)

	l1 := NewMutex("c1")
	l2 := NewMutex("c2")
	l3 := NewMutex("c3")

	step := func(first, second *Mutex) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			assert.NoError(t, first.Lock())
			assert.NoError(t, second.Lock())
			assert.NoError(t, second.Unlock())
			assert.NoError(t, first.Unlock())
		}()
		<-done
	}
	step(l1, l2)
	step(l2, l3)

	require.NoError(t, l3.Lock())
	err := l1.Lock() // closes c1 -> c2 -> c3 -> c1
	assert.NoError(t, err)
	assert.Equal(t, 1, rec.count(CodeDeadlock))

	require.NoError(t, l1.Unlock())
	require.NoError(t, l3.Unlock())
}

// A full acquire/release round trip leaves the goroutine's held set
// empty and never removes graph edges.
func TestRoundTripMonotoneGraph(t *testing.T) {
	resetVerifier(t)

	outer := NewMutex("outer")
	inner := NewMutex("inner")
	require.NoError(t, outer.Lock())
	require.NoError(t, inner.Lock())
	require.NoError(t, inner.Unlock())
	require.NoError(t, outer.Unlock())

	registry.Lock()
	o, i := lookupLocked(outer), lookupLocked(inner)
	assert.Contains(t, o.after, i.id)
	assert.Contains(t, i.before, o.id)
	registry.Unlock()

	// Repeat the same ordering; edges are idempotent.
	require.NoError(t, outer.Lock())
	require.NoError(t, inner.Lock())
	require.NoError(t, inner.Unlock())
	require.NoError(t, outer.Unlock())

	registry.Lock()
	assert.Len(t, lookupLocked(outer).after, 1)
	assert.Len(t, lookupLocked(inner).before, 1)
	registry.Unlock()

	threads.Lock()
	assert.Empty(t, threads.m)
	threads.Unlock()
}

// Destroying a held lock is refused with BUSY and a report, and the
// lock remains usable afterwards.
func TestDestroyWhileHeld(t *testing.T) {
	rec := resetVerifier(t)

	l := NewMutex("busy")
	require.NoError(t, l.Lock())
	assert.ErrorIs(t, l.Destroy(), ErrBusy)
	assert.Equal(t, 1, rec.count(CodeBusy))

	require.NoError(t, l.Unlock())
	assert.NoError(t, l.Destroy())
}

// Repeated lazy init keeps the original record; Strict additionally
// reports the repeat.
func TestOptionalInitIdempotent(t *testing.T) {
	rec := resetVerifier(t)

	m := NewMutex("dup")
	registry.Lock()
	id := lookupLocked(m).id
	registry.Unlock()

	assert.ErrorIs(t, OptionalInit(m, true), ErrAlreadyInitialized)
	assert.Equal(t, 0, rec.total())

	Opts.Strict = true
	assert.ErrorIs(t, OptionalInit(m, true), ErrAlreadyInitialized)
	assert.Equal(t, 1, rec.count(CodeAlreadyInitialized))

	registry.Lock()
	assert.Equal(t, id, lookupLocked(m).id)
	registry.Unlock()
}

// A failed underlying acquisition must not enter the held set.
func TestUnderlyingFailureLeavesStateAlone(t *testing.T) {
	resetVerifier(t)

	saved := ops
	t.Cleanup(func() { ops = saved })
	ops.mutexTryLock = func(*sync.Mutex) bool { return false }

	m := NewMutex("faulty")
	assert.ErrorIs(t, m.TryLock(), ErrBusy)

	registry.Lock()
	id := lookupLocked(m).id
	registry.Unlock()
	assert.False(t, anyoneHolds(id))
}

// The callback runs with interception bypassed, so a callback that
// takes tracked locks neither deadlocks nor recurses into more reports.
func TestCallbackReentrancy(t *testing.T) {
	resetVerifier(t)

	inner := NewMutex("inner")
	var calls int
	SetErrorCallback(func(code Code, msg string) {
		calls++
		require.NoError(t, inner.Lock())
		require.NoError(t, inner.Unlock())
	})

	outer := NewMutex("outer")
	require.NoError(t, outer.Lock())
	assert.ErrorIs(t, outer.Lock(), ErrWouldDeadlock)
	assert.Equal(t, 1, calls)
	require.NoError(t, outer.Unlock())
}

// Callback replacement is last-writer-wins; nil restores the default.
func TestSetErrorCallbackReplacement(t *testing.T) {
	resetVerifier(t)

	var first, second int
	SetErrorCallback(func(Code, string) { first++ })
	SetErrorCallback(func(Code, string) { second++ })

	l := NewMutex("cb")
	require.NoError(t, l.Lock())
	assert.ErrorIs(t, l.TryLock(), ErrWouldDeadlock)
	require.NoError(t, l.Unlock())

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

// Strict mode reports INVAL for releases of locks the verifier has
// never seen, instead of staying silent.
func TestStrictUnknownUnlock(t *testing.T) {
	rec := resetVerifier(t)

	var stranger int
	assert.ErrorIs(t, PreUnlock(&stranger), ErrNotOwner)
	PostUnlock(&stranger)
	assert.Equal(t, 0, rec.total())

	Opts.Strict = true
	assert.ErrorIs(t, PreUnlock(&stranger), ErrNotOwner)
	PostUnlock(&stranger)
	assert.Equal(t, 2, rec.count(CodeInvalid))
}

// Mutexes and spin locks share one ordering graph.
func TestMixedPrimitiveInversion(t *testing.T) {
	rec := resetVerifier(t)

	m := NewMutex("mixed-mutex")
	s := NewSpinLock("mixed-spin")
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, m.Lock())
		assert.NoError(t, s.Lock())
		assert.NoError(t, s.Unlock())
		assert.NoError(t, m.Unlock())
	}()
	<-done

	require.NoError(t, s.Lock())
	assert.ErrorIs(t, m.TryLock(), ErrWouldDeadlock)
	require.NoError(t, s.Unlock())
	assert.Equal(t, 1, rec.count(CodeDeadlock))
}

func TestSentinelCodes(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code Code
	}{
		{ErrWouldDeadlock, CodeDeadlock},
		{ErrBusy, CodeBusy},
		{ErrNotOwner, CodePerm},
		{ErrNotFound, CodeNotFound},
		{ErrAlreadyInitialized, CodeAlreadyInitialized},
		{ErrInvalid, CodeInvalid},
	} {
		var se *statusError
		require.True(t, errors.As(tc.err, &se))
		assert.Equal(t, tc.code, se.Code())
	}
	assert.Equal(t, "DEADLK", CodeDeadlock.String())
	assert.Equal(t, "NOT_FOUND", CodeNotFound.String())
}
