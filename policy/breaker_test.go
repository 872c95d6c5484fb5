package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	}
}

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	clock := time.Now()
	b := NewCircuitBreaker("llm", testBreakerConfig(), zap.NewNop())
	b.now = func() time.Time { return clock }
	return b, &clock
}

func tripBreaker(t *testing.T, b *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
}

// ---------------------------------------------------------------------------
// Closed -> Open
// ---------------------------------------------------------------------------

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Two failures: still closed.
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	// Third consecutive failure trips the breaker.
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Failures interleaved with a success never reach the threshold.
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestCircuitBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(t)
	tripBreaker(t, b)

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))

	var cbErr *types.Error
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "llm", cbErr.Backend)
	assert.False(t, cbErr.Retryable)
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed/Open
// ---------------------------------------------------------------------------

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripBreaker(t, b)

	// Before the cooldown: still rejecting.
	*clock = clock.Add(30 * time.Second)
	require.Error(t, b.Allow())

	// After the cooldown the trial call is let through.
	*clock = clock.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestCircuitBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripBreaker(t, b)
	*clock = clock.Add(2 * time.Minute)

	// Exactly one caller gets through, regardless of concurrency.
	var allowed int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
}

func TestCircuitBreaker_TrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripBreaker(t, b)
	*clock = clock.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	// Failure count starts fresh after recovery.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_TrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)
	tripBreaker(t, b)
	*clock = clock.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())

	// The cooldown timer restarted: still rejecting just before it elapses.
	*clock = clock.Add(59 * time.Second)
	require.Error(t, b.Allow())

	// A fresh trial after the new cooldown.
	*clock = clock.Add(2 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t)
	tripBreaker(t, b)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	transitions := make(chan [2]State, 8)
	config := testBreakerConfig()
	config.OnStateChange = func(backend string, from, to State) {
		transitions <- [2]State{from, to}
	}

	b := NewCircuitBreaker("llm", config, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	select {
	case tr := <-transitions:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("state change callback was not invoked")
	}
}
