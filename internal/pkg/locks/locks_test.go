package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAndRelease(t *testing.T) {
	k := New(time.Second)

	release, err := k.TryAcquire("start_session")
	require.NoError(t, err)
	assert.True(t, k.Held("start_session"))

	release()
	assert.False(t, k.Held("start_session"))
}

func TestSecondAcquireFailsBusy(t *testing.T) {
	k := New(time.Second)

	release, err := k.TryAcquire("end_session")
	require.NoError(t, err)
	defer release()

	_, err = k.TryAcquire("end_session")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDistinctKeysIndependent(t *testing.T) {
	k := New(time.Second)

	r1, err := k.TryAcquire("start_session")
	require.NoError(t, err)
	defer r1()

	r2, err := k.TryAcquire("end_session")
	require.NoError(t, err)
	defer r2()
}

func TestHoldTimeoutForceReleases(t *testing.T) {
	k := New(20 * time.Millisecond)

	_, err := k.TryAcquire("update_session")
	require.NoError(t, err)

	// Holder never releases; the watchdog must.
	assert.Eventually(t, func() bool {
		return !k.Held("update_session")
	}, time.Second, 5*time.Millisecond)

	_, err = k.TryAcquire("update_session")
	assert.NoError(t, err)
}

func TestLateWatchdogCannotFreeNewHolder(t *testing.T) {
	k := New(30 * time.Millisecond)

	release, err := k.TryAcquire("start_session")
	require.NoError(t, err)
	release()

	// Reacquire; the first acquisition's (stopped) watchdog generation must
	// not be able to free this one.
	release2, err := k.TryAcquire("start_session")
	require.NoError(t, err)
	defer release2()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, k.Held("start_session"))
}

func TestReleaseIdempotent(t *testing.T) {
	k := New(time.Second)

	release, err := k.TryAcquire("start_session")
	require.NoError(t, err)
	release()

	release2, err := k.TryAcquire("start_session")
	require.NoError(t, err)
	defer release2()

	// A second call to the first release must not free the new holder.
	release()
	assert.True(t, k.Held("start_session"))
}
