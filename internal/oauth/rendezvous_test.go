package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendezvous_DeliverWithoutWaiter(t *testing.T) {
	r := NewRendezvous()
	assert.ErrorIs(t, r.Deliver("github", "code-1"), ErrNoWaiter)
}

func TestRendezvous_RoundTrip(t *testing.T) {
	r := NewRendezvous()

	done := make(chan struct{})
	var code string
	var err error
	go func() {
		defer close(done)
		code, err = r.Await(context.Background(), "github")
	}()

	require.Eventually(t, func() bool {
		return r.Deliver("github", "code-42") == nil
	}, time.Second, 10*time.Millisecond)

	<-done
	require.NoError(t, err)
	assert.Equal(t, "code-42", code)

	// The waiter is gone; a stray second delivery has nowhere to go.
	assert.ErrorIs(t, r.Deliver("github", "late"), ErrNoWaiter)
}

func TestRendezvous_Cancel(t *testing.T) {
	r := NewRendezvous()

	done := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), "github")
		done <- err
	}()

	require.Eventually(t, func() bool {
		r.Cancel("github")
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrFlowCancelled)
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestRendezvous_ContextCancellation(t *testing.T) {
	r := NewRendezvous()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Await(ctx, "github")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRendezvous_SecondAwaitSupersedesFirst(t *testing.T) {
	r := NewRendezvous()

	first := make(chan error, 1)
	go func() {
		_, err := r.Await(context.Background(), "github")
		first <- err
	}()

	// Wait for the first waiter to register before replacing it.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		_, ok := r.waiters["github"]
		r.mu.Unlock()
		return ok
	}, time.Second, 10*time.Millisecond)

	second := make(chan string, 1)
	go func() {
		code, err := r.Await(context.Background(), "github")
		require.NoError(t, err)
		second <- code
	}()

	assert.ErrorIs(t, <-first, ErrFlowCancelled)

	require.Eventually(t, func() bool {
		return r.Deliver("github", "code-2") == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "code-2", <-second)
}
