package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CallbackTimeout bounds how long an authorization flow waits for the user
// to complete the browser leg and hit the callback endpoint.
const CallbackTimeout = 5 * time.Minute

// ErrNoWaiter is returned by Deliver when no authorization flow is waiting
// for the named server, e.g. after the flow timed out or the server was
// removed from the configuration.
var ErrNoWaiter = fmt.Errorf("no pending authorization for this server")

// ErrFlowCancelled is delivered to a waiter whose server was removed while
// the flow was in progress.
var ErrFlowCancelled = fmt.Errorf("authorization flow cancelled")

type callbackResult struct {
	code string
	err  error
}

// Rendezvous hands authorization codes from the HTTP callback handler to
// the goroutine driving the authorization flow. Waiters are keyed by
// upstream server name; at most one flow per server is pending at a time.
type Rendezvous struct {
	mu      sync.Mutex
	waiters map[string]chan callbackResult
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{waiters: make(map[string]chan callbackResult)}
}

// Await blocks until a code is delivered for serverName, the flow is
// cancelled, ctx is done, or CallbackTimeout elapses. A second Await for
// the same server replaces the first; the superseded waiter gets
// ErrFlowCancelled.
func (r *Rendezvous) Await(ctx context.Context, serverName string) (string, error) {
	ch := make(chan callbackResult, 1)

	r.mu.Lock()
	if prev, ok := r.waiters[serverName]; ok {
		prev <- callbackResult{err: ErrFlowCancelled}
	}
	r.waiters[serverName] = ch
	r.mu.Unlock()

	defer r.remove(serverName, ch)

	timer := time.NewTimer(CallbackTimeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result.code, result.err
	case <-timer.C:
		return "", fmt.Errorf("timed out after %s waiting for authorization callback", CallbackTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Deliver hands a code to the waiter for serverName. Returns ErrNoWaiter
// if no flow is pending.
func (r *Rendezvous) Deliver(serverName, code string) error {
	r.mu.Lock()
	ch, ok := r.waiters[serverName]
	if ok {
		delete(r.waiters, serverName)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNoWaiter
	}
	ch <- callbackResult{code: code}
	return nil
}

// Cancel aborts a pending flow, if any. Used when the server is removed
// from the configuration mid-flow.
func (r *Rendezvous) Cancel(serverName string) {
	r.mu.Lock()
	ch, ok := r.waiters[serverName]
	if ok {
		delete(r.waiters, serverName)
	}
	r.mu.Unlock()

	if ok {
		ch <- callbackResult{err: ErrFlowCancelled}
	}
}

// remove deregisters ch, but only if it is still the current waiter.
func (r *Rendezvous) remove(serverName string, ch chan callbackResult) {
	r.mu.Lock()
	if r.waiters[serverName] == ch {
		delete(r.waiters, serverName)
	}
	r.mu.Unlock()
}
