package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"onemcp/internal/config"
	"onemcp/internal/filter"
	"onemcp/pkg/logging"
)

const (
	// MaxSessionIDLength bounds accepted session IDs to keep hostile
	// clients from ballooning the session map with giant keys.
	MaxSessionIDLength = 256

	// DefaultMaxSessions caps concurrent inbound sessions.
	DefaultMaxSessions = 10000

	// StdioSessionID is the fixed session ID of the single stdio inbound.
	StdioSessionID = "stdio"
)

// Session is one inbound MCP agent connection and its capability filter.
type Session struct {
	ID        string
	Filter    *filter.Expression
	CreatedAt time.Time
}

// SessionRegistry tracks live inbound sessions. Writers on accept and
// disconnect, readers for broadcasts.
type SessionRegistry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
	}
}

// Add registers a new session. Re-registering an existing ID replaces the
// previous entry.
func (sr *SessionRegistry) Add(id string, f *filter.Expression) (*Session, error) {
	if id == "" || len(id) > MaxSessionIDLength {
		return nil, fmt.Errorf("invalid session id")
	}
	if f == nil {
		f = filter.All()
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, exists := sr.sessions[id]; !exists && len(sr.sessions) >= sr.maxSessions {
		return nil, fmt.Errorf("session limit reached (%d)", sr.maxSessions)
	}

	session := &Session{ID: id, Filter: f, CreatedAt: time.Now()}
	sr.sessions[id] = session

	logging.Debug("Aggregator", "Session %s registered (filter: %s)",
		logging.TruncateSessionID(id), f.String())
	return session, nil
}

// Remove drops a session on disconnect.
func (sr *SessionRegistry) Remove(id string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	delete(sr.sessions, id)
}

// Get returns the session for an ID.
func (sr *SessionRegistry) Get(id string) (*Session, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	session, ok := sr.sessions[id]
	return session, ok
}

// FilterFor returns the session's filter, falling back to match-all for
// unknown sessions so requests arriving before registration completes are
// never rejected.
func (sr *SessionRegistry) FilterFor(id string) *filter.Expression {
	if session, ok := sr.Get(id); ok {
		return session.Filter
	}
	return filter.All()
}

// All returns a snapshot of the live sessions.
func (sr *SessionRegistry) All() []*Session {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]*Session, 0, len(sr.sessions))
	for _, session := range sr.sessions {
		out = append(out, session)
	}
	return out
}

// Len returns the number of live sessions.
func (sr *SessionRegistry) Len() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.sessions)
}

// filterContextKey carries the parsed filter from the HTTP layer to the
// session registration hook.
type filterContextKey struct{}

// ContextWithFilter attaches a parsed filter expression to a request
// context.
func ContextWithFilter(ctx context.Context, f *filter.Expression) context.Context {
	return context.WithValue(ctx, filterContextKey{}, f)
}

// FilterFromContext extracts the filter attached by the HTTP layer, or
// match-all when none was attached (stdio inbound, tests).
func FilterFromContext(ctx context.Context) *filter.Expression {
	if f, ok := ctx.Value(filterContextKey{}).(*filter.Expression); ok && f != nil {
		return f
	}
	return filter.All()
}

// ParseRequestFilter derives the session filter from query parameters, in
// priority order: preset, tag-filter, legacy tags. Absence means match-all.
// A preset or expression that fails to resolve does not fail the session;
// it falls back to match-all with a warning.
func ParseRequestFilter(r *http.Request, presets *config.PresetStore) *filter.Expression {
	query := r.URL.Query()

	if name := query.Get("preset"); name != "" {
		if presets == nil {
			logging.Warn("Aggregator", "Preset %q requested but no preset store configured", name)
			return filter.All()
		}
		expr, err := presets.Resolve(name)
		if err != nil {
			logging.Warn("Aggregator", "Failed to resolve preset %q: %v", name, err)
			return filter.All()
		}
		return expr
	}

	if raw := query.Get("tag-filter"); raw != "" {
		expr, err := filter.Parse(raw)
		if err != nil {
			logging.Warn("Aggregator", "Invalid tag-filter %q: %v", raw, err)
			return filter.All()
		}
		return expr
	}

	if raw := query.Get("tags"); raw != "" {
		expr, err := filter.ParseSimple(filter.ModeOr, raw)
		if err != nil {
			logging.Warn("Aggregator", "Invalid tags %q: %v", raw, err)
			return filter.All()
		}
		return expr
	}

	return filter.All()
}
