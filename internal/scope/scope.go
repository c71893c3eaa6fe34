package scope

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Host is the host surface a scope's effects and commits reach.
type Host interface {
	UpdateUser(ctx context.Context, sessionID string, diff Diff) error
	UpdateGroup(ctx context.Context, sessionID string, diff Diff) error
	Send(ctx context.Context, sessionID, content string) (string, error)
	Execute(ctx context.Context, sessionID, command string) (string, error)
}

// ValueFormatter renders send arguments.
type ValueFormatter interface {
	FormatResult(values ...any) string
}

// Data is the per-invocation input the host sends with every request.
type Data struct {
	SessionID     string   `cbor:"sessionId" json:"sessionId"`
	User          Record   `cbor:"user,omitempty" json:"user,omitempty"`
	Channel       Record   `cbor:"channel,omitempty" json:"channel,omitempty"`
	UserFields    []string `cbor:"userFields,omitempty" json:"userFields,omitempty"`
	ChannelFields []string `cbor:"channelFields,omitempty" json:"channelFields,omitempty"`
}

// Scope bundles the records and effects granted to one invocation. A scope
// is never reused; after Release every effect and write fails.
type Scope struct {
	SessionID string

	// User and Channel are nil when the host did not send the record.
	User    *Observed
	Channel *Observed

	host     Host
	format   ValueFormatter
	limiter  *rate.Limiter
	timeout  time.Duration
	released atomic.Bool
}

// Records returns the present records in commit order: user, then channel.
func (s *Scope) Records() []*Observed {
	var out []*Observed
	if s.User != nil {
		out = append(out, s.User)
	}
	if s.Channel != nil {
		out = append(out, s.Channel)
	}
	return out
}

// Send formats args and posts them to the session. It returns the message id
// the host assigned.
func (s *Scope) Send(ctx context.Context, args ...any) (string, error) {
	if s.released.Load() {
		return "", ErrScopeReleased
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return "", ErrSendRateLimited
	}

	ctx, cancel := s.hostContext(ctx)
	defer cancel()

	id, err := s.host.Send(ctx, s.SessionID, s.format.FormatResult(args...))
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return id, nil
}

// Exec runs command through the host's command pipeline for this session.
// command must be a string.
func (s *Scope) Exec(ctx context.Context, command any) (string, error) {
	if s.released.Load() {
		return "", ErrScopeReleased
	}
	text, ok := command.(string)
	if !ok {
		return "", &TypeMismatchError{Op: "exec", Want: "string", Got: command}
	}

	ctx, cancel := s.hostContext(ctx)
	defer cancel()

	out, err := s.host.Execute(ctx, s.SessionID, text)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	return out, nil
}

// Release invalidates the scope. It is safe to call more than once.
func (s *Scope) Release() {
	if s.released.Swap(true) {
		return
	}
	for _, r := range s.Records() {
		r.release()
	}
}

// Released reports whether Release was called.
func (s *Scope) Released() bool {
	return s.released.Load()
}

func (s *Scope) hostContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSendLimit caps sends per scope. A non-positive rate disables the limit.
func WithSendLimit(perSecond float64, burst int) Option {
	return func(m *Manager) {
		m.sendRate = rate.Limit(perSecond)
		m.sendBurst = burst
	}
}

// WithHostTimeout bounds every host call made through a scope.
func WithHostTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.hostTimeout = d
	}
}

// Manager builds scopes.
type Manager struct {
	host        Host
	format      ValueFormatter
	sendRate    rate.Limit
	sendBurst   int
	hostTimeout time.Duration
}

// NewManager creates a scope manager backed by host.
func NewManager(host Host, format ValueFormatter, opts ...Option) *Manager {
	m := &Manager{
		host:   host,
		format: format,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Build wraps data into a fresh scope.
func (m *Manager) Build(data Data) *Scope {
	s := &Scope{
		SessionID: data.SessionID,
		host:      m.host,
		format:    m.format,
		timeout:   m.hostTimeout,
	}
	if m.sendRate > 0 {
		burst := m.sendBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(m.sendRate, burst)
	}

	if data.User != nil {
		s.User = NewObserved("user", data.User, data.UserFields, func(ctx context.Context, diff Diff) error {
			ctx, cancel := s.hostContext(ctx)
			defer cancel()
			return m.host.UpdateUser(ctx, data.SessionID, diff)
		})
	}
	if data.Channel != nil {
		s.Channel = NewObserved("channel", data.Channel, data.ChannelFields, func(ctx context.Context, diff Diff) error {
			ctx, cancel := s.hostContext(ctx)
			defer cancel()
			return m.host.UpdateGroup(ctx, data.SessionID, diff)
		})
	}
	return s
}

// AddonArgv is a parsed addon command line.
type AddonArgv struct {
	Name    string         `cbor:"name" json:"name"`
	Args    []string       `cbor:"args,omitempty" json:"args,omitempty"`
	Options map[string]any `cbor:"options,omitempty" json:"options,omitempty"`
}

// Debug reports whether the caller asked for error details. The option may
// be a boolean or the strings "true" and "1".
func (a AddonArgv) Debug() bool {
	switch v := a.Options["debug"].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// AddonScope is the argument handed to addon handlers.
type AddonScope struct {
	AddonArgv
	*Scope
}
