package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/haivu-dev/courier/internal/monitoring"
	"github.com/haivu-dev/courier/internal/registry"
	"github.com/haivu-dev/courier/internal/services"
	"github.com/haivu-dev/courier/pkg/logger"
	"github.com/haivu-dev/courier/pkg/metrics"
)

const (
	defaultSweepSpec        = "@every 5m"
	defaultRevalidateSpec   = "@every 10m"
	defaultRevalidateAfter  = 10 * time.Minute
	reasonTokenExpired      = "token expired"
	reasonSessionRevoked    = "session no longer valid"
	reasonAdminDisconnected = "disconnected by administrator"
)

// TokenVerifier re-checks a bearer token against the issuer. An error means
// the token is no longer acceptable and its connection must be closed.
type TokenVerifier interface {
	Verify(token string) error
}

type connMeta struct {
	conn          registry.Conn
	userID        string
	token         string
	expiresAt     time.Time
	lastValidated time.Time
}

// Manager owns the connect/disconnect path. It keeps the registry and the
// presence store in step, tracks each connection's credential expiry, and
// runs the periodic sweeps that close connections whose tokens have lapsed.
type Manager struct {
	registry *registry.Registry
	presence *services.PresenceService
	verifier TokenVerifier
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	mu      sync.Mutex
	tracked map[string]*connMeta

	sweepSchedule      string
	revalidateSchedule string
	revalidateAfter    time.Duration
}

// Option customises the Manager.
type Option func(*Manager)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(m *Manager) {
		if c != nil {
			m.cron = c
		}
	}
}

// WithClock overrides the clock used for expiry comparisons.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSweepSchedule overrides the cron schedule for the expired-token sweep.
func WithSweepSchedule(spec string) Option {
	return func(m *Manager) {
		if spec != "" {
			m.sweepSchedule = spec
		}
	}
}

// WithRevalidateSchedule overrides the cron schedule for token revalidation.
func WithRevalidateSchedule(spec string) Option {
	return func(m *Manager) {
		if spec != "" {
			m.revalidateSchedule = spec
		}
	}
}

// WithRevalidateAfter adjusts how stale a validation may get before the token
// is checked against the verifier again.
func WithRevalidateAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.revalidateAfter = d
		}
	}
}

// NewManager constructs a Manager. The presence service and verifier may be
// nil; the corresponding side effects are then skipped.
func NewManager(reg *registry.Registry, presence *services.PresenceService, verifier TokenVerifier, opts ...Option) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("lifecycle: registry is required")
	}
	m := &Manager{
		registry:           reg,
		presence:           presence,
		verifier:           verifier,
		now:                time.Now,
		log:                logger.WithModule("lifecycle"),
		tracked:            make(map[string]*connMeta),
		sweepSchedule:      defaultSweepSpec,
		revalidateSchedule: defaultRevalidateSpec,
		revalidateAfter:    defaultRevalidateAfter,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cron == nil {
		m.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return m, nil
}

// Register adds a freshly authenticated connection. The token's expiry is
// remembered so the sweep can evict the connection once it lapses. The
// presence flip is best-effort: a store hiccup must not reject the socket.
func (m *Manager) Register(ctx context.Context, conn registry.Conn, token string, expiresAt time.Time) error {
	if conn == nil {
		return errors.New("lifecycle: conn is required")
	}
	userID := strings.TrimSpace(conn.UserID())
	if userID == "" {
		return errors.New("lifecycle: conn has no user id")
	}

	m.registry.Register(userID, conn)

	now := m.now().UTC()
	m.mu.Lock()
	m.tracked[conn.ID()] = &connMeta{
		conn:          conn,
		userID:        userID,
		token:         token,
		expiresAt:     expiresAt,
		lastValidated: now,
	}
	m.mu.Unlock()
	metrics.ActiveConnections.Inc()

	if m.presence != nil {
		if err := m.presence.MarkOnline(ctx, userID); err != nil {
			m.log.Warn("mark online failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// Unregister removes a connection. When it was the user's last one, the user
// is flipped offline. Calling it twice for the same connection is a no-op.
func (m *Manager) Unregister(ctx context.Context, conn registry.Conn) {
	if conn == nil {
		return
	}

	m.mu.Lock()
	meta, ok := m.tracked[conn.ID()]
	if ok {
		delete(m.tracked, conn.ID())
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.registry.Unregister(meta.userID, conn)
	metrics.ActiveConnections.Dec()

	if m.presence != nil && m.registry.CountFor(meta.userID) == 0 {
		if err := m.presence.MarkOffline(ctx, meta.userID); err != nil {
			m.log.Warn("mark offline failed", zap.String("user_id", meta.userID), zap.Error(err))
		}
	}
}

// SweepExpired closes every connection whose token expiry has passed and
// returns how many were evicted.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []*connMeta
	for _, meta := range m.tracked {
		if !meta.expiresAt.IsZero() && meta.expiresAt.Before(now) {
			expired = append(expired, meta)
		}
	}
	m.mu.Unlock()

	for _, meta := range expired {
		m.evict(ctx, meta, websocket.ClosePolicyViolation, reasonTokenExpired)
	}
	if len(expired) > 0 {
		m.log.Info("expired connections swept", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// RevalidateTokens re-verifies tokens that have not been checked recently and
// evicts connections whose sessions were revoked upstream. It returns how
// many connections were closed.
func (m *Manager) RevalidateTokens(ctx context.Context) int {
	if m.verifier == nil {
		return 0
	}
	now := m.now().UTC()

	m.mu.Lock()
	var due []*connMeta
	for _, meta := range m.tracked {
		if now.Sub(meta.lastValidated) >= m.revalidateAfter {
			due = append(due, meta)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, meta := range due {
		if err := m.verifier.Verify(meta.token); err != nil {
			m.log.Info("revalidation failed, closing connection",
				zap.String("user_id", meta.userID),
				zap.String("conn_id", meta.conn.ID()),
				zap.Error(err))
			m.evict(ctx, meta, websocket.ClosePolicyViolation, reasonSessionRevoked)
			evicted++
			continue
		}
		m.mu.Lock()
		if current, ok := m.tracked[meta.conn.ID()]; ok {
			current.lastValidated = now
		}
		m.mu.Unlock()
	}
	return evicted
}

// ForceDisconnectUser closes every connection belonging to a user and returns
// the number of connections closed.
func (m *Manager) ForceDisconnectUser(ctx context.Context, userID string) int {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0
	}
	closed := 0
	for _, conn := range m.registry.ConnectionsFor(userID) {
		m.mu.Lock()
		meta, ok := m.tracked[conn.ID()]
		m.mu.Unlock()
		if !ok {
			meta = &connMeta{conn: conn, userID: userID}
		}
		m.evict(ctx, meta, websocket.CloseGoingAway, reasonAdminDisconnected)
		closed++
	}
	return closed
}

// ForceDisconnectAll closes every connection on this process and returns the
// number closed.
func (m *Manager) ForceDisconnectAll(ctx context.Context) int {
	closed := 0
	for _, userID := range m.registry.Users() {
		closed += m.ForceDisconnectUser(ctx, userID)
	}
	return closed
}

func (m *Manager) evict(ctx context.Context, meta *connMeta, code int, reason string) {
	if err := meta.conn.Close(code, reason); err != nil {
		m.log.Debug("close failed during eviction",
			zap.String("conn_id", meta.conn.ID()),
			zap.Error(err))
	}
	m.mu.Lock()
	_, tracked := m.tracked[meta.conn.ID()]
	m.mu.Unlock()
	if tracked {
		// The socket close callback routes back through Unregister; doing it
		// here as well keeps the registry consistent when the callback is not
		// wired.
		m.Unregister(ctx, meta.conn)
	} else {
		// Registered with the registry directly, never tracked here, so
		// Unregister would be a no-op. Remove it from the registry ourselves.
		m.registry.Unregister(meta.userID, meta.conn)
	}
	metrics.ForcedDisconnects.WithLabelValues(reason).Inc()
	monitoring.RecordForcedDisconnect()
}

// Stats reports the registry totals alongside the number of tracked tokens.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	ConnectedUsers   int `json:"connected_users"`
	TrackedTokens    int `json:"tracked_tokens"`
}

// Stats snapshots the current connection totals.
func (m *Manager) Stats() Stats {
	regStats := m.registry.Stats()
	m.mu.Lock()
	tracked := len(m.tracked)
	m.mu.Unlock()
	return Stats{
		TotalConnections: regStats.TotalConnections,
		ConnectedUsers:   regStats.ConnectedUsers,
		TrackedTokens:    tracked,
	}
}

// Start registers the sweep and revalidation jobs and launches the scheduler.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.sweepSchedule, func() {
		m.SweepExpired(context.Background())
	}); err != nil {
		return err
	}
	if m.verifier != nil {
		if _, err := m.cron.AddFunc(m.revalidateSchedule, func() {
			m.RevalidateTokens(context.Background())
		}); err != nil {
			return err
		}
	}
	m.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (m *Manager) Stop() context.Context {
	if m.cron == nil {
		return context.Background()
	}
	return m.cron.Stop()
}
