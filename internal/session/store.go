package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
)

const (
	OperationTenantClear = "tenant_clear"
	OperationGlobalClear = "global_clear"

	AccessLevelSuperAdmin = "super_admin"
	AccessLevelTenant     = "tenant"
	AccessLevelDenied     = "denied"
)

// Lookup names a session the way callers do: by explicit id or by report,
// within the caller's tenant and user.
type Lookup struct {
	SessionID  string
	ReportID   string
	ReportType ReportType
	TenantID   string
	UserEmail  string
}

func (l Lookup) key() Key {
	return DeriveKey(l.SessionID, l.ReportID, l.reportType(), l.TenantID, l.UserEmail)
}

func (l Lookup) reportType() ReportType {
	if l.ReportType == "" {
		return ReportTypeKG
	}
	return l.ReportType
}

type ClearResult struct {
	ClearedCount  int       `json:"cleared_count"`
	TenantID      string    `json:"tenant_id,omitempty"`
	OperationType string    `json:"operation_type"`
	Timestamp     time.Time `json:"timestamp"`
}

type AccessDecision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	AccessLevel string `json:"access_level"`
}

type Statistics struct {
	TotalSessions int          `json:"total_sessions"`
	ByTier        map[Tier]int `json:"by_tier"`
	// TenantID is set for a tenant-restricted view.
	TenantID      string       `json:"tenant_id,omitempty"`

	// GlobalSessions and ByTenant are only filled for the super-admin view.
	GlobalSessions int            `json:"global_sessions,omitempty"`
	ByTenant       map[string]int `json:"by_tenant,omitempty"`
}

// Store owns every ReportSession. All read-modify-write sequences on one key
// run under that key's lock.
type Store struct {
	backend Backend
	locks   *keyLocks
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewStore(backend Backend, logger *zap.Logger, metrics *telemetry.Metrics) *Store {
	return &Store{
		backend: backend,
		locks:   newKeyLocks(),
		logger:  logging.OrNop(logger),
		metrics: metrics,
		now:     time.Now,
	}
}

// GetOrCreate returns the session for the lookup, creating it if absent, and
// stamps LastAccessed either way.
func (s *Store) GetOrCreate(ctx context.Context, l Lookup) (*ReportSession, error) {
	key := l.key()
	s.warnTier(key, "get_or_create")
	ks := key.String()

	unlock := s.locks.lock(ks)
	defer unlock()

	now := s.now().UTC()
	sess, ok, err := s.backend.Get(ctx, ks)
	if err != nil {
		return nil, err
	}
	if !ok {
		sess = &ReportSession{
			SessionID:       key.SessionID,
			ScopedSessionID: ks,
			ReportID:        l.ReportID,
			ReportType:      l.reportType(),
			TenantID:        key.TenantID,
			UserEmail:       key.UserEmail,
			IsolationLevel:  key.Tier,
			Messages:        []Message{},
			Context:         map[string]any{},
			CreatedAt:       now,
		}
		s.logger.Debug("session created",
			zap.String("scoped_session_id", ks),
			zap.String("isolation_level", string(key.Tier)),
		)
	}
	sess.LastAccessed = now

	if err := s.backend.Put(ctx, ks, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Update applies patch to an existing session. It reports false when the
// session is missing or owned by another tenant.
func (s *Store) Update(ctx context.Context, sessionID string, patch Patch, tenantID, userEmail string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	return s.mutate(ctx, "update", Lookup{SessionID: sessionID, TenantID: tenantID, UserEmail: userEmail}, func(sess *ReportSession) {
		patch.apply(sess)
	})
}

// AppendExchange appends one user message and the assistant's answer.
func (s *Store) AppendExchange(ctx context.Context, l Lookup, userMessage, answer string) (bool, error) {
	return s.mutate(ctx, "append", l, func(sess *ReportSession) {
		sess.Messages = append(sess.Messages,
			Message{Role: RoleUser, Content: userMessage},
			Message{Role: RoleAssistant, Content: answer},
		)
	})
}

func (s *Store) mutate(ctx context.Context, op string, l Lookup, fn func(*ReportSession)) (bool, error) {
	key := l.key()
	ks := key.String()

	unlock := s.locks.lock(ks)
	defer unlock()

	sess, ok, err := s.backend.Get(ctx, ks)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("session not found", zap.String("operation", op), zap.String("scoped_session_id", ks))
		return false, nil
	}
	if !s.owns(sess, l.TenantID, op, ks) {
		return false, nil
	}

	fn(sess)
	sess.LastAccessed = s.now().UTC()
	if err := s.backend.Put(ctx, ks, sess); err != nil {
		return false, err
	}
	return true, nil
}

// Clear deletes the session named by the lookup. With a session id it tries
// that key first, then the key derived from the report if one was named.
func (s *Store) Clear(ctx context.Context, l Lookup) (bool, error) {
	var candidates []Key
	if l.SessionID != "" {
		candidates = append(candidates, l.key())
	}
	if l.SessionID == "" || l.ReportID != "" {
		byReport := l
		byReport.SessionID = ""
		if rk := byReport.key(); len(candidates) == 0 || rk != candidates[0] {
			candidates = append(candidates, rk)
		}
	}

	for _, key := range candidates {
		cleared, found, err := s.clearKey(ctx, key, l.TenantID)
		if err != nil {
			return false, err
		}
		if found {
			return cleared, nil
		}
	}
	s.logger.Info("no session to clear",
		zap.String("session_id", l.SessionID),
		zap.String("report_id", l.ReportID),
		zap.String("tenant_id", l.TenantID),
	)
	return false, nil
}

func (s *Store) clearKey(ctx context.Context, key Key, tenantID string) (cleared, found bool, err error) {
	ks := key.String()
	unlock := s.locks.lock(ks)
	defer unlock()

	sess, ok, err := s.backend.Get(ctx, ks)
	if err != nil || !ok {
		return false, false, err
	}
	if !s.owns(sess, tenantID, "clear", ks) {
		return false, true, nil
	}
	deleted, err := s.backend.Delete(ctx, ks)
	if err != nil {
		return false, true, err
	}
	if deleted {
		s.metrics.SessionCleared("clear", 1)
		s.logger.Info("session cleared", zap.String("scoped_session_id", ks), zap.String("tenant_id", tenantID))
	}
	return deleted, true, nil
}

// ClearAllForTenant removes every session of tenantID, or every global
// session when tenantID is empty. The two sweeps never overlap.
func (s *Store) ClearAllForTenant(ctx context.Context, tenantID string) (*ClearResult, error) {
	prefix, op := GlobalPrefix, OperationGlobalClear
	if tenantID != "" {
		prefix, op = TenantPrefix(tenantID), OperationTenantClear
	}

	keys, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	s.logger.Warn("bulk session clear",
		zap.String("operation_type", op),
		zap.String("tenant_id", tenantID),
		zap.Int("candidates", len(keys)),
	)

	res := &ClearResult{TenantID: tenantID, OperationType: op}
	for _, ks := range keys {
		ok, err := s.deleteLogged(ctx, ks, op)
		if err != nil {
			return nil, err
		}
		if ok {
			res.ClearedCount++
		}
	}
	res.Timestamp = s.now().UTC()
	s.metrics.SessionCleared(op, res.ClearedCount)
	return res, nil
}

func (s *Store) deleteLogged(ctx context.Context, ks, op string) (bool, error) {
	unlock := s.locks.lock(ks)
	defer unlock()

	s.logger.Info("deleting session", zap.String("operation_type", op), zap.String("scoped_session_id", ks))
	return s.backend.Delete(ctx, ks)
}

// ValidateAccess is a pure predicate. An empty requestingTenantID is a
// super-admin and is always allowed; an empty targetTenantID means the
// requester's own tenant.
func (s *Store) ValidateAccess(sessionID, requestingTenantID, targetTenantID string) AccessDecision {
	if requestingTenantID == "" {
		return AccessDecision{Allowed: true, Reason: "super-admin access", AccessLevel: AccessLevelSuperAdmin}
	}
	target := targetTenantID
	if target == "" {
		target = requestingTenantID
	}
	if requestingTenantID == target {
		return AccessDecision{Allowed: true, Reason: "same tenant", AccessLevel: AccessLevelTenant}
	}
	s.metrics.SessionDenied("validate_access")
	s.logger.Warn("cross-tenant session access denied",
		zap.String("session_id", sessionID),
		zap.String("requesting_tenant_id", requestingTenantID),
		zap.String("target_tenant_id", target),
	)
	return AccessDecision{
		Allowed:     false,
		Reason:      fmt.Sprintf("tenant %s cannot access sessions of tenant %s", requestingTenantID, target),
		AccessLevel: AccessLevelDenied,
	}
}

// Statistics counts sessions. A tenant sees only its own sessions; the
// super-admin view adds global sessions and a per-tenant breakdown.
func (s *Store) Statistics(ctx context.Context, tenantID string) (*Statistics, error) {
	prefix := ""
	if tenantID != "" {
		prefix = TenantPrefix(tenantID)
	}
	keys, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	st := &Statistics{ByTier: map[Tier]int{}, TenantID: tenantID}
	if tenantID == "" {
		st.ByTenant = map[string]int{}
	}
	for _, ks := range keys {
		k, err := ParseKey(ks)
		if err != nil {
			s.logger.Warn("skipping malformed session key", zap.String("key", ks))
			continue
		}
		st.TotalSessions++
		st.ByTier[k.Tier]++
		if tenantID != "" {
			continue
		}
		if k.Tier == TierGlobal {
			st.GlobalSessions++
		} else {
			st.ByTenant[k.TenantID]++
		}
	}
	return st, nil
}

// Count is the number of live sessions, for gauges.
func (s *Store) Count(ctx context.Context) (int, error) {
	keys, err := s.backend.Keys(ctx, "")
	return len(keys), err
}

func (s *Store) owns(sess *ReportSession, tenantID, op, ks string) bool {
	if sess.TenantID == tenantID {
		return true
	}
	s.metrics.SessionDenied(op)
	s.logger.Warn("session tenant mismatch",
		zap.String("operation", op),
		zap.String("scoped_session_id", ks),
		zap.String("session_tenant_id", sess.TenantID),
		zap.String("requesting_tenant_id", tenantID),
	)
	return false
}

func (s *Store) warnTier(k Key, op string) {
	switch k.Tier {
	case TierGlobal:
		s.logger.Warn("session accessed without tenant scope",
			zap.String("operation", op),
			zap.String("session_id", k.SessionID),
		)
	case TierTenantScoped:
		s.logger.Warn("deprecated tenant-only session tier in use",
			zap.String("operation", op),
			zap.String("tenant_id", k.TenantID),
			zap.String("session_id", k.SessionID),
		)
	}
}
