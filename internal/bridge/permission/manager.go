package permission

import (
	"context"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Request states. Pending is the only non-terminal state.
const (
	StatePending            = "pending"
	StateApproved           = "approved"
	StateApprovedForSession = "approved_for_session"
	StateDenied             = "denied"
	StateAborted            = "aborted"
)

// Resolution is the terminal outcome of a permission request.
type Resolution struct {
	// State is one of the terminal State* constants.
	State string

	// OptionID is the chosen option, empty for aborts and policy
	// auto-resolutions.
	OptionID string
}

// Approved reports whether the resolution allows the action.
func (r Resolution) Approved() bool {
	return r.State == StateApproved || r.State == StateApprovedForSession
}

type pendingRequest struct {
	request    streams.PermissionRequest
	kind       string
	state      string
	responseCh chan Resolution
}

// Manager tracks pending permission requests and applies durable policies.
type Manager struct {
	mu      sync.RWMutex
	pending map[string]*pendingRequest

	store       PolicyStore
	retention   time.Duration
	waitTimeout time.Duration
	logger      *logger.Logger
	now         func() time.Time
	onPending   func(streams.PermissionRequest)
}

// NewManager creates a permission manager backed by the given policy store.
func NewManager(store PolicyStore, retention, waitTimeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		pending:     make(map[string]*pendingRequest),
		store:       store,
		retention:   retention,
		waitTimeout: waitTimeout,
		logger:      log.WithFields(zap.String("component", "permission-manager")),
		now:         time.Now,
	}
}

// SetPendingNotifier registers a callback invoked whenever a request
// actually goes pending. Policy auto-resolutions never trigger it, so the
// UI only sees approval cards for requests that need a decision.
func (m *Manager) SetPendingNotifier(notify func(streams.PermissionRequest)) {
	m.onPending = notify
}

// Ask resolves a permission request: either immediately via a stored
// policy (auto=true, no approval card shown), or by registering the
// request and blocking until Resolve is called, the wait times out, or
// the context is cancelled. Timeouts and cancellations resolve to
// Aborted rather than erroring, so the agent always gets an answer.
//
// Ask blocks and must not be called from a reader loop directly; spawn a
// goroutine per request the way the connection layer does.
func (m *Manager) Ask(ctx context.Context, req streams.PermissionRequest, kind string) (Resolution, bool, error) {
	if res := m.resolveFromPolicy(ctx, req.ConversationID, kind); res != nil {
		m.logger.Info("permission auto-resolved by policy",
			zap.String("pending_id", req.PendingID),
			zap.String("kind", kind),
			zap.String("state", res.State))
		return *res, true, nil
	}

	p := &pendingRequest{
		request:    req,
		kind:       kind,
		state:      StatePending,
		responseCh: make(chan Resolution, 1),
	}

	m.mu.Lock()
	if _, exists := m.pending[req.PendingID]; exists {
		m.mu.Unlock()
		return Resolution{}, false, bridgeerrors.Conflict("permission request already pending: " + req.PendingID)
	}
	m.pending[req.PendingID] = p
	m.mu.Unlock()

	if m.onPending != nil {
		m.onPending(req)
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.PendingID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-p.responseCh:
		return res, false, nil
	case <-timer.C:
		m.logger.Warn("permission request timed out, aborting",
			zap.String("pending_id", req.PendingID),
			zap.Duration("timeout", m.waitTimeout))
		m.markAborted(req.PendingID)
		return Resolution{State: StateAborted}, false, nil
	case <-ctx.Done():
		m.markAborted(req.PendingID)
		return Resolution{State: StateAborted}, false, nil
	}
}

// Resolve settles a pending request with the user's decision. Resolving a
// request that is missing or already terminal returns an error; it never
// disturbs the earlier outcome.
func (m *Manager) Resolve(ctx context.Context, decision streams.PermissionDecision) error {
	m.mu.Lock()
	p, exists := m.pending[decision.PendingID]
	if !exists {
		m.mu.Unlock()
		return bridgeerrors.NotFound("permission request", decision.PendingID)
	}
	if p.state != StatePending {
		m.mu.Unlock()
		return bridgeerrors.Conflict("permission request already resolved: " + decision.PendingID)
	}

	res, policy, err := m.resolutionFor(p, decision)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	p.state = res.State
	m.mu.Unlock()

	if policy != nil {
		if storeErr := m.store.Put(ctx, policy); storeErr != nil {
			m.logger.Error("failed to store permission policy", zap.Error(storeErr))
		}
	}

	select {
	case p.responseCh <- res:
	default:
		// Ask already gave up; the abort won.
	}
	return nil
}

// resolutionFor maps a decision onto a terminal state plus an optional
// durable policy. Caller holds m.mu.
func (m *Manager) resolutionFor(p *pendingRequest, decision streams.PermissionDecision) (Resolution, *Policy, error) {
	if decision.Cancelled {
		return Resolution{State: StateAborted}, nil, nil
	}

	var option *streams.PermissionOption
	for i := range p.request.Options {
		if p.request.Options[i].OptionID == decision.OptionID {
			option = &p.request.Options[i]
			break
		}
	}
	if option == nil {
		return Resolution{}, nil, bridgeerrors.BadRequest("unknown permission option: " + decision.OptionID)
	}

	res := Resolution{OptionID: option.OptionID}
	var policy *Policy

	switch option.Kind {
	case streams.OptionKindAllowOnce:
		res.State = StateApproved
		if forSession, ok := option.Metadata["for_session"].(bool); ok && forSession {
			res.State = StateApprovedForSession
		}
	case streams.OptionKindAllowAlways:
		res.State = StateApproved
		policy = &Policy{
			ConversationID: p.request.ConversationID,
			Kind:           p.kind,
			Action:         PolicyAllowAlways,
			CreatedAt:      m.now(),
		}
	case streams.OptionKindRejectOnce:
		res.State = StateDenied
	case streams.OptionKindRejectAlways:
		res.State = StateDenied
		policy = &Policy{
			ConversationID: p.request.ConversationID,
			Kind:           p.kind,
			Action:         PolicyRejectAlways,
			CreatedAt:      m.now(),
		}
	default:
		return Resolution{}, nil, bridgeerrors.BadRequest("unknown permission option kind: " + option.Kind)
	}

	return res, policy, nil
}

// resolveFromPolicy returns the auto-resolution for a stored, unexpired
// policy, or nil when the request must prompt. Stale policies are dropped
// on sight.
func (m *Manager) resolveFromPolicy(ctx context.Context, conversationID, kind string) *Resolution {
	policy, err := m.store.Get(ctx, conversationID, kind)
	if err != nil {
		m.logger.Error("failed to read permission policy", zap.Error(err))
		return nil
	}
	if policy == nil {
		return nil
	}
	if m.now().Sub(policy.CreatedAt) > m.retention {
		if err := m.store.Delete(ctx, conversationID, kind); err != nil {
			m.logger.Warn("failed to drop expired permission policy", zap.Error(err))
		}
		return nil
	}

	switch policy.Action {
	case PolicyAllowAlways:
		return &Resolution{State: StateApproved}
	case PolicyRejectAlways:
		return &Resolution{State: StateDenied}
	default:
		return nil
	}
}

func (m *Manager) markAborted(pendingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, exists := m.pending[pendingID]; exists && p.state == StatePending {
		p.state = StateAborted
	}
}

// Pending returns a snapshot of all requests still awaiting a decision.
func (m *Manager) Pending() []streams.PermissionRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]streams.PermissionRequest, 0, len(m.pending))
	for _, p := range m.pending {
		if p.state == StatePending {
			out = append(out, p.request)
		}
	}
	return out
}

// SweepExpiredPolicies removes policies older than the retention window.
func (m *Manager) SweepExpiredPolicies(ctx context.Context) (int, error) {
	return m.store.Sweep(ctx, m.now().Add(-m.retention))
}
