package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge/compose"
	"github.com/agentbridge/agentbridge/internal/bridge/credentials"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/registry"
	"github.com/agentbridge/agentbridge/internal/bridge/retry"
	"github.com/agentbridge/agentbridge/internal/bridge/streams"
	"github.com/agentbridge/agentbridge/internal/common/config"
	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events/bus"
)

// Bus subjects, one pair per conversation.
func MessageSubject(conversationID string) string {
	return "bridge.conversations." + conversationID + ".messages"
}

func PermissionSubject(conversationID string) string {
	return "bridge.conversations." + conversationID + ".permissions"
}

// Event types published on the bus.
const (
	EventMessageUpdate     = "bridge.message.update"
	EventMessageRevoke     = "bridge.message.revoke"
	EventPermissionRequest = "bridge.permission.request"
)

// Manager owns all live conversations and the resources they share: the
// permission manager, the message sink, and the event bus.
type Manager struct {
	registry    *registry.Registry
	creds       *credentials.EnvProvider
	permissions *permission.Manager
	sink        compose.MessageSink
	eventBus    bus.EventBus
	cfg         config.BridgeConfig
	logger      *logger.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewManager creates the conversation manager and hooks permission cards
// onto the event bus.
func NewManager(
	reg *registry.Registry,
	creds *credentials.EnvProvider,
	perms *permission.Manager,
	sink compose.MessageSink,
	eventBus bus.EventBus,
	cfg config.BridgeConfig,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		registry:    reg,
		creds:       creds,
		permissions: perms,
		sink:        sink,
		eventBus:    eventBus,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "bridge-manager")),
		connections: make(map[string]*Connection),
	}

	perms.SetPendingNotifier(m.publishPermissionCard)
	return m
}

// CreateConversation spawns an agent of the given family and returns the
// new conversation id once the connection is established.
func (m *Manager) CreateConversation(ctx context.Context, familyID, workingDir string) (string, *Connection, error) {
	family, err := m.registry.Get(familyID)
	if err != nil {
		return "", nil, bridgeerrors.BadRequest(err.Error())
	}

	conversationID := uuid.New().String()
	log := m.logger.WithConversationID(conversationID)

	composer := compose.NewComposer(conversationID, m.sink, m.emitter(conversationID), log)

	conn := NewConnection(Options{
		ConversationID:     conversationID,
		Family:             family,
		ExecutableOverride: m.cfg.AgentPaths[familyID],
		WorkingDir:         workingDir,
		Env:                m.creds.Resolve(ctx, family.RequiredEnv),
		HandshakeTimeout:   m.cfg.HandshakeTimeoutDuration(),
		ProbeTimeout:       m.cfg.ProbeTimeoutDuration(),
		SessionTimeout:     m.cfg.SessionTimeoutDuration(),
		PromptTimeout:      m.cfg.PromptTimeoutDuration(),
		ShutdownGrace:      m.cfg.ShutdownGraceDuration(),
		StderrMaxBytes:     m.cfg.StderrBufferBytes,
		Retry: retry.Config{
			MaxAttempts: m.cfg.RetryMaxAttempts,
			BackoffBase: m.cfg.RetryBackoffBaseDuration(),
		},
	}, composer, m.permissions, NewLocalFileOps(workingDir), log)

	if err := conn.Start(ctx); err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.connections[conversationID] = conn
	m.mu.Unlock()

	m.logger.Info("conversation created",
		zap.String("conversation_id", conversationID),
		zap.String("family", familyID))
	return conversationID, conn, nil
}

// Get returns the live connection for a conversation.
func (m *Manager) Get(conversationID string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[conversationID]
	if !ok {
		return nil, bridgeerrors.NotFound("conversation", conversationID)
	}
	return conn, nil
}

// List returns the ids of all live conversations.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	return out
}

// Stop tears one conversation down and forgets it.
func (m *Manager) Stop(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	conn, ok := m.connections[conversationID]
	if ok {
		delete(m.connections, conversationID)
	}
	m.mu.Unlock()

	if !ok {
		return bridgeerrors.NotFound("conversation", conversationID)
	}
	return conn.Stop(ctx)
}

// StopAll tears every conversation down. Used on service shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop conversation",
				zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

// ResolvePermission settles a pending approval with the user's decision.
func (m *Manager) ResolvePermission(ctx context.Context, decision streams.PermissionDecision) error {
	return m.permissions.Resolve(ctx, decision)
}

// Permissions exposes the shared permission manager for the API layer.
func (m *Manager) Permissions() *permission.Manager {
	return m.permissions
}

// Messages reads the persisted transcript of a conversation from the sink.
func (m *Manager) Messages(ctx context.Context, conversationID string, limit int) ([]*compose.Message, error) {
	return m.sink.Messages(ctx, conversationID, limit)
}

// emitter publishes composer events on the conversation's message subject.
// Bus publish is quick (channel or NATS write); the composer requires a
// non-blocking emitter.
func (m *Manager) emitter(conversationID string) compose.Emitter {
	subject := MessageSubject(conversationID)
	return func(ev compose.Event) {
		eventType := EventMessageUpdate
		if ev.Revoke {
			eventType = EventMessageRevoke
		}
		event := bus.NewEvent(eventType, "bridge", map[string]interface{}{
			"conversation_id": ev.ConversationID,
			"msg_id":          ev.MsgID,
			"revoke":          ev.Revoke,
			"update":          ev.Update,
		})
		if err := m.eventBus.Publish(context.Background(), subject, event); err != nil {
			m.logger.Warn("failed to publish message event", zap.Error(err))
		}
	}
}

// publishPermissionCard fans an approval card out to live consumers.
func (m *Manager) publishPermissionCard(req streams.PermissionRequest) {
	event := bus.NewEvent(EventPermissionRequest, "bridge", map[string]interface{}{
		"request": req,
	})
	if err := m.eventBus.Publish(context.Background(), PermissionSubject(req.ConversationID), event); err != nil {
		m.logger.Warn("failed to publish permission card", zap.Error(err))
	}
}
