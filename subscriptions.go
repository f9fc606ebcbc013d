package parley

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const subscriptionHandlerKey = "parley.subscriptions"

// SubscriptionManager tracks which conversations the client wants push
// delivery for, and keeps the server-side membership in step with that set.
// The server forgets membership across connections, so the manager observes
// the transport's state transitions and re-issues every join each time the
// channel comes up.
type SubscriptionManager struct {
	transport Transport
	logger    *zap.Logger

	mu     sync.Mutex
	joined map[ConvID]bool // the subscription set as issued to the server
	global map[ConvID]bool // ids covered by the directory-wide JoinAll
	active ConvID
}

// NewSubscriptionManager creates a manager bound to a transport. A nil
// logger disables logging.
func NewSubscriptionManager(transport Transport, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &SubscriptionManager{
		transport: transport,
		logger:    logger,
		joined:    make(map[ConvID]bool),
		global:    make(map[ConvID]bool),
	}
	transport.OnStateChange(subscriptionHandlerKey, func(s ConnState) {
		if s == StateConnected {
			m.rejoinAll()
		}
	})
	return m
}

// Close detaches the manager from the transport.
func (m *SubscriptionManager) Close() {
	m.transport.RemoveHandler(subscriptionHandlerKey)
}

// Joined returns the current subscription set in canonical form.
func (m *SubscriptionManager) Joined() []ConvID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConvID, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	return out
}

// JoinAll joins every id not already joined. Used after the directory's
// initial load; the same set is re-issued automatically on reconnect.
func (m *SubscriptionManager) JoinAll(ctx context.Context, ids []ConvID) error {
	m.mu.Lock()
	var fresh []ConvID
	for _, raw := range ids {
		id, err := NormalizeConvID(raw)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.global[id] = true
		if !m.joined[id] {
			m.joined[id] = true
			fresh = append(fresh, id)
		}
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return m.transport.JoinConversations(ctx, fresh)
}

// JoinOne joins a single conversation. Joining an already-joined id does not
// re-issue the command.
func (m *SubscriptionManager) JoinOne(ctx context.Context, raw ConvID) error {
	id, err := NormalizeConvID(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	already := m.joined[id]
	m.joined[id] = true
	m.mu.Unlock()
	if already {
		return nil
	}
	return m.transport.JoinConversation(ctx, id)
}

// LeaveOne leaves a single conversation.
func (m *SubscriptionManager) LeaveOne(ctx context.Context, raw ConvID) error {
	id, err := NormalizeConvID(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	joined := m.joined[id]
	delete(m.joined, id)
	delete(m.global, id)
	m.mu.Unlock()
	if !joined {
		return nil
	}
	return m.transport.LeaveConversation(ctx, id)
}

// SetActive records the active conversation and ensures it is joined. The
// previous active conversation is left only when the directory-wide join
// does not already need it, and only as best-effort cleanup — a failed leave
// reduces nothing but server fan-out cost, so it is logged and ignored.
func (m *SubscriptionManager) SetActive(ctx context.Context, raw ConvID) error {
	id, err := NormalizeConvID(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	previous := m.active
	m.active = id
	leavePrevious := previous != "" && previous != id && !m.global[previous]
	m.mu.Unlock()

	if leavePrevious {
		if err := m.transport.LeaveConversation(ctx, previous); err != nil {
			m.logger.Debug("best-effort leave failed",
				zap.String("conversation", previous.String()),
				zap.Error(err))
		} else {
			m.mu.Lock()
			delete(m.joined, previous)
			m.mu.Unlock()
		}
	}

	return m.JoinOne(ctx, id)
}

// Active returns the active conversation id, if any.
func (m *SubscriptionManager) Active() ConvID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// rejoinAll re-issues every join in the subscription set after a (re)connect.
func (m *SubscriptionManager) rejoinAll() {
	m.mu.Lock()
	ids := make([]ConvID, 0, len(m.joined))
	for id := range m.joined {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := m.transport.JoinConversations(context.Background(), ids); err != nil {
		m.logger.Warn("resubscribe after reconnect failed", zap.Error(err))
	}
}
