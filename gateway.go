package parley

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMutationTimeout bounds every mutation call, so a send that never
// resolves surfaces as a failure instead of leaving an optimistic record
// hanging forever.
const DefaultMutationTimeout = 20 * time.Second

// Gateway wraps the outbound mutation calls and applies them to the Store:
// sends optimistically, edits and deletes server-first. Mutation errors are
// returned to the caller; the store is rolled back (send) or left untouched
// (edit, delete).
type Gateway struct {
	client  *Client
	store   *Store
	logger  *zap.Logger
	timeout time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMutationTimeout overrides the per-mutation timeout.
func WithMutationTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// NewGateway creates a mutation gateway. A nil logger uses the client's
// logger.
func NewGateway(client *Client, store *Store, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = client.logger
	}
	g := &Gateway{
		client:  client,
		store:   store,
		logger:  logger,
		timeout: DefaultMutationTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) mutationCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// Send performs an optimistic append, issues the REST call, and reconciles
// the authoritative response into the store. On failure the optimistic
// record is removed and the error returned — no silent retry.
//
// The returned message is the server's record on success.
func (g *Gateway) Send(ctx context.Context, raw ConvID, content, kind string, attachment *Attachment) (*Message, error) {
	id, err := NormalizeConvID(raw)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = KindText
	}
	if kind != KindText && kind != KindImage {
		return nil, fmt.Errorf("unsupported message kind %q", kind)
	}

	clientID := uuid.NewString()
	optimistic := Message{
		ID:             optimisticIDPrefix + clientID,
		ClientID:       clientID,
		ConversationID: id,
		Sender:         User{ID: g.client.UserID()},
		Kind:           kind,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      g.now().UTC(),
	}
	if err := g.store.AppendOptimistic(optimistic); err != nil {
		return nil, err
	}
	// The sidebar preview updates immediately as well; the authoritative
	// touch replaces it when the server confirms.
	_ = g.store.ApplyTouch(Conversation{
		ID:          id,
		LastMessage: &optimistic,
		UpdatedAt:   optimistic.CreatedAt,
	})

	req := SendMessageRequest{
		Content:  content,
		Kind:     kind,
		ClientID: clientID,
	}
	if attachment != nil {
		req.AttachmentURL = attachment.URL
		req.AttachmentName = attachment.Name
		req.AttachmentType = attachment.Type
	}

	callCtx, cancel := g.mutationCtx(ctx)
	defer cancel()
	msg, err := g.client.SendMessage(callCtx, id, req)
	if err != nil {
		g.store.RemoveOptimistic(id, clientID)
		return nil, fmt.Errorf("send message: %w", err)
	}

	// Guarantee the echo match even against servers that drop unknown
	// request fields.
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	if msg.ConversationID.IsZero() {
		msg.ConversationID = id
	}
	if err := g.store.ApplyMessage(*msg); err != nil {
		g.logger.Warn("send confirmed but not applied", zap.Error(err))
	}
	return msg, nil
}

// Edit replaces a message's content. The REST call runs first — the message
// is already-confirmed state, so there is nothing safe to apply
// optimistically — and the local timeline is only mutated on success.
func (g *Gateway) Edit(ctx context.Context, messageID, content string) (*Message, error) {
	callCtx, cancel := g.mutationCtx(ctx)
	defer cancel()
	msg, err := g.client.EditMessage(callCtx, messageID, content)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	g.store.ApplyEdit(messageID, msg.Content)
	return msg, nil
}

// Delete deletes a message, server-first. The local entry is flagged deleted
// on success; local state is untouched on failure.
func (g *Gateway) Delete(ctx context.Context, messageID string) error {
	callCtx, cancel := g.mutationCtx(ctx)
	defer cancel()
	if err := g.client.DeleteMessage(callCtx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	g.store.ApplyDelete(messageID)
	return nil
}

// CreateConversation creates (or fetches the existing) conversation with
// another user and upserts it into the directory. The server returns the
// existing conversation for a repeated participant pair, so this never
// produces a duplicate entry.
func (g *Gateway) CreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	if otherUserID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	callCtx, cancel := g.mutationCtx(ctx)
	defer cancel()
	conv, err := g.client.CreateConversation(callCtx, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if err := g.store.ApplyTouch(*conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation deletes a conversation, server-first, then drops it
// from the directory.
func (g *Gateway) DeleteConversation(ctx context.Context, raw ConvID) error {
	id, err := NormalizeConvID(raw)
	if err != nil {
		return err
	}
	callCtx, cancel := g.mutationCtx(ctx)
	defer cancel()
	if err := g.client.DeleteConversation(callCtx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	g.store.Remove(id)
	return nil
}
