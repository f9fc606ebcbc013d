package parley

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const engineHandlerKey = "parley.engine"

// Engine routes every inbound event — push deliveries and REST fetch
// results — through one funnel into the Store, and coordinates which
// conversation is open. Push events are applied in local arrival order; the
// merge rules in the Store make re-delivery and reordering harmless.
type Engine struct {
	client *Client
	store  *Store
	subs   *SubscriptionManager
	logger *zap.Logger

	// PageLimit bounds the per-conversation fetch. Zero uses the server
	// default.
	PageLimit int
}

// NewEngine wires the client, store and transport together. The engine
// registers itself for push events; call Close to detach. A nil logger uses
// the client's logger.
func NewEngine(client *Client, store *Store, transport Transport, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = client.logger
	}
	e := &Engine{
		client: client,
		store:  store,
		subs:   NewSubscriptionManager(transport, logger),
		logger: logger,
	}
	transport.OnMessageCreated(engineHandlerKey, e.HandleMessageCreated)
	transport.OnConversationTouched(engineHandlerKey, e.HandleConversationTouched)
	return e
}

// Close detaches the engine and its subscription manager from the transport.
func (e *Engine) Close() {
	e.subs.transport.RemoveHandler(engineHandlerKey)
	e.subs.Close()
}

// Subscriptions exposes the engine's subscription manager.
func (e *Engine) Subscriptions() *SubscriptionManager {
	return e.subs
}

// Bootstrap seeds the directory from the bulk-list fetch and joins every
// known conversation. The active selection survives the replace because it
// is tracked by id, not by object identity.
func (e *Engine) Bootstrap(ctx context.Context) error {
	convs, err := e.client.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	e.store.ReplaceAll(convs)

	ids := make([]ConvID, 0, len(convs))
	for _, c := range convs {
		id, err := NormalizeConvID(c.ID)
		if err != nil {
			e.logger.Warn("bootstrap: skipping conversation without usable id", zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	if err := e.subs.JoinAll(ctx, ids); err != nil {
		// Delivery recovers on the next connected transition; the directory
		// itself is already seeded.
		e.logger.Warn("bootstrap: join all failed", zap.Error(err))
	}
	return nil
}

// OpenConversation makes a conversation active: it is (re)joined on the push
// channel and its timeline is fetched. A fetch result that loses the race
// with a newer OpenConversation is discarded rather than applied to the
// wrong timeline.
func (e *Engine) OpenConversation(ctx context.Context, raw ConvID) error {
	id, err := NormalizeConvID(raw)
	if err != nil {
		return err
	}

	if err := e.subs.SetActive(ctx, id); err != nil {
		e.logger.Debug("open conversation: join failed, relying on reconnect",
			zap.String("conversation", id.String()),
			zap.Error(err))
	}

	ticket := e.store.BeginTimelineLoad(id)
	page, err := e.client.FetchConversation(ctx, id, 0, e.PageLimit)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}

	if !e.store.CompleteTimelineLoad(id, ticket, page.Messages) {
		return nil
	}
	page.Conversation.ID = id
	if err := e.store.ApplyTouch(page.Conversation); err != nil {
		e.logger.Warn("open conversation: touch failed", zap.Error(err))
	}
	return nil
}

// HandleMessageCreated applies a pushed message. The directory preview is
// refreshed for every conversation, subscribed or not; the timeline is only
// touched when it has been opened.
func (e *Engine) HandleMessageCreated(m Message) {
	if err := e.store.ApplyMessage(m); err != nil {
		e.logger.Warn("dropping message event without usable conversation id",
			zap.String("message", m.ID),
			zap.Error(err))
	}
}

// HandleConversationTouched applies a pushed conversation summary. Unknown
// conversations — e.g. one just created by the other participant — insert a
// minimal entry instead of dropping the event.
func (e *Engine) HandleConversationTouched(c Conversation) {
	if err := e.store.ApplyTouch(c); err != nil {
		e.logger.Warn("dropping conversation event without usable id", zap.Error(err))
	}
}
