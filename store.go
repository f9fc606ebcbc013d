package parley

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const optimisticIDPrefix = "local-"

// optimisticMatchWindow bounds the content-heuristic fallback when matching
// an authoritative message against an optimistic record that the server did
// not echo a clientId for.
const optimisticMatchWindow = 2 * time.Minute

// Store holds the Conversation Directory and the per-conversation Message
// Timelines. A single mutex covers both structures, so a message event's
// directory touch and timeline merge are observed atomically by readers.
//
// Presentation code reads via the accessor methods; all writes flow through
// the Reconciliation Engine and the Mutation Gateway.
type Store struct {
	mu sync.Mutex

	conversations map[ConvID]*Conversation
	timelines     map[ConvID][]Message

	// loadSeq orders timeline fetches: a fetch result is applied only if no
	// newer fetch has started since, which discards stale responses after a
	// conversation switch.
	loadSeq     uint64
	loadTickets map[ConvID]uint64

	logger *zap.Logger
}

// NewStore creates an empty store. A nil logger disables logging.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		conversations: make(map[ConvID]*Conversation),
		timelines:     make(map[ConvID][]Message),
		loadTickets:   make(map[ConvID]uint64),
		logger:        logger,
	}
}

// ============================================================================
// Conversation Directory
// ============================================================================

// ReplaceAll replaces the directory from a bulk fetch. Timelines are kept;
// the caller re-points any active selection by id.
func (s *Store) ReplaceAll(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[ConvID]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		id, err := NormalizeConvID(c.ID)
		if err != nil {
			s.logger.Warn("directory load: dropping conversation without usable id", zap.Error(err))
			continue
		}
		c.ID = id
		c.LastMessage = cloneMessage(c.LastMessage)
		s.conversations[id] = &c
	}
}

// ApplyTouch upserts a conversation summary. For an existing entry only
// lastMessage and updatedAt are replaced — participants never churn from
// partial payloads. A touch whose updatedAt is older than the current value
// is stale and ignored: updatedAt is monotonically non-decreasing.
func (s *Store) ApplyTouch(conv Conversation) error {
	id, err := NormalizeConvID(conv.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTouchLocked(id, conv)
	return nil
}

func (s *Store) applyTouchLocked(id ConvID, conv Conversation) {
	existing, ok := s.conversations[id]
	if !ok {
		conv.ID = id
		conv.LastMessage = cloneMessage(conv.LastMessage)
		s.conversations[id] = &conv
		return
	}
	if !conv.UpdatedAt.IsZero() && conv.UpdatedAt.Before(existing.UpdatedAt) {
		s.logger.Debug("stale conversation touch ignored",
			zap.String("conversation", id.String()),
			zap.Time("touch", conv.UpdatedAt),
			zap.Time("current", existing.UpdatedAt))
		return
	}
	if conv.LastMessage != nil {
		existing.LastMessage = cloneMessage(conv.LastMessage)
	}
	if conv.UpdatedAt.After(existing.UpdatedAt) {
		existing.UpdatedAt = conv.UpdatedAt
	}
}

// Conversation returns a copy of one directory entry.
func (s *Store) Conversation(id ConvID) (Conversation, bool) {
	id, err := NormalizeConvID(id)
	if err != nil {
		return Conversation{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(c), true
}

// Conversations returns the directory sorted by updatedAt descending. The
// sort is a derived presentation view; the directory itself is unordered.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []Conversation {
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// FilterConversations returns the directory entries matching a participant
// role and a free-text query over participant names and last-message content.
// Empty arguments match everything. Filtering never mutates the directory.
func (s *Store) FilterConversations(role, query string) []Conversation {
	s.mu.Lock()
	all := s.sortedLocked()
	s.mu.Unlock()

	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]Conversation, 0, len(all))
	for _, c := range all {
		if role != "" && !hasParticipantRole(c, role) {
			continue
		}
		if query != "" && !matchesQuery(c, query) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasParticipantRole(c Conversation, role string) bool {
	for _, p := range c.Participants {
		if strings.EqualFold(p.Role, role) {
			return true
		}
	}
	return false
}

func matchesQuery(c Conversation, query string) bool {
	for _, p := range c.Participants {
		if strings.Contains(strings.ToLower(p.Username), query) ||
			strings.Contains(strings.ToLower(p.DisplayName), query) {
			return true
		}
	}
	return c.LastMessage != nil &&
		strings.Contains(strings.ToLower(c.LastMessage.Content), query)
}

// Remove deletes a conversation and its timeline.
func (s *Store) Remove(id ConvID) {
	id, err := NormalizeConvID(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.timelines, id)
	delete(s.loadTickets, id)
}

// ============================================================================
// Message Timelines
// ============================================================================

// BeginTimelineLoad marks the start of a timeline fetch and returns a ticket
// for CompleteTimelineLoad. Starting a newer load invalidates every earlier
// ticket, so a response that raced a conversation switch is discarded.
func (s *Store) BeginTimelineLoad(id ConvID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadSeq++
	s.loadTickets[id] = s.loadSeq
	return s.loadSeq
}

// CompleteTimelineLoad replaces the timeline for id if ticket is still the
// newest load overall. Unreconciled optimistic records for id are dropped —
// the authoritative fetch is presumed to supersede them. Reports whether the
// result was applied.
func (s *Store) CompleteTimelineLoad(id ConvID, ticket uint64, msgs []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket != s.loadSeq || s.loadTickets[id] != ticket {
		s.logger.Debug("stale timeline fetch discarded",
			zap.String("conversation", id.String()),
			zap.Uint64("ticket", ticket))
		return false
	}

	timeline := make([]Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.ConversationID = id
		timeline = append(timeline, m)
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].CreatedAt.Before(timeline[j].CreatedAt)
	})
	s.timelines[id] = timeline
	return true
}

// HasTimeline reports whether a timeline has been loaded for id.
func (s *Store) HasTimeline(id ConvID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timelines[id]
	return ok
}

// Timeline returns a copy of the loaded timeline for id.
func (s *Store) Timeline(id ConvID) ([]Message, bool) {
	id, err := NormalizeConvID(id)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[id]
	if !ok {
		return nil, false
	}
	out := make([]Message, len(t))
	copy(out, t)
	return out, true
}

// AppendOptimistic inserts a not-yet-confirmed message at the end of its
// conversation's timeline. The message must carry a provisional id and a
// clientId correlation token.
func (s *Store) AppendOptimistic(m Message) error {
	id, err := NormalizeConvID(m.ConversationID)
	if err != nil {
		return err
	}
	m.ConversationID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timelines[id]; !ok {
		// Sending into a conversation whose timeline was never opened still
		// needs a place for the optimistic record.
		s.timelines[id] = []Message{}
	}
	s.timelines[id] = append(s.timelines[id], m)
	return nil
}

// RemoveOptimistic drops an optimistic record by its clientId, used to roll
// back a failed send. When the directory preview shows the removed record it
// is restored from the remaining timeline.
func (s *Store) RemoveOptimistic(id ConvID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeline, ok := s.timelines[id]
	if !ok {
		return
	}
	for i := range timeline {
		if timeline[i].ClientID == clientID && timeline[i].IsOptimistic() {
			timeline = append(timeline[:i], timeline[i+1:]...)
			s.timelines[id] = timeline
			break
		}
	}
	c, ok := s.conversations[id]
	if !ok || c.LastMessage == nil || !c.LastMessage.IsOptimistic() || c.LastMessage.ClientID != clientID {
		return
	}
	if len(timeline) > 0 {
		c.LastMessage = cloneMessage(&timeline[len(timeline)-1])
	} else {
		c.LastMessage = nil
	}
}

// ApplyMessage is the single funnel for an authoritative message from any
// source (push delivery or REST confirmation). It touches the directory and,
// when the conversation's timeline is loaded, merges the message into it —
// both under one lock, so consumers never observe the two diverging.
//
// A message for a conversation the directory has never seen inserts a
// minimal entry rather than dropping the event.
func (s *Store) ApplyMessage(m Message) error {
	id, err := NormalizeConvID(m.ConversationID)
	if err != nil {
		return err
	}
	m.ConversationID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.conversations[id]
	if !known {
		s.logger.Info("message for unknown conversation, inserting directory entry",
			zap.String("conversation", id.String()))
	}
	if known && existing.LastMessage != nil && existing.LastMessage.IsOptimistic() &&
		m.ClientID != "" && existing.LastMessage.ClientID == m.ClientID {
		// The preview shows the optimistic record this message confirms;
		// replace it even when the server clock sits behind the local one.
		existing.LastMessage = cloneMessage(&m)
		if m.CreatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = m.CreatedAt
		}
	} else {
		s.applyTouchLocked(id, Conversation{
			ID:          id,
			LastMessage: &m,
			UpdatedAt:   m.CreatedAt,
		})
	}

	if _, ok := s.timelines[id]; ok {
		s.reconcileLocked(id, m)
	}
	return nil
}

// Reconcile merges an authoritative message into an already-loaded timeline
// without touching the directory. Most callers want ApplyMessage instead.
func (s *Store) Reconcile(m Message) error {
	id, err := NormalizeConvID(m.ConversationID)
	if err != nil {
		return err
	}
	m.ConversationID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timelines[id]; !ok {
		return nil
	}
	s.reconcileLocked(id, m)
	return nil
}

// reconcileLocked applies the merge rules, in order: replace the optimistic
// record the message supersedes (by clientId echo, then by content
// heuristic), suppress a duplicate id, else insert in timestamp order.
func (s *Store) reconcileLocked(id ConvID, m Message) {
	timeline := s.timelines[id]

	if i := s.findOptimisticLocked(timeline, m); i >= 0 {
		// Replace in place, preserving the position the optimistic record
		// occupied.
		s.timelines[id][i] = m
		return
	}

	for i := range timeline {
		if timeline[i].ID == m.ID {
			return
		}
	}

	i := sort.Search(len(timeline), func(i int) bool {
		return timeline[i].CreatedAt.After(m.CreatedAt)
	})
	timeline = append(timeline, Message{})
	copy(timeline[i+1:], timeline[i:])
	timeline[i] = m
	s.timelines[id] = timeline
}

func (s *Store) findOptimisticLocked(timeline []Message, m Message) int {
	if m.ClientID != "" {
		for i := range timeline {
			if timeline[i].IsOptimistic() && timeline[i].ClientID == m.ClientID {
				return i
			}
		}
	}
	// Best-effort fallback for servers that do not echo the clientId: same
	// sender, kind and content, created recently.
	for i := range timeline {
		o := &timeline[i]
		if !o.IsOptimistic() {
			continue
		}
		if o.Sender.ID == m.Sender.ID && o.Kind == m.Kind && o.Content == m.Content &&
			absDuration(m.CreatedAt.Sub(o.CreatedAt)) <= optimisticMatchWindow {
			return i
		}
	}
	return -1
}

// ApplyEdit replaces the content of a message by id across loaded timelines.
// A missing id is a no-op: the server is the source of truth and the next
// full load self-corrects.
func (s *Store) ApplyEdit(messageID, newContent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timeline := range s.timelines {
		for i := range timeline {
			if timeline[i].ID == messageID {
				timeline[i].Content = newContent
				timeline[i].Edited = true
				s.refreshLastMessageLocked(id, &timeline[i])
				return
			}
		}
	}
}

// ApplyDelete marks a message deleted by id across loaded timelines. A
// missing id is a no-op.
func (s *Store) ApplyDelete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timeline := range s.timelines {
		for i := range timeline {
			if timeline[i].ID == messageID {
				timeline[i].Deleted = true
				timeline[i].Content = ""
				s.refreshLastMessageLocked(id, &timeline[i])
				return
			}
		}
	}
}

// refreshLastMessageLocked keeps a directory preview in step with an edit or
// delete of the message it shows.
func (s *Store) refreshLastMessageLocked(id ConvID, m *Message) {
	c, ok := s.conversations[id]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != m.ID {
		return
	}
	c.LastMessage = cloneMessage(m)
}

// ============================================================================
// Helpers
// ============================================================================

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return &c
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]User(nil), c.Participants...)
	out.LastMessage = cloneMessage(c.LastMessage)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
