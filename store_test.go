package parley

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) time.Time {
	return testEpoch.Add(offset)
}

func textMsg(id string, conv ConvID, sender, content string, created time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		Sender:         User{ID: sender},
		Kind:           KindText,
		Content:        content,
		CreatedAt:      created,
	}
}

func loadTimeline(t *testing.T, s *Store, id ConvID, msgs ...Message) {
	t.Helper()
	ticket := s.BeginTimelineLoad(id)
	require.True(t, s.CompleteTimelineLoad(id, ticket, msgs))
}

// ----------------------------------------------------------------------------
// Conversation Directory
// ----------------------------------------------------------------------------

func TestApplyTouchNoDuplicateConversations(t *testing.T) {
	s := NewStore(nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.ApplyTouch(Conversation{
			ID:        "c1",
			UpdatedAt: at(time.Duration(i) * time.Second),
		}))
	}
	// Same id arriving with surrounding whitespace still normalizes to the
	// same entry.
	require.NoError(t, s.ApplyTouch(Conversation{ID: " c1 ", UpdatedAt: at(10 * time.Second)}))

	assert.Len(t, s.Conversations(), 1)
}

func TestApplyTouchMonotonicUpdatedAt(t *testing.T) {
	s := NewStore(nil)

	t1 := at(time.Minute)
	t0 := at(0)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", UpdatedAt: t1}))
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", UpdatedAt: t0}))

	c, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, t1, c.UpdatedAt, "out-of-order touch must not move updatedAt backward")
}

func TestApplyTouchPreservesParticipants(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.ApplyTouch(Conversation{
		ID:           "c1",
		Participants: []User{{ID: "u1", Username: "ana"}, {ID: "u2", Username: "bo"}},
		UpdatedAt:    at(0),
	}))

	last := textMsg("m1", "c1", "u2", "hey", at(time.Minute))
	require.NoError(t, s.ApplyTouch(Conversation{
		ID:          "c1",
		LastMessage: &last,
		UpdatedAt:   at(time.Minute),
	}))

	c, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Len(t, c.Participants, 2, "partial payload must not churn participants")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "hey", c.LastMessage.Content)
}

func TestApplyTouchRejectsUnusableID(t *testing.T) {
	s := NewStore(nil)
	assert.Error(t, s.ApplyTouch(Conversation{ID: "  "}))
	assert.Empty(t, s.Conversations())
}

func TestConversationsSortedByUpdatedAtDesc(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "old", UpdatedAt: at(0)}))
	require.NoError(t, s.ApplyTouch(Conversation{ID: "new", UpdatedAt: at(time.Hour)}))
	require.NoError(t, s.ApplyTouch(Conversation{ID: "mid", UpdatedAt: at(time.Minute)}))

	got := s.Conversations()
	require.Len(t, got, 3)
	assert.Equal(t, ConvID("new"), got[0].ID)
	assert.Equal(t, ConvID("mid"), got[1].ID)
	assert.Equal(t, ConvID("old"), got[2].ID)
}

func TestFilterConversations(t *testing.T) {
	s := NewStore(nil)
	hello := textMsg("m1", "c1", "u2", "hello world", at(0))
	require.NoError(t, s.ApplyTouch(Conversation{
		ID:           "c1",
		Participants: []User{{ID: "u1", Username: "ana", Role: "agent"}, {ID: "u2", Username: "bob"}},
		LastMessage:  &hello,
		UpdatedAt:    at(0),
	}))
	require.NoError(t, s.ApplyTouch(Conversation{
		ID:           "c2",
		Participants: []User{{ID: "u1", Username: "ana"}, {ID: "u3", DisplayName: "Carol"}},
		UpdatedAt:    at(time.Minute),
	}))

	assert.Len(t, s.FilterConversations("", ""), 2)

	byRole := s.FilterConversations("agent", "")
	require.Len(t, byRole, 1)
	assert.Equal(t, ConvID("c1"), byRole[0].ID)

	byName := s.FilterConversations("", "carol")
	require.Len(t, byName, 1)
	assert.Equal(t, ConvID("c2"), byName[0].ID)

	byContent := s.FilterConversations("", "hello")
	require.Len(t, byContent, 1)
	assert.Equal(t, ConvID("c1"), byContent[0].ID)

	// Filtering is a derived view; the directory is untouched.
	assert.Len(t, s.Conversations(), 2)
}

func TestRemoveConversation(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", UpdatedAt: at(0)}))
	loadTimeline(t, s, "c1", textMsg("m1", "c1", "u1", "hi", at(0)))

	s.Remove("c1")

	assert.Empty(t, s.Conversations())
	assert.False(t, s.HasTimeline("c1"))
}

// ----------------------------------------------------------------------------
// Message Timeline
// ----------------------------------------------------------------------------

func TestReconcileIdempotent(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1")

	m := textMsg("m1", "c1", "u1", "hi", at(0))
	require.NoError(t, s.Reconcile(m))
	require.NoError(t, s.Reconcile(m))

	timeline, ok := s.Timeline("c1")
	require.True(t, ok)
	assert.Len(t, timeline, 1)
}

func TestReconcileOrderPreservation(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1")

	// Out-of-order arrival; result must be non-decreasing by createdAt.
	require.NoError(t, s.Reconcile(textMsg("m3", "c1", "u1", "three", at(3*time.Second))))
	require.NoError(t, s.Reconcile(textMsg("m1", "c1", "u1", "one", at(1*time.Second))))
	require.NoError(t, s.Reconcile(textMsg("m2", "c1", "u2", "two", at(2*time.Second))))

	timeline, ok := s.Timeline("c1")
	require.True(t, ok)
	require.Len(t, timeline, 3)
	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].CreatedAt.Before(timeline[i-1].CreatedAt),
			"timeline must be non-decreasing by creation time")
	}
	assert.Equal(t, "m1", timeline[0].ID)
	assert.Equal(t, "m2", timeline[1].ID)
	assert.Equal(t, "m3", timeline[2].ID)
}

func TestOptimisticReplacementPreservesPosition(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1", textMsg("m1", "c1", "u2", "earlier", at(0)))

	optimistic := textMsg(optimisticIDPrefix+"abc", "c1", "u1", "hello", at(time.Minute))
	optimistic.ClientID = "abc"
	require.NoError(t, s.AppendOptimistic(optimistic))

	// A later push lands behind the optimistic record.
	require.NoError(t, s.Reconcile(textMsg("m3", "c1", "u2", "later", at(2*time.Minute))))

	server := textMsg("m2", "c1", "u1", "hello", at(time.Minute+time.Second))
	server.ClientID = "abc"
	require.NoError(t, s.Reconcile(server))

	timeline, ok := s.Timeline("c1")
	require.True(t, ok)
	require.Len(t, timeline, 3, "exactly one entry for the logical message")
	assert.Equal(t, "m1", timeline[0].ID)
	assert.Equal(t, "m2", timeline[1].ID, "authoritative record keeps the optimistic position")
	assert.Equal(t, "m3", timeline[2].ID)

	// Re-delivery of the confirmation is suppressed.
	require.NoError(t, s.Reconcile(server))
	timeline, _ = s.Timeline("c1")
	assert.Len(t, timeline, 3)
}

func TestOptimisticReplacementHeuristicFallback(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1")

	optimistic := textMsg(optimisticIDPrefix+"xyz", "c1", "u1", "ping", at(0))
	optimistic.ClientID = "xyz"
	require.NoError(t, s.AppendOptimistic(optimistic))

	// Server dropped the clientId; same sender, kind, content, near in time.
	require.NoError(t, s.Reconcile(textMsg("m1", "c1", "u1", "ping", at(5*time.Second))))

	timeline, ok := s.Timeline("c1")
	require.True(t, ok)
	require.Len(t, timeline, 1)
	assert.Equal(t, "m1", timeline[0].ID)
}

func TestOptimisticNotMatchedOutsideWindow(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1")

	optimistic := textMsg(optimisticIDPrefix+"xyz", "c1", "u1", "ping", at(0))
	optimistic.ClientID = "xyz"
	require.NoError(t, s.AppendOptimistic(optimistic))

	require.NoError(t, s.Reconcile(textMsg("m1", "c1", "u1", "ping", at(time.Hour))))

	timeline, _ := s.Timeline("c1")
	assert.Len(t, timeline, 2, "an old optimistic record is not superseded by an unrelated message")
}

func TestRemoveOptimistic(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1")

	optimistic := textMsg(optimisticIDPrefix+"abc", "c1", "u1", "hello", at(0))
	optimistic.ClientID = "abc"
	require.NoError(t, s.AppendOptimistic(optimistic))

	s.RemoveOptimistic("c1", "abc")

	timeline, _ := s.Timeline("c1")
	assert.Empty(t, timeline)

	// Unknown clientId is a no-op.
	s.RemoveOptimistic("c1", "missing")
}

func TestRemoveOptimisticRestoresDirectoryPreview(t *testing.T) {
	s := NewStore(nil)
	prior := textMsg("m0", "c1", "u2", "before", at(0))
	loadTimeline(t, s, "c1", prior)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", LastMessage: &prior, UpdatedAt: at(0)}))

	optimistic := textMsg(optimisticIDPrefix+"abc", "c1", "u1", "failed", at(time.Minute))
	optimistic.ClientID = "abc"
	require.NoError(t, s.AppendOptimistic(optimistic))
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", LastMessage: &optimistic, UpdatedAt: optimistic.CreatedAt}))

	s.RemoveOptimistic("c1", "abc")

	c, ok := s.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m0", c.LastMessage.ID, "preview falls back to the last confirmed message")
}

func TestStaleFetchDiscard(t *testing.T) {
	s := NewStore(nil)

	ticketA := s.BeginTimelineLoad("a")
	ticketB := s.BeginTimelineLoad("b")

	// A's response arrives after the switch to B: discarded.
	assert.False(t, s.CompleteTimelineLoad("a", ticketA, []Message{
		textMsg("m1", "a", "u1", "stale", at(0)),
	}))
	assert.False(t, s.HasTimeline("a"))

	assert.True(t, s.CompleteTimelineLoad("b", ticketB, []Message{
		textMsg("m2", "b", "u1", "fresh", at(0)),
	}))
	timeline, ok := s.Timeline("b")
	require.True(t, ok)
	require.Len(t, timeline, 1)
	assert.Equal(t, "m2", timeline[0].ID)
}

func TestCompleteTimelineLoadClearsOptimistic(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1")

	optimistic := textMsg(optimisticIDPrefix+"abc", "c1", "u1", "lost", at(0))
	optimistic.ClientID = "abc"
	require.NoError(t, s.AppendOptimistic(optimistic))

	loadTimeline(t, s, "c1", textMsg("m1", "c1", "u2", "fresh", at(time.Second)))

	timeline, _ := s.Timeline("c1")
	require.Len(t, timeline, 1)
	assert.Equal(t, "m1", timeline[0].ID, "unreconciled optimistic records are dropped on reload")
}

func TestCompleteTimelineLoadDeduplicates(t *testing.T) {
	s := NewStore(nil)
	m := textMsg("m1", "c1", "u1", "hi", at(0))
	loadTimeline(t, s, "c1", m, m, textMsg("m2", "c1", "u1", "again", at(time.Second)))

	timeline, _ := s.Timeline("c1")
	assert.Len(t, timeline, 2)
}

// ----------------------------------------------------------------------------
// ApplyMessage funnel
// ----------------------------------------------------------------------------

func TestApplyMessageUnloadedTimeline(t *testing.T) {
	s := NewStore(nil)

	m := textMsg("m1", "C999", "u2", "surprise", at(0))
	require.NoError(t, s.ApplyMessage(m))

	c, ok := s.Conversation("C999")
	require.True(t, ok, "unknown conversation gets a minimal directory entry")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "surprise", c.LastMessage.Content)
	assert.False(t, s.HasTimeline("C999"), "no timeline is created for an unopened conversation")
}

func TestApplyMessageTouchesDirectoryAndTimeline(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", UpdatedAt: at(0)}))
	loadTimeline(t, s, "c1")

	m := textMsg("m1", "c1", "u2", "hello", at(time.Minute))
	require.NoError(t, s.ApplyMessage(m))

	c, _ := s.Conversation("c1")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m1", c.LastMessage.ID)
	assert.Equal(t, at(time.Minute), c.UpdatedAt)

	timeline, _ := s.Timeline("c1")
	require.Len(t, timeline, 1)
	assert.Equal(t, "m1", timeline[0].ID)
}

func TestApplyMessageConfirmsOptimisticPreview(t *testing.T) {
	s := NewStore(nil)

	optimistic := textMsg(optimisticIDPrefix+"abc", "c1", "u1", "hello", at(time.Minute))
	optimistic.ClientID = "abc"
	require.NoError(t, s.AppendOptimistic(optimistic))
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", LastMessage: &optimistic, UpdatedAt: optimistic.CreatedAt}))

	// Server clock sits slightly behind the local one.
	server := textMsg("m1", "c1", "u1", "hello", at(time.Minute-2*time.Second))
	server.ClientID = "abc"
	require.NoError(t, s.ApplyMessage(server))

	c, _ := s.Conversation("c1")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m1", c.LastMessage.ID, "the confirmed record replaces the optimistic preview")
}

// ----------------------------------------------------------------------------
// Edits and deletes
// ----------------------------------------------------------------------------

func TestApplyEdit(t *testing.T) {
	s := NewStore(nil)
	m := textMsg("m1", "c1", "u1", "tpyo", at(0))
	loadTimeline(t, s, "c1", m)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "c1", LastMessage: &m, UpdatedAt: at(0)}))

	s.ApplyEdit("m1", "typo")

	timeline, _ := s.Timeline("c1")
	require.Len(t, timeline, 1)
	assert.Equal(t, "typo", timeline[0].Content)
	assert.True(t, timeline[0].Edited)

	c, _ := s.Conversation("c1")
	assert.Equal(t, "typo", c.LastMessage.Content, "directory preview follows the edit")
}

func TestApplyEditMissingIsNoOp(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1", textMsg("m1", "c1", "u1", "hi", at(0)))

	s.ApplyEdit("missing", "whatever")

	timeline, _ := s.Timeline("c1")
	require.Len(t, timeline, 1)
	assert.Equal(t, "hi", timeline[0].Content)
}

func TestApplyDelete(t *testing.T) {
	s := NewStore(nil)
	loadTimeline(t, s, "c1", textMsg("m1", "c1", "u1", "secret", at(0)))

	s.ApplyDelete("m1")

	timeline, _ := s.Timeline("c1")
	require.Len(t, timeline, 1)
	assert.True(t, timeline[0].Deleted)
	assert.Empty(t, timeline[0].Content)

	s.ApplyDelete("missing") // no-op
}

// ----------------------------------------------------------------------------
// ReplaceAll
// ----------------------------------------------------------------------------

func TestReplaceAllKeepsTimelines(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.ApplyTouch(Conversation{ID: "gone", UpdatedAt: at(0)}))
	loadTimeline(t, s, "c1", textMsg("m1", "c1", "u1", "hi", at(0)))

	s.ReplaceAll([]Conversation{
		{ID: "c1", UpdatedAt: at(time.Minute)},
		{ID: "c2", UpdatedAt: at(0)},
	})

	_, gone := s.Conversation("gone")
	assert.False(t, gone)
	assert.Len(t, s.Conversations(), 2)
	assert.True(t, s.HasTimeline("c1"))
}
