package parley

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Conversation IDs
// ============================================================================

// ConvID is the canonical scalar form of a conversation identifier.
//
// Servers are inconsistent about this field: some payloads carry the id as a
// raw string, others embed the whole conversation object where an id is
// expected. ConvID normalizes both shapes at the JSON boundary so that every
// comparison and set-membership check in the SDK operates on one canonical
// string.
type ConvID string

func (id ConvID) String() string { return string(id) }

// IsZero reports whether the id is empty after normalization.
func (id ConvID) IsZero() bool { return id == "" }

// UnmarshalJSON accepts either a scalar id or an embedded object carrying an
// "id" or "_id" field.
func (id *ConvID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ConvID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID    string `json:"id"`
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("conversation id: unsupported shape: %w", err)
	}
	if obj.ID != "" {
		*id = ConvID(strings.TrimSpace(obj.ID))
	} else {
		*id = ConvID(strings.TrimSpace(obj.AltID))
	}
	return nil
}

func (id ConvID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// NormalizeConvID converts any of the identifier shapes seen at ingress
// boundaries (scalar string, decoded object, Conversation, ConvID) into the
// canonical form. It returns an error for empty or unrecognizable values —
// an unnormalizable id must never be silently dropped into a join or lookup.
func NormalizeConvID(v any) (ConvID, error) {
	switch t := v.(type) {
	case ConvID:
		return NormalizeConvID(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", fmt.Errorf("empty conversation id")
		}
		return ConvID(s), nil
	case Conversation:
		return NormalizeConvID(string(t.ID))
	case *Conversation:
		if t == nil {
			return "", fmt.Errorf("nil conversation")
		}
		return NormalizeConvID(string(t.ID))
	case map[string]any:
		if s, ok := t["id"].(string); ok {
			return NormalizeConvID(s)
		}
		if s, ok := t["_id"].(string); ok {
			return NormalizeConvID(s)
		}
		return "", fmt.Errorf("conversation object without id field")
	default:
		return "", fmt.Errorf("unsupported conversation id type %T", v)
	}
}

// ============================================================================
// Domain Model
// ============================================================================

// User is a participant reference.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// Attachment is optional media metadata on a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Message is one entry in a conversation timeline.
//
// ClientID is a client-generated correlation token: it is sent with every
// outbound send and echoed back by the server, which lets reconciliation
// replace the optimistic record without relying on content matching.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID ConvID      `json:"conversationId"`
	Sender         User        `json:"sender"`
	Kind           string      `json:"type"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Edited         bool        `json:"edited,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
}

// IsOptimistic reports whether the message is a locally-inserted record that
// has not yet been confirmed by the server.
func (m *Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, optimisticIDPrefix)
}

// Conversation is a two-party thread summary in the directory.
type Conversation struct {
	ID           ConvID    `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationPage is the response shape of a per-conversation fetch.
type ConversationPage struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ============================================================================
// Request Types
// ============================================================================

// SendMessageRequest is the body of a send-message call.
type SendMessageRequest struct {
	Content        string `json:"content"`
	Kind           string `json:"type"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
	AttachmentType string `json:"attachmentType,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// EditMessageRequest is the body of an edit-message call.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ============================================================================
// Push Channel Wire Format
// ============================================================================

// Push event and command names on the realtime channel.
const (
	EventMessageCreated      = "new_message"
	EventConversationTouched = "conversation_updated"

	CommandJoinConversation  = "join_conversation"
	CommandJoinConversations = "join_conversations"
	CommandLeaveConversation = "leave_conversation"
)

// Envelope is the wire format for all server-to-client push events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command on the realtime channel. All
// conversation identifiers crossing this boundary are canonical scalars.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
