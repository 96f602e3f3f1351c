// Package chat holds the data model shared by the synchronization engine: identities,
// chats, messages and the error taxonomy surfaced to callers.
//
// Records arriving from the REST API or the push channel are decoded into these fixed-field
// types and checked with Validate* before any store accepts them.
package chat

// Identity is the authenticated user as issued by the server.
type Identity struct {
	ID          int64  `json:"id" yaml:"id" validate:"gt=0"`
	Email       string `json:"email" yaml:"email" validate:"required"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

// Chat is a room the user belongs to. Membership is fixed at creation.
type Chat struct {
	ID      int64   `json:"id" validate:"gt=0"`
	Name    string  `json:"name"`
	Members []int64 `json:"members" validate:"dive,gt=0"`
}

// HasMember reports whether userID is part of the chat.
func (c Chat) HasMember(userID int64) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Content is the body of a message. Image is optional.
type Content struct {
	Text  string  `json:"text" validate:"required_without=Image"`
	Image *string `json:"image,omitempty"`
}

// Equal compares text and image by value.
func (c Content) Equal(o Content) bool {
	if c.Text != o.Text {
		return false
	}
	switch {
	case c.Image == nil && o.Image == nil:
		return true
	case c.Image == nil || o.Image == nil:
		return false
	default:
		return *c.Image == *o.Image
	}
}

// MessageState distinguishes local echoes from server-acknowledged messages.
type MessageState int

const (
	Confirmed MessageState = iota
	Pending
)

func (s MessageState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is a single entry of a chat log.
//
// ID is the server-assigned id and is zero while the message is Pending. LocalToken is the
// client-generated token of an optimistic send; it survives promotion so renderers keep a
// stable key.
type Message struct {
	ID         int64        `json:"id,omitempty" validate:"gte=0"`
	ChatID     int64        `json:"chat_id" validate:"gt=0"`
	CreatedBy  int64        `json:"created_by" validate:"gt=0"`
	Content    Content      `json:"content"`
	State      MessageState `json:"-"`
	LocalToken string       `json:"-"`
}

// Key returns a stable identifier for rendering: the local token for messages that started as
// optimistic sends, the server id otherwise.
func (m Message) Key() string {
	if m.LocalToken != "" {
		return m.LocalToken
	}
	return formatID(m.ID)
}

// Outgoing reports whether the message was written by myID.
func (m Message) Outgoing(myID int64) bool {
	return m.CreatedBy == myID
}

// Matches reports whether m and o represent the same logical send by author and content.
func (m Message) Matches(o Message) bool {
	return m.ChatID == o.ChatID && m.CreatedBy == o.CreatedBy && m.Content.Equal(o.Content)
}
