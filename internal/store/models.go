package store

import "time"

type User struct {
	ID          string
	DisplayName string
	PinHash     string
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Chat struct {
	ID              string
	Name            string
	IsGroupChat     bool
	GroupAdmin      *string
	DirectKey       *string
	LatestMessageID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChatMemberInfo carries joined user fields for membership listings.
type ChatMemberInfo struct {
	UserID      string
	DisplayName string
	JoinedAt    time.Time
}

// BlockEntry is one row of the attributed peer block ledger.
type BlockEntry struct {
	ChatID    string
	UserID    string
	BlockedBy string
	BlockedAt time.Time
}

type Message struct {
	ID            string
	ChatID        string
	SenderID      string
	Text          string
	ImageURL      string
	AudioURL      string
	VideoURL      string
	ReplyTo       *string
	ReactionCount int
	EditedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageWithReply is a message plus joined sender and reply-target fields.
// ReplyText/ReplySender are nil when the reply target was deleted.
type MessageWithReply struct {
	Message
	SenderName  string
	ReplyText   *string
	ReplySender *string
}

// ReactionRow is one persisted (user, emoji) reaction on a message.
type ReactionRow struct {
	UserID string
	Emoji  string
}
