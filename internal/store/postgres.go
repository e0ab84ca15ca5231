package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"veil/api/internal/reaction"
)

// ErrDuplicateChat is returned when a direct chat insert loses the race on
// the member-pair key.
var ErrDuplicateChat = errors.New("duplicate direct chat")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DirectKey builds the canonical pair key for a non-group chat. The key is
// order-independent so one row can exist per member pair.
func DirectKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, pin_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.DisplayName, user.PinHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, pin_hash, last_login_at, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.PinHash, &user.LastLoginAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserPinHash(ctx context.Context, userID, pinHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET pin_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, pinHash)
	if err != nil {
		return fmt.Errorf("update pin hash: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchUserLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch user login: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_name, is_group_chat, group_admin, direct_key, latest_message_id, created_at, updated_at
		FROM chats
		WHERE id=$1
	`, chatID).Scan(&chat.ID, &chat.Name, &chat.IsGroupChat, &chat.GroupAdmin, &chat.DirectKey, &chat.LatestMessageID, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *PostgresStore) FindDirectChatByKey(ctx context.Context, directKey string) (Chat, error) {
	var chat Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_name, is_group_chat, group_admin, direct_key, latest_message_id, created_at, updated_at
		FROM chats
		WHERE direct_key=$1
	`, directKey).Scan(&chat.ID, &chat.Name, &chat.IsGroupChat, &chat.GroupAdmin, &chat.DirectKey, &chat.LatestMessageID, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// CreateChat inserts the chat row and its memberships in one transaction.
// For non-group chats the insert is serialized on the unique direct_key; a
// lost race returns ErrDuplicateChat without inserting anything.
func (s *PostgresStore) CreateChat(ctx context.Context, chat Chat, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, chat_name, is_group_chat, group_admin, direct_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL DO NOTHING
	`, chat.ID, chat.Name, chat.IsGroupChat, chat.GroupAdmin, chat.DirectKey)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert chat rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateChat
	}

	for _, userID := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (chat_id, user_id) DO NOTHING
		`, chat.ID, userID); err != nil {
			return fmt.Errorf("insert chat member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.chat_name, c.is_group_chat, c.group_admin, c.direct_key, c.latest_message_id, c.created_at, c.updated_at
		FROM chats c
		JOIN chat_members cm ON cm.chat_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]Chat, 0)
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.IsGroupChat, &chat.GroupAdmin, &chat.DirectKey, &chat.LatestMessageID, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChatMembers(ctx context.Context, chatID string) ([]ChatMemberInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.user_id, u.display_name, cm.joined_at
		FROM chat_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.chat_id=$1
		ORDER BY cm.joined_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMemberInfo, 0)
	for rows.Next() {
		var item ChatMemberInfo
		if err := rows.Scan(&item.UserID, &item.DisplayName, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)
	`, chatID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check chat member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) AddChatMember(ctx context.Context, chatID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("add chat member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_members WHERE chat_id=$1 AND user_id=$2
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("remove chat member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatName(ctx context.Context, chatID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET chat_name=$2, updated_at=NOW() WHERE id=$1
	`, chatID, name)
	if err != nil {
		return fmt.Errorf("update chat name: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatAdmin(ctx context.Context, chatID string, adminID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET group_admin=$2, updated_at=NOW() WHERE id=$1
	`, chatID, adminID)
	if err != nil {
		return fmt.Errorf("update chat admin: %w", err)
	}
	return nil
}

// TouchChat bumps updated_at and records the latest message for previews.
func (s *PostgresStore) TouchChat(ctx context.Context, chatID string, latestMessageID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET latest_message_id=$2, updated_at=NOW() WHERE id=$1
	`, chatID, latestMessageID)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPeerBlock(ctx context.Context, entry BlockEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_blocks (chat_id, user_id, blocked_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id, blocked_by) DO NOTHING
	`, entry.ChatID, entry.UserID, entry.BlockedBy)
	if err != nil {
		return fmt.Errorf("insert peer block: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePeerBlock(ctx context.Context, chatID, userID, blockedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_blocks WHERE chat_id=$1 AND user_id=$2 AND blocked_by=$3
	`, chatID, userID, blockedBy)
	if err != nil {
		return false, fmt.Errorf("delete peer block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete peer block rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListPeerBlocks(ctx context.Context, chatID string) ([]BlockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, user_id, blocked_by, blocked_at
		FROM chat_blocks
		WHERE chat_id=$1
		ORDER BY blocked_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list peer blocks: %w", err)
	}
	defer rows.Close()

	items := make([]BlockEntry, 0)
	for rows.Next() {
		var item BlockEntry
		if err := rows.Scan(&item.ChatID, &item.UserID, &item.BlockedBy, &item.BlockedAt); err != nil {
			return nil, fmt.Errorf("scan peer block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer blocks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsGroupBlocked(ctx context.Context, chatID, userID string) (bool, error) {
	var blocked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM group_blocks WHERE chat_id=$1 AND user_id=$2)
	`, chatID, userID).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check group block: %w", err)
	}
	return blocked, nil
}

func (s *PostgresStore) InsertGroupBlock(ctx context.Context, chatID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_blocks (chat_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("insert group block: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGroupBlock(ctx context.Context, chatID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM group_blocks WHERE chat_id=$1 AND user_id=$2
	`, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("delete group block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete group block rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListGroupBlocks(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM group_blocks WHERE chat_id=$1 ORDER BY user_id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list group blocks: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan group block: %w", err)
		}
		items = append(items, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group blocks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, body, image_url, audio_url, video_url, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, message.ID, message.ChatID, message.SenderID, message.Text, message.ImageURL, message.AudioURL, message.VideoURL, message.ReplyTo)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, body, image_url, audio_url, video_url, reply_to, reaction_count, edited_at, created_at, updated_at
		FROM messages
		WHERE id=$1
	`, messageID).Scan(
		&message.ID,
		&message.ChatID,
		&message.SenderID,
		&message.Text,
		&message.ImageURL,
		&message.AudioURL,
		&message.VideoURL,
		&message.ReplyTo,
		&message.ReactionCount,
		&message.EditedAt,
		&message.CreatedAt,
		&message.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET body=$2, image_url=$3, audio_url=$4, video_url=$5, edited_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, message.ID, message.Text, message.ImageURL, message.AudioURL, message.VideoURL)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListMessages returns a newest-first page. Reply targets are resolved
// lazily via LEFT JOIN so deleted targets surface as NULL fields.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]MessageWithReply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, u.display_name, m.body, m.image_url, m.audio_url, m.video_url,
			m.reply_to, rm.body, ru.display_name,
			m.reaction_count, m.edited_at, m.created_at, m.updated_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		LEFT JOIN messages rm ON rm.id = m.reply_to
		LEFT JOIN users ru ON ru.id = rm.sender_id
		WHERE m.chat_id=$1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3
	`, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageWithReply, 0)
	for rows.Next() {
		var item MessageWithReply
		if err := rows.Scan(
			&item.ID,
			&item.ChatID,
			&item.SenderID,
			&item.SenderName,
			&item.Text,
			&item.ImageURL,
			&item.AudioURL,
			&item.VideoURL,
			&item.ReplyTo,
			&item.ReplyText,
			&item.ReplySender,
			&item.ReactionCount,
			&item.EditedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListMessageReactions(ctx context.Context, messageID string) ([]ReactionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, emoji FROM message_reactions WHERE message_id=$1 ORDER BY user_id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message reactions: %w", err)
	}
	defer rows.Close()

	items := make([]ReactionRow, 0)
	for rows.Next() {
		var item ReactionRow
		if err := rows.Scan(&item.UserID, &item.Emoji); err != nil {
			return nil, fmt.Errorf("scan message reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message reactions: %w", err)
	}
	return items, nil
}

// ToggleMessageReaction applies one reaction press inside a transaction.
// The message row lock serializes concurrent presses so the denormalized
// reaction_count always matches the per-user rows.
func (s *PostgresStore) ToggleMessageReaction(ctx context.Context, messageID, userID, emoji string) (*reaction.Aggregate, reaction.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin toggle reaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lockedID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE id=$1 FOR UPDATE`, messageID).Scan(&lockedID); err != nil {
		return nil, "", err
	}

	rows, err := tx.QueryContext(ctx, `SELECT user_id, emoji FROM message_reactions WHERE message_id=$1`, messageID)
	if err != nil {
		return nil, "", fmt.Errorf("load message reactions: %w", err)
	}
	agg := reaction.New()
	for rows.Next() {
		var rowUserID, rowEmoji string
		if err := rows.Scan(&rowUserID, &rowEmoji); err != nil {
			rows.Close()
			return nil, "", fmt.Errorf("scan message reaction: %w", err)
		}
		agg.Set(rowUserID, rowEmoji)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, "", fmt.Errorf("iterate message reactions: %w", err)
	}
	rows.Close()

	outcome, err := agg.Apply(userID, emoji)
	if err != nil {
		return nil, "", err
	}

	switch outcome {
	case reaction.OutcomeAdded:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji)
			VALUES ($1, $2, $3)
		`, messageID, userID, emoji); err != nil {
			return nil, "", fmt.Errorf("insert message reaction: %w", err)
		}
	case reaction.OutcomeRemoved:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2
		`, messageID, userID); err != nil {
			return nil, "", fmt.Errorf("delete message reaction: %w", err)
		}
	case reaction.OutcomeChanged:
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_reactions SET emoji=$3, updated_at=NOW() WHERE message_id=$1 AND user_id=$2
		`, messageID, userID, emoji); err != nil {
			return nil, "", fmt.Errorf("update message reaction: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET reaction_count=$2, updated_at=NOW() WHERE id=$1
	`, messageID, agg.Total); err != nil {
		return nil, "", fmt.Errorf("update reaction count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit toggle reaction: %w", err)
	}
	return agg, outcome, nil
}
