package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"veil/api/internal/metrics"
	"veil/api/internal/reaction"
	"veil/api/internal/search"
	"veil/api/internal/store"
	"veil/api/internal/util"
)

const replyTombstone = "original message no longer available"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SendMessage posts a message into a chat the sender belongs to. Blocked
// senders are refused; a replyTo target must exist in the same chat at send
// time (the link is not enforced afterwards).
func (s *Service) SendMessage(ctx context.Context, session Session, in SendMessageInput) (map[string]any, error) {
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.Text = strings.TrimSpace(in.Text)
	if in.ChatID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chatId is required", nil)
	}
	if in.Text == "" && in.ImageURL == "" && in.AudioURL == "" && in.VideoURL == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message needs text or an attachment", nil)
	}

	chat, err := s.store.GetChat(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if err := s.requireChatMember(ctx, chat.ID, session.UserID); err != nil {
		return nil, err
	}
	if err := s.requireNotBlocked(ctx, chat, session.UserID); err != nil {
		return nil, err
	}

	if in.ReplyTo != nil {
		target, err := s.store.GetMessage(ctx, *in.ReplyTo)
		if err != nil {
			return nil, err
		}
		if target.ChatID != chat.ID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reply target is in a different chat", nil)
		}
	}

	msg := store.Message{
		ID:       util.NewID("msg"),
		ChatID:   chat.ID,
		SenderID: session.UserID,
		Text:     in.Text,
		ImageURL: in.ImageURL,
		AudioURL: in.AudioURL,
		VideoURL: in.VideoURL,
		ReplyTo:  in.ReplyTo,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.store.TouchChat(ctx, chat.ID, &msg.ID); err != nil {
		return nil, err
	}
	metrics.CountMessageSent()
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:       msg.ID,
			ChatID:   msg.ChatID,
			SenderID: msg.SenderID,
			Body:     msg.Text,
		})
	}

	stored, err := s.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return s.messagePayload(ctx, stored, session.UserName)
}

// UpdateMessage edits a message's content. Only the sender may edit; the
// edit must leave the message with some content.
func (s *Service) UpdateMessage(ctx context.Context, session Session, messageID string, in UpdateMessageInput) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the sender can edit a message", nil)
	}

	if in.Text != nil {
		msg.Text = strings.TrimSpace(*in.Text)
	}
	if in.ImageURL != nil {
		msg.ImageURL = *in.ImageURL
	}
	if in.AudioURL != nil {
		msg.AudioURL = *in.AudioURL
	}
	if in.VideoURL != nil {
		msg.VideoURL = *in.VideoURL
	}
	if msg.Text == "" && msg.ImageURL == "" && msg.AudioURL == "" && msg.VideoURL == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message needs text or an attachment", nil)
	}

	if err := s.store.UpdateMessageContent(ctx, msg); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:       msg.ID,
			ChatID:   msg.ChatID,
			SenderID: msg.SenderID,
			Body:     msg.Text,
		})
	}

	updated, err := s.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return s.messagePayload(ctx, updated, session.UserName)
}

// DeleteMessage removes a message. Only the sender may delete. Replies to
// the deleted message keep their link and render a tombstone.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the sender can delete a message", nil)
	}
	if err := s.store.DeleteMessage(ctx, msg.ID); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteMessage(msg.ID)
	}
	return map[string]any{"id": msg.ID, "deleted": true}, nil
}

// ListMessages returns one page of a chat's messages, newest first, with
// reply previews and reaction summaries. Membership is required.
func (s *Service) ListMessages(ctx context.Context, session Session, chatID string, page, pageSize int) (map[string]any, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.requireChatMember(ctx, chat.ID, session.UserID); err != nil {
		return nil, err
	}
	if page < 1 || pageSize < 1 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page and pageSize must be at least 1", nil)
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	rows, err := s.store.ListMessages(ctx, chat.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload, err := s.messageRowPayload(ctx, row)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return map[string]any{
		"chatId":   chat.ID,
		"page":     page,
		"pageSize": pageSize,
		"messages": items,
	}, nil
}

// ToggleReaction applies one user's reaction press to a message. A press on
// a new emoji adds or switches the user's reaction; a press on the current
// one removes it.
func (s *Service) ToggleReaction(ctx context.Context, session Session, messageID, emoji string) (map[string]any, error) {
	if !reaction.IsAllowed(emoji) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emoji is not in the allowed set", nil)
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireChatMember(ctx, msg.ChatID, session.UserID); err != nil {
		return nil, err
	}

	agg, outcome, err := s.store.ToggleMessageReaction(ctx, msg.ID, session.UserID, emoji)
	if err != nil {
		return nil, err
	}
	metrics.CountReactionApplied()

	payload := map[string]any{
		"messageId": msg.ID,
		"outcome":   string(outcome),
		"counts":    agg.Counts,
		"total":     agg.Total,
	}
	if current, ok := agg.ByUser[session.UserID]; ok {
		payload["userReaction"] = current
	}
	return payload, nil
}

// SearchMessages runs a full-text search across the chats the caller
// belongs to.
func (s *Service) SearchMessages(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "search text is required", nil)
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}

	chats, err := s.store.ListChatsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	chatIDs := make([]string, 0, len(chats))
	for _, chat := range chats {
		chatIDs = append(chatIDs, chat.ID)
	}

	return s.search.Search(search.Query{
		Text:    text,
		ChatIDs: chatIDs,
		Limit:   limit,
		Offset:  offset,
	}), nil
}

func (s *Service) requireNotBlocked(ctx context.Context, chat store.Chat, userID string) error {
	if chat.IsGroupChat {
		blocked, err := s.store.IsGroupBlocked(ctx, chat.ID, userID)
		if err != nil {
			return err
		}
		if blocked {
			return domainError(http.StatusForbidden, "FORBIDDEN", "You are blocked in this chat", nil)
		}
	}
	entries, err := s.store.ListPeerBlocks(ctx, chat.ID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.UserID == userID {
			return domainError(http.StatusForbidden, "FORBIDDEN", "You are blocked in this chat", nil)
		}
	}
	return nil
}

// messagePayload shapes a freshly written message, resolving its reply
// preview if any.
func (s *Service) messagePayload(ctx context.Context, msg store.Message, senderName string) (map[string]any, error) {
	row := store.MessageWithReply{Message: msg, SenderName: senderName}
	if msg.ReplyTo != nil {
		target, err := s.store.GetMessage(ctx, *msg.ReplyTo)
		if err == nil {
			row.ReplyText = &target.Text
			sender, err := s.store.GetUserByID(ctx, target.SenderID)
			if err == nil {
				row.ReplySender = &sender.DisplayName
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return s.messageRowPayload(ctx, row)
}

func (s *Service) messageRowPayload(ctx context.Context, row store.MessageWithReply) (map[string]any, error) {
	payload := map[string]any{
		"id":            row.ID,
		"chatId":        row.ChatID,
		"senderId":      row.SenderID,
		"senderName":    row.SenderName,
		"text":          row.Text,
		"imageUrl":      row.ImageURL,
		"audioUrl":      row.AudioURL,
		"videoUrl":      row.VideoURL,
		"reactionCount": row.ReactionCount,
		"createdAt":     row.CreatedAt,
		"updatedAt":     row.UpdatedAt,
	}
	if row.EditedAt != nil {
		payload["editedAt"] = *row.EditedAt
	}
	if row.ReplyTo != nil {
		replyPreview := map[string]any{"messageId": *row.ReplyTo}
		if row.ReplyText != nil {
			replyPreview["text"] = *row.ReplyText
			if row.ReplySender != nil {
				replyPreview["senderName"] = *row.ReplySender
			}
		} else {
			replyPreview["text"] = replyTombstone
			replyPreview["deleted"] = true
		}
		payload["replyTo"] = replyPreview
	}

	if row.ReactionCount > 0 {
		rows, err := s.store.ListMessageReactions(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		agg := reaction.New()
		for _, r := range rows {
			agg.Set(r.UserID, r.Emoji)
		}
		payload["reactions"] = map[string]any{
			"counts": agg.Counts,
			"total":  agg.Total,
		}
	}
	return payload, nil
}
