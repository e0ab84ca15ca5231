package app

import (
	"context"
	"net/http"
	"strings"

	"veil/api/internal/store"
)

// TogglePeerBlock flips the caller's block on another user within one chat.
// In a direct chat either participant may block the other; in a group chat
// only the admin may use this ledger. Blocking is one-directional and
// per-chat.
func (s *Service) TogglePeerBlock(ctx context.Context, session Session, chatID, userID string) (map[string]any, error) {
	chatID = strings.TrimSpace(chatID)
	userID = strings.TrimSpace(userID)
	if chatID == "" || userID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chatId and userId are required", nil)
	}
	if userID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot block yourself", nil)
	}

	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.IsGroupChat {
		if err := requireGroupAdmin(chat, session); err != nil {
			return nil, err
		}
	} else {
		if err := s.requireChatMember(ctx, chat.ID, session.UserID); err != nil {
			return nil, err
		}
	}

	target, err := s.store.IsChatMember(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	if !target {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is not in this chat", nil)
	}

	removed, err := s.store.DeletePeerBlock(ctx, chat.ID, userID, session.UserID)
	if err != nil {
		return nil, err
	}
	blocked := false
	if !removed {
		entry := store.BlockEntry{ChatID: chat.ID, UserID: userID, BlockedBy: session.UserID}
		if err := s.store.InsertPeerBlock(ctx, entry); err != nil {
			return nil, err
		}
		blocked = true
	}

	entries, err := s.store.ListPeerBlocks(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	blocks := make([]string, 0)
	for _, entry := range entries {
		if entry.BlockedBy == session.UserID {
			blocks = append(blocks, entry.UserID)
		}
	}
	return map[string]any{
		"chatId":  chat.ID,
		"userId":  userID,
		"blocked": blocked,
		"blocks":  blocks,
	}, nil
}
