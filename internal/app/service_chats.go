package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"veil/api/internal/store"
	"veil/api/internal/util"
)

// FindOrCreateDirectChat returns the one direct chat for the requester and
// the other user, creating it on first use. Creation is idempotent per
// unordered pair; a concurrent create is absorbed by re-reading the pair key.
func (s *Service) FindOrCreateDirectChat(ctx context.Context, session Session, otherUserID string) (map[string]any, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if otherUserID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot open a chat with yourself", nil)
	}
	if _, err := s.store.GetUserByID(ctx, otherUserID); err != nil {
		return nil, err
	}

	key := store.DirectKey(session.UserID, otherUserID)
	chat, err := s.store.FindDirectChatByKey(ctx, key)
	if err == nil {
		return s.chatPayload(ctx, chat, session)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	directKey := key
	created := store.Chat{
		ID:        util.NewID("chat"),
		DirectKey: &directKey,
	}
	err = s.store.CreateChat(ctx, created, []string{session.UserID, otherUserID})
	if err == nil {
		chat, err = s.store.GetChat(ctx, created.ID)
		if err != nil {
			return nil, err
		}
		return s.chatPayload(ctx, chat, session)
	}
	if !errors.Is(err, store.ErrDuplicateChat) {
		return nil, err
	}

	// Lost the insert race; the winner's chat must be there now.
	chat, err = s.store.FindDirectChatByKey(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusConflict, "CONFLICT", "Chat creation conflicted, retry", nil)
	}
	if err != nil {
		return nil, err
	}
	return s.chatPayload(ctx, chat, session)
}

// CreateGroupChat creates a group with the creator as admin. The creator is
// always a member; at least two other members are required.
func (s *Service) CreateGroupChat(ctx context.Context, session Session, name string, memberIDs []string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "group name is required", nil)
	}

	seen := map[string]struct{}{session.UserID: {}}
	members := []string{session.UserID}
	for _, memberID := range memberIDs {
		memberID = strings.TrimSpace(memberID)
		if memberID == "" {
			continue
		}
		if _, ok := seen[memberID]; ok {
			continue
		}
		seen[memberID] = struct{}{}
		members = append(members, memberID)
	}
	if len(members) < 3 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "group chat needs at least 2 members besides you", nil)
	}

	for _, memberID := range members[1:] {
		if _, err := s.store.GetUserByID(ctx, memberID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", map[string]any{"userId": memberID})
			}
			return nil, err
		}
	}

	admin := session.UserID
	chat := store.Chat{
		ID:          util.NewID("chat"),
		Name:        name,
		IsGroupChat: true,
		GroupAdmin:  &admin,
	}
	if err := s.store.CreateChat(ctx, chat, members); err != nil {
		return nil, err
	}
	created, err := s.store.GetChat(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	return s.chatPayload(ctx, created, session)
}

// RenameGroupChat renames a group. Any member may rename; adminship is not
// required.
func (s *Service) RenameGroupChat(ctx context.Context, session Session, chatID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "group name is required", nil)
	}
	chat, err := s.requireGroupChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.requireChatMember(ctx, chat.ID, session.UserID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateChatName(ctx, chat.ID, name); err != nil {
		return nil, err
	}
	chat.Name = name
	return s.chatPayload(ctx, chat, session)
}

// AddMemberToGroup adds a user to a group chat. Admin only.
func (s *Service) AddMemberToGroup(ctx context.Context, session Session, chatID, userID string) (map[string]any, error) {
	chat, err := s.requireGroupChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroupAdmin(chat, session); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	member, err := s.store.IsChatMember(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is already in the group", nil)
	}
	if err := s.store.AddChatMember(ctx, chat.ID, userID); err != nil {
		return nil, err
	}
	return s.chatPayload(ctx, chat, session)
}

// RemoveMemberFromGroup removes a user from a group chat. Admin only.
// Removing the current admin leaves the group without one; re-adding the
// user later does not restore the role.
func (s *Service) RemoveMemberFromGroup(ctx context.Context, session Session, chatID, userID string) (map[string]any, error) {
	chat, err := s.requireGroupChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroupAdmin(chat, session); err != nil {
		return nil, err
	}
	member, err := s.store.IsChatMember(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is not in the group", nil)
	}
	if err := s.store.RemoveChatMember(ctx, chat.ID, userID); err != nil {
		return nil, err
	}
	if chat.GroupAdmin != nil && *chat.GroupAdmin == userID {
		if err := s.store.UpdateChatAdmin(ctx, chat.ID, nil); err != nil {
			return nil, err
		}
		chat.GroupAdmin = nil
	}
	return s.chatPayload(ctx, chat, session)
}

// AssignRole sets a member's role in a group. Granting admin transfers the
// single admin slot; demoting the current admin leaves the group admin-less.
func (s *Service) AssignRole(ctx context.Context, session Session, chatID, userID, role string) (map[string]any, error) {
	if _, ok := allowedGroupRoles[role]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be admin or member", nil)
	}
	chat, err := s.requireGroupChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroupAdmin(chat, session); err != nil {
		return nil, err
	}
	member, err := s.store.IsChatMember(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is not in the group", nil)
	}

	switch role {
	case "admin":
		if err := s.store.UpdateChatAdmin(ctx, chat.ID, &userID); err != nil {
			return nil, err
		}
		chat.GroupAdmin = &userID
	case "member":
		if chat.GroupAdmin != nil && *chat.GroupAdmin == userID {
			if err := s.store.UpdateChatAdmin(ctx, chat.ID, nil); err != nil {
				return nil, err
			}
			chat.GroupAdmin = nil
		}
	}
	return s.chatPayload(ctx, chat, session)
}

// ToggleGroupBlock blocks or unblocks a user in a group chat. Admin only.
// Blocking an already blocked user (or unblocking a non-blocked one) is an
// error rather than a no-op.
func (s *Service) ToggleGroupBlock(ctx context.Context, session Session, chatID, userID, action string) (map[string]any, error) {
	if _, ok := allowedBlockActions[action]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action must be block or unblock", nil)
	}
	chat, err := s.requireGroupChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := requireGroupAdmin(chat, session); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	member, err := s.store.IsChatMember(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is not in the group", nil)
	}

	blocked, err := s.store.IsGroupBlocked(ctx, chat.ID, userID)
	if err != nil {
		return nil, err
	}
	switch action {
	case "block":
		if blocked {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is already blocked", nil)
		}
		if err := s.store.InsertGroupBlock(ctx, chat.ID, userID); err != nil {
			return nil, err
		}
	case "unblock":
		if !blocked {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "User is not blocked", nil)
		}
		if _, err := s.store.DeleteGroupBlock(ctx, chat.ID, userID); err != nil {
			return nil, err
		}
	}

	blocks, err := s.store.ListGroupBlocks(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chatId":       chat.ID,
		"blockedUsers": blocks,
	}, nil
}

// JoinDefaultCommunity adds the caller to the default community chat.
// Joining again is a no-op.
func (s *Service) JoinDefaultCommunity(ctx context.Context, session Session) (map[string]any, error) {
	chat, err := s.store.GetChat(ctx, DefaultCommunityChatID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddChatMember(ctx, chat.ID, session.UserID); err != nil {
		return nil, err
	}
	return s.chatPayload(ctx, chat, session)
}

// ListChats returns the caller's chats, most recently updated first, each
// annotated with the caller's standing and a latest-message preview.
func (s *Service) ListChats(ctx context.Context, session Session) ([]map[string]any, error) {
	chats, err := s.store.ListChatsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(chats))
	for _, chat := range chats {
		payload, err := s.chatPayload(ctx, chat, session)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

// chatPayload assembles the API shape of one chat for a given viewer.
func (s *Service) chatPayload(ctx context.Context, chat store.Chat, session Session) (map[string]any, error) {
	members, err := s.store.ListChatMembers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	memberList := make([]map[string]any, 0, len(members))
	for _, member := range members {
		memberList = append(memberList, map[string]any{
			"userId":      member.UserID,
			"displayName": member.DisplayName,
		})
	}

	peerBlocks, err := s.store.ListPeerBlocks(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	blockedByCurrentUser := make([]string, 0)
	isCurrentUserBlocked := false
	for _, entry := range peerBlocks {
		if entry.BlockedBy == session.UserID {
			blockedByCurrentUser = append(blockedByCurrentUser, entry.UserID)
		}
		if entry.UserID == session.UserID {
			isCurrentUserBlocked = true
		}
	}

	if chat.IsGroupChat && !isCurrentUserBlocked {
		groupBlocked, err := s.store.IsGroupBlocked(ctx, chat.ID, session.UserID)
		if err != nil {
			return nil, err
		}
		isCurrentUserBlocked = groupBlocked
	}

	payload := map[string]any{
		"id":                   chat.ID,
		"chatName":             chat.Name,
		"isGroupChat":          chat.IsGroupChat,
		"members":              memberList,
		"isCurrentUserAdmin":   chat.GroupAdmin != nil && *chat.GroupAdmin == session.UserID,
		"isCurrentUserBlocked": isCurrentUserBlocked,
		"blockedByCurrentUser": blockedByCurrentUser,
		"updatedAt":            chat.UpdatedAt,
		"createdAt":            chat.CreatedAt,
	}
	if chat.GroupAdmin != nil {
		payload["groupAdmin"] = *chat.GroupAdmin
	}

	if chat.LatestMessageID != nil {
		latest, err := s.store.GetMessage(ctx, *chat.LatestMessageID)
		if err == nil {
			payload["latestMessage"] = map[string]any{
				"id":       latest.ID,
				"senderId": latest.SenderID,
				"text":     latest.Text,
				"sentAt":   latest.CreatedAt,
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return payload, nil
}

func (s *Service) requireGroupChat(ctx context.Context, chatID string) (store.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return store.Chat{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chatId is required", nil)
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return store.Chat{}, err
	}
	if !chat.IsGroupChat {
		return store.Chat{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chat is not a group chat", nil)
	}
	return chat, nil
}

func (s *Service) requireChatMember(ctx context.Context, chatID, userID string) error {
	member, err := s.store.IsChatMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !member {
		return domainError(http.StatusForbidden, "FORBIDDEN", "You are not a member of this chat", nil)
	}
	return nil
}

func requireGroupAdmin(chat store.Chat, session Session) error {
	if chat.GroupAdmin == nil || *chat.GroupAdmin != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the group admin can do this", nil)
	}
	return nil
}
