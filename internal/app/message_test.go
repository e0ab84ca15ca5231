package app

import (
	"context"
	"testing"
	"time"

	"veil/api/internal/reaction"
	"veil/api/internal/store"
)

func TestSendMessageRequiresMembership(t *testing.T) {
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		isChatMemberFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), Session{UserID: "user-a"}, SendMessageInput{ChatID: "chat-d", Text: "hello"})
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestSendMessageRejectsGroupBlockedSender(t *testing.T) {
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return groupChat("chat-g", "user-admin"), nil
		},
		isGroupBlockedFn: func(context.Context, string, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), Session{UserID: "user-a"}, SendMessageInput{ChatID: "chat-g", Text: "hello"})
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestSendMessageRejectsPeerBlockedSender(t *testing.T) {
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		listPeerBlocksFn: func(context.Context, string) ([]store.BlockEntry, error) {
			return []store.BlockEntry{{ChatID: "chat-d", UserID: "user-a", BlockedBy: "user-b"}}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), Session{UserID: "user-a"}, SendMessageInput{ChatID: "chat-d", Text: "hello"})
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.SendMessage(context.Background(), Session{UserID: "user-a"}, SendMessageInput{ChatID: "chat-d", Text: "   "})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestSendMessageRejectsCrossChatReply(t *testing.T) {
	replyTo := "msg-other"
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			return store.Message{ID: messageID, ChatID: "chat-elsewhere"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), Session{UserID: "user-a"}, SendMessageInput{ChatID: "chat-d", Text: "hi", ReplyTo: &replyTo})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestSendMessageStoresAndTouchesChat(t *testing.T) {
	var inserted store.Message
	var touched *string
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		insertMessageFn: func(_ context.Context, msg store.Message) error {
			inserted = msg
			return nil
		},
		touchChatFn: func(_ context.Context, _ string, latest *string) error {
			touched = latest
			return nil
		},
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			return inserted, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.SendMessage(context.Background(), Session{UserID: "user-a", UserName: "Ghost Owl"}, SendMessageInput{ChatID: "chat-d", Text: "  hello  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted.Text != "hello" {
		t.Fatalf("expected trimmed text, got %q", inserted.Text)
	}
	if touched == nil || *touched != inserted.ID {
		t.Fatalf("expected chat touched with new message id")
	}
	if payload["senderName"] != "Ghost Owl" {
		t.Fatalf("expected senderName Ghost Owl, got %v", payload["senderName"])
	}
}

func TestUpdateMessageOnlySender(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			return store.Message{ID: messageID, ChatID: "chat-d", SenderID: "user-b", Text: "hi"}, nil
		},
	}
	svc := newTestService(fs)

	text := "edited"
	_, err := svc.UpdateMessage(context.Background(), Session{UserID: "user-a"}, "msg-1", UpdateMessageInput{Text: &text})
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestUpdateMessageRejectsClearingAllContent(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			return store.Message{ID: messageID, ChatID: "chat-d", SenderID: "user-a", Text: "hi"}, nil
		},
	}
	svc := newTestService(fs)

	empty := ""
	_, err := svc.UpdateMessage(context.Background(), Session{UserID: "user-a"}, "msg-1", UpdateMessageInput{Text: &empty})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestUpdateMessageMergesOnlyProvidedFields(t *testing.T) {
	var saved store.Message
	fs := &fakeStore{
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			if saved.ID != "" {
				return saved, nil
			}
			return store.Message{ID: messageID, ChatID: "chat-d", SenderID: "user-a", Text: "hi", ImageURL: "http://img"}, nil
		},
		updateMessageContentFn: func(_ context.Context, msg store.Message) error {
			saved = msg
			return nil
		},
	}
	svc := newTestService(fs)

	text := "edited"
	_, err := svc.UpdateMessage(context.Background(), Session{UserID: "user-a"}, "msg-1", UpdateMessageInput{Text: &text})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Text != "edited" {
		t.Fatalf("expected edited text, got %q", saved.Text)
	}
	if saved.ImageURL != "http://img" {
		t.Fatalf("expected image url untouched, got %q", saved.ImageURL)
	}
}

func TestDeleteMessageOnlySender(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			return store.Message{ID: messageID, SenderID: "user-b"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.DeleteMessage(context.Background(), Session{UserID: "user-a"}, "msg-1")
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestListMessagesValidatesPaging(t *testing.T) {
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ListMessages(context.Background(), Session{UserID: "user-a"}, "chat-d", 0, 20)
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestListMessagesPassesOffset(t *testing.T) {
	var gotLimit, gotOffset int
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		listMessagesFn: func(_ context.Context, _ string, limit, offset int) ([]store.MessageWithReply, error) {
			gotLimit, gotOffset = limit, offset
			return nil, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ListMessages(context.Background(), Session{UserID: "user-a"}, "chat-d", 3, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLimit != 10 || gotOffset != 20 {
		t.Fatalf("expected limit 10 offset 20, got %d %d", gotLimit, gotOffset)
	}
}

func TestListMessagesRendersReplyTombstone(t *testing.T) {
	replyTo := "msg-gone"
	now := time.Now()
	fs := &fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		listMessagesFn: func(context.Context, string, int, int) ([]store.MessageWithReply, error) {
			return []store.MessageWithReply{{
				Message: store.Message{
					ID:        "msg-1",
					ChatID:    "chat-d",
					SenderID:  "user-a",
					Text:      "replying",
					ReplyTo:   &replyTo,
					CreatedAt: now,
					UpdatedAt: now,
				},
				SenderName: "Ghost Owl",
			}}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListMessages(context.Background(), Session{UserID: "user-a"}, "chat-d", 1, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	messages := payload["messages"].([]map[string]any)
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	replyPreview, ok := messages[0]["replyTo"].(map[string]any)
	if !ok {
		t.Fatalf("expected replyTo preview")
	}
	if replyPreview["text"] != replyTombstone {
		t.Fatalf("expected tombstone text, got %v", replyPreview["text"])
	}
	if replyPreview["deleted"] != true {
		t.Fatalf("expected deleted marker on tombstone")
	}
}

func TestToggleReactionRejectsUnknownEmoji(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ToggleReaction(context.Background(), Session{UserID: "user-a"}, "msg-1", "🔥")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestToggleReactionReportsOutcomeAndCounts(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			return store.Message{ID: messageID, ChatID: "chat-d", SenderID: "user-b"}, nil
		},
		toggleMessageReactionFn: func(_ context.Context, _, userID, emoji string) (*reaction.Aggregate, reaction.Outcome, error) {
			agg := reaction.New()
			outcome, err := agg.Apply(userID, emoji)
			return agg, outcome, err
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ToggleReaction(context.Background(), Session{UserID: "user-a"}, "msg-1", "👍")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["outcome"] != string(reaction.OutcomeAdded) {
		t.Fatalf("expected added outcome, got %v", payload["outcome"])
	}
	if payload["userReaction"] != "👍" {
		t.Fatalf("expected userReaction 👍, got %v", payload["userReaction"])
	}
	counts := payload["counts"].(map[string]int)
	if counts["👍"] != 1 {
		t.Fatalf("expected one 👍, got %v", counts)
	}
}
