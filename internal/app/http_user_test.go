package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"veil/api/internal/ratelimit"
	"veil/api/internal/store"
)

func TestUserRegisterReturnsHashContract(t *testing.T) {
	var createdUser store.User
	var joinedChat string
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			createdUser = user
			return nil
		},
		addChatMemberFn: func(_ context.Context, chatID, userID string) error {
			joinedChat = chatID
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/register", bytes.NewBufferString(`{"displayName":"Ghost Owl","pin":"1234"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	hash, _ := payload["hash"].(string)
	if hash == "" {
		t.Fatalf("expected hash in response")
	}
	if hash != createdUser.ID {
		t.Fatalf("expected hash %q to equal stored user id %q", hash, createdUser.ID)
	}
	if payload["displayName"] != "Ghost Owl" {
		t.Fatalf("expected displayName Ghost Owl, got %v", payload["displayName"])
	}
	if joinedChat != DefaultCommunityChatID {
		t.Fatalf("expected new user joined to community chat, got %q", joinedChat)
	}
	if createdUser.PinHash == "1234" {
		t.Fatalf("expected pin to be hashed, stored plaintext")
	}
}

func TestUserRegisterRejectsBadPin(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/register", bytes.NewBufferString(`{"displayName":"Ghost Owl","pin":"12ab"}`))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload["code"])
	}
}

func TestUserLoginReturnsTokenContract(t *testing.T) {
	pinHash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Ghost Owl", PinHash: string(pinHash)}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/login", bytes.NewBufferString(`{"hash":"abc123","pin":"1234"}`))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Fatalf("expected token")
	}
	if refresh, _ := payload["refreshToken"].(string); refresh == "" {
		t.Fatalf("expected refreshToken")
	}
	if payload["displayName"] != "Ghost Owl" {
		t.Fatalf("expected displayName Ghost Owl, got %v", payload["displayName"])
	}
}

func TestUserLoginRejectsWrongPin(t *testing.T) {
	pinHash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Ghost Owl", PinHash: string(pinHash)}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/login", bytes.NewBufferString(`{"hash":"abc123","pin":"9999"}`))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestUserRoutesAreRateLimited(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*", ratelimit.NewPool(1, 1))

	var lastCode int
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/user/login", bytes.NewBufferString(`{"hash":"abc","pin":"1234"}`))
		req.RemoteAddr = "10.0.0.9:5555"
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		lastCode = rr.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 on burst exhaustion, got %d", lastCode)
	}
}

func TestChatRoutesRequireSession(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestSendMessageRouteBubblesDomainErrors(t *testing.T) {
	svc := newTestService(&fakeStore{
		getChatFn: func(context.Context, string) (store.Chat, error) {
			return store.Chat{ID: "chat-d"}, nil
		},
		isChatMemberFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	})
	server := NewHTTPServer(svc, "*", nil)

	session, err := svc.issueSession(context.Background(), store.User{ID: "user-a", DisplayName: "Ghost Owl"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/message/send", bytes.NewBufferString(`{"chatId":"chat-d","text":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", payload["code"])
	}
}

func TestGroupRenameRouteAcceptsPut(t *testing.T) {
	admin := "user-a"
	svc := newTestService(&fakeStore{
		getChatFn: func(_ context.Context, chatID string) (store.Chat, error) {
			return store.Chat{ID: chatID, Name: "Old", IsGroupChat: true, GroupAdmin: &admin}, nil
		},
	})
	server := NewHTTPServer(svc, "*", nil)

	session, err := svc.issueSession(context.Background(), store.User{ID: "user-a", DisplayName: "Ghost Owl"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/chat/group/rename", bytes.NewBufferString(`{"chatId":"chat-g","name":"New Name"}`))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for PUT rename, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["chatName"] != "New Name" {
		t.Fatalf("expected renamed chat, got %v", payload["chatName"])
	}

	// POST to the same path is not a route
	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat/group/rename", bytes.NewBufferString(`{"chatId":"chat-g","name":"New Name"}`))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for POST rename, got %d", rr.Code)
	}
}

func TestJoinDefaultCommunityRouteAcceptsPut(t *testing.T) {
	svc := newTestService(&fakeStore{
		getChatFn: func(_ context.Context, chatID string) (store.Chat, error) {
			return store.Chat{ID: chatID, Name: "Community Chat", IsGroupChat: true}, nil
		},
	})
	server := NewHTTPServer(svc, "*", nil)

	session, err := svc.issueSession(context.Background(), store.User{ID: "user-a", DisplayName: "Ghost Owl"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/chat/join-default-community", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for PUT join, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUploadReturns503WhenUnconfigured(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*", nil)

	session, err := svc.issueSession(context.Background(), store.User{ID: "user-a", DisplayName: "Ghost Owl"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/message/upload", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d body=%s", rr.Code, rr.Body.String())
	}
}
