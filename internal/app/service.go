package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"veil/api/internal/auth"
	"veil/api/internal/authpin"
	"veil/api/internal/config"
	"veil/api/internal/media"
	"veil/api/internal/reaction"
	"veil/api/internal/search"
	"veil/api/internal/store"
	"veil/api/internal/util"
)

// DefaultCommunityChatID is the well-known group chat every new account
// joins at registration.
const DefaultCommunityChatID = "chat_default_community"

const defaultCommunityChatName = "Community Chat"

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type SendMessageInput struct {
	ChatID   string  `json:"chatId"`
	Text     string  `json:"text"`
	ImageURL string  `json:"imageUrl"`
	AudioURL string  `json:"audioUrl"`
	VideoURL string  `json:"videoUrl"`
	ReplyTo  *string `json:"replyTo"`
}

// UpdateMessageInput carries a partial content update; nil fields keep
// their stored values.
type UpdateMessageInput struct {
	Text     *string `json:"text"`
	ImageURL *string `json:"imageUrl"`
	AudioURL *string `json:"audioUrl"`
	VideoURL *string `json:"videoUrl"`
}

var allowedGroupRoles = map[string]struct{}{
	"admin":  {},
	"member": {},
}

var allowedBlockActions = map[string]struct{}{
	"block":   {},
	"unblock": {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUserPinHash(context.Context, string, string) error
	TouchUserLogin(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	GetChat(context.Context, string) (store.Chat, error)
	FindDirectChatByKey(context.Context, string) (store.Chat, error)
	CreateChat(context.Context, store.Chat, []string) error
	ListChatsForUser(context.Context, string) ([]store.Chat, error)
	ListChatMembers(context.Context, string) ([]store.ChatMemberInfo, error)
	IsChatMember(context.Context, string, string) (bool, error)
	AddChatMember(context.Context, string, string) error
	RemoveChatMember(context.Context, string, string) error
	UpdateChatName(context.Context, string, string) error
	UpdateChatAdmin(context.Context, string, *string) error
	TouchChat(context.Context, string, *string) error
	InsertPeerBlock(context.Context, store.BlockEntry) error
	DeletePeerBlock(context.Context, string, string, string) (bool, error)
	ListPeerBlocks(context.Context, string) ([]store.BlockEntry, error)
	IsGroupBlocked(context.Context, string, string) (bool, error)
	InsertGroupBlock(context.Context, string, string) error
	DeleteGroupBlock(context.Context, string, string) (bool, error)
	ListGroupBlocks(context.Context, string) ([]string, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	UpdateMessageContent(context.Context, store.Message) error
	DeleteMessage(context.Context, string) error
	ListMessages(context.Context, string, int, int) ([]store.MessageWithReply, error)
	ListMessageReactions(context.Context, string) ([]store.ReactionRow, error)
	ToggleMessageReaction(context.Context, string, string, string) (*reaction.Aggregate, reaction.Outcome, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis when configured, otherwise the
// primary Postgres store.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	pins     *authpin.Service
	search   *search.Service
	media    *media.Storage
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, mediaStorage *media.Storage) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		pins:     authpin.NewService(dataStore),
		search:   searchService,
		media:    mediaStorage,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service, mediaStorage *media.Storage) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		pins:     authpin.NewService(dataStore),
		search:   searchService,
		media:    mediaStorage,
	}
}

// Bootstrap ensures the default community chat exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.store.GetChat(ctx, DefaultCommunityChatID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return s.store.CreateChat(ctx, store.Chat{
		ID:          DefaultCommunityChatID,
		Name:        defaultCommunityChatName,
		IsGroupChat: true,
	}, nil)
}

// Register creates a pseudonymous account and adds it to the default
// community chat. The returned hash is the only handle to the account.
func (s *Service) Register(ctx context.Context, displayName, pin string) (map[string]any, error) {
	resp, err := s.pins.Register(ctx, authpin.RegisterRequest{DisplayName: displayName, Pin: pin})
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	if err := s.store.AddChatMember(ctx, DefaultCommunityChatID, resp.User.ID); err != nil {
		return nil, err
	}

	return map[string]any{
		"hash":        resp.Hash,
		"displayName": resp.User.DisplayName,
	}, nil
}

// Login authenticates by hash and PIN and issues a session.
func (s *Service) Login(ctx context.Context, hash, pin string) (Session, error) {
	user, err := s.pins.SignIn(ctx, hash, pin)
	if err != nil {
		if errors.Is(err, authpin.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid hash or pin", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// ResetPin replaces the account PIN after verifying the current one.
func (s *Service) ResetPin(ctx context.Context, hash, currentPin, newPin string) error {
	if err := s.pins.ResetPin(ctx, hash, currentPin, newPin); err != nil {
		if errors.Is(err, authpin.ErrInvalidCredentials) {
			return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid hash or pin", nil)
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Redis lookups only carry the user id.
	if user.DisplayName == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
