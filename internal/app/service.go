package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"linkroom/api/internal/auth"
	"linkroom/api/internal/canon"
	"linkroom/api/internal/config"
	"linkroom/api/internal/email"
	"linkroom/api/internal/hub"
	"linkroom/api/internal/identity"
	"linkroom/api/internal/magiclink"
	"linkroom/api/internal/metrics"
	"linkroom/api/internal/ratelimit"
	"linkroom/api/internal/store"
)

const (
	maxContentLength    = 1000
	minDisplayNameLen   = 2
	maxDisplayNameLen   = 64
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type Session struct {
	Token       string
	UserID      int64
	Email       string
	DisplayName string
	ExpiresAt   time.Time
}

type dataStore interface {
	GetUserByID(context.Context, int64) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByGoogleSub(context.Context, string) (store.User, error)
	EnsureUserByEmail(context.Context, string, string) (store.User, error)
	LinkGoogleSubject(context.Context, int64, string, string) error
	UpdateDisplayName(context.Context, int64, string) (store.User, error)
	TouchLastLogin(context.Context, int64) error
	GetOrCreateThread(context.Context, string) (store.Thread, error)
	InsertMessage(context.Context, int64, string, string) (store.Message, error)
	ListMessages(context.Context, string, int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

type magicLinkService interface {
	Issue(ctx context.Context, userID int64) (string, time.Time, error)
	Redeem(ctx context.Context, rawToken string, now time.Time) (int64, error)
}

type mailer interface {
	IsConfigured() bool
	SendMagicLinkEmail(to, userName, magicLinkURL string, expiresMinutes int) error
}

type googleVerifier interface {
	VerifyAccessToken(ctx context.Context, accessToken string) (identity.UserInfo, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	magic     magicLinkService
	mail      mailer
	google    googleVerifier
	hub       *hub.Hub
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, magic *magiclink.Service, mail *email.Service, google *identity.GoogleVerifier, broadcastHub *hub.Hub, limiter *ratelimit.Limiter, collector *metrics.Collector) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		magic:     magic,
		mail:      mail,
		google:    google,
		hub:       broadcastHub,
		limiter:   limiter,
		collector: collector,
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mail.IsConfigured()
}

// RequestMagicLink issues a single-use sign-in link for the address and
// delivers it by email. When SMTP is not configured the raw token is
// returned instead so local setups can complete the flow without a mailbox.
func (s *Service) RequestMagicLink(ctx context.Context, rawEmail string) (string, error) {
	normalized, err := normalizeEmail(rawEmail)
	if err != nil {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "A valid email address is required", nil)
	}

	user, err := s.store.EnsureUserByEmail(ctx, normalized, displayNameFromEmail(normalized))
	if err != nil {
		return "", err
	}

	rawToken, _, err := s.magic.Issue(ctx, user.ID)
	if err != nil {
		return "", err
	}
	s.collector.RecordMagicLinkIssued()

	link := s.cfg.MagicLinkBaseURL + "?token=" + url.QueryEscape(rawToken)
	minutes := int(s.cfg.MagicLinkTTL.Minutes())

	if !s.mail.IsConfigured() {
		return rawToken, nil
	}
	if err := s.mail.SendMagicLinkEmail(user.Email, user.DisplayName, link, minutes); err != nil {
		return "", domainError(http.StatusBadGateway, "MAIL_DELIVERY_FAILED", "Could not send the sign-in email", nil)
	}
	return "", nil
}

// RedeemMagicLink exchanges a magic-link token for a bearer session. The
// token is consumed on the first successful call; replays, unknown tokens
// and expired tokens all fail the same way.
func (s *Service) RedeemMagicLink(ctx context.Context, rawToken string) (Session, error) {
	userID, err := s.magic.Redeem(ctx, strings.TrimSpace(rawToken), s.now())
	if err != nil {
		if errors.Is(err, magiclink.ErrInvalidOrExpired) {
			s.collector.RecordMagicLinkRedeem(false)
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_OR_EXPIRED_TOKEN", "This sign-in link is invalid or has expired", nil)
		}
		return Session{}, err
	}

	if err := s.store.TouchLastLogin(ctx, userID); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}

	s.collector.RecordMagicLinkRedeem(true)
	return s.issueSession(user)
}

// VerifyGoogle signs a user in with a Google OAuth access token, creating
// and linking the account on first contact.
func (s *Service) VerifyGoogle(ctx context.Context, accessToken string) (Session, error) {
	info, err := s.google.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, identity.ErrRejected) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Google token was rejected", nil)
		}
		return Session{}, err
	}

	user, err := s.store.GetUserByGoogleSub(ctx, info.Sub)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		displayName := strings.TrimSpace(info.Name)
		if displayName == "" {
			displayName = displayNameFromEmail(info.Email)
		}
		user, err = s.store.EnsureUserByEmail(ctx, strings.ToLower(info.Email), displayName)
		if err != nil {
			return Session{}, err
		}
		if err := s.store.LinkGoogleSubject(ctx, user.ID, info.Sub, displayName); err != nil {
			return Session{}, err
		}
	}

	if err := s.store.TouchLastLogin(ctx, user.ID); err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.AuthSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	userID, err := strconv.ParseInt(claims.Sub, 10, 64)
	if err != nil {
		return Session{}, auth.ErrMalformedToken
	}
	return Session{
		Token:       token,
		UserID:      userID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) CurrentUser(ctx context.Context, session Session) (store.User, error) {
	return s.store.GetUserByID(ctx, session.UserID)
}

func (s *Service) UpdateDisplayName(ctx context.Context, userID int64, displayName string) (store.User, error) {
	trimmed := strings.TrimSpace(displayName)
	if n := utf8.RuneCountInString(trimmed); n < minDisplayNameLen || n > maxDisplayNameLen {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("displayName must be between %d and %d characters", minDisplayNameLen, maxDisplayNameLen), nil)
	}
	return s.store.UpdateDisplayName(ctx, userID, trimmed)
}

// PostMessage validates and stores a message, then fans it out to every
// subscriber of the thread. The rate limit key pairs the user with the
// client IP so one user on two networks holds two separate budgets.
func (s *Service) PostMessage(ctx context.Context, session Session, rawThreadKey, clientIP, content string) (store.Message, error) {
	threadKey, err := canon.ThreadKey(rawThreadKey)
	if err != nil {
		return store.Message{}, domainError(http.StatusBadRequest, "INVALID_THREAD_KEY", "Thread key must be a canonicalizable URL", nil)
	}

	cleaned := strings.TrimSpace(s.sanitizer.Sanitize(content))
	if n := utf8.RuneCountInString(cleaned); n < 1 || n > maxContentLength {
		return store.Message{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("content must be between 1 and %d characters", maxContentLength), nil)
	}

	if !s.limiter.Allow(fmt.Sprintf("%d:%s", session.UserID, clientIP)) {
		s.collector.RecordRateLimited()
		return store.Message{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many messages, slow down", nil)
	}

	thread, err := s.store.GetOrCreateThread(ctx, threadKey)
	if err != nil {
		return store.Message{}, err
	}
	message, err := s.store.InsertMessage(ctx, thread.ID, session.DisplayName, cleaned)
	if err != nil {
		return store.Message{}, err
	}
	message.ThreadKey = threadKey

	s.hub.Broadcast(threadKey, hub.Event{Type: "message", Data: messagePayload(message)})
	s.collector.RecordMessagePosted()
	s.collector.RecordBroadcast()
	return message, nil
}

// History returns the most recent messages of a thread in ascending
// chronological order.
func (s *Service) History(ctx context.Context, rawThreadKey string, limit int) (string, []store.Message, error) {
	threadKey, err := canon.ThreadKey(rawThreadKey)
	if err != nil {
		return "", nil, domainError(http.StatusBadRequest, "INVALID_THREAD_KEY", "Thread key must be a canonicalizable URL", nil)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	messages, err := s.store.ListMessages(ctx, threadKey, limit)
	if err != nil {
		return "", nil, err
	}
	return threadKey, messages, nil
}

func (s *Service) issueSession(user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:         strconv.FormatInt(user.ID, 10),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Iat:         now.Unix(),
		Exp:         expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		ExpiresAt:   expiresAt,
	}, nil
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":        message.ID,
		"threadKey": message.ThreadKey,
		"clientId":  message.ClientID,
		"content":   message.Content,
		"createdAt": message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func normalizeEmail(raw string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	parsed, err := mail.ParseAddress(normalized)
	if err != nil || parsed.Address != normalized {
		return "", fmt.Errorf("invalid email address")
	}
	return normalized, nil
}

func displayNameFromEmail(address string) string {
	local, _, _ := strings.Cut(address, "@")
	if local == "" {
		local = "anonymous"
	}
	if utf8.RuneCountInString(local) > maxDisplayNameLen {
		local = string([]rune(local)[:maxDisplayNameLen])
	}
	return local
}
