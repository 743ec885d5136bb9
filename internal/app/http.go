package app

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"linkroom/api/internal/auth"
	"linkroom/api/internal/magiclink"
	"linkroom/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string

	throttleMu sync.Mutex
	throttles  map[string]*rate.Limiter
	authRate   rate.Limit
	authBurst  int
}

func NewHTTPServer(service *Service, corsOrigin string, authRatePerMinute int) *HTTPServer {
	if authRatePerMinute <= 0 {
		authRatePerMinute = 10
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		throttles:  make(map[string]*rate.Limiter),
		authRate:   rate.Limit(float64(authRatePerMinute) / 60.0),
		authBurst:  authRatePerMinute,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/ws/") {
		s.handleWS(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required, per-IP throttled)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/magic/request" {
		if !s.allowAuthRequest(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, slow down", nil)
			return
		}
		s.handleMagicRequest(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/magic/verify" {
		if !s.allowAuthRequest(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, slow down", nil)
			return
		}
		s.handleMagicVerify(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/google/verify" {
		if !s.allowAuthRequest(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, slow down", nil)
			return
		}
		s.handleGoogleVerify(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/auth/magic" {
		s.handleMagicPage(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/messages" {
		s.handleHistory(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/messages" {
		s.handlePostMessage(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/me" {
		user, err := s.service.CurrentUser(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(user)})
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/auth/me" {
		var body struct {
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.UpdateDisplayName(r.Context(), session.UserID, body.DisplayName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": userPayload(user)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMagicRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	devToken, err := s.service.RequestMagicLink(r.Context(), body.Email)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	// Same message regardless of outcome so addresses cannot be probed
	response := map[string]any{
		"message": "If the address is valid, a sign-in link has been sent",
	}
	// Dev bypass: include the token when email delivery is not configured
	if !s.service.SMTPConfigured() && devToken != "" {
		response["devMagicToken"] = devToken
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleMagicVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.RedeemMagicLink(r.Context(), body.Token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleGoogleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.VerifyGoogle(r.Context(), body.AccessToken)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

var magicPageTemplate = template.Must(template.New("magic").Parse(`<!DOCTYPE html>
<html>
<head><title>Linkroom sign-in</title></head>
<body>
<h1>Linkroom</h1>
{{if .Token}}
<p>Paste this token into the app to finish signing in:</p>
<pre>{{.Token}}</pre>
{{else}}
<p>This sign-in link is missing its token.</p>
{{end}}
</body>
</html>
`))

func (s *HTTPServer) handleMagicPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = magicPageTemplate.Execute(w, struct{ Token string }{Token: r.URL.Query().Get("token")})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	rawKey := strings.TrimSpace(r.URL.Query().Get("thread_key"))
	if rawKey == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "thread_key is required", nil)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}

	threadKey, messages, err := s.service.History(r.Context(), rawKey, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	payload := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		message.ThreadKey = threadKey
		payload = append(payload, messagePayload(message))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadKey": threadKey, "messages": payload})
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		ThreadKey string `json:"threadKey"`
		Content   string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	message, err := s.service.PostMessage(r.Context(), session, body.ThreadKey, clientIP(r), body.Content)
	if err != nil {
		status, code, msg, details := mapError(err)
		writeError(w, status, code, msg, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": messagePayload(message)})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) allowAuthRequest(ip string) bool {
	s.throttleMu.Lock()
	limiter, ok := s.throttles[ip]
	if !ok {
		limiter = rate.NewLimiter(s.authRate, s.authBurst)
		s.throttles[ip] = limiter
	}
	s.throttleMu.Unlock()
	return limiter.Allow()
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.collector.RecordHTTPStatus(writer.status)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, magiclink.ErrInvalidOrExpired) {
		return http.StatusUnauthorized, "INVALID_OR_EXPIRED_TOKEN", "This sign-in link is invalid or has expired", nil
	}
	if errors.Is(err, auth.ErrMalformedToken) || errors.Is(err, auth.ErrBadSignature) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken": session.Token,
		"tokenType":   "bearer",
		"expiresAt":   session.ExpiresAt.Unix(),
		"user": map[string]any{
			"id":          session.UserID,
			"email":       session.Email,
			"displayName": session.DisplayName,
		},
	}
}

func userPayload(user store.User) map[string]any {
	payload := map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"createdAt":   user.CreatedAt.UTC().Format(time.RFC3339),
	}
	if user.LastLoginAt != nil {
		payload["lastLoginAt"] = user.LastLoginAt.UTC().Format(time.RFC3339)
	}
	return payload
}
