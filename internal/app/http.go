package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threadline/api/internal/auth"
	"threadline/api/internal/logging"
	"threadline/api/internal/search"
	"threadline/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		setRoute(w, "/api/health")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		setRoute(w, "/api/ready")
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		setRoute(w, "/metrics")
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/tokens" {
		setRoute(w, "/api/tokens")
		s.handleIssueToken(w, r)
		return
	}

	parts, err := splitPath(r.URL.EscapedPath())
	if err != nil || len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		if parts[1] != "search" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		setRoute(w, "/api/search")
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSearch(w, r, viewer)
		return
	}

	switch parts[1] {
	case "threads":
		s.handleThreads(w, r, viewer, parts[2:])
	case "messages":
		s.handleMessages(w, r, parts[2:])
	case "popular":
		s.handlePopular(w, r, viewer, parts[2:])
	case "feeds":
		s.handleFeeds(w, r, viewer, parts[2:])
	case "profiles":
		s.handleProfiles(w, r, viewer, parts[2:])
	case "blobs":
		s.handleBlobs(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, viewer string) {
	q := search.Query{
		Text:    strings.TrimSpace(r.URL.Query().Get("q")),
		Author:  r.URL.Query().Get("author"),
		Channel: r.URL.Query().Get("channel"),
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "q is required", nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q.Limit = clampLimit(limit)
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Search(r.Context(), q, viewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{}
	ready := true
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	syncToken := strings.TrimSpace(r.Header.Get("x-threadline-sync-token"))
	if syncToken == "" || syncToken != s.service.SyncToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		Feed string `json:"feed"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, expiresAt, err := s.service.IssueToken(strings.TrimSpace(body.Feed))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     token,
		"feed":      body.Feed,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, viewer string, parts []string) {
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		setRoute(w, "/api/threads/{id}")
		msgs, err := s.service.ResolveThread(r.Context(), parts[0], viewer)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": parts[0], "messages": msgs})
	case len(parts) == 2 && parts[1] == "replies" && r.Method == http.MethodPost:
		setRoute(w, "/api/threads/{id}/replies")
		var input ReplyInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		author, err := s.service.Author(bearerToken(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		reply, err := s.service.Reply(r.Context(), parts[0], input, author)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": reply})
	default:
		routeMismatch(w, len(parts) == 1 || (len(parts) == 2 && parts[1] == "replies"))
	}
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 || parts[1] != "votes" {
		routeMismatch(w, false)
		return
	}
	setRoute(w, "/api/messages/{id}/votes")
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var input VoteInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	author, err := s.service.Author(bearerToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	vote, err := s.service.Vote(r.Context(), parts[0], input, author)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": vote})
}

func (s *HTTPServer) handlePopular(w http.ResponseWriter, r *http.Request, viewer string, parts []string) {
	if len(parts) != 1 {
		routeMismatch(w, false)
		return
	}
	setRoute(w, "/api/popular/{period}")
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msgs, err := s.service.Popular(r.Context(), parts[0], viewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": parts[0], "messages": msgs})
}

func (s *HTTPServer) handleFeeds(w http.ResponseWriter, r *http.Request, viewer string, parts []string) {
	if len(parts) != 1 {
		routeMismatch(w, false)
		return
	}
	setRoute(w, "/api/feeds/{name}")
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	params := FeedParams{
		Limit:   limit,
		Channel: r.URL.Query().Get("channel"),
		Feed:    r.URL.Query().Get("feed"),
	}
	msgs, err := s.service.Feed(r.Context(), parts[0], params, viewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": parts[0], "messages": msgs})
}

func (s *HTTPServer) handleProfiles(w http.ResponseWriter, r *http.Request, viewer string, parts []string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	feed := parts[0]
	switch {
	case len(parts) == 1:
		setRoute(w, "/api/profiles/{feed}")
		view, err := s.service.Profile(r.Context(), feed, viewer)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 2 && (parts[1] == "posts" || parts[1] == "likes"):
		setRoute(w, "/api/profiles/{feed}/"+parts[1])
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		name := "profile"
		if parts[1] == "likes" {
			name = "likes"
		}
		msgs, err := s.service.Feed(r.Context(), name, FeedParams{Limit: limit, Feed: feed}, viewer)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feed": feed, "messages": msgs})
	default:
		routeMismatch(w, false)
	}
}

func (s *HTTPServer) handleBlobs(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 1 {
		routeMismatch(w, false)
		return
	}
	setRoute(w, "/api/blobs/{id}")
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	body, info, err := s.service.OpenBlob(r.Context(), parts[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.service.logger.WithError(err).WithField("blob", parts[0]).Warn("blob stream interrupted")
	}
}

func (s *HTTPServer) requireViewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	viewer, err := s.service.Viewer(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return viewer, true
}

// fail writes err through mapError. Server errors are logged with the
// request id; user-facing conditions are not.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.service.logger.WithError(err).WithFields(logging.Fields{
			"request_id": requestID,
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, msg, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.RequestID(r.Header.Get("X-Request-ID"))
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK, route: "unmatched"}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.metrics.ObserveHTTP(r.Method, writer.route, writer.status, started)
		s.service.logger.WithFields(logging.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"route":       writer.route,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
	// route is the path template used as the metrics label.
	route string
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setRoute(w http.ResponseWriter, route string) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.route = route
	}
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func routeMismatch(w http.ResponseWriter, methodOnly bool) {
	if methodOnly {
		methodNotAllowed(w)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

// splitPath splits an escaped path and unescapes each segment, so ids that
// contain "/" can be passed percent-encoded.
func splitPath(escaped string) ([]string, error) {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		parts[i] = unescaped
	}
	return parts, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalidArgument(key+" must be a non-negative integer", map[string]any{key: raw})
	}
	return n, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.As(classify(err, ""), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Upstream timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
