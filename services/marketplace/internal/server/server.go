package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
	"marketplace/internal/ratelimit"
	"marketplace/internal/util"
	"marketplace/pkg/domain"
	"marketplace/pkg/storage"
	"marketplace/services/marketplace/internal/app"
)

const (
	maxJSONBytes       = 1 << 20
	multipartMemory    = 8 << 20
	photosPerRequest   = 16
	defaultParallelism = 4
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Redis backs the login/register limiters. It is required when either limit is positive.
	Redis                    *redis.Client
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int

	MaxUploadBytes     int64
	MaxParallelUploads int64
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
}

// Server exposes the marketplace HTTP API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	cors            func(http.Handler) http.Handler
	trusted         *util.TrustedProxies
	maxRequestBytes int64
	uploadSlots     *semaphore.Weighted
	signupLimiter   *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			return nil, nil
		}
		if cfg.Redis == nil {
			return nil, fmt.Errorf("init %s limiter: redis client is required", name)
		}
		l, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "marketplace:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return l, nil
	}
	signupLimiter, err := newLimiter("signup", cfg.SignupRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		return nil, err
	}

	perFile := cfg.MaxUploadBytes
	if perFile <= 0 {
		perFile = storage.DefaultMaxUploadBytes
	}
	parallel := cfg.MaxParallelUploads
	if parallel <= 0 {
		parallel = defaultParallelism
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		cors:            util.WithCORS(cfg.CORSAllowedOrigins),
		trusted:         cfg.TrustedProxies,
		maxRequestBytes: perFile*photosPerRequest + maxJSONBytes,
		uploadSlots:     semaphore.NewWeighted(parallel),
		signupLimiter:   signupLimiter,
		loginLimiter:    loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(s.cors(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)

	// auth
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.Handle("POST /api/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("GET /api/account", s.authenticated(s.handleAccount))
	s.mux.Handle("DELETE /api/account", s.authenticated(s.handleDeleteAccount))
	s.mux.Handle("GET /api/notes", s.authenticated(s.handleListNotes))
	s.mux.Handle("POST /api/notes", s.authenticated(s.handleAddNote))

	// listings
	s.mux.HandleFunc("GET /api/listings", s.handleListings)
	s.mux.Handle("POST /api/houses", s.authenticated(s.handleCreateHouse))
	s.mux.HandleFunc("GET /api/houses/{id}", s.listingDetail(domain.KindHouse))
	s.mux.Handle("DELETE /api/houses/{id}", s.authenticated(s.deleteListing(domain.KindHouse)))
	s.mux.Handle("POST /api/books", s.authenticated(s.handleCreateBook))
	s.mux.HandleFunc("GET /api/books/{id}", s.listingDetail(domain.KindBook))
	s.mux.Handle("DELETE /api/books/{id}", s.authenticated(s.deleteListing(domain.KindBook)))
	s.mux.HandleFunc("GET /api/photos/{name}", s.handlePhoto)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.Session)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "session.verify", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, app.ErrUnauthorized.Error())
			return
		}
		session, err := s.app.SessionFromToken(r.Context(), token)
		if err != nil {
			s.audit(r, "session.verify", "fail", "reason", "invalid_token")
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, session)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	release, ok := s.beginUpload(w, r)
	if !ok {
		return
	}
	defer release()

	in := app.RegisterInput{
		Email:       r.FormValue("email"),
		DisplayName: r.FormValue("displayName"),
		Password:    r.FormValue("password"),
		Phone:       r.FormValue("phone"),
		Citizenship: r.FormValue("citizenship"),
	}
	photos, closeAll, err := formPhotos(r, "photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid photo")
		return
	}
	defer closeAll()
	if len(photos) > 0 {
		in.Photo = photos[0]
	}

	user, err := s.app.Register(r.Context(), in)
	if err != nil {
		s.audit(r, "register", "fail", "reason", auditReason(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "login", "fail", "reason", "invalid_json")
		return
	}
	session, user, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", auditReason(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: session.Token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, session domain.Session) {
	if err := s.app.Logout(r.Context(), session); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "logout", "success", "user_id", session.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, session domain.Session) {
	user, err := s.app.Account(r.Context(), session)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, session domain.Session) {
	if err := s.app.DeleteAccount(r.Context(), session); err != nil {
		s.audit(r, "account.delete", "fail", "user_id", session.UserID, "reason", auditReason(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "account.delete", "success", "user_id", session.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, session domain.Session) {
	notes, err := s.app.ListNotes(r.Context(), session)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": notes,
		"count": len(notes),
	})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request, session domain.Session) {
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	note, err := s.app.AddNote(r.Context(), session, req.Body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listings, err := s.app.ViewListings(r.Context(), app.ListingFilter{
		Kind:     q.Get("kind"),
		Category: q.Get("category"),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": listings,
		"count": len(listings),
	})
}

func (s *Server) handleCreateHouse(w http.ResponseWriter, r *http.Request, session domain.Session) {
	release, ok := s.beginUpload(w, r)
	if !ok {
		return
	}
	defer release()

	price, ok := formPrice(w, r)
	if !ok {
		return
	}
	photos, closeAll, err := formPhotos(r, "photos")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid photo")
		return
	}
	defer closeAll()

	house, err := s.app.CreateHouse(r.Context(), session, app.HouseInput{
		Name:        r.FormValue("name"),
		Street:      r.FormValue("street"),
		Location:    r.FormValue("location"),
		Phone:       r.FormValue("phone"),
		Price:       price,
		Menu:        r.FormValue("menu"),
		Description: r.FormValue("description"),
		Photos:      photos,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, house)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, session domain.Session) {
	release, ok := s.beginUpload(w, r)
	if !ok {
		return
	}
	defer release()

	price, ok := formPrice(w, r)
	if !ok {
		return
	}
	photos, closeAll, err := formPhotos(r, "photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid photo")
		return
	}
	defer closeAll()

	in := app.BookInput{
		Title:     r.FormValue("title"),
		Author:    r.FormValue("author"),
		Condition: r.FormValue("condition"),
		Address:   r.FormValue("address"),
		Phone:     r.FormValue("phone"),
		Price:     price,
		Summary:   r.FormValue("summary"),
		Category:  r.FormValue("category"),
	}
	if len(photos) > 0 {
		in.Photo = photos[0]
	}
	book, err := s.app.CreateBook(r.Context(), session, in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) listingDetail(kind domain.ListingKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		listing, err := s.app.ViewListingDetail(r.Context(), kind, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if listing.House != nil {
			writeJSON(w, http.StatusOK, listing.House)
			return
		}
		writeJSON(w, http.StatusOK, listing.Book)
	}
}

func (s *Server) deleteListing(kind domain.ListingKind) authHandler {
	return func(w http.ResponseWriter, r *http.Request, session domain.Session) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := s.app.DeleteListing(r.Context(), session, kind, id); err != nil {
			if errors.Is(err, app.ErrForbidden) {
				s.audit(r, "listing.delete", "forbidden", "user_id", session.UserID, "kind", kind, "listing_id", id)
			}
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	rc, err := s.app.OpenPhoto(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 3072)
	head, _ := br.Peek(3072)
	w.Header().Set("Content-Type", mimetype.Detect(head).String())
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, br); err != nil {
		util.LoggerFromContext(r.Context()).Warn("photo stream interrupted", "name", r.PathValue("name"), "err", err)
	}
}

// beginUpload claims an upload slot and parses the multipart body.
// The returned release must be called once the request is done.
func (s *Server) beginUpload(w http.ResponseWriter, r *http.Request) (func(), bool) {
	if !s.uploadSlots.TryAcquire(1) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many concurrent uploads")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.uploadSlots.Release(1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return nil, false
	}
	return func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
		s.uploadSlots.Release(1)
	}, true
}

// formPhotos opens every file under field, keeping empty parts as empty slots.
func formPhotos(r *http.Request, field string) ([]app.PhotoUpload, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	if r.MultipartForm == nil {
		return nil, closeAll, nil
	}
	headers := r.MultipartForm.File[field]
	photos := make([]app.PhotoUpload, 0, len(headers))
	for _, fh := range headers {
		if fh.Filename == "" && fh.Size == 0 {
			photos = append(photos, app.PhotoUpload{})
			continue
		}
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		files = append(files, f)
		photos = append(photos, app.PhotoUpload{File: f, Filename: fh.Filename})
	}
	return photos, closeAll, nil
}

func formPrice(w http.ResponseWriter, r *http.Request) (float64, bool) {
	raw := strings.TrimSpace(r.FormValue("price"))
	if raw == "" {
		return 0, true
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "price must be a number")
		return 0, false
	}
	return price, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, app.ErrNotFound.Error())
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type noteRequest struct {
	Body string `json:"body"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps app sentinels to status codes. Storage failures are
// logged in full and answered with a generic message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation),
		errors.Is(err, app.ErrInvalidCategory),
		errors.Is(err, app.ErrUploadRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials),
		errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func auditReason(err error) string {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, app.ErrDuplicateEmail):
		return "duplicate_email"
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrUploadRejected):
		return "invalid_input"
	case errors.Is(err, app.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	ok, retryAfter := limiter.Allow(r.Context(), r.URL.Path+"|"+util.ClientIP(r, s.trusted))
	if ok {
		return true
	}
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
