package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mediashare/internal/metrics"
	"mediashare/internal/ratelimit"
	"mediashare/internal/util"
	"mediashare/pkg/domain"
	"mediashare/pkg/storage"
	"mediashare/services/media/internal/app"
	"mediashare/services/media/internal/cascade"
)

const maxJSONBody = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Blobs          storage.BlobStore
	Logger         zerolog.Logger
	AuthLimiter    ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	PresignExpiry  time.Duration
}

// Server exposes HTTP endpoints for the media service.
type Server struct {
	app            *app.App
	blobs          storage.BlobStore
	log            zerolog.Logger
	authLimiter    ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	presignExpiry  time.Duration
	router         chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	s := &Server{
		app:            cfg.App,
		blobs:          cfg.Blobs,
		log:            cfg.Logger,
		authLimiter:    cfg.AuthLimiter,
		trustedProxies: cfg.TrustedProxies,
		presignExpiry:  cfg.PresignExpiry,
	}
	s.routes(cfg.CORSOrigins)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes(corsOrigins []string) {
	r := chi.NewRouter()
	r.Use(s.withLogger)
	r.Use(util.WithRequestID)
	r.Use(func(next http.Handler) http.Handler {
		return util.WithRequestLog(next, metrics.ObserveRequest)
	})
	r.Use(middleware.Recoverer)
	r.Use(util.WithSecurityHeaders)
	r.Use(util.NewCORS(corsOrigins))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.With(util.WithMediaEmbedding).Get("/uploads/*", s.handleUpload)

	r.Route("/auth", func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.authLimiter, "auth", s.clientIP, func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "AUTH_RATE_LIMITED", "too many requests")
		}))
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.withUser)
		r.Get("/account", s.handleGetAccount)
		r.Patch("/account", s.handleUpdateAccount)

		r.Get("/videos", s.handleListVideos)
		r.Get("/videos/mine", s.handleListMyVideos)
		r.Post("/videos", s.handleUploadVideo)
		r.Post("/videos/link", s.handleLinkVideo)
		r.Get("/videos/{id}", s.handleGetVideo)
		r.Delete("/videos/{id}", s.handleDeleteVideo)
	})

	// the cascade reports an absent account itself
	r.With(s.withSubject).Delete("/account", s.handleDeleteAccount)
	s.router = r
}

// Route is one registered method and chi pattern.
type Route struct {
	Method  string
	Pattern string
}

// Routes lists every endpoint the server registers, without wiring handlers
// to real dependencies.
func Routes() ([]Route, error) {
	s := &Server{}
	s.routes(nil)
	var out []Route
	err := chi.Walk(s.router, func(method, pattern string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		out = append(out, Route{Method: method, Pattern: pattern})
		return nil
	})
	return out, err
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(s.log.WithContext(r.Context())))
	})
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userCtxKey struct{}

func (s *Server) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(r.Context(), token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey{}, user)
		logger := zerolog.Ctx(ctx).With().Str("account_id", user.ID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

// withSubject authenticates the token without loading the account; only the
// id is set on the request.
func (s *Server) withSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		id, ok := s.app.SubjectFromToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey{}, domain.Account{ID: id})
		logger := zerolog.Ctx(ctx).With().Str("account_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

func userFrom(r *http.Request) domain.Account {
	user, _ := r.Context().Value(userCtxKey{}).(domain.Account)
	return user
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Account domain.Account `json:"account"`
	Token   string         `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, token, err := s.app.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Account: account, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Account: account, Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFrom(r))
}

type updateAccountRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, token, err := s.app.UpdateProfile(r.Context(), userFrom(r).ID, app.ProfileUpdate{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	resp := map[string]any{"account": account}
	if token != "" {
		resp["token"] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.DeleteAccount(r.Context(), userFrom(r).ID)
	if err != nil {
		if errors.Is(err, cascade.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
			return
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "account deleted",
		"details": res,
	})
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.app.ListAllVideos(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeList(w, videos)
}

func (s *Server) handleListMyVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.app.ListMyVideos(r.Context(), userFrom(r))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeList(w, videos)
}

func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "VIDEO_FILE_TOO_LARGE", "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "VIDEO_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VIDEO_FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer file.Close()
	video, err := s.app.UploadVideo(r.Context(), userFrom(r), r.FormValue("title"), r.FormValue("description"), header.Filename, file, header.Size)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

type linkRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

func (s *Server) handleLinkVideo(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	video, err := s.app.LinkVideo(r.Context(), userFrom(r), req.Title, req.Description, req.URL)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	video, err := s.app.GetVideo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	if _, err := s.app.DeleteVideo(r.Context(), userFrom(r).ID, chi.URLParam(r, "id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "video deleted"})
}

// handleUpload serves stored blobs: files directly, object stores by redirect.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	locator := chi.URLParam(r, "*")
	switch blobs := s.blobs.(type) {
	case *storage.FileStore:
		f, err := blobs.Open(locator)
		if err != nil {
			writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
			return
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	case storage.Presigner:
		url, err := blobs.PresignGet(r.Context(), locator, s.presignExpiry)
		if err != nil {
			writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
	default:
		writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS", app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, "AUTH_EMAIL_TAKEN", app.ErrEmailTaken.Error())
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, app.ErrUnsupportedFileType):
		writeError(w, http.StatusBadRequest, "VIDEO_UNSUPPORTED_FILE_TYPE", err.Error())
	case errors.Is(err, app.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "VIDEO_FILE_TOO_LARGE", err.Error())
	case errors.Is(err, app.ErrVideoNotFound), errors.Is(err, cascade.ErrNotFound):
		writeError(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "video not found")
	case errors.Is(err, app.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	case errors.Is(err, cascade.ErrForbidden):
		writeError(w, http.StatusForbidden, "VIDEO_FORBIDDEN", "forbidden")
	case errors.Is(err, cascade.ErrTransactionFailed):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("transaction failed")
		writeError(w, http.StatusInternalServerError, "SYSTEM_TRANSACTION_FAILED", "transaction failed")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "SYSTEM_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func writeList(w http.ResponseWriter, videos []domain.Video) {
	if videos == nil {
		videos = []domain.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": videos,
		"count": len(videos),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[7:])
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
