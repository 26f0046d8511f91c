package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediashare/internal/util"
	"mediashare/pkg/auth"
	"mediashare/pkg/domain"
	"mediashare/pkg/storage"
	"mediashare/pkg/store"
	"mediashare/services/media/internal/cascade"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxNameLen        = 100
)

var allowedVideoExts = map[string]struct{}{
	".mp4":  {},
	".m4v":  {},
	".mov":  {},
	".webm": {},
	".mkv":  {},
	".ogv":  {},
}

// Sessions issues and validates bearer tokens and can revoke all of a user's tokens.
type Sessions interface {
	store.SessionStore
	store.UserSessionRevoker
}

// Config holds runtime collaborators for the media application.
type Config struct {
	Store          store.Store
	Blobs          storage.BlobStore
	Sessions       Sessions
	CleanupQueue   cascade.CleanupQueue
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// App is the media application service.
type App struct {
	store          store.Store
	blobs          storage.BlobStore
	sessions       Sessions
	cascade        *cascade.Coordinator
	maxUploadBytes int64
	log            zerolog.Logger
}

// New wires the application and its deletion coordinator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	opts := []cascade.Option{
		cascade.WithLogger(cfg.Logger),
		cascade.WithSessionRevoker(cfg.Sessions),
	}
	if cfg.CleanupQueue != nil {
		opts = append(opts, cascade.WithCleanupQueue(cfg.CleanupQueue))
	}
	return &App{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		sessions:       cfg.Sessions,
		cascade:        cascade.NewCoordinator(cfg.Store, cfg.Blobs, opts...),
		maxUploadBytes: cfg.MaxUploadBytes,
		log:            cfg.Logger.With().Str("component", "app").Logger(),
	}, nil
}

// MaxUploadBytes is the largest accepted upload.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// Register creates an account and returns a session token for it.
func (a *App) Register(ctx context.Context, name, email, password string) (domain.Account, string, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if err := validateName(name); err != nil {
		return domain.Account{}, "", err
	}
	if err := validateEmail(email); err != nil {
		return domain.Account{}, "", err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.Account{}, "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	account := domain.Account{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.Account{}, "", ErrEmailTaken
		}
		return domain.Account{}, "", fmt.Errorf("create account: %w", err)
	}
	token, err := a.sessions.NewSession(account.ID)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("create session: %w", err)
	}
	return account, token, nil
}

// Login verifies credentials and returns a new session token.
func (a *App) Login(ctx context.Context, email, password string) (domain.Account, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.Account{}, "", ErrInvalidCredentials
	}
	account, ok, err := a.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("load account: %w", err)
	}
	if !ok || !auth.CheckPassword(password, account.PasswordHash) {
		return domain.Account{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(account.ID)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("create session: %w", err)
	}
	return account, token, nil
}

// Logout revokes the given token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a bearer token to its account.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.Account, bool) {
	id, ok := a.SubjectFromToken(token)
	if !ok {
		return domain.Account{}, false
	}
	account, found, err := a.store.GetAccountByID(ctx, id)
	if err != nil {
		a.log.Error().Err(err).Str("account_id", id).Msg("load account for token")
		return domain.Account{}, false
	}
	return account, found
}

// SubjectFromToken returns the account id a valid, unrevoked token was issued
// for, whether or not that account still exists.
func (a *App) SubjectFromToken(token string) (string, bool) {
	id, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return "", false
	}
	return id, true
}

// ProfileUpdate carries the optional fields of a profile change.
type ProfileUpdate struct {
	Name     *string
	Email    *string
	Password *string
}

// UpdateProfile applies the non-nil fields. A password change revokes every
// earlier session and returns a fresh token; otherwise the token is empty.
func (a *App) UpdateProfile(ctx context.Context, actorID string, upd ProfileUpdate) (domain.Account, string, error) {
	account, ok, err := a.store.GetAccountByID(ctx, actorID)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("load account: %w", err)
	}
	if !ok {
		return domain.Account{}, "", ErrAccountNotFound
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if err := validateName(name); err != nil {
			return domain.Account{}, "", err
		}
		account.Name = name
	}
	if upd.Email != nil {
		email := normalizeEmail(*upd.Email)
		if err := validateEmail(email); err != nil {
			return domain.Account{}, "", err
		}
		account.Email = email
	}
	passwordChanged := false
	if upd.Password != nil {
		if err := auth.ValidatePassword(*upd.Password); err != nil {
			return domain.Account{}, "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		hash, err := auth.HashPassword(*upd.Password)
		if err != nil {
			return domain.Account{}, "", fmt.Errorf("hash password: %w", err)
		}
		account.PasswordHash = hash
		passwordChanged = true
	}
	if err := a.store.UpdateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.Account{}, "", ErrEmailTaken
		}
		return domain.Account{}, "", fmt.Errorf("update account: %w", err)
	}
	account.UpdatedAt = time.Now().UTC()
	if !passwordChanged {
		return account, "", nil
	}
	// iat has second precision: cut off just before the current second so the
	// replacement token stays valid
	cutoff := time.Now().UTC().Truncate(time.Second).Add(-time.Nanosecond)
	if err := a.sessions.RevokeUserSessions(account.ID, cutoff); err != nil {
		return domain.Account{}, "", fmt.Errorf("revoke sessions: %w", err)
	}
	token, err := a.sessions.NewSession(account.ID)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("create session: %w", err)
	}
	return account, token, nil
}

// UploadVideo stores the file and records it. If the row insert fails the
// blob is removed again.
func (a *App) UploadVideo(ctx context.Context, owner domain.Account, title, description, filename string, r io.Reader, size int64) (domain.Video, error) {
	title, description, err := validateMeta(title, description)
	if err != nil {
		return domain.Video{}, err
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if _, ok := allowedVideoExts[ext]; !ok {
		return domain.Video{}, ErrUnsupportedFileType
	}
	if size > a.maxUploadBytes {
		return domain.Video{}, ErrFileTooLarge
	}
	id := util.NewID()
	video := domain.Video{
		ID:          id,
		Title:       title,
		Description: description,
		Locator:     path.Join("videos", id+ext),
		Kind:        domain.StorageFile,
		OwnerID:     owner.ID,
		CreatedAt:   time.Now().UTC(),
	}
	limited := &countingReader{r: io.LimitReader(r, a.maxUploadBytes+1)}
	if err := a.blobs.Save(ctx, video.Locator, limited); err != nil {
		return domain.Video{}, fmt.Errorf("save file: %w", err)
	}
	if limited.n > a.maxUploadBytes {
		a.discardBlob(ctx, video.Locator)
		return domain.Video{}, ErrFileTooLarge
	}
	if err := a.store.CreateVideo(ctx, video); err != nil {
		a.discardBlob(ctx, video.Locator)
		return domain.Video{}, fmt.Errorf("save video: %w", err)
	}
	video.OwnerName = owner.Name
	return video, nil
}

// LinkVideo records an externally hosted video.
func (a *App) LinkVideo(ctx context.Context, owner domain.Account, title, description, rawURL string) (domain.Video, error) {
	title, description, err := validateMeta(title, description)
	if err != nil {
		return domain.Video{}, err
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Video{}, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidInput)
	}
	video := domain.Video{
		ID:          util.NewID(),
		Title:       title,
		Description: description,
		Locator:     u.String(),
		Kind:        domain.StorageLink,
		OwnerID:     owner.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateVideo(ctx, video); err != nil {
		return domain.Video{}, fmt.Errorf("save video: %w", err)
	}
	video.OwnerName = owner.Name
	return video, nil
}

// ListMyVideos returns the owner's videos, newest first.
func (a *App) ListMyVideos(ctx context.Context, owner domain.Account) ([]domain.Video, error) {
	videos, err := a.store.ListVideosByOwner(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	for i := range videos {
		videos[i].OwnerName = owner.Name
	}
	return videos, nil
}

// ListAllVideos returns every video with its owner's name, newest first.
func (a *App) ListAllVideos(ctx context.Context) ([]domain.Video, error) {
	return a.store.ListVideosWithOwner(ctx)
}

// GetVideo returns a video by id.
func (a *App) GetVideo(ctx context.Context, id string) (domain.Video, error) {
	video, ok, err := a.store.GetVideo(ctx, id)
	if err != nil {
		return domain.Video{}, err
	}
	if !ok {
		return domain.Video{}, ErrVideoNotFound
	}
	return video, nil
}

// DeleteVideo removes one of the actor's videos.
func (a *App) DeleteVideo(ctx context.Context, actorID, videoID string) (cascade.VideoDeletion, error) {
	return a.cascade.DeleteVideo(ctx, actorID, videoID)
}

// DeleteAccount removes the actor's account with all videos and files.
func (a *App) DeleteAccount(ctx context.Context, actorID string) (cascade.AccountDeletion, error) {
	return a.cascade.DeleteAccount(ctx, actorID)
}

func (a *App) discardBlob(ctx context.Context, locator string) {
	if _, err := a.blobs.DeleteIfExists(context.WithoutCancel(ctx), locator); err != nil {
		a.log.Warn().Err(err).Str("locator", locator).Msg("discard orphaned upload")
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLen)
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

func validateMeta(title, description string) (string, string, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title == "" || len(title) > maxTitleLen {
		return "", "", fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidInput, maxTitleLen)
	}
	if len(description) > maxDescriptionLen {
		return "", "", fmt.Errorf("%w: description too long", ErrInvalidInput)
	}
	return title, description, nil
}
