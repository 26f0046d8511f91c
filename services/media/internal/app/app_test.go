package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediashare/pkg/domain"
	"mediashare/pkg/storage"
	"mediashare/pkg/store"
	"mediashare/services/media/internal/cascade"
)

const testPassword = "Sup3rSecret"

type testEnv struct {
	app   *App
	store *store.GormStore
	files *storage.FileStore
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewGormStore(store.DriverSQLite, filepath.Join(dir, "media.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	files, err := storage.NewFileStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(strings.Repeat("k", 32), time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	a, err := New(Config{
		Store:          st,
		Blobs:          files,
		Sessions:       sessions,
		MaxUploadBytes: maxUpload,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: st, files: files}
}

func (e *testEnv) register(t *testing.T, name, email string) (domain.Account, string) {
	t.Helper()
	account, token, err := e.app.Register(context.Background(), name, email, testPassword)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return account, token
}

func TestRegisterLoginAndToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	account, token := env.register(t, "Ann", " Ann@Example.com ")
	if account.Email != "ann@example.com" {
		t.Fatalf("expected normalized email, got %q", account.Email)
	}
	if account.PasswordHash == testPassword {
		t.Fatalf("expected password to be hashed")
	}

	got, ok := env.app.UserFromToken(ctx, token)
	if !ok || got.ID != account.ID {
		t.Fatalf("expected token to resolve to account, ok=%v got=%+v", ok, got)
	}

	if _, _, err := env.app.Register(ctx, "Other", "ann@example.com", testPassword); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, _, err := env.app.Login(ctx, "ann@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := env.app.Login(ctx, "nobody@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
	if _, token, err := env.app.Login(ctx, "ANN@example.com", testPassword); err != nil || token == "" {
		t.Fatalf("login: token=%q err=%v", token, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	cases := []struct {
		name, email, password string
	}{
		{"", "a@example.com", testPassword},
		{"A", "not-an-email", testPassword},
		{"A", "a@example.com", "weak"},
	}
	for _, tc := range cases {
		if _, _, err := env.app.Register(context.Background(), tc.name, tc.email, tc.password); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("register(%q,%q): expected ErrInvalidInput, got %v", tc.name, tc.email, err)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t, 0)
	_, token := env.register(t, "Ann", "ann@example.com")
	if err := env.app.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := env.app.UserFromToken(context.Background(), token); ok {
		t.Fatalf("expected token revoked after logout")
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	account, _ := env.register(t, "Ann", "ann@example.com")
	env.register(t, "Bob", "bob@example.com")

	name := "Annie"
	updated, token, err := env.app.UpdateProfile(ctx, account.ID, ProfileUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update name: %v", err)
	}
	if updated.Name != "Annie" || token != "" {
		t.Fatalf("unexpected update result %+v token=%q", updated, token)
	}

	taken := "bob@example.com"
	if _, _, err := env.app.UpdateProfile(ctx, account.ID, ProfileUpdate{Email: &taken}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	password := "N3wPassword"
	_, token, err = env.app.UpdateProfile(ctx, account.ID, ProfileUpdate{Password: &password})
	if err != nil {
		t.Fatalf("update password: %v", err)
	}
	if token == "" {
		t.Fatalf("expected fresh token after password change")
	}
	if _, ok := env.app.UserFromToken(ctx, token); !ok {
		t.Fatalf("expected fresh token to be valid")
	}
	if _, _, err := env.app.Login(ctx, "ann@example.com", password); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	if _, _, err := env.app.UpdateProfile(ctx, "missing", ProfileUpdate{Name: &name}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestUploadVideo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 16)
	owner, _ := env.register(t, "Ann", "ann@example.com")

	video, err := env.app.UploadVideo(ctx, owner, " Trip ", "desc", "clip.MP4", bytes.NewReader([]byte("video")), 5)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if video.Kind != domain.StorageFile || video.Title != "Trip" || !strings.HasSuffix(video.Locator, ".mp4") {
		t.Fatalf("unexpected video %+v", video)
	}
	ok, err := env.files.Exists(ctx, video.Locator)
	if err != nil || !ok {
		t.Fatalf("expected blob stored, ok=%v err=%v", ok, err)
	}

	if _, err := env.app.UploadVideo(ctx, owner, "Doc", "", "notes.txt", strings.NewReader("x"), 1); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
	}
	if _, err := env.app.UploadVideo(ctx, owner, "", "", "clip.mp4", strings.NewReader("x"), 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty title, got %v", err)
	}
	// declared size unknown, body exceeds the cap
	if _, err := env.app.UploadVideo(ctx, owner, "Big", "", "big.mp4", strings.NewReader(strings.Repeat("x", 32)), -1); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	mine, err := env.app.ListMyVideos(ctx, owner)
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 1 || mine[0].OwnerName != "Ann" {
		t.Fatalf("expected only the first upload recorded, got %+v", mine)
	}
}

func TestUploadVideoRemovesBlobWhenRowInsertFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	// owner does not exist, so the foreign key rejects the row
	ghost := domain.Account{ID: "ghost", Name: "Ghost"}
	if _, err := env.app.UploadVideo(ctx, ghost, "Clip", "", "clip.mp4", strings.NewReader("data"), 4); err == nil {
		t.Fatalf("expected insert failure")
	}
	matches, err := filepath.Glob(filepath.Join(env.files.BaseDir(), "videos", "*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected orphaned blob removed, found %v", matches)
	}
}

func TestLinkVideoAndListings(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	ann, _ := env.register(t, "Ann", "ann@example.com")
	bob, _ := env.register(t, "Bob", "bob@example.com")

	if _, err := env.app.LinkVideo(ctx, ann, "Bad", "", "ftp://example.com/x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for ftp url, got %v", err)
	}
	link, err := env.app.LinkVideo(ctx, ann, "Talk", "", "https://videos.example.com/talk")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.Kind != domain.StorageLink {
		t.Fatalf("expected link kind, got %q", link.Kind)
	}
	if _, err := env.app.LinkVideo(ctx, bob, "Other", "", "https://videos.example.com/other"); err != nil {
		t.Fatalf("link: %v", err)
	}

	all, err := env.app.ListAllVideos(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 videos, got %d", len(all))
	}
	got, err := env.app.GetVideo(ctx, link.ID)
	if err != nil || got.Locator != "https://videos.example.com/talk" {
		t.Fatalf("get video: %+v err=%v", got, err)
	}
	if _, err := env.app.GetVideo(ctx, "missing"); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
}

func TestDeleteAccountRevokesSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	ann, token := env.register(t, "Ann", "ann@example.com")
	if _, err := env.app.UploadVideo(ctx, ann, "Clip", "", "clip.webm", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.app.LinkVideo(ctx, ann, "Talk", "", "https://videos.example.com/talk"); err != nil {
		t.Fatalf("link: %v", err)
	}

	res, err := env.app.DeleteAccount(ctx, ann.ID)
	if err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if res != (cascade.AccountDeletion{VideosDeleted: 2, FilesDeleted: 1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := env.app.UserFromToken(ctx, token); ok {
		t.Fatalf("expected token rejected after account deletion")
	}
	if _, err := env.app.DeleteAccount(ctx, ann.ID); !errors.Is(err, cascade.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteVideoDelegatesOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	ann, _ := env.register(t, "Ann", "ann@example.com")
	bob, _ := env.register(t, "Bob", "bob@example.com")
	video, err := env.app.UploadVideo(ctx, ann, "Clip", "", "clip.mov", strings.NewReader("data"), 4)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.app.DeleteVideo(ctx, bob.ID, video.ID); !errors.Is(err, cascade.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	res, err := env.app.DeleteVideo(ctx, ann.ID, video.ID)
	if err != nil || !res.FileDeleted {
		t.Fatalf("delete video: %+v err=%v", res, err)
	}
}
