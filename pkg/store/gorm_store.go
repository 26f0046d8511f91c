package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"mediashare/pkg/domain"
)

const migrateLockID int64 = 51807214

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type GormStoreOptions struct {
	Logger       *zerolog.Logger
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithLogger routes GORM warnings and slow queries through logger.
func WithLogger(logger zerolog.Logger) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Logger = &logger
	}
}

// WithPool sets connection pool limits. Ignored for SQLite, which always
// uses a single connection.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = maxOpen
		opts.MaxIdleConns = maxIdle
		opts.ConnLifetime = lifetime
	}
}

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db   *gorm.DB
	inTx bool
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the DB for driver and runs auto-migrations.
func NewGormStore(driver, dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
		driver = DriverPostgres
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(dsn))
		driver = DriverSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.Discard
	if opts.Logger != nil {
		gormLog = gormlogger.New(
			gormWriter{log: *opts.Logger},
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if driver == DriverSQLite {
		// one writer at a time; a second connection would see "database is locked"
		sqlDB.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnLifetime > 0 {
			sqlDB.SetConnMaxLifetime(opts.ConnLifetime)
		}
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&AccountModel{}, &VideoModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if driver == DriverPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn().Str("component", "gorm").Msgf(format, args...)
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithinTx runs fn inside a database transaction.
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, inTx: true})
	})
}

// CreateAccount inserts a new account.
func (s *GormStore) CreateAccount(ctx context.Context, a domain.Account) error {
	model := accountToModel(a)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

// GetAccountByEmail looks up an account by email.
func (s *GormStore) GetAccountByEmail(ctx context.Context, email string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// GetAccountByID returns an account by ID.
func (s *GormStore) GetAccountByID(ctx context.Context, id string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// UpdateAccount writes name, email and credential hash.
func (s *GormStore) UpdateAccount(ctx context.Context, a domain.Account) error {
	res := s.db.WithContext(ctx).Model(&AccountModel{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"name":          a.Name,
			"email":         a.Email,
			"password_hash": a.PasswordHash,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return res.Error
	}
	return nil
}

// DeleteAccount removes the account row.
func (s *GormStore) DeleteAccount(ctx context.Context, id string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&AccountModel{}, "id = ?", id)
	return res.RowsAffected, res.Error
}

// CreateVideo inserts a video record.
func (s *GormStore) CreateVideo(ctx context.Context, v domain.Video) error {
	model := videoToModel(v)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetVideo retrieves a video by ID.
func (s *GormStore) GetVideo(ctx context.Context, id string) (domain.Video, bool, error) {
	var model VideoModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Video{}, false, nil
		}
		return domain.Video{}, false, err
	}
	return videoFromModel(model), true, nil
}

// ListVideosByOwner returns videos filtered by owner.
func (s *GormStore) ListVideosByOwner(ctx context.Context, ownerID string) ([]domain.Video, error) {
	var models []VideoModel
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC")
	if s.inTx && s.db.Dialector.Name() == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Video, 0, len(models))
	for _, m := range models {
		res = append(res, videoFromModel(m))
	}
	return res, nil
}

// ListVideosWithOwner returns all videos joined with their owner's name.
func (s *GormStore) ListVideosWithOwner(ctx context.Context) ([]domain.Video, error) {
	var rows []videoWithOwner
	if err := s.db.WithContext(ctx).
		Table("videos").
		Select("videos.*, accounts.name AS owner_name").
		Joins("JOIN accounts ON accounts.id = videos.owner_id").
		Order("videos.created_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Video, 0, len(rows))
	for _, row := range rows {
		v := videoFromModel(row.VideoModel)
		v.OwnerName = row.OwnerName
		res = append(res, v)
	}
	return res, nil
}

// DeleteVideo removes one video row.
func (s *GormStore) DeleteVideo(ctx context.Context, id string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&VideoModel{}, "id = ?", id)
	return res.RowsAffected, res.Error
}

// DeleteVideosByOwner removes every video row of an owner.
func (s *GormStore) DeleteVideosByOwner(ctx context.Context, ownerID string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&VideoModel{}, "owner_id = ?", ownerID)
	return res.RowsAffected, res.Error
}

func accountToModel(a domain.Account) AccountModel {
	return AccountModel{
		ID:           a.ID,
		Name:         a.Name,
		Email:        a.Email,
		PasswordHash: a.PasswordHash,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	return domain.Account{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func videoToModel(v domain.Video) VideoModel {
	return VideoModel{
		ID:          v.ID,
		Title:       v.Title,
		Description: v.Description,
		Locator:     v.Locator,
		Kind:        string(v.Kind),
		OwnerID:     v.OwnerID,
		CreatedAt:   v.CreatedAt,
	}
}

func videoFromModel(m VideoModel) domain.Video {
	return domain.Video{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Locator:     m.Locator,
		Kind:        domain.StorageKind(m.Kind),
		OwnerID:     m.OwnerID,
		CreatedAt:   m.CreatedAt,
	}
}
