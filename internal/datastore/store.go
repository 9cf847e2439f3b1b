// Package datastore persists identity records with GORM on SQLite or MySQL.
package datastore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/datastore/entities"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/identity"
	"github.com/presencewatch/presence-go/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Store implements identity.Store on a GORM database
type Store struct {
	db     *gorm.DB
	dbType string
	log    logger.Logger
}

var _ identity.Store = (*Store)(nil)

// Open connects to the database selected in cfg and migrates the schema
func Open(cfg conf.DatabaseSettings, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}

	var (
		dialector gorm.Dialector
		target    string
	)
	switch cfg.Type {
	case conf.DatabaseSQLite:
		target = filepath.Clean(cfg.SQLite.Path)
		dialector = sqlite.Open(target + "?_busy_timeout=5000&_journal_mode=WAL")
	case conf.DatabaseMySQL:
		m := cfg.MySQL
		target = fmt.Sprintf("%s:%s/%s", m.Host, m.Port, m.Database)
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			m.Username, m.Password, m.Host, m.Port, m.Database)
		dialector = mysql.Open(dsn)
	default:
		return nil, errors.Newf("unsupported database type %q", cfg.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, gormConfig(log))
	if err != nil {
		log.Error("failed to open database",
			logger.String("db_type", cfg.Type),
			logger.String("target", target),
			logger.Error(err))
		return nil, errors.New(fmt.Errorf("failed to open %s database: %w", cfg.Type, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("db_type", cfg.Type).
			Build()
	}

	store, err := New(db, cfg.Type, log)
	if err != nil {
		return nil, err
	}
	log.Info("database opened", logger.String("db_type", cfg.Type), logger.String("target", target))
	return store, nil
}

func gormConfig(log logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(log, slowQueryThreshold),
		TranslateError: true,
	}
}

// New wraps an open database and migrates the users table
func New(db *gorm.DB, dbType string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	if err := db.AutoMigrate(&entities.UserEntity{}); err != nil {
		return nil, errors.New(fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return &Store{db: db, dbType: dbType, log: log}, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	return sqlDB.Close()
}

func (s *Store) FindByLabel(ctx context.Context, label string) (*identity.Record, error) {
	return s.first(ctx, "label = ?", label)
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*identity.Record, error) {
	return s.first(ctx, "username_key = ?", identity.FoldKey(username))
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*identity.Record, error) {
	if externalID == "" {
		return nil, identity.ErrNotFound
	}
	return s.first(ctx, "student_id = ?", externalID)
}

// first returns the oldest matching row so lookups are deterministic when
// several rows share a username or external id.
func (s *Store) first(ctx context.Context, query string, arg any) (*identity.Record, error) {
	var user entities.UserEntity
	err := s.db.WithContext(ctx).Where(query, arg).Order("id").First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, identity.ErrNotFound
		}
		return nil, s.dbError(err, "find_identity")
	}
	rec := toRecord(&user)
	return &rec, nil
}

func (s *Store) List(ctx context.Context) ([]identity.Record, error) {
	var users []entities.UserEntity
	if err := s.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, s.dbError(err, "list_identities")
	}
	out := make([]identity.Record, len(users))
	for i := range users {
		out[i] = toRecord(&users[i])
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, rec *identity.Record) error {
	user := fromRecord(rec)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&entities.UserEntity{}).Where("label = ?", user.Label).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return identity.ErrDuplicateLabel
		}
		return tx.Create(&user).Error
	})
	switch {
	case err == nil:
		*rec = toRecord(&user)
		return nil
	case errors.Is(err, identity.ErrDuplicateLabel), errors.Is(err, gorm.ErrDuplicatedKey):
		return identity.ErrDuplicateLabel
	default:
		return s.dbError(err, "insert_identity")
	}
}

func (s *Store) Delete(ctx context.Context, label string) error {
	result := s.db.WithContext(ctx).Where("label = ?", label).Delete(&entities.UserEntity{})
	if result.Error != nil {
		return s.dbError(result.Error, "delete_identity")
	}
	if result.RowsAffected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) dbError(err error, operation string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Context("db_type", s.dbType).
		Build()
}

func toRecord(u *entities.UserEntity) identity.Record {
	return identity.Record{
		Label:      u.Label,
		Username:   u.Username,
		ExternalID: u.ExternalID,
		CreatedAt:  u.CreatedAt,
	}
}

func fromRecord(r *identity.Record) entities.UserEntity {
	return entities.UserEntity{
		Label:       r.Label,
		Username:    r.Username,
		UsernameKey: identity.FoldKey(r.Username),
		ExternalID:  r.ExternalID,
		CreatedAt:   r.CreatedAt,
	}
}
