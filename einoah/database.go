package einoah

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelRuntimeConfigUpdated = "ei_noah_reload_runtime_config"
	postgresNotifyChannelStop                 = "ei_noah_stop"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
	dbNotifierRetryDelay  = 5 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update, and soft deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DBI defines the interface for database writes. Reads go straight to
// the *gorm.DB returned by DB.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
}

// database implements DBI. Unless concurrent writes are enabled (postgres),
// writes are serialized with a mutex, as sqlite only allows one writer.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// begin takes the write lock, if needed, and applies dbOperationTimeout
// when ctx has no deadline. The returned func must be called when the
// write is done.
func (d *database) begin(ctx context.Context) (*gorm.DB, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return d.db.WithContext(ctx), func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	db, done := d.begin(ctx)
	defer done()
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	db, done := d.begin(ctx)
	defer done()
	rv := db.Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	db, done := d.begin(ctx)
	defer done()
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (
	rowsAffected int64,
	err error,
) {
	db, done := d.begin(ctx)
	defer done()
	rv := db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	db, done := d.begin(ctx)
	defer done()
	return db.Transaction(fc, opts...)
}

// CreateDB opens the database and migrates all models. It's used by the
// `init` command, to prepare a database before the first run.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	dbLogger := slog.New(handler)
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return db, err
	}
	if err = configureDB(ctx, db, databaseType); err != nil {
		return db, err
	}
	return db, migrateDB(ctx, db)
}

// getDB opens a gorm connection for the given database type, where
// database is a postgres DSN or a sqlite file path.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureDB limits sqlite to a single connection and sets its pragmas
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(
		&Guild{},
		&User{},
		&GuildUser{},
		&Quote{},
		&RuntimeConfig{},
		&InteractionLog{},
	); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}
	return nil
}

// dbNotifier tells other bot instances sharing the database to reload
// their RuntimeConfig, or to stop.
type dbNotifier interface {
	// ID identifies this instance, so it can ignore its own notifications
	ID() string
	ReloadRuntimeConfig(ctx context.Context) bool
	Stop(ctx context.Context) bool

	// Listen blocks, handling notifications, until ctx is done
	Listen(ctx context.Context) error
}

func newDBNotifier(e *EiNoah) (dbNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(loggerNameKey, "db_notifier", "notifier_id", notifyID)
	switch e.config.DatabaseType {
	case dbTypeSQLite:
		return &localNotifier{e: e, logger: log, id: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{e: e, logger: log, id: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// localNotifier is used with sqlite, where only one instance can use
// the database, and notifies only this instance.
type localNotifier struct {
	e      *EiNoah
	logger *slog.Logger
	id     string
}

func (n *localNotifier) ID() string {
	return n.id
}

func (n *localNotifier) Listen(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (n *localNotifier) Stop(ctx context.Context) bool {
	n.logger.InfoContext(ctx, "notifying stop signal")
	return sendSignal(ctx, n.e.signalStop, struct{}{})
}

func (n *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	n.logger.InfoContext(ctx, "notifying runtime config reload")
	return sendSignal(ctx, n.e.triggerRuntimeConfigRefreshCh, true)
}

// postgresNotifier announces changes with NOTIFY, and listens for other
// instances' announcements with LISTEN.
type postgresNotifier struct {
	e      *EiNoah
	logger *slog.Logger
	id     string
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	if err := p.e.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.id,
	).Error; err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel)
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelStop)
	return sendSignal(ctx, p.e.signalStop, struct{}{}) || sent
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelRuntimeConfigUpdated)
	return sendSignal(ctx, p.e.triggerRuntimeConfigRefreshCh, true) || sent
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.e.config.Database)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{
		postgresNotifyChannelRuntimeConfigUpdated,
		postgresNotifyChannelStop,
	} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
	}
	p.logger.InfoContext(ctx, "listening for notifications")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryDelay):
			}
			continue
		}
		logger := p.logger.With("channel", notification.Channel)
		if notification.Payload == p.id {
			logger.DebugContext(ctx, "ignoring notification from self")
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
		switch notification.Channel {
		case postgresNotifyChannelRuntimeConfigUpdated:
			logger.InfoContext(ctx, "received runtime config update")
			if !sendSignal(sendCtx, p.e.triggerRuntimeConfigRefreshCh, true) {
				logger.WarnContext(ctx, "timed out sending config refresh signal")
			}
		case postgresNotifyChannelStop:
			logger.InfoContext(ctx, "received stop signal")
			if !sendSignal(sendCtx, p.e.signalStop, struct{}{}) {
				logger.WarnContext(ctx, "timed out forwarding stop signal")
			}
		default:
			logger.WarnContext(ctx, "received unknown notification")
		}
		cancel()
	}
	return nil
}

// sendSignal sends v on ch, giving up when ctx is done
func sendSignal[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
