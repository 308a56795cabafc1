// Package store persists homework, notes and classes in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"classlink/internal/logging"
	dbconfig "classlink/pkg/database"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

const (
	writeQueueSize = 100
	writeTimeout   = 30 * time.Second
	// DefaultRetryDelay is the pause before the single write retry.
	DefaultRetryDelay = 5 * time.Second
)

var _ interfaces.HomeworkStore = (*Store)(nil)

// Store implements interfaces.HomeworkStore. All writes go through one
// goroutine, reads use the connection pool directly.
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       logging.Logger
	retryDelay   time.Duration
	writeChannel chan writeOperation
	shutdown     chan struct{}
	writerDone   chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Option tunes a Store.
type Option func(*Store)

// WithRetryDelay changes the pause before a failed write is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) { s.retryDelay = d }
}

// WithLogger sets the store's logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens the database, applies migrations, validates the schema and
// starts the writer.
func Open(config *dbconfig.Config, opts ...Option) (*Store, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.MigrationsFor(config)).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	s := &Store{
		db:           db,
		config:       config,
		logger:       logging.Discard(),
		retryDelay:   DefaultRetryDelay,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	defer close(s.writerDone)

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil && !isPermanent(err) {
				s.logger.Warn("database write failed, retrying", "error", err, "retry_in", s.retryDelay)
				time.Sleep(s.retryDelay)
				err = op.operation(s.db)
				if err != nil {
					s.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			s.logger.Debug("database write loop shutting down")
			s.drainWrites()
			return
		}
	}
}

// drainWrites fails every write still queued at shutdown.
func (s *Store) drainWrites() {
	for {
		select {
		case op := <-s.writeChannel:
			op.result <- interfaces.ErrClosed
		default:
			return
		}
	}
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(writeTimeout):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return interfaces.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-s.writerDone:
		// The writer answers before exiting, so a reply may already be
		// waiting; anything enqueued after the drain never will be.
		select {
		case err := <-result:
			return err
		default:
			return interfaces.ErrClosed
		}
	}
}

func (s *Store) readable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return interfaces.ErrClosed
	}
	return nil
}

func storeTimestamp() string {
	return time.Now().Format(types.StoreTimestampLayout)
}

// AddHomework stores hw. With overwrite set, an assignment already held
// for the same class and subject is replaced in place and keeps its id.
func (s *Store) AddHomework(ctx context.Context, hw *types.Homework, overwrite bool) (*types.Homework, error) {
	if hw == nil {
		return nil, types.ErrEmptyContent
	}
	record := *hw
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if record.Timestamp == "" {
		record.Timestamp = storeTimestamp()
	}

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if overwrite {
			var id int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM homeworks WHERE class = ? AND subject = ? ORDER BY id DESC LIMIT 1`,
				record.Class, record.Subject,
			).Scan(&id)
			switch {
			case err == nil:
				_, err = tx.ExecContext(ctx, `
					UPDATE homeworks
					SET content = ?, teacher = ?, student = ?, timestamp = ?, status = ?
					WHERE id = ?
				`, record.Content, record.Teacher, record.Student, record.Timestamp, record.Status, id)
				if err != nil {
					return fmt.Errorf("failed to update homework: %w", err)
				}
				record.ID = id
				return tx.Commit()
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("failed to look up homework: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO homeworks (subject, content, class, teacher, student, timestamp, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, record.Subject, record.Content, record.Class, record.Teacher, record.Student, record.Timestamp, record.Status)
		if err != nil {
			return fmt.Errorf("failed to insert homework: %w", err)
		}
		if record.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetHomeworks lists homework newest first. A wildcard or empty class
// or subject matches everything.
func (s *Store) GetHomeworks(ctx context.Context, class, subject string) ([]*types.Homework, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}

	query := `SELECT id, subject, content, class, teacher, student, timestamp, status FROM homeworks WHERE 1=1`
	var args []any
	if !types.IsWildcard(class) {
		query += ` AND class = ?`
		args = append(args, class)
	}
	if !types.IsWildcard(subject) {
		query += ` AND subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query homework: %w", err)
	}
	defer func() { _ = rows.Close() }()

	homeworks := []*types.Homework{}
	for rows.Next() {
		var hw types.Homework
		if err := rows.Scan(&hw.ID, &hw.Subject, &hw.Content, &hw.Class, &hw.Teacher, &hw.Student, &hw.Timestamp, &hw.Status); err != nil {
			return nil, fmt.Errorf("failed to scan homework: %w", err)
		}
		homeworks = append(homeworks, &hw)
	}
	return homeworks, rows.Err()
}

func (s *Store) DeleteHomework(ctx context.Context, id int64) (bool, error) {
	return s.deleteByID(ctx, "homeworks", id)
}

func (s *Store) deleteByID(ctx context.Context, table string, id int64) (bool, error) {
	var deleted bool
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// AddNote stores a message left for a class.
func (s *Store) AddNote(ctx context.Context, note *types.Note) (*types.Note, error) {
	if note == nil {
		return nil, types.ErrEmptyContent
	}
	record := *note
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if record.Timestamp == "" {
		record.Timestamp = storeTimestamp()
	}

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO notes (content, student, class, timestamp, status)
			VALUES (?, ?, ?, ?, ?)
		`, record.Content, record.Student, record.Class, record.Timestamp, record.Status)
		if err != nil {
			return fmt.Errorf("failed to insert note: %w", err)
		}
		record.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetNotes lists notes for class newest first; a wildcard lists all.
func (s *Store) GetNotes(ctx context.Context, class string) ([]*types.Note, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}

	query := `SELECT id, content, student, class, timestamp, status FROM notes`
	var args []any
	if !types.IsWildcard(class) {
		query += ` WHERE class = ?`
		args = append(args, class)
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notes := []*types.Note{}
	for rows.Next() {
		var n types.Note
		if err := rows.Scan(&n.ID, &n.Content, &n.Student, &n.Class, &n.Timestamp, &n.Status); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

func (s *Store) DeleteNote(ctx context.Context, id int64) (bool, error) {
	return s.deleteByID(ctx, "notes", id)
}

// AddClass registers a class name. Registering it again is a no-op.
func (s *Store) AddClass(ctx context.Context, name string) error {
	if name == "" {
		return types.ErrEmptyClass
	}
	if !types.IsValidClassName(name) {
		return types.ErrClassNameTooLong
	}
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO classes (name, created_at) VALUES (?, ?)`,
			name, storeTimestamp())
		if err != nil {
			return fmt.Errorf("failed to insert class: %w", err)
		}
		return nil
	})
}

// GetClasses returns every registered class plus any class that has
// homework, sorted by name.
func (s *Store) GetClasses(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, `
		SELECT name FROM classes
		UNION
		SELECT DISTINCT class FROM homeworks
		ORDER BY 1
	`)
}

// GetSubjects returns the subject list in display order.
func (s *Store) GetSubjects(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, `SELECT name FROM subjects ORDER BY position, name`)
}

func (s *Store) queryNames(ctx context.Context, query string) ([]string, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query names: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Statistics counts active homework, notes, classes and homework per
// subject.
func (s *Store) Statistics(ctx context.Context) (*types.Statistics, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}

	stats := &types.Statistics{SubjectStats: map[string]int{}}
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM homeworks WHERE status = 'active'`, &stats.HomeworkCount},
		{`SELECT COUNT(*) FROM homeworks`, &stats.TotalHomeworks},
		{`SELECT COUNT(*) FROM notes`, &stats.MessageCount},
		{`SELECT COUNT(*) FROM (SELECT name FROM classes UNION SELECT class FROM homeworks)`, &stats.ClassCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT subject, COUNT(*) FROM homeworks GROUP BY subject`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subject stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var subject string
		var n int
		if err := rows.Scan(&subject, &n); err != nil {
			return nil, err
		}
		stats.SubjectStats[subject] = n
	}
	return stats, rows.Err()
}

// ClearAll removes homework, notes and classes. Subjects stay.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"homeworks", "notes", "classes"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return tx.Commit()
	})
}

// HealthCheck validates database connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.readable(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subjects").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
