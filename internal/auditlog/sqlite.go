package auditlog

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteLoggerConfig configures the SQLite audit logger.
type SQLiteLoggerConfig struct {
	DataDir       string // Directory for audit.db
	MaxLenPerSide int    // Events kept per object and direction (default: 50, 0 = default)
	RetentionDays int    // Days to keep events (default: 90, 0 = default, <0 = forever)
}

// SQLiteLogger implements Logger with persistent SQLite storage.
type SQLiteLogger struct {
	mu            sync.Mutex
	db            *sql.DB
	dbPath        string
	maxLenPerSide int
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewSQLiteLogger creates a new SQLite-backed audit logger.
func NewSQLiteLogger(cfg SQLiteLoggerConfig) (*SQLiteLogger, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	auditDir := filepath.Join(cfg.DataDir, "audit")
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dbPath := filepath.Join(auditDir, "audit.db")

	// Pragmas go in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	maxLen := cfg.MaxLenPerSide
	if maxLen == 0 {
		maxLen = 50
	}

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}

	l := &SQLiteLogger{
		db:            db,
		dbPath:        dbPath,
		maxLenPerSide: maxLen,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if retentionDays > 0 {
		l.wg.Add(1)
		go l.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("maxLenPerSide", maxLen).
		Int("retentionDays", retentionDays).
		Msg("SQLite audit logger initialized")

	return l, nil
}

func (l *SQLiteLogger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		object_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		data TEXT,
		timestamp INTEGER NOT NULL,
		msg_id TEXT,
		in_reply_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_object ON audit_events(object_type, object_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Store records an event and trims the object's container to the configured cap.
func (l *SQLiteLogger) Store(event DataEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := l.db.Exec(
		`INSERT INTO audit_events (event_type, object_type, object_id, data, timestamp, msg_id, in_reply_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(event.Type), event.ObjectType, event.ObjectID, event.Data, ts.UnixMilli(), event.MsgID, event.InReplyTo,
	)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	// Keep at most maxLenPerSide events per object and direction.
	_, err = l.db.Exec(
		`DELETE FROM audit_events
		 WHERE object_type = ? AND object_id = ? AND event_type = ?
		   AND id NOT IN (
			SELECT id FROM audit_events
			WHERE object_type = ? AND object_id = ? AND event_type = ?
			ORDER BY id DESC LIMIT ?
		 )`,
		event.ObjectType, event.ObjectID, string(event.Type),
		event.ObjectType, event.ObjectID, string(event.Type), l.maxLenPerSide,
	)
	if err != nil {
		return fmt.Errorf("failed to trim audit container: %w", err)
	}

	return nil
}

// DeleteContainer drops all events stored for one object.
func (l *SQLiteLogger) DeleteContainer(objectType, objectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`DELETE FROM audit_events WHERE object_type = ? AND object_id = ?`,
		objectType, objectID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete audit container: %w", err)
	}
	return nil
}

// Count returns the number of events stored for an object, all directions.
func (l *SQLiteLogger) Count(objectType, objectID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE object_type = ? AND object_id = ?`,
		objectType, objectID,
	).Scan(&n)
	return n, err
}

func (l *SQLiteLogger) retentionWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays).UnixMilli()
			l.mu.Lock()
			res, err := l.db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
			l.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("Audit retention cleanup failed")
				continue
			}
			if deleted, _ := res.RowsAffected(); deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Audit retention cleanup done")
			}
		}
	}
}

// Close stops the retention worker and closes the database.
func (l *SQLiteLogger) Close() error {
	close(l.stopChan)
	l.wg.Wait()
	return l.db.Close()
}
