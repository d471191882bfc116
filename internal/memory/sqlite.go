package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ent0n29/chatmem/internal/facts"
)

// SQLiteStore implements Store on an embedded SQLite database for single-node
// deployments. Writers serialize on the database lock; timestamps are stored
// as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn. The dsn can be a file
// path, a "file:" URI or ":memory:".
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases alive and writers ordered.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	dsn = strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")
	opts := "_txlock=immediate&_busy_timeout=5000"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + opts
	}
	return dsn + "?" + opts
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('in', 'out')),
			provider_msg_id TEXT NULL UNIQUE,
			body TEXT NOT NULL DEFAULT '',
			msg_type TEXT NOT NULL DEFAULT 'text',
			meta TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_id ON conversation_messages (conversation_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_created ON conversation_messages (created_at);`,
		`CREATE TABLE IF NOT EXISTS conversation_provider_ids (
			provider_msg_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO conversation_provider_ids (provider_msg_id, conversation_id, created_at)
		 SELECT provider_msg_id, conversation_id, created_at FROM conversation_messages WHERE provider_msg_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS conversation_memory (
			conversation_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			facts TEXT NOT NULL DEFAULT '{}',
			from_message_id INTEGER NULL,
			to_message_id INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			consolidated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_profiles (
			conversation_id TEXT PRIMARY KEY,
			facts TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sqliteMessageColumns = `id, conversation_id, direction, COALESCE(provider_msg_id, ''), body, msg_type, meta, created_at`

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (AppendResult, error) {
	if err := validateMessage(msg); err != nil {
		return AppendResult{}, err
	}
	msg = withDefaults(msg, func() time.Time { return time.Now().UTC() })
	meta, err := encodeMeta(msg.Metadata)
	if err != nil {
		return AppendResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Provider ids outlive the drained rows, so a redelivery after a drain
	// still resolves as a duplicate.
	if msg.ProviderMessageID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_provider_ids (provider_msg_id, conversation_id, created_at) VALUES (?, ?, ?)`,
			msg.ProviderMessageID, msg.ConversationID, msg.CreatedAt.UnixNano(),
		)
		if err != nil {
			return AppendResult{}, fmt.Errorf("record provider id: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return AppendResult{}, fmt.Errorf("record provider id rows affected: %w", err)
		}
		if n == 0 {
			return AppendResult{Duplicate: true}, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_messages
			(conversation_id, direction, provider_msg_id, body, msg_type, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID,
		string(msg.Direction),
		nullableText(msg.ProviderMessageID),
		msg.Body,
		msg.Type,
		string(meta),
		msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return AppendResult{}, fmt.Errorf("append message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}
	return AppendResult{Message: msg}, nil
}

func (s *SQLiteStore) LastActivity(ctx context.Context, conversationID string) (time.Time, bool, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM conversation_messages WHERE conversation_id=?`,
		conversationID,
	).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("query last activity: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(last.Int64), true, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 16
	}
	items, err := querySQLiteMessages(ctx, s.db,
		`SELECT `+sqliteMessageColumns+`
		   FROM conversation_messages
		  WHERE conversation_id=? AND id > ?
		  ORDER BY id DESC LIMIT ?`,
		conversationID, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) Consolidated(ctx context.Context, conversationID string) (Consolidated, error) {
	return scanSQLiteConsolidated(s.db.QueryRowContext(ctx,
		`SELECT conversation_id, summary, facts, COALESCE(from_message_id, 0), to_message_id,
		        message_count, model, consolidated_at
		   FROM conversation_memory WHERE conversation_id=?`,
		conversationID,
	))
}

func (s *SQLiteStore) Profile(ctx context.Context, conversationID string) (Profile, error) {
	var (
		p       Profile
		raw     string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, facts, updated_at FROM conversation_profiles WHERE conversation_id=?`,
		conversationID,
	).Scan(&p.ConversationID, &raw, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if p.Facts, err = decodeFacts([]byte(raw)); err != nil {
		return Profile{}, err
	}
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func (s *SQLiteStore) SweepCandidates(ctx context.Context, idleBefore time.Time, limit int, exclude []string) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{idleBefore.UnixNano()}
	filter := ""
	if len(exclude) > 0 {
		filter = " AND a.conversation_id NOT IN (?" + strings.Repeat(",?", len(exclude)-1) + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`WITH activity AS (
			SELECT conversation_id, MAX(created_at) AS last_at, MAX(id) AS max_id
			  FROM conversation_messages
			 GROUP BY conversation_id
		)
		SELECT a.conversation_id, a.last_at, a.max_id, COALESCE(m.to_message_id, 0)
		  FROM activity a
		  LEFT JOIN conversation_memory m ON m.conversation_id = a.conversation_id
		 WHERE a.last_at < ?
		   AND a.max_id > COALESCE(m.to_message_id, 0)`+filter+`
		 ORDER BY a.last_at ASC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, limit)
	for rows.Next() {
		var (
			c    Candidate
			last int64
		)
		if err := rows.Scan(&c.ConversationID, &last, &c.MaxMessageID, &c.ToMessageID); err != nil {
			return nil, fmt.Errorf("scan sweep candidate: %w", err)
		}
		c.LastActivityAt = fromNanos(last)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep candidates: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE created_at < ?`, cutoff.UnixNano(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DrainBlock(ctx context.Context, conversationID string, blockSize int, fold FoldFunc) (DrainResult, error) {
	if blockSize <= 0 {
		return DrainResult{}, fmt.Errorf("drain block size must be positive, got %d", blockSize)
	}

	prior, err := s.Consolidated(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return DrainResult{}, err
	}
	prior.ConversationID = conversationID

	block, err := querySQLiteMessages(ctx, s.db,
		`SELECT `+sqliteMessageColumns+`
		   FROM conversation_messages
		  WHERE conversation_id=? AND id > ?
		  ORDER BY id ASC LIMIT ?`,
		conversationID, prior.ToMessageID, blockSize,
	)
	if err != nil {
		return DrainResult{}, err
	}
	if len(block) == 0 {
		return DrainResult{Coverage: prior}, nil
	}

	f, err := fold(ctx, prior, block)
	if err != nil {
		return DrainResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DrainResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_profiles (conversation_id, facts, updated_at) VALUES (?, '{}', ?)`,
		conversationID, now.UnixNano(),
	); err != nil {
		return DrainResult{}, fmt.Errorf("ensure profile: %w", err)
	}

	var rawProfile string
	if err := tx.QueryRowContext(ctx,
		`SELECT facts FROM conversation_profiles WHERE conversation_id=?`, conversationID,
	).Scan(&rawProfile); err != nil {
		return DrainResult{}, fmt.Errorf("read profile: %w", err)
	}

	current, err := scanSQLiteConsolidated(tx.QueryRowContext(ctx,
		`SELECT conversation_id, summary, facts, COALESCE(from_message_id, 0), to_message_id,
		        message_count, model, consolidated_at
		   FROM conversation_memory WHERE conversation_id=?`,
		conversationID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return DrainResult{}, fmt.Errorf("recheck coverage: %w", err)
	}
	if current.ToMessageID != prior.ToMessageID {
		return DrainResult{}, ErrCoverageMoved
	}
	current.ConversationID = conversationID

	profileFacts, err := decodeFacts([]byte(rawProfile))
	if err != nil {
		return DrainResult{}, err
	}
	merged := facts.Merge(profileFacts, f.Delta)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return DrainResult{}, fmt.Errorf("encode facts: %w", err)
	}
	next := nextCoverage(current, block, merged, f, now)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_memory
			(conversation_id, summary, facts, from_message_id, to_message_id, message_count, model, consolidated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			summary=excluded.summary,
			facts=excluded.facts,
			from_message_id=excluded.from_message_id,
			to_message_id=excluded.to_message_id,
			message_count=excluded.message_count,
			model=excluded.model,
			consolidated_at=excluded.consolidated_at`,
		conversationID, next.Summary, string(mergedJSON), next.FromMessageID, next.ToMessageID,
		next.MessageCount, next.Model, now.UnixNano(),
	); err != nil {
		return DrainResult{}, fmt.Errorf("upsert consolidated memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_profiles SET facts=?, updated_at=? WHERE conversation_id=?`,
		string(mergedJSON), now.UnixNano(), conversationID,
	); err != nil {
		return DrainResult{}, fmt.Errorf("upsert profile: %w", err)
	}

	first, last := block[0].ID, block[len(block)-1].ID
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id=? AND id BETWEEN ? AND ?`,
		conversationID, first, last,
	); err != nil {
		return DrainResult{}, fmt.Errorf("delete drained messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DrainResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return DrainResult{Advanced: true, FromID: first, ToID: last, Count: len(block), Coverage: next}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func querySQLiteMessages(ctx context.Context, db *sql.DB, query string, args ...any) ([]Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var (
			m         Message
			direction string
			meta      string
			created   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.ProviderMessageID, &m.Body, &m.Type, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Direction = Direction(direction)
		m.CreatedAt = fromNanos(created)
		if m.Metadata, err = decodeMeta([]byte(meta)); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func scanSQLiteConsolidated(row sqlRowScanner) (Consolidated, error) {
	var (
		c   Consolidated
		raw string
		at  int64
	)
	err := row.Scan(&c.ConversationID, &c.Summary, &raw, &c.FromMessageID, &c.ToMessageID, &c.MessageCount, &c.Model, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Consolidated{}, ErrNotFound
		}
		return Consolidated{}, fmt.Errorf("scan consolidated memory: %w", err)
	}
	if c.Facts, err = decodeFacts([]byte(raw)); err != nil {
		return Consolidated{}, err
	}
	c.ConsolidatedAt = fromNanos(at)
	return c, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
