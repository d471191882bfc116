package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/chatmem/internal/facts"
)

// PostgresStore persists the message log and consolidated memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('in', 'out')),
			provider_msg_id TEXT NULL UNIQUE,
			body TEXT NOT NULL DEFAULT '',
			msg_type TEXT NOT NULL DEFAULT 'text',
			meta JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_id ON conversation_messages (conversation_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_created ON conversation_messages (created_at);`,
		`CREATE TABLE IF NOT EXISTS conversation_provider_ids (
			provider_msg_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`INSERT INTO conversation_provider_ids (provider_msg_id, conversation_id, created_at)
		 SELECT provider_msg_id, conversation_id, created_at FROM conversation_messages WHERE provider_msg_id IS NOT NULL
		 ON CONFLICT (provider_msg_id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS conversation_memory (
			conversation_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			facts JSONB NOT NULL DEFAULT '{}'::jsonb,
			from_message_id BIGINT NULL,
			to_message_id BIGINT NOT NULL DEFAULT 0,
			message_count BIGINT NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			consolidated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_profiles (
			conversation_id TEXT PRIMARY KEY,
			facts JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const messageColumns = `id, conversation_id, direction, COALESCE(provider_msg_id, ''), body, msg_type, meta, created_at`

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (AppendResult, error) {
	if err := validateMessage(msg); err != nil {
		return AppendResult{}, err
	}
	msg = withDefaults(msg, func() time.Time { return time.Now().UTC() })
	meta, err := encodeMeta(msg.Metadata)
	if err != nil {
		return AppendResult{}, err
	}

	// Provider ids outlive the drained rows, so a redelivery after a drain
	// still resolves as a duplicate.
	row := s.pool.QueryRow(ctx,
		`WITH seen AS (
			INSERT INTO conversation_provider_ids (provider_msg_id, conversation_id, created_at)
			SELECT $3::text, $1::text, $7::timestamptz WHERE $3::text IS NOT NULL
			ON CONFLICT (provider_msg_id) DO NOTHING
			RETURNING provider_msg_id
		)
		INSERT INTO conversation_messages (conversation_id, direction, provider_msg_id, body, msg_type, meta, created_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::jsonb, $7::timestamptz
		WHERE $3::text IS NULL OR EXISTS (SELECT 1 FROM seen)
		ON CONFLICT (provider_msg_id) DO NOTHING
		RETURNING id`,
		msg.ConversationID,
		string(msg.Direction),
		nullableText(msg.ProviderMessageID),
		msg.Body,
		msg.Type,
		meta,
		msg.CreatedAt,
	)
	if err := row.Scan(&msg.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{Duplicate: true}, nil
		}
		return AppendResult{}, fmt.Errorf("append message: %w", err)
	}
	return AppendResult{Message: msg}, nil
}

func (s *PostgresStore) LastActivity(ctx context.Context, conversationID string) (time.Time, bool, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM conversation_messages WHERE conversation_id=$1`,
		conversationID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last activity: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 16
	}
	items, err := queryPGMessages(ctx, s.pool,
		`SELECT `+messageColumns+`
		   FROM conversation_messages
		  WHERE conversation_id=$1 AND id > $2
		  ORDER BY id DESC LIMIT $3`,
		conversationID, afterID, limit,
	)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Consolidated(ctx context.Context, conversationID string) (Consolidated, error) {
	return scanConsolidated(s.pool.QueryRow(ctx,
		`SELECT conversation_id, summary, facts, COALESCE(from_message_id, 0), to_message_id,
		        message_count, model, consolidated_at
		   FROM conversation_memory WHERE conversation_id=$1`,
		conversationID,
	))
}

func (s *PostgresStore) Profile(ctx context.Context, conversationID string) (Profile, error) {
	var (
		p   Profile
		raw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id, facts, updated_at FROM conversation_profiles WHERE conversation_id=$1`,
		conversationID,
	).Scan(&p.ConversationID, &raw, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if p.Facts, err = decodeFacts(raw); err != nil {
		return Profile{}, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *PostgresStore) SweepCandidates(ctx context.Context, idleBefore time.Time, limit int, exclude []string) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`WITH activity AS (
			SELECT conversation_id, MAX(created_at) AS last_at, MAX(id) AS max_id
			  FROM conversation_messages
			 GROUP BY conversation_id
		)
		SELECT a.conversation_id, a.last_at, a.max_id, COALESCE(m.to_message_id, 0)
		  FROM activity a
		  LEFT JOIN conversation_memory m ON m.conversation_id = a.conversation_id
		 WHERE a.last_at < $1
		   AND a.max_id > COALESCE(m.to_message_id, 0)
		   AND NOT (a.conversation_id = ANY($3))
		 ORDER BY a.last_at ASC
		 LIMIT $2`,
		idleBefore, limit, exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, limit)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ConversationID, &c.LastActivityAt, &c.MaxMessageID, &c.ToMessageID); err != nil {
			return nil, fmt.Errorf("scan sweep candidate: %w", err)
		}
		c.LastActivityAt = c.LastActivityAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep candidates: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE created_at < $1`, cutoff,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return n, nil
}

// DrainBlock reads the block and runs fold outside any transaction, then
// serializes on the profile row lock and re-checks coverage before writing.
func (s *PostgresStore) DrainBlock(ctx context.Context, conversationID string, blockSize int, fold FoldFunc) (DrainResult, error) {
	if blockSize <= 0 {
		return DrainResult{}, fmt.Errorf("drain block size must be positive, got %d", blockSize)
	}

	prior, err := s.Consolidated(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return DrainResult{}, err
	}
	prior.ConversationID = conversationID

	block, err := queryPGMessages(ctx, s.pool,
		`SELECT `+messageColumns+`
		   FROM conversation_messages
		  WHERE conversation_id=$1 AND id > $2
		  ORDER BY id ASC LIMIT $3`,
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_profiles (conversation_id, facts, updated_at)
		 VALUES ($1, '{}'::jsonb, now())
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID,
	); err != nil {
		return DrainResult{}, fmt.Errorf("ensure profile: %w", err)
	}

	var rawProfile []byte
	if err := tx.QueryRow(ctx,
		`SELECT facts FROM conversation_profiles WHERE conversation_id=$1 FOR UPDATE`,
		conversationID,
	).Scan(&rawProfile); err != nil {
		return DrainResult{}, fmt.Errorf("lock profile: %w", err)
	}

	var currentTo int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE((SELECT to_message_id FROM conversation_memory WHERE conversation_id=$1), 0)`,
		conversationID,
	).Scan(&currentTo); err != nil {
		return DrainResult{}, fmt.Errorf("recheck coverage: %w", err)
	}
	if currentTo != prior.ToMessageID {
		return DrainResult{}, ErrCoverageMoved
	}

	profileFacts, err := decodeFacts(rawProfile)
	if err != nil {
		return DrainResult{}, err
	}
	merged := facts.Merge(profileFacts, f.Delta)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return DrainResult{}, fmt.Errorf("encode facts: %w", err)
	}

	first, last := block[0].ID, block[len(block)-1].ID
	next, err := scanConsolidated(tx.QueryRow(ctx,
		`INSERT INTO conversation_memory
			(conversation_id, summary, facts, from_message_id, to_message_id, message_count, model, consolidated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (conversation_id) DO UPDATE SET
			summary=EXCLUDED.summary,
			facts=EXCLUDED.facts,
			from_message_id=LEAST(COALESCE(conversation_memory.from_message_id, EXCLUDED.from_message_id), EXCLUDED.from_message_id),
			to_message_id=GREATEST(conversation_memory.to_message_id, EXCLUDED.to_message_id),
			message_count=conversation_memory.message_count + EXCLUDED.message_count,
			model=CASE WHEN EXCLUDED.model = '' THEN conversation_memory.model ELSE EXCLUDED.model END,
			consolidated_at=EXCLUDED.consolidated_at
		 RETURNING conversation_id, summary, facts, COALESCE(from_message_id, 0), to_message_id,
		           message_count, model, consolidated_at`,
		conversationID, f.Summary, mergedJSON, first, last, len(block), f.Model,
	))
	if err != nil {
		return DrainResult{}, fmt.Errorf("upsert consolidated memory: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversation_profiles SET facts=$2, updated_at=now() WHERE conversation_id=$1`,
		conversationID, mergedJSON,
	); err != nil {
		return DrainResult{}, fmt.Errorf("upsert profile: %w", err)
	}

	ids := make([]int64, len(block))
	for i, m := range block {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id=$1 AND id = ANY($2)`,
		conversationID, ids,
	); err != nil {
		return DrainResult{}, fmt.Errorf("delete drained messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DrainResult{}, fmt.Errorf("commit tx: %w", err)
	}

	return DrainResult{Advanced: true, FromID: first, ToID: last, Count: len(block), Coverage: next}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryPGMessages(ctx context.Context, q pgQuerier, sql string, args ...any) ([]Message, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var (
			m         Message
			direction string
			meta      []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.ProviderMessageID, &m.Body, &m.Type, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Direction = Direction(direction)
		m.CreatedAt = m.CreatedAt.UTC()
		if m.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func scanConsolidated(row pgx.Row) (Consolidated, error) {
	var (
		c   Consolidated
		raw []byte
	)
	err := row.Scan(&c.ConversationID, &c.Summary, &raw, &c.FromMessageID, &c.ToMessageID, &c.MessageCount, &c.Model, &c.ConsolidatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consolidated{}, ErrNotFound
		}
		return Consolidated{}, fmt.Errorf("scan consolidated memory: %w", err)
	}
	if c.Facts, err = decodeFacts(raw); err != nil {
		return Consolidated{}, err
	}
	c.ConsolidatedAt = c.ConsolidatedAt.UTC()
	return c, nil
}
