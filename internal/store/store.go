package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/levelup/internal/db"
)

// Store persists questions, taxonomy, progress records and sessions in SQLite or PostgreSQL.
// Queries use $N placeholders, which both drivers accept.
type Store struct {
	db     *sql.DB
	driver db.Driver
	now    func() time.Time
}

// New opens a SQLite store at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(context.Background(), db.DriverSQLite, dbPath)
}

// Open connects to the given backend and ensures the schema exists.
func Open(ctx context.Context, driver db.Driver, dsn string) (*Store, error) {
	conn, err := db.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	floatType := "REAL"
	if s.driver == db.DriverPostgres {
		floatType = "DOUBLE PRECISION"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'student',
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			ord INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL REFERENCES branches(id),
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			ord INTEGER NOT NULL DEFAULT 0,
			topic_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (branch_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL REFERENCES branches(id),
			subject_id TEXT NOT NULL REFERENCES subjects(id),
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			syllabus_json TEXT NOT NULL DEFAULT '[]',
			ord INTEGER NOT NULL DEFAULT 0,
			UNIQUE (branch_id, subject_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'db',
			status TEXT NOT NULL DEFAULT 'approved',
			stem TEXT NOT NULL,
			options_json TEXT NOT NULL,
			correct_index INTEGER NOT NULL,
			solution TEXT NOT NULL DEFAULT '',
			difficulty ` + floatType + ` NOT NULL DEFAULT 0.5,
			tags_json TEXT NOT NULL DEFAULT '[]',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			correct_count INTEGER NOT NULL DEFAULT 0,
			avg_time_sec ` + floatType + ` NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_scope ON questions(branch_id, subject_id, status, difficulty)`,
		`CREATE TABLE IF NOT EXISTS question_topics (
			question_id TEXT NOT NULL REFERENCES questions(id),
			topic_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (question_id, topic_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_question_topics_topic ON question_topics(topic_id)`,
		`CREATE TABLE IF NOT EXISTS progress (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			current_level INTEGER NOT NULL DEFAULT 1,
			skill ` + floatType + ` NOT NULL DEFAULT 0.5,
			total_answered INTEGER NOT NULL DEFAULT 0,
			total_correct INTEGER NOT NULL DEFAULT 0,
			streak INTEGER NOT NULL DEFAULT 0,
			last_session_at BIGINT,
			recent_json TEXT NOT NULL DEFAULT '[]',
			version BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (user_id, scope_type, branch_id, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS test_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			topic_id TEXT NOT NULL DEFAULT '',
			level_number INTEGER NOT NULL,
			target_difficulty ` + floatType + ` NOT NULL,
			score ` + floatType + `,
			completed INTEGER NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_sessions_user ON test_sessions(user_id, completed, started_at)`,
		`CREATE TABLE IF NOT EXISTS session_items (
			session_id TEXT NOT NULL REFERENCES test_sessions(id),
			position INTEGER NOT NULL,
			question_id TEXT NOT NULL,
			stem TEXT NOT NULL,
			options_json TEXT NOT NULL,
			difficulty ` + floatType + ` NOT NULL,
			correct_index INTEGER NOT NULL,
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS session_responses (
			session_id TEXT NOT NULL REFERENCES test_sessions(id),
			position INTEGER NOT NULL,
			question_id TEXT NOT NULL,
			selected_index INTEGER NOT NULL,
			correct INTEGER NOT NULL,
			time_sec ` + floatType + ` NOT NULL,
			PRIMARY KEY (session_id, question_id)
		)`,
		`CREATE TABLE IF NOT EXISTS app_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS revoked_tokens (
			jti TEXT PRIMARY KEY,
			expires_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// args accumulates query arguments and hands out matching $N placeholders.
// Placeholders must be requested in the order they appear in the SQL text.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func (a *args) list(vs []string) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = a.add(v)
	}
	return strings.Join(ph, ", ")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(s string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
