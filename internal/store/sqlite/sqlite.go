package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voicestage/voicestage-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id      TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	language_id  TEXT NOT NULL DEFAULT '',
	topic        TEXT NOT NULL DEFAULT '',
	type_id      TEXT NOT NULL DEFAULT '',
	creator_id   TEXT NOT NULL,
	max_members  INTEGER NOT NULL DEFAULT 100,
	max_speakers INTEGER NOT NULL DEFAULT 5,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL REFERENCES rooms(room_id),
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS comments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_comments_room ON comments(room_id);
CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
`

// SQLiteStore implements store.RecordStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// CreateRoom persists a room record and its creator as first member.
func (s *SQLiteStore) CreateRoom(ctx context.Context, rec *store.RoomRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (room_id, name, description, language_id, topic, type_id, creator_id, max_members, max_speakers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RoomID, rec.Name, rec.Description, rec.LanguageID, rec.Topic, rec.TypeID,
		rec.CreatorID, rec.MaxMembers, rec.MaxSpeakers, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)`,
		rec.RoomID, rec.CreatorID,
	)
	if err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindRoom retrieves a room record by id.
func (s *SQLiteStore) FindRoom(ctx context.Context, roomID string) (*store.RoomRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT room_id, name, description, language_id, topic, type_id, creator_id, max_members, max_speakers, created_at
		FROM rooms WHERE room_id = ?`, roomID)
	return scanRoom(row)
}

// FindRoomForMember retrieves a room record, filtered by the user's durable
// membership of that room.
func (s *SQLiteStore) FindRoomForMember(ctx context.Context, roomID, userID string) (*store.RoomRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.room_id, r.name, r.description, r.language_id, r.topic, r.type_id, r.creator_id, r.max_members, r.max_speakers, r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.room_id
		WHERE r.room_id = ? AND m.user_id = ?`, roomID, userID)
	return scanRoom(row)
}

// SaveComment appends a comment record.
func (s *SQLiteStore) SaveComment(ctx context.Context, rec *store.CommentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (room_id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		rec.RoomID, rec.UserID, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRoom(row *sql.Row) (*store.RoomRecord, error) {
	var rec store.RoomRecord
	err := row.Scan(
		&rec.RoomID, &rec.Name, &rec.Description, &rec.LanguageID, &rec.Topic,
		&rec.TypeID, &rec.CreatorID, &rec.MaxMembers, &rec.MaxSpeakers, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan room: %w", err)
	}
	return &rec, nil
}
