package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// RoomRecord is the durable side of a room. The live presence state (current
// members, stage) is kept in the room directory, not here.
type RoomRecord struct {
	RoomID      string
	Name        string
	Description string
	LanguageID  string
	Topic       string
	TypeID      string
	CreatorID   string
	MaxMembers  int
	MaxSpeakers int
	CreatedAt   time.Time
}

// CommentRecord is a chat comment appended best-effort during fan-out.
type CommentRecord struct {
	ID        int64
	RoomID    string
	UserID    string
	Content   string
	CreatedAt time.Time
}

// RecordStore is the durable collaborator consumed by the realtime core.
type RecordStore interface {
	// CreateRoom persists a new room record and seeds the creator as its
	// first durable member.
	CreateRoom(ctx context.Context, rec *RoomRecord) error

	// FindRoom retrieves a room record by its id. Returns ErrNotFound when
	// the room does not exist.
	FindRoom(ctx context.Context, roomID string) (*RoomRecord, error)

	// FindRoomForMember retrieves a room record only when the given user is
	// a durable member of that room. Returns ErrNotFound otherwise.
	FindRoomForMember(ctx context.Context, roomID, userID string) (*RoomRecord, error)

	// SaveComment appends a comment record.
	SaveComment(ctx context.Context, rec *CommentRecord) error

	// Close closes the underlying database connection.
	Close() error
}
