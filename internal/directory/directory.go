package directory

import (
	"context"
	"errors"
)

// Domain errors surfaced by directory implementations.
var (
	// ErrRoomNotFound: no presence record exists for the room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull: membership ceiling reached.
	ErrRoomFull = errors.New("room is full")
	// ErrStageFull: max-speakers ceiling reached.
	ErrStageFull = errors.New("stage is full")
	// ErrNotMember: operation requires current room membership.
	ErrNotMember = errors.New("user is not a member")
)

// Room is the ephemeral presence record for a live room. Metadata is
// denormalized from the durable record at creation time.
type Room struct {
	RoomID      string
	Name        string
	Description string
	LanguageID  string
	Topic       string
	TypeID      string
	CreatorID   string
}

// SpeakingState is the per-room speaking state of one member.
type SpeakingState struct {
	Muted        bool
	CanTalk      bool
	MutedByAdmin bool
}

// Directory is the distributed registry of live rooms: metadata, member set,
// admin set and stage set, shared by every server instance. Implementations
// must make the capacity checks atomic with insertion; concurrent joins from
// different processes race otherwise.
type Directory interface {
	// CreateRoom writes the presence record and seeds the creator into the
	// member and admin sets.
	CreateRoom(ctx context.Context, room Room) error

	// Room reads a room's presence metadata. Returns ErrRoomNotFound when
	// absent.
	Room(ctx context.Context, roomID string) (*Room, error)

	// RoomExists reports whether a presence record exists.
	RoomExists(ctx context.Context, roomID string) (bool, error)

	// AddMember joins a user, initializing their speaking state to
	// muted=true, canTalk=false. Returns ErrRoomNotFound or ErrRoomFull.
	// Joining a room twice is a no-op.
	AddMember(ctx context.Context, roomID, userID string) error

	// RemoveMember removes a user from the member, admin and stage sets and
	// drops their speaking state. Idempotent. Returns evicted=true when the
	// room's presence record was deleted because its last member left.
	RemoveMember(ctx context.Context, roomID, userID string) (evicted bool, err error)

	// Members lists current member ids.
	Members(ctx context.Context, roomID string) ([]string, error)

	// Stage lists current speaker ids.
	Stage(ctx context.Context, roomID string) ([]string, error)

	// Admins lists current admin ids. The creator is always among them.
	Admins(ctx context.Context, roomID string) ([]string, error)

	// AddToStage grants speaking rights: sets canTalk=true and inserts into
	// the stage set. Returns ErrNotMember or ErrStageFull. The stage set is
	// a subset of the member set by construction.
	AddToStage(ctx context.Context, roomID, userID string) error

	// RemoveFromStage revokes speaking rights and clears canTalk. The user
	// stays a plain member. Idempotent.
	RemoveFromStage(ctx context.Context, roomID, userID string) error

	// SpeakingState reads a member's speaking state. Returns ErrNotMember
	// for users without state in the room.
	SpeakingState(ctx context.Context, roomID, userID string) (*SpeakingState, error)

	// RequestTalk marks a pending talk request (canTalk explicitly false).
	RequestTalk(ctx context.Context, roomID, userID string) error

	// SetMuted sets muted=true and records whether an admin imposed it.
	SetMuted(ctx context.Context, roomID, userID string, byAdmin bool) error

	// ClearMute sets muted=false and clears the admin flag.
	ClearMute(ctx context.Context, roomID, userID string) error

	// RoomsOf lists the rooms a user currently belongs to, maintained
	// incrementally so disconnect cleanup is proportional to rooms joined.
	RoomsOf(ctx context.Context, userID string) ([]string, error)
}
