// Package redisdir implements the room directory on Redis. All state that is
// shared between server instances lives here: room metadata hashes, member,
// admin and stage sets, per-member speaking state, and the per-user
// joined-rooms index used for disconnect cleanup.
//
// Capacity checks are fused with their inserts in Lua scripts so that
// concurrent joins from different processes cannot overshoot a ceiling.
package redisdir

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voicestage/voicestage-server/internal/directory"
)

func roomKey(roomID string) string    { return "group:" + roomID }
func membersKey(roomID string) string { return "group:" + roomID + ":members" }
func adminsKey(roomID string) string  { return "group:" + roomID + ":admins" }
func stageKey(roomID string) string   { return "group:" + roomID + ":stage" }
func stateKey(roomID, userID string) string {
	return "group:" + roomID + ":user:" + userID
}
func userRoomsKey(userID string) string { return "user:" + userID + ":rooms" }

// joinScript checks the membership ceiling and inserts in one step.
// KEYS: room hash, members set, speaking state, user rooms index.
// ARGV: user id, max members, room id.
var joinScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return "notfound"
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	return "ok"
end
if redis.call("SCARD", KEYS[2]) >= tonumber(ARGV[2]) then
	return "full"
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "muted", "1", "canTalk", "0", "mutedByAdmin", "0")
redis.call("SADD", KEYS[4], ARGV[3])
return "ok"
`)

// stageScript checks membership and the stage ceiling, then grants talk
// rights. KEYS: members set, stage set, speaking state. ARGV: user id,
// max speakers.
var stageScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return "notmember"
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[3], "canTalk", "1")
	return "ok"
end
if redis.call("SCARD", KEYS[2]) >= tonumber(ARGV[2]) then
	return "full"
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "canTalk", "1")
return "ok"
`)

// leaveScript removes every trace of a member and evicts the room when the
// last member leaves. KEYS: members, admins, stage, speaking state, user
// rooms index, room hash. ARGV: user id, room id.
var leaveScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
redis.call("DEL", KEYS[4])
redis.call("SREM", KEYS[5], ARGV[2])
if redis.call("SCARD", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[6], KEYS[1], KEYS[2], KEYS[3])
	return 1
end
return 0
`)

// unstageScript revokes talk rights without touching membership.
// KEYS: stage set, speaking state. ARGV: user id.
var unstageScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[2]) == 1 then
	redis.call("HSET", KEYS[2], "canTalk", "0")
end
return 1
`)

// stateScript updates speaking-state fields only for current members, so a
// mute aimed at a departed user does not resurrect their state key.
// KEYS: speaking state. ARGV: field/value pairs.
var stateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return "notmember"
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return "ok"
`)

// Directory is the Redis-backed room directory.
type Directory struct {
	rdb         redis.UniversalClient
	maxMembers  int
	maxSpeakers int
}

// New builds a directory over the given client with the configured ceilings.
func New(rdb redis.UniversalClient, maxMembers, maxSpeakers int) *Directory {
	return &Directory{
		rdb:         rdb,
		maxMembers:  maxMembers,
		maxSpeakers: maxSpeakers,
	}
}

// CreateRoom writes the presence record and seeds the creator.
func (d *Directory) CreateRoom(ctx context.Context, room directory.Room) error {
	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, roomKey(room.RoomID), map[string]interface{}{
		"name":        room.Name,
		"creator":     room.CreatorID,
		"description": room.Description,
		"languageId":  room.LanguageID,
		"topic":       room.Topic,
		"type":        room.TypeID,
	})
	pipe.SAdd(ctx, membersKey(room.RoomID), room.CreatorID)
	pipe.SAdd(ctx, adminsKey(room.RoomID), room.CreatorID)
	pipe.HSet(ctx, stateKey(room.RoomID, room.CreatorID),
		"muted", "1", "canTalk", "0", "mutedByAdmin", "0")
	pipe.SAdd(ctx, userRoomsKey(room.CreatorID), room.RoomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create room %s: %w", room.RoomID, err)
	}
	return nil
}

// Room reads presence metadata.
func (d *Directory) Room(ctx context.Context, roomID string) (*directory.Room, error) {
	fields, err := d.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, directory.ErrRoomNotFound
	}
	return &directory.Room{
		RoomID:      roomID,
		Name:        fields["name"],
		Description: fields["description"],
		LanguageID:  fields["languageId"],
		Topic:       fields["topic"],
		TypeID:      fields["type"],
		CreatorID:   fields["creator"],
	}, nil
}

// RoomExists reports presence-record existence.
func (d *Directory) RoomExists(ctx context.Context, roomID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists room %s: %w", roomID, err)
	}
	return n > 0, nil
}

// AddMember atomically checks the ceiling and joins the user.
func (d *Directory) AddMember(ctx context.Context, roomID, userID string) error {
	keys := []string{roomKey(roomID), membersKey(roomID), stateKey(roomID, userID), userRoomsKey(userID)}
	res, err := joinScript.Run(ctx, d.rdb, keys, userID, d.maxMembers, roomID).Text()
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	switch res {
	case "ok":
		return nil
	case "full":
		return directory.ErrRoomFull
	case "notfound":
		return directory.ErrRoomNotFound
	default:
		return fmt.Errorf("join room %s: unexpected result %q", roomID, res)
	}
}

// RemoveMember removes a member and evicts the room if it becomes empty.
func (d *Directory) RemoveMember(ctx context.Context, roomID, userID string) (bool, error) {
	keys := []string{
		membersKey(roomID), adminsKey(roomID), stageKey(roomID),
		stateKey(roomID, userID), userRoomsKey(userID), roomKey(roomID),
	}
	evicted, err := leaveScript.Run(ctx, d.rdb, keys, userID, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return evicted == 1, nil
}

// Members lists current member ids.
func (d *Directory) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := d.rdb.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", roomID, err)
	}
	return members, nil
}

// Stage lists current speaker ids.
func (d *Directory) Stage(ctx context.Context, roomID string) ([]string, error) {
	speakers, err := d.rdb.SMembers(ctx, stageKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("stage of %s: %w", roomID, err)
	}
	return speakers, nil
}

// Admins lists current admin ids.
func (d *Directory) Admins(ctx context.Context, roomID string) ([]string, error) {
	admins, err := d.rdb.SMembers(ctx, adminsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("admins of %s: %w", roomID, err)
	}
	return admins, nil
}

// AddToStage atomically checks membership and the speaker ceiling, then
// grants talk rights.
func (d *Directory) AddToStage(ctx context.Context, roomID, userID string) error {
	keys := []string{membersKey(roomID), stageKey(roomID), stateKey(roomID, userID)}
	res, err := stageScript.Run(ctx, d.rdb, keys, userID, d.maxSpeakers).Text()
	if err != nil {
		return fmt.Errorf("stage add %s: %w", roomID, err)
	}
	switch res {
	case "ok":
		return nil
	case "full":
		return directory.ErrStageFull
	case "notmember":
		return directory.ErrNotMember
	default:
		return fmt.Errorf("stage add %s: unexpected result %q", roomID, res)
	}
}

// RemoveFromStage revokes talk rights, keeping plain membership.
func (d *Directory) RemoveFromStage(ctx context.Context, roomID, userID string) error {
	keys := []string{stageKey(roomID), stateKey(roomID, userID)}
	if _, err := unstageScript.Run(ctx, d.rdb, keys, userID).Result(); err != nil {
		return fmt.Errorf("stage remove %s: %w", roomID, err)
	}
	return nil
}

// SpeakingState reads a member's speaking state.
func (d *Directory) SpeakingState(ctx context.Context, roomID, userID string) (*directory.SpeakingState, error) {
	fields, err := d.rdb.HGetAll(ctx, stateKey(roomID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("speaking state %s/%s: %w", roomID, userID, err)
	}
	if len(fields) == 0 {
		return nil, directory.ErrNotMember
	}
	return &directory.SpeakingState{
		Muted:        fields["muted"] == "1",
		CanTalk:      fields["canTalk"] == "1",
		MutedByAdmin: fields["mutedByAdmin"] == "1",
	}, nil
}

// RequestTalk marks a pending talk request.
func (d *Directory) RequestTalk(ctx context.Context, roomID, userID string) error {
	return d.setState(ctx, roomID, userID, "canTalk", "0")
}

// SetMuted mutes a member, recording admin imposition.
func (d *Directory) SetMuted(ctx context.Context, roomID, userID string, byAdmin bool) error {
	flag := "0"
	if byAdmin {
		flag = "1"
	}
	return d.setState(ctx, roomID, userID, "muted", "1", "mutedByAdmin", flag)
}

// ClearMute unmutes a member.
func (d *Directory) ClearMute(ctx context.Context, roomID, userID string) error {
	return d.setState(ctx, roomID, userID, "muted", "0", "mutedByAdmin", "0")
}

// RoomsOf lists the rooms a user currently belongs to.
func (d *Directory) RoomsOf(ctx context.Context, userID string) ([]string, error) {
	rooms, err := d.rdb.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("rooms of %s: %w", userID, err)
	}
	return rooms, nil
}

func (d *Directory) setState(ctx context.Context, roomID, userID string, pairs ...interface{}) error {
	res, err := stateScript.Run(ctx, d.rdb, []string{stateKey(roomID, userID)}, pairs...).Text()
	if err != nil {
		return fmt.Errorf("set state %s/%s: %w", roomID, userID, err)
	}
	if res == "notmember" {
		return directory.ErrNotMember
	}
	return nil
}
