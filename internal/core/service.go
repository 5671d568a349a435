package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voicestage/voicestage-server/internal/bus"
	"github.com/voicestage/voicestage-server/internal/directory"
	"github.com/voicestage/voicestage-server/internal/store"
)

// AdminChecker answers privileged-action checks. A false result is a denial.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID, roomID string) (bool, error)
}

// Limits are the room ceilings applied at creation and join time.
type Limits struct {
	MaxMembers  int
	MaxSpeakers int
}

// saveTimeout bounds the best-effort durable append of a fan-out comment.
const saveTimeout = 5 * time.Second

// noticeNames maps room notifications to their cross-instance event names.
// Kinds absent here stay process-local.
var noticeNames = map[EventKind]string{
	EventUserJoined:           "userJoined",
	EventUserLeft:             "userLeft",
	EventUserRequestedToTalk:  "userRequestedToTalk",
	EventUserApprovedToTalk:   "userApprovedToTalk",
	EventUserRemovedFromStage: "userRemovedFromStage",
	EventUserMuted:            "userMuted",
	EventUserUnmuted:          "userUnmuted",
}

var noticeKinds = func() map[string]EventKind {
	m := make(map[string]EventKind, len(noticeNames))
	for kind, name := range noticeNames {
		m[name] = kind
	}
	return m
}()

// Service is the stage controller: it runs the room/stage state machine
// against the directory, consults the admin checker for privileged actions,
// publishes comments and room notifications to the fan-out bus, and pushes
// events to locally connected clients through the hub.
//
// Per-connection ordering comes from the transport: it executes one inbound
// event at a time per connection. The service itself holds no locks; all
// shared state lives in the directory.
type Service struct {
	dir        directory.Directory
	admins     AdminChecker
	bus        bus.Publisher
	store      store.RecordStore
	hub        *Hub
	limits     Limits
	instanceID string
	log        *zerolog.Logger
}

// NewService wires a stage controller.
func NewService(dir directory.Directory, admins AdminChecker, publisher bus.Publisher, st store.RecordStore, hub *Hub, limits Limits, logger *zerolog.Logger) *Service {
	return &Service{
		dir:        dir,
		admins:     admins,
		bus:        publisher,
		store:      st,
		hub:        hub,
		limits:     limits,
		instanceID: uuid.NewString(),
		log:        logger,
	}
}

// Hub exposes the local hub, used by the transport to register connections.
func (s *Service) Hub() *Hub { return s.hub }

// CreateGroup writes the durable record, then the presence record seeded
// with the creator, joins the creator locally and confirms with
// groupCreated. Returns the new room id.
func (s *Service) CreateGroup(ctx context.Context, c *Client, name, description, languageID, topic, typeID string) string {
	roomID := uuid.NewString()

	rec := &store.RoomRecord{
		RoomID:      roomID,
		Name:        name,
		Description: description,
		LanguageID:  languageID,
		Topic:       topic,
		TypeID:      typeID,
		CreatorID:   c.UserID,
		MaxMembers:  s.limits.MaxMembers,
		MaxSpeakers: s.limits.MaxSpeakers,
	}
	if err := s.store.CreateRoom(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("user_id", c.UserID).Msg("create room record")
		s.sendError(c, ErrCodeStoreError, "error creating group")
		return ""
	}

	room := directory.Room{
		RoomID:      roomID,
		Name:        name,
		Description: description,
		LanguageID:  languageID,
		Topic:       topic,
		TypeID:      typeID,
		CreatorID:   c.UserID,
	}
	if err := s.dir.CreateRoom(ctx, room); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("create presence record")
		s.sendError(c, ErrCodeStoreError, "error creating group")
		return ""
	}

	s.hub.Join(roomID, c)
	s.hub.BroadcastRoom(roomID, &Event{
		Kind: EventGroupCreated,
		Room: roomID,
		User: c.UserID,
		Name: name,
	})
	s.log.Info().Str("room_id", roomID).Str("user_id", c.UserID).Msg("group created")
	return roomID
}

// JoinGroup joins the caller to a room, enforcing the membership ceiling
// atomically in the directory.
func (s *Service) JoinGroup(ctx context.Context, c *Client, roomID string) {
	err := s.dir.AddMember(ctx, roomID, c.UserID)
	switch {
	case errors.Is(err, directory.ErrRoomNotFound):
		s.hub.Send(c, &Event{Kind: EventGroupNotFound, Room: roomID})
		return
	case errors.Is(err, directory.ErrRoomFull):
		s.hub.Send(c, &Event{Kind: EventGroupFull, Room: roomID})
		return
	case err != nil:
		s.log.Error().Err(err).Str("room_id", roomID).Msg("join group")
		s.sendError(c, ErrCodeStoreError, "error joining group")
		return
	}

	s.hub.Join(roomID, c)
	s.broadcast(ctx, roomID, &Event{Kind: EventUserJoined, Room: roomID, User: c.UserID})
}

// LeaveGroup removes the caller from a room. Leaving twice is harmless.
func (s *Service) LeaveGroup(ctx context.Context, c *Client, roomID string) {
	if _, err := s.dir.RemoveMember(ctx, roomID, c.UserID); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("leave group")
		s.sendError(c, ErrCodeStoreError, "error leaving group")
		return
	}

	s.hub.Leave(roomID, c)
	s.broadcast(ctx, roomID, &Event{Kind: EventUserLeft, Room: roomID, User: c.UserID})
}

// UsersInGroup replies to the caller with the current member set.
func (s *Service) UsersInGroup(ctx context.Context, c *Client, roomID string) {
	members, err := s.dir.Members(ctx, roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("list members")
		s.sendError(c, ErrCodeStoreError, "error retrieving users in group")
		return
	}
	s.hub.Send(c, &Event{Kind: EventUsersInGroup, Room: roomID, Users: members})
}

// UsersOnStage replies to the caller with the current stage set.
func (s *Service) UsersOnStage(ctx context.Context, c *Client, roomID string) {
	speakers, err := s.dir.Stage(ctx, roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("list stage")
		s.sendError(c, ErrCodeStoreError, "error retrieving users on stage")
		return
	}
	s.hub.Send(c, &Event{Kind: EventUsersOnStage, Room: roomID, Users: speakers})
}

// RequestToTalk records a pending talk request and notifies the room. The
// request grants nothing by itself.
func (s *Service) RequestToTalk(ctx context.Context, c *Client, roomID string) {
	err := s.dir.RequestTalk(ctx, roomID, c.UserID)
	switch {
	case errors.Is(err, directory.ErrNotMember):
		s.sendError(c, ErrCodeNotMember, "join the group before requesting to talk")
		return
	case err != nil:
		s.log.Error().Err(err).Str("room_id", roomID).Msg("request to talk")
		s.sendError(c, ErrCodeStoreError, "error requesting to talk")
		return
	}

	s.broadcast(ctx, roomID, &Event{Kind: EventUserRequestedToTalk, Room: roomID, User: c.UserID})
}

// ApproveTalkRequest grants the stage to a target user. Admin only.
func (s *Service) ApproveTalkRequest(ctx context.Context, c *Client, roomID, targetUserID string) {
	if !s.requireAdmin(ctx, c, roomID, "you are not authorized to approve talk requests") {
		return
	}

	err := s.dir.AddToStage(ctx, roomID, targetUserID)
	switch {
	case errors.Is(err, directory.ErrNotMember):
		s.sendError(c, ErrCodeNotMember, "user is not in the group")
		return
	case errors.Is(err, directory.ErrStageFull):
		s.sendError(c, ErrCodeStageFull, "the stage is full")
		return
	case err != nil:
		s.log.Error().Err(err).Str("room_id", roomID).Msg("approve talk request")
		s.sendError(c, ErrCodeStoreError, "error approving talk request")
		return
	}

	s.broadcast(ctx, roomID, &Event{Kind: EventUserApprovedToTalk, Room: roomID, User: targetUserID})
}

// RemoveFromStage revokes a target user's stage membership. Admin only. The
// target stays a plain member.
func (s *Service) RemoveFromStage(ctx context.Context, c *Client, roomID, targetUserID string) {
	if !s.requireAdmin(ctx, c, roomID, "you are not authorized to remove users from stage") {
		return
	}

	if err := s.dir.RemoveFromStage(ctx, roomID, targetUserID); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("remove from stage")
		s.sendError(c, ErrCodeStoreError, "error removing user from stage")
		return
	}

	s.broadcast(ctx, roomID, &Event{Kind: EventUserRemovedFromStage, Room: roomID, User: targetUserID})
}

// MuteUser mutes a target user. When byAdmin is asserted the caller must be
// an admin and the mute can only be lifted by an admin; otherwise only
// self-mutes are accepted.
func (s *Service) MuteUser(ctx context.Context, c *Client, roomID, targetUserID string, byAdmin bool) {
	if byAdmin {
		if !s.requireAdmin(ctx, c, roomID, "you are not authorized to mute this user") {
			return
		}
	} else if targetUserID != c.UserID {
		s.hub.Send(c, &Event{Kind: EventNotAuthorized, Room: roomID,
			Error: coreError(ErrCodeUnauthorized, "you are not authorized to mute this user")})
		return
	}

	err := s.dir.SetMuted(ctx, roomID, targetUserID, byAdmin)
	switch {
	case errors.Is(err, directory.ErrNotMember):
		s.sendError(c, ErrCodeNotMember, "user is not in the group")
		return
	case err != nil:
		s.log.Error().Err(err).Str("room_id", roomID).Msg("mute user")
		s.sendError(c, ErrCodeStoreError, "error muting user")
		return
	}

	s.broadcast(ctx, roomID, &Event{Kind: EventUserMuted, Room: roomID, User: targetUserID})
}

// UnmuteUser clears a target user's mute. An admin-imposed mute may only be
// cleared by an admin; otherwise the affected user may clear their own.
func (s *Service) UnmuteUser(ctx context.Context, c *Client, roomID, targetUserID string) {
	state, err := s.dir.SpeakingState(ctx, roomID, targetUserID)
	switch {
	case errors.Is(err, directory.ErrNotMember):
		s.sendError(c, ErrCodeNotMember, "user is not in the group")
		return
	case err != nil:
		s.log.Error().Err(err).Str("room_id", roomID).Msg("read speaking state")
		s.sendError(c, ErrCodeStoreError, "error unmuting user")
		return
	}

	allowed := false
	if !state.MutedByAdmin && targetUserID == c.UserID {
		allowed = true
	}
	if !allowed {
		isAdmin, err := s.admins.IsAdmin(ctx, c.UserID, roomID)
		if err != nil {
			s.log.Error().Err(err).Str("room_id", roomID).Msg("admin check")
			s.sendError(c, ErrCodeStoreError, "error unmuting user")
			return
		}
		allowed = isAdmin
	}
	if !allowed {
		s.hub.Send(c, &Event{Kind: EventNotAuthorized, Room: roomID,
			Error: coreError(ErrCodeUnauthorized, "you are not authorized to unmute this user")})
		return
	}

	if err := s.dir.ClearMute(ctx, roomID, targetUserID); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("clear mute")
		s.sendError(c, ErrCodeStoreError, "error unmuting user")
		return
	}

	s.broadcast(ctx, roomID, &Event{Kind: EventUserUnmuted, Room: roomID, User: targetUserID})
}

// SendMessage publishes a chat comment to the fan-out bus, provided the
// caller currently holds talk rights. Rejections go to the sender only and
// are never broadcast.
func (s *Service) SendMessage(ctx context.Context, c *Client, roomID, content string) {
	state, err := s.dir.SpeakingState(ctx, roomID, c.UserID)
	switch {
	case errors.Is(err, directory.ErrNotMember):
		s.sendError(c, ErrCodeNotMember, "join the group before sending messages")
		return
	case err != nil:
		s.log.Error().Err(err).Str("room_id", roomID).Msg("read speaking state")
		s.sendError(c, ErrCodeStoreError, "error sending message")
		return
	}
	if !state.CanTalk {
		s.sendError(c, ErrCodeCannotTalk, "you cannot send messages right now")
		return
	}

	comment := bus.Comment{
		UserID:  c.UserID,
		Content: content,
		SentAt:  time.Now().Unix(),
	}
	if err := s.bus.Publish(ctx, roomID, comment); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("publish comment")
		s.sendError(c, ErrCodeStoreError, "error sending message")
	}
}

// HandleComment is the fan-out bus handler: it delivers a received comment
// to locally connected room members, then appends it to the durable store in
// the background. Append failures are logged and never block delivery.
func (s *Service) HandleComment(roomID string, c bus.Comment) {
	s.hub.BroadcastRoom(roomID, &Event{
		Kind: EventMessageReceived,
		Room: roomID,
		Message: &Message{
			RoomID:  roomID,
			UserID:  c.UserID,
			Content: c.Content,
			SentAt:  c.SentAt,
		},
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		rec := &store.CommentRecord{
			RoomID:  roomID,
			UserID:  c.UserID,
			Content: c.Content,
		}
		if err := s.store.SaveComment(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("room_id", roomID).Msg("save comment")
		}
	}()
}

// Relay forwards an opaque signaling payload to the other locally connected
// members of the room. With no other members present the payload is dropped.
func (s *Service) Relay(c *Client, kind EventKind, roomID string, payload json.RawMessage) {
	s.hub.BroadcastRoomExcept(roomID, &Event{
		Kind:    kind,
		Room:    roomID,
		User:    c.UserID,
		Payload: payload,
	}, c)
}

// Disconnect reconciles a departed connection: the caller is removed from
// every room in their joined-rooms index. Removal is best-effort; a failed
// room is logged and the rest are still attempted.
func (s *Service) Disconnect(ctx context.Context, c *Client) {
	rooms, err := s.dir.RoomsOf(ctx, c.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", c.UserID).Msg("list joined rooms on disconnect")
		rooms = s.hub.LocalRooms(c)
	}

	for _, roomID := range rooms {
		if _, err := s.dir.RemoveMember(ctx, roomID, c.UserID); err != nil {
			s.log.Error().Err(err).Str("room_id", roomID).Str("user_id", c.UserID).Msg("disconnect cleanup")
			continue
		}
		s.hub.Leave(roomID, c)
		s.broadcast(ctx, roomID, &Event{Kind: EventUserLeft, Room: roomID, User: c.UserID})
	}

	s.hub.Unregister(c)
	s.log.Info().Str("conn_id", c.ConnID).Str("user_id", c.UserID).Msg("user disconnected")
}

// broadcast delivers a room notification to local members and, for kinds
// with a cross-instance name, publishes it so other instances deliver it to
// theirs. Publish failures degrade to local-only delivery.
func (s *Service) broadcast(ctx context.Context, roomID string, ev *Event) {
	s.hub.BroadcastRoom(roomID, ev)

	name, ok := noticeNames[ev.Kind]
	if !ok {
		return
	}
	notice := bus.Notice{
		Event:  name,
		UserID: ev.User,
		Name:   ev.Name,
		Origin: s.instanceID,
	}
	if err := s.bus.PublishNotice(ctx, roomID, notice); err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Str("event", name).Msg("publish room notice")
	}
}

// HandleNotice is the fan-out bus handler for room notifications: it
// re-broadcasts notices published by other instances to locally connected
// room members. The publishing instance already delivered locally, so its
// own echo is skipped.
func (s *Service) HandleNotice(roomID string, n bus.Notice) {
	if n.Origin == s.instanceID {
		return
	}
	kind, ok := noticeKinds[n.Event]
	if !ok {
		s.log.Warn().Str("room_id", roomID).Str("event", n.Event).Msg("drop unknown room notice")
		return
	}
	s.hub.BroadcastRoom(roomID, &Event{
		Kind: kind,
		Room: roomID,
		User: n.UserID,
		Name: n.Name,
	})
}

func (s *Service) requireAdmin(ctx context.Context, c *Client, roomID, denial string) bool {
	isAdmin, err := s.admins.IsAdmin(ctx, c.UserID, roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Str("user_id", c.UserID).Msg("admin check")
		s.sendError(c, ErrCodeStoreError, "error checking authorization")
		return false
	}
	if !isAdmin {
		s.hub.Send(c, &Event{Kind: EventNotAuthorized, Room: roomID,
			Error: coreError(ErrCodeUnauthorized, denial)})
		return false
	}
	return true
}

func (s *Service) sendError(c *Client, code, msg string) {
	s.hub.Send(c, &Event{Kind: EventError, Error: coreError(code, msg)})
}
