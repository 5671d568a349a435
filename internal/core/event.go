package core

import "encoding/json"

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventGroupCreated confirms room creation to the creator.
	EventGroupCreated EventKind = iota
	// EventUserJoined notifies a room that a user joined.
	EventUserJoined
	// EventGroupFull rejects a join because the room is at capacity.
	EventGroupFull
	// EventGroupNotFound rejects an operation on a missing room.
	EventGroupNotFound
	// EventUsersInGroup delivers a member listing to the requester.
	EventUsersInGroup
	// EventUsersOnStage delivers a stage listing to the requester.
	EventUsersOnStage
	// EventUserRequestedToTalk notifies a room about a pending talk request.
	EventUserRequestedToTalk
	// EventUserApprovedToTalk notifies a room that a user gained the stage.
	EventUserApprovedToTalk
	// EventUserRemovedFromStage notifies a room that a user lost the stage.
	EventUserRemovedFromStage
	// EventUserMuted notifies a room that a user was muted.
	EventUserMuted
	// EventUserUnmuted notifies a room that a user's mute was cleared.
	EventUserUnmuted
	// EventUserLeft notifies a room that a user departed.
	EventUserLeft
	// EventMessageReceived delivers a fan-out chat comment.
	EventMessageReceived
	// EventNotAuthorized rejects a privileged action, caller only.
	EventNotAuthorized
	// EventError reports a domain or transient failure, caller only.
	EventError

	// Signaling relay events; payloads are forwarded verbatim.
	EventSignalOffer
	EventSignalAnswer
	EventSignalCandidate
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind    EventKind
	Room    string
	User    string
	Name    string          // room name, for EventGroupCreated
	Users   []string        // for listings
	Message *Message        // for EventMessageReceived
	Payload json.RawMessage // for signaling relay
	Error   *CoreError
}

// Message is a chat comment as delivered to clients.
type Message struct {
	RoomID  string
	UserID  string
	Content string
	SentAt  int64
}
