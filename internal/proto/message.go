package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client → server event types.
const (
	InboundCreateGroup          = "createGroup"
	InboundJoinGroup            = "joinGroup"
	InboundLeaveGroup           = "leaveGroup"
	InboundRequestUsersInGroup  = "requestUsersInGroup"
	InboundRequestUsersOnStage  = "requestUsersOnStage"
	InboundRequestToTalk        = "requestToTalk"
	InboundAdminApproveTalk     = "adminApproveTalkRequest"
	InboundAdminRemoveFromStage = "adminRemoveFromStage"
	InboundMuteUser             = "muteUser"
	InboundUnmuteUser           = "unmuteUser"
	InboundSendMessage          = "sendMessage"
	InboundWebRTCOffer          = "webrtcOffer"
	InboundWebRTCAnswer         = "webrtcAnswer"
	InboundWebRTCCandidate      = "webrtcCandidate"
)

// Server → client event names.
const (
	EventGroupCreated         = "groupCreated"
	EventUserJoined           = "userJoined"
	EventGroupFull            = "groupFull"
	EventGroupNotFound        = "groupNotFound"
	EventUsersInGroup         = "usersInGroup"
	EventUsersOnStage         = "usersOnStage"
	EventUserRequestedToTalk  = "userRequestedToTalk"
	EventUserApprovedToTalk   = "userApprovedToTalk"
	EventUserRemovedFromStage = "userRemovedFromStage"
	EventUserMuted            = "userMuted"
	EventUserUnmuted          = "userUnmuted"
	EventUserLeft             = "userLeft"
	EventMessageReceived      = "messageReceived"
	EventNotAuthorized        = "notAuthorized"
	EventError                = "error"
	EventWebRTCOffer          = "webrtcOffer"
	EventWebRTCAnswer         = "webrtcAnswer"
	EventWebRTCCandidate      = "webrtcCandidate"
)

// Outbound envelope types.
const (
	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
)

// CreateGroupData carries the createGroup payload.
type CreateGroupData struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LanguageID  string `json:"languageId"`
	Topic       string `json:"topic"`
	TypeID      string `json:"typeId"`
}

// RoomData addresses a single room.
type RoomData struct {
	RoomID string `json:"roomId"`
}

// TargetData addresses a user within a room.
type TargetData struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
}

// MuteData carries the muteUser payload.
type MuteData struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
	ByAdmin      bool   `json:"byAdmin"`
}

// MessageData carries a chat comment.
type MessageData struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// SignalData carries a WebRTC negotiation payload; the payload itself is
// never inspected.
type SignalData struct {
	RoomID  string          `json:"roomId"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// RoomEvent notifies about a user-level change in a room.
type RoomEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// GroupCreatedEvent confirms room creation to the creator.
type GroupCreatedEvent struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

// UserListEvent carries a member or stage listing.
type UserListEvent struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
}

// MessageEvent is a fan-out chat comment delivered to room members.
type MessageEvent struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"user"`
	Content string `json:"message"`
	SentAt  int64  `json:"sentAt"`
}

// SignalEvent is a relayed WebRTC negotiation payload.
type SignalEvent struct {
	RoomID  string          `json:"roomId"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
