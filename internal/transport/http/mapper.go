package http

import (
	"context"
	"encoding/json"

	"github.com/voicestage/voicestage-server/internal/core"
	"github.com/voicestage/voicestage-server/internal/proto"
)

// dispatch validates one inbound event and invokes the matching stage
// controller operation. Malformed payloads are rejected with a bad_request
// error to the caller; the original backend accepted them unchecked.
func (h *WSHandler) dispatch(ctx context.Context, client *core.Client, inbound proto.Inbound) {
	switch inbound.Type {
	case proto.InboundCreateGroup:
		var data proto.CreateGroupData
		if !h.decode(client, inbound.Data, &data) {
			return
		}
		if data.Name == "" {
			h.reject(client, "name is required")
			return
		}
		h.svc.CreateGroup(ctx, client, data.Name, data.Description, data.LanguageID, data.Topic, data.TypeID)

	case proto.InboundJoinGroup:
		var data proto.RoomData
		if !h.decodeRoom(client, inbound.Data, &data) {
			return
		}
		h.svc.JoinGroup(ctx, client, data.RoomID)

	case proto.InboundLeaveGroup:
		var data proto.RoomData
		if !h.decodeRoom(client, inbound.Data, &data) {
			return
		}
		h.svc.LeaveGroup(ctx, client, data.RoomID)

	case proto.InboundRequestUsersInGroup:
		var data proto.RoomData
		if !h.decodeRoom(client, inbound.Data, &data) {
			return
		}
		h.svc.UsersInGroup(ctx, client, data.RoomID)

	case proto.InboundRequestUsersOnStage:
		var data proto.RoomData
		if !h.decodeRoom(client, inbound.Data, &data) {
			return
		}
		h.svc.UsersOnStage(ctx, client, data.RoomID)

	case proto.InboundRequestToTalk:
		var data proto.RoomData
		if !h.decodeRoom(client, inbound.Data, &data) {
			return
		}
		h.svc.RequestToTalk(ctx, client, data.RoomID)

	case proto.InboundAdminApproveTalk:
		var data proto.TargetData
		if !h.decodeTarget(client, inbound.Data, &data) {
			return
		}
		h.svc.ApproveTalkRequest(ctx, client, data.RoomID, data.TargetUserID)

	case proto.InboundAdminRemoveFromStage:
		var data proto.TargetData
		if !h.decodeTarget(client, inbound.Data, &data) {
			return
		}
		h.svc.RemoveFromStage(ctx, client, data.RoomID, data.TargetUserID)

	case proto.InboundMuteUser:
		var data proto.MuteData
		if !h.decode(client, inbound.Data, &data) {
			return
		}
		if data.RoomID == "" || data.TargetUserID == "" {
			h.reject(client, "roomId and targetUserId are required")
			return
		}
		h.svc.MuteUser(ctx, client, data.RoomID, data.TargetUserID, data.ByAdmin)

	case proto.InboundUnmuteUser:
		var data proto.TargetData
		if !h.decodeTarget(client, inbound.Data, &data) {
			return
		}
		h.svc.UnmuteUser(ctx, client, data.RoomID, data.TargetUserID)

	case proto.InboundSendMessage:
		var data proto.MessageData
		if !h.decode(client, inbound.Data, &data) {
			return
		}
		if data.RoomID == "" || data.Content == "" {
			h.reject(client, "roomId and content are required")
			return
		}
		h.svc.SendMessage(ctx, client, data.RoomID, data.Content)

	case proto.InboundWebRTCOffer:
		h.relay(client, inbound.Data, core.EventSignalOffer)

	case proto.InboundWebRTCAnswer:
		h.relay(client, inbound.Data, core.EventSignalAnswer)

	case proto.InboundWebRTCCandidate:
		h.relay(client, inbound.Data, core.EventSignalCandidate)

	default:
		h.reject(client, "unknown event type")
	}
}

func (h *WSHandler) relay(client *core.Client, raw json.RawMessage, kind core.EventKind) {
	var data proto.SignalData
	if !h.decode(client, raw, &data) {
		return
	}
	if data.RoomID == "" {
		h.reject(client, "roomId is required")
		return
	}
	h.svc.Relay(client, kind, data.RoomID, data.Payload)
}

func (h *WSHandler) decode(client *core.Client, raw json.RawMessage, dst any) bool {
	if len(raw) == 0 {
		h.reject(client, "payload is required")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		h.reject(client, "malformed payload")
		return false
	}
	return true
}

func (h *WSHandler) decodeRoom(client *core.Client, raw json.RawMessage, dst *proto.RoomData) bool {
	if !h.decode(client, raw, dst) {
		return false
	}
	if dst.RoomID == "" {
		h.reject(client, "roomId is required")
		return false
	}
	return true
}

func (h *WSHandler) decodeTarget(client *core.Client, raw json.RawMessage, dst *proto.TargetData) bool {
	if !h.decode(client, raw, dst) {
		return false
	}
	if dst.RoomID == "" || dst.TargetUserID == "" {
		h.reject(client, "roomId and targetUserId are required")
		return false
	}
	return true
}

// reject routes a validation error through the client's event channel so the
// write loop stays the sole connection writer.
func (h *WSHandler) reject(client *core.Client, msg string) {
	h.svc.Hub().Send(client, &core.Event{
		Kind:  core.EventError,
		Error: &core.CoreError{Code: core.ErrCodeBadRequest, Message: msg},
	})
}

func outboundFromEvent(ev *core.Event) proto.Outbound {
	switch ev.Kind {
	case core.EventGroupCreated:
		return eventOutbound(proto.EventGroupCreated, proto.GroupCreatedEvent{RoomID: ev.Room, Name: ev.Name})
	case core.EventUserJoined:
		return eventOutbound(proto.EventUserJoined, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventGroupFull:
		return eventOutbound(proto.EventGroupFull, proto.RoomEvent{RoomID: ev.Room})
	case core.EventGroupNotFound:
		return eventOutbound(proto.EventGroupNotFound, proto.RoomEvent{RoomID: ev.Room})
	case core.EventUsersInGroup:
		return eventOutbound(proto.EventUsersInGroup, proto.UserListEvent{RoomID: ev.Room, Users: ev.Users})
	case core.EventUsersOnStage:
		return eventOutbound(proto.EventUsersOnStage, proto.UserListEvent{RoomID: ev.Room, Users: ev.Users})
	case core.EventUserRequestedToTalk:
		return eventOutbound(proto.EventUserRequestedToTalk, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventUserApprovedToTalk:
		return eventOutbound(proto.EventUserApprovedToTalk, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventUserRemovedFromStage:
		return eventOutbound(proto.EventUserRemovedFromStage, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventUserMuted:
		return eventOutbound(proto.EventUserMuted, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventUserUnmuted:
		return eventOutbound(proto.EventUserUnmuted, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventUserLeft:
		return eventOutbound(proto.EventUserLeft, proto.RoomEvent{RoomID: ev.Room, UserID: ev.User})
	case core.EventMessageReceived:
		return eventOutbound(proto.EventMessageReceived, proto.MessageEvent{
			RoomID:  ev.Message.RoomID,
			UserID:  ev.Message.UserID,
			Content: ev.Message.Content,
			SentAt:  ev.Message.SentAt,
		})
	case core.EventNotAuthorized:
		return eventOutbound(proto.EventNotAuthorized, ev.Error.Message)
	case core.EventSignalOffer:
		return eventOutbound(proto.EventWebRTCOffer, proto.SignalEvent{RoomID: ev.Room, UserID: ev.User, Payload: ev.Payload})
	case core.EventSignalAnswer:
		return eventOutbound(proto.EventWebRTCAnswer, proto.SignalEvent{RoomID: ev.Room, UserID: ev.User, Payload: ev.Payload})
	case core.EventSignalCandidate:
		return eventOutbound(proto.EventWebRTCCandidate, proto.SignalEvent{RoomID: ev.Room, UserID: ev.User, Payload: ev.Payload})
	default:
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Event: proto.EventError,
			Error: &proto.Error{Code: ev.Error.Code, Msg: ev.Error.Message},
		}
	}
}

func eventOutbound(name string, data any) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeEvent, Event: name, Data: data}
}
