package core

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voicestage/voicestage-server/internal/authz"
	"github.com/voicestage/voicestage-server/internal/bus"
	"github.com/voicestage/voicestage-server/internal/directory/redisdir"
	"github.com/voicestage/voicestage-server/internal/log"
	"github.com/voicestage/voicestage-server/internal/store"
)

type fakeRecordStore struct {
	rooms    map[string]*store.RoomRecord
	members  map[string]map[string]bool
	comments []*store.CommentRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		rooms:   make(map[string]*store.RoomRecord),
		members: make(map[string]map[string]bool),
	}
}

func (f *fakeRecordStore) CreateRoom(_ context.Context, rec *store.RoomRecord) error {
	f.rooms[rec.RoomID] = rec
	if f.members[rec.RoomID] == nil {
		f.members[rec.RoomID] = make(map[string]bool)
	}
	f.members[rec.RoomID][rec.CreatorID] = true
	return nil
}

func (f *fakeRecordStore) FindRoom(_ context.Context, roomID string) (*store.RoomRecord, error) {
	rec, ok := f.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecordStore) FindRoomForMember(_ context.Context, roomID, userID string) (*store.RoomRecord, error) {
	rec, ok := f.rooms[roomID]
	if !ok || !f.members[roomID][userID] {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecordStore) SaveComment(_ context.Context, rec *store.CommentRecord) error {
	f.comments = append(f.comments, rec)
	return nil
}

func (f *fakeRecordStore) Close() error { return nil }

// testEnv is one simulated server instance. Instances built over the same
// miniredis share directory state and the fan-out bus, like processes of a
// scaled deployment.
type testEnv struct {
	dir *redisdir.Directory
	svc *Service
	hub *Hub
}

func newTestEnv(t *testing.T, mr *miniredis.Miniredis, limits Limits) *testEnv {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := log.NewWithWriter("error", io.Discard)
	dir := redisdir.New(rdb, limits.MaxMembers, limits.MaxSpeakers)
	st := newFakeRecordStore()
	checker := authz.NewChecker(rdb, dir, st, time.Minute)
	fanout := bus.New(rdb, logger)
	hub := NewHub()
	svc := NewService(dir, checker, fanout, st, hub, limits, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fanout.Run(ctx, svc.HandleComment, svc.HandleNotice)

	return &testEnv{dir: dir, svc: svc, hub: hub}
}

// waitForSubscriber blocks until the fan-out pattern subscription is live,
// so published comments are not lost to startup races.
func waitForSubscriber(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pats, err := rdb.PubSubNumPat(ctx).Result(); err == nil && pats > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fan-out subscription never became live")
}

func (e *testEnv) connect(userID string) *Client {
	c := NewClient("conn-"+userID, userID)
	e.hub.Register(c)
	return c
}

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func mustNoEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event: %+v", ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func defaultLimits() Limits {
	return Limits{MaxMembers: 10, MaxSpeakers: 3}
}

func TestCreateGroupRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "jazz", "late night jazz", "lang-1", "music", "type-1")
	if roomID == "" {
		t.Fatal("create group failed")
	}

	created := mustEvent(t, alice.Events, EventGroupCreated)
	if created.Room != roomID || created.Name != "jazz" || created.User != "alice" {
		t.Fatalf("unexpected groupCreated: %+v", created)
	}

	env.svc.UsersInGroup(ctx, alice, roomID)
	listing := mustEvent(t, alice.Events, EventUsersInGroup)
	if len(listing.Users) != 1 || listing.Users[0] != "alice" {
		t.Fatalf("creator should be sole member, got %v", listing.Users)
	}

	admins, err := env.dir.Admins(ctx, roomID)
	if err != nil || len(admins) != 1 || admins[0] != "alice" {
		t.Fatalf("creator should be sole admin, got %v (%v)", admins, err)
	}

	env.svc.UsersOnStage(ctx, alice, roomID)
	stage := mustEvent(t, alice.Events, EventUsersOnStage)
	if len(stage.Users) != 0 {
		t.Fatalf("stage should start empty, got %v", stage.Users)
	}
}

func TestJoinGroupMissingAndFull(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, Limits{MaxMembers: 2, MaxSpeakers: 2})

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "tiny", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	ghost := env.connect("ghost")
	env.svc.JoinGroup(ctx, ghost, "no-such-room")
	notFound := mustEvent(t, ghost.Events, EventGroupNotFound)
	if notFound.Room != "no-such-room" {
		t.Fatalf("unexpected groupNotFound: %+v", notFound)
	}

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	carol := env.connect("carol")
	env.svc.JoinGroup(ctx, carol, roomID)
	full := mustEvent(t, carol.Events, EventGroupFull)
	if full.Room != roomID {
		t.Fatalf("unexpected groupFull: %+v", full)
	}

	members, _ := env.dir.Members(ctx, roomID)
	if len(members) != 2 {
		t.Fatalf("ceiling breached: %v", members)
	}
}

func TestLeaveGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "general", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	env.svc.LeaveGroup(ctx, bob, roomID)
	left := mustEvent(t, alice.Events, EventUserLeft)
	if left.User != "bob" {
		t.Fatalf("unexpected userLeft: %+v", left)
	}

	// A second leave is a no-op, not an error.
	env.svc.LeaveGroup(ctx, bob, roomID)
	mustNoEvent(t, bob.Events, EventError, 150*time.Millisecond)

	members, _ := env.dir.Members(ctx, roomID)
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("bob should stay removed, got %v", members)
	}
}

func TestTalkRequestAndApprovalFlow(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "talks", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	env.svc.RequestToTalk(ctx, bob, roomID)
	req := mustEvent(t, alice.Events, EventUserRequestedToTalk)
	if req.User != "bob" || req.Room != roomID {
		t.Fatalf("unexpected talk request: %+v", req)
	}

	// Non-admin approval is rejected, caller only.
	env.svc.ApproveTalkRequest(ctx, bob, roomID, "bob")
	mustEvent(t, bob.Events, EventNotAuthorized)
	stage, _ := env.dir.Stage(ctx, roomID)
	if len(stage) != 0 {
		t.Fatalf("denied approval must not stage anyone: %v", stage)
	}

	env.svc.ApproveTalkRequest(ctx, alice, roomID, "bob")
	approved := mustEvent(t, bob.Events, EventUserApprovedToTalk)
	if approved.User != "bob" {
		t.Fatalf("unexpected approval: %+v", approved)
	}

	stage, _ = env.dir.Stage(ctx, roomID)
	if len(stage) != 1 || stage[0] != "bob" {
		t.Fatalf("bob should be on stage, got %v", stage)
	}
	state, err := env.dir.SpeakingState(ctx, roomID, "bob")
	if err != nil || !state.CanTalk {
		t.Fatalf("approved user should hold talk rights: %+v (%v)", state, err)
	}

	// Requesting to talk from outside the room is rejected.
	outsider := env.connect("eve")
	env.svc.RequestToTalk(ctx, outsider, roomID)
	ev := mustEvent(t, outsider.Events, EventError)
	if ev.Error.Code != ErrCodeNotMember {
		t.Fatalf("expected not_member, got %+v", ev.Error)
	}
}

func TestRemoveFromStageKeepsMember(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "talks", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	env.svc.ApproveTalkRequest(ctx, alice, roomID, "bob")
	mustEvent(t, bob.Events, EventUserApprovedToTalk)

	env.svc.RemoveFromStage(ctx, alice, roomID, "bob")
	removed := mustEvent(t, bob.Events, EventUserRemovedFromStage)
	if removed.User != "bob" {
		t.Fatalf("unexpected removal: %+v", removed)
	}

	stage, _ := env.dir.Stage(ctx, roomID)
	if len(stage) != 0 {
		t.Fatalf("stage should be empty, got %v", stage)
	}
	members, _ := env.dir.Members(ctx, roomID)
	if len(members) != 2 {
		t.Fatalf("bob should remain a member, got %v", members)
	}

	// Non-admins cannot remove speakers.
	env.svc.RemoveFromStage(ctx, bob, roomID, "alice")
	mustEvent(t, bob.Events, EventNotAuthorized)
}

func TestAdminMuteOnlyAdminClears(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "muting", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	env.svc.MuteUser(ctx, alice, roomID, "bob", true)
	muted := mustEvent(t, bob.Events, EventUserMuted)
	if muted.User != "bob" {
		t.Fatalf("unexpected mute: %+v", muted)
	}

	// Bob cannot self-clear an admin mute.
	env.svc.UnmuteUser(ctx, bob, roomID, "bob")
	mustEvent(t, bob.Events, EventNotAuthorized)
	state, _ := env.dir.SpeakingState(ctx, roomID, "bob")
	if !state.Muted || !state.MutedByAdmin {
		t.Fatalf("mute must persist, got %+v", state)
	}

	env.svc.UnmuteUser(ctx, alice, roomID, "bob")
	unmuted := mustEvent(t, bob.Events, EventUserUnmuted)
	if unmuted.User != "bob" {
		t.Fatalf("unexpected unmute: %+v", unmuted)
	}
	state, _ = env.dir.SpeakingState(ctx, roomID, "bob")
	if state.Muted || state.MutedByAdmin {
		t.Fatalf("mute should be cleared, got %+v", state)
	}
}

func TestSelfMuteAndClear(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "muting", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	env.svc.MuteUser(ctx, bob, roomID, "bob", false)
	mustEvent(t, bob.Events, EventUserMuted)

	env.svc.UnmuteUser(ctx, bob, roomID, "bob")
	mustEvent(t, bob.Events, EventUserUnmuted)

	// A non-admin muting someone else is rejected.
	env.svc.MuteUser(ctx, bob, roomID, "alice", false)
	mustEvent(t, bob.Events, EventNotAuthorized)
}

func TestSendMessageGatedOnTalkRights(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())
	waitForSubscriber(t, mr)

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "chat", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	// Fresh members cannot talk; nothing is broadcast.
	env.svc.SendMessage(ctx, bob, roomID, "hello?")
	rejected := mustEvent(t, bob.Events, EventError)
	if rejected.Error.Code != ErrCodeCannotTalk {
		t.Fatalf("expected cannot_talk, got %+v", rejected.Error)
	}
	mustNoEvent(t, alice.Events, EventMessageReceived, 150*time.Millisecond)

	env.svc.ApproveTalkRequest(ctx, alice, roomID, "bob")
	mustEvent(t, bob.Events, EventUserApprovedToTalk)

	env.svc.SendMessage(ctx, bob, roomID, "hello!")
	got := mustEvent(t, alice.Events, EventMessageReceived)
	if got.Message.UserID != "bob" || got.Message.Content != "hello!" {
		t.Fatalf("unexpected message: %+v", got.Message)
	}
}

func TestCrossInstanceFanout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	envA := newTestEnv(t, mr, defaultLimits())
	envB := newTestEnv(t, mr, defaultLimits())

	alice := envA.connect("alice")
	roomID := envA.svc.CreateGroup(ctx, alice, "global", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)
	envA.svc.ApproveTalkRequest(ctx, alice, roomID, "alice")
	mustEvent(t, alice.Events, EventUserApprovedToTalk)

	// Bob is connected to a different instance.
	bob := envB.connect("bob")
	envB.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	// Resend until the second instance's subscription is live; pub/sub has
	// no delivery guarantee before that point.
	var got *Event
	deadline := time.Now().Add(2 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		envA.svc.SendMessage(ctx, alice, roomID, "hello across instances")
		select {
		case ev := <-bob.Events:
			if ev.Kind == EventMessageReceived {
				got = ev
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got == nil {
		t.Fatal("cross-instance comment never delivered")
	}
	if got.Message.UserID != "alice" || got.Message.Content != "hello across instances" {
		t.Fatalf("unexpected cross-instance message: %+v", got.Message)
	}
}

func TestCrossInstanceRoomNotifications(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	envA := newTestEnv(t, mr, defaultLimits())
	envB := newTestEnv(t, mr, defaultLimits())

	// Admin alice is connected to instance A, requester bob to instance B.
	alice := envA.connect("alice")
	roomID := envA.svc.CreateGroup(ctx, alice, "split", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := envB.connect("bob")
	envB.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	// Re-request until instance A's subscription is live, then the admin
	// must see the talk request despite never sharing a process with bob.
	var request *Event
	deadline := time.Now().Add(2 * time.Second)
	for request == nil && time.Now().Before(deadline) {
		envB.svc.RequestToTalk(ctx, bob, roomID)
		select {
		case ev := <-alice.Events:
			if ev.Kind == EventUserRequestedToTalk {
				request = ev
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if request == nil {
		t.Fatal("talk request never reached the admin's instance")
	}
	if request.User != "bob" || request.Room != roomID {
		t.Fatalf("unexpected talk request: %+v", request)
	}

	// The approval crosses back to the requester's instance.
	var approval *Event
	deadline = time.Now().Add(2 * time.Second)
	for approval == nil && time.Now().Before(deadline) {
		envA.svc.ApproveTalkRequest(ctx, alice, roomID, "bob")
		select {
		case ev := <-bob.Events:
			if ev.Kind == EventUserApprovedToTalk {
				approval = ev
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if approval == nil {
		t.Fatal("approval never reached the requester's instance")
	}
	if approval.User != "bob" {
		t.Fatalf("unexpected approval: %+v", approval)
	}
}

func TestDisconnectRemovesFromAllRooms(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	r1 := env.svc.CreateGroup(ctx, alice, "one", "", "", "", "")
	r2 := env.svc.CreateGroup(ctx, alice, "two", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, r1)
	env.svc.JoinGroup(ctx, bob, r2)

	env.svc.Disconnect(ctx, bob)

	for _, roomID := range []string{r1, r2} {
		members, err := env.dir.Members(ctx, roomID)
		if err != nil {
			t.Fatalf("members %s: %v", roomID, err)
		}
		for _, m := range members {
			if m == "bob" {
				t.Fatalf("bob still present in %s: %v", roomID, members)
			}
		}
	}

	rooms, _ := env.dir.RoomsOf(ctx, "bob")
	if len(rooms) != 0 {
		t.Fatalf("joined-rooms index not cleared: %v", rooms)
	}

	// Both rooms announce the departure to remaining members.
	left := mustEvent(t, alice.Events, EventUserLeft)
	if left.User != "bob" {
		t.Fatalf("unexpected userLeft: %+v", left)
	}
	mustEvent(t, alice.Events, EventUserLeft)
}

func TestStageCeilingSurfacedToAdmin(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, Limits{MaxMembers: 10, MaxSpeakers: 1})

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "solo", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	env.svc.ApproveTalkRequest(ctx, alice, roomID, "alice")
	mustEvent(t, alice.Events, EventUserApprovedToTalk)

	env.svc.ApproveTalkRequest(ctx, alice, roomID, "bob")
	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error.Code != ErrCodeStageFull {
		t.Fatalf("expected stage_full, got %+v", ev.Error)
	}
}

func TestSignalRelayLocalOnly(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	env := newTestEnv(t, mr, defaultLimits())

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "rtc", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	bob := env.connect("bob")
	env.svc.JoinGroup(ctx, bob, roomID)
	mustEvent(t, bob.Events, EventUserJoined)

	payload := []byte(`{"sdp":"v=0"}`)
	env.svc.Relay(alice, EventSignalOffer, roomID, payload)

	offer := mustEvent(t, bob.Events, EventSignalOffer)
	if string(offer.Payload) != string(payload) || offer.User != "alice" {
		t.Fatalf("unexpected relayed offer: %+v", offer)
	}
	// The sender never hears their own payload back.
	mustNoEvent(t, alice.Events, EventSignalOffer, 150*time.Millisecond)
}

func TestConcurrentJoinsRespectCeiling(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	const ceiling = 10
	env := newTestEnv(t, mr, Limits{MaxMembers: ceiling, MaxSpeakers: 3})

	alice := env.connect("alice")
	roomID := env.svc.CreateGroup(ctx, alice, "rush", "", "", "", "")
	mustEvent(t, alice.Events, EventGroupCreated)

	const joiners = 25
	done := make(chan *Client, joiners)
	for i := 0; i < joiners; i++ {
		go func(i int) {
			c := env.connect(fmt.Sprintf("user-%d", i))
			env.svc.JoinGroup(ctx, c, roomID)
			done <- c
		}(i)
	}

	var joined, rejected int
	for i := 0; i < joiners; i++ {
		c := <-done
		deadline := time.Now().Add(2 * time.Second)
	scan:
		for time.Now().Before(deadline) {
			select {
			case ev := <-c.Events:
				switch ev.Kind {
				case EventGroupFull:
					rejected++
					break scan
				case EventUserJoined:
					if ev.User == c.UserID {
						joined++
						break scan
					}
				}
			default:
				time.Sleep(5 * time.Millisecond)
			}
		}
	}

	if joined != ceiling-1 {
		t.Fatalf("expected %d joins, got joined=%d rejected=%d", ceiling-1, joined, rejected)
	}
	members, _ := env.dir.Members(ctx, roomID)
	if len(members) != ceiling {
		t.Fatalf("ceiling breached: %d members", len(members))
	}
}
