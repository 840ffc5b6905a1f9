package admin_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/livechat/internal/admin"
	"github.com/livechat/internal/api"
	"github.com/livechat/internal/auth"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
	"github.com/livechat/internal/storage/memory"
	"github.com/livechat/internal/transport"
	"github.com/livechat/internal/transport/transporttest"
)

var goodCred = auth.Basic("admin", "secret")

type fakeBackend struct {
	mu       sync.Mutex
	valid    string
	pingErr  error
	revoked  bool
	rooms    []model.Room
	history  map[string][]model.Message
	calls    map[string]int
	gate     chan struct{}
	replies  []api.Reply
	replyErr error
}

func newBackend() *fakeBackend {
	return &fakeBackend{valid: goodCred, history: map[string][]model.Message{}, calls: map[string]int{}}
}

func (b *fakeBackend) authorized(cred string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.revoked && cred == b.valid
}

func (b *fakeBackend) AdminPing(ctx context.Context, cred string) (bool, error) {
	b.mu.Lock()
	err := b.pingErr
	b.mu.Unlock()
	if err != nil {
		return false, err
	}
	return b.authorized(cred), nil
}

func (b *fakeBackend) ListRooms(ctx context.Context, cred string) ([]model.Room, error) {
	if !b.authorized(cred) {
		return nil, api.ErrUnauthorized
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Room(nil), b.rooms...), nil
}

func (b *fakeBackend) RoomHistory(ctx context.Context, cred, roomID string) ([]model.Message, error) {
	b.mu.Lock()
	b.calls[roomID]++
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !b.authorized(cred) {
		return nil, api.ErrUnauthorized
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Message(nil), b.history[roomID]...), nil
}

func (b *fakeBackend) SendReply(ctx context.Context, cred, roomID string, r api.Reply) error {
	if !b.authorized(cred) {
		return api.ErrUnauthorized
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, r)
	return b.replyErr
}

func (b *fakeBackend) historyCalls(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[roomID]
}

type harness struct {
	ctl     *admin.Controller
	backend *fakeBackend
	dialer  *transporttest.Dialer
	mem     *memory.Client
	creds   *auth.Cache
}

func newHarness(t *testing.T, mem *memory.Client, backend *fakeBackend) *harness {
	t.Helper()
	if mem == nil {
		mem = memory.New()
	}
	if backend == nil {
		backend = newBackend()
	}
	h := &harness{
		backend: backend,
		dialer:  &transporttest.Dialer{},
		mem:     mem,
		creds:   auth.NewCache(mem, auth.DefaultKey, 0),
	}
	h.ctl = admin.New(admin.Deps{
		Dialer:      h.dialer,
		Backend:     backend,
		Persist:     persist.New(mem, "admin_livechat_cache_v2"),
		Credentials: h.creds,
	})
	t.Cleanup(h.ctl.Close)
	return h
}

// login logs in and brings the live session up.
func (h *harness) login(t *testing.T) *transporttest.Conn {
	t.Helper()
	if err := h.ctl.Login(context.Background(), "admin", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	conn := h.dialer.Last()
	if got := conn.Options().Authorization; got != goodCred {
		t.Fatalf("transport Authorization = %q", got)
	}
	conn.Connect()
	return conn
}

func texts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestLoginBootstrapsRooms(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1", Name: "Ana", LastActivity: 10}, {ID: "r2", Name: "Bo", LastActivity: 20}}
	b.history["r1"] = []model.Message{{ID: "m1", From: model.RoleVisitor, Text: "hello", TS: 10}}
	h := newHarness(t, nil, b)
	conn := h.login(t)
	h.ctl.Flush()

	if !h.ctl.LoggedIn() || !h.ctl.Connected() || h.ctl.Status() != admin.StatusConnected {
		t.Fatalf("loggedIn=%v connected=%v status=%q", h.ctl.LoggedIn(), h.ctl.Connected(), h.ctl.Status())
	}
	for _, topic := range []string{transport.TopicJoin, transport.RoomTopic("r1"), transport.RoomTopic("r2")} {
		if !conn.Subscribed(topic) {
			t.Errorf("%s not subscribed", topic)
		}
	}
	rooms := h.ctl.Rooms()
	if len(rooms) != 2 || rooms[0].ID != "r2" {
		t.Fatalf("rooms = %+v", rooms)
	}
	if h.ctl.Active() != "r2" {
		t.Fatalf("Active = %q", h.ctl.Active())
	}
	if got := texts(h.ctl.History("r1")); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("r1 history = %v", got)
	}
	if b.historyCalls("r1") != 1 || b.historyCalls("r2") != 1 {
		t.Fatalf("history calls r1=%d r2=%d", b.historyCalls("r1"), b.historyCalls("r2"))
	}
	if cred, ok := h.creds.Load(context.Background()); !ok || cred != goodCred {
		t.Fatalf("cached credential = %q, %v", cred, ok)
	}
}

func TestLoginRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.ctl.Login(context.Background(), "admin", "wrong")
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("Login = %v", err)
	}
	if h.ctl.LoggedIn() || h.dialer.Count() != 0 {
		t.Fatal("session started with a rejected credential")
	}
	if _, ok := h.creds.Load(context.Background()); ok {
		t.Fatal("rejected credential cached")
	}
}

func TestJoinAnnouncementsDiscoverRooms(t *testing.T) {
	b := newBackend()
	h := newHarness(t, nil, b)
	conn := h.login(t)

	conn.Deliver(transport.TopicJoin, model.JoinNotice{RoomID: "r9", Name: "Ana", Email: "a@x.com"})
	conn.Presence(model.Envelope{Type: model.KindJoin, RoomID: "r10", Name: "Bo"})
	h.ctl.Flush()

	for _, id := range []string{"r9", "r10"} {
		if !conn.Subscribed(transport.RoomTopic(id)) || !h.ctl.Following(id) {
			t.Errorf("room %s not followed", id)
		}
		if b.historyCalls(id) != 1 {
			t.Errorf("history calls %s = %d", id, b.historyCalls(id))
		}
	}
	var found bool
	for _, r := range h.ctl.Rooms() {
		if r.ID == "r9" {
			found = r.Name == "Ana" && r.Email == "a@x.com"
		}
	}
	if !found {
		t.Fatalf("r9 metadata missing: %+v", h.ctl.Rooms())
	}

	// Repeated announcement is idempotent.
	conn.Deliver(transport.TopicJoin, model.JoinNotice{RoomID: "r9", Name: "Ana", Email: "a@x.com"})
	h.ctl.Flush()
	if len(h.ctl.Rooms()) != 2 || b.historyCalls("r9") != 1 {
		t.Fatalf("rooms=%d calls=%d", len(h.ctl.Rooms()), b.historyCalls("r9"))
	}
}

func TestMessageBeforeJoinArrivesOnce(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1"}}
	hello := model.Message{ID: "v1", RoomID: "r1", From: model.RoleVisitor, Name: "Ana", Email: "a@x.com", Text: "hello", TS: 5, Type: model.KindMessage}
	b.history["r1"] = []model.Message{hello}
	b.gate = make(chan struct{})
	h := newHarness(t, nil, b)
	conn := h.login(t)

	// Live message lands first, then the join notice, then the history fetch completes.
	conn.Deliver(transport.RoomTopic("r1"), hello)
	conn.Deliver(transport.TopicJoin, model.JoinNotice{RoomID: "r1", Name: "Ana", Email: "a@x.com"})
	close(b.gate)
	h.ctl.Flush()

	if got := texts(h.ctl.History("r1")); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("history = %v", got)
	}
	if b.historyCalls("r1") != 1 {
		t.Fatalf("history fetched %d times while in flight", b.historyCalls("r1"))
	}
	rooms := h.ctl.Rooms()
	if rooms[0].Name != "Ana" || rooms[0].Email != "a@x.com" {
		t.Fatalf("room = %+v", rooms[0])
	}
}

func TestHistoryLatchKeepsLiveAppends(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1"}}
	b.history["r1"] = []model.Message{{ID: "m1", From: model.RoleVisitor, Text: "old"}}
	h := newHarness(t, nil, b)
	conn := h.login(t)
	h.ctl.Flush()

	conn.Deliver(transport.RoomTopic("r1"), model.Message{ID: "m2", From: model.RoleVisitor, Text: "live"})
	b.mu.Lock()
	b.history["r1"] = []model.Message{{ID: "stale", Text: "stale"}}
	b.mu.Unlock()

	if err := h.ctl.RefreshRooms(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.Select("r1"); err != nil {
		t.Fatal(err)
	}
	h.ctl.Flush()

	if got := texts(h.ctl.History("r1")); len(got) != 2 || got[0] != "old" || got[1] != "live" {
		t.Fatalf("history = %v", got)
	}
	if b.historyCalls("r1") != 1 {
		t.Fatalf("history calls = %d", b.historyCalls("r1"))
	}
}

func TestReplyEchoIsDropped(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1"}}
	h := newHarness(t, nil, b)
	conn := h.login(t)
	h.ctl.Flush()

	m, err := h.ctl.Reply(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(b.replies) != 1 || b.replies[0].ID != m.ID || b.replies[0].Text != "hi" {
		t.Fatalf("REST replies = %+v", b.replies)
	}
	if n := len(conn.Published("")); n != 0 {
		t.Fatalf("reply went over the live channel: %d publications", n)
	}

	conn.Deliver(transport.RoomTopic("r1"), model.Message{ID: m.ID, RoomID: "r1", From: model.RoleAdmin, Text: "hi", TS: m.TS})
	var his int
	for _, x := range h.ctl.History("r1") {
		if x.Text == "hi" {
			his++
		}
	}
	if his != 1 {
		t.Fatalf("history holds %d copies of the reply", his)
	}
}

func TestReplyFailureKeepsOptimisticCopy(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1"}}
	b.replyErr = &api.StatusError{Endpoint: "admin.rooms.send", Code: 500}
	h := newHarness(t, nil, b)
	h.login(t)
	h.ctl.Flush()

	if _, err := h.ctl.Reply(context.Background(), "hi"); err == nil {
		t.Fatal("Reply succeeded")
	}
	if h.ctl.Status() != admin.StatusReplyFailed || !h.ctl.LoggedIn() {
		t.Fatalf("status=%q loggedIn=%v", h.ctl.Status(), h.ctl.LoggedIn())
	}
	if len(h.ctl.History("r1")) != 1 {
		t.Fatal("optimistic reply removed")
	}
}

func TestUnauthorizedForcesLogoutKeepsData(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1", Name: "Ana"}}
	b.history["r1"] = []model.Message{{ID: "m1", Text: "hello", From: model.RoleVisitor}}
	h := newHarness(t, nil, b)
	conn := h.login(t)
	h.ctl.Flush()

	b.mu.Lock()
	b.revoked = true
	b.mu.Unlock()
	_, err := h.ctl.Reply(context.Background(), "hi")
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("Reply = %v", err)
	}
	h.ctl.Flush()

	if h.ctl.LoggedIn() || h.ctl.Status() != admin.StatusExpired {
		t.Fatalf("loggedIn=%v status=%q", h.ctl.LoggedIn(), h.ctl.Status())
	}
	if !conn.Closed() {
		t.Fatal("live channel still open")
	}
	if _, ok := h.creds.Load(context.Background()); ok {
		t.Fatal("credential not discarded")
	}
	if len(h.ctl.Rooms()) != 1 || len(h.ctl.History("r1")) != 2 {
		t.Fatalf("cached data lost: rooms=%v history=%v", h.ctl.Rooms(), texts(h.ctl.History("r1")))
	}
	if _, err := h.ctl.Reply(context.Background(), "again"); !errors.Is(err, admin.ErrNotLoggedIn) {
		t.Fatalf("Reply after logout = %v", err)
	}
}

func TestRestoreRevalidatesCredential(t *testing.T) {
	mem := memory.New()
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1", Name: "Ana", LastActivity: 1}}
	first := newHarness(t, mem, b)
	first.login(t)
	first.ctl.Flush()
	first.ctl.Close()

	// Valid cached credential: session resumes.
	second := newHarness(t, mem, b)
	if err := second.ctl.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !second.ctl.LoggedIn() || second.dialer.Count() != 1 {
		t.Fatalf("loggedIn=%v dials=%d", second.ctl.LoggedIn(), second.dialer.Count())
	}
	second.ctl.Close()

	// Credential revoked meanwhile: discarded, cached rooms still shown.
	b.mu.Lock()
	b.revoked = true
	b.mu.Unlock()
	third := newHarness(t, mem, b)
	if err := third.ctl.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if third.ctl.LoggedIn() || third.dialer.Count() != 0 || third.ctl.Status() != admin.StatusExpired {
		t.Fatalf("loggedIn=%v dials=%d status=%q", third.ctl.LoggedIn(), third.dialer.Count(), third.ctl.Status())
	}
	if _, ok := third.creds.Load(context.Background()); ok {
		t.Fatal("invalid credential kept")
	}
	if rooms := third.ctl.Rooms(); len(rooms) != 1 || rooms[0].Name != "Ana" {
		t.Fatalf("cached rooms = %+v", rooms)
	}
}

func TestRestoreUnreachableKeepsCredential(t *testing.T) {
	mem := memory.New()
	b := newBackend()
	b.pingErr = errors.New("connection refused")
	h := newHarness(t, mem, b)
	_ = h.creds.Save(context.Background(), goodCred)

	if err := h.ctl.Restore(context.Background()); err == nil {
		t.Fatal("Restore succeeded against an unreachable backend")
	}
	if h.ctl.LoggedIn() || h.ctl.Status() != admin.StatusUnreachable {
		t.Fatalf("loggedIn=%v status=%q", h.ctl.LoggedIn(), h.ctl.Status())
	}
	if _, ok := h.creds.Load(context.Background()); !ok {
		t.Fatal("credential dropped on a network failure")
	}
}

func TestReconnectReplaysRoomsOfInterest(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1"}}
	h := newHarness(t, nil, b)
	conn := h.login(t)
	if err := h.ctl.Watch("manual"); err != nil {
		t.Fatal(err)
	}
	h.ctl.Flush()

	conn.Drop(errors.New("network"))
	if h.ctl.Status() != admin.StatusReconnecting || conn.Subscribed(transport.RoomTopic("r1")) {
		t.Fatalf("status=%q", h.ctl.Status())
	}
	conn.Connect()
	for _, topic := range []string{transport.TopicJoin, transport.RoomTopic("r1"), transport.RoomTopic("manual")} {
		if !conn.Subscribed(topic) {
			t.Errorf("%s not replayed", topic)
		}
	}
	h.ctl.Flush()
	if b.historyCalls("r1") != 1 || b.historyCalls("manual") != 1 {
		t.Fatalf("history refetched on reconnect: r1=%d manual=%d", b.historyCalls("r1"), b.historyCalls("manual"))
	}
}

func TestSelectAndWatch(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1", LastActivity: 1}, {ID: "r2", LastActivity: 2}}
	h := newHarness(t, nil, b)
	conn := h.login(t)
	h.ctl.Flush()
	conn.Deliver(transport.RoomTopic("r1"), model.Message{ID: "x", From: model.RoleVisitor, Text: "in r1"})

	if err := h.ctl.Select("nope"); !errors.Is(err, admin.ErrUnknownRoom) {
		t.Fatalf("Select unknown = %v", err)
	}
	if err := h.ctl.Select("r2"); err != nil || h.ctl.Active() != "r2" {
		t.Fatalf("Select r2 = %v, active %q", err, h.ctl.Active())
	}
	if len(h.ctl.History("r1")) != 1 {
		t.Fatal("switching rooms cleared another room")
	}
	if err := h.ctl.Watch(" r7 "); err != nil || h.ctl.Active() != "r7" || !conn.Subscribed(transport.RoomTopic("r7")) {
		t.Fatalf("Watch = %v, active %q", err, h.ctl.Active())
	}
}

func TestStatePersistsAcrossControllers(t *testing.T) {
	mem := memory.New()
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1", Name: "Ana", LastActivity: 3}}
	h := newHarness(t, mem, b)
	conn := h.login(t)
	h.ctl.Flush()
	conn.Deliver(transport.RoomTopic("r1"), model.Message{ID: "m1", From: model.RoleVisitor, Text: "hello", TS: 4})
	_ = h.ctl.Select("r1")
	h.ctl.Logout()
	h.ctl.Close()

	again := newHarness(t, mem, b)
	if again.ctl.Active() != "r1" || len(again.ctl.Rooms()) != 1 {
		t.Fatalf("active=%q rooms=%+v", again.ctl.Active(), again.ctl.Rooms())
	}
	if got := texts(again.ctl.History("r1")); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("history = %v", got)
	}
	if again.ctl.LoggedIn() {
		t.Fatal("logged in without a credential")
	}
	again.login(t).Deliver(transport.RoomTopic("r1"), model.Message{ID: "m1", From: model.RoleVisitor, Text: "hello", TS: 4})
	again.ctl.Flush()
	if n := len(again.ctl.History("r1")); n != 1 {
		t.Fatalf("restored message duplicated: %d", n)
	}
}

func TestJoinActivatesFirstRoomWhenNoneSelected(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn := h.login(t)
	h.ctl.Flush()
	if h.ctl.Active() != "" {
		t.Fatalf("active before any room = %q", h.ctl.Active())
	}

	conn.Deliver(transport.TopicJoin, model.JoinNotice{RoomID: "r1", Name: "Ana"})
	conn.Deliver(transport.TopicJoin, model.JoinNotice{RoomID: "r2", Name: "Bo"})
	h.ctl.Flush()
	if h.ctl.Active() != "r1" {
		t.Fatalf("Active = %q, want the first discovered room", h.ctl.Active())
	}
}

func TestStaleConnectionCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	first := h.login(t)
	h.ctl.Flush()

	if err := h.ctl.Login(context.Background(), "admin", "secret"); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	second := h.dialer.Last()
	if second == first || !first.Closed() {
		t.Fatal("re-login did not replace the connection")
	}

	// The reaped connection reports in late.
	first.Options().OnConnected(first)
	if h.ctl.Status() != admin.StatusConnecting {
		t.Fatalf("status after stale connect = %q", h.ctl.Status())
	}

	second.Connect()
	if !h.ctl.Connected() || h.ctl.Status() != admin.StatusConnected {
		t.Fatalf("connected=%v status=%q", h.ctl.Connected(), h.ctl.Status())
	}
	first.Options().OnDisconnected(errors.New("reaped"))
	if !h.ctl.Connected() || h.ctl.Status() != admin.StatusConnected {
		t.Fatalf("stale disconnect changed state: status=%q", h.ctl.Status())
	}
}

func TestCloseReleasesRoomsAndSilencesCallbacks(t *testing.T) {
	b := newBackend()
	b.rooms = []model.Room{{ID: "r1", LastActivity: 1}, {ID: "r2", LastActivity: 2}}
	mem := memory.New()
	dialer := &transporttest.Dialer{}
	var mu sync.Mutex
	changes := 0
	ctl := admin.New(admin.Deps{
		Dialer:      dialer,
		Backend:     b,
		Persist:     persist.New(mem, "admin_livechat_cache_v2"),
		Credentials: auth.NewCache(mem, auth.DefaultKey, 0),
		OnChange: func() {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	if err := ctl.Login(context.Background(), "admin", "secret"); err != nil {
		t.Fatal(err)
	}
	conn := dialer.Last()
	conn.Connect()
	ctl.Flush()
	conn.Deliver(transport.RoomTopic("r1"), model.Message{ID: "a", From: model.RoleVisitor, Text: "one"})
	conn.Deliver(transport.RoomTopic("r2"), model.Message{ID: "b", From: model.RoleVisitor, Text: "two"})

	ctl.Close()
	for _, topic := range []string{transport.RoomTopic("r1"), transport.RoomTopic("r2")} {
		if conn.Subscribed(topic) {
			t.Errorf("%s still subscribed after Close", topic)
		}
	}
	if !conn.Closed() {
		t.Fatal("connection left open")
	}

	mu.Lock()
	before := changes
	mu.Unlock()
	conn.Deliver(transport.RoomTopic("r1"), model.Message{ID: "c", From: model.RoleVisitor, Text: "late"})
	conn.Deliver(transport.RoomTopic("r2"), model.Message{ID: "d", From: model.RoleVisitor, Text: "late"})
	conn.Options().OnConnected(conn)
	conn.Options().OnPresence(model.Envelope{Type: model.KindStatus, Status: model.StatusAdminOnline})
	conn.Options().OnDisconnected(errors.New("late"))

	mu.Lock()
	after := changes
	mu.Unlock()
	if after != before {
		t.Fatalf("OnChange fired %d times after Close", after-before)
	}
	if got := texts(ctl.History("r1")); len(got) != 1 || got[0] != "one" {
		t.Fatalf("r1 history = %v", got)
	}
	if got := texts(ctl.History("r2")); len(got) != 1 || got[0] != "two" {
		t.Fatalf("r2 history = %v", got)
	}
}
