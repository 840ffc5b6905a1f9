package visitor_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/livechat/internal/chime"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
	"github.com/livechat/internal/storage/memory"
	"github.com/livechat/internal/transport"
	"github.com/livechat/internal/transport/transporttest"
	"github.com/livechat/internal/visitor"
)

type harness struct {
	ctl    *visitor.Controller
	dialer *transporttest.Dialer
	mem    *memory.Client
	layer  *persist.Layer
	chimes *atomic.Int32
}

func newHarness(t *testing.T, mem *memory.Client) *harness {
	t.Helper()
	if mem == nil {
		mem = memory.New()
	}
	h := &harness{
		dialer: &transporttest.Dialer{},
		mem:    mem,
		layer:  persist.New(mem, "live_chat_state_v1"),
		chimes: new(atomic.Int32),
	}
	h.ctl = visitor.New(visitor.Deps{
		Dialer:  h.dialer,
		Persist: h.layer,
		Chime:   chime.Func(func() error { h.chimes.Add(1); return nil }),
	})
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Conn {
	t.Helper()
	h.ctl.Connect(context.Background())
	conn := h.dialer.Last()
	conn.Connect()
	return conn
}

func TestNewGeneratesAndPersistsRoom(t *testing.T) {
	h := newHarness(t, nil)
	id := h.ctl.RoomID()
	if !strings.HasPrefix(id, "room_") {
		t.Fatalf("RoomID = %q", id)
	}
	st, ok := h.layer.LoadVisitor(context.Background())
	if !ok || st.RoomID != id || st.Started {
		t.Fatalf("persisted = %+v, %v", st, ok)
	}
}

func TestStartRequiresIdentity(t *testing.T) {
	h := newHarness(t, nil)
	for _, in := range [][2]string{{"", "a@x.com"}, {"Ana", "  "}} {
		if err := h.ctl.Start(in[0], in[1]); !errors.Is(err, visitor.ErrMissingIdentity) {
			t.Fatalf("Start(%q,%q) = %v", in[0], in[1], err)
		}
	}
	if _, err := h.ctl.Send("hello"); !errors.Is(err, visitor.ErrNotStarted) {
		t.Fatalf("Send before start = %v", err)
	}
}

func TestStartSendAndEchoDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	room := h.ctl.RoomID()

	if !conn.Subscribed(transport.RoomTopic(room)) {
		t.Fatal("room topic not subscribed on connect")
	}
	if n := len(conn.Published(transport.DestPresencePing)); n != 1 {
		t.Fatalf("presence pings = %d, want 1", n)
	}
	if n := len(conn.Published(transport.DestJoin)); n != 0 {
		t.Fatalf("join published before start: %d", n)
	}

	if err := h.ctl.Start(" Ana ", "a@x.com"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	joins := conn.Published(transport.DestJoin)
	if len(joins) != 1 {
		t.Fatalf("joins = %d, want 1", len(joins))
	}
	var j model.JoinNotice
	if err := joins[0].Decode(&j); err != nil || j != (model.JoinNotice{RoomID: room, Name: "Ana", Email: "a@x.com"}) {
		t.Fatalf("join = %+v, %v", j, err)
	}

	m, err := h.ctl.Send("hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sends := conn.Published(transport.DestVisitorSend)
	if len(sends) != 1 {
		t.Fatalf("sends = %d", len(sends))
	}
	var wire model.Message
	_ = sends[0].Decode(&wire)
	if wire.ID != m.ID || wire.Text != "hello" || wire.From != model.RoleVisitor || wire.RoomID != room || wire.Type != model.KindMessage {
		t.Fatalf("wire message = %+v", wire)
	}

	// Server echo of the optimistic send.
	conn.Deliver(transport.RoomTopic(room), wire)
	if got := h.ctl.Messages(); len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("history after echo = %+v", got)
	}
	if h.chimes.Load() != 0 {
		t.Fatal("own message chimed")
	}
}

func TestAdminMessageChimes(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	topic := transport.RoomTopic(h.ctl.RoomID())

	conn.Deliver(topic, model.Message{ID: "a1", From: model.RoleAdmin, Text: "hi there"})
	conn.Deliver(topic, model.Message{ID: "a1", From: model.RoleAdmin, Text: "hi there"})
	if got := h.ctl.Messages(); len(got) != 1 || got[0].Type != model.KindMessage {
		t.Fatalf("history = %+v", got)
	}
	if n := h.chimes.Load(); n != 1 {
		t.Fatalf("chimes = %d, want 1", n)
	}
}

func TestFailingChimeDoesNotBlockDelivery(t *testing.T) {
	dialer := &transporttest.Dialer{}
	ctl := visitor.New(visitor.Deps{
		Dialer:  dialer,
		Persist: persist.New(memory.New(), "k"),
		Chime:   chime.Func(func() error { panic("autoplay blocked") }),
	})
	t.Cleanup(ctl.Close)
	ctl.Connect(context.Background())
	conn := dialer.Last()
	conn.Connect()

	conn.Deliver(transport.RoomTopic(ctl.RoomID()), model.Message{ID: "a1", From: model.RoleAdmin, Text: "hi"})
	if len(ctl.Messages()) != 1 {
		t.Fatalf("message lost when chime panicked: %+v", ctl.Messages())
	}
}

func TestPresenceFoldsOfflineIntoAway(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	if h.ctl.Presence() != model.PresenceAway {
		t.Fatalf("initial presence = %q", h.ctl.Presence())
	}
	conn.Presence(model.Envelope{Type: model.KindStatus, Text: model.StatusAdminOffline})
	if h.ctl.Presence() != model.PresenceAway {
		t.Fatalf("after offline = %q", h.ctl.Presence())
	}
	conn.Presence(model.Envelope{Type: model.KindAdminStatus, Status: model.StatusAdminOnline})
	if h.ctl.Presence() != model.PresenceOnline {
		t.Fatalf("after online = %q", h.ctl.Presence())
	}

	// Status inside the room topic updates presence but never the history.
	conn.Deliver(transport.RoomTopic(h.ctl.RoomID()), model.Envelope{Type: model.KindStatus, From: model.RoleStatus, Text: model.StatusAdminAway})
	if h.ctl.Presence() != model.PresenceAway || len(h.ctl.Messages()) != 0 {
		t.Fatalf("presence=%q history=%+v", h.ctl.Presence(), h.ctl.Messages())
	}
	if st := h.ctl.State(); st.AdminStatus != model.StatusAdminAway {
		t.Fatalf("persisted status = %q", st.AdminStatus)
	}
}

func TestSendWhileDisconnectedIsKeptNotResent(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctl.Start("Ana", "a@x.com"); err != nil {
		t.Fatal(err)
	}
	m, err := h.ctl.Send("offline hello")
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Send offline = %v", err)
	}
	if got := h.ctl.Messages(); len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("history = %+v", got)
	}

	conn := h.connect(t)
	if n := len(conn.Published(transport.DestVisitorSend)); n != 0 {
		t.Fatalf("message resent on connect: %d", n)
	}
	if n := len(conn.Published(transport.DestJoin)); n != 1 {
		t.Fatalf("join on connect = %d, want 1", n)
	}
}

func TestReconnectReannouncesAndResubscribes(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	_ = h.ctl.Start("Ana", "a@x.com")
	topic := transport.RoomTopic(h.ctl.RoomID())

	conn.Drop(errors.New("network"))
	if conn.Subscribed(topic) || h.ctl.Connected() {
		t.Fatal("still subscribed after drop")
	}
	if _, err := h.ctl.Send("lost"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Send after drop = %v", err)
	}

	conn.Connect()
	if !conn.Subscribed(topic) {
		t.Fatal("room not resubscribed")
	}
	if n := len(conn.Published(transport.DestJoin)); n != 2 {
		t.Fatalf("joins = %d, want 2", n)
	}
	if n := len(conn.Published(transport.DestPresencePing)); n != 3 {
		t.Fatalf("pings = %d, want 3 (connect, start, reconnect)", n)
	}
}

func TestRestoreSeedsDedup(t *testing.T) {
	mem := memory.New()
	h := newHarness(t, mem)
	conn := h.connect(t)
	_ = h.ctl.Start("Ana", "a@x.com")
	h.ctl.Minimize()
	conn.Deliver(transport.RoomTopic(h.ctl.RoomID()), model.Message{ID: "a1", From: model.RoleAdmin, Text: "hi"})
	room := h.ctl.RoomID()
	h.ctl.Close()

	again := newHarness(t, mem)
	if again.ctl.RoomID() != room {
		t.Fatalf("room %q not restored (got %q)", room, again.ctl.RoomID())
	}
	st := again.ctl.State()
	if !st.Started || !st.Minimized || st.Name != "Ana" || len(st.Messages) != 1 {
		t.Fatalf("restored = %+v", st)
	}
	conn2 := again.connect(t)
	conn2.Deliver(transport.RoomTopic(room), model.Message{ID: "a1", From: model.RoleAdmin, Text: "hi"})
	if n := len(again.ctl.Messages()); n != 1 {
		t.Fatalf("redelivered message appended: %d", n)
	}
	if again.chimes.Load() != 0 {
		t.Fatal("redelivery chimed")
	}
}

func TestToggleAndOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.Toggle()
	if !h.ctl.State().Minimized {
		t.Fatal("Toggle did not minimize")
	}
	h.ctl.Open()
	if h.ctl.State().Minimized {
		t.Fatal("Open did not expand")
	}
	st, _ := h.layer.LoadVisitor(context.Background())
	if st.Minimized {
		t.Fatal("persisted state stale")
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	topic := transport.RoomTopic(h.ctl.RoomID())
	h.ctl.Close()
	if !conn.Closed() || conn.Subscribed(topic) {
		t.Fatal("connection not released")
	}
}

func TestStorageFailureIsInert(t *testing.T) {
	mem := memory.New()
	mem.FailWrites(errors.New("quota exceeded"))
	h := newHarness(t, mem)
	h.connect(t)
	if err := h.ctl.Start("Ana", "a@x.com"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.ctl.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(h.ctl.Messages()) != 1 {
		t.Fatal("message lost with storage disabled")
	}
}
