package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizportal/portal-realtime/internal/eventbus"
	"github.com/bizportal/portal-realtime/internal/router"
)

// fakeClient is an in-memory Client driven by the test.
type fakeClient struct {
	dialer *fakeDialer
	cfg    ClientConfig

	messages chan TimestampedMessage
	errors   chan error

	mu        sync.Mutex
	sent      [][]byte
	timeouts  []time.Duration
	connected bool
	closed    bool
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if err := c.dialer.nextDialError(); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.dialer.opened(c)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	return c.SendTimeout(data, c.cfg.WriteTimeout)
}

func (c *fakeClient) SendTimeout(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.timeouts = append(c.timeouts, timeout)
	return nil
}

func (c *fakeClient) sendTimeouts() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.timeouts...)
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver pushes a server frame to the client.
func (c *fakeClient) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.messages <- TimestampedMessage{Data: []byte(frame), ReceivedAt: time.Now()}:
	case <-time.After(time.Second):
		t.Fatal("timeout delivering frame")
	}
}

// serverClose simulates the server dropping the connection.
func (c *fakeClient) serverClose() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.errors <- &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "restart"}
}

// sentFrames decodes the type and room of every frame sent.
func (c *fakeClient) sentFrames(t *testing.T) []sentFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]sentFrame, 0, len(c.sent))
	for _, raw := range c.sent {
		var env struct {
			Type string `json:"type"`
			Data struct {
				Room string `json:"room"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("sent frame is not json: %v", err)
		}
		frames = append(frames, sentFrame{Type: env.Type, Room: env.Data.Room})
	}
	return frames
}

type sentFrame struct {
	Type string
	Room string
}

// fakeDialer creates fakeClients and records the successful connections.
type fakeDialer struct {
	mu          sync.Mutex
	failures    int // Remaining Connect calls that fail; negative fails forever
	connections []*fakeClient
	dials       int
}

func (d *fakeDialer) factory(cfg ClientConfig, logger *slog.Logger) Client {
	return &fakeClient{
		dialer:   d,
		cfg:      cfg,
		messages: make(chan TimestampedMessage, 16),
		errors:   make(chan error, 1),
	}
}

func (d *fakeDialer) nextDialError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures == 0 {
		return nil
	}
	if d.failures > 0 {
		d.failures--
	}
	return errors.New("connection refused")
}

func (d *fakeDialer) opened(c *fakeClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connections = append(d.connections, c)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// connection waits for the i-th successful connection.
func (d *fakeDialer) connection(t *testing.T, i int) *fakeClient {
	t.Helper()
	waitFor(t, func() bool { return d.count() > i }, "connection %d", i)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connections[i]
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for "+format, args...)
}

// stateRecorder collects StateChange publications.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) handle(payload any) {
	change, ok := payload.(StateChange)
	if !ok {
		return
	}
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *stateRecorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.WSURL = "ws://portal.test/realtime"
	cfg.ReconnectBaseWait = time.Millisecond
	cfg.ReconnectMaxWait = 5 * time.Millisecond
	cfg.StableAfter = time.Hour
	cfg.Client.PingInterval = 0
	return cfg
}

type managerHarness struct {
	mgr    Manager
	bus    *eventbus.Bus
	dialer *fakeDialer
	states *stateRecorder
}

func newHarness(t *testing.T, cfg ManagerConfig, tokens TokenSource) *managerHarness {
	t.Helper()

	bus := eventbus.New(nil)
	dialer := &fakeDialer{}
	states := &stateRecorder{}
	bus.Subscribe(TopicState, states.handle)

	mgr := NewManager(cfg, bus, tokens, nil, WithClientFactory(dialer.factory))
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})

	return &managerHarness{mgr: mgr, bus: bus, dialer: dialer, states: states}
}

func (h *managerHarness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	waitFor(t, func() bool { return h.mgr.Phase() == want }, "phase %s (have %s)", want, h.mgr.Phase())
}

func countJoins(t *testing.T, c *fakeClient, room string) int {
	t.Helper()
	n := 0
	for _, f := range c.sentFrames(t) {
		if f.Type == router.TypeRoomJoin && f.Room == room {
			n++
		}
	}
	return n
}

func TestManager_ConnectJoinsUserRoom(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)

	c := h.dialer.connection(t, 0)
	if c.cfg.Token != "t1" {
		t.Errorf("token = %q, want t1", c.cfg.Token)
	}
	if c.cfg.URL != "ws://portal.test/realtime" {
		t.Errorf("url = %q", c.cfg.URL)
	}

	waitFor(t, func() bool { return countJoins(t, c, "user.u1") == 1 }, "room join")

	stats := h.mgr.Stats()
	if stats.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", stats.UserID)
	}
	if stats.Room != "user.u1" {
		t.Errorf("Room = %q, want user.u1", stats.Room)
	}
	if stats.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", stats.Sessions)
	}

	got := h.states.phases()
	want := []Phase{PhaseConnecting, PhaseConnected}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestManager_ServerCloseReconnectsAndRejoins(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)

	first := h.dialer.connection(t, 0)
	waitFor(t, func() bool { return countJoins(t, first, "user.u1") == 1 }, "first join")

	first.serverClose()

	second := h.dialer.connection(t, 1)
	h.waitPhase(t, PhaseConnected)
	waitFor(t, func() bool { return countJoins(t, second, "user.u1") == 1 }, "second join")

	if !first.isClosed() {
		t.Error("first connection should be closed")
	}
	if second.cfg.Token != "t1" {
		t.Errorf("reconnect token = %q, want t1", second.cfg.Token)
	}

	// connecting, connected, disconnected, connecting, connected
	got := h.states.phases()
	want := []Phase{PhaseConnecting, PhaseConnected, PhaseDisconnected, PhaseConnecting, PhaseConnected}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	if stats := h.mgr.Stats(); stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
}

func TestManager_ExactlyOneJoinPerSession(t *testing.T) {
	const closes = 5

	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})

	for i := 0; i < closes; i++ {
		c := h.dialer.connection(t, i)
		waitFor(t, func() bool { return countJoins(t, c, "user.u1") == 1 }, "join on session %d", i)
		c.serverClose()
	}

	last := h.dialer.connection(t, closes)
	h.waitPhase(t, PhaseConnected)
	waitFor(t, func() bool { return countJoins(t, last, "user.u1") == 1 }, "final join")

	total := 0
	for i := 0; i <= closes; i++ {
		c := h.dialer.connection(t, i)
		n := countJoins(t, c, "user.u1")
		if n != 1 {
			t.Errorf("session %d sent %d joins, want 1", i, n)
		}
		total += n
	}
	if total != closes+1 {
		t.Errorf("total joins = %d, want %d", total, closes+1)
	}

	stats := h.mgr.Stats()
	if stats.RoomJoins != closes+1 {
		t.Errorf("RoomJoins = %d, want %d", stats.RoomJoins, closes+1)
	}
	if stats.Reconnects != closes {
		t.Errorf("Reconnects = %d, want %d", stats.Reconnects, closes)
	}
}

func TestManager_IdempotentConnect(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	auth := AuthContext{Token: "t1", UserID: "u1"}
	h.mgr.Connect(auth)
	h.mgr.Connect(auth)
	h.waitPhase(t, PhaseConnected)
	h.mgr.Connect(auth)
	h.mgr.Connect(AuthContext{Token: "t2", UserID: "u2"})

	// Commands are processed in order; give the loop time to drain them
	time.Sleep(50 * time.Millisecond)

	if n := h.dialer.count(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
	c := h.dialer.connection(t, 0)
	if n := countJoins(t, c, "user.u1"); n != 1 {
		t.Errorf("joins = %d, want 1", n)
	}
	if n := countJoins(t, c, "user.u2"); n != 0 {
		t.Errorf("joins for u2 = %d, want 0", n)
	}
	if h.mgr.Phase() != PhaseConnected {
		t.Errorf("phase = %s, want connected", h.mgr.Phase())
	}
}

func TestManager_InvalidAuthIgnored(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.Connect(AuthContext{Token: "", UserID: "u1"})
	h.mgr.Connect(AuthContext{Token: "t1", UserID: ""})
	time.Sleep(50 * time.Millisecond)

	if h.mgr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", h.mgr.Phase())
	}
	if n := h.dialer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
}

func TestManager_DisconnectDropsInFlightMessages(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	// Bus handlers run on the manager loop, so this log is totally ordered
	var (
		mu  sync.Mutex
		log []string
	)
	record := func(entry string) {
		mu.Lock()
		log = append(log, entry)
		mu.Unlock()
	}
	h.bus.Subscribe("product.changed", func(payload any) { record("event") })
	h.bus.Subscribe(TopicState, func(payload any) {
		if change, ok := payload.(StateChange); ok {
			record(change.To.String())
		}
	})
	delivered := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, e := range log {
			if e == "event" {
				n++
			}
		}
		return n
	}

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)

	c.deliver(t, `{"type":"product.changed","data":{"id":1}}`)
	waitFor(t, func() bool { return delivered() == 1 }, "first delivery")

	h.mgr.Disconnect()
	// Races the teardown
	for i := 0; i < 5; i++ {
		select {
		case c.messages <- TimestampedMessage{Data: []byte(`{"type":"product.changed","data":{"id":2}}`), ReceivedAt: time.Now()}:
		default:
		}
	}

	h.waitPhase(t, PhaseDisconnected)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	seenDisconnecting := false
	for _, e := range log {
		if e == PhaseDisconnecting.String() {
			seenDisconnecting = true
		}
		if e == "event" && seenDisconnecting {
			t.Errorf("event delivered after teardown began: %v", log)
			break
		}
	}
	mu.Unlock()
	if !seenDisconnecting {
		t.Error("expected a disconnecting transition")
	}

	if !c.isClosed() {
		t.Error("client should be closed")
	}
	if n := h.dialer.count(); n != 1 {
		t.Errorf("connections = %d, want 1 (no reconnect after client close)", n)
	}

	// Frames arriving after teardown are not delivered either
	before := delivered()
	select {
	case c.messages <- TimestampedMessage{Data: []byte(`{"type":"product.changed","data":{"id":3}}`), ReceivedAt: time.Now()}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if n := delivered(); n != before {
		t.Errorf("deliveries after teardown = %d, want %d", n, before)
	}

	if stats := h.mgr.Stats(); stats.UserID != "" {
		t.Errorf("UserID = %q, want empty after disconnect", stats.UserID)
	}
}

func TestManager_EventsPublishedByType(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	events := make(chan router.Event, 4)
	for _, topic := range []string{"product.changed", "company.changed"} {
		h.bus.Subscribe(topic, func(payload any) {
			if ev, ok := payload.(router.Event); ok {
				events <- ev
			}
		})
	}

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)

	c.deliver(t, `{"id":"e1","type":"product.changed","data":{"id":7}}`)
	c.deliver(t, `{"id":"e2","type":"company.changed","data":{"name":"Acme"}}`)
	c.deliver(t, `not json`)

	for _, want := range []string{"product.changed", "company.changed"} {
		select {
		case ev := <-events:
			if ev.Topic != want {
				t.Errorf("topic = %q, want %q", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	waitFor(t, func() bool { return h.mgr.Stats().EventsPublished == 2 }, "events published")
	if h.mgr.Phase() != PhaseConnected {
		t.Errorf("malformed frame changed phase to %s", h.mgr.Phase())
	}
}

func TestManager_RefreshReconnectsWithFreshToken(t *testing.T) {
	var token atomic.Value
	token.Store("t1")
	tokens := TokenFunc(func() (string, bool) {
		s := token.Load().(string)
		return s, s != ""
	})

	h := newHarness(t, testManagerConfig(), tokens)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	first := h.dialer.connection(t, 0)

	token.Store("t2")
	h.mgr.Refresh()

	second := h.dialer.connection(t, 1)
	h.waitPhase(t, PhaseConnected)

	if second.cfg.Token != "t2" {
		t.Errorf("refreshed token = %q, want t2", second.cfg.Token)
	}
	if !first.isClosed() {
		t.Error("first connection should be closed")
	}
	waitFor(t, func() bool { return countJoins(t, second, "user.u1") == 1 }, "join after refresh")

	stats := h.mgr.Stats()
	if stats.PendingRefresh {
		t.Error("PendingRefresh should be cleared")
	}
	if stats.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", stats.UserID)
	}
}

func TestManager_RefreshWithoutTokenStaysDisconnected(t *testing.T) {
	tokens := TokenFunc(func() (string, bool) { return "", false })
	h := newHarness(t, testManagerConfig(), tokens)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)

	h.mgr.Refresh()
	h.waitPhase(t, PhaseDisconnected)
	time.Sleep(50 * time.Millisecond)

	if n := h.dialer.count(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	stats := h.mgr.Stats()
	if stats.PendingRefresh {
		t.Error("PendingRefresh should be cleared")
	}
	if h.mgr.Phase() != PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", h.mgr.Phase())
	}
}

func TestManager_RefreshIgnoredWhenIdle(t *testing.T) {
	h := newHarness(t, testManagerConfig(), TokenFunc(func() (string, bool) { return "t2", true }))

	h.mgr.Refresh()
	time.Sleep(50 * time.Millisecond)

	if h.mgr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", h.mgr.Phase())
	}
	if n := h.dialer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
}

func TestManager_LeaveRoomSendsLeaveAndCloses(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)

	h.mgr.LeaveRoom()
	h.waitPhase(t, PhaseDisconnected)

	frames := c.sentFrames(t)
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2: %+v", len(frames), frames)
	}
	if frames[0].Type != router.TypeRoomJoin || frames[0].Room != "user.u1" {
		t.Errorf("frame 0 = %+v, want join user.u1", frames[0])
	}
	if frames[1].Type != router.TypeRoomLeave || frames[1].Room != "user.u1" {
		t.Errorf("frame 1 = %+v, want leave user.u1", frames[1])
	}
	if !c.isClosed() {
		t.Error("client should be closed")
	}

	time.Sleep(30 * time.Millisecond)
	if n := h.dialer.count(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}

	stats := h.mgr.Stats()
	if stats.RoomLeaves != 1 {
		t.Errorf("RoomLeaves = %d, want 1", stats.RoomLeaves)
	}
	if stats.Room != "" {
		t.Errorf("Room = %q, want empty", stats.Room)
	}
}

func TestManager_LeaveRoomWhenDisconnectedIsNoop(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.LeaveRoom()
	h.mgr.Disconnect()
	time.Sleep(30 * time.Millisecond)

	if h.mgr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", h.mgr.Phase())
	}
}

func TestManager_RoomErrorPublished(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	roomErrs := make(chan router.RoomError, 1)
	h.bus.Subscribe(TopicRoomError, func(payload any) {
		if re, ok := payload.(router.RoomError); ok {
			roomErrs <- re
		}
	})

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)

	c.deliver(t, `{"type":"room.error","data":{"room":"user.u1","code":"forbidden","message":"not a member"}}`)

	select {
	case re := <-roomErrs:
		if re.Room != "user.u1" || re.Code != "forbidden" {
			t.Errorf("room error = %+v", re)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for room error")
	}

	// Not retried and the connection stays up
	time.Sleep(30 * time.Millisecond)
	if h.mgr.Phase() != PhaseConnected {
		t.Errorf("phase = %s, want connected", h.mgr.Phase())
	}
	if n := countJoins(t, c, "user.u1"); n != 1 {
		t.Errorf("joins = %d, want 1", n)
	}
	if stats := h.mgr.Stats(); stats.RoomErrors != 1 {
		t.Errorf("RoomErrors = %d, want 1", stats.RoomErrors)
	}
}

func TestManager_DialRetriesStayConnecting(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	h.dialer.failures = 2

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)

	if n := h.dialer.dialCount(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	if n := h.dialer.count(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}

	got := h.states.phases()
	want := []Phase{PhaseConnecting, PhaseConnected}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestManager_DialAttemptsExhausted(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxDialAttempts = 3

	h := newHarness(t, cfg, nil)
	h.dialer.failures = -1

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseDisconnected)

	if n := h.dialer.dialCount(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}

	h.states.mu.Lock()
	last := h.states.changes[len(h.states.changes)-1]
	h.states.mu.Unlock()
	if last.Reason != ReasonRetriesExhausted {
		t.Errorf("reason = %q, want %q", last.Reason, ReasonRetriesExhausted)
	}
	if stats := h.mgr.Stats(); stats.UserID != "" {
		t.Errorf("UserID = %q, want empty", stats.UserID)
	}
}

func TestManager_DisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)
	h.dialer.failures = -1

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnecting)

	h.mgr.Disconnect()
	h.waitPhase(t, PhaseDisconnected)

	dials := h.dialer.dialCount()
	time.Sleep(30 * time.Millisecond)
	if n := h.dialer.dialCount(); n != dials {
		t.Errorf("dialing continued after disconnect: %d -> %d", dials, n)
	}
}

func TestManager_ConnectAfterDisconnectUsesNewAuth(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	first := h.dialer.connection(t, 0)

	// The second Connect lands while disconnecting or after; either way the
	// new credentials win.
	h.mgr.Disconnect()
	h.mgr.Connect(AuthContext{Token: "t2", UserID: "u2"})

	second := h.dialer.connection(t, 1)
	h.waitPhase(t, PhaseConnected)

	if !first.isClosed() {
		t.Error("first connection should be closed")
	}
	if second.cfg.Token != "t2" {
		t.Errorf("token = %q, want t2", second.cfg.Token)
	}
	waitFor(t, func() bool { return countJoins(t, second, "user.u2") == 1 }, "join user.u2")
	if stats := h.mgr.Stats(); stats.UserID != "u2" {
		t.Errorf("UserID = %q, want u2", stats.UserID)
	}
}

func TestManager_StopClosesConnection(t *testing.T) {
	bus := eventbus.New(nil)
	dialer := &fakeDialer{}
	mgr := NewManager(testManagerConfig(), bus, nil, nil, WithClientFactory(dialer.factory))

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := mgr.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	waitFor(t, func() bool { return mgr.Phase() == PhaseConnected }, "connected")
	c := dialer.connection(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !c.isClosed() {
		t.Error("client should be closed after Stop")
	}
	if mgr.Phase() != PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", mgr.Phase())
	}

	// Calls after Stop return without blocking
	done := make(chan struct{})
	go func() {
		mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
		mgr.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commands blocked after Stop")
	}
}

func TestManager_BusHandlerMayCallManager(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	// A consumer that logs out on a domain event
	h.bus.Subscribe("session.revoked", func(payload any) {
		h.mgr.LeaveRoom()
	})

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)

	c.deliver(t, `{"type":"session.revoked"}`)
	h.waitPhase(t, PhaseDisconnected)

	frames := c.sentFrames(t)
	if len(frames) != 2 || frames[1].Type != router.TypeRoomLeave {
		t.Errorf("frames = %+v, want join then leave", frames)
	}
}

func TestManager_Integration(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
		joins  []string
		conns  int
	)

	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		tokens = append(tokens, r.URL.Query().Get("token"))
		mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
			Data struct {
				Room string `json:"room"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type != router.TypeRoomJoin {
			return
		}
		mu.Lock()
		joins = append(joins, env.Data.Room)
		mu.Unlock()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"e1","type":"product.changed","data":{"id":42}}`))

		if n == 1 {
			// Simulate a server restart on the first connection
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "restart"),
				time.Now().Add(time.Second),
			)
			return
		}
		drain(conn)
	})
	defer server.Close()

	cfg := testManagerConfig()
	cfg.WSURL = wsURL(server)

	bus := eventbus.New(nil)
	var delivered atomic.Int64
	bus.Subscribe("product.changed", func(payload any) {
		if ev, ok := payload.(router.Event); ok {
			var body struct {
				ID int `json:"id"`
			}
			if err := ev.Decode(&body); err == nil && body.ID == 42 {
				delivered.Add(1)
			}
		}
	})

	mgr := NewManager(cfg, bus, nil, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	}()

	mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})

	waitFor(t, func() bool { return delivered.Load() == 2 }, "events from both connections")

	mu.Lock()
	defer mu.Unlock()
	if len(joins) != 2 {
		t.Fatalf("joins = %v, want 2", joins)
	}
	for i, room := range joins {
		if room != "user.u1" {
			t.Errorf("join %d room = %q, want user.u1", i, room)
		}
	}
	for i, tok := range tokens {
		if tok != "t1" {
			t.Errorf("connection %d token = %q, want t1", i, tok)
		}
	}
}

func TestManager_ServerFramesCannotUseSystemTopics(t *testing.T) {
	h := newHarness(t, testManagerConfig(), nil)

	var mu sync.Mutex
	var forged []string
	for _, topic := range []string{TopicState, TopicRoomError, "channel.other"} {
		h.bus.Subscribe(topic, func(payload any) {
			if ev, ok := payload.(router.Event); ok {
				mu.Lock()
				forged = append(forged, ev.Topic)
				mu.Unlock()
			}
		})
	}
	products := make(chan router.Event, 1)
	h.bus.Subscribe("product.changed", func(payload any) {
		if ev, ok := payload.(router.Event); ok {
			products <- ev
		}
	})

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)

	c.deliver(t, `{"id":"x1","type":"channel.state","data":{"to":"disconnected"}}`)
	c.deliver(t, `{"id":"x2","type":"channel.room_error","data":{"room":"user.u1","code":"forbidden"}}`)
	c.deliver(t, `{"id":"x3","type":"channel.other","data":{}}`)
	c.deliver(t, `{"id":"e1","type":"product.changed","data":{"id":7}}`)

	// Frames are handled in order, so the product event arriving means the
	// reserved ones were already processed.
	select {
	case <-products:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for product event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(forged) != 0 {
		t.Errorf("server frames delivered on system topics: %v", forged)
	}

	stats := h.mgr.Stats()
	if stats.MessagesDropped != 3 {
		t.Errorf("MessagesDropped = %d, want 3", stats.MessagesDropped)
	}
	if stats.EventsPublished != 1 {
		t.Errorf("EventsPublished = %d, want 1", stats.EventsPublished)
	}
	if stats.RoomErrors != 0 {
		t.Errorf("RoomErrors = %d, want 0", stats.RoomErrors)
	}
	if h.mgr.Phase() != PhaseConnected {
		t.Errorf("phase = %s, want connected", h.mgr.Phase())
	}
}

func TestManager_RoomFramesUseControlWriteTimeout(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ControlWriteTimeout = 250 * time.Millisecond
	cfg.Client.WriteTimeout = 5 * time.Second
	h := newHarness(t, cfg, nil)

	h.mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	h.waitPhase(t, PhaseConnected)
	c := h.dialer.connection(t, 0)
	waitFor(t, func() bool { return countJoins(t, c, "user.u1") == 1 }, "room join")

	h.mgr.LeaveRoom()
	h.waitPhase(t, PhaseDisconnected)

	timeouts := c.sendTimeouts()
	if len(timeouts) != 2 {
		t.Fatalf("sends = %d, want join and leave", len(timeouts))
	}
	for i, got := range timeouts {
		if got != 250*time.Millisecond {
			t.Errorf("send %d timeout = %v, want 250ms", i, got)
		}
	}
}

func TestManager_CommandsBeforeStartAreDropped(t *testing.T) {
	dialer := &fakeDialer{}
	mgr := NewManager(testManagerConfig(), eventbus.New(nil), nil, nil, WithClientFactory(dialer.factory))

	// More than the command queue holds
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commands blocked before Start")
	}

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	if mgr.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle: early commands must not run", mgr.Phase())
	}
	if n := dialer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}

	mgr.Connect(AuthContext{Token: "t1", UserID: "u1"})
	waitFor(t, func() bool { return mgr.Phase() == PhaseConnected }, "connected after Start")
}
