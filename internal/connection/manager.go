package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bizportal/portal-realtime/internal/eventbus"
	"github.com/bizportal/portal-realtime/internal/metrics"
	"github.com/bizportal/portal-realtime/internal/router"
)

// Manager owns the realtime channel: one physical connection, its
// reconnect policy, room membership and forwarding to the event bus.
//
// Connect, LeaveRoom, Disconnect and Refresh never block on network I/O
// and never return errors; outcomes are observed through Phase, Stats and
// the TopicState / TopicRoomError bus topics. They are ignored until Start
// has been called.
type Manager interface {
	// Start runs the manager loop until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop tears down the connection and waits for goroutines.
	Stop(ctx context.Context) error

	// Connect opens the channel for auth. Ignored while connecting or connected.
	Connect(auth AuthContext)

	// LeaveRoom leaves the user room (if connected) and closes the connection.
	LeaveRoom()

	// Disconnect closes the connection without leaving the room.
	Disconnect()

	// Refresh reconnects with a fresh token from the TokenSource.
	Refresh()

	// Phase returns the current connection phase.
	Phase() Phase

	// Stats returns current statistics.
	Stats() ManagerStats
}

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) {
		m.newClient = f
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) ManagerOption {
	return func(m *manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithRouter sets the message router.
func WithRouter(r *router.Router) ManagerOption {
	return func(m *manager) {
		if r != nil {
			m.router = r
		}
	}
}

// Commands posted by the public API.
type (
	connectCmd    struct{ auth AuthContext }
	leaveCmd      struct{}
	disconnectCmd struct{}
	refreshCmd    struct{}
)

// Events posted by session goroutines, tagged with the session id.
type (
	openedEvent struct {
		session uint64
		client  Client
	}
	messageEvent struct {
		session uint64
		msg     TimestampedMessage
	}
	closedEvent struct {
		session uint64
		reason  DisconnectReason
		err     error
	}
)

// session is one logical connection attempt: dial (with retries) then
// pump until closed.
type session struct {
	id       uint64
	auth     AuthContext
	delay    time.Duration // Wait before the first dial
	ctx      context.Context
	cancel   context.CancelFunc
	client   Client // Set by the loop on open
	openedAt time.Time
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	bus       *eventbus.Bus
	tokens    TokenSource
	router    *router.Router
	newClient ClientFactory
	metrics   metrics.Recorder
	logger    *slog.Logger

	commands chan any
	events   chan any
	stopped  chan struct{}
	stopOnce sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex

	// Loop-owned state. Only the loop goroutine reads or writes these.
	phase          Phase
	auth           *AuthContext
	pendingRefresh bool
	resume         *AuthContext // Connect received while disconnecting
	session        *session
	nextSessionID  uint64
	storm          *backoff.ExponentialBackOff
	shortStreak    int

	// Snapshot for readers
	mu    sync.RWMutex
	stats ManagerStats
}

// NewManager creates a new Connection Manager. tokens is consulted only
// when a refresh is owed; it may be nil.
func NewManager(cfg ManagerConfig, bus *eventbus.Bus, tokens TokenSource, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}
	if cfg.EventBufferSize < 1 {
		cfg.EventBufferSize = DefaultManagerConfig().EventBufferSize
	}

	m := &manager{
		cfg:       cfg,
		bus:       bus,
		tokens:    tokens,
		router:    router.NewRouter(logger),
		newClient: NewClient,
		metrics:   metrics.Nop{},
		logger:    logger,
		commands:  make(chan any, 64),
		events:    make(chan any, cfg.EventBufferSize),
		stopped:   make(chan struct{}),
		phase:     PhaseIdle,
		storm:     newBackoff(cfg, 0),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.stats.Phase = PhaseIdle
	m.metrics.SetPhase(PhaseIdle.String())

	return m
}

// newBackoff builds the exponential policy shared by dial retries and
// reconnect storms.
func newBackoff(cfg ManagerConfig, maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.ReconnectBaseWait > 0 {
		b.InitialInterval = cfg.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait > 0 {
		b.MaxInterval = cfg.ReconnectMaxWait
	}
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

// Start begins the manager loop.
func (m *manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop()

	m.logger.Info("connection manager started", "url", m.cfg.WSURL)
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.startMu.Lock()
	cancel := m.cancel
	m.startMu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Connect opens the channel. Idempotent while connecting or connected.
func (m *manager) Connect(auth AuthContext) {
	m.command(connectCmd{auth: auth})
}

// LeaveRoom leaves the user room and closes the connection.
func (m *manager) LeaveRoom() {
	m.command(leaveCmd{})
}

// Disconnect closes the connection.
func (m *manager) Disconnect() {
	m.command(disconnectCmd{})
}

// Refresh closes the connection and reconnects with a fresh token.
func (m *manager) Refresh() {
	m.command(refreshCmd{})
}

// Phase returns the current phase.
func (m *manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.Phase
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// command posts a public API call to the loop. Calls made before Start
// are dropped: nothing would drain the queue.
func (m *manager) command(cmd any) {
	m.startMu.Lock()
	started := m.started
	m.startMu.Unlock()
	if !started {
		m.logger.Warn("manager not started, dropping command", "command", fmt.Sprintf("%T", cmd))
		return
	}

	select {
	case m.commands <- cmd:
	case <-m.stopped:
		m.logger.Debug("manager stopped, dropping command", "command", cmd)
	}
}

// post delivers a session event to the loop.
func (m *manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.stopped:
	case <-m.ctx.Done():
	}
}

// loop is the single goroutine that owns the channel state. Commands are
// drained before transport events so a teardown requested by the caller
// wins over messages that arrive concurrently.
func (m *manager) loop() {
	defer m.wg.Done()

	for {
		select {
		case cmd := <-m.commands:
			m.handleCommand(cmd)
			continue
		default:
		}

		select {
		case <-m.ctx.Done():
			m.shutdown()
			return
		case cmd := <-m.commands:
			m.handleCommand(cmd)
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

// shutdown cancels the live session on Stop. Session goroutines close
// their client before exiting.
func (m *manager) shutdown() {
	if m.session != nil {
		m.session.cancel()
		m.session = nil
	}
	m.auth = nil
	m.pendingRefresh = false
	m.resume = nil
	m.setPhase(PhaseDisconnected, ReasonClientClosed)
}

func (m *manager) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case connectCmd:
		m.handleConnect(c.auth)
	case leaveCmd:
		m.handleLeave()
	case disconnectCmd:
		m.handleDisconnect()
	case refreshCmd:
		m.handleRefresh()
	}
}

func (m *manager) handleEvent(ev any) {
	switch e := ev.(type) {
	case openedEvent:
		m.handleOpened(e)
	case messageEvent:
		m.handleMessage(e)
	case closedEvent:
		m.handleClosed(e)
	}
}

func (m *manager) handleConnect(auth AuthContext) {
	if !auth.Valid() {
		m.logger.Warn("connect ignored, token and user id are required")
		return
	}

	switch m.phase {
	case PhaseConnecting, PhaseConnected:
		m.logger.Debug("connect ignored, already connected", "phase", m.phase)
	case PhaseDisconnecting:
		m.logger.Debug("connect deferred until disconnect completes")
		m.resume = &auth
	default:
		m.auth = &auth
		m.storm.Reset()
		m.shortStreak = 0
		m.startSession(0)
	}
}

func (m *manager) handleLeave() {
	// Leaving is a logout: nothing is owed afterwards
	m.resume = nil
	m.pendingRefresh = false
	m.syncPendingRefresh()

	switch m.phase {
	case PhaseConnected:
		m.leaveRoom()
		m.beginClose()
	case PhaseConnecting:
		m.beginClose()
	}
}

func (m *manager) handleDisconnect() {
	switch m.phase {
	case PhaseConnecting, PhaseConnected:
		m.beginClose()
	}
}

func (m *manager) handleRefresh() {
	switch m.phase {
	case PhaseConnecting, PhaseConnected:
		m.pendingRefresh = true
		m.syncPendingRefresh()
		m.beginClose()
	case PhaseDisconnecting:
		m.pendingRefresh = true
		m.syncPendingRefresh()
	default:
		m.logger.Debug("refresh ignored, not connected", "phase", m.phase)
	}
}

// beginClose starts a client-initiated disconnect. Messages still in
// flight for the session are dropped from here on.
func (m *manager) beginClose() {
	m.setPhase(PhaseDisconnecting, ReasonClientClosed)
	if m.session != nil {
		m.session.cancel()
	}
}

func (m *manager) handleOpened(e openedEvent) {
	if m.session == nil || e.session != m.session.id || m.phase != PhaseConnecting {
		// Teardown already requested; the session goroutine closes the client
		return
	}

	m.session.client = e.client
	m.session.openedAt = time.Now()

	m.mu.Lock()
	m.stats.Sessions++
	m.mu.Unlock()
	m.metrics.SessionOpened()

	m.setPhase(PhaseConnected, ReasonNone)
	m.joinRoom()
}

func (m *manager) handleMessage(e messageEvent) {
	if m.session == nil || e.session != m.session.id || m.phase != PhaseConnected {
		m.mu.Lock()
		m.stats.MessagesDropped++
		m.mu.Unlock()
		m.metrics.MessageDropped()
		return
	}

	msg, err := m.router.Route(e.msg.Data, e.msg.ReceivedAt)
	if err != nil {
		return
	}

	switch msg.Kind {
	case router.KindEvent:
		if IsSystemTopic(msg.Event.Topic) {
			m.logger.Warn("dropping server frame on reserved topic", "topic", msg.Event.Topic, "id", msg.Event.ID)
			m.mu.Lock()
			m.stats.MessagesDropped++
			m.mu.Unlock()
			m.metrics.MessageDropped()
			return
		}
		m.bus.Publish(msg.Event.Topic, msg.Event)
		m.mu.Lock()
		m.stats.EventsPublished++
		m.mu.Unlock()
		m.metrics.EventPublished(msg.Event.Topic)

	case router.KindRoomError:
		m.handleRoomError(msg.RoomError)

	case router.KindRoomJoin, router.KindRoomLeave:
		m.logger.Debug("room acknowledged", "kind", msg.Kind, "room", msg.Room)
	}
}

func (m *manager) handleClosed(e closedEvent) {
	if m.session == nil || e.session != m.session.id {
		return
	}

	closed := m.session
	m.session = nil

	m.mu.Lock()
	m.stats.Room = ""
	m.mu.Unlock()

	reason := e.reason
	if m.phase == PhaseDisconnecting {
		// The caller asked first; a concurrent server close does not count
		reason = ReasonClientClosed
	}

	switch reason {
	case ReasonServerClosed:
		m.logger.Warn("server closed connection, reconnecting",
			"session", closed.id,
			"error", e.err,
		)
		m.setPhase(PhaseDisconnected, reason)
		m.mu.Lock()
		m.stats.Reconnects++
		m.mu.Unlock()
		m.metrics.Reconnect("server")
		m.startSession(m.reconnectDelay(closed))

	case ReasonRetriesExhausted:
		m.logger.Error("giving up on connection", "session", closed.id, "error", e.err)
		m.auth = nil
		m.pendingRefresh = false
		m.syncPendingRefresh()
		m.setPhase(PhaseDisconnected, reason)

	default:
		m.finishClientClose()
	}
}

// finishClientClose settles a client-initiated disconnect, reconnecting
// if new credentials or a refresh are owed.
func (m *manager) finishClientClose() {
	if m.resume != nil {
		auth := *m.resume
		m.resume = nil
		m.pendingRefresh = false
		m.syncPendingRefresh()
		m.auth = &auth
		m.setPhase(PhaseDisconnected, ReasonClientClosed)
		m.storm.Reset()
		m.shortStreak = 0
		m.startSession(0)
		return
	}

	if m.pendingRefresh {
		m.pendingRefresh = false
		m.syncPendingRefresh()

		token, ok := "", false
		if m.tokens != nil {
			token, ok = m.tokens.AccessToken()
		}
		if ok && token != "" && m.auth != nil {
			auth := AuthContext{Token: token, UserID: m.auth.UserID}
			m.auth = &auth
			m.setPhase(PhaseDisconnected, ReasonClientClosed)
			m.logger.Info("reconnecting with refreshed token", "user_id", auth.UserID)
			m.storm.Reset()
			m.shortStreak = 0
			m.startSession(0)
			return
		}

		m.logger.Warn("refresh owed but no access token available, staying disconnected")
	}

	m.auth = nil
	m.setPhase(PhaseDisconnected, ReasonClientClosed)
}

// reconnectDelay returns how long to wait before redialing after a server
// close. The first reconnect is immediate; repeated short-lived sessions
// back off exponentially.
func (m *manager) reconnectDelay(closed *session) time.Duration {
	if !closed.openedAt.IsZero() && time.Since(closed.openedAt) >= m.cfg.StableAfter {
		m.storm.Reset()
		m.shortStreak = 0
	}

	m.shortStreak++
	if m.shortStreak == 1 {
		return 0
	}

	delay := m.storm.NextBackOff()
	if delay == backoff.Stop {
		delay = m.storm.MaxInterval
	}
	return delay
}

// startSession moves to PhaseConnecting and launches a session goroutine
// for the current auth.
func (m *manager) startSession(delay time.Duration) {
	if m.auth == nil {
		return
	}

	m.nextSessionID++
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		id:     m.nextSessionID,
		auth:   *m.auth,
		delay:  delay,
		ctx:    ctx,
		cancel: cancel,
	}
	m.session = s

	m.setPhase(PhaseConnecting, ReasonNone)

	m.wg.Add(1)
	go m.runSession(s)
}

// setPhase records a transition and announces it on the bus.
func (m *manager) setPhase(phase Phase, reason DisconnectReason) {
	if m.phase == phase {
		return
	}

	change := StateChange{
		From:   m.phase,
		To:     phase,
		Reason: reason,
		At:     time.Now(),
	}
	m.phase = phase

	m.mu.Lock()
	m.stats.Phase = phase
	if m.auth != nil {
		m.stats.UserID = m.auth.UserID
	} else {
		m.stats.UserID = ""
	}
	m.mu.Unlock()

	m.metrics.SetPhase(phase.String())
	m.logger.Debug("phase changed", "from", change.From, "to", change.To, "reason", reason)

	m.bus.Publish(TopicState, change)
}

func (m *manager) syncPendingRefresh() {
	m.mu.Lock()
	m.stats.PendingRefresh = m.pendingRefresh
	m.mu.Unlock()
}

// runSession dials and then pumps one physical connection.
func (m *manager) runSession(s *session) {
	defer m.wg.Done()

	if s.delay > 0 {
		m.logger.Info("delaying reconnect", "session", s.id, "delay", s.delay)
		select {
		case <-s.ctx.Done():
			m.post(closedEvent{session: s.id, reason: ReasonClientClosed})
			return
		case <-time.After(s.delay):
		}
	}

	client, err := m.dial(s)
	if err != nil {
		reason := ReasonRetriesExhausted
		if s.ctx.Err() != nil {
			reason = ReasonClientClosed
		}
		m.post(closedEvent{session: s.id, reason: reason, err: err})
		return
	}

	m.post(openedEvent{session: s.id, client: client})
	m.pump(s, client)
}

// dial connects with exponential backoff. Dial errors stay inside this
// loop and never leave PhaseConnecting.
func (m *manager) dial(s *session) (Client, error) {
	var policy backoff.BackOff = newBackoff(m.cfg, 0)
	if m.cfg.MaxDialAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(m.cfg.MaxDialAttempts-1))
	}
	policy = backoff.WithContext(policy, s.ctx)

	cfg := m.cfg.Client
	cfg.URL = m.cfg.WSURL
	cfg.Token = s.auth.Token
	logger := m.logger.With("session", s.id)

	var client Client
	attempt := 0
	operation := func() error {
		attempt++
		c := m.newClient(cfg, logger)
		if err := c.Connect(s.ctx); err != nil {
			c.Close()
			if s.ctx.Err() != nil {
				return backoff.Permanent(s.ctx.Err())
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("dial failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return client, nil
}

// pump forwards the client's messages to the loop until the session is
// cancelled or the connection fails. The client is closed before the
// closed event is posted so two physical connections never overlap.
func (m *manager) pump(s *session, client Client) {
	for {
		select {
		case <-s.ctx.Done():
			client.Close()
			m.post(closedEvent{session: s.id, reason: ReasonClientClosed})
			return

		case err := <-client.Errors():
			client.Close()
			if errors.Is(err, ErrStaleConnection) {
				m.logger.Warn("connection stale", "session", s.id)
			}
			// Frames read before the failure still belong to this session
			m.drain(s, client)
			m.post(closedEvent{session: s.id, reason: ReasonServerClosed, err: err})
			return

		case msg := <-client.Messages():
			m.post(messageEvent{session: s.id, msg: msg})
		}
	}
}

func (m *manager) drain(s *session, client Client) {
	for {
		select {
		case msg := <-client.Messages():
			m.post(messageEvent{session: s.id, msg: msg})
		default:
			return
		}
	}
}
