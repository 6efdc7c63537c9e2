package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rickgao/lighter-stream/internal/auth"
	"github.com/rickgao/lighter-stream/internal/channel"
	"github.com/rickgao/lighter-stream/internal/codec"
	"github.com/rickgao/lighter-stream/internal/outbound"
	"github.com/rickgao/lighter-stream/internal/subscription"
)

// TokenSource issues auth tokens per account.
type TokenSource interface {
	GetToken(ctx context.Context, account string) (auth.Token, error)
	RefreshToken(ctx context.Context, account string) (auth.Token, error)
}

// expiryNotifier is implemented by token sources that announce expiry.
type expiryNotifier interface {
	OnExpiringSoon(fn func(auth.Token))
}

// Dispatcher delivers channel events to subscription handlers.
type Dispatcher interface {
	Dispatch(ev codec.Event) int
}

// Metrics records manager activity. Implementations must not block.
type Metrics interface {
	ObserveTransition(from, to State)
	ObserveFrameSent(kind string)
	ObserveFrameReceived(kind string)
	ObserveDecodeError()
	ObserveQueueEviction()
	ObserveReconnectDelay(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(State, State)      {}
func (nopMetrics) ObserveFrameSent(string)             {}
func (nopMetrics) ObserveFrameReceived(string)         {}
func (nopMetrics) ObserveDecodeError()                 {}
func (nopMetrics) ObserveQueueEviction()               {}
func (nopMetrics) ObserveReconnectDelay(time.Duration) {}

// Deps are a Manager's collaborators. Dialer and Registry are required.
type Deps struct {
	Dialer        Dialer
	Registry      *subscription.Registry
	Dispatcher    Dispatcher
	Tokens        TokenSource
	Metrics       Metrics
	OnTransition  TransitionObserver
	OnAuthStatus  AuthStatusHandler
	OnServerError func(codec.Event)
	Logger        *slog.Logger
}

// Loop events. Everything that changes connection state arrives as one of
// these on the run goroutine.
type (
	connectReq     struct{ reply chan error }
	disconnectReq  struct{}
	subscribeReq   struct{ key channel.Key }
	unsubscribeReq struct {
		key     channel.Key
		session uint64
	}
	flushReq       struct{}
	dialResult     struct {
		gen  uint64
		conn Conn
		err  error
	}
	connMessage struct {
		gen uint64
		msg TimestampedMessage
	}
	connError struct {
		gen uint64
		err error
	}
	tokenResult struct {
		gen    uint64
		reason fetchReason
		tokens []auth.Token
		err    error
	}
	tokenExpiring struct{ tok auth.Token }
)

type fetchReason int

const (
	fetchOnOpen   fetchReason = iota // entry procedure, state Authenticating
	fetchLate                        // auth subscription added while Open
	fetchRetry                       // after auth_failed
	fetchExpiring                    // proactive refresh
)

// Manager is the connection state machine. One run goroutine per Connect
// owns the physical connection, the timers and all transitions; callers talk
// to it through events.
type Manager struct {
	cfg           Config
	dialer        Dialer
	registry      *subscription.Registry
	dispatcher    Dispatcher
	tokens        TokenSource
	metrics       Metrics
	onTransition  TransitionObserver
	onAuthStatus  AuthStatusHandler
	onServerError func(codec.Event)
	logger        *slog.Logger

	queue   *outbound.Queue
	limiter *rate.Limiter

	// Run lifecycle, guarded by mu.
	mu      sync.Mutex
	running bool
	events  chan any
	done    chan struct{}

	// Published state.
	state          atomic.Int32
	authenticated  atomic.Bool
	reconnects     atomic.Int64
	framesSent     atomic.Int64
	framesReceived atomic.Int64
	decodeErrors   atomic.Int64

	statsMu   sync.Mutex
	sessionID string
	reconnect ReconnectState
	lastSeen  time.Time

	// Owned by the run goroutine.
	runCtx         context.Context
	cancelRun      context.CancelFunc
	runEvents      chan any
	runDone        chan struct{}
	gen            uint64
	conn           Conn
	pumpStop       chan struct{}
	backoff        *reconnectBackoff
	reconnectTimer *time.Timer
	heartbeat      *time.Ticker
	lastPong       time.Time
	waiters        []chan error
	authRetried    bool
	authGaveUp     bool
}

// NewManager creates a Manager in StateIdle.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	registry := deps.Registry
	if registry == nil {
		registry = subscription.NewRegistry()
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}

	m := &Manager{
		cfg:           cfg,
		dialer:        deps.Dialer,
		registry:      registry,
		dispatcher:    deps.Dispatcher,
		tokens:        deps.Tokens,
		metrics:       metrics,
		onTransition:  deps.OnTransition,
		onAuthStatus:  deps.OnAuthStatus,
		onServerError: deps.OnServerError,
		logger:        logger.With("component", "connection"),
		queue:         outbound.New(cfg.QueueCapacity),
		limiter:       rate.NewLimiter(limit, cfg.SendBurst),
		backoff:       newReconnectBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
	}
	m.reconnect = m.backoff.State()

	if n, ok := deps.Tokens.(expiryNotifier); ok {
		n.OnExpiringSoon(func(tok auth.Token) {
			m.notify(tokenExpiring{tok: tok})
		})
	}

	return m
}

// Connect starts the state machine and blocks until the first Open, ctx is
// done, or Disconnect is called. Reconnect attempts continue in the
// background after ctx expires. If auth tokens cannot be fetched on Open the
// connection stays up and the *auth.AuthTokenError is returned. Calling
// Connect while connected is a no-op.
//
// Connect and Disconnect must not be called from a subscription handler.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.startLocked()
	}
	events, done := m.events, m.done
	m.mu.Unlock()

	reply := make(chan error, 1)
	select {
	case events <- connectReq{reply: reply}:
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection, cancels pending timers and moves to
// StateClosed. It returns once the run goroutine has exited.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		if m.State() != StateClosed {
			m.transition(StateClosed, "disconnect requested")
		}
		m.mu.Unlock()
		return nil
	}
	events, done := m.events, m.done
	m.mu.Unlock()

	select {
	case events <- disconnectReq{}:
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribed tells the manager key was newly added to the registry. A
// subscribe frame goes out now if the connection is open; otherwise the next
// Open replays it.
func (m *Manager) Subscribed(key channel.Key) {
	m.notify(subscribeReq{key: key})
}

// Unsubscribed tells the manager key was removed from the registry.
// sentSession is the value returned by Registry.Detach; an unsubscribe frame
// goes out only if the subscribe was sent on the current connection.
func (m *Manager) Unsubscribed(key channel.Key, sentSession uint64) {
	m.notify(unsubscribeReq{key: key, session: sentSession})
}

// Send encodes f and queues it. The loop flushes the queue right away when
// the connection is open, otherwise on the next Open. Only encoding errors
// are returned.
func (m *Manager) Send(f codec.OutboundFrame) error {
	data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	m.enqueue(data)
	m.notify(flushReq{})
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether a physical connection is up.
func (m *Manager) IsConnected() bool {
	return m.State().Connected()
}

// IsAuthenticated reports whether the server acknowledged auth on the
// current connection.
func (m *Manager) IsAuthenticated() bool {
	return m.authenticated.Load()
}

// ReconnectState returns the backoff progress.
func (m *Manager) ReconnectState() ReconnectState {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.reconnect
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	sessionID, reconnect, lastSeen := m.sessionID, m.reconnect, m.lastSeen
	m.statsMu.Unlock()

	return Stats{
		State:          m.State(),
		SessionID:      sessionID,
		Authenticated:  m.IsAuthenticated(),
		Reconnect:      reconnect,
		Reconnects:     m.reconnects.Load(),
		FramesSent:     m.framesSent.Load(),
		FramesReceived: m.framesReceived.Load(),
		DecodeErrors:   m.decodeErrors.Load(),
		LastSeen:       lastSeen,
		Queue:          m.queue.Stats(),
	}
}

// startLocked launches a run goroutine. Must be called with mu held.
func (m *Manager) startLocked() {
	m.events = make(chan any, 256)
	m.done = make(chan struct{})
	m.runEvents, m.runDone = m.events, m.done
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())
	m.backoff.Reset()
	m.running = true

	go m.run(m.events, m.done)
}

// notify posts ev to the running loop without waiting for it to be handled.
// It reports false if no loop is running.
func (m *Manager) notify(ev any) bool {
	m.mu.Lock()
	running, events, done := m.running, m.events, m.done
	m.mu.Unlock()
	if !running {
		return false
	}

	select {
	case events <- ev:
		return true
	case <-done:
		return false
	default:
	}

	// The loop may be the caller (a handler subscribing from inside a
	// dispatch), so never block here.
	go func() {
		select {
		case events <- ev:
		case <-done:
		}
	}()
	return true
}

// post delivers ev from a helper goroutine to the loop that spawned it.
func post(events chan<- any, done <-chan struct{}, ev any) bool {
	select {
	case events <- ev:
		return true
	case <-done:
		return false
	}
}

// run is the state machine's event loop.
func (m *Manager) run(events chan any, done chan struct{}) {
	for {
		var heartbeatC, reconnectC <-chan time.Time
		if m.heartbeat != nil {
			heartbeatC = m.heartbeat.C
		}
		if m.reconnectTimer != nil {
			reconnectC = m.reconnectTimer.C
		}

		select {
		case ev := <-events:
			if _, ok := ev.(disconnectReq); ok {
				m.shutdown()
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				close(done)
				return
			}
			m.handle(ev)

		case now := <-heartbeatC:
			m.onHeartbeat(now)

		case <-reconnectC:
			m.reconnectTimer = nil
			m.onReconnectTimer()
		}
	}
}

func (m *Manager) handle(ev any) {
	switch e := ev.(type) {
	case connectReq:
		m.onConnect(e)
	case subscribeReq:
		m.onSubscribe()
	case unsubscribeReq:
		m.onUnsubscribe(e.key, e.session)
	case flushReq:
		m.onFlush()
	case dialResult:
		m.onDial(e)
	case connMessage:
		if e.gen == m.gen {
			m.onMessage(e.msg)
		}
	case connError:
		if e.gen == m.gen {
			m.connLost(e.err)
		}
	case tokenResult:
		if e.gen == m.gen {
			m.onTokens(e)
		}
	case tokenExpiring:
		m.onExpiring(e.tok)
	}
}

func (m *Manager) onConnect(req connectReq) {
	switch m.State() {
	case StateOpen:
		req.reply <- nil
	case StateIdle, StateClosed:
		m.waiters = append(m.waiters, req.reply)
		m.transition(StateConnecting, "connect requested")
		m.dial()
	default:
		m.waiters = append(m.waiters, req.reply)
	}
}

func (m *Manager) dial() {
	m.gen++
	gen, ctx, events, done := m.gen, m.runCtx, m.runEvents, m.runDone
	timeout := m.cfg.DialTimeout

	go func() {
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		conn, err := m.dialer.Dial(dctx)
		if !post(events, done, dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) onDial(r dialResult) {
	if r.gen != m.gen || m.State() != StateConnecting {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}

	if r.err != nil {
		m.logger.Warn("dial failed", "error", r.err)
		m.scheduleReconnect("dial failed: " + r.err.Error())
		return
	}

	m.attach(r.conn)
	m.enterOpen()
}

// attach adopts conn as the current physical connection and starts pumping
// its frames into the loop.
func (m *Manager) attach(conn Conn) {
	m.conn = conn
	m.pumpStop = make(chan struct{})

	m.statsMu.Lock()
	m.sessionID = uuid.NewString()
	m.statsMu.Unlock()

	go pump(m.gen, conn, m.pumpStop, m.runEvents, m.runDone)
}

func pump(gen uint64, conn Conn, stop <-chan struct{}, events chan<- any, done <-chan struct{}) {
	msgs, errs := conn.Messages(), conn.Errors()
	for {
		var ev any
		select {
		case msg, ok := <-msgs:
			if !ok {
				ev = connError{gen: gen, err: ErrConnectionClosed}
			} else {
				ev = connMessage{gen: gen, msg: msg}
			}
		case err, ok := <-errs:
			if !ok || err == nil {
				err = ErrConnectionClosed
			}
			ev = connError{gen: gen, err: err}
		case <-stop:
			return
		case <-done:
			return
		}

		select {
		case events <- ev:
		case <-stop:
			return
		case <-done:
			return
		}
		if _, failed := ev.(connError); failed {
			return
		}
	}
}

// enterOpen runs the entry procedure: reset backoff, fetch missing tokens,
// then replay subscriptions and flush the queue. The heartbeat starts first
// so a stalled token fetch still trips the liveness check.
func (m *Manager) enterOpen() {
	m.backoff.Reset()
	m.publishReconnect()
	m.authRetried, m.authGaveUp = false, false
	m.touch()
	m.transition(StateOpen, "handshake ok")
	m.startHeartbeat()

	accounts := m.missingTokenAccounts()
	if len(accounts) == 0 {
		m.finishOpen(nil)
		return
	}
	if m.tokens == nil {
		m.reportAuth(AuthStatus{Err: auth.ErrNoTokenSource})
		m.finishOpen(nil)
		return
	}

	m.transition(StateAuthenticating, "fetching auth tokens")
	m.fetchTokens(accounts, fetchOnOpen)
}

func (m *Manager) finishOpen(tokenErr error) {
	missing := m.sendSubscriptions()
	if m.State() != StateOpen {
		return
	}

	if n, err := m.flush(); err != nil {
		m.connLost(err)
		return
	} else if n > 0 {
		m.logger.Debug("flushed outbound queue", "frames", n)
	}

	if len(missing) > 0 && tokenErr == nil && m.tokens != nil {
		m.fetchTokens(missing, fetchLate)
	}

	for _, w := range m.waiters {
		w <- tokenErr
	}
	m.waiters = nil
}

// sendSubscriptions sends auth and subscribe frames, in registry order, for
// every entry not yet sent on this session. Auth entries without a valid
// token are withheld and their accounts returned.
func (m *Manager) sendSubscriptions() (missing []string) {
	now := time.Now()
	seen := make(map[string]struct{})

	for _, e := range m.registry.Snapshot() {
		if e.RequiresAuth && !e.HasValidToken(now) {
			if _, ok := seen[e.Account]; !ok && !e.StaticToken {
				seen[e.Account] = struct{}{}
				missing = append(missing, e.Account)
			}
			continue
		}
		if !m.registry.MarkSent(e.Key, m.gen) {
			continue
		}
		if e.RequiresAuth {
			if err := m.sendFrame(codec.Auth(e.Token)); err != nil {
				m.connLost(err)
				return nil
			}
		}
		if err := m.sendFrame(codec.Subscribe(e.Key)); err != nil {
			m.connLost(err)
			return nil
		}
	}
	return missing
}

func (m *Manager) missingTokenAccounts() []string {
	now := time.Now()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range m.registry.Snapshot() {
		if !e.RequiresAuth || e.StaticToken || e.HasValidToken(now) {
			continue
		}
		if _, ok := seen[e.Account]; ok {
			continue
		}
		seen[e.Account] = struct{}{}
		out = append(out, e.Account)
	}
	return out
}

// fetchTokens gets a token per account off the loop. Each call is bounded
// by DialTimeout.
func (m *Manager) fetchTokens(accounts []string, reason fetchReason) {
	gen, ctx, events, done := m.gen, m.runCtx, m.runEvents, m.runDone
	refresh := reason == fetchRetry || reason == fetchExpiring
	tokens, timeout := m.tokens, m.cfg.DialTimeout

	fetch := func(account string) (auth.Token, error) {
		fctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		if refresh {
			return tokens.RefreshToken(fctx, account)
		}
		return tokens.GetToken(fctx, account)
	}

	go func() {
		res := tokenResult{gen: gen, reason: reason}
		for _, account := range accounts {
			tok, err := fetch(account)
			if err != nil {
				if res.err == nil {
					res.err = err
				}
				continue
			}
			res.tokens = append(res.tokens, tok)
		}
		post(events, done, res)
	}()
}

func (m *Manager) onTokens(r tokenResult) {
	for _, tok := range r.tokens {
		m.registry.SetAccountToken(tok.Account, tok.Value, tok.ExpiresAt)
	}
	if r.err != nil {
		m.logger.Warn("auth token fetch failed", "error", r.err)
		m.reportAuth(AuthStatus{Err: r.err})
	}

	switch r.reason {
	case fetchOnOpen:
		if m.State() != StateAuthenticating {
			return
		}
		m.transition(StateOpen, "auth tokens ready")
		m.finishOpen(r.err)

	case fetchLate:
		if m.State() == StateOpen {
			m.sendSubscriptions()
		}

	case fetchRetry:
		if r.err != nil {
			m.authGaveUp = true
			return
		}
		if m.State() == StateOpen {
			m.sendSubscriptions()
		}

	case fetchExpiring:
		if r.err != nil || m.State() != StateOpen {
			return
		}
		for _, tok := range r.tokens {
			if err := m.sendFrame(codec.Auth(tok.Value)); err != nil {
				m.connLost(err)
				return
			}
		}
	}
}

func (m *Manager) onExpiring(tok auth.Token) {
	if m.State() != StateOpen || m.tokens == nil {
		return
	}
	for _, account := range m.registry.AuthAccounts() {
		if account == tok.Account {
			m.logger.Info("refreshing auth token before expiry", "account", tok.Account)
			m.fetchTokens([]string{tok.Account}, fetchExpiring)
			return
		}
	}
}

func (m *Manager) onSubscribe() {
	if m.State() != StateOpen {
		return
	}
	missing := m.sendSubscriptions()
	if len(missing) == 0 || m.State() != StateOpen {
		return
	}
	if m.tokens == nil {
		m.reportAuth(AuthStatus{Err: auth.ErrNoTokenSource})
		return
	}
	m.fetchTokens(missing, fetchLate)
}

func (m *Manager) onUnsubscribe(key channel.Key, sentSession uint64) {
	if m.State() != StateOpen || sentSession == 0 || sentSession != m.gen {
		return
	}
	if err := m.sendFrame(codec.Unsubscribe(key)); err != nil {
		m.connLost(err)
	}
}

func (m *Manager) onFlush() {
	if m.State() != StateOpen {
		return
	}
	if _, err := m.flush(); err != nil {
		m.connLost(err)
	}
}

// flush drains the queue FIFO. On a send failure the remainder stays queued.
func (m *Manager) flush() (int, error) {
	return m.queue.Flush(func(data []byte) error {
		return m.sendRaw(data, "queued")
	})
}

func (m *Manager) enqueue(data []byte) {
	if m.queue.Push(data) {
		m.metrics.ObserveQueueEviction()
		m.logger.Warn("outbound queue full, evicted oldest frame", "capacity", m.queue.Cap())
	}
}

func (m *Manager) onMessage(msg TimestampedMessage) {
	m.framesReceived.Add(1)

	ev, err := codec.Decode(msg.Data, msg.ReceivedAt)
	if err != nil {
		m.decodeErrors.Add(1)
		m.metrics.ObserveDecodeError()
		m.logger.Debug("dropping malformed frame", "error", err, "size", len(msg.Data))
		return
	}
	m.metrics.ObserveFrameReceived(ev.Kind.String())
	if ev.Kind.IsLiveness() {
		m.touch()
	}

	switch ev.Kind {
	case codec.KindPing:
		if err := m.sendFrame(codec.Pong()); err != nil {
			m.connLost(err)
		}
	case codec.KindPong:
	case codec.KindConnected:
		m.logger.Debug("server greeting received")
	case codec.KindAuthSuccess:
		m.authenticated.Store(true)
		m.authRetried, m.authGaveUp = false, false
		m.reportAuth(AuthStatus{Authenticated: true, Account: ev.Channel.Account()})
	case codec.KindAuthFailed:
		m.onAuthFailed(ev)
	case codec.KindSubscribed, codec.KindUpdate:
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(ev)
		}
	case codec.KindUnsubscribed:
		m.logger.Debug("unsubscribed", "channel", ev.Channel.String())
	case codec.KindError:
		m.logger.Warn("server error", "error", ev.Error, "channel", ev.RawChannel)
		if m.onServerError != nil {
			m.onServerError(ev)
		}
	default:
		m.logger.Debug("ignoring frame", "type", ev.Type)
	}
}

// onAuthFailed marks the affected subscriptions unauthenticated and makes a
// single refresh attempt per successful auth.
func (m *Manager) onAuthFailed(ev codec.Event) {
	m.authenticated.Store(false)

	var affected []subscription.Entry
	if e, ok := m.registry.Get(ev.Channel); ev.HasChannel() && ok && e.RequiresAuth {
		affected = []subscription.Entry{e}
	} else {
		for _, e := range m.registry.Snapshot() {
			if e.RequiresAuth {
				affected = append(affected, e)
			}
		}
	}

	seen := make(map[string]struct{})
	var accounts []string
	for _, e := range affected {
		m.registry.ClearToken(e.Key)
		m.registry.ClearSent(e.Key)
		if _, ok := seen[e.Account]; ok || e.StaticToken {
			continue
		}
		seen[e.Account] = struct{}{}
		accounts = append(accounts, e.Account)
	}

	m.logger.Warn("auth rejected", "error", ev.Error, "subscriptions", len(affected), "retried", m.authRetried)

	if m.authGaveUp {
		return
	}
	if m.authRetried || len(accounts) == 0 || m.tokens == nil {
		m.authGaveUp = true
		m.reportAuth(AuthStatus{Account: ev.Channel.Account(), Err: ErrAuthRejected})
		return
	}

	m.authRetried = true
	m.fetchTokens(accounts, fetchRetry)
}

func (m *Manager) onHeartbeat(now time.Time) {
	if !m.State().Connected() {
		return
	}
	if since := now.Sub(m.lastPong); since > m.cfg.LivenessThreshold() {
		m.logger.Warn("no ping/pong received, connection stale",
			"since", since,
			"threshold", m.cfg.LivenessThreshold(),
		)
		m.connLost(ErrStaleConnection)
		return
	}
	if err := m.sendFrame(codec.Ping()); err != nil {
		m.connLost(err)
	}
}

func (m *Manager) onReconnectTimer() {
	if m.State() != StateReconnecting {
		return
	}
	m.transition(StateConnecting, "backoff elapsed")
	m.dial()
}

// connLost tears down the physical connection and schedules a reconnect.
func (m *Manager) connLost(err error) {
	if !m.State().Connected() {
		return
	}
	m.logger.Warn("connection lost", "error", err)

	m.stopHeartbeat()
	m.dropConn()
	m.gen++
	m.authenticated.Store(false)
	m.reconnects.Add(1)
	m.scheduleReconnect(err.Error())
}

func (m *Manager) scheduleReconnect(reason string) {
	delay := m.backoff.Next()
	m.publishReconnect()
	m.metrics.ObserveReconnectDelay(delay)

	m.transition(StateReconnecting, reason)
	m.reconnectTimer = time.NewTimer(delay)
	m.logger.Info("reconnect scheduled", "attempt", m.backoff.attempt, "delay", delay)
}

// shutdown runs on Disconnect. Timers stop and the generation advances in
// the same step as the transition, so nothing in flight can reopen.
func (m *Manager) shutdown() {
	m.stopHeartbeat()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.gen++
	m.cancelRun()
	m.dropConn()
	m.authenticated.Store(false)
	m.transition(StateClosed, "disconnect requested")

	for _, w := range m.waiters {
		w <- ErrClosed
	}
	m.waiters = nil
}

func (m *Manager) dropConn() {
	if m.pumpStop != nil {
		close(m.pumpStop)
		m.pumpStop = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) startHeartbeat() {
	m.stopHeartbeat()
	m.heartbeat = time.NewTicker(m.cfg.PingInterval)
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// sendFrame encodes and sends f. Encoding failures are logged and dropped;
// only transport errors are returned.
func (m *Manager) sendFrame(f codec.OutboundFrame) error {
	data, err := codec.Encode(f)
	if err != nil {
		m.logger.Error("dropping invalid frame", "type", f.Type, "error", err)
		return nil
	}
	return m.sendRaw(data, string(f.Type))
}

func (m *Manager) sendRaw(data []byte, kind string) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.limiter.Wait(m.runCtx); err != nil {
		return err
	}
	if err := m.conn.Send(data); err != nil {
		return err
	}
	m.framesSent.Add(1)
	m.metrics.ObserveFrameSent(kind)
	return nil
}

func (m *Manager) touch() {
	now := time.Now()
	m.lastPong = now
	m.statsMu.Lock()
	m.lastSeen = now
	m.statsMu.Unlock()
}

func (m *Manager) publishReconnect() {
	st := m.backoff.State()
	m.statsMu.Lock()
	m.reconnect = st
	m.statsMu.Unlock()
}

func (m *Manager) reportAuth(st AuthStatus) {
	if m.onAuthStatus != nil {
		m.onAuthStatus(st)
	}
}

func (m *Manager) transition(to State, reason string) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}

	m.statsMu.Lock()
	sessionID := m.sessionID
	m.statsMu.Unlock()

	t := Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		SessionID: sessionID,
		Attempt:   m.backoff.attempt,
		At:        time.Now(),
	}

	m.logger.Info("connection state changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"attempt", t.Attempt,
	)
	m.metrics.ObserveTransition(from, to)
	if m.onTransition != nil {
		m.onTransition(t)
	}
}
