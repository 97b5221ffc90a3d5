// Package realtime implements the client half of the authenticated realtime
// session: it obtains an encrypted session descriptor, opens a WebSocket to
// the game backend, performs the in-band authentication handshake with a
// bounded retry budget, ingests candle and wallet frames, and tears down
// deterministically.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// State of the realtime session. Transitions only happen on the run loop in
// response to discrete events.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthPending
	StateAuthenticated
	// StateBlocked is the terminal substate reached when the retry budget is
	// exhausted: the server is busy and the session will not reconnect.
	StateBlocked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateBlocked:
		return "blocked"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// MaxAuthRetries bounds the authentication handshake attempts before the
	// session surfaces a server-busy condition.
	MaxAuthRetries = 5
	// DefaultAuthTimeout is how long an attempt waits for the authenticated
	// acknowledgement.
	DefaultAuthTimeout = 8 * time.Second
	// DefaultRetryDelay is the pause before reopening after a failed attempt.
	DefaultRetryDelay = 3 * time.Second
)

// Trade-intent and control literals of the streaming protocol.
const (
	IntentStart = "start"
	IntentStop  = "stop"
	IntentLong  = "long"
	IntentShort = "short"
	IntentClose = "close"
)

// MinPositionBalance is the minimum free balance required to open a position.
var MinPositionBalance = decimal.NewFromInt(100)

// ErrNotAuthenticated is returned for intents sent outside the Authenticated
// state.
var ErrNotAuthenticated = errors.New("realtime: not authenticated")

// ErrInsufficientBalance is returned when the free balance is below
// MinPositionBalance for a long/short intent.
var ErrInsufficientBalance = errors.New("realtime: free balance below minimum")

// TokenSource supplies the encrypted session descriptor presented during the
// handshake.
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) SessionToken(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a TokenSource for a descriptor already in hand.
func StaticToken(tok string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) { return tok, nil })
}

// Handler receives session events. All methods are invoked from the run loop,
// one at a time; implementations must not block.
type Handler interface {
	// HandleStateChange fires on every transition.
	HandleStateChange(from, to State)
	// HandleCandleWindow fires when the initial historical window arrives.
	HandleCandleWindow(window []Candle)
	// HandleCandle fires for every applied incremental update.
	HandleCandle(c Candle, res ApplyResult)
	// HandleWallet fires for every wallet snapshot.
	HandleWallet(w WalletSnapshot)
	// HandleAuthRejected fires when the backend sends an explicit error frame
	// during authentication. The session closes without retrying.
	HandleAuthRejected(reason string)
	// HandleServerBusy fires once when the retry budget is exhausted.
	HandleServerBusy()
	// HandleDisconnect fires when an authenticated transport closes for any
	// reason other than a deliberate local Close. The owner is expected to
	// run end-of-session finalization.
	HandleDisconnect(err error)
}

// NopHandler is a Handler that ignores every event. Embed it to implement
// only the events you care about.
type NopHandler struct{}

func (NopHandler) HandleStateChange(State, State)   {}
func (NopHandler) HandleCandleWindow([]Candle)      {}
func (NopHandler) HandleCandle(Candle, ApplyResult) {}
func (NopHandler) HandleWallet(WalletSnapshot)      {}
func (NopHandler) HandleAuthRejected(string)        {}
func (NopHandler) HandleServerBusy()                {}
func (NopHandler) HandleDisconnect(error)           {}

// Option configures a Client.
type Option func(*Client)

// WithHandler sets the event handler.
func WithHandler(h Handler) Option { return func(c *Client) { c.handler = h } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option { return func(c *Client) { c.log = log } }

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithAuthTimeout overrides the handshake acknowledgement timeout.
func WithAuthTimeout(d time.Duration) Option { return func(c *Client) { c.authTimeout = d } }

// WithRetryDelay overrides the delay before a retry attempt.
func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }

// Client is a single realtime session. One Client per owning view; nothing is
// shared between sessions. All state transitions happen on the run loop
// goroutine; public methods only post events and read snapshots.
type Client struct {
	url     string
	tokens  TokenSource
	dialer  *websocket.Dialer
	log     *slog.Logger
	handler Handler

	authTimeout time.Duration
	retryDelay  time.Duration

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// Observable snapshot, guarded by mu. The run loop is the only writer
	// once started.
	mu                sync.Mutex
	started           bool
	state             State
	retryCount        int
	lastAuthAttemptAt time.Time
	wallet            WalletSnapshot
	encToken          string

	// Run-loop-owned; never touched outside the loop.
	ctx        context.Context
	gen        uint64
	conn       *websocket.Conn
	authTimer  *time.Timer
	retryTimer *time.Timer
	series     Series
}

// event is one discrete input to the state machine. Transport and timer
// events carry the generation of the attempt they belong to; stale
// generations are discarded, which is what makes a forced close or a late
// acknowledgement inert.
type event interface{ isEvent() }

type (
	evConnect     struct{}
	evDialed      struct {
		gen  uint64
		conn *websocket.Conn
		err  error
	}
	evFrame struct {
		gen  uint64
		data []byte
	}
	evClosed struct {
		gen uint64
		err error
	}
	evAuthTimeout struct{ gen uint64 }
	evRetryTimer  struct{ gen uint64 }
	evIntent      struct {
		msg   string
		reply chan error
	}
	evTeardown struct{}
)

func (evConnect) isEvent()     {}
func (evDialed) isEvent()      {}
func (evFrame) isEvent()       {}
func (evClosed) isEvent()      {}
func (evAuthTimeout) isEvent() {}
func (evRetryTimer) isEvent()  {}
func (evIntent) isEvent()      {}
func (evTeardown) isEvent()    {}

// NewClient builds a session client for the backend WebSocket url. The
// session does not connect until Connect is called.
func NewClient(url string, tokens TokenSource, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("websocket url is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	c := &Client{
		url:         url,
		tokens:      tokens,
		dialer:      websocket.DefaultDialer,
		log:         slog.Default(),
		handler:     NopHandler{},
		authTimeout: DefaultAuthTimeout,
		retryDelay:  DefaultRetryDelay,
		events:      make(chan event, 32),
		done:        make(chan struct{}),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect starts the run loop and begins the first connection attempt. The
// session lives until ctx is cancelled, Close is called, or it reaches a
// terminal state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("realtime: connect from %s", state)
	}
	c.started = true
	c.mu.Unlock()

	c.ctx = ctx
	go c.run()
	c.post(evConnect{})
	return nil
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of consecutive failed handshake attempts.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Wallet returns the latest account snapshot.
func (c *Client) Wallet() WalletSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet
}

// Long opens a long position. Requires Authenticated and free balance of at
// least MinPositionBalance.
func (c *Client) Long() error { return c.tradeIntent(IntentLong) }

// Short opens a short position under the same conditions as Long.
func (c *Client) Short() error { return c.tradeIntent(IntentShort) }

// ClosePosition closes the open position.
func (c *Client) ClosePosition() error { return c.sendIntent(IntentClose) }

func (c *Client) tradeIntent(msg string) error {
	if c.Wallet().BalanceFree.Cmp(MinPositionBalance) < 0 {
		return ErrInsufficientBalance
	}
	return c.sendIntent(msg)
}

func (c *Client) sendIntent(msg string) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	reply := make(chan error, 1)
	select {
	case c.events <- evIntent{msg: msg, reply: reply}:
	case <-c.done:
		return ErrNotAuthenticated
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrNotAuthenticated
	}
}

// Close tears the session down deterministically: pending timers are
// cancelled, the transport is released with a best-effort stop signal, and a
// deliberate close is never mistaken for a backend-initiated disconnect.
// Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		// Claim the session so a later Connect cannot start a loop whose
		// exit would close done a second time.
		c.started = true
		c.mu.Unlock()

		if !started {
			// The run loop never ran; there is no transport or timer to
			// release and nobody to consume a teardown event.
			c.setState(StateClosed)
			close(c.done)
			return
		}
		select {
		case c.events <- evTeardown{}:
		case <-c.done:
		}
	})
	<-c.done
}

// Done is closed when the run loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) post(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

// run is the single logical thread of control: every event handler runs to
// completion before the next event is processed.
func (c *Client) run() {
	defer close(c.done)
	for {
		var e event
		select {
		case e = <-c.events:
		case <-c.ctx.Done():
			c.teardown()
			return
		}

		switch ev := e.(type) {
		case evConnect:
			c.startAttempt()
		case evDialed:
			c.onDialed(ev)
		case evFrame:
			c.onFrame(ev)
		case evClosed:
			c.onClosed(ev)
		case evAuthTimeout:
			c.onAuthTimeout(ev)
		case evRetryTimer:
			c.onRetryTimer(ev)
		case evIntent:
			ev.reply <- c.onIntent(ev.msg)
		case evTeardown:
			c.teardown()
			return
		}

		if c.State() == StateClosed {
			return
		}
	}
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.log.Debug("realtime state change",
			slog.String("from", from.String()), slog.String("to", to.String()))
		c.handler.HandleStateChange(from, to)
	}
}

func (c *Client) setRetryCount(n int) {
	c.mu.Lock()
	c.retryCount = n
	c.mu.Unlock()
}

// invalidateAttempt makes the current transport and its timers stale. Any
// in-flight frame, close, or timer fire for the old generation is discarded
// when it arrives.
func (c *Client) invalidateAttempt() {
	c.gen++
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// startAttempt opens a fresh transport under a new generation.
func (c *Client) startAttempt() {
	c.invalidateAttempt()
	c.setState(StateConnecting)

	gen := c.gen
	go func() {
		tok := c.sessionToken()
		if tok == "" {
			var err error
			tok, err = c.tokens.SessionToken(c.ctx)
			if err != nil {
				c.post(evDialed{gen: gen, err: fmt.Errorf("session token: %w", err)})
				return
			}
			c.stashToken(tok)
		}

		conn, resp, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.post(evDialed{gen: gen, err: err})
			return
		}
		c.post(evDialed{gen: gen, conn: conn})
	}()
}

// stashToken records the fetched descriptor for reuse across retry attempts.
// The descriptor outlives individual attempts (it expires on its own
// schedule), so refetching per retry would waste the issuance budget.
func (c *Client) stashToken(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encToken == "" {
		c.encToken = tok
	}
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encToken
}

func (c *Client) onDialed(ev evDialed) {
	if ev.gen != c.gen {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		c.log.Warn("realtime dial failed", slog.String("err", ev.err.Error()))
		c.failAttempt()
		return
	}

	c.conn = ev.conn
	c.setState(StateAuthPending)
	c.mu.Lock()
	c.lastAuthAttemptAt = time.Now()
	c.mu.Unlock()

	// First frame after open is the encrypted descriptor.
	if err := c.conn.WriteJSON(map[string]string{"encrypted_token": c.sessionToken()}); err != nil {
		c.log.Warn("realtime handshake write failed", slog.String("err", err.Error()))
		c.failAttempt()
		return
	}

	gen := c.gen
	c.authTimer = time.AfterFunc(c.authTimeout, func() { c.post(evAuthTimeout{gen: gen}) })
	go c.readPump(gen, c.conn)
}

func (c *Client) readPump(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(evClosed{gen: gen, err: err})
			return
		}
		c.post(evFrame{gen: gen, data: data})
	}
}

func (c *Client) onFrame(ev evFrame) {
	if ev.gen != c.gen {
		// Frame from an abandoned attempt, e.g. a late auth ack arriving
		// after the timeout already forced a retry. Never applied.
		return
	}

	frame := DecodeFrame(ev.data)

	switch c.State() {
	case StateAuthPending:
		switch frame.Kind {
		case FrameAuthAck:
			if c.authTimer != nil {
				c.authTimer.Stop()
				c.authTimer = nil
			}
			c.setRetryCount(0)
			c.setState(StateAuthenticated)
			// Request the initial historical window.
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(IntentStart)); err != nil {
				c.log.Warn("realtime start request failed", slog.String("err", err.Error()))
			}
		case FrameAuthError:
			// Explicit rejection: abandon without retrying.
			c.invalidateAttempt()
			c.setState(StateClosed)
			c.handler.HandleAuthRejected(frame.Err)
		default:
			// Data before authentication is discarded.
		}

	case StateAuthenticated:
		switch frame.Kind {
		case FrameCandleWindow:
			c.series.SetWindow(frame.Window)
			c.handler.HandleCandleWindow(frame.Window)
		case FrameCandleUpdate:
			if res := c.series.Apply(frame.Update); res != Dropped {
				c.handler.HandleCandle(frame.Update, res)
			}
		case FrameWalletUpdate:
			c.mu.Lock()
			c.wallet = frame.Wallet
			c.mu.Unlock()
			c.handler.HandleWallet(frame.Wallet)
		default:
			c.log.Debug("realtime unrecognized frame discarded")
		}

	default:
		// Messages in any other state are discarded.
	}
}

func (c *Client) onClosed(ev evClosed) {
	if ev.gen != c.gen {
		// Suppressed close: a forced close during retry, or a transport we
		// already abandoned. Must not trigger the disconnect path.
		return
	}

	switch c.State() {
	case StateAuthenticated:
		c.invalidateAttempt()
		c.setState(StateClosed)
		c.handler.HandleDisconnect(ev.err)
	case StateAuthPending:
		// Transport dropped before the acknowledgement: same budgeted retry
		// path as a timeout.
		c.log.Warn("realtime transport closed during handshake", slog.String("err", errString(ev.err)))
		c.failAttempt()
	default:
	}
}

func (c *Client) onAuthTimeout(ev evAuthTimeout) {
	if ev.gen != c.gen || c.State() != StateAuthPending {
		return
	}
	c.log.Warn("realtime auth acknowledgement timed out",
		slog.Int("retry_count", c.RetryCount()))
	c.failAttempt()
}

// failAttempt closes the current transport without treating it as a normal
// disconnect and either schedules a retry or blocks when the budget is spent.
func (c *Client) failAttempt() {
	c.invalidateAttempt()

	next := c.RetryCount() + 1
	c.setRetryCount(next)
	if next >= MaxAuthRetries {
		c.setState(StateBlocked)
		c.handler.HandleServerBusy()
		return
	}

	c.setState(StateConnecting)
	gen := c.gen
	c.retryTimer = time.AfterFunc(c.retryDelay, func() { c.post(evRetryTimer{gen: gen}) })
}

func (c *Client) onRetryTimer(ev evRetryTimer) {
	if ev.gen != c.gen || c.State() != StateConnecting {
		return
	}
	c.startAttempt()
}

func (c *Client) onIntent(msg string) error {
	if c.State() != StateAuthenticated || c.conn == nil {
		return ErrNotAuthenticated
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("realtime: send %q: %w", msg, err)
	}
	return nil
}

// teardown is the deliberate local close: stale-out every timer and the
// transport, send a best-effort stop, and land in Closed without invoking the
// disconnect path.
func (c *Client) teardown() {
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, []byte(IntentStop))
	}
	c.invalidateAttempt()
	c.setState(StateClosed)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
