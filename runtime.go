package zumi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// RuntimePhase is the reconciler's position in the login/connect cycle.
type RuntimePhase int32

const (
	PhaseIdle RuntimePhase = iota
	PhaseLoggingIn
	PhaseLoginBackoff
	PhaseLoggedIn
	PhaseWSConnecting
	PhaseWSReady
	PhaseStopped
)

func (p RuntimePhase) String() string {
	switch p {
	case PhaseLoggingIn:
		return "logging_in"
	case PhaseLoginBackoff:
		return "login_backoff"
	case PhaseLoggedIn:
		return "logged_in"
	case PhaseWSConnecting:
		return "ws_connecting"
	case PhaseWSReady:
		return "ws_ready"
	case PhaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

const (
	// Gateway close codes in this range mean the session itself was
	// rejected, not the transport.
	authCloseMin = 4001
	authCloseMax = 4099

	// nearTermDelay spaces out reconcile passes after a disconnect the
	// connection is handling itself.
	nearTermDelay = time.Second

	// transientLoginDelay retries a restarting login backend without
	// burning a backoff attempt.
	transientLoginDelay = 100 * time.Millisecond
)

// gatewayLink is the slice of Connection the runtime drives. A seam for
// tests.
type gatewayLink interface {
	Connect(ctx context.Context, session *Session, opts ConnectOptions) error
	ExplicitDisconnect() error
	Close() error
	State() ConnState
}

// RuntimeDeps carries the runtime's collaborators. Accounts is required;
// a nil Events gets a private dispatcher.
type RuntimeDeps struct {
	Accounts AccountManager
	Cookies  CookieStore
	Events   *Dispatcher
	Handler  FrameHandler
	Logger   *slog.Logger
}

// Runtime supervises one account: it logs in (with backoff), keeps a
// gateway connection up while configured to, and forces a fresh login
// when a disconnect says the session died. It is level-triggered: every
// nudge re-derives at most one action from current state, so repeated
// triggers are harmless.
type Runtime struct {
	account string
	cfg0    Config
	deps    RuntimeDeps
	log     *slog.Logger
	rng     *rand.Rand

	newLink func(ConnectionConfig) gatewayLink
	runCtx  context.Context

	cmds         chan rtCmd
	trigger      chan struct{}
	loginResults chan loginResult
	connResults  chan error
	done         chan struct{}

	phase atomic.Int32
}

// NewRuntime builds a runtime for one account. Call Run to start it;
// the other methods are serviced by Run's loop.
func NewRuntime(account string, cfg Config, deps RuntimeDeps) *Runtime {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = NewDispatcher(log)
	}
	rt := &Runtime{
		account:      account,
		cfg0:         cfg.withDefaults(),
		deps:         deps,
		log:          log.With("account", account),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		cmds:         make(chan rtCmd),
		trigger:      make(chan struct{}, 1),
		loginResults: make(chan loginResult, 1),
		connResults:  make(chan error, 1),
		done:         make(chan struct{}),
	}
	rt.newLink = func(cc ConnectionConfig) gatewayLink { return NewConnection(cc) }
	return rt
}

type rtState struct {
	cfg     Config
	phase   RuntimePhase
	session *Session
	link    gatewayLink

	loginAttempt  int
	loginGen      int
	loginInFlight bool
	loginCancel   context.CancelFunc
	loginHold     bool
	connHold      bool
	forceLogin    bool

	wake *time.Timer
}

type loginResult struct {
	gen     int
	session *Session
	err     error
}

type rtCmdKind int

const (
	rtSetConfig rtCmdKind = iota
	rtNudge
	rtStop
	rtResume
	rtSession
)

type rtCmd struct {
	kind  rtCmdKind
	cfg   Config
	reply chan rtReply
}

type rtReply struct {
	session *Session
	err     error
}

// Run drives the reconcile loop until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) error {
	defer close(rt.done)
	rt.runCtx = ctx

	sub, cancel := rt.deps.Events.Subscribe(64)
	defer cancel()

	st := &rtState{cfg: rt.cfg0}
	rt.setPhase(st, PhaseIdle)
	rt.kick()

	for {
		var wakeC <-chan time.Time
		if st.wake != nil {
			wakeC = st.wake.C
		}

		select {
		case <-ctx.Done():
			rt.shutdown(st)
			return ctx.Err()
		case cmd := <-rt.cmds:
			rt.handleCmd(st, cmd)
		case res := <-rt.loginResults:
			rt.handleLoginResult(st, res)
		case err := <-rt.connResults:
			rt.handleConnectResult(st, err)
		case ev := <-sub:
			rt.handleEvent(st, ev)
		case <-rt.trigger:
			rt.reconcile(st)
		case <-wakeC:
			st.wake = nil
			rt.onWake(st)
		}
	}
}

// --- Public API (serviced by Run) ---

// SetConfig swaps the configuration and clears hold flags. Connection
// settings take effect on the next dial.
func (rt *Runtime) SetConfig(cfg Config) error {
	return rt.do(rtCmd{kind: rtSetConfig, cfg: cfg}).err
}

// Reconcile nudges the loop: clears hold flags and runs one pass.
func (rt *Runtime) Reconcile() {
	rt.do(rtCmd{kind: rtNudge})
}

// Stop disconnects explicitly and parks the runtime in the sticky
// stopped phase. Resume restarts it.
func (rt *Runtime) Stop() error {
	return rt.do(rtCmd{kind: rtStop}).err
}

// Resume leaves the stopped phase (or just clears holds) and triggers a
// pass.
func (rt *Runtime) Resume() error {
	return rt.do(rtCmd{kind: rtResume}).err
}

// Phase is a lock-free snapshot for observers.
func (rt *Runtime) Phase() RuntimePhase {
	return RuntimePhase(rt.phase.Load())
}

// Session returns the session the runtime currently holds, nil before
// the first login completes.
func (rt *Runtime) Session() *Session {
	return rt.do(rtCmd{kind: rtSession}).session
}

func (rt *Runtime) do(cmd rtCmd) rtReply {
	cmd.reply = make(chan rtReply, 1)
	select {
	case rt.cmds <- cmd:
	case <-rt.done:
		return rtReply{err: ErrClosed}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-rt.done:
		return rtReply{err: ErrClosed}
	}
}

func (rt *Runtime) kick() {
	select {
	case rt.trigger <- struct{}{}:
	default:
	}
}

func (rt *Runtime) setPhase(st *rtState, p RuntimePhase) {
	if st.phase != p {
		rt.log.Debug("phase change", "from", st.phase, "to", p)
	}
	st.phase = p
	rt.phase.Store(int32(p))
}

// --- Loop handlers ---

func (rt *Runtime) handleCmd(st *rtState, cmd rtCmd) {
	switch cmd.kind {
	case rtSetConfig:
		cfg := cmd.cfg.withDefaults()
		if err := cfg.Validate(); err != nil {
			cmd.reply <- rtReply{err: err}
			return
		}
		st.cfg = cfg
		st.loginHold = false
		st.connHold = false
		if st.phase == PhaseLoginBackoff && !cfg.Login.Retry.Enabled {
			rt.clearWake(st)
			rt.setPhase(st, PhaseIdle)
		}
		rt.reconcile(st)
		cmd.reply <- rtReply{}

	case rtNudge:
		st.loginHold = false
		st.connHold = false
		rt.reconcile(st)
		cmd.reply <- rtReply{}

	case rtStop:
		rt.clearWake(st)
		rt.cancelLogin(st)
		rt.setPhase(st, PhaseStopped)
		if st.link != nil {
			_ = st.link.ExplicitDisconnect()
			_ = st.link.Close()
			st.link = nil
		}
		rt.log.Info("runtime stopped")
		cmd.reply <- rtReply{}

	case rtResume:
		st.loginHold = false
		st.connHold = false
		if st.phase == PhaseStopped {
			rt.setPhase(st, PhaseIdle)
		}
		rt.reconcile(st)
		cmd.reply <- rtReply{}

	case rtSession:
		cmd.reply <- rtReply{session: st.session}
	}
}

// reconcile recomputes the next action from current state and takes at
// most one.
func (rt *Runtime) reconcile(st *rtState) {
	switch st.phase {
	case PhaseStopped, PhaseLoggingIn, PhaseLoginBackoff, PhaseWSConnecting, PhaseWSReady:
		// Terminal, in flight, or waiting on an event.
		return

	case PhaseIdle:
		if !st.cfg.AutoLogin || st.loginHold {
			return
		}
		if st.loginInFlight {
			// A login canceled by Stop has not returned yet; its
			// result kicks the next pass.
			return
		}
		if rt.deps.Accounts == nil {
			st.loginHold = true
			rt.log.Error("no account manager configured")
			return
		}
		// A forced login after session expiry skips adoption: the
		// backend may still self-report logged-in with the dead
		// session.
		if !st.forceLogin && rt.deps.Accounts.State(rt.account) == AccountLoggedIn {
			if s := rt.deps.Accounts.Session(rt.account); s != nil {
				st.session = s
				rt.setPhase(st, PhaseLoggedIn)
				rt.log.Info("adopted existing session", "uid", s.UID)
				rt.kick()
				return
			}
		}
		st.forceLogin = false
		st.loginGen++
		st.loginInFlight = true
		lctx, cancel := context.WithTimeout(rt.runCtx, st.cfg.Login.Timeout)
		st.loginCancel = cancel
		rt.setPhase(st, PhaseLoggingIn)
		rt.log.Info("logging in")
		go rt.loginWorker(lctx, st.loginGen)

	case PhaseLoggedIn:
		if st.session == nil {
			rt.setPhase(st, PhaseIdle)
			rt.kick()
			return
		}
		if !st.cfg.WS.AutoConnect || st.connHold {
			return
		}
		if st.link == nil {
			st.link = rt.newLink(ConnectionConfig{
				AccountID: rt.account,
				WS:        st.cfg.WS,
				Cookies:   rt.deps.Cookies,
				Events:    rt.deps.Events,
				Handler:   rt.deps.Handler,
				Logger:    rt.deps.Logger,
			})
		}
		if st.link.State() != StateDisconnected {
			// The connection is mid-dial or mid-backoff on its own.
			return
		}
		rt.setPhase(st, PhaseWSConnecting)
		go rt.connectWorker(rt.runCtx, st.link, st.session,
			ConnectOptions{Reconnect: st.cfg.WS.Reconnect})
	}
}

func (rt *Runtime) onWake(st *rtState) {
	if st.phase == PhaseLoginBackoff {
		rt.setPhase(st, PhaseIdle)
	}
	rt.reconcile(st)
}

func (rt *Runtime) handleLoginResult(st *rtState, res loginResult) {
	st.loginInFlight = false
	if st.loginCancel != nil {
		st.loginCancel()
		st.loginCancel = nil
	}
	if res.gen != st.loginGen {
		// Canceled by Stop; whatever it carries is no longer ours.
		rt.log.Debug("stale login result dropped")
		rt.kick()
		return
	}
	if st.phase != PhaseLoggingIn {
		rt.log.Debug("login result after phase change, dropped", "phase", st.phase)
		return
	}
	if res.err == nil && res.session == nil {
		res.err = &ProtocolError{Op: "login", Err: errors.New("manager returned no session")}
	}
	if res.err == nil {
		st.session = res.session
		st.loginAttempt = 0
		rt.setPhase(st, PhaseLoggedIn)
		rt.log.Info("logged in", "uid", res.session.UID)
		rt.reconcile(st)
		return
	}
	if errors.Is(res.err, ErrLoginUnavailable) {
		rt.log.Warn("login backend unavailable, retrying shortly")
		rt.setPhase(st, PhaseIdle)
		rt.scheduleWake(st, transientLoginDelay)
		return
	}
	if st.cfg.Login.Retry.Enabled {
		st.loginAttempt++
		delay := loginBackoffDelay(st.cfg.Login.Retry, st.loginAttempt, rt.rng)
		rt.setPhase(st, PhaseLoginBackoff)
		rt.scheduleWake(st, delay)
		rt.log.Warn("login failed, backing off",
			"error", res.err, "attempt", st.loginAttempt, "delay", delay)
		return
	}
	st.loginHold = true
	rt.setPhase(st, PhaseIdle)
	rt.log.Error("login failed, retry disabled", "error", res.err)
}

func (rt *Runtime) handleConnectResult(st *rtState, err error) {
	if st.phase != PhaseWSConnecting {
		rt.log.Debug("connect result after phase change", "error", err)
		return
	}
	if err != nil {
		rt.log.Warn("gateway connect failed", "error", err)
		rt.setPhase(st, PhaseLoggedIn)
		rt.scheduleWake(st, nearTermDelay)
		return
	}
	// Connected; the ready event finishes the transition.
}

func (rt *Runtime) handleEvent(st *rtState, ev Event) {
	if ev.Account != rt.account || st.phase == PhaseStopped {
		return
	}
	switch ev.Kind {
	case EventReady:
		if st.phase == PhaseWSConnecting || st.phase == PhaseLoggedIn {
			rt.setPhase(st, PhaseWSReady)
			rt.log.Info("realtime ready")
		}
	case EventDisconnected:
		rt.handleDisconnected(st, ev)
	case EventError:
		var terr *TerminalRetryError
		if errors.As(ev.Err, &terr) {
			st.connHold = true
			if st.phase == PhaseWSConnecting || st.phase == PhaseWSReady {
				rt.setPhase(st, PhaseLoggedIn)
			}
			rt.log.Error("reconnect budget exhausted, holding", "error", ev.Err)
		}
	default:
		rt.log.Debug("lifecycle event", "kind", ev.Kind, "reason", ev.Reason)
	}
}

func (rt *Runtime) handleDisconnected(st *rtState, ev Event) {
	expiry := ev.Reason.SessionExpiry() ||
		(ev.Code >= authCloseMin && ev.Code <= authCloseMax)
	if expiry {
		rt.log.Warn("session expired, forcing re-login",
			"reason", ev.Reason, "code", ev.Code)
		st.session = nil
		if st.link != nil {
			_ = st.link.Close()
			st.link = nil
		}
		rt.clearWake(st)
		rt.cancelLogin(st)
		st.forceLogin = true
		st.loginAttempt = 0
		rt.setPhase(st, PhaseIdle)
		rt.reconcile(st)
		return
	}
	if st.phase != PhaseWSConnecting && st.phase != PhaseWSReady {
		// Drops while logged_in are the connection's own retry loop.
		return
	}
	rt.setPhase(st, PhaseLoggedIn)
	if st.cfg.WS.Reconnect {
		rt.scheduleWake(st, nearTermDelay)
	} else {
		st.connHold = true
		rt.log.Info("gateway dropped, auto-reconnect disabled")
	}
}

// --- Workers ---

func (rt *Runtime) loginWorker(ctx context.Context, gen int) {
	s, err := rt.deps.Accounts.Login(ctx, rt.account)
	select {
	case rt.loginResults <- loginResult{gen: gen, session: s, err: err}:
	case <-rt.done:
	}
}

// cancelLogin invalidates an in-flight login: the worker's context is
// canceled and its eventual result fails the generation check.
func (rt *Runtime) cancelLogin(st *rtState) {
	if !st.loginInFlight {
		return
	}
	if st.loginCancel != nil {
		st.loginCancel()
		st.loginCancel = nil
	}
	st.loginGen++
}

func (rt *Runtime) connectWorker(ctx context.Context, link gatewayLink, s *Session, opts ConnectOptions) {
	err := link.Connect(ctx, s, opts)
	select {
	case rt.connResults <- err:
	case <-rt.done:
	}
}

// --- Timers ---

func (rt *Runtime) scheduleWake(st *rtState, d time.Duration) {
	rt.clearWake(st)
	st.wake = time.NewTimer(d)
}

func (rt *Runtime) clearWake(st *rtState) {
	if st.wake == nil {
		return
	}
	if !st.wake.Stop() {
		select {
		case <-st.wake.C:
		default:
		}
	}
	st.wake = nil
}

func (rt *Runtime) shutdown(st *rtState) {
	rt.clearWake(st)
	rt.cancelLogin(st)
	if st.link != nil {
		_ = st.link.ExplicitDisconnect()
		_ = st.link.Close()
		st.link = nil
	}
}

// loginBackoffDelay grows min by factor per attempt, caps at max, then
// spreads the result by the jitter fraction. The floor stays at min so
// jitter cannot undercut it.
func loginBackoffDelay(cfg LoginRetryConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.Min) * math.Pow(cfg.Factor, float64(attempt-1))
	if d > float64(cfg.Max) {
		d = float64(cfg.Max)
	}
	if cfg.Jitter > 0 && rng != nil {
		d *= 1 + cfg.Jitter*(2*rng.Float64()-1)
	}
	if d < float64(cfg.Min) {
		d = float64(cfg.Min)
	}
	return time.Duration(d)
}
