package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type ControllerState int

const (
	StateIdle ControllerState = iota
	StateProbing
	StateLaunching
	StateAwaitingChallenge
	StateReady
	StateRetrying
)

func (s ControllerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateLaunching:
		return "launching"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateReady:
		return "ready"
	case StateRetrying:
		return "retrying"
	}
	return "unknown"
}

// ErrNotReady is returned for dispatch attempts while no session is up.
var ErrNotReady = errors.New("session not ready")

// ControllerStatus is the read-only view exposed to the HTTP surface. It
// reports the closest known state even while a transition is mid-flight.
type ControllerStatus struct {
	State        string `json:"state"`
	Ready        bool   `json:"ready"`
	HasChallenge bool   `json:"has_challenge"`
	Attempt      int    `json:"attempt"`
}

type ControllerConfig struct {
	ClientID        string
	ForceFresh      bool
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxAttempts     int
	RecheckInterval time.Duration
	SettleDelay     time.Duration
	PersistInterval time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = defaultRecheckInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = defaultPersistInterval
	}
	return c
}

// backoffDelay is the retry policy: base delay doubled per attempt, capped.
// Pure so it can be tested without timers.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Controller owns the single automation session: brings it to ready, keeps
// its credentials persisted, and recovers from failures. All session state
// lives here, never in package globals, and the session handle is never
// handed out.
type Controller struct {
	cfg       ControllerConfig
	store     CredentialStore
	snaps     *snapshotter
	factory   SessionFactory
	publisher *eventPublisher

	mu               sync.Mutex
	state            ControllerState
	challenge        string
	attempt          int
	launching        bool
	started          bool
	session          AutomationSession
	persistStop      chan struct{}
	lastChallengeLog time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func NewController(cfg ControllerConfig, store CredentialStore, snaps *snapshotter, factory SessionFactory, publisher *eventPublisher) *Controller {
	return &Controller{
		cfg:       cfg.withDefaults(),
		store:     store,
		snaps:     snaps,
		factory:   factory,
		publisher: publisher,
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

// Start probes the store for an existing credential record, restores from
// the snapshot when the primary is absent, then launches the session in
// the selected mode. A store error here is fatal: without persistence the
// controller cannot do anything useful. Calling Start twice launches
// nothing twice.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.state = StateProbing
	c.mu.Unlock()

	found, err := c.store.HasCredential(ctx, c.cfg.ClientID)
	if err != nil {
		return fmt.Errorf("credential store unreachable: %w", err)
	}
	if !found {
		restored, rerr := c.snaps.restore(ctx)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("Snapshot restore failed, continuing without")
		}
		if restored {
			found, err = c.store.HasCredential(ctx, c.cfg.ClientID)
			if err != nil {
				return fmt.Errorf("credential store unreachable: %w", err)
			}
		}
	}

	mode := LaunchFresh
	if found && !c.cfg.ForceFresh {
		mode = LaunchResume
	}
	log.Info().Str("clientId", c.cfg.ClientID).Bool("credentialFound", found).Str("mode", mode.String()).Msg("Presence determined, launching session")

	go c.run(ctx, mode)
	return nil
}

type loopOutcome struct {
	relaunch bool
	mode     LaunchMode
	settle   bool
	failed   bool
}

func (c *Controller) run(ctx context.Context, mode LaunchMode) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if !c.beginLaunch() {
			// Another launch attempt is already in flight.
			return
		}
		sess, err := c.factory(ctx, mode)
		if err != nil {
			c.endLaunch(nil)
			log.Error().Err(err).Int("attempt", c.currentAttempt()).Str("mode", mode.String()).Msg("Session launch failed")
			if !c.sleepDone(ctx, c.nextFailureDelay()) {
				return
			}
			continue
		}
		c.endLaunch(sess)

		out := c.consume(ctx, sess)
		if !out.relaunch {
			return
		}
		mode = out.mode
		if out.failed {
			if !c.sleepDone(ctx, c.nextFailureDelay()) {
				return
			}
		} else if out.settle {
			// Give the remote side time to notice the old connection is
			// gone before constructing a replacement.
			if !c.sleepDone(ctx, c.cfg.SettleDelay) {
				return
			}
		}
	}
}

// beginLaunch is the reentrancy guard: at most one launch attempt may be
// in flight, overlapping start requests short-circuit.
func (c *Controller) beginLaunch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launching {
		return false
	}
	c.launching = true
	if c.state != StateRetrying {
		c.state = StateLaunching
	}
	return true
}

func (c *Controller) endLaunch(sess AutomationSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launching = false
	c.session = sess
}

func (c *Controller) consume(ctx context.Context, sess AutomationSession) loopOutcome {
	for {
		select {
		case <-ctx.Done():
			c.teardown(sess)
			return loopOutcome{}
		case <-c.done:
			c.teardown(sess)
			return loopOutcome{}
		case ev, ok := <-sess.Events():
			if !ok {
				// Event channel closed under us: treat like a disconnect.
				c.markRetrying()
				c.teardown(sess)
				return loopOutcome{relaunch: true, mode: LaunchResume, settle: true}
			}
			switch ev.Kind {
			case EventChallenge:
				c.setChallenge(ev.Code)
			case EventAuthenticated:
				log.Info().Msg("Session authenticated")
			case EventReady:
				c.enterReady(ctx, sess)
			case EventAuthFailure:
				// The stored credentials are no longer honored; only a new
				// challenge cycle gets us back. Presence is not re-probed.
				log.Warn().Err(ev.Err).Msg("Authentication failure, scheduling fresh launch")
				c.clearChallenge()
				c.markRetrying()
				c.teardown(sess)
				c.publisher.Publish("auth_failure", map[string]interface{}{"clientId": c.cfg.ClientID})
				return loopOutcome{relaunch: true, mode: LaunchFresh, failed: true}
			case EventDisconnected:
				// Reuse the existing credential record optimistically; a
				// disconnect on a transient blip must not cost a new
				// challenge, so presence is not re-probed on this path.
				log.Warn().Err(ev.Err).Msg("Session disconnected, scheduling relaunch")
				c.markRetrying()
				c.teardown(sess)
				c.publisher.Publish("disconnected", map[string]interface{}{"clientId": c.cfg.ClientID})
				return loopOutcome{relaunch: true, mode: LaunchResume, settle: true}
			}
		}
	}
}

func (c *Controller) setChallenge(code string) {
	c.mu.Lock()
	c.challenge = code
	c.state = StateAwaitingChallenge
	shouldLog := time.Since(c.lastChallengeLog) > 2*time.Second
	if shouldLog {
		c.lastChallengeLog = time.Now()
	}
	c.mu.Unlock()
	// Bursts of reissued challenges are rate-limited for logging only;
	// the state above is always updated.
	if shouldLog {
		log.Info().Msg("New challenge token issued, scan it at /whatsapp/login")
	}
	c.publisher.Publish("challenge", map[string]interface{}{"clientId": c.cfg.ClientID})
}

func (c *Controller) clearChallenge() {
	c.mu.Lock()
	c.challenge = ""
	c.mu.Unlock()
}

func (c *Controller) markRetrying() {
	c.mu.Lock()
	c.state = StateRetrying
	c.mu.Unlock()
}

func (c *Controller) enterReady(ctx context.Context, sess AutomationSession) {
	c.mu.Lock()
	c.challenge = ""
	c.state = StateReady
	c.attempt = 0
	if c.persistStop != nil {
		close(c.persistStop)
	}
	stop := make(chan struct{})
	c.persistStop = stop
	c.mu.Unlock()

	log.Info().Str("clientId", c.cfg.ClientID).Msg("Session ready")
	c.publisher.Publish("ready", map[string]interface{}{"clientId": c.cfg.ClientID})

	// Immediate persist on every ready transition, then the recurring
	// refresh that keeps the snapshot usable for disaster recovery.
	c.persistCredentials(ctx, sess)
	go c.persistLoop(ctx, sess, stop)
}

func (c *Controller) persistLoop(ctx context.Context, sess AutomationSession, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.persistCredentials(ctx, sess)
		}
	}
}

// persistCredentials refreshes the primary record from the live session
// and rewrites the snapshot. Failures are logged and swallowed: losing a
// backup write must never crash a working session.
func (c *Controller) persistCredentials(ctx context.Context, sess AutomationSession) {
	recs, err := sess.ExportCredentials(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not export credentials from session")
		return
	}
	now := time.Now().UTC()
	for i := range recs {
		recs[i].ClientID = c.cfg.ClientID
		recs[i].UpdatedAt = now
	}
	if err := c.store.PutCredentials(ctx, recs); err != nil {
		log.Warn().Err(err).Msg("Credential persist failed")
		return
	}
	if err := c.snaps.backup(ctx); err != nil {
		log.Warn().Err(err).Msg("Snapshot backup failed")
	}
}

func (c *Controller) teardown(sess AutomationSession) {
	c.mu.Lock()
	if c.persistStop != nil {
		close(c.persistStop)
		c.persistStop = nil
	}
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (c *Controller) currentAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// nextFailureDelay advances the attempt counter and picks the wait before
// the next launch. Past the ceiling it degrades to a slow periodic
// re-check so the process neither wedges nor busy-loops.
func (c *Controller) nextFailureDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	c.state = StateRetrying
	if c.attempt > c.cfg.MaxAttempts {
		return c.cfg.RecheckInterval
	}
	return backoffDelay(c.attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
}

func (c *Controller) sleepDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-t.C:
		return true
	}
}

// Status never blocks on an in-flight transition; it reports the closest
// known state.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStatus{
		State:        c.state.String(),
		Ready:        c.state == StateReady,
		HasChallenge: c.challenge != "",
		Attempt:      c.attempt,
	}
}

// Challenge returns the current token, or "" once authentication
// succeeded or before one was issued.
func (c *Controller) Challenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge
}

func (c *Controller) readySession() (AutomationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.session == nil {
		return nil, ErrNotReady
	}
	return c.session, nil
}

func (c *Controller) SendText(ctx context.Context, to string, text string) (string, error) {
	sess, err := c.readySession()
	if err != nil {
		return "", err
	}
	return sess.SendText(ctx, to, text)
}

func (c *Controller) SendImage(ctx context.Context, to string, caption string, data []byte, mimeType string) (string, error) {
	sess, err := c.readySession()
	if err != nil {
		return "", err
	}
	return sess.SendImage(ctx, to, caption, data, mimeType)
}

// Shutdown is the one true cancellation point: one last backup within the
// caller's time budget, then the session is released.
func (c *Controller) Shutdown(ctx context.Context) {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	sess := c.session
	c.session = nil
	if c.persistStop != nil {
		close(c.persistStop)
		c.persistStop = nil
	}
	c.state = StateIdle
	c.mu.Unlock()

	if sess != nil {
		c.persistCredentials(ctx, sess)
		sess.Close()
	} else if err := c.snaps.backup(ctx); err != nil {
		log.Warn().Err(err).Msg("Final snapshot backup failed")
	}
	log.Info().Msg("Session controller stopped")
}
