// Package engine wires the agent together: session store, auth, relay
// client, realtime channel, sync coordinator, attachment pipeline, call
// machine, and the optional outbox watcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncflowapp/syncflow-go/internal/attach"
	"github.com/syncflowapp/syncflow-go/internal/auth"
	"github.com/syncflowapp/syncflow-go/internal/call"
	"github.com/syncflowapp/syncflow-go/internal/config"
	"github.com/syncflowapp/syncflow-go/internal/crypto"
	"github.com/syncflowapp/syncflow-go/internal/errs"
	"github.com/syncflowapp/syncflow-go/internal/outbox"
	"github.com/syncflowapp/syncflow-go/internal/realtime"
	"github.com/syncflowapp/syncflow-go/internal/relay"
	"github.com/syncflowapp/syncflow-go/internal/store"
	"github.com/syncflowapp/syncflow-go/internal/syncer"
)

// Options carries the host-provided pieces the engine cannot supply
// itself. All fields are optional; nil fields get logging stubs.
type Options struct {
	// CallHandler executes call actions on the device telephony layer.
	CallHandler call.Handler

	// CallNotifier shows and dismisses incoming-call notifications.
	CallNotifier call.Notifier

	// Listener receives sync events from the realtime channel.
	Listener realtime.Listener
}

// Engine owns the agent's long-lived components and their lifecycle.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	auth     *auth.Manager
	relay    *relay.Client
	channel  *realtime.Channel
	syncer   *syncer.Coordinator
	attach   *attach.Pipeline
	calls    *call.Machine
	outbox   *outbox.Watcher
	listener realtime.Listener
}

// New builds an engine from configuration. The store is opened here and
// closed by Close.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open()
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	authMgr, err := auth.NewManager(cfg.RelayURL, cfg.DeviceName, st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating auth manager: %w", err)
	}

	relayClient := relay.NewClient(cfg.RelayURL, authMgr, logger, nil)

	channel, err := realtime.NewChannel(cfg.RealtimeURL(), authMgr, st, cfg.Channels, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating realtime channel: %w", err)
	}

	cryptoMgr := crypto.NewManager(st)
	coordinator := syncer.NewCoordinator(
		relayClient,
		cryptoMgr,
		cfg.EncryptionEnabled,
		cfg.EncryptionPassphrase,
		cfg.DeviceName,
		logger,
	)

	pipeline := attach.NewPipeline(relayClient, st, logger)

	handler := opts.CallHandler
	if handler == nil {
		handler = loggingHandler{logger: logger}
	}

	notifier := opts.CallNotifier
	if notifier == nil {
		notifier = loggingNotifier{logger: logger}
	}

	machine := call.NewMachine(
		relayClient,
		st,
		handler,
		notifier,
		channel,
		time.Duration(cfg.CallPollSeconds)*time.Second,
		logger,
	)
	channel.SetCallListener(machine)

	eng := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		auth:     authMgr,
		relay:    relayClient,
		channel:  channel,
		syncer:   coordinator,
		attach:   pipeline,
		calls:    machine,
		listener: opts.Listener,
	}

	if cfg.SpoolDir != "" {
		eng.outbox = outbox.NewWatcher(cfg.SpoolDir, pipeline, channel, logger)
	}

	return eng, nil
}

// Auth exposes the session manager for login flows.
func (e *Engine) Auth() *auth.Manager { return e.auth }

// Relay exposes the HTTP relay client.
func (e *Engine) Relay() *relay.Client { return e.relay }

// Channel exposes the realtime channel.
func (e *Engine) Channel() *realtime.Channel { return e.channel }

// Syncer exposes the record sync coordinator.
func (e *Engine) Syncer() *syncer.Coordinator { return e.syncer }

// Attachments exposes the attachment pipeline.
func (e *Engine) Attachments() *attach.Pipeline { return e.attach }

// Calls exposes the call state machine.
func (e *Engine) Calls() *call.Machine { return e.calls }

// Run connects the realtime channel and supervises the background
// loops until the context is cancelled or a component fails hard.
// It requires a stored session; authenticate first.
func (e *Engine) Run(ctx context.Context) error {
	if e.auth.Session() == nil {
		return errs.ErrNoSession
	}

	if e.cfg.EncryptionEnabled {
		if err := e.syncer.PrepareEncryption(); err != nil {
			e.logger.Warn("preparing encryption, records will sync in plaintext",
				slog.String("error", err.Error()),
			)
		} else if err := e.publishIdentity(ctx); err != nil {
			e.logger.Warn("publishing device key", slog.String("error", err.Error()))
		}
	}

	if err := e.channel.Connect(ctx, e.listener); err != nil {
		// The channel reconnects on its own once the first connect
		// succeeds; a failed first connect is fatal so startup
		// problems surface immediately.
		return fmt.Errorf("connecting realtime channel: %w", err)
	}

	// Consume commands that arrived while the agent was offline before
	// the poll ticker's first interval elapses.
	if err := e.calls.Poll(ctx); err != nil {
		e.logger.Warn("initial command poll failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.calls.Run(gctx)
	})

	g.Go(func() error {
		return e.refreshLoop(gctx)
	})

	if e.outbox != nil {
		g.Go(func() error {
			return e.outbox.Watch(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// refreshLoop refreshes the access token shortly before it expires so
// the realtime channel does not get dropped mid-session. The 401-retry
// path in the transport remains the safety net for opaque tokens.
func (e *Engine) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !e.auth.TokenExpiringSoon(2 * time.Minute) {
				continue
			}

			if _, err := e.auth.Refresh(ctx); err != nil {
				e.logger.Warn("proactive token refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// publishIdentity uploads this device's public key so peers can wrap
// data keys for it.
func (e *Engine) publishIdentity(ctx context.Context) error {
	pub := e.syncer.PublicKey()
	if pub == "" {
		return errs.ErrEncryptionUnavailable
	}

	return e.relay.PublishKey(ctx, e.cfg.DeviceName, pub)
}

// Close shuts the engine down deterministically: realtime first so no
// new events arrive, then the store.
func (e *Engine) Close() error {
	var firstErr error

	if err := e.channel.Close(); err != nil {
		firstErr = err
	}

	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// loggingHandler is the default call handler for headless runs. Real
// deployments wire a platform handler through Options.
type loggingHandler struct {
	logger *slog.Logger
}

func (h loggingHandler) AnswerCall(_ context.Context, callID string) error {
	h.logger.Info("answer call requested", slog.String("call_id", callID))
	return nil
}

func (h loggingHandler) RejectCall(_ context.Context, callID string) error {
	h.logger.Info("reject call requested", slog.String("call_id", callID))
	return nil
}

func (h loggingHandler) EndCall(_ context.Context, callID string) error {
	h.logger.Info("end call requested", slog.String("call_id", callID))
	return nil
}

func (h loggingHandler) PlaceCall(_ context.Context, phoneNumber string) error {
	h.logger.Info("place call requested", slog.String("number", phoneNumber))
	return nil
}

type loggingNotifier struct {
	logger *slog.Logger
}

func (n loggingNotifier) ShowIncomingCall(c call.ActiveCall) {
	n.logger.Info("incoming call",
		slog.String("call_id", c.ID),
		slog.String("number", c.PhoneNumber),
		slog.String("contact", c.ContactName),
	)
}

func (n loggingNotifier) DismissIncomingCall(callID string) {
	n.logger.Info("incoming call dismissed", slog.String("call_id", callID))
}
