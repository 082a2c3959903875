// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bot ties the connection manager, identity resolver and pending
// queue together behind a single send and receive surface.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/chatlink/pkg/address"
	"github.com/aiku/chatlink/pkg/connection"
	"github.com/aiku/chatlink/pkg/identity"
	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/pending"
	"github.com/aiku/chatlink/pkg/retry"
	"github.com/aiku/chatlink/pkg/session"
	"github.com/aiku/chatlink/pkg/state"
	"github.com/aiku/chatlink/pkg/store"
	"github.com/aiku/chatlink/pkg/transport"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrMalformedAddress = errors.New("malformed address")
)

// MessageHandler receives inbound messages. Messages that could not be
// converted arrive with Failure set.
type MessageHandler func(msg *message.Message)

// Bot is one logged in chat account.
type Bot struct {
	cfg   *Config
	log   zerolog.Logger
	store store.Store

	state    *state.Manager
	sessions *session.Manager
	resolver *identity.Resolver
	pending  *pending.Queue
	conn     *connection.Manager

	inbound  transport.Handlers
	reporter func(status.BridgeState)

	connOpts    []connection.Option
	pendingOpts []pending.Option

	loopMu     sync.Mutex
	stopLoops  context.CancelFunc
	loopsDone  chan struct{}
	unsubEvent func()
}

type Option func(*Bot)

func WithLogger(log zerolog.Logger) Option {
	return func(b *Bot) { b.log = log }
}

// WithStateReporter forwards every connection event as a bridge state.
func WithStateReporter(fn func(status.BridgeState)) Option {
	return func(b *Bot) { b.reporter = fn }
}

// WithRetryPolicy sets the reconnect backoff schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Bot) { b.connOpts = append(b.connOpts, connection.WithRetryPolicy(p)) }
}

// WithConnectionOptions passes extra options to the connection manager.
// They are applied after the ones derived from the config.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(b *Bot) { b.connOpts = append(b.connOpts, opts...) }
}

// WithPendingOptions passes extra options to the pending queue.
func WithPendingOptions(opts ...pending.Option) Option {
	return func(b *Bot) { b.pendingOpts = append(b.pendingOpts, opts...) }
}

// New builds a bot that keeps its session in kv and reaches the platform
// through dial. cfg must have been post-processed.
func New(cfg *Config, kv store.Store, dial transport.DialFunc, opts ...Option) *Bot {
	b := &Bot{
		cfg:   cfg,
		log:   zerolog.Nop(),
		store: kv,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.state = state.NewManager(b.log)
	b.sessions = session.NewManager(b.log, cfg.RequiredKeys...)
	b.pending = pending.New(append([]pending.Option{
		pending.WithMaxAge(cfg.pendingMaxAge()),
		pending.WithLogger(b.log),
	}, b.pendingOpts...)...)
	b.conn = connection.NewManager(dial, b.state, b.sessions, kv, append([]connection.Option{
		connection.WithLogger(b.log),
		connection.WithConnectTimeout(cfg.connectTimeout()),
		connection.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
	}, b.connOpts...)...)

	dir := identity.ChainDirectory{
		&identity.StoreDirectory{Store: kv},
		&transportDirectory{conn: b.conn},
	}
	b.resolver = identity.NewResolver(dir,
		identity.WithLogger(b.log),
		identity.WithCache(cfg.identityCacheTTL(), cfg.IdentityCacheSize),
		identity.WithDrainer(b.pending),
	)

	b.conn.AddListener(transport.KindMappingUpdate, b.handleMappingUpdate)
	b.conn.AddListener(transport.KindMessage, b.handleIncoming)
	b.unsubEvent = b.conn.Subscribe(b.handleEvent)
	return b
}

// Start validates the stored session, starts the pending sweep and
// connects. An invalid session is purged so the transport pairs afresh.
func (b *Bot) Start(ctx context.Context) error {
	res := b.sessions.Validate(ctx, b.store)
	if !res.Valid {
		b.log.Info().Str("reason", res.Reason).Msg("Stored session is not usable, starting fresh")
		if _, err := b.sessions.ClearInvalid(ctx, b.store); err != nil {
			return fmt.Errorf("clear invalid session: %w", err)
		}
	}
	creds, err := b.sessions.LoadCredentials(ctx, b.store)
	if err != nil && !errors.Is(err, session.ErrNoCredentials) {
		return err
	}

	b.startLoops()
	if _, err := b.conn.Connect(ctx, transport.Config{Credentials: creds}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (b *Bot) startLoops() {
	b.loopMu.Lock()
	defer b.loopMu.Unlock()
	if b.stopLoops != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopLoops, b.loopsDone = cancel, done
	go func() {
		defer close(done)
		b.pending.Run(ctx, b.cfg.pendingCleanupInterval())
	}()
}

func (b *Bot) haltLoops() {
	b.loopMu.Lock()
	cancel, done := b.stopLoops, b.loopsDone
	b.stopLoops, b.loopsDone = nil, nil
	b.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Send delivers msg to msg.Chat and returns the platform message id.
//
// A destination on the anonymized server is resolved first. If it cannot
// be resolved yet, the message is queued and Send blocks until the mapping
// arrives, the message expires, or ctx ends.
func (b *Bot) Send(ctx context.Context, msg *message.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: nil message", ErrMalformedAddress)
	}
	if err := address.Validate(msg.Chat); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedAddress, err)
	}
	if b.state.Status() != state.StatusConnected {
		return "", ErrNotConnected
	}
	if !address.IsAnonymized(msg.Chat) {
		return b.deliver(ctx, msg)
	}

	anon := address.AnonymizedID(msg.Chat)
	if addr, ok := b.resolver.Address(ctx, anon); ok {
		return b.deliverTo(ctx, msg, addr)
	}
	if addr, ok := b.resolver.ResolveWithRetry(ctx, anon, b.cfg.ResolveRetries); ok {
		return b.deliverTo(ctx, msg, addr)
	}
	return b.sendDeferred(ctx, msg, anon)
}

type sendResult struct {
	id  string
	err error
}

func (b *Bot) sendDeferred(ctx context.Context, msg *message.Message, anon string) (string, error) {
	done := make(chan sendResult, 1)
	entry := b.pending.Add(msg.Clone(), anon, func(resolved *message.Message) {
		id, err := b.deliver(ctx, resolved)
		done <- sendResult{id: id, err: err}
	}, func(err error) {
		done <- sendResult{err: err}
	})
	b.log.Debug().
		Str("anonymized_id", anon).
		Str("entry_id", entry.ID.String()).
		Msg("Destination not resolved yet, queued message")

	// A mapping that landed between the failed lookups and Add would never
	// drain this entry otherwise.
	if addr, ok := b.resolver.CachedAddress(anon); ok {
		b.pending.ProcessPending(anon, addr)
	}

	select {
	case res := <-done:
		return res.id, res.err
	case <-ctx.Done():
		if b.pending.Cancel(entry, ctx.Err()) {
			return "", ctx.Err()
		}
		res := <-done
		return res.id, res.err
	}
}

func (b *Bot) deliverTo(ctx context.Context, msg *message.Message, addr string) (string, error) {
	out := msg.Clone()
	out.Chat = addr
	return b.deliver(ctx, out)
}

func (b *Bot) deliver(ctx context.Context, msg *message.Message) (string, error) {
	t := b.conn.Transport()
	if t == nil {
		return "", ErrNotConnected
	}
	id, err := t.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", msg.Chat, err)
	}
	return id, nil
}

// OnMessage registers fn for inbound messages. A panicking handler is
// logged and does not affect the others.
func (b *Bot) OnMessage(fn MessageHandler) (unsubscribe func()) {
	return b.inbound.On(transport.KindMessage, func(evt transport.Event) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Any("panic", r).Msg("Message handler panicked")
			}
		}()
		fn(evt.(transport.IncomingMessage).Message)
	})
}

// OnEvent registers fn for connection lifecycle events.
func (b *Bot) OnEvent(fn func(connection.Event)) (unsubscribe func()) {
	return b.conn.Subscribe(fn)
}

func (b *Bot) handleIncoming(evt transport.Event) {
	in, ok := evt.(transport.IncomingMessage)
	if !ok {
		return
	}
	var msg *message.Message
	if in.Err != nil || in.Message == nil {
		err := in.Err
		if err == nil {
			err = errors.New("empty payload")
		}
		b.log.Warn().Err(err).Str("raw_id", in.RawID).Msg("Failed to convert inbound message")
		msg = message.NewFailed(in.Chat, in.RawID, err)
	} else {
		msg = in.Message.Clone()
		msg.Chat = b.knownAddress(msg.Chat)
		msg.Sender = b.knownAddress(msg.Sender)
	}
	b.inbound.Emit(transport.IncomingMessage{Message: msg})
}

// knownAddress rewrites an anonymized address the cache can already map.
// It never blocks on a lookup.
func (b *Bot) knownAddress(a string) string {
	if !address.IsAnonymized(a) {
		return a
	}
	if addr, ok := b.resolver.CachedAddress(address.AnonymizedID(a)); ok {
		return addr
	}
	return a
}

func (b *Bot) handleMappingUpdate(evt transport.Event) {
	upd, ok := evt.(transport.MappingUpdate)
	if !ok {
		return
	}
	if err := b.resolver.HandleMappingUpdate(context.Background(), upd.AnonymizedID, upd.Address); err != nil {
		b.log.Warn().Err(err).Str("anonymized_id", upd.AnonymizedID).Msg("Failed to record identity mapping")
	}
}

func (b *Bot) handleEvent(evt connection.Event) {
	if stop, ok := evt.(connection.StopEvent); ok && stop.IsLogout {
		b.pending.Clear()
		b.resolver.ClearCache()
	}
	if b.reporter != nil {
		b.reporter(evt.BridgeState())
	}
}

// State returns a snapshot of the connection state.
func (b *Bot) State() state.ConnectionState {
	return b.state.Snapshot()
}

// Resolver exposes identity resolution, for example to map inbound
// senders on demand.
func (b *Bot) Resolver() *identity.Resolver {
	return b.resolver
}

// PendingCount returns the number of queued messages.
func (b *Bot) PendingCount() int {
	return b.pending.TotalPending()
}

// Reconnect starts a reconnect cycle. force allows one attempt past the
// attempt ceiling.
func (b *Bot) Reconnect(ctx context.Context, force bool) error {
	return b.conn.Reconnect(ctx, force)
}

// Stop disconnects, rejects every queued message and stops the sweep.
// The stored session is kept.
func (b *Bot) Stop(ctx context.Context) {
	b.conn.Stop(ctx)
	b.pending.Clear()
	b.haltLoops()
}

// Logout ends the session on the platform and purges it locally.
func (b *Bot) Logout(ctx context.Context) error {
	err := b.conn.Logout(ctx)
	b.haltLoops()
	return err
}

// Close stops the bot for good.
func (b *Bot) Close() {
	b.Stop(context.Background())
	b.unsubEvent()
	b.conn.Close()
}

// transportDirectory looks anonymized ids up through the live transport.
type transportDirectory struct {
	conn *connection.Manager
}

func (d *transportDirectory) LookupAddress(ctx context.Context, anonymizedID string) (string, error) {
	lookup, ok := d.conn.Transport().(transport.AddressLookup)
	if !ok {
		return "", identity.ErrUnknownIdentity
	}
	return lookup.LookupAddress(ctx, anonymizedID)
}

// StoreMapping is a no-op: the platform owns its own mappings.
func (d *transportDirectory) StoreMapping(context.Context, string, string) error {
	return nil
}
