// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost is a transport over the Mattermost REST API and
// WebSocket event stream.
//
// Direct message partners are addressed through anonymized ids: the
// anonymized id is the partner's user id and the routable address is the
// id of the direct channel with them.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatlink/pkg/identity"
	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/retry"
	"github.com/aiku/chatlink/pkg/session"
	"github.com/aiku/chatlink/pkg/transport"
)

const (
	// TokenKey is the credential key holding the access token.
	TokenKey = "access-token"
	Platform = "mattermost"

	DefaultWebSocketRetries = 5
)

// RequiredKeys are the credential keys a resumable session must carry.
var RequiredKeys = []string{TokenKey}

var (
	errNoToken         = errors.New("no access token configured")
	errTransportClosed = errors.New("transport closed")
)

// Options configure the transports built by NewDialer.
type Options struct {
	ServerURL string
	// Token is used when the stored credentials carry none.
	Token string
	// Retry is the schedule for re-opening a dropped WebSocket.
	Retry            retry.Policy
	WebSocketRetries int

	dialWS wsDialFunc
}

// eventStream is the part of model.WebSocketClient the transport uses.
type eventStream interface {
	Listen()
	Events() <-chan *model.WebSocketEvent
	// ListenError is the error that ended the stream, if any.
	ListenError() *model.AppError
	Close()
}

type wsDialFunc func(url, token string) (eventStream, error)

type wsClient struct {
	*model.WebSocketClient
}

func (c wsClient) Events() <-chan *model.WebSocketEvent {
	return c.EventChannel
}

func (c wsClient) ListenError() *model.AppError {
	return c.WebSocketClient.ListenError
}

func dialWebSocket(url, token string) (eventStream, error) {
	ws, err := model.NewWebSocketClient4(url, token)
	if err != nil {
		return nil, err
	}
	return wsClient{ws}, nil
}

// NewDialer returns a transport.DialFunc building Mattermost transports.
func NewDialer(opts Options) transport.DialFunc {
	return func(ctx context.Context, cfg transport.Config) (transport.Transport, error) {
		return Dial(ctx, opts, cfg)
	}
}

// Transport is one authenticated Mattermost connection.
type Transport struct {
	transport.Handlers

	opts     Options
	client   *model.Client4
	userID   string
	newLogin bool

	mu      sync.Mutex
	ws      eventStream
	open    bool
	account *transport.Account
	creds   *session.Credentials

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	log zerolog.Logger
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.AddressLookup   = (*Transport)(nil)
	_ transport.AccountReporter = (*Transport)(nil)
)

// Dial verifies the access token and opens the event stream. The transport
// reports itself open once the server greets the stream.
func Dial(ctx context.Context, opts Options, cfg transport.Config) (*Transport, error) {
	if opts.dialWS == nil {
		opts.dialWS = dialWebSocket
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Default()
	}
	if opts.WebSocketRetries <= 0 {
		opts.WebSocketRetries = DefaultWebSocketRetries
	}
	log := cfg.Log.With().Str("server_url", opts.ServerURL).Logger()

	token := opts.Token
	if cfg.Credentials != nil {
		if stored := string(cfg.Credentials.Keys[TokenKey]); stored != "" {
			token = stored
		}
	}
	if token == "" {
		return nil, &transport.StatusError{Code: http.StatusUnauthorized, Err: errNoToken}
	}

	client := model.NewAPIv4Client(opts.ServerURL)
	client.SetToken(token)

	log.Info().Msg("Connecting to Mattermost")
	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		if code := responseCode(resp, err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			return nil, &transport.StatusError{Code: http.StatusUnauthorized, Err: err}
		}
		return nil, fmt.Errorf("verify session: %w", err)
	}
	log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	t := &Transport{
		opts:     opts,
		client:   client,
		userID:   me.Id,
		newLogin: cfg.Credentials == nil,
		account:  userAccount(opts.ServerURL, me),
		stopChan: make(chan struct{}),
		log:      log.With().Str("user_id", me.Id).Logger(),
	}
	t.creds = &session.Credentials{
		Registered: true,
		Me:         &session.Contact{ID: me.Id, Name: me.Username},
		Platform:   Platform,
		Keys:       map[string][]byte{TokenKey: []byte(token)},
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.connectWebSocket(); err != nil {
		t.cancel()
		return nil, err
	}
	return t, nil
}

func userAccount(serverURL string, u *model.User) *transport.Account {
	name := u.Nickname
	if name == "" {
		name = u.Username
	}
	return &transport.Account{
		ID:        u.Id,
		Address:   u.Id,
		Name:      name,
		AvatarURL: fmt.Sprintf("%s/api/v4/users/%s/image", strings.TrimSuffix(serverURL, "/"), u.Id),
	}
}

func responseCode(resp *model.Response, err error) int {
	if resp != nil && resp.StatusCode != 0 {
		return resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

func (t *Transport) connectWebSocket() error {
	wsURL := httpToWS(t.opts.ServerURL)
	ws, err := t.opts.dialWS(wsURL, t.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	// Close marks stopChan before taking mu, so a stream stored here after
	// Close already ran would never be closed.
	t.mu.Lock()
	if t.stopped() {
		t.mu.Unlock()
		ws.Close()
		return errTransportClosed
	}
	t.ws = ws
	t.mu.Unlock()

	t.wg.Add(1)
	go t.listenWebSocket(ws)
	t.log.Debug().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (t *Transport) listenWebSocket(ws eventStream) {
	defer t.wg.Done()
	events := ws.Events()
	for {
		select {
		case <-t.stopChan:
			return
		case evt, ok := <-events:
			if !ok {
				t.handleWebSocketClosed(ws)
				return
			}
			if evt == nil {
				continue
			}
			t.handleEvent(evt)
		}
	}
}

func (t *Transport) stopped() bool {
	select {
	case <-t.stopChan:
		return true
	default:
		return false
	}
}

// handleWebSocketClosed reports the drop and re-opens the stream on the
// retry schedule. A rejected token ends the transport instead.
func (t *Transport) handleWebSocketClosed(ws eventStream) {
	if t.stopped() {
		return
	}
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()

	if appErr := ws.ListenError(); appErr != nil && appErr.StatusCode == http.StatusUnauthorized {
		t.log.Warn().Err(appErr).Msg("WebSocket rejected the access token")
		t.Emit(transport.ConnectionUpdate{State: transport.StateClose, StatusCode: http.StatusUnauthorized, Err: appErr})
		return
	}

	t.log.Warn().Msg("WebSocket event channel closed, reconnecting")
	t.Emit(transport.ConnectionUpdate{State: transport.StateClose, StatusCode: 402})

	err := t.opts.Retry.Do(t.ctx, t.opts.WebSocketRetries, func(context.Context) error {
		if t.stopped() {
			return context.Canceled
		}
		t.Emit(transport.ConnectionUpdate{State: transport.StateConnecting})
		return t.connectWebSocket()
	}, func(attempt int, err error) {
		t.log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to reconnect WebSocket")
	})
	if err != nil && !t.stopped() {
		t.log.Error().Err(err).Msg("Giving up on reconnecting WebSocket")
		t.Emit(transport.ConnectionUpdate{State: transport.StateClose, StatusCode: 500, Err: err})
	}
}

// handleEvent dispatches a Mattermost WebSocket event.
func (t *Transport) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventHello:
		t.handleHello()
	case model.WebsocketEventPosted:
		t.handlePosted(evt)
	case model.WebsocketEventDirectAdded:
		t.handleDirectAdded(evt)
	default:
		t.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (t *Transport) handleHello() {
	t.mu.Lock()
	t.open = true
	newLogin := t.newLogin
	t.newLogin = false
	creds := t.creds
	acc := *t.account
	t.mu.Unlock()

	if newLogin {
		t.Emit(transport.CredentialsUpdate{Credentials: creds})
	}
	t.Emit(transport.ConnectionUpdate{State: transport.StateOpen, IsNewLogin: newLogin, Account: &acc})
}

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) Account() *transport.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	acc := *t.account
	return &acc
}

func (t *Transport) Credentials() *session.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// Send posts msg.Text to the channel msg.Chat, threaded under msg.ReplyTo
// when set.
func (t *Transport) Send(ctx context.Context, msg *message.Message) (string, error) {
	post := &model.Post{
		ChannelId: msg.Chat,
		Message:   msg.Text,
		RootId:    msg.ReplyTo,
	}
	created, resp, err := t.client.CreatePost(ctx, post)
	if err != nil {
		if code := responseCode(resp, err); code != 0 {
			return "", &transport.StatusError{Code: code, Err: err}
		}
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	t.log.Debug().Str("post_id", created.Id).Str("channel_id", msg.Chat).Msg("Sent message")
	return created.Id, nil
}

// LookupAddress returns the direct channel with userID, creating it if
// needed.
func (t *Transport) LookupAddress(ctx context.Context, userID string) (string, error) {
	ch, resp, err := t.client.CreateDirectChannel(ctx, t.userID, userID)
	if err != nil {
		switch responseCode(resp, err) {
		case http.StatusBadRequest, http.StatusNotFound:
			return "", fmt.Errorf("%w: %s", identity.ErrUnknownIdentity, userID)
		}
		return "", fmt.Errorf("failed to get direct channel: %w", err)
	}
	return ch.Id, nil
}

func (t *Transport) Logout(ctx context.Context) error {
	if _, err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Close stops the event loop and closes the WebSocket. It does not wait for
// the loop to exit, so it is safe to call from an event handler.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stopChan)
		t.cancel()
	})
	t.mu.Lock()
	ws := t.ws
	t.ws = nil
	t.open = false
	t.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	return nil
}

// Wait blocks until the event loop has exited after Close.
func (t *Transport) Wait() {
	t.wg.Wait()
}
