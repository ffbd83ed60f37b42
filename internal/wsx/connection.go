package wsx

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wsbridge/wsbridge/internal/auditlog"
	"github.com/wsbridge/wsbridge/internal/config"
	wserrors "github.com/wsbridge/wsbridge/internal/errors"
)

const (
	tokenPrefix = "ws.token."

	fqdnUnknown = "(Unknown)"

	writeTimeout     = 10 * time.Second
	controlTimeout   = 5 * time.Second
	fqdnLookupBudget = 2 * time.Second
)

// Close codes sent to peers.
const (
	CloseInvokeRuntime = 3701
	ClosePingRuntime   = 3702
	CloseUnhandled     = 3703
	CloseInvalidUTF8   = 4001
	ClosePingsMissed   = 4002
)

// connDeps bundles what a connection borrows from its server.
type connDeps struct {
	server    *Server
	channel   *config.Channel
	dump      DumpFunc
	audit     auditlog.Logger
	hooks     *Hooks
	onMessage OnMessageCallback
	authFunc  AuthFunc
	resolver  *dnscache.Resolver
	metrics   *Metrics
}

// Connection is one accepted WebSocket peer and its session state.
type Connection struct {
	ws   *websocket.Conn
	deps connDeps

	pubClientID string
	connectTime time.Time

	peerAddress   string
	peerHost      string
	peerFQDN      string
	localAddress  string
	forwardedFor  string
	forwardedFQDN string

	// mu guards the session state below.
	mu               sync.Mutex
	token            *TokenInfo
	extClientID      string
	extClientName    string
	username         string
	wsClientID       int64
	isAuthenticated  bool
	serverTerminated bool

	// writeMu makes this connection a single-writer one for data frames.
	writeMu sync.Mutex

	sessionOpened chan struct{}
	openedOnce    sync.Once
	done          chan struct{}
	doneOnce      sync.Once

	registerOnce sync.Once
	pingerOnce   sync.Once
	pingsMissed  int

	correlator *correlator
	pubsub     *pubsubTool
	interact   *interactionRecorder

	logger zerolog.Logger
}

func newConnection(ws *websocket.Conn, deps connDeps, r *http.Request) *Connection {
	c := &Connection{
		ws:            ws,
		deps:          deps,
		pubClientID:   NewPubClientID(),
		connectTime:   nowFn(),
		peerAddress:   ws.RemoteAddr().String(),
		peerFQDN:      fqdnUnknown,
		localAddress:  ws.LocalAddr().String(),
		forwardedFor:  r.Header.Get("X-Forwarded-For"),
		forwardedFQDN: fqdnUnknown,
		sessionOpened: make(chan struct{}),
		done:          make(chan struct{}),
		correlator:    newCorrelator(),
		interact:      newInteractionRecorder(deps.channel.InteractUpdateInterval.Std()),
	}
	c.pubsub = newPubSubTool(c.deliverPubSubBatch)

	if host, _, err := net.SplitHostPort(c.peerAddress); err == nil {
		c.peerHost = host
	} else {
		c.peerHost = c.peerAddress
	}

	c.logger = log.With().
		Str("channel", deps.channel.Name).
		Str("pub_client_id", c.pubClientID).
		Str("peer", c.peerAddress).
		Logger()

	ws.SetPongHandler(c.onPong)

	return c
}

// PubClientID is the connection's stable public identifier.
func (c *Connection) PubClientID() string { return c.pubClientID }

func (c *Connection) ExtClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extClientID
}

func (c *Connection) ExtClientName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extClientName
}

func (c *Connection) PeerAddress() string { return c.peerAddress }
func (c *Connection) PeerFQDN() string    { return c.peerFQDN }

// peerInfoPretty is the human-readable peer description used in logs.
func (c *Connection) peerInfoPretty() string {
	return fmt.Sprintf("peer=%s local=%s fqdn=%s fwd=%s pub_client_id=%s ext_client_id=%s",
		c.peerAddress, c.localAddress, c.peerFQDN, c.forwardedFor, c.pubClientID, c.ExtClientID())
}

// resolveFQDNs does best-effort reverse lookups for logging. Failures are
// fine, the placeholder stays.
func (c *Connection) resolveFQDNs(ctx context.Context) {
	if c.deps.resolver == nil {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, fqdnLookupBudget)
	defer cancel()

	if names, err := c.deps.resolver.LookupAddr(lookupCtx, c.peerHost); err == nil && len(names) > 0 {
		c.peerFQDN = names[0]
	}
	if c.forwardedFor != "" {
		if names, err := c.deps.resolver.LookupAddr(lookupCtx, c.forwardedFor); err == nil && len(names) > 0 {
			c.forwardedFQDN = names[0]
		}
	}
}

// run reads frames until the peer goes away or the session is terminated.
func (c *Connection) run(ctx context.Context) {
	defer c.teardown(ctx)

	c.resolveFQDNs(ctx)
	c.logger.Info().Str("peer_info", c.peerInfoPretty()).Msg("Client connected")

	go c.watchSession(ctx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Read loop finished")
			return
		}
		if !c.handleFrame(ctx, data) {
			return
		}
	}
}

// watchSession enforces new_token_wait_time: a peer that never opens a
// session is told off and disconnected.
func (c *Connection) watchSession(ctx context.Context) {
	wait := c.deps.channel.NewTokenWaitTime.Std()

	select {
	case <-c.sessionOpened:
		return
	case <-c.done:
		return
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	c.logger.Warn().
		Dur("new_token_wait_time", wait).
		Msg("Session not opened in time, closing connection")
	c.onForbidden(ctx, "Session not opened in time")
}

// handleFrame processes one inbound frame. It returns false when the
// connection must stop reading.
func (c *Connection) handleFrame(ctx context.Context, data []byte) (keepGoing bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Unhandled error while processing message")
			c.closeWithCode(CloseUnhandled, "Unhandled error")
			keepGoing = false
		}
	}()

	c.deps.metrics.MessageReceived()

	authenticated := c.authenticated()

	if !utf8.Valid(data) {
		if !authenticated {
			c.logger.Warn().Msg("Invalid UTF-8 before authentication, closing connection")
			c.closeWithCode(CloseInvalidUTF8, "Invalid UTF-8 bytes")
			return false
		}
		c.logger.Warn().Msg("Invalid UTF-8 in message")
		c.sendMessage(NewErrorResponse(NewCID(), "", http.StatusUnprocessableEntity, "Invalid UTF-8 bytes"))
		return true
	}

	msg, err := ParseClientMessage(data, c.deps.channel.NeedsAuth())
	if err != nil {
		if !authenticated {
			c.logger.Warn().Err(err).Msg("Malformed message before authentication")
			c.onForbidden(ctx, "Malformed message")
			return false
		}
		c.logger.Warn().Err(err).Msg("Malformed message")
		c.sendMessage(NewErrorResponse(NewCID(), "", http.StatusBadRequest, "I/O processing error"))
		return true
	}

	msg.CID = NewCID()
	c.storeAuditEvent(auditlog.DataReceived, string(data), msg.ID, msg.InReplyTo)

	// The first ext_client_id seen sticks for the whole session.
	if msg.ExtClientID != "" {
		c.mu.Lock()
		if c.extClientID == "" {
			c.extClientID = msg.ExtClientID
		}
		c.mu.Unlock()
	}

	if msg.Action == ActionCreateSession {
		return c.handleCreateSession(ctx, msg)
	}

	if err := c.checkToken(msg); err != nil {
		c.logger.Warn().Err(err).Msg("Token check failed")
		c.onForbidden(ctx, "You are not allowed to access this resource")
		return false
	}

	switch msg.Action {
	case ActionClientResponse:
		c.handleClientResponse(ctx, msg)
	case ActionInvokeService:
		c.handleInvokeService(ctx, msg)
	default:
		c.logger.Warn().Str("action", msg.Action).Msg("Unrecognized action")
		c.sendMessage(NewErrorResponse(msg.CID, msg.ID, http.StatusBadRequest, "Unrecognized action"))
	}

	return true
}

func (c *Connection) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAuthenticated
}

// checkToken validates the token carried by a non-session message.
func (c *Connection) checkToken(msg *ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isAuthenticated || c.token == nil {
		return wserrors.New(wserrors.KindTokenMissing, "check_token", wserrors.ErrTokenMissing).WithClient(c.pubClientID)
	}
	if msg.Token == "" {
		return wserrors.New(wserrors.KindTokenMissing, "check_token", wserrors.ErrTokenMissing).WithClient(c.pubClientID)
	}
	if msg.Token != c.token.Value {
		return wserrors.New(wserrors.KindTokenInvalid, "check_token", wserrors.ErrTokenInvalid).WithClient(c.pubClientID)
	}
	if c.token.IsExpired(nowFn()) {
		return wserrors.New(wserrors.KindTokenExpired, "check_token", wserrors.ErrTokenExpired).WithClient(c.pubClientID)
	}
	return nil
}

// handleCreateSession vets credentials and opens, or re-opens, the session.
func (c *Connection) handleCreateSession(ctx context.Context, msg *ClientMessage) bool {
	channel := c.deps.channel

	if channel.NeedsAuth() {
		creds := Credentials{Username: msg.Username, Secret: msg.Secret}
		env := map[string]string{
			"REMOTE_ADDR":          c.peerHost,
			"HTTP_X_FORWARDED_FOR": c.forwardedFor,
		}
		responseHeaders := map[string]string{}

		ok := c.deps.authFunc != nil && c.deps.authFunc(
			msg.CID, channel.SecType, creds, channel.SecName, "", env, responseHeaders)
		if !ok {
			c.deps.metrics.AuthFailure()
			c.logger.Warn().Str("username", msg.Username).Msg("Authentication failed")
			c.onForbidden(ctx, "You are not allowed to access this resource")
			return false
		}
	}

	c.mu.Lock()
	if c.token != nil {
		// Re-authentication rotates the value; expiry only moves forward.
		c.token.Value = tokenPrefix + NewCID()
		c.token.Extend(0)
	} else {
		c.token = NewTokenInfo(tokenPrefix+NewCID(), channel.TokenTTL.Std())
	}
	tokenValue := c.token.Value
	c.username = msg.Username
	if msg.ExtClientID != "" {
		c.extClientID = msg.ExtClientID
	}
	if msg.ExtClientName != "" {
		c.extClientName = msg.ExtClientName
	}
	c.isAuthenticated = true
	c.mu.Unlock()

	c.openedOnce.Do(func() { close(c.sessionOpened) })

	if err := c.sendMessage(NewAuthenticateResponse(msg.CID, msg.ID, tokenValue)); err != nil {
		c.logger.Warn().Err(err).Msg("Could not send session response")
		return false
	}

	c.logger.Info().Str("username", c.usernameSnapshot()).Msg("Session opened")

	c.registerOnce.Do(func() { c.registerClient(ctx) })

	return true
}

func (c *Connection) usernameSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// registerClient runs the client.create lifecycle service, fires the
// on_connected hook and starts the background pinger. Invoked once per
// connection, re-authentication does not repeat it.
func (c *Connection) registerClient(ctx context.Context) {
	result, err := c.invokeService(ctx, ServiceClientCreate, nil, c.lifecycleEnviron(), true)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Client registration failed")
	} else if result != nil {
		var created ClientCreateResponse
		if raw, merr := json.Marshal(result); merr == nil {
			if uerr := json.Unmarshal(raw, &created); uerr == nil {
				c.mu.Lock()
				c.wsClientID = created.WSClientID
				c.mu.Unlock()
			}
		}
	}

	c.deps.hooks.Invoke(ctx, c.hookCtx(HookConnected))

	c.pingerOnce.Do(func() { go c.backgroundPings(ctx) })
}

// lifecycleEnviron is the connection metadata passed to lifecycle services.
func (c *Connection) lifecycleEnviron() map[string]any {
	c.mu.Lock()
	token := ""
	if c.token != nil {
		token = c.token.Value
	}
	extClientID := c.extClientID
	extClientName := c.extClientName
	username := c.username
	wsClientID := c.wsClientID
	c.mu.Unlock()

	return map[string]any{
		"sql_ws_client_id":   wsClientID,
		"channel_name":       c.deps.channel.Name,
		"pub_client_id":      c.pubClientID,
		"ext_client_id":      extClientID,
		"ext_client_name":    extClientName,
		"username":           username,
		"token":              token,
		"peer_address":       c.peerAddress,
		"local_address":      c.localAddress,
		"peer_fqdn":          c.peerFQDN,
		"forwarded_for":      c.forwardedFor,
		"forwarded_for_fqdn": c.forwardedFQDN,
		"connection_time":    c.connectTime.Format(time.RFC3339Nano),
	}
}

// invokeService dispatches a request to the hosting process.
func (c *Connection) invokeService(ctx context.Context, service string, payload any, environ map[string]any, needsResponse bool) (any, error) {
	if c.deps.onMessage == nil {
		return nil, nil
	}
	req := &ServiceRequest{
		CID:        NewCID(),
		DataFormat: c.deps.channel.DataFormat,
		Service:    service,
		Payload:    payload,
		Environ:    environ,
	}
	return c.deps.onMessage(ctx, req, ChannelWebSocket, "websocket", needsResponse, needsResponse)
}

// handleClientResponse routes a response either to the pub/sub hook or to
// whoever is waiting on its in_reply_to id.
func (c *Connection) handleClientResponse(ctx context.Context, msg *ClientMessage) {
	if strings.HasPrefix(msg.InReplyTo, PubSubMsgPrefix) {
		hctx := c.hookCtx(HookPubSubResponse)
		hctx.Msg = msg
		c.deps.hooks.Invoke(ctx, hctx)
		return
	}

	if msg.InReplyTo == "" {
		c.logger.Debug().Msg("Client response without in_reply_to, ignoring")
		return
	}

	if !c.correlator.resolve(msg.InReplyTo, msg) {
		c.logger.Debug().Str("in_reply_to", msg.InReplyTo).Msg("No requester waiting for response")
	}
}

// handleInvokeService runs the channel's service with the message payload.
func (c *Connection) handleInvokeService(ctx context.Context, msg *ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Service invocation panicked")
			c.closeWithCode(CloseInvokeRuntime, "Service invocation error")
		}
	}()

	service := c.deps.channel.ServiceName
	req := &ServiceRequest{
		CID:        msg.CID,
		DataFormat: c.deps.channel.DataFormat,
		Service:    service,
		Payload:    msg.Data,
	}

	result, err := c.deps.onMessage(ctx, req, ChannelWebSocket, "websocket", true, true)
	if err != nil {
		status, reason := wserrors.ClientStatus(err)
		c.logger.Warn().Err(err).Str("service", service).Msg("Service invocation failed")
		c.sendMessage(NewErrorResponse(msg.CID, msg.ID, status, reason))
		return
	}

	c.sendMessage(NewOKResponse(msg.CID, msg.ID, result))
}

// sendMessage serializes and writes one envelope.
func (c *Connection) sendMessage(msg *ServerMessage) error {
	data, err := msg.Serialize(c.deps.dump)
	if err != nil {
		return wserrors.New(wserrors.KindSendFailed, "serialize", err).WithClient(c.pubClientID)
	}
	return c.sendRaw(data, msg.Meta.ID, msg.Meta.InReplyTo)
}

// sendRaw writes bytes under the single-writer lock.
func (c *Connection) sendRaw(data []byte, msgID, inReplyTo string) error {
	c.storeAuditEvent(auditlog.DataSent, string(data), msgID, inReplyTo)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(nowFn().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return wserrors.New(wserrors.KindSendFailed, "send", err).WithClient(c.pubClientID)
	}

	c.deps.metrics.MessageSent()
	return nil
}

func (c *Connection) storeAuditEvent(eventType auditlog.EventType, data, msgID, inReplyTo string) {
	if c.deps.audit == nil {
		return
	}
	channel := c.deps.channel
	if eventType == auditlog.DataSent && !channel.IsAuditLogSentActive {
		return
	}
	if eventType == auditlog.DataReceived && !channel.IsAuditLogReceivedActive {
		return
	}

	event := auditlog.DataEvent{
		Type:       eventType,
		ObjectType: auditlog.ObjectTypeWSX,
		ObjectID:   c.pubClientID,
		Data:       data,
		Timestamp:  nowFn(),
		MsgID:      msgID,
		InReplyTo:  inReplyTo,
	}
	if err := c.deps.audit.Store(event); err != nil {
		c.logger.Warn().Err(err).Msg("Could not store audit event")
	}
}

// onForbidden tells the peer off and closes the connection normally.
func (c *Connection) onForbidden(ctx context.Context, reason string) {
	if err := c.sendMessage(NewForbidden(NewCID(), reason)); err != nil {
		c.logger.Debug().Err(err).Msg("Could not send Forbidden")
	}
	c.closeWithCode(websocket.CloseNormalClosure, reason)
}

// closeWithCode sends a close frame and tears the socket down. Idempotent.
func (c *Connection) closeWithCode(code int, reason string) {
	c.mu.Lock()
	if c.serverTerminated {
		c.mu.Unlock()
		return
	}
	c.serverTerminated = true
	c.mu.Unlock()

	frame := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, frame, nowFn().Add(controlTimeout)); err != nil {
		c.logger.Debug().Err(err).Int("code", code).Msg("Could not send close frame")
	}
	c.ws.Close()
}

// Disconnect closes the connection on the server's initiative.
func (c *Connection) Disconnect(code int, reason string) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	c.logger.Info().Int("code", code).Str("reason", reason).Msg("Disconnecting client")
	c.closeWithCode(code, reason)
}

// teardown releases everything the connection holds. Runs exactly once,
// from run's defer.
func (c *Connection) teardown(ctx context.Context) {
	c.doneOnce.Do(func() { close(c.done) })

	c.pubsub.removeAll()
	c.unregisterClient()
	c.deps.server.removeClient(c)

	if c.deps.audit != nil {
		if err := c.deps.audit.DeleteContainer(auditlog.ObjectTypeWSX, c.pubClientID); err != nil {
			c.logger.Warn().Err(err).Msg("Could not delete audit container")
		}
	}

	c.logger.Info().Msg("Client disconnected")
}

// unregisterClient runs the client.delete lifecycle service and the
// on_disconnected hook. Uses a background context because the connection's
// own context is usually gone by now.
func (c *Connection) unregisterClient() {
	c.mu.Lock()
	wasAuthenticated := c.isAuthenticated
	c.mu.Unlock()

	if !wasAuthenticated {
		return
	}

	ctx := context.Background()
	if _, err := c.invokeService(ctx, ServiceClientDelete, nil, c.lifecycleEnviron(), false); err != nil {
		c.logger.Warn().Err(err).Msg("Client deregistration failed")
	}

	c.deps.hooks.Invoke(ctx, c.hookCtx(HookDisconnected))
}

func (c *Connection) hookCtx(t HookType) HookCtx {
	c.mu.Lock()
	token := ""
	if c.token != nil {
		token = c.token.Value
	}
	extClientID := c.extClientID
	extClientName := c.extClientName
	c.mu.Unlock()

	return HookCtx{
		Type:          t,
		CID:           NewCID(),
		PubClientID:   c.pubClientID,
		ExtClientID:   extClientID,
		ExtClientName: extClientName,
		Token:         token,
		PeerAddress:   c.peerAddress,
		PeerFQDN:      c.peerFQDN,
	}
}

// InvokeClient sends data to the peer and waits for its response.
func (c *Connection) InvokeClient(ctx context.Context, data any, timeout time.Duration) (any, error) {
	req := NewInvokeClientRequest(NewCID(), data, nil)
	return c.invokeClient(ctx, req, timeout)
}

func (c *Connection) invokeClient(ctx context.Context, req *ServerMessage, timeout time.Duration) (any, error) {
	id := req.Meta.ID
	ch := c.correlator.register(id)

	if err := c.sendMessage(req); err != nil {
		c.correlator.cancel(id)
		return nil, err
	}

	value, ok := c.correlator.wait(ctx, id, ch, timeout)
	if !ok {
		return nil, wserrors.New(wserrors.KindSendFailed, "invoke_client", wserrors.ErrTimeout).WithClient(c.pubClientID)
	}

	if resp, isMsg := value.(*ClientMessage); isMsg {
		return resp.Data, nil
	}
	return value, nil
}

// backgroundPings keeps the peer honest with application-level pings.
func (c *Connection) backgroundPings(ctx context.Context) {
	interval := c.deps.channel.PingInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.pingOnce(ctx, interval) {
				return
			}
		}
	}
}

// pingOnce sends one ping and waits for the matching pong. Returns false
// when the pinger must stop.
func (c *Connection) pingOnce(ctx context.Context, interval time.Duration) (keepGoing bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Ping loop panicked")
			c.closeWithCode(ClosePingRuntime, "Ping error")
			keepGoing = false
		}
	}()

	ping := NewPingMessage()
	payload, err := ping.Serialize(c.deps.dump)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not serialize ping")
		return true
	}

	id := ping.Meta.ID
	ch := c.correlator.register(id)

	if err := c.ws.WriteControl(websocket.PingMessage, payload, nowFn().Add(controlTimeout)); err != nil {
		c.correlator.cancel(id)
		c.logger.Debug().Err(err).Msg("Could not send ping")
		return false
	}

	_, ok := c.correlator.wait(ctx, id, ch, interval)
	if ok {
		c.pingsMissed = 0
		return true
	}

	c.pingsMissed++
	c.deps.metrics.PingMissed()
	threshold := c.deps.channel.PingsMissedThreshold
	c.logger.Warn().
		Int("pings_missed", c.pingsMissed).
		Int("threshold", threshold).
		Msg("Peer missed a ping")

	if c.pingsMissed >= threshold {
		c.closeWithCode(ClosePingsMissed, fmt.Sprintf("Missed %d pings", c.pingsMissed))
		return false
	}
	return true
}

// onPong resolves the matching ping waiter and extends the session token.
// The peer echoes the ping payload, so meta.id is the correlation key.
func (c *Connection) onPong(appData string) error {
	var envelope struct {
		Meta struct {
			ID string `json:"id"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(appData), &envelope); err != nil || envelope.Meta.ID == "" {
		c.logger.Debug().Msg("Pong without a usable meta.id")
		return nil
	}

	c.correlator.resolve(envelope.Meta.ID, true)

	c.mu.Lock()
	if c.token != nil {
		c.token.Extend(c.deps.channel.PingInterval.Std())
	}
	c.mu.Unlock()

	c.setLastInteraction(context.Background(), "wsx.ponged")
	return nil
}

// setLastInteraction persists last-seen metadata, rate-limited by the
// interaction recorder.
func (c *Connection) setLastInteraction(ctx context.Context, source string) {
	now := nowFn()
	if !c.interact.note(now) {
		return
	}

	c.mu.Lock()
	wsClientID := c.wsClientID
	c.mu.Unlock()

	payload := map[string]any{
		"ws_client_id": wsClientID,
		"last_seen":    now.Format(time.RFC3339Nano),
		"source":       source,
	}
	if _, err := c.invokeService(ctx, ServiceClientSetLastSeen, payload, nil, false); err != nil {
		c.logger.Warn().Err(err).Msg("Could not set last seen")
	}

	subKeys := c.pubsub.subKeys()
	if len(subKeys) == 0 {
		return
	}
	metadata := map[string]any{
		"sub_key":               subKeys,
		"last_interaction_time": now.Format(time.RFC3339Nano),
		"last_interaction_type": source,
	}
	if _, err := c.invokeService(ctx, ServiceUpdateInteractionMetadata, metadata, nil, false); err != nil {
		c.logger.Warn().Err(err).Msg("Could not update interaction metadata")
	}
}

// AddSubKey attaches a pub/sub subscription to this connection.
func (c *Connection) AddSubKey(subKey string) {
	c.pubsub.addSubKey(subKey)
}

// RemoveSubKey detaches a pub/sub subscription.
func (c *Connection) RemoveSubKey(subKey string) {
	c.pubsub.removeSubKey(subKey)
}

// SubKeys lists the subscriptions attached to this connection.
func (c *Connection) SubKeys() []string {
	return c.pubsub.subKeys()
}

// NotifyPubSubMessage enqueues a delivery batch for one subscription.
// Batches for the same sub_key are delivered in order.
func (c *Connection) NotifyPubSubMessage(req *NotifyRequest) {
	c.pubsub.addBatch(req.SubKey, req.Messages)
}

// SubscribeToTopic creates a pub/sub subscription for this connection and
// attaches the resulting sub_key.
func (c *Connection) SubscribeToTopic(ctx context.Context, topicName string) (string, error) {
	payload := map[string]any{
		"topic_name":    topicName,
		"pub_client_id": c.pubClientID,
		"ext_client_id": c.ExtClientID(),
	}
	result, err := c.invokeService(ctx, ServiceSubscribeWSX, payload, c.lifecycleEnviron(), true)
	if err != nil {
		return "", err
	}

	subKey := extractSubKey(result)
	if subKey == "" {
		return "", wserrors.New(wserrors.KindServiceInternal, "subscribe_to_topic",
			fmt.Errorf("no sub_key in subscription response")).WithClient(c.pubClientID)
	}

	c.AddSubKey(subKey)
	return subKey, nil
}

func extractSubKey(result any) string {
	switch v := result.(type) {
	case map[string]any:
		if s, ok := v["sub_key"].(string); ok {
			return s
		}
	case string:
		return v
	}
	return ""
}

// deliverPubSubBatch sends one batch to the peer, fire and forget. A batch
// of one is sent unwrapped, larger ones as a list.
func (c *Connection) deliverPubSubBatch(subKey string, msgs []*PubSubMessage) {
	var data any
	if len(msgs) == 1 {
		data = msgs[0].externalForm()
	} else {
		forms := make([]any, 0, len(msgs))
		for _, msg := range msgs {
			forms = append(forms, msg.externalForm())
		}
		data = forms
	}

	msgCtx := map[string]any{"sub_key": subKey}
	for _, msg := range msgs {
		if msg.ReplyToSK != "" {
			msgCtx["reply_to_sk"] = msg.ReplyToSK
			break
		}
	}
	req := NewInvokeClientPubSubRequest(NewCID(), msgs[0].PubMsgID, data, msgCtx)

	if err := c.sendMessage(req); err != nil {
		c.logger.Warn().Err(err).Str("sub_key", subKey).Msg("Could not deliver pub/sub batch")
		return
	}

	c.deps.metrics.PubSubDelivered(len(msgs))
	c.setLastInteraction(context.Background(), "pubsub.deliver")
}
