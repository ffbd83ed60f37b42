package wsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/wsbridge/wsbridge/internal/auditlog"
	"github.com/wsbridge/wsbridge/internal/config"
	wserrors "github.com/wsbridge/wsbridge/internal/errors"
)

const (
	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024

	defaultBroadcastConcurrency = 64
)

// Options configures a channel server.
type Options struct {
	AuthFunc  AuthFunc
	OnMessage OnMessageCallback
	Hooks     *Hooks
	Audit     auditlog.Logger

	// Metrics is where channel metrics are registered. Nil disables
	// external exposure but keeps the counters working.
	Metrics prometheus.Registerer

	// BroadcastConcurrency bounds how many clients are written to at once
	// during a broadcast. Zero means the default.
	BroadcastConcurrency int64
}

// Server accepts WebSocket connections for one configured channel.
type Server struct {
	channel *config.Channel
	opts    Options

	upgrader     websocket.Upgrader
	dump         DumpFunc
	metrics      *Metrics
	resolver     *dnscache.Resolver
	broadcastSem *semaphore.Weighted

	mu         sync.Mutex
	clients    map[string]*Connection
	httpServer *http.Server
	listener   net.Listener

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a channel server. The channel must be normalized.
func NewServer(channel *config.Channel, opts Options) *Server {
	concurrency := opts.BroadcastConcurrency
	if concurrency <= 0 {
		concurrency = defaultBroadcastConcurrency
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		channel: channel,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dump:         DumpFuncFor(channel.JSONLibrary),
		metrics:      NewMetrics(opts.Metrics),
		resolver:     &dnscache.Resolver{},
		broadcastSem: semaphore.NewWeighted(concurrency),
		clients:      make(map[string]*Connection),
		baseCtx:      baseCtx,
		cancel:       cancel,
	}
}

// ServeHTTP upgrades one request and runs its connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.channel.Path {
		http.NotFound(w, r)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("peer", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	conn := newConnection(ws, connDeps{
		server:    s,
		channel:   s.channel,
		dump:      s.dump,
		audit:     s.opts.Audit,
		hooks:     s.opts.Hooks,
		onMessage: s.opts.OnMessage,
		authFunc:  s.opts.AuthFunc,
		resolver:  s.resolver,
		metrics:   s.metrics,
	}, r)

	s.addClient(conn)
	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()

	conn.run(s.baseCtx)
}

// Start listens on the channel address and serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.channel.Host, s.channel.Port)

	lc := net.ListenConfig{Control: reusePort}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	log.Info().
		Str("channel", s.channel.Name).
		Str("address", s.channel.Address).
		Bool("tls", s.channel.NeedsTLS).
		Msg("Channel listening")

	if s.channel.NeedsTLS {
		err = httpServer.ServeTLS(listener, s.channel.TLSCertFile, s.channel.TLSKeyFile)
	} else {
		err = httpServer.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down both ways, drains the HTTP server and
// disconnects remaining clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	httpServer := s.httpServer
	s.mu.Unlock()

	if listener != nil {
		shutdownListener(listener)
	}

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}

	for _, conn := range s.Clients() {
		conn.Disconnect(websocket.CloseNormalClosure, "Server is stopping")
	}

	s.cancel()
	return err
}

func (s *Server) addClient(conn *Connection) {
	s.mu.Lock()
	s.clients[conn.PubClientID()] = conn
	s.mu.Unlock()
}

func (s *Server) removeClient(conn *Connection) {
	s.mu.Lock()
	delete(s.clients, conn.PubClientID())
	s.mu.Unlock()
}

// Clients snapshots the currently connected clients.
func (s *Server) Clients() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*Connection, 0, len(s.clients))
	for _, conn := range s.clients {
		clients = append(clients, conn)
	}
	return clients
}

// ClientCount reports how many clients are connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// GetClientByPubID finds a connection by its public id.
func (s *Server) GetClientByPubID(pubClientID string) (*Connection, error) {
	s.mu.Lock()
	conn, ok := s.clients[pubClientID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", wserrors.ErrClientNotFound, pubClientID)
	}
	return conn, nil
}

// InvokeClient sends data to one client and waits for its response.
func (s *Server) InvokeClient(ctx context.Context, pubClientID string, data any, timeout time.Duration) (any, error) {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return nil, err
	}
	return conn.InvokeClient(ctx, data, timeout)
}

// Broadcast sends data to every connected client, fire and forget. Writes
// run concurrently, bounded by the broadcast semaphore.
func (s *Server) Broadcast(ctx context.Context, data any) {
	clients := s.Clients()

	var wg sync.WaitGroup
	for _, conn := range clients {
		if err := s.broadcastSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			defer s.broadcastSem.Release(1)
			req := NewInvokeClientRequest(NewCID(), data, nil)
			if err := conn.sendMessage(req); err != nil {
				log.Debug().Err(err).
					Str("pub_client_id", conn.PubClientID()).
					Msg("Broadcast write failed")
			}
		}(conn)
	}
	wg.Wait()
}

// DisconnectClient closes one client's connection on the server's behalf.
func (s *Server) DisconnectClient(pubClientID string, code int, reason string) error {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return err
	}
	conn.Disconnect(code, reason)
	return nil
}

// NotifyPubSubMessage enqueues a pub/sub delivery batch for one client.
func (s *Server) NotifyPubSubMessage(pubClientID string, req *NotifyRequest) error {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return err
	}
	conn.NotifyPubSubMessage(req)
	return nil
}

// SubscribeToTopic subscribes one client to a topic and returns the new
// subscription's sub_key.
func (s *Server) SubscribeToTopic(ctx context.Context, pubClientID, topicName string) (string, error) {
	conn, err := s.GetClientByPubID(pubClientID)
	if err != nil {
		return "", err
	}
	return conn.SubscribeToTopic(ctx, topicName)
}
