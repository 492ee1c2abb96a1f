package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulsechat/broker/internal/auth"
	"pulsechat/broker/internal/config"
	"pulsechat/broker/internal/httpapi"
	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/metrics"
	"pulsechat/broker/internal/presence"
	"pulsechat/broker/internal/protocol"
	"pulsechat/broker/internal/ratelimit"
	"pulsechat/broker/internal/store"
)

// Broker owns the live WebSocket directory: it upgrades authenticated
// connections, fans frames out to every registered client, and feeds inbound
// frames through the event router.
type Broker struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *store.Store
	limiter  *ratelimit.Limiter
	presence *presence.Tracker
	metrics  *metrics.Metrics

	wsAuthenticator websocketAuthenticator
	upgrader        websocket.Upgrader

	mu         sync.Mutex
	clients    map[*Client]bool
	broadcasts uint64
	closed     bool
}

// BrokerOption customises broker construction.
type BrokerOption func(*Broker)

// NewBroker wires the gateway hub around its collaborators.
func NewBroker(cfg *config.Config, messageStore *store.Store, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = logging.L()
	}
	if m == nil {
		m = metrics.New()
	}
	b := &Broker{
		cfg:      cfg,
		log:      logger,
		store:    messageStore,
		limiter:  limiter,
		presence: presence.NewTracker(),
		metrics:  m,
		clients:  make(map[*Client]bool),
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: b.checkOrigin}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	if b == nil || b.cfg == nil || len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS authenticates the handshake and, on success, promotes the request
// to a live connection. Authentication failures close the request before the
// connection ever enters the directory.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	if b == nil {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}

	identity, err := b.authenticate(r)
	if err != nil {
		b.log.Warn("websocket handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if max := b.maxClients(); max > 0 {
		b.mu.Lock()
		full := len(b.clients) >= max
		b.mu.Unlock()
		if full {
			http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
	b.register(client)

	go client.writePump(b)
	go client.readPump(b)
}

func (b *Broker) authenticate(r *http.Request) (auth.Identity, error) {
	if b.wsAuthenticator == nil {
		return auth.Identity{}, fmt.Errorf("no authenticator configured")
	}
	identity, err := b.wsAuthenticator.Authenticate(r)
	if err != nil {
		return auth.Identity{}, err
	}
	return identity, nil
}

func (b *Broker) maxClients() int {
	if b.cfg == nil {
		return 0
	}
	return b.cfg.MaxClients
}

// register adds the connection to the directory, hands the joiner the current
// roster, and announces first-time joins to everyone else.
func (b *Broker) register(c *Client) {
	b.mu.Lock()
	b.clients[c] = true
	count := len(b.clients)
	b.mu.Unlock()

	firstJoin := b.presence.Register(c.id, c.identity)
	b.metrics.Connections.Set(float64(count))
	b.log.Info("client connected",
		zap.String("conn_id", c.id),
		zap.String("identity", c.identity.ID),
		zap.Int("clients", count),
	)

	// The roster goes to the joiner only; everyone else already holds it and
	// learns about the change through the notification.
	if frame, err := b.rosterFrame(); err == nil {
		c.enqueue(frame)
	}
	if firstJoin {
		if frame, err := notificationFrame("join", c.identity); err == nil {
			b.broadcastExcept(c, frame)
		}
	}
}

// remove drops the connection, forgets its rate-limit state, and announces
// the departure once the identity's last connection is gone. The send channel
// stays open: a concurrent fanout may still hold this client in its snapshot,
// and enqueueing onto an open channel is harmless while a closed one panics.
func (b *Broker) remove(c *Client) {
	b.mu.Lock()
	if !b.clients[c] {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c)
	close(c.done)
	count := len(b.clients)
	b.mu.Unlock()

	identity, last := b.presence.Remove(c.id)
	if b.limiter != nil {
		b.limiter.Forget(c.id)
	}
	b.metrics.Connections.Set(float64(count))
	b.log.Info("client disconnected",
		zap.String("conn_id", c.id),
		zap.String("identity", identity.ID),
		zap.Int("clients", count),
	)

	if last {
		if frame, err := notificationFrame("leave", identity); err == nil {
			b.broadcast(frame)
		}
	}
}

// broadcast fans one frame out to every live connection. The client set is
// snapshotted before iteration so a slow consumer dropping out mid-loop
// cannot mutate the set under us.
func (b *Broker) broadcast(frame []byte) {
	b.broadcastExcept(nil, frame)
}

func (b *Broker) broadcastExcept(skip *Client, frame []byte) {
	b.mu.Lock()
	targets := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	b.broadcasts++
	b.mu.Unlock()

	b.metrics.Broadcasts.Inc()
	for _, c := range targets {
		if !c.enqueue(frame) {
			// The send buffer is full; the connection is beyond saving and
			// the read pump will reap it once the socket closes.
			b.log.Warn("dropping slow consumer", zap.String("conn_id", c.id))
			go b.remove(c)
		}
	}
}

func (b *Broker) rosterFrame() ([]byte, error) {
	roster := b.presence.Roster()
	entries := make([]protocol.RosterEntry, 0, len(roster))
	for _, identity := range roster {
		entries = append(entries, protocol.RosterEntry{ID: identity.ID, DisplayName: identity.DisplayName})
	}
	return protocol.Encode(protocol.EventOnlineUsers, entries)
}

// Stats snapshots the counters served at /api/stats.
func (b *Broker) Stats() httpapi.Stats {
	b.mu.Lock()
	clients := len(b.clients)
	broadcasts := b.broadcasts
	b.mu.Unlock()
	return httpapi.Stats{
		Clients:    clients,
		Identities: b.presence.Count(),
		Broadcasts: broadcasts,
	}
}

// Close disconnects every client. Used during graceful shutdown.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	targets := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		b.remove(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}
