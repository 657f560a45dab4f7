package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/util"
)

// DefaultMaxPeers is the room capacity of a two-party call.
const DefaultMaxPeers = 2

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerOptions configures a relay Server.
type ServerOptions struct {
	// MaxPeers caps each room; zero means DefaultMaxPeers, negative means
	// unlimited.
	MaxPeers int
	// Presence defaults to a MemoryPresence.
	Presence Presence
	// Development keeps gin in debug mode with request logging.
	Development bool
}

// Server is the room-scoped relay. Each WebSocket joins exactly one room;
// signals are forwarded to the named peer or broadcast to the rest of the
// room, stamped with the sender id.
type Server struct {
	maxPeers int
	presence Presence
	router   *gin.Engine
	metrics  *relayMetrics

	mu    sync.Mutex
	rooms map[room.Code]map[string]*member
}

// member is one connected peer. It only receives room traffic once it has
// been sent its own connect and peer list.
type member struct {
	conn  *jsonrpc2.Conn
	ready bool
}

// NewServer builds the relay and its HTTP routes.
func NewServer(opts ServerOptions) *Server {
	if opts.MaxPeers == 0 {
		opts.MaxPeers = DefaultMaxPeers
	}
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence()
	}

	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		maxPeers: opts.MaxPeers,
		presence: opts.Presence,
		rooms:    make(map[room.Code]map[string]*member),
	}

	reg := prometheus.NewRegistry()
	s.metrics = newRelayMetrics(reg, s.roomCount)

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Development {
		router.Use(gin.Logger())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/rooms/:room", s.handleRoom)
	router.GET("/ws/:room", s.handleWS)

	s.router = router
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("Relay listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP handlers
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleRoom(c *gin.Context) {
	code := c.Param("room")
	if !room.Valid(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room code"})
		return
	}

	peers, err := s.presence.Peers(c.Request.Context(), room.Code(code))
	if err != nil {
		util.LogError("presence lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": code, "peers": peers})
}

func (s *Server) handleWS(c *gin.Context) {
	raw := c.Param("room")
	if !room.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room code"})
		return
	}
	code := room.Code(raw)

	if s.full(code) {
		c.JSON(http.StatusConflict, gin.H{"error": "room is full"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	id := uuid.NewString()
	h := &peerHandler{server: s, room: code, id: id}
	conn := jsonrpc2.NewConn(c.Request.Context(), websocketjsonrpc2.NewObjectStream(ws), h)

	if err := s.join(c.Request.Context(), code, id, conn); err != nil {
		util.LogWarning("peer %s rejected from %s: %v", util.ShortID(id), code, err)
		_ = conn.Close()
		return
	}

	<-conn.DisconnectNotify()
	s.leave(code, id)
}

func (s *Server) full(code room.Code) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPeers > 0 && len(s.rooms[code]) >= s.maxPeers
}

// ──────────────────────────────────────────────────────────────────────────────
// Room membership
// ──────────────────────────────────────────────────────────────────────────────

var errRoomFull = errors.New("room is full")

// join reserves a slot, greets the newcomer with "connect" and "connected
// peers", then announces it to the room. The newcomer is not routed to
// before its greeting is out, so those are always its first notifications.
// No websocket write happens under the room lock.
func (s *Server) join(ctx context.Context, code room.Code, id string, conn *jsonrpc2.Conn) error {
	s.mu.Lock()
	peers := s.rooms[code]
	if s.maxPeers > 0 && len(peers) >= s.maxPeers {
		s.mu.Unlock()
		return errRoomFull
	}

	existing := make([]string, 0, len(peers))
	for other, m := range peers {
		if m.ready {
			existing = append(existing, other)
		}
	}
	sort.Strings(existing)

	if peers == nil {
		peers = make(map[string]*member)
		s.rooms[code] = peers
	}
	peers[id] = &member{conn: conn}
	s.mu.Unlock()

	greet := func() error {
		if err := conn.Notify(ctx, methodConnect, connectParams{ID: id}); err != nil {
			return err
		}
		return conn.Notify(ctx, methodConnectedPeers, existing)
	}
	if err := greet(); err != nil {
		s.remove(code, id)
		return err
	}

	s.mu.Lock()
	if m, ok := s.rooms[code][id]; ok {
		m.ready = true
	}
	others := s.readyPeers(code, id)
	present := len(s.rooms[code])
	s.mu.Unlock()

	for other, oc := range others {
		if err := oc.Notify(ctx, methodConnectedPeer, id); err != nil {
			util.LogDebug("announce %s to %s: %v", util.ShortID(id), util.ShortID(other), err)
		}
	}

	if err := s.presence.Join(ctx, code, id); err != nil {
		util.LogWarning("presence join failed: %v", err)
	}

	s.metrics.peers.Inc()
	util.LogInfo("Peer %s joined %s (%d present)", util.ShortID(id), code, present)
	return nil
}

// readyPeers returns the greeted members of code other than except. Called
// with mu held.
func (s *Server) readyPeers(code room.Code, except string) map[string]*jsonrpc2.Conn {
	out := make(map[string]*jsonrpc2.Conn)
	for id, m := range s.rooms[code] {
		if id != except && m.ready {
			out[id] = m.conn
		}
	}
	return out
}

// remove drops id from code and reports whether it was a greeted member.
func (s *Server) remove(code room.Code, id string) (ready, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := s.rooms[code]
	m, ok := peers[id]
	if !ok {
		return false, false
	}
	delete(peers, id)
	if len(peers) == 0 {
		delete(s.rooms, code)
	}
	return m.ready, true
}

func (s *Server) leave(code room.Code, id string) {
	ctx := context.Background()

	ready, ok := s.remove(code, id)
	if !ok || !ready {
		return
	}

	s.mu.Lock()
	others := s.readyPeers(code, id)
	s.mu.Unlock()

	for other, oc := range others {
		if err := oc.Notify(ctx, methodDisconnectedPeer, id); err != nil {
			util.LogDebug("announce leave of %s to %s: %v", util.ShortID(id), util.ShortID(other), err)
		}
	}

	if err := s.presence.Leave(ctx, code, id); err != nil {
		util.LogWarning("presence leave failed: %v", err)
	}

	s.metrics.peers.Dec()
	util.LogInfo("Peer %s left %s", util.ShortID(id), code)
}

// forward relays msg from one peer. An empty to broadcasts to the rest of
// the room.
func (s *Server) forward(ctx context.Context, code room.Code, from, to string, msg Message) error {
	payload := inboundSignal{From: from, Message: msg}

	s.mu.Lock()
	var targets []*jsonrpc2.Conn
	if to != "" {
		m, ok := s.rooms[code][to]
		if !ok || !m.ready {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
		}
		targets = append(targets, m.conn)
	} else {
		for _, c := range s.readyPeers(code, from) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range targets {
		if err := c.Notify(ctx, methodSignal, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		util.Stats.AddRelayed()
		s.metrics.signals.WithLabelValues(messageKind(msg)).Inc()
	}
	return errors.Join(errs...)
}

func (s *Server) roomCount() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.rooms))
}

// ──────────────────────────────────────────────────────────────────────────────
// Per-connection JSON-RPC handler
// ──────────────────────────────────────────────────────────────────────────────

// peerHandler receives the notifications of one client. jsonrpc2 calls it
// synchronously from the read loop, so a peer's signals are forwarded in
// the order it sent them.
type peerHandler struct {
	server *Server
	room   room.Code
	id     string
}

func (h *peerHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method != methodSignal {
		h.reject(ctx, conn, req, jsonrpc2.CodeMethodNotFound, "unknown method "+req.Method)
		return
	}
	if req.Params == nil {
		h.reject(ctx, conn, req, jsonrpc2.CodeInvalidParams, "missing params")
		return
	}

	var p outboundSignal
	if err := json.Unmarshal(*req.Params, &p); err != nil {
		h.reject(ctx, conn, req, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err := p.Message.Validate(); err != nil {
		h.server.metrics.rejected.Inc()
		h.reject(ctx, conn, req, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	if err := h.server.forward(ctx, h.room, h.id, p.To, p.Message); err != nil {
		util.LogDebug("forward %s from %s: %v", p.Message, util.ShortID(h.id), err)
		if !req.Notif {
			_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		}
		return
	}
	if !req.Notif {
		_ = conn.Reply(ctx, req.ID, nil)
	}
}

func (h *peerHandler) reject(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, code int64, msg string) {
	util.LogWarning("peer %s: %s", util.ShortID(h.id), msg)
	if req.Notif {
		return
	}
	_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: code, Message: msg})
}

// ──────────────────────────────────────────────────────────────────────────────
// Metrics
// ──────────────────────────────────────────────────────────────────────────────

type relayMetrics struct {
	peers    prometheus.Gauge
	signals  *prometheus.CounterVec
	rejected prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer, rooms func() float64) *relayMetrics {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "peerlink",
		Subsystem: "relay",
		Name:      "rooms",
		Help:      "Rooms with at least one connected peer.",
	}, rooms)

	return &relayMetrics{
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerlink",
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Connected peers across all rooms.",
		}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "relay",
			Name:      "signals_total",
			Help:      "Signaling messages forwarded, by kind.",
		}, []string{"kind"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "peerlink",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Malformed signaling messages dropped.",
		}),
	}
}

// messageKind is the metrics label for msg.
func messageKind(msg Message) string {
	if msg.Description != nil {
		return string(msg.Description.Type)
	}
	return "candidate"
}
