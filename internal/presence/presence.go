// Package presence implements the P2P Presence Protocol: a plain UDP
// broadcast/listen transport discovering peers and gossiping health,
// grounded on original_source/duxos_registry/services/p2p_protocol.py's
// wire schema and timers (hello every 30s, cleanup every 60s, 5-minute peer
// expiry). Structural idiom (Config/NewXxx, zap logging, context.Context
// lifecycle) follows reference-runtime-v1/internal/presence/service.go,
// with the libp2p transport replaced by net.UDPConn per spec.md §4.E/§6.
package presence

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// MessageType is one of the seven wire message types in spec.md §3.
type MessageType string

const (
	Hello            MessageType = "hello"
	Goodbye          MessageType = "goodbye"
	Ping             MessageType = "ping"
	Pong             MessageType = "pong"
	HealthBroadcast  MessageType = "health_broadcast"
	NodeRegister     MessageType = "node_register"
	NodeUpdate       MessageType = "node_update"
)

const maxDatagramSize = 4096

// Message is the JSON wire object exchanged over UDP.
type Message struct {
	MessageType   MessageType     `json:"message_type"`
	SenderID      string          `json:"sender_id"`
	SenderAddress string          `json:"sender_address"`
	Timestamp     float64         `json:"timestamp"`
	MessageID     string          `json:"message_id"`
	Payload       json.RawMessage `json:"payload"`
}

// PeerInfo is a known peer's last-reported state.
type PeerInfo struct {
	NodeID       string
	Address      string
	Capabilities []string
	Reputation   float64
	HealthStatus string
	LastSeen     time.Time
}

// Stats mirrors p2p_protocol.py's get_network_stats.
type Stats struct {
	TotalNodes          int
	HealthyNodes        int
	UnhealthyNodes      int
	AverageReputation   float64
	MessageHistorySize  int
}

// Registry is the subset of the Node Registry the presence protocol drives:
// auto-registration on first hello, heartbeat/status updates on subsequent
// gossip.
type Registry interface {
	Register(ctx context.Context, nodeID, address string, caps []string, metadata map[string]string) error
	Heartbeat(ctx context.Context, nodeID string) error
	SetStatus(ctx context.Context, nodeID string, status string) error
}

// Config tunes the protocol's ports and timers.
type Config struct {
	NodeID            string
	ListenPort        int
	BroadcastPort     int
	PresenceInterval  time.Duration
	CleanupInterval   time.Duration
	PeerExpiry        time.Duration
	AutoRegisterP2P   bool
	SelfCapabilities  func() []string
	SelfReputation    func() float64
	SelfHealthStatus  func() string
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:           nodeID,
		ListenPort:       9334,
		BroadcastPort:    9335,
		PresenceInterval: 30 * time.Second,
		CleanupInterval:  60 * time.Second,
		PeerExpiry:       5 * time.Minute,
		AutoRegisterP2P:  true,
		SelfCapabilities: func() []string { return nil },
		SelfReputation:   func() float64 { return 0 },
		SelfHealthStatus: func() string { return "unknown" },
	}
}

var (
	messagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_messages_received_total",
		Help: "Total number of P2P messages received, by message type",
	}, []string{"type"})
	messagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_messages_dropped_total",
		Help: "Total number of P2P messages dropped as duplicates",
	})
	knownPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_known_peers",
		Help: "Current number of known peers in the P2P view",
	})
)

// Service runs the broadcaster, listener, and cleanup activities.
type Service struct {
	cfg      Config
	registry Registry
	logger   *zap.Logger

	mu             sync.RWMutex
	knownNodes     map[string]*PeerInfo
	messageHistory map[string]bool
	seenNodes      map[string]bool

	conn    *net.UDPConn
	running bool
}

// New constructs a Service. Call Start to bind the socket and launch
// background activities.
func New(cfg Config, registry Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:            cfg,
		registry:       registry,
		logger:         logger,
		knownNodes:     make(map[string]*PeerInfo),
		messageHistory: make(map[string]bool),
		seenNodes:      make(map[string]bool),
	}
}

// Start binds the UDP listen socket and launches the broadcaster, listener,
// and cleanup activities. It returns once the socket is bound; the
// activities run until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.ListenPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("presence: listen udp :%d: %w", s.cfg.ListenPort, err)
	}
	if err := setBroadcast(conn); err != nil {
		conn.Close()
		return fmt.Errorf("presence: set SO_BROADCAST :%d: %w", s.cfg.ListenPort, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.running = true
	s.mu.Unlock()

	go s.listenLoop(ctx)
	go s.broadcastLoop(ctx)
	go s.cleanupLoop(ctx)

	s.logger.Info("presence protocol started", zap.Int("listen_port", s.cfg.ListenPort), zap.Int("broadcast_port", s.cfg.BroadcastPort))
	return nil
}

// Stop sends a goodbye broadcast and closes the socket.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if data, err := s.encode(Goodbye, map[string]any{"node_id": s.cfg.NodeID, "reason": "shutdown"}); err == nil {
			dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.BroadcastPort}
			if _, err := conn.WriteToUDP(data, dst); err != nil {
				s.logger.Warn("failed to broadcast goodbye", zap.Error(err))
			}
		}
		conn.Close()
	}
	s.logger.Info("presence protocol stopped")
}

func (s *Service) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		s.broadcast(Hello, map[string]any{
			"node_id":       s.cfg.NodeID,
			"capabilities":  s.cfg.SelfCapabilities(),
			"reputation":    s.cfg.SelfReputation(),
			"health_status": s.cfg.SelfHealthStatus(),
		})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Service) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messageHistory = make(map[string]bool)

	now := time.Now()
	for id, peer := range s.knownNodes {
		if now.Sub(peer.LastSeen) > s.cfg.PeerExpiry {
			delete(s.knownNodes, id)
			s.logger.Info("removed expired peer", zap.String("node_id", id))
		}
	}
	knownPeersGauge.Set(float64(len(s.knownNodes)))
}

func (s *Service) listenLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.isRunning() {
				return
			}
			s.logger.Warn("udp read error", zap.Error(err))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.processMessage(ctx, data, addr)
	}
}

func (s *Service) processMessage(ctx context.Context, data []byte, addr *net.UDPAddr) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("failed to decode p2p message", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.messageHistory[msg.MessageID] {
		s.mu.Unlock()
		messagesDroppedTotal.Inc()
		return
	}
	s.messageHistory[msg.MessageID] = true
	s.mu.Unlock()

	messagesReceivedTotal.WithLabelValues(string(msg.MessageType)).Inc()

	switch msg.MessageType {
	case Hello, NodeRegister, NodeUpdate:
		s.handleHello(ctx, msg, addr)
	case Goodbye:
		s.handleGoodbye(msg)
	case HealthBroadcast:
		s.handleHealthBroadcast(ctx, msg)
	case Ping:
		s.handlePing(msg, addr)
	case Pong:
		s.logger.Debug("received pong", zap.String("sender_id", msg.SenderID))
	default:
		s.logger.Warn("unknown p2p message type", zap.String("type", string(msg.MessageType)))
	}
}

type helloPayload struct {
	Capabilities []string `json:"capabilities"`
	Reputation   float64  `json:"reputation"`
	HealthStatus string   `json:"health_status"`
}

func (s *Service) handleHello(ctx context.Context, msg Message, addr *net.UDPAddr) {
	var p helloPayload
	_ = json.Unmarshal(msg.Payload, &p)

	peerAddr := fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)

	s.mu.Lock()
	_, known := s.knownNodes[msg.SenderID]
	s.knownNodes[msg.SenderID] = &PeerInfo{
		NodeID:       msg.SenderID,
		Address:      peerAddr,
		Capabilities: p.Capabilities,
		Reputation:   p.Reputation,
		HealthStatus: p.HealthStatus,
		LastSeen:     time.Now(),
	}
	knownPeersGauge.Set(float64(len(s.knownNodes)))
	s.mu.Unlock()

	if s.registry == nil {
		return
	}

	if !known && s.cfg.AutoRegisterP2P {
		if err := s.registry.Register(ctx, msg.SenderID, peerAddr, p.Capabilities, nil); err != nil {
			s.logger.Warn("auto-registration failed", zap.String("node_id", msg.SenderID), zap.Error(err))
		}
		s.logger.Info("new peer discovered", zap.String("node_id", msg.SenderID), zap.String("address", peerAddr))
		return
	}

	if err := s.registry.Heartbeat(ctx, msg.SenderID); err != nil {
		s.logger.Debug("heartbeat for known peer failed", zap.String("node_id", msg.SenderID), zap.Error(err))
	}
	if err := s.registry.SetStatus(ctx, msg.SenderID, healthStatusToRegistryStatus(p.HealthStatus)); err != nil {
		s.logger.Debug("status update for known peer failed", zap.String("node_id", msg.SenderID), zap.Error(err))
	}
}

func healthStatusToRegistryStatus(health string) string {
	switch health {
	case "healthy":
		return "healthy"
	case "unhealthy":
		return "unhealthy"
	default:
		return "healthy"
	}
}

func (s *Service) handleGoodbye(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.knownNodes[msg.SenderID]; ok {
		delete(s.knownNodes, msg.SenderID)
		s.logger.Info("peer left network", zap.String("node_id", msg.SenderID))
	}
}

type healthPayload struct {
	Status string `json:"status"`
}

func (s *Service) handleHealthBroadcast(ctx context.Context, msg Message) {
	var p healthPayload
	_ = json.Unmarshal(msg.Payload, &p)

	s.mu.Lock()
	peer, ok := s.knownNodes[msg.SenderID]
	if ok {
		peer.HealthStatus = p.Status
		peer.LastSeen = time.Now()
	}
	s.mu.Unlock()

	if ok && s.registry != nil {
		_ = s.registry.Heartbeat(ctx, msg.SenderID)
		_ = s.registry.SetStatus(ctx, msg.SenderID, healthStatusToRegistryStatus(p.Status))
	}
}

func (s *Service) handlePing(msg Message, addr *net.UDPAddr) {
	target := fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)
	s.sendTo(target, Pong, map[string]any{"original_ping_id": msg.MessageID})
}

// setBroadcast enables SO_BROADCAST on conn's underlying file descriptor.
// Without it, WriteToUDP to the IPv4 broadcast address fails with EACCES on
// Linux/BSD; the original Python sets this via setsockopt before binding
// (duxos_registry/services/p2p_protocol.py).
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// broadcast sends a message to the IPv4 broadcast address.
func (s *Service) broadcast(msgType MessageType, payload map[string]any) {
	if !s.isRunning() {
		return
	}
	data, err := s.encode(msgType, payload)
	if err != nil {
		s.logger.Error("failed to encode broadcast message", zap.Error(err))
		return
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.BroadcastPort}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		s.logger.Warn("failed to broadcast message", zap.String("type", string(msgType)), zap.Error(err))
	}
}

// sendTo sends a unicast message to a specific "host:port" target.
func (s *Service) sendTo(target string, msgType MessageType, payload map[string]any) {
	if !s.isRunning() {
		return
	}
	data, err := s.encode(msgType, payload)
	if err != nil {
		return
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		s.logger.Warn("failed to resolve target address", zap.String("target", target), zap.Error(err))
		return
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	if _, err := conn.WriteToUDP(data, udpAddr); err != nil {
		s.logger.Warn("failed to send message", zap.String("target", target), zap.Error(err))
	}
}

func (s *Service) encode(msgType MessageType, payload map[string]any) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := Message{
		MessageType:   msgType,
		SenderID:      s.cfg.NodeID,
		SenderAddress: fmt.Sprintf("0.0.0.0:%d", s.cfg.ListenPort),
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		MessageID:     generateMessageID(s.cfg.NodeID),
		Payload:       payloadJSON,
	}
	return json.Marshal(msg)
}

// generateMessageID matches p2p_protocol.py's scheme: sha256 of
// sender+timestamp+random, truncated to 16 hex characters.
func generateMessageID(senderID string) string {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	data := fmt.Sprintf("%s:%d:%s", senderID, time.Now().UnixNano(), hex.EncodeToString(nonce[:]))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

// KnownPeers returns a snapshot of the current P2P view.
func (s *Service) KnownPeers() []*PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(s.knownNodes))
	for _, p := range s.knownNodes {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// PeerByID returns a single known peer, if any.
func (s *Service) PeerByID(nodeID string) (*PeerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.knownNodes[nodeID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Stats reports network statistics, grounded on p2p_protocol.py's
// get_network_stats.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.knownNodes)
	healthy := 0
	var repSum float64
	for _, p := range s.knownNodes {
		if p.HealthStatus == "healthy" {
			healthy++
		}
		repSum += p.Reputation
	}

	avg := 0.0
	if total > 0 {
		avg = repSum / float64(total)
	}

	return Stats{
		TotalNodes:         total,
		HealthyNodes:       healthy,
		UnhealthyNodes:     total - healthy,
		AverageReputation:  avg,
		MessageHistorySize: len(s.messageHistory),
	}
}
