package presence

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRegistry records calls instead of touching a real Node Registry, so
// these tests can exercise Service's message handling without a Durable
// Store or live UDP socket.
type fakeRegistry struct {
	mu          sync.Mutex
	registered  []string
	heartbeats  []string
	statusCalls map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{statusCalls: make(map[string]string)}
}

func (f *fakeRegistry) Register(ctx context.Context, nodeID, address string, caps []string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, nodeID)
	return nil
}

func (f *fakeRegistry) Heartbeat(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, nodeID)
	return nil
}

func (f *fakeRegistry) SetStatus(ctx context.Context, nodeID string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls[nodeID] = status
	return nil
}

func testMessage(t *testing.T, msgType MessageType, senderID, messageID string, payload map[string]any) []byte {
	t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)
	msg := Message{
		MessageType: msgType,
		SenderID:    senderID,
		MessageID:   messageID,
		Payload:     payloadJSON,
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 9334}
}

func TestProcessMessageDropsDuplicateMessageID(t *testing.T) {
	reg := newFakeRegistry()
	cfg := DefaultConfig("self")
	svc := New(cfg, reg, zap.NewNop())
	ctx := context.Background()

	data := testMessage(t, Hello, "peer-1", "msg-1", map[string]any{"capabilities": []string{"compute"}})

	svc.processMessage(ctx, data, testAddr())
	svc.processMessage(ctx, data, testAddr())

	assert.Len(t, reg.registered, 1, "second delivery of the same message_id must be dropped as a duplicate")
	assert.Equal(t, 1, svc.Stats().MessageHistorySize)
}

func TestCleanupClearsMessageHistoryAllowingReplayAfterWindow(t *testing.T) {
	reg := newFakeRegistry()
	cfg := DefaultConfig("self")
	svc := New(cfg, reg, zap.NewNop())
	ctx := context.Background()

	data := testMessage(t, Hello, "peer-1", "msg-1", nil)
	svc.processMessage(ctx, data, testAddr())
	assert.Equal(t, 1, svc.Stats().MessageHistorySize)

	svc.cleanup()
	assert.Equal(t, 0, svc.Stats().MessageHistorySize)

	svc.processMessage(ctx, data, testAddr())
	assert.Len(t, reg.heartbeats, 1, "after the dedup window clears, the same message_id is processed again")
}

func TestHelloFromUnknownPeerAutoRegisters(t *testing.T) {
	reg := newFakeRegistry()
	cfg := DefaultConfig("self")
	svc := New(cfg, reg, zap.NewNop())
	ctx := context.Background()

	data := testMessage(t, Hello, "peer-1", "msg-1", map[string]any{"capabilities": []string{"compute"}, "health_status": "healthy"})
	svc.processMessage(ctx, data, testAddr())

	assert.Equal(t, []string{"peer-1"}, reg.registered)
	peer, ok := svc.PeerByID("peer-1")
	require.True(t, ok)
	assert.Equal(t, []string{"compute"}, peer.Capabilities)
}

func TestHelloFromKnownPeerHeartbeatsInsteadOfReregistering(t *testing.T) {
	reg := newFakeRegistry()
	cfg := DefaultConfig("self")
	svc := New(cfg, reg, zap.NewNop())
	ctx := context.Background()

	first := testMessage(t, Hello, "peer-1", "msg-1", map[string]any{"health_status": "healthy"})
	svc.processMessage(ctx, first, testAddr())

	second := testMessage(t, Hello, "peer-1", "msg-2", map[string]any{"health_status": "healthy"})
	svc.processMessage(ctx, second, testAddr())

	assert.Len(t, reg.registered, 1)
	assert.Equal(t, []string{"peer-1"}, reg.heartbeats)
}

func TestGoodbyeRemovesKnownPeer(t *testing.T) {
	reg := newFakeRegistry()
	cfg := DefaultConfig("self")
	svc := New(cfg, reg, zap.NewNop())
	ctx := context.Background()

	svc.processMessage(ctx, testMessage(t, Hello, "peer-1", "msg-1", nil), testAddr())
	_, ok := svc.PeerByID("peer-1")
	require.True(t, ok)

	svc.processMessage(ctx, testMessage(t, Goodbye, "peer-1", "msg-2", nil), testAddr())
	_, ok = svc.PeerByID("peer-1")
	assert.False(t, ok)
}

func TestStatsComputesAverageReputationAndHealthSplit(t *testing.T) {
	reg := newFakeRegistry()
	cfg := DefaultConfig("self")
	svc := New(cfg, reg, zap.NewNop())
	ctx := context.Background()

	svc.processMessage(ctx, testMessage(t, Hello, "peer-1", "m1", map[string]any{"reputation": 10.0, "health_status": "healthy"}), testAddr())
	svc.processMessage(ctx, testMessage(t, Hello, "peer-2", "m2", map[string]any{"reputation": 20.0, "health_status": "unhealthy"}), testAddr())

	stats := svc.Stats()
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.HealthyNodes)
	assert.Equal(t, 1, stats.UnhealthyNodes)
	assert.Equal(t, 15.0, stats.AverageReputation)
}

func TestGenerateMessageIDIsUniquePerCall(t *testing.T) {
	a := generateMessageID("node-1")
	b := generateMessageID("node-1")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 16)
}
