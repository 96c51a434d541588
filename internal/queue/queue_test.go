package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

func TestNewReturnsNetworkErrorWhenRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, coreerrors.Network, coreerrors.KindOf(err))
}

func TestNilNotifierNotifyIsNoop(t *testing.T) {
	var n *Notifier
	err := n.NotifyTaskReady(context.Background(), "task-1")
	require.NoError(t, err)
}

func TestNilNotifierSubscribeErrors(t *testing.T) {
	var n *Notifier
	_, cleanup, err := n.Subscribe(context.Background())
	defer cleanup()
	require.Error(t, err)
}
