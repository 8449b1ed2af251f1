package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedStatus struct {
	mu          sync.Mutex
	connects    []int64
	disconnects []int64
}

func (r *recordedStatus) OnConnected(ctx context.Context, sessionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, sessionID)
	return nil
}

func (r *recordedStatus) OnDisconnected(ctx context.Context, sessionID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, sessionID)
	return nil
}

func TestMockClientReportsDroppedConnection(t *testing.T) {
	// force the transport-failure path: success rate zero, no permanent
	// rejections, so the send fails retryable and the listener must hear
	// about the dropped connection
	client := &MockClient{
		permanentRate: 0,
		minDelay:      time.Millisecond,
		maxDelay:      2 * time.Millisecond,
	}
	listener := &recordedStatus{}
	client.SetStatusListener(listener)

	_, err := client.Send(context.Background(), 7, "+15550001111", "hello")

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Retryable)
	assert.Equal(t, []int64{7}, listener.disconnects)
}

func TestMockClientSendsWithoutListener(t *testing.T) {
	client := &MockClient{
		successRate: 1.0,
		minDelay:    time.Millisecond,
		maxDelay:    2 * time.Millisecond,
	}

	id, err := client.Send(context.Background(), 7, "+15550001111", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
