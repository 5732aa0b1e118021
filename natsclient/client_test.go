package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClientOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("gateway"),
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(10*time.Second),
		WithTimeout(time.Second),
		WithCredentials("user", "pass"),
	)
	require.NoError(t, err)

	assert.Equal(t, "gateway", client.clientName)
	assert.Equal(t, int32(3), client.circuitThreshold)
	assert.Equal(t, 10*time.Second, client.maxBackoff)
	assert.Equal(t, time.Second, client.timeout)
	assert.Equal(t, "user", client.username)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(3),
	)
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(3), client.Failures())

	// Backoff doubled when circuit opened
	assert.Equal(t, 2*time.Second, client.Backoff())
}

func TestCircuitBreakerRejectsConnect(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1),
	)
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestResetCircuit(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(2),
	)
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestBackoffCappedAtMax(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1),
		WithMaxBackoff(4*time.Second),
	)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		client.recordFailure()
	}

	assert.LessOrEqual(t, client.Backoff(), 4*time.Second)
}

func TestOperationsRequireConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()

	err = client.Publish(ctx, "events.out", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Request(ctx, "auth.request", []byte("{}"), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.Subscribe(ctx, "events.in", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.SubscribeRequests(ctx, "auth.request", "auth", func(context.Context, []byte) []byte {
		return nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWaitForConnectionTimeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection timeout")
}

func TestCloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))
}

func TestCloseClearsCredentials(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "secret"),
		WithToken("tok"),
	)
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))

	assert.Empty(t, client.username)
	assert.Empty(t, client.password)
	assert.Empty(t, client.token)
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.False(t, isAlreadyExistsError(assert.AnError))
	assert.True(t, isAlreadyExistsError(errBucketInUse))
}

var errBucketInUse = errorString("bucket name already in use")

type errorString string

func (e errorString) Error() string { return string(e) }
