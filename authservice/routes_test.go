package authservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DuyTran1503/websocketio/endpoint"
	"github.com/DuyTran1503/websocketio/envelope"
	"github.com/DuyTran1503/websocketio/pkg/token"
)

type capturedBus struct {
	handler func(context.Context, []byte) []byte
}

func (c *capturedBus) SubscribeRequests(_ context.Context, _, _ string, handler func(context.Context, []byte) []byte) error {
	c.handler = handler
	return nil
}

// The full path a bridged request takes inside the auth backend: request
// envelope in, dispatched by route, reply envelope out.
func TestRoutesOverEndpoint(t *testing.T) {
	store := NewMemoryStore()
	tokens, err := token.NewManager("test-secret")
	require.NoError(t, err)
	svc, err := NewService(store, tokens)
	require.NoError(t, err)

	ep, err := endpoint.New("auth.request", "auth")
	require.NoError(t, err)
	require.NoError(t, svc.RegisterRoutes(ep))

	bus := &capturedBus{}
	require.NoError(t, ep.Start(context.Background(), bus))

	send := func(req *envelope.Request) *envelope.Reply {
		data, err := envelope.EncodeRequest(req)
		require.NoError(t, err)
		reply, err := envelope.DecodeReply(bus.handler(context.Background(), data))
		require.NoError(t, err)
		return reply
	}

	reply := send(&envelope.Request{
		Method: "POST", Path: "/register",
		Body: registerBody("alice", "a@x.com", "secret1"),
	})
	assert.Equal(t, 201, reply.Status)

	reply = send(&envelope.Request{
		Method: "POST", Path: "/login",
		Body: []byte(`{"username":"alice","password":"secret1"}`),
	})
	assert.Equal(t, 200, reply.Status)

	reply = send(&envelope.Request{Method: "DELETE", Path: "/register"})
	assert.Equal(t, 404, reply.Status)
}
