package endpoint

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DuyTran1503/websocketio/envelope"
	apperrors "github.com/DuyTran1503/websocketio/errors"
)

// fakeBus captures the subscription and lets tests push messages through it.
type fakeBus struct {
	subject string
	queue   string
	handler func(context.Context, []byte) []byte
}

func (f *fakeBus) SubscribeRequests(_ context.Context, subject, queue string, handler func(context.Context, []byte) []byte) error {
	f.subject = subject
	f.queue = queue
	f.handler = handler
	return nil
}

func (f *fakeBus) send(t *testing.T, data []byte) *envelope.Reply {
	t.Helper()
	raw := f.handler(context.Background(), data)
	require.NotNil(t, raw, "every message must get a reply")
	reply, err := envelope.DecodeReply(raw)
	require.NoError(t, err)
	return reply
}

func encodeRequest(t *testing.T, req *envelope.Request) []byte {
	t.Helper()
	data, err := envelope.EncodeRequest(req)
	require.NoError(t, err)
	return data
}

func startEndpoint(t *testing.T, routes map[string]HandlerFunc) *fakeBus {
	t.Helper()

	ep, err := New("auth.request", "auth")
	require.NoError(t, err)

	for key, handler := range routes {
		method, path, ok := strings.Cut(key, " ")
		require.True(t, ok)
		require.NoError(t, ep.Handle(method, path, handler))
	}

	bus := &fakeBus{}
	require.NoError(t, ep.Start(context.Background(), bus))
	return bus
}

func TestDispatchToRegisteredHandler(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"POST /register": func(_ context.Context, req *envelope.Request) (*envelope.Reply, error) {
			var body map[string]string
			require.NoError(t, json.Unmarshal(req.Body, &body))
			return envelope.OK(201, map[string]string{"message": "ok", "username": body["username"]})
		},
	})

	assert.Equal(t, "auth.request", bus.subject)
	assert.Equal(t, "auth", bus.queue)

	reply := bus.send(t, encodeRequest(t, &envelope.Request{
		Method: "POST",
		Path:   "/register",
		Body:   json.RawMessage(`{"username":"alice"}`),
	}))

	assert.Equal(t, 201, reply.Status)
	assert.JSONEq(t, `{"message":"ok","username":"alice"}`, string(reply.Payload))
}

func TestUnknownRouteReturns404(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"POST /register": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			return envelope.OK(201, nil)
		},
	})

	reply := bus.send(t, encodeRequest(t, &envelope.Request{Method: "GET", Path: "/nowhere"}))
	assert.Equal(t, 404, reply.Status)
	assert.JSONEq(t, `{"error":"not found"}`, string(reply.Payload))
}

func TestMethodMismatchReturns404(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"POST /register": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			return envelope.OK(201, nil)
		},
	})

	reply := bus.send(t, encodeRequest(t, &envelope.Request{Method: "GET", Path: "/register"}))
	assert.Equal(t, 404, reply.Status)
}

func TestMalformedEnvelopeReturns500(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"POST /register": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			return envelope.OK(201, nil)
		},
	})

	reply := bus.send(t, []byte(`{not an envelope`))
	assert.Equal(t, 500, reply.Status)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(reply.Payload))
}

func TestHandlerErrorReturnsGeneric500(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"GET /me": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			return nil, assert.AnError
		},
	})

	reply := bus.send(t, encodeRequest(t, &envelope.Request{Method: "GET", Path: "/me"}))
	assert.Equal(t, 500, reply.Status)
	// The internal cause never reaches the caller
	assert.NotContains(t, string(reply.Payload), assert.AnError.Error())
	assert.JSONEq(t, `{"error":"internal server error"}`, string(reply.Payload))
}

func TestHandlerPanicReturnsGeneric500(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"GET /me": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			panic("boom")
		},
	})

	reply := bus.send(t, encodeRequest(t, &envelope.Request{Method: "GET", Path: "/me"}))
	assert.Equal(t, 500, reply.Status)
	assert.NotContains(t, string(reply.Payload), "boom")
}

func TestHandlerNilReplyReturns500(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"GET /me": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			return nil, nil
		},
	})

	reply := bus.send(t, encodeRequest(t, &envelope.Request{Method: "GET", Path: "/me"}))
	assert.Equal(t, 500, reply.Status)
}

func TestMethodDispatchIsCaseInsensitive(t *testing.T) {
	bus := startEndpoint(t, map[string]HandlerFunc{
		"POST /login": func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
			return envelope.OK(200, nil)
		},
	})

	reply := bus.send(t, encodeRequest(t, &envelope.Request{Method: "post", Path: "/login"}))
	assert.Equal(t, 200, reply.Status)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	ep, err := New("auth.request", "auth")
	require.NoError(t, err)

	handler := func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
		return envelope.OK(200, nil)
	}

	require.NoError(t, ep.Handle("POST", "/register", handler))
	err = ep.Handle("POST", "/register", handler)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateHandler)
}

func TestRegistrationAfterStartFails(t *testing.T) {
	ep, err := New("auth.request", "auth")
	require.NoError(t, err)
	require.NoError(t, ep.Start(context.Background(), &fakeBus{}))

	err = ep.Handle("GET", "/me", func(_ context.Context, _ *envelope.Request) (*envelope.Reply, error) {
		return envelope.OK(200, nil)
	})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyStarted)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", "auth")
	assert.Error(t, err)

	ep, err := New("auth.request", "")
	require.NoError(t, err)
	assert.Equal(t, "auth-request", ep.queue)
}

func TestDoubleStartFails(t *testing.T) {
	ep, err := New("auth.request", "auth")
	require.NoError(t, err)

	require.NoError(t, ep.Start(context.Background(), &fakeBus{}))
	err = ep.Start(context.Background(), &fakeBus{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyStarted)
}
