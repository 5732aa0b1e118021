package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DuyTran1503/websocketio/errors"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		Method: "POST",
		Path:   "/register",
		Body:   json.RawMessage(`{"username":"alice"}`),
		Query:  map[string]string{"verbose": "1"},
		UserID: "u1",
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)

	assert.Equal(t, "POST", decoded.Method)
	assert.Equal(t, "/register", decoded.Path)
	assert.JSONEq(t, `{"username":"alice"}`, string(decoded.Body))
	assert.Equal(t, "1", decoded.Query["verbose"])
	assert.Equal(t, "u1", decoded.UserID)
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed json", `{not json`},
		{"missing method", `{"path":"/register"}`},
		{"missing path", `{"method":"POST"}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, apperrors.IsInvalid(err))
		})
	}
}

func TestReplyPayloadPreservedVerbatim(t *testing.T) {
	// Payload fields outside the shapes this layer builds must survive
	// the round trip untouched.
	wire := `{"status":201,"payload":{"message":"ok","token":"t","user":{"id":"u1"}}}`

	reply, err := DecodeReply([]byte(wire))
	require.NoError(t, err)
	assert.Equal(t, 201, reply.Status)

	data, err := EncodeReply(reply)
	require.NoError(t, err)
	assert.JSONEq(t, wire, string(data))
}

func TestDecodeReplyErrors(t *testing.T) {
	_, err := DecodeReply([]byte(`{broken`))
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalid(err))

	_, err = DecodeReply([]byte(`{"payload":{}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalid(err))
}

func TestEventRoundTrip(t *testing.T) {
	event := &Event{
		SenderID:    "u1",
		RecipientID: "u2",
		Body:        json.RawMessage(`{"text":"hi"}`),
	}

	data, err := EncodeEvent(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.SenderID)
	assert.Equal(t, "u2", decoded.RecipientID)
	assert.JSONEq(t, `{"text":"hi"}`, string(decoded.Body))
}

func TestDecodeEventRejectsUnroutable(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"body":{"text":"hi"}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalid(err))
}

func TestDecodeEventAllowsSingleParty(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"senderId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", event.SenderID)
	assert.Empty(t, event.RecipientID)
}

func TestReplyBuilders(t *testing.T) {
	reply := NotFound()
	assert.Equal(t, 404, reply.Status)
	assert.JSONEq(t, `{"error":"not found"}`, string(reply.Payload))

	reply = InternalError()
	assert.Equal(t, 500, reply.Status)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(reply.Payload))

	reply = ClientError(400, "user already exists")
	assert.Equal(t, 400, reply.Status)
	assert.JSONEq(t, `{"error":"user already exists"}`, string(reply.Payload))

	ok, err := OK(201, map[string]string{"message": "created"})
	require.NoError(t, err)
	assert.Equal(t, 201, ok.Status)
	assert.JSONEq(t, `{"message":"created"}`, string(ok.Payload))

	empty, err := OK(204, nil)
	require.NoError(t, err)
	assert.Equal(t, 204, empty.Status)
	assert.Nil(t, empty.Payload)
}
