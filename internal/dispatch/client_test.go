package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sas-collector/internal/config"
)

func newTestClient() *Client {
	client := NewClient(&config.DispatchConfig{
		ServerURL: "ws://127.0.0.1:0/dispatch",
		APIKey:    string(testKey),
	}, zap.NewNop())
	client.now = func() time.Time { return time.Unix(1756000000, 0) }
	return client
}

func signedEnvelope(t *testing.T, payload string, at time.Time) []byte {
	t.Helper()

	timestamp, signature := signedAt(t, payload, at)
	envelope, err := json.Marshal(map[string]interface{}{
		"signature": signature,
		"timestamp": json.Number(timestamp),
		"payload":   json.RawMessage(payload),
	})
	require.NoError(t, err)
	return envelope
}

func decodeReply(t *testing.T, raw []byte) Reply {
	t.Helper()

	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func TestHandleMessage_InvokesRegisteredAction(t *testing.T) {
	client := newTestClient()

	var received json.RawMessage
	client.RegisterAction("jackpot", func(ctx context.Context, data json.RawMessage) (interface{}, int) {
		received = data
		return map[string]string{"message": "Success"}, 0
	})

	payload := `{"action":"jackpot","data":{"value":10.5}}`
	raw := client.handleMessage(context.Background(), signedEnvelope(t, payload, client.now()))
	require.NotNil(t, raw)

	reply := decodeReply(t, raw)
	assert.Equal(t, 200, reply.Status)
	assert.JSONEq(t, `{"value":10.5}`, string(received))
	assert.JSONEq(t, payload, string(reply.Payload), "reply echoes the payload acted on")
}

func TestHandleMessage_BadSignatureIsUnauthorized(t *testing.T) {
	client := newTestClient()

	invoked := false
	client.RegisterAction("jackpot", func(ctx context.Context, data json.RawMessage) (interface{}, int) {
		invoked = true
		return nil, 0
	})

	payload := `{"action":"jackpot","data":{"value":10.5}}`
	envelope, err := json.Marshal(map[string]interface{}{
		"signature": "0000000000000000000000000000000000000000000000000000000000000000",
		"timestamp": json.Number(fmt.Sprintf("%d", client.now().Unix())),
		"payload":   json.RawMessage(payload),
	})
	require.NoError(t, err)

	raw := client.handleMessage(context.Background(), envelope)
	require.NotNil(t, raw)

	reply := decodeReply(t, raw)
	assert.Equal(t, 401, reply.Status)
	assert.False(t, invoked, "no action may run for an unverified message")

	result, err := json.Marshal(reply.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"Unauthorized"}`, string(result))
}

func TestHandleMessage_StaleMessageIsUnauthorized(t *testing.T) {
	client := newTestClient()

	invoked := false
	client.RegisterAction("jackpot", func(ctx context.Context, data json.RawMessage) (interface{}, int) {
		invoked = true
		return nil, 0
	})

	payload := `{"action":"jackpot","data":{"value":10.5}}`
	envelope := signedEnvelope(t, payload, client.now().Add(-61*time.Second))

	reply := decodeReply(t, client.handleMessage(context.Background(), envelope))
	assert.Equal(t, 401, reply.Status)
	assert.False(t, invoked)
}

func TestHandleMessage_UnknownActionIsEmptySuccess(t *testing.T) {
	client := newTestClient()

	payload := `{"action":"reboot"}`
	reply := decodeReply(t, client.handleMessage(context.Background(), signedEnvelope(t, payload, client.now())))

	assert.Equal(t, 200, reply.Status)
	assert.Nil(t, reply.Result)
}

func TestHandleMessage_ActionStatusPropagates(t *testing.T) {
	client := newTestClient()
	client.RegisterAction("jackpot", func(ctx context.Context, data json.RawMessage) (interface{}, int) {
		return map[string]string{"message": "invalid jackpot data"}, 400
	})

	payload := `{"action":"jackpot","data":"oops"}`
	reply := decodeReply(t, client.handleMessage(context.Background(), signedEnvelope(t, payload, client.now())))

	assert.Equal(t, 400, reply.Status)
}

func TestHandleMessage_MalformedEnvelopeDropped(t *testing.T) {
	client := newTestClient()
	assert.Nil(t, client.handleMessage(context.Background(), []byte("not json")))
}
