// internal/dispatch/client.go
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sas-collector/internal/config"
)

// Envelope is one inbound signed message
type Envelope struct {
	Signature string          `json:"signature"`
	Timestamp json.Number     `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Payload is the authenticated command inside the envelope
type Payload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Reply echoes the processed message back for observability. It is not
// re-signed.
type Reply struct {
	Status    int             `json:"status"`
	Result    interface{}     `json:"result"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp json.Number     `json:"timestamp"`
}

const (
	statusOK           = 200
	statusUnauthorized = 401
)

// ActionFunc handles one authenticated action. The returned status is
// embedded in the reply; zero means success.
type ActionFunc func(ctx context.Context, data json.RawMessage) (interface{}, int)

// Client holds the persistent connection to the dispatch server,
// authenticates inbound envelopes and invokes the action table. It
// fails closed: no action runs for a message that does not verify.
type Client struct {
	cfg     *config.DispatchConfig
	key     []byte
	skew    time.Duration
	actions map[string]ActionFunc
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates a dispatch client
func NewClient(cfg *config.DispatchConfig, logger *zap.Logger) *Client {
	skew := cfg.SignatureSkew
	if skew <= 0 {
		skew = DefaultSignatureSkew
	}

	return &Client{
		cfg:     cfg,
		key:     []byte(cfg.APIKey),
		skew:    skew,
		actions: make(map[string]ActionFunc),
		logger:  logger.With(zap.String("component", "dispatch")),
		now:     time.Now,
	}
}

// RegisterAction adds an entry to the action table
func (c *Client) RegisterAction(name string, fn ActionFunc) {
	c.actions[name] = fn
}

// Run keeps the connection alive until the context is cancelled,
// redialing with a fixed backoff after any connection failure.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	for {
		if err := c.serve(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Dispatch connection lost, redialing",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// serve dials once and processes messages until the connection drops
func (c *Client) serve(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Info("Dispatch connection established", zap.String("url", c.cfg.ServerURL))

	// Unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		reply := c.handleMessage(ctx, message)
		if reply == nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return err
		}
	}
}

// handleMessage verifies one envelope and dispatches its action. The
// echo carries the original payload, signature and timestamp so the
// server can audit what was acted on.
func (c *Client) handleMessage(ctx context.Context, message []byte) []byte {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		c.logger.Warn("Dropping malformed dispatch message", zap.Error(err))
		return nil
	}

	status := statusOK
	var result interface{}

	err := Verify(c.key, envelope.Timestamp.String(), envelope.Payload, envelope.Signature, c.skew, c.now())
	if err != nil {
		c.logger.Warn("Rejected dispatch message", zap.Error(err))
		status = statusUnauthorized
		result = map[string]string{"message": "Unauthorized"}
	} else {
		result, status = c.dispatchAction(ctx, envelope.Payload)
	}

	reply, err := json.Marshal(Reply{
		Status:    status,
		Result:    result,
		Payload:   envelope.Payload,
		Signature: envelope.Signature,
		Timestamp: envelope.Timestamp,
	})
	if err != nil {
		c.logger.Error("Failed to encode dispatch reply", zap.Error(err))
		return nil
	}
	return reply
}

// dispatchAction invokes the table entry for an authenticated payload.
// Unknown actions collapse to an empty success reply.
func (c *Client) dispatchAction(ctx context.Context, rawPayload json.RawMessage) (interface{}, int) {
	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		c.logger.Warn("Authenticated payload is not an action", zap.Error(err))
		return nil, statusOK
	}

	action, ok := c.actions[payload.Action]
	if !ok {
		c.logger.Debug("No handler for action", zap.String("action", payload.Action))
		return nil, statusOK
	}

	c.logger.Info("Dispatching action", zap.String("action", payload.Action))
	result, status := action(ctx, payload.Data)
	if status == 0 {
		status = statusOK
	}
	return result, status
}
