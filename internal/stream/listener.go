// Package stream implements the optional trade-updates push listener.
// It subscribes to the broker's websocket channel and feeds each order
// event into the same transition applier the reconciler uses, so a
// push fill lands the exact store effects a poll would have.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradeflow/internal/broker"
	"tradeflow/internal/engine"
)

const (
	reconnectBackoffBase = time.Second
	reconnectBackoffMax  = 30 * time.Second
	writeDeadline        = 10 * time.Second
)

// Listener maintains the websocket subscription and survives broker
// disconnects with exponential backoff. It is a latency optimization
// only: the reconciler poll remains authoritative, so dropped events
// are harmless.
type Listener struct {
	url       string
	apiKey    string
	apiSecret string
	applier   *engine.Applier
	logger    *logrus.Logger

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewListener creates a listener for the broker whose REST API lives at
// brokerBaseURL. The push channel is derived from it (wss://host/stream).
func NewListener(brokerBaseURL, apiKey, apiSecret string, applier *engine.Applier, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{
		url:       StreamURL(brokerBaseURL),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		applier:   applier,
		logger:    logger,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// StreamURL derives the websocket endpoint from the REST base URL.
func StreamURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/stream"
}

// Run connects, subscribes and pumps events until the context is
// canceled, reconnecting on any failure.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectBackoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Info("trade-update listener stopped")
			return ctx.Err()
		}
		l.logger.WithError(err).WithField("backoff", backoff).Warn("trade-update stream disconnected, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// session runs one connected lifetime: dial, authenticate, subscribe,
// then pump messages until the connection breaks.
func (l *Listener) session(ctx context.Context) error {
	conn, err := l.dial(ctx, l.url)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	// Unblock the read loop when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := l.writeJSON(conn, authMessage{
		Action: "auth",
		Key:    l.apiKey,
		Secret: l.apiSecret,
	}); err != nil {
		return err
	}
	if err := l.writeJSON(conn, listenMessage{
		Action: "listen",
		Data:   listenData{Streams: []string{"trade_updates"}},
	}); err != nil {
		return err
	}
	l.logger.WithField("url", l.url).Info("subscribed to trade updates")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handleMessage(ctx, data)
	}
}

func (l *Listener) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(v)
}

type authMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type listenMessage struct {
	Action string     `json:"action"`
	Data   listenData `json:"data"`
}

type listenData struct {
	Streams []string `json:"streams"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeUpdate struct {
	Event string      `json:"event"`
	Order orderUpdate `json:"order"`
}

type orderUpdate struct {
	ID             string              `json:"id"`
	Status         string              `json:"status"`
	FilledAvgPrice *broker.FloatString `json:"filled_avg_price"`
}

func (l *Listener) handleMessage(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.WithError(err).Debug("unparseable stream message")
		return
	}
	if env.Stream != "trade_updates" {
		l.logger.WithField("stream", env.Stream).Debug("ignoring stream message")
		return
	}

	var update tradeUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		l.logger.WithError(err).Warn("unparseable trade update")
		return
	}
	if update.Order.ID == "" || update.Order.Status == "" {
		return
	}

	var fillPrice *float64
	if update.Order.FilledAvgPrice != nil {
		p := float64(*update.Order.FilledAvgPrice)
		fillPrice = &p
	}

	l.logger.WithFields(logrus.Fields{
		"event":    update.Event,
		"order_id": update.Order.ID,
		"status":   update.Order.Status,
	}).Debug("trade update received")

	if err := l.applier.ApplyByOrderID(ctx, update.Order.ID, update.Order.Status, fillPrice); err != nil && ctx.Err() == nil {
		l.logger.WithError(err).WithField("order_id", update.Order.ID).Error("applying trade update failed")
	}
}
