package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/rebalance-api/internal/events"
	"github.com/quantrail/rebalance-api/internal/types"
)

// streamMessage is the wire shape of one order update on the broker's
// trade-updates websocket.
type streamMessage struct {
	ClientOrderID  string          `json:"client_order_id"`
	BrokerOrderID  string          `json:"broker_order_id"`
	Symbol         string          `json:"symbol"`
	State          string          `json:"state"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Reason         string          `json:"reason"`
}

// UpdateStream maintains a websocket subscription to the broker's order
// update feed and republishes every update onto the event bus. The connection
// is supervised: read failures trigger reconnection with backoff, and a ping
// keepalive guards against half-open connections.
type UpdateStream struct {
	url string
	bus events.Bus

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewUpdateStream returns a stream client for the given websocket URL.
func NewUpdateStream(url string, bus events.Bus) *UpdateStream {
	return &UpdateStream{
		url:          url,
		bus:          bus,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		pingInterval: 20 * time.Second,
	}
}

// Start connects and supervises the stream until ctx is canceled. The initial
// dial failure is returned so callers can fail fast on bad configuration;
// later failures reconnect with backoff.
func (s *UpdateStream) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.dial(); err != nil {
		return err
	}

	go s.supervise(ctx)
	return nil
}

// Close tears down the stream.
func (s *UpdateStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *UpdateStream) dial() error {
	log.Info().Str("url", s.url).Msg("connecting to broker update stream")

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return types.NewBrokerError(types.KindTransient, "stream_dial", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	log.Info().Str("url", s.url).Msg("broker update stream connected")
	return nil
}

func (s *UpdateStream) supervise(ctx context.Context) {
	attempt := 0
	for {
		s.readPump(ctx)

		if ctx.Err() != nil {
			return
		}

		wait := Backoff(attempt)
		attempt++
		log.Warn().
			Dur("backoff", wait).
			Int("attempt", attempt).
			Msg("broker update stream lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := s.dial(); err != nil {
			continue
		}
		attempt = 0
	}
}

// readPump decodes updates until the connection breaks or ctx ends.
func (s *UpdateStream) readPump(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pinger := time.NewTicker(s.pingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pinger.C:
				conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Msg("unparseable order update, skipping")
			continue
		}
		if msg.ClientOrderID == "" {
			continue
		}

		s.bus.Publish(events.OrderEvent{
			OrderID:        msg.ClientOrderID,
			BrokerOrderID:  msg.BrokerOrderID,
			Symbol:         msg.Symbol,
			State:          types.OrderState(msg.State),
			FilledQuantity: msg.FilledQuantity,
			AvgFillPrice:   msg.AvgFillPrice,
			Reason:         msg.Reason,
			At:             time.Now(),
		})
	}
}
