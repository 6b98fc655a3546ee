package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meridianpay/p2p-autorelease/backend/internal/core/ports"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// Stream consumes the exchange websocket feed of order transitions and order
// chat messages, normalizing frames into typed events for the orchestrator.
type Stream struct {
	logger    *slog.Logger
	streamURL string
	apiKey    string

	events chan<- entities.Event
}

func NewStream(logger *slog.Logger, streamURL, apiKey string, events chan<- entities.Event) *Stream {
	return &Stream{
		logger:    logger,
		streamURL: streamURL,
		apiKey:    apiKey,
		events:    events,
	}
}

// streamFrame is the wire format of one websocket message.
type streamFrame struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type chatFrame struct {
	OrderID        string    `json:"order_id"`
	ContentType    string    `json:"content_type"`
	ImageURL       string    `json:"image_url"`
	ThumbnailURL   string    `json:"thumbnail_url"`
	SenderNickname string    `json:"sender_nickname"`
	Time           time.Time `json:"time"`
}

// Run keeps the websocket subscription alive, reconnecting with a fixed
// delay after any failure until the context is cancelled.
func (s *Stream) Run(ctx context.Context) {
	for {
		s.logger.InfoContext(ctx, "Connecting to exchange stream...", "url", s.streamURL)

		if err := s.consume(ctx); err != nil {
			s.logger.InfoContext(ctx, "Exchange stream error, reconnecting...",
				"delay", ports.StreamRetryDelay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(ports.StreamRetryDelay):
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err = conn.WriteJSON(map[string]string{"op": "auth", "api_key": s.apiKey}); err != nil {
		return err
	}
	if err = conn.WriteJSON(map[string]any{"op": "subscribe", "channels": []string{"p2p.orders", "p2p.chat"}}); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Exchange stream connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame streamFrame
		if err = json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("Skipping malformed stream frame", "error", err)
			continue
		}

		event, ok := s.decode(frame)
		if !ok {
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) decode(frame streamFrame) (entities.Event, bool) {
	switch frame.Channel {
	case "p2p.orders":
		var ev entities.OrderEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			s.logger.Warn("Skipping malformed order frame", "error", err)
			return nil, false
		}
		ev.Type = frame.Type
		return ev, true

	case "p2p.chat":
		var msg chatFrame
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			s.logger.Warn("Skipping malformed chat frame", "error", err)
			return nil, false
		}
		// Only image messages matter here; receipts arrive as screenshots.
		if msg.ContentType != "image" {
			return nil, false
		}
		return entities.ChatImageEvent{
			OrderID:        msg.OrderID,
			ImageURL:       msg.ImageURL,
			ThumbnailURL:   msg.ThumbnailURL,
			SenderNickname: msg.SenderNickname,
			Time:           msg.Time,
		}, true

	default:
		return nil, false
	}
}
