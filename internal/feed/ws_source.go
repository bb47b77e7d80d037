package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

const (
	// writeWait is the time allowed to write a control frame.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between frames before the connection is
	// considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSConfig tunes a WSSource.
type WSConfig struct {
	URL        string
	Header     http.Header
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// WSSource reads JSON feed events from a websocket. A frame holds either
// one event object or an array of them. Websocket events carry no cursor,
// so events sent while disconnected are lost; the engine is paused for the
// outage and resumed on reconnect.
type WSSource struct {
	cfg    WSConfig
	sink   Sink
	dialer websocket.Dialer
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSSource creates a WSSource.
func NewWSSource(cfg WSConfig, sink Sink, logger *slog.Logger) *WSSource {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &WSSource{
		cfg:    cfg,
		sink:   sink,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "feed_ws")),
		done:   make(chan struct{}),
	}
}

// Run connects and reads until ctx is cancelled or Close is called,
// reconnecting with backoff after every disconnect.
func (s *WSSource) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := newBackoff(s.cfg.BackoffMin, s.cfg.BackoffMax)
	paused := false
	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if err == nil {
			if paused {
				if rerr := s.sink.Resume(ctx); rerr != nil {
					_ = conn.Close()
					err = fmt.Errorf("resume: %w", rerr)
				} else {
					paused = false
				}
			}
		}
		if err == nil {
			s.logger.Info("feed: websocket connected", slog.String("url", s.cfg.URL))
			bo.Reset()
			err = s.read(ctx, conn)
		}
		if ctx.Err() != nil {
			break
		}
		if !paused {
			paused = true
			s.sink.Pause(fmt.Errorf("%w: %v", domain.ErrFeedDisconnected, err))
		}
		wait := bo.Duration()
		s.logger.Warn("feed: websocket disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
		sleep(ctx, wait)
	}
	s.logger.Info("feed: websocket source stopped")
	return nil
}

// read consumes frames from conn until it fails or ctx ends.
func (s *WSSource) read(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: websocket read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, frame)
	}
}

func (s *WSSource) handleFrame(ctx context.Context, frame []byte) {
	events, err := decodeFrame(frame)
	if err != nil {
		s.logger.Warn("feed: malformed websocket frame", slog.String("error", err.Error()), slog.Int("len", len(frame)))
		return
	}
	for _, ev := range events {
		if err := s.sink.Submit(ctx, ev); err != nil {
			s.logger.Warn("feed: event rejected",
				slog.String("entity_id", ev.EntityID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func decodeFrame(frame []byte) ([]domain.FeedEvent, error) {
	for _, b := range frame {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var evs []domain.FeedEvent
			if err := json.Unmarshal(frame, &evs); err != nil {
				return nil, fmt.Errorf("feed: decode batch: %w: %w", domain.ErrInvalidEvent, err)
			}
			return evs, nil
		}
		break
	}
	ev, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	return []domain.FeedEvent{ev}, nil
}

// Close stops the source.
func (s *WSSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
