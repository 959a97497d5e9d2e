package fmo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultReconnectDelay = 5 * time.Second

// SpeakerUpdate is one speaking-state change pushed by the device.
type SpeakerUpdate struct {
	Callsign string
	Speaking bool
}

// EventStreamConfig describes an /events subscription.
type EventStreamConfig struct {
	BaseURL        string
	Handler        func(SpeakerUpdate)
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// EventStream keeps a best-effort connection to the device's /events feed and
// forwards speaker updates. It reconnects on failure until its context ends.
type EventStream struct {
	baseURL        string
	handler        func(SpeakerUpdate)
	reconnectDelay time.Duration
	logger         *zap.Logger
	connected      atomic.Bool
}

// NewEventStream constructs an event stream subscription.
func NewEventStream(cfg EventStreamConfig) (*EventStream, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fmo: event stream base url is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("fmo: event stream handler is required")
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStream{
		baseURL:        cfg.BaseURL,
		handler:        cfg.Handler,
		reconnectDelay: delay,
		logger:         logger,
	}, nil
}

// Connected reports whether the stream currently has a live connection. The
// sync scheduler uses this as its live-signal flag.
func (s *EventStream) Connected() bool {
	return s.connected.Load()
}

// Run connects, consumes events and reconnects after failures until ctx ends.
func (s *EventStream) Run(ctx context.Context) error {
	for {
		s.consume(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *EventStream) consume(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: requestTimeout}
	conn, _, err := dialer.DialContext(ctx, s.baseURL+"/events", nil)
	if err != nil {
		s.logger.Debug("event stream connect failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.connected.Store(true)
	defer s.connected.Store(false)
	s.logger.Info("event stream connected", zap.String("url", s.baseURL))

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
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("event stream closed", zap.Error(err))
			return
		}
		s.dispatch(payload)
	}
}

// dispatch decodes one websocket message. The device concatenates JSON
// objects into a single frame under load, so decode as a stream rather than
// a single document.
func (s *EventStream) dispatch(payload []byte) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	for {
		var message struct {
			Type    string `json:"type"`
			SubType string `json:"subType"`
			Data    *struct {
				Callsign   string `json:"callsign"`
				IsSpeaking bool   `json:"isSpeaking"`
			} `json:"data"`
		}
		if err := decoder.Decode(&message); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("skipping malformed event", zap.Error(err))
			}
			return
		}
		if message.Type == "qso" && message.SubType == "callsign" && message.Data != nil {
			s.handler(SpeakerUpdate{
				Callsign: message.Data.Callsign,
				Speaking: message.Data.IsSpeaking,
			})
		}
	}
}
