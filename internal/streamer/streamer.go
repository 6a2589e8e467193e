// Package streamer maintains a websocket connection to the Zotero
// streaming API and surfaces topic updates as a channel. Watch mode
// turns each update into a scheduled background sync instead of
// polling the API for version changes.
package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/maxsu/zotero/internal/api"
)

// Reconnect backoff. The server's connected event may carry a retry
// hint that lower-bounds the sleep.
const (
	initialReconnectBackoff = 5 * time.Second
	reconnectBackoffMult    = 2
	maxReconnectBackoff     = 5 * time.Minute
)

// Streaming API protocol constants.
const (
	headerAPIVersion = "Zotero-API-Version"
	apiVersion       = "3"

	actionCreateSubscriptions = "createSubscriptions"

	eventConnected            = "connected"
	eventSubscriptionsCreated = "subscriptionsCreated"
	eventTopicUpdated         = "topicUpdated"
	eventTopicAdded           = "topicAdded"
	eventTopicRemoved         = "topicRemoved"
)

// eventBuffer decouples decode from the consumer; emits block once the
// buffer fills, which is fine — the consumer only debounces syncs.
const eventBuffer = 16

// Event is one topic change notice. Topic is the library prefix, e.g.
// "/users/475425". Version is the library version after the change,
// zero when the server did not say (access changes carry none).
type Event struct {
	Topic   string
	Version int64
}

// wsConn is the slice of the websocket connection the streamer uses.
// *websocket.Conn satisfies it; tests inject scripted frames.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// serverMessage is the wire envelope for everything the server sends.
type serverMessage struct {
	Event         string            `json:"event"`
	Retry         int64             `json:"retry"` // milliseconds
	Topic         string            `json:"topic"`
	Version       int64             `json:"version"`
	Subscriptions []subscriptionAck `json:"subscriptions"`
	Errors        []subscriptionErr `json:"errors"`
}

type subscriptionAck struct {
	APIKey string   `json:"apiKey"`
	Topics []string `json:"topics"`
}

type subscriptionErr struct {
	APIKey string `json:"apiKey"`
	Topic  string `json:"topic"`
	Error  string `json:"error"`
}

// subscribeRequest asks the server for every topic the key can read.
type subscribeRequest struct {
	Action        string         `json:"action"`
	Subscriptions []subscription `json:"subscriptions"`
}

type subscription struct {
	APIKey string `json:"apiKey"`
}

// Streamer owns one streaming connection lifecycle: dial, subscribe,
// decode, reconnect. Run blocks until the context ends; decoded
// updates arrive on Events.
type Streamer struct {
	logger *slog.Logger
	url    string
	key    api.KeySource
	events chan Event

	// dialFunc and sleepFunc are swapped by tests.
	dialFunc  func(ctx context.Context, url string) (wsConn, error)
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New returns a Streamer for the given wss endpoint. The key source is
// shared with the API client so both react to a re-login at once.
func New(url string, key api.KeySource, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Streamer{
		logger:    logger,
		url:       url,
		key:       key,
		events:    make(chan Event, eventBuffer),
		dialFunc:  dialStream,
		sleepFunc: streamSleep,
	}
}

// Events returns the channel of decoded topic updates. The channel
// closes when Run returns.
func (s *Streamer) Events() <-chan Event {
	return s.events
}

// Run connects and re-connects until the context ends, returning nil.
// Connection failures back off exponentially with the server's retry
// hint as a floor; a session that reaches the subscribed state resets
// the backoff.
func (s *Streamer) Run(ctx context.Context) error {
	if s.url == "" {
		return errors.New("streamer: streaming URL not configured")
	}

	defer close(s.events)

	s.logger.Info("streaming client starting", slog.String("url", s.url))

	backoff := initialReconnectBackoff
	consecutiveErrors := 0

	for {
		hint, subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if subscribed {
			backoff = initialReconnectBackoff
			consecutiveErrors = 0
		}

		consecutiveErrors++

		s.logger.Warn("streaming connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
			slog.Int("consecutive_errors", consecutiveErrors),
		)

		sleep := backoff
		if hint > sleep {
			sleep = hint
		}

		if sleepErr := s.sleepFunc(ctx, sleep); sleepErr != nil {
			return nil
		}

		backoff *= reconnectBackoffMult
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// session runs one connection to completion: dial, await the connected
// event, subscribe, then decode until the connection dies. Returns the
// server's retry hint and whether the subscribed state was reached.
func (s *Streamer) session(ctx context.Context) (time.Duration, bool, error) {
	conn, err := s.dialFunc(ctx, s.url)
	if err != nil {
		return 0, false, fmt.Errorf("streamer: dialing %s: %w", s.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hint, err := s.awaitConnected(ctx, conn)
	if err != nil {
		return 0, false, err
	}

	if err := s.subscribe(ctx, conn); err != nil {
		return hint, false, err
	}

	subscribed := false

	for {
		msg, err := s.readMessage(ctx, conn)
		if err != nil {
			return hint, subscribed, err
		}

		switch msg.Event {
		case eventSubscriptionsCreated:
			topics := 0
			for _, ack := range msg.Subscriptions {
				topics += len(ack.Topics)
			}

			for _, subErr := range msg.Errors {
				s.logger.Warn("subscription rejected",
					slog.String("topic", subErr.Topic),
					slog.String("error", subErr.Error),
				)
			}

			if topics == 0 {
				return hint, false, errors.New("streamer: no topics subscribed")
			}

			subscribed = true
			s.logger.Info("streaming subscriptions created", slog.Int("topics", topics))

		case eventTopicUpdated:
			s.logger.Debug("topic updated",
				slog.String("topic", msg.Topic),
				slog.Int64("version", msg.Version),
			)

			if err := s.emit(ctx, Event{Topic: msg.Topic, Version: msg.Version}); err != nil {
				return hint, subscribed, err
			}

		case eventTopicAdded, eventTopicRemoved:
			// Access changes reshape the library set; a sync
			// reconciles it.
			s.logger.Info("topic access changed",
				slog.String("event", msg.Event),
				slog.String("topic", msg.Topic),
			)

			if err := s.emit(ctx, Event{Topic: msg.Topic}); err != nil {
				return hint, subscribed, err
			}

		default:
			s.logger.Debug("ignoring streaming event", slog.String("event", msg.Event))
		}
	}
}

// awaitConnected reads the first server message. The server opens
// every connection with a connected event carrying the retry hint.
func (s *Streamer) awaitConnected(ctx context.Context, conn wsConn) (time.Duration, error) {
	msg, err := s.readMessage(ctx, conn)
	if err != nil {
		return 0, err
	}

	if msg.Event != eventConnected {
		return 0, fmt.Errorf("streamer: expected %s event, got %q", eventConnected, msg.Event)
	}

	return time.Duration(msg.Retry) * time.Millisecond, nil
}

// subscribe asks for every topic the API key grants.
func (s *Streamer) subscribe(ctx context.Context, conn wsConn) error {
	key, err := s.key.Key()
	if err != nil {
		return fmt.Errorf("streamer: obtaining API key: %w", err)
	}

	if key == "" {
		return errors.New("streamer: no API key available")
	}

	req := subscribeRequest{
		Action:        actionCreateSubscriptions,
		Subscriptions: []subscription{{APIKey: key}},
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("streamer: encoding subscription: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("streamer: subscribing: %w", err)
	}

	return nil
}

// readMessage decodes the next text frame, skipping any other frame
// type. Control frames never surface here; the library answers pings
// itself.
func (s *Streamer) readMessage(ctx context.Context, conn wsConn) (*serverMessage, error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("streamer: reading event: %w", err)
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring non-text frame", slog.Int("type", int(typ)))
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("streamer: decoding event: %w", err)
		}

		return &msg, nil
	}
}

// emit delivers one event. Blocking send: a dropped update would leave
// a library change unsynced until the next timer fire.
func (s *Streamer) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialStream opens the production websocket connection.
func dialStream(ctx context.Context, rawURL string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{ //nolint:bodyclose // library manages the handshake response
		HTTPHeader: http.Header{headerAPIVersion: []string{apiVersion}},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// streamSleep waits for the given duration or until the context is
// canceled. It is the default sleepFunc for Streamer.
func streamSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
