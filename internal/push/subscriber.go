package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/consultation"
)

// URLFor turns the REST base URL into the push endpoint URL.
func URLFor(apiBaseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(apiBaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", consultation.Validationf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Subscriber keeps a push connection open and reconnects after failures.
type Subscriber struct {
	url     string
	scheme  string
	tokens  auth.TokenProvider
	dialer  *websocket.Dialer
	backoff time.Duration
	log     zerolog.Logger
}

func NewSubscriber(wsURL, scheme string, tokens auth.TokenProvider, logger zerolog.Logger) *Subscriber {
	if scheme == "" {
		scheme = "Token"
	}
	return &Subscriber{
		url:     wsURL,
		scheme:  scheme,
		tokens:  tokens,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: time.Second,
		log:     logger.With().Str("component", "push").Logger(),
	}
}

const maxBackoff = 30 * time.Second

// Run delivers events to onEvent until ctx is done or the backend rejects
// the session. Connection failures are retried with capped backoff; the
// backoff starts over once a connection has been established.
func (s *Subscriber) Run(ctx context.Context, onEvent func(Event)) error {
	wait := s.backoff
	for {
		connected, err := s.session(ctx, onEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, consultation.ErrAuth) {
			return err
		}
		if connected {
			wait = s.backoff
		}
		s.log.Debug().Err(err).Dur("retry_in", wait).Msg("push connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (s *Subscriber) session(ctx context.Context, onEvent func(Event)) (connected bool, err error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", consultation.ErrAuth, err)
	}
	header := http.Header{}
	header.Set("Authorization", s.scheme+" "+token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("%w: push handshake rejected", consultation.ErrAuth)
		}
		return false, fmt.Errorf("%w: dial push: %v", consultation.ErrNetwork, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	s.log.Debug().Str("url", s.url).Msg("push connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: read push: %v", consultation.ErrNetwork, err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug().Err(err).Msg("ignoring malformed push event")
			continue
		}
		onEvent(ev)
	}
}
