package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/nearby-feeds/internal/domain"
)

const (
	reconnectDelay   = 5 * time.Second
	statsLogInterval = 30 * time.Second
)

// Subscriber connects to a websocket change stream and publishes the changes
// of the requested tables.
type Subscriber struct {
	url       string
	tables    []string
	publisher domain.ChangePublisher
	logger    *slog.Logger

	dialer         *websocket.Dialer
	reconnectDelay time.Duration
}

// NewSubscriber creates a change stream subscriber for the given tables.
func NewSubscriber(
	streamURL string,
	tables []string,
	publisher domain.ChangePublisher,
	logger *slog.Logger,
) *Subscriber {
	return &Subscriber{
		url:            streamURL,
		tables:         tables,
		publisher:      publisher,
		logger:         logger,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: reconnectDelay,
	}
}

// Start connects to the change stream and publishes changes until the context
// is cancelled. It reconnects after connection errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("change stream connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.reconnectDelay):
				}
			}
		}
	}
}

func (s *Subscriber) buildURL() (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	for _, t := range s.tables {
		q.Add("tables", t)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	wsURL, err := s.buildURL()
	if err != nil {
		return err
	}
	s.logger.Info("connecting to change stream", "url", wsURL)

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial change stream: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to change stream")

	var received, published int64
	lastStatsLog := time.Now()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		received++

		ev, err := parseEvent(message)
		if err != nil {
			s.logger.Warn("failed to parse change", "error", err)
			continue
		}

		if s.wanted(ev.Table) {
			s.publisher.Publish(ev)
			published++
		}

		if time.Since(lastStatsLog) >= statsLogInterval {
			s.logger.Info("change stream stats",
				"messages_received", received,
				"changes_published", published,
			)
			lastStatsLog = time.Now()
		}
	}
}

func (s *Subscriber) wanted(table string) bool {
	return len(s.tables) == 0 || slices.Contains(s.tables, table)
}
