// Package bus connects keelson keys to a NATS server: subscriptions,
// publications and request/reply queryables.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Sample is one message received on a subscription.
type Sample struct {
	Key        string
	Payload    []byte
	ReceivedAt time.Time
}

// QueryHandler answers a request. A returned error is sent back as the reply
// text.
type QueryHandler func(key string, payload []byte) ([]byte, error)

// Session is a connection to the bus.
type Session struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect opens a session with automatic reconnection. Extra nats.Option
// values are appended to the defaults.
func Connect(url string, logger *slog.Logger, opts ...nats.Option) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := []nats.Option{
		nats.Name("keelson"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Session{conn: nc, logger: logger}, nil
}

// Subscribe calls handler for every message matching key. Handlers run on
// the client's delivery goroutine and must not block. Call the returned
// function to unsubscribe.
func (s *Session) Subscribe(key string, handler func(Sample)) (func(), error) {
	subject, err := KeyToSubject(key)
	if err != nil {
		return nil, err
	}
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(Sample{Key: SubjectToKey(msg.Subject), Payload: msg.Data, ReceivedAt: time.Now()})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", key, err)
	}
	// Make sure the server knows about the subscription before returning,
	// so messages published on other connections are routed.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	s.logger.Info("subscribed", "key", key)
	return func() { _ = sub.Unsubscribe() }, nil
}

// Publish sends data on key.
func (s *Session) Publish(key string, data []byte) error {
	subject, err := KeyToSubject(key)
	if err != nil {
		return err
	}
	return s.publishSubject(subject, data)
}

func (s *Session) publishSubject(subject string, data []byte) error {
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// DeclareQueryable answers requests sent to key.
func (s *Session) DeclareQueryable(key string, handler QueryHandler) (func(), error) {
	subject, err := KeyToSubject(key)
	if err != nil {
		return nil, err
	}
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := handler(SubjectToKey(msg.Subject), msg.Data)
		if err != nil {
			reply = []byte(err.Error())
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Warn("responding to query", "key", key, "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("declaring queryable %s: %w", key, err)
	}
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing queryable: %w", err)
	}
	s.logger.Info("declared queryable", "key", key)
	return func() { _ = sub.Unsubscribe() }, nil
}

// Query sends payload to the queryable at key and waits for one reply.
func (s *Session) Query(ctx context.Context, key string, payload []byte) ([]byte, error) {
	subject, err := KeyToSubject(key)
	if err != nil {
		return nil, err
	}
	msg, err := s.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}
	return msg.Data, nil
}

// Flush waits until the server has processed everything sent so far.
func (s *Session) Flush() error {
	return s.conn.Flush()
}

// Close drains subscriptions and closes the connection.
func (s *Session) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("draining bus connection: %w", err)
	}
	return nil
}
