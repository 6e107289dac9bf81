package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// Config holds NATS connection configuration.
type Config struct {
	URL      string // Comma-separated list of NATS server URLs
	NKeySeed string // Optional NKey seed for authentication (starts with SU)
	Subject  string // Subject prefix; the package is appended
}

// Client publishes delivery events over core NATS.
type Client struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewClient creates a new event client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger,
	}
}

// options builds the connection options, including NKey auth when a seed
// is configured.
func (c *Client) options() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("gadgetd-companion"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
	}

	if c.config.NKeySeed != "" {
		kp, err := nkeys.FromSeed([]byte(c.config.NKeySeed))
		if err != nil {
			return nil, fmt.Errorf("invalid nkey seed: %w", err)
		}
		pubKey, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		opts = append(opts, nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}))
	}
	return opts, nil
}

// Connect establishes a connection to the NATS server.
func (c *Client) Connect(ctx context.Context) error {
	opts, err := c.options()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("subject", c.config.Subject),
	)
	return nil
}

// PublishDelivery sends one delivery event. Failures are logged and dropped.
func (c *Client) PublishDelivery(d Delivery) {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return
	}

	data, err := Encode(d, time.Now())
	if err != nil {
		c.logger.Warn("failed to encode delivery event", slog.String("error", err.Error()))
		return
	}

	subject := Subject(c.config.Subject, d.Package)
	if err := nc.Publish(subject, data); err != nil {
		c.logger.Warn("failed to publish delivery event",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return
	}

	c.logger.Debug("published delivery event",
		slog.String("subject", subject),
		slog.String("role", d.Role),
	)
}

// Shutdown drains and closes the connection.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil {
		c.nc.Drain()
		c.nc = nil
	}
	return nil
}
