package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/taskservice/internal/config"
	"go.uber.org/zap"
)

// Client manages the NATS connection and provides methods for publishing and subscribing
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *config.NATSConfig
}

// NewClient creates a new NATS client with the specified configuration
func NewClient(cfg *config.NATSConfig, name string, logger *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS error",
				zap.Error(err),
				zap.String("subject", subject))
		}),
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := createTLSConfig(&cfg.TLS, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}

		opts = append(opts, nats.Secure(tlsConfig))
		logger.Info("TLS enabled for NATS connection",
			zap.Bool("client_cert", cfg.TLS.CertFile != ""),
			zap.Bool("ca_cert", cfg.TLS.CAFile != ""),
			zap.Bool("skip_verify", cfg.TLS.InsecureSkipVerify))

		if cfg.TLS.InsecureSkipVerify {
			logger.Warn("TLS certificate verification is DISABLED - use only in development")
		}
	}

	authOpt, err := authOption(&cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	if authOpt != nil {
		opts = append(opts, authOpt)
	}

	// All URLs are passed for automatic failover
	serverURLs := strings.Join(cfg.URLs, ",")
	logger.Info("Connecting to NATS", zap.Strings("urls", cfg.URLs))
	conn, err := nats.Connect(serverURLs, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server_id", conn.ConnectedServerId()),
		zap.Bool("tls", conn.TLSRequired()))

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Validate JetStream is actually enabled on the server. JetStream()
	// succeeds even when it is not, so fail fast here rather than silently
	// failing on the first telemetry publish.
	if _, err := js.AccountInfo(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("JetStream not available on NATS server (is JetStream enabled?): %w", err)
	}
	logger.Info("JetStream validated successfully")

	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
		config: cfg,
	}, nil
}

// authOption maps the configured auth type onto a connect option. The
// pocketbase type connects with the creds file written by bootstrap.
func authOption(cfg *config.AuthConfig, logger *zap.Logger) (nats.Option, error) {
	switch cfg.Type {
	case "creds", "pocketbase":
		logger.Info("Using credentials file authentication", zap.String("file", cfg.CredsFile))
		return nats.UserCredentials(cfg.CredsFile), nil
	case "token":
		logger.Info("Using token authentication")
		return nats.Token(cfg.Token), nil
	case "userpass":
		logger.Info("Using username/password authentication", zap.String("username", cfg.Username))
		return nats.UserInfo(cfg.Username, cfg.Password), nil
	case "none":
		logger.Info("Using no authentication")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid auth type: %s", cfg.Type)
	}
}

// createTLSConfig creates a TLS configuration based on the provided settings
func createTLSConfig(cfg *config.TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	// CA certificate, used to verify the server's certificate
	if cfg.CAFile != "" {
		logger.Info("Loading CA certificate", zap.String("file", cfg.CAFile))

		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	// Client certificate, used for mutual TLS authentication
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		logger.Info("Loading client certificate",
			zap.String("cert", cfg.CertFile),
			zap.String("key", cfg.KeyFile))

		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// PublishTelemetry publishes a message to JetStream asynchronously.
// Acknowledgement failures are logged, not returned.
func (c *Client) PublishTelemetry(subject string, data []byte) error {
	// PublishAsync returns a PubAckFuture immediately (non-blocking)
	pubAckFuture, err := c.js.PublishAsync(subject, data)
	if err != nil {
		c.logger.Error("Failed to queue telemetry publish",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to queue publish to %s: %w", subject, err)
	}

	// Handle the acknowledgment asynchronously
	go func() {
		select {
		case <-pubAckFuture.Ok():
			c.logger.Debug("Published telemetry",
				zap.String("subject", subject),
				zap.Int("bytes", len(data)))
		case err := <-pubAckFuture.Err():
			// Publication failed after retries. Log but don't crash,
			// telemetry is fire-and-forget.
			c.logger.Warn("Failed to publish telemetry after retries",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()

	return nil
}

// Publish sends a core NATS message. Used for notification traffic, which
// is only meaningful to a listener that is connected right now.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// RequestWithContext sends a request and waits for a single reply
func (c *Client) RequestWithContext(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Subscribe creates a subscription to the specified subject
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		c.logger.Error("Failed to subscribe",
			zap.String("subject", subject),
			zap.Error(err))
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// KeyValue binds to a JetStream key/value bucket, creating it when missing
func (c *Client) KeyValue(bucket string) (nats.KeyValue, error) {
	kv, err := c.js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open key/value bucket %s: %w", bucket, err)
	}

	c.logger.Info("Creating key/value bucket", zap.String("bucket", bucket))
	kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "task service options",
		History:     1,
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key/value bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully closes the connection by draining all subscriptions
// and waiting for in-flight messages to complete
func (c *Client) Drain(timeout time.Duration) error {
	c.logger.Info("Draining NATS connection", zap.Duration("timeout", timeout))

	if c.conn.IsClosed() {
		c.logger.Info("Connection already closed")
		return nil
	}

	// Create a channel to receive drain completion
	drainDone := make(chan error, 1)
	go func() {
		drainDone <- c.conn.Drain()
	}()

	// Wait for drain to complete or timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-drainDone:
		if err != nil {
			c.logger.Error("Error during NATS drain", zap.Error(err))
			return err
		}
		c.logger.Info("NATS drain completed successfully")
		return nil

	case <-timer.C:
		c.logger.Warn("NATS drain timeout, forcing close")
		c.conn.Close()
		return fmt.Errorf("drain timeout after %v", timeout)
	}
}

// Close immediately closes the NATS connection
func (c *Client) Close() {
	c.logger.Info("Closing NATS connection")
	c.conn.Close()
}

// IsConnected returns true if the NATS connection is currently active
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Stats returns connection statistics
func (c *Client) Stats() nats.Statistics {
	return c.conn.Stats()
}
