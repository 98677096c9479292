package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tengil/tengil/pkg/telemetry"
)

// Client is one SSH connection to a host. It is safe for concurrent use;
// every Run opens its own session and file access shares one SFTP
// channel.
type Client struct {
	config *Config
	logger *telemetry.Logger

	mu          sync.Mutex
	client      *ssh.Client
	sftp        *sftp.Client
	agent       io.Closer
	connectedAt time.Time
	closed      bool
	done        chan struct{}
}

// Dial connects and authenticates to the host described by config.
func Dial(ctx context.Context, config *Config, logger *telemetry.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("ssh").WithField("host", config.Host)

	clientConfig, agentConn, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	if !config.StrictHostKeyChecking {
		logger.Warn("Host key checking is disabled")
	}

	address := config.Address()
	logger.Debugf("Establishing SSH connection to %s", address)

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		closeQuietly(agentConn)
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake takes no context.
	_ = conn.SetDeadline(time.Now().Add(config.ConnectionTimeout))
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		closeQuietly(agentConn)
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		config:      config,
		logger:      logger,
		client:      ssh.NewClient(ncc, chans, reqs),
		agent:       agentConn,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	if config.KeepAliveInterval > 0 {
		go c.keepAlive()
	}

	logger.Infof("SSH connection established to %s", config)
	return c, nil
}

// Target returns the connection target in user@host:port form.
func (c *Client) Target() string { return c.config.String() }

// HealthCheck runs a no-op command on the host.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.Run(ctx, "true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// Close ends the SFTP channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	c.logger.Debug("Closing SSH connection")
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	closeQuietly(c.agent)
	if err := c.client.Close(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// conn returns the live connection.
func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("connection to %s is closed", c.config.Host)}
	}
	return c.client, nil
}

// keepAlive sends periodic keep-alive requests until Close.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.WithError(err).Warnf("Keep-alive failed (%d)", retries)
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}
