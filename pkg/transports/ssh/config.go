// Package ssh reaches a remote host over SSH. Client runs host commands
// as a backends.Runner and edits host files over SFTP as a
// backends.FileSystem.
package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent at SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file used when
	// StrictHostKeyChecking is on.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds dialing and the handshake.
	ConnectionTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is how many keep-alives may fail in a row
	// before the connection is considered dead.
	MaxKeepAliveRetries int

	// Sudo prefixes every command with "sudo -n" for non-root users.
	Sudo bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// ParseTarget builds a Config from "[user@]host[:port]". The user
// defaults to root.
func ParseTarget(target string) (*Config, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("empty ssh target")
	}

	user := "root"
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user = target[:i]
		target = target[i+1:]
	}

	host := target
	port := 22
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in ssh target %q", target)
		}
		host, port = h, n
	}

	cfg := DefaultConfig(host, user)
	cfg.Port = port
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey, AuthMethodAgent:
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	return nil
}

// resolveKey fills PrivateKeyPath from the usual key locations.
func (c *Config) resolveKey() error {
	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
		return nil
	}
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			c.PrivateKeyPath = path
			return nil
		}
	}
	return fmt.Errorf("private key path is required for key authentication and no default key found")
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config. For
// agent authentication the returned closer releases the agent socket;
// otherwise it is nil.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, io.Closer, error) {
	var (
		authMethods []ssh.AuthMethod
		closer      io.Closer
	)

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return nil, nil, fmt.Errorf("password is required for password authentication")
		}
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		if err := c.resolveKey(); err != nil {
			return nil, nil, err
		}
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closer = conn

	default:
		return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		if c.KnownHostsPath == "" {
			return nil, closeQuietly(closer), fmt.Errorf("known_hosts path is required for strict host key checking")
		}
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, closeQuietly(closer), fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}

	return clientConfig, closer, nil
}

func closeQuietly(c io.Closer) io.Closer {
	if c != nil {
		_ = c.Close()
	}
	return nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String is the target in user@host:port form.
func (c *Config) String() string {
	return c.User + "@" + c.Address()
}
