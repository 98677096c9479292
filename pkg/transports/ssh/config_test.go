package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("pve.lan", "root")

	if config.Host != "pve.lan" {
		t.Errorf("expected host 'pve.lan', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target  string
		user    string
		host    string
		port    int
		wantErr bool
	}{
		{target: "pve.lan", user: "root", host: "pve.lan", port: 22},
		{target: "admin@pve.lan", user: "admin", host: "pve.lan", port: 22},
		{target: "admin@10.0.0.5:2222", user: "admin", host: "10.0.0.5", port: 2222},
		{target: "[fd00::5]:22", user: "root", host: "fd00::5", port: 22},
		{target: "pve.lan:ssh", wantErr: true},
		{target: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			config, err := ParseTarget(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.target)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if config.User != tt.user || config.Host != tt.host || config.Port != tt.port {
				t.Errorf("expected %s@%s:%d, got %s@%s:%d",
					tt.user, tt.host, tt.port, config.User, config.Host, config.Port)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name:       "unknown auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" },
			errorMsg:   "unsupported auth method",
		},
		{
			name:       "invalid connection timeout",
			modifyFunc: func(c *Config) { c.ConnectionTimeout = 0 },
			errorMsg:   "connection timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("pve.lan", "root")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("pve.lan", "root")
	config.Port = 2222

	if address := config.Address(); address != "pve.lan:2222" {
		t.Errorf("expected address 'pve.lan:2222', got '%s'", address)
	}
	if s := config.String(); s != "root@pve.lan:2222" {
		t.Errorf("expected 'root@pve.lan:2222', got '%s'", s)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("pve.lan", "root")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, closer, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if closer != nil {
			t.Error("expected no closer for password authentication")
		}
		if clientConfig.User != "root" {
			t.Errorf("expected user 'root', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("pve.lan", "root")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, _, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with missing key", func(t *testing.T) {
		config := DefaultConfig("pve.lan", "root")
		config.PrivateKeyPath = "/nonexistent/key"
		config.StrictHostKeyChecking = false

		_, _, err := config.BuildSSHClientConfig()
		if err == nil || !strings.Contains(err.Error(), "private key file not found") {
			t.Errorf("expected missing key error, got %v", err)
		}
	})

	t.Run("agent authentication without socket", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")
		config := DefaultConfig("pve.lan", "root")
		config.AuthMethod = AuthMethodAgent

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error without SSH_AUTH_SOCK, got nil")
		}
	})

	t.Run("strict checking with missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("pve.lan", "root")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for a missing known_hosts file, got nil")
		}
	})
}

// writeTestKey writes an unencrypted ED25519 key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
