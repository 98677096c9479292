package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tengil/tengil/pkg/backends"
	"github.com/tengil/tengil/pkg/engine"
)

// testSSHServer is a minimal SSH server with canned exec replies and a
// real SFTP subsystem over the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()

			if req.WantReply {
				req.Reply(true, nil)
			}

			switch command {
			case "true":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo test":
				channel.Write([]byte("test\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "exit 1":
				channel.Stderr().Write([]byte("boom\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 1})
			default:
				channel.Write([]byte("command: " + command + "\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			}
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) ran(command string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c == command {
			return true
		}
	}
	return false
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, signer, nil
}

// dialTestServer connects with password authentication.
func dialTestServer(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	config, err := ParseTarget("root@" + server.addr)
	if err != nil {
		t.Fatalf("failed to parse target: %v", err)
	}
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.KeepAliveInterval = 0

	client, err := Dial(context.Background(), config, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDial(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTestServer(t, server)

	if !strings.HasPrefix(client.Target(), "root@127.0.0.1:") {
		t.Errorf("unexpected target %q", client.Target())
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestDial_BadPassword(t *testing.T) {
	server := newTestSSHServer(t)

	config, err := ParseTarget("root@" + server.addr)
	if err != nil {
		t.Fatalf("failed to parse target: %v", err)
	}
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	_, err = Dial(context.Background(), config, nil)
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	te, ok := err.(*TransportError)
	if !ok || !te.IsAuthError {
		t.Errorf("expected auth TransportError, got %T %v", err, err)
	}
}

func TestDial_KeyAuth(t *testing.T) {
	server := newTestSSHServer(t)

	config, err := ParseTarget("root@" + server.addr)
	if err != nil {
		t.Fatalf("failed to parse target: %v", err)
	}
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	client, err := Dial(context.Background(), config, nil)
	if err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Close()
}

func TestClient_Run(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTestServer(t, server)
	ctx := context.Background()

	out, err := client.Run(ctx, "echo", "test")
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if out != "test\n" {
		t.Errorf("expected stdout 'test\\n', got %q", out)
	}

	_, err = client.Run(ctx, "exit", "1")
	var ce *backends.CommandError
	if !backends.IsCommandError(err) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	ce = err.(*backends.CommandError)
	if ce.ExitCode != 1 || ce.Stderr != "boom" {
		t.Errorf("unexpected command error %+v", ce)
	}

	if _, err := client.Run(ctx, "zfs", "set", "comment=media files", "tank/media"); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if !server.ran("zfs set 'comment=media files' tank/media") {
		t.Errorf("expected quoted command line, got %v", server.commands)
	}
}

func TestClient_RunSudo(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTestServer(t, server)
	client.config.Sudo = true

	if _, err := client.Run(context.Background(), "pct", "list"); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if !server.ran("sudo -n pct list") {
		t.Errorf("expected sudo prefix, got %v", server.commands)
	}
}

func TestClient_RunAfterClose(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTestServer(t, server)

	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("expected error after close")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestClient_FileSystem(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTestServer(t, server)
	path := filepath.Join(t.TempDir(), "samba", "smb.conf")

	data, err := client.ReadFile(path)
	if err != nil || data != nil {
		t.Fatalf("expected nil data for a missing file, got %q, %v", data, err)
	}
	if ok, err := client.Exists(path); err != nil || ok {
		t.Fatalf("expected missing file, got ok=%v err=%v", ok, err)
	}

	if err := client.WriteFile(path, []byte("[global]\n"), 0o640); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := client.WriteFile(path, []byte("[global]\n[media]\n"), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	data, err = client.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "[global]\n[media]\n" {
		t.Errorf("unexpected content %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("expected mode 0640 to be kept, got %v", info.Mode().Perm())
	}
	if ok, err := client.Exists(path); err != nil || !ok {
		t.Errorf("expected file to exist, got ok=%v err=%v", ok, err)
	}
}

func TestClient_DrivesNFSBackend(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTestServer(t, server)
	path := filepath.Join(t.TempDir(), "exports.d", "tengil.exports")

	nfs := backends.NewNFS(client, backends.NFSConfig{ExportsPath: path, FS: client}, nil)
	res, err := nfs.Configure(context.Background(), &engine.Share{
		Protocol:       engine.ShareProtocolNFS,
		Name:           "tank/media",
		Dataset:        "tank/media",
		Path:           "/tank/media",
		ReadOnly:       true,
		AllowedNetwork: "192.168.1.0/24",
		Options:        "ro,sync,no_subtree_check",
	})
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if !res.Changed {
		t.Error("expected the export to change")
	}
	if !server.ran("exportfs -ra") {
		t.Errorf("expected a remote re-export, got %v", server.commands)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "/tank/media 192.168.1.0/24(ro,sync,no_subtree_check)") {
		t.Errorf("unexpected exports file:\n%s", data)
	}
}
