package tunneler

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const testUser = "testuser"

// testOptions returns options that authenticate against startSSHServer.
func testOptions(t *testing.T, extra ...Option) []Option {
	t.Helper()
	opts := []Option{
		WithSigner(testSigner(t)),
		// the test servers generate a random host key each run
		WithHostKeyCallback(ssh.InsecureIgnoreHostKey()),
		WithDefaultUser(testUser),
		WithPerHopTimeout(5 * time.Second),
		WithKeepAlive(0),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return append(opts, extra...)
}

func testConfig(t *testing.T, extra ...Option) *Config {
	t.Helper()
	cfg, err := NewConfig(testOptions(t, extra...)...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("ssh.NewSignerFromKey: %v", err)
	}
	return signer
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startTCPEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				io.Copy(conn, conn)
			}(c)
		}
	}()
	return ln.Addr().String()
}

type sshTestServer struct {
	addr       string
	ln         net.Listener
	handshakes atomic.Int32
	once       sync.Once
}

func (s *sshTestServer) Close() error {
	s.once.Do(func() {
		_ = s.ln.Close()
	})
	return nil
}

// startSSHServer starts an in-process SSH server that accepts any public key
// and supports direct-tcpip, so it can serve as a hop.
func startSSHServer(t *testing.T) *sshTestServer {
	t.Helper()

	_, srvPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("server ed25519.GenerateKey: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(srvPriv)
	if err != nil {
		t.Fatalf("ssh.NewSignerFromKey(host): %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ssh listen: %v", err)
	}

	s := &sshTestServer{ln: ln, addr: ln.Addr().String()}
	t.Cleanup(func() { s.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(nc, cfg)
		}
	}()
	return s
}

func (s *sshTestServer) handleConn(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	s.handshakes.Add(1)

	// reply to keepalive@openssh.com and anything else that wants a reply
	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		}
	}()

	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}
		go handleDirectTCPIP(newCh)
	}
}

type directTCPIPReq struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func handleDirectTCPIP(newCh ssh.NewChannel) {
	var req directTCPIPReq
	if err := ssh.Unmarshal(newCh.ExtraData(), &req); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}
	target := net.JoinHostPort(req.DestAddr, fmt.Sprint(req.DestPort))
	backend, err := net.DialTimeout("tcp", target, 3*time.Second)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, "dial backend failed")
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = backend.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		io.Copy(ch, backend)
		_ = ch.CloseWrite()
		wg.Done()
	}()
	go func() {
		io.Copy(backend, ch)
		_ = backend.(*net.TCPConn).CloseWrite()
		wg.Done()
	}()
	wg.Wait()
	ch.Close()
	backend.Close()
}

// startStalledServer accepts TCP connections but never speaks SSH, so a
// handshake against it only ends when the client gives up. Every accepted
// connection is reported on the returned channel.
func startStalledServer(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("stalled listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	accepted := make(chan struct{}, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			select {
			case accepted <- struct{}{}:
			default:
			}
		}
	}()
	return ln.Addr().String(), accepted
}
