package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/safego"
)

// testSSHServer is a minimal in-process SSH server used to exercise the
// manager's connect/auth/forward path without a real sshd.
type testSSHServer struct {
	listener  net.Listener
	config    *ssh.ServerConfig
	signer    ssh.Signer
	forwarded chan net.Conn // connections dialed via direct-tcpip
}

func newTestSSHServer(t *testing.T, config *ssh.ServerConfig) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &testSSHServer{listener: ln, config: config, signer: signer, forwarded: make(chan net.Conn, 8)}
	safego.Go(log.Default(), func() { srv.serve(t) })
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *testSSHServer) addr() string { return s.listener.Addr().String() }

func (s *testSSHServer) serve(t *testing.T) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(t, conn)
	}
}

func (s *testSSHServer) handleConn(t *testing.T, conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(reqs)
		s.forwarded <- channelConn{Channel: ch, laddr: conn.LocalAddr(), raddr: conn.RemoteAddr()}
	}
}

// channelConn adapts an ssh.Channel to net.Conn so it can be handed to an
// ordinary io.Copy-based echo loop in tests.
type channelConn struct {
	ssh.Channel
	laddr, raddr net.Addr
}

func (c channelConn) LocalAddr() net.Addr                     { return c.laddr }
func (c channelConn) RemoteAddr() net.Addr                    { return c.raddr }
func (c channelConn) SetDeadline(deadline time.Time) error     { return nil }
func (c channelConn) SetReadDeadline(deadline time.Time) error  { return nil }
func (c channelConn) SetWriteDeadline(deadline time.Time) error { return nil }

// acceptAndEcho pulls one forwarded channel and echoes whatever it reads
// back to the caller, simulating the process listening on remote_port.
func acceptAndEcho(ctx context.Context, s *testSSHServer) {
	select {
	case conn := <-s.forwarded:
		go func() {
			defer conn.Close()
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					if _, werr := conn.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	case <-ctx.Done():
	}
}
