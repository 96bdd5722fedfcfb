package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/opd-ai/gatekeeper/pkg/config"
	"github.com/opd-ai/gatekeeper/pkg/filter"
	"github.com/opd-ai/gatekeeper/pkg/logger"
)

const testRules = `
- allow: {}
- deny:
    domain:
      pattern: '\Aevil\.com\z'
- deny:
    ip: 198.51.100.0/24
`

// startServer runs a proxy server on an ephemeral port and tears it down
// with the test
func startServer(t *testing.T, rules *filter.RuleSet, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = 0
	cfg.ShutdownGrace = config.Duration(3 * time.Second)
	if mutate != nil {
		mutate(cfg)
	}
	if rules == nil {
		rules = filter.DefaultRuleSet()
	}

	srv := New(cfg, rules, logger.NewDefault())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()

	// wait for the listener to come up
	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("ListenAndServe() = %v, want nil after shutdown", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("ListenAndServe did not return after shutdown")
		}
	})
	return srv
}

// startEchoUpstream runs an echo server the proxy can dial
func startEchoUpstream(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestServerHappyConnect(t *testing.T) {
	upstream := startEchoUpstream(t)
	srv := startServer(t, nil, nil)

	dialer, err := xproxy.SOCKS5("tcp", srv.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.Dial("tcp", upstream.String())
	if err != nil {
		t.Fatalf("SOCKS5 dial through proxy failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("roundtrip")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 9)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "roundtrip" {
		t.Fatalf("echo = %q, want roundtrip", buf)
	}
}

func TestServerDenyByDomain(t *testing.T) {
	rules, err := filter.LoadRules(strings.NewReader(testRules))
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, rules, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("read method reply: %v", err)
	}

	frame := append([]byte{0x05, 0x01, 0x00, 0x03, 0x08}, []byte("evil.com")...)
	frame = append(frame, 0x01, 0xBB)
	conn.Write(frame)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	want := []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("reply = % x, want % x", reply, want)
	}

	if srv.Metrics().VerdictDeny.Value() == 0 {
		t.Error("deny verdict was not recorded")
	}
}

func TestServerDenyByCIDR(t *testing.T) {
	rules, err := filter.LoadRules(strings.NewReader(testRules))
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, rules, nil)

	dialer, err := xproxy.SOCKS5("tcp", srv.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	// 198.51.100.0/24 is denied; the x/net client surfaces the reply code
	if conn, err := dialer.Dial("tcp", "198.51.100.7:22"); err == nil {
		conn.Close()
		t.Fatal("dial to a denied CIDR should fail")
	}
}

func TestServerUnsupportedMethod(t *testing.T) {
	srv := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// GSSAPI only
	conn.Write([]byte{0x05, 0x01, 0x02})
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x05, 0xFF}) {
		t.Fatalf("reply = % x, want 05 FF", reply)
	}
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("connection should close after 0xFF, read err = %v", err)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	srv := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn, make([]byte, 2))
	// BIND request
	conn.Write([]byte{0x05, 0x02, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(reply, want) {
		t.Fatalf("reply = % x, want % x", reply, want)
	}
}

func TestServerShutdownDrainsSessions(t *testing.T) {
	upstream := startEchoUpstream(t)

	cfg := config.DefaultConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = 0
	cfg.ShutdownGrace = config.Duration(3 * time.Second)

	srv := New(cfg, filter.DefaultRuleSet(), logger.NewDefault())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(context.Background()) }()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Put a session mid-relay
	dialer, err := xproxy.SOCKS5("tcp", srv.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.Dial("tcp", upstream.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("hold"))

	waitFor := time.Now().Add(3 * time.Second)
	for srv.ActiveSessions() == 0 {
		if time.Now().After(waitFor) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if got := srv.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions() after shutdown = %d, want 0", got)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("ListenAndServe did not return")
	}

	// the held client observes the teardown
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 16)); err == nil {
		// the echoed "hold" may arrive first; the next read must fail
		if _, err := conn.Read(make([]byte, 16)); err == nil {
			t.Error("client connection should be closed after shutdown")
		}
	}
}

func TestServerHealthCheckers(t *testing.T) {
	srv := startServer(t, nil, nil)

	overall := srv.Health().Check(context.Background())
	if len(overall.Components) != 2 {
		t.Fatalf("components = %d, want listener and sessions", len(overall.Components))
	}
	if overall.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", overall.Status)
	}
}

func TestServerMetricsAfterTraffic(t *testing.T) {
	upstream := startEchoUpstream(t)
	srv := startServer(t, nil, nil)

	dialer, _ := xproxy.SOCKS5("tcp", srv.Addr().String(), nil, xproxy.Direct)
	conn, err := dialer.Dial("tcp", upstream.String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("abcd"))
	io.ReadFull(conn, make([]byte, 4))
	conn.Close()

	// session bookkeeping is asynchronous after the client closes
	deadline := time.Now().Add(3 * time.Second)
	for srv.Metrics().SessionsCompleted.Value() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session completion was not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := srv.Metrics().Snapshot()
	if snap.SessionsAccepted == 0 || snap.VerdictAllow == 0 || snap.DialSuccess == 0 {
		t.Errorf("metrics not recorded: %+v", snap)
	}
	if snap.BytesClientToUpstream < 4 || snap.BytesUpstreamToClient < 4 {
		t.Errorf("relay bytes = %d/%d, want >= 4 both ways",
			snap.BytesClientToUpstream, snap.BytesUpstreamToClient)
	}
}

func TestServerMaxClients(t *testing.T) {
	upstream := startEchoUpstream(t)
	srv := startServer(t, nil, func(cfg *config.Config) {
		cfg.MaxClients = 1
	})

	dialer, err := xproxy.SOCKS5("tcp", srv.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(err)
	}

	// Occupy the single slot with a live relay
	first, err := dialer.Dial("tcp", upstream.String())
	if err != nil {
		t.Fatal(err)
	}

	// The second client connects at the TCP level (kernel backlog) but is
	// not accepted, so its handshake gets no answer
	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.Write([]byte{0x05, 0x01, 0x00})
	second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := second.Read(make([]byte, 2)); err == nil {
		t.Fatal("second client was served beyond max_clients")
	}

	// Freeing the slot lets the held client proceed
	first.Close()
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply := make([]byte, 2)
	if _, err := io.ReadFull(second, reply); err != nil {
		t.Fatalf("second client still unserved after slot freed: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x05, 0x00}) {
		t.Fatalf("method reply = % x, want 05 00", reply)
	}
}
