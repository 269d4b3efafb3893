package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"netsentry/internal/config"
	"netsentry/internal/store"
)

func startTestTCPServer(t *testing.T) (*TCPServer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	n := NewNormalizer(s, nil, nil, nil, "", 1000, nil)
	srv := NewTCPServer(config.TCPConfig{
		Enabled:        true,
		Address:        "127.0.0.1:0",
		MaxConnections: 10,
		IdleTimeout:    time.Second,
		MaxLineLength:  65535,
	}, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
	})
	return srv, s
}

func TestTCPServerIngestsLines(t *testing.T) {
	srv, _ := startTestTCPServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := time.Now().UTC().Add(-time.Minute)
	lines := flowLine(start, "192.168.1.50") + "\n" + flowLine(start, "192.168.1.51") + "\n"
	if _, err := conn.Write([]byte(lines)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m := srv.Metrics()
		if m.Lines >= 2 {
			if m.Errors != 0 {
				t.Fatalf("errors = %d", m.Errors)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("lines never ingested, metrics = %+v", srv.Metrics())
}

func TestTCPServerRejectsOverConnectionLimit(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	n := NewNormalizer(s, nil, nil, nil, "", 1000, nil)
	srv := NewTCPServer(config.TCPConfig{
		Address:        "127.0.0.1:0",
		MaxConnections: 1,
		IdleTimeout:    5 * time.Second,
		MaxLineLength:  65535,
	}, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
	})

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.ActiveConnections() < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.ActiveConnections() != 1 {
		t.Fatalf("active connections = %d, want 1", srv.ActiveConnections())
	}

	// The second connection is accepted then immediately closed.
	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("expected second connection to be closed by the server")
	}
}

func TestDTLSServerRequiresCertificates(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	n := NewNormalizer(s, nil, nil, nil, "", 1000, nil)

	if _, err := NewDTLSServer(config.DTLSConfig{Address: ":0"}, n, nil); err != ErrDTLSCertRequired {
		t.Errorf("missing cert error = %v, want ErrDTLSCertRequired", err)
	}

	cfg := config.DTLSConfig{
		Address:           ":0",
		CertFile:          "server.crt",
		KeyFile:           "server.key",
		RequireClientCert: true,
	}
	if _, err := NewDTLSServer(cfg, n, nil); err != ErrDTLSClientCertRequired {
		t.Errorf("missing ca error = %v, want ErrDTLSClientCertRequired", err)
	}
}
