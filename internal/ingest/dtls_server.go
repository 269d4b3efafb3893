package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"netsentry/internal/config"
)

// DTLS configuration errors.
var (
	ErrDTLSCertRequired       = errors.New("dtls listener requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual tls requires a ca certificate")
)

// DTLSServerMetrics holds counters for the DTLS listener.
type DTLSServerMetrics struct {
	Connections   uint64
	Handshakes    uint64
	HandshakeErrs uint64
	Datagrams     uint64
	Errors        uint64
}

// DTLSServer receives flow batches over DTLS. Each datagram carries one
// JSONL batch. Capture scripts on battery-powered sensors prefer this
// over TCP.
type DTLSServer struct {
	config     config.DTLSConfig
	normalizer *Normalizer
	logger     *slog.Logger
	listener   net.Listener

	wg   sync.WaitGroup
	done chan struct{}

	connections   uint64
	handshakes    uint64
	handshakeErrs uint64
	datagrams     uint64
	errors        uint64
}

// NewDTLSServer creates a DTLS listener feeding the normalizer.
func NewDTLSServer(cfg config.DTLSConfig, normalizer *Normalizer, logger *slog.Logger) (*DTLSServer, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DTLSServer{
		config:     cfg,
		normalizer: normalizer,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start begins accepting DTLS sessions.
func (s *DTLSServer) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("load dtls certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return fmt.Errorf("load ca certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("parse ca certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("resolve dtls address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("start dtls listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("flow DTLS listener started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				atomic.AddUint64(&s.handshakeErrs, 1)
				s.logger.Debug("dtls accept error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		atomic.AddUint64(&s.handshakes, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.logger.Debug("new dtls session", "remote", conn.RemoteAddr())

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("dtls session idle timeout", "remote", conn.RemoteAddr())
				return
			}
			s.logger.Debug("dtls read error", "error", err)
			return
		}

		atomic.AddUint64(&s.datagrams, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		if _, err := s.normalizer.Ingest(ctx, data); err != nil {
			atomic.AddUint64(&s.errors, 1)
			s.logger.Error("dtls batch ingest failed", "error", err)
		}
	}
}

// Stop shuts the listener down and waits for open sessions.
func (s *DTLSServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("flow DTLS listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"handshake_errors", atomic.LoadUint64(&s.handshakeErrs),
		"datagrams", atomic.LoadUint64(&s.datagrams),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current listener counters.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:   atomic.LoadUint64(&s.connections),
		Handshakes:    atomic.LoadUint64(&s.handshakes),
		HandshakeErrs: atomic.LoadUint64(&s.handshakeErrs),
		Datagrams:     atomic.LoadUint64(&s.datagrams),
		Errors:        atomic.LoadUint64(&s.errors),
	}
}
