package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"netsentry/internal/config"
)

// TCPServerMetrics holds counters for the TCP listener.
type TCPServerMetrics struct {
	Connections uint64
	Lines       uint64
	Errors      uint64
}

// TCPServer receives newline-delimited flow batches over TCP from edge
// capture scripts that bypass the bus. Each line is one flow.
type TCPServer struct {
	config     config.TCPConfig
	normalizer *Normalizer
	logger     *slog.Logger
	listener   net.Listener

	connCount int32
	wg        sync.WaitGroup
	done      chan struct{}

	connections uint64
	lines       uint64
	errors      uint64
}

// NewTCPServer creates a TCP listener feeding the normalizer.
func NewTCPServer(cfg config.TCPConfig, normalizer *Normalizer, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		config:     cfg,
		normalizer: normalizer,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins accepting connections.
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("flow TCP listener started", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, useful when the configured
// address had port 0.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Accept deadline allows periodic shutdown checks.
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
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
				s.logger.Debug("tcp accept error", "error", err)
				continue
			}
		}

		if s.config.MaxConnections > 0 && atomic.LoadInt32(&s.connCount) >= int32(s.config.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		atomic.AddUint64(&s.connections, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.connCount, -1)
	defer conn.Close()

	s.logger.Debug("new flow connection", "remote", conn.RemoteAddr())

	reader := bufio.NewReaderSize(conn, s.config.MaxLineLength)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// A final unterminated line still counts.
				if len(line) > 0 {
					s.processLine(ctx, line)
				}
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			s.logger.Debug("tcp read error", "error", err)
			return
		}

		s.processLine(ctx, line)
	}
}

func (s *TCPServer) processLine(ctx context.Context, line []byte) {
	atomic.AddUint64(&s.lines, 1)
	if _, err := s.normalizer.Ingest(ctx, line); err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Error("flow line ingest failed", "error", err)
	}
}

// Stop shuts the listener down and waits for open connections.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("flow TCP listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"lines", atomic.LoadUint64(&s.lines),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// ActiveConnections returns the number of open connections.
func (s *TCPServer) ActiveConnections() int {
	return int(atomic.LoadInt32(&s.connCount))
}

// Metrics returns the current listener counters.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: atomic.LoadUint64(&s.connections),
		Lines:       atomic.LoadUint64(&s.lines),
		Errors:      atomic.LoadUint64(&s.errors),
	}
}
