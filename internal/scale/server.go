package scale

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
)

// DeviceRegistry is the slice of the device registry the TCP server
// needs. The registry serializes all mutations per device.
type DeviceRegistry interface {
	Register(deviceID, sourceIP string) (*domain.Device, error)
	AttachSocket(deviceID string, c io.Closer) io.Closer
	DetachSocket(deviceID string, c io.Closer) bool
	Heartbeat(deviceID string)
}

// EventSink receives decoded event frames. Implemented by the event
// processor.
type EventSink interface {
	Capture(ctx context.Context, deviceID, sourceIP string, f EventFields, raw string) (*domain.WeighingEvent, error)
}

// ServerConfig configures the TCP listener.
type ServerConfig struct {
	Host              string
	Port              int
	MaxFrameBytes     int           // frames longer than this close the connection
	RegistrationGrace time.Duration // how long to wait for the first frame
}

// DefaultServerConfig returns the standard listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8899,
		MaxFrameBytes:     4096,
		RegistrationGrace: 10 * time.Second,
	}
}

// Server accepts scale connections and runs one goroutine per socket.
type Server struct {
	cfg      ServerConfig
	registry DeviceRegistry
	events   EventSink

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a TCP server. Start must be called to listen.
func NewServer(cfg ServerConfig, registry DeviceRegistry, events EventSink) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4096
	}
	if cfg.RegistrationGrace <= 0 {
		cfg.RegistrationGrace = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		events:   events,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop. Returns once
// the listener is bound; the loop stops when ctx is cancelled or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Printf("[tcp] listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	// Closing the listener cancels pending accepts.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every live connection, then waits for
// the per-connection goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[tcp] accept: %v", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn owns one scale connection from accept to teardown. The
// first non-empty frame must be a registration; everything after flows
// through the parser.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sourceIP := remoteIP(conn)

	scanner := bufio.NewScanner(conn)
	// +2 leaves room for the CRLF of a maximum-size frame; oversize is
	// still rejected by the explicit length check below.
	scanner.Buffer(make([]byte, 0, s.cfg.MaxFrameBytes+2), s.cfg.MaxFrameBytes+2)
	scanner.Split(splitFrames)

	// Registration must arrive within the grace window.
	conn.SetReadDeadline(time.Now().Add(s.cfg.RegistrationGrace))

	deviceID := ""
	defer func() {
		if deviceID != "" {
			if s.registry.DetachSocket(deviceID, conn) {
				log.Printf("[tcp] %s disconnected", deviceID)
			}
		}
	}()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) > s.cfg.MaxFrameBytes {
			log.Printf("[tcp] %s: frame of %d bytes exceeds cap, closing", sourceIP, len(line))
			metrics.FramesRejected.Inc()
			return
		}

		frame := Parse(string(line))
		metrics.FramesReceived.WithLabelValues(frame.Kind.String()).Inc()

		if deviceID == "" {
			if frame.Kind != FrameRegistration {
				log.Printf("[tcp] %s: first frame %q is not a registration, closing", sourceIP, frame.Raw)
				return
			}
			if err := s.registerConn(conn, frame.DeviceID, sourceIP); err != nil {
				log.Printf("[tcp] %s: register %s: %v", sourceIP, frame.DeviceID, err)
				return
			}
			deviceID = frame.DeviceID
			conn.SetReadDeadline(time.Time{})
			continue
		}

		switch frame.Kind {
		case FrameHeartbeat:
			s.registry.Heartbeat(deviceID)
		case FrameEvent:
			if _, err := s.events.Capture(ctx, deviceID, sourceIP, frame.Event, frame.Raw); err != nil {
				// Deliberate: the event is lost rather than the stream
				// order corrupted. Operators see the log and the counter.
				log.Printf("[tcp] %s: persist event: %v", deviceID, err)
				metrics.EventsDropped.Inc()
			}
		case FrameRegistration:
			// A re-sent registration for the same device is harmless;
			// a different id on a live socket is a protocol violation.
			if frame.DeviceID != deviceID {
				log.Printf("[tcp] %s: re-registration as %s rejected", deviceID, frame.DeviceID)
				return
			}
		default:
			log.Printf("[tcp] %s: unknown frame %q", deviceID, frame.Raw)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			log.Printf("[tcp] %s: oversized frame, closing", sourceIP)
			metrics.FramesRejected.Inc()
			return
		}
		log.Printf("[tcp] %s: read: %v", sourceIP, err)
	}
}

// registerConn admits the device and swaps the socket in. If the device
// already holds a live socket the older one is closed: DHCP-reassigned
// scales re-register after a silent drop and the newest socket wins.
func (s *Server) registerConn(conn net.Conn, deviceID, sourceIP string) error {
	if _, err := s.registry.Register(deviceID, sourceIP); err != nil {
		return err
	}
	if prev := s.registry.AttachSocket(deviceID, conn); prev != nil {
		log.Printf("[tcp] %s reconnected, closing previous socket", deviceID)
		prev.Close()
	}
	log.Printf("[tcp] %s registered from %s", deviceID, sourceIP)
	return nil
}

// splitFrames is a bufio.SplitFunc accepting CR, LF, and CRLF line
// endings. Empty frames are emitted (and ignored by the caller).
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance = i + 2
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
