// Package debugtest provides an in-process fake debug target for tests.
package debugtest

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/debug/transport"
)

// HandlerFunc answers a request. Returning nil sends no response.
type HandlerFunc func(req *proto.Request) proto.Payload

// Server is a TCP server speaking the debug wire protocol. Each request is
// handled on its own goroutine, so slow handlers can complete out of order.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	handlers map[proto.DataType]HandlerFunc
	conns    []net.Conn
	requests []*proto.Request
	accepted chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer starts a server on a loopback port. It is closed on test cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}

	s := &Server{
		ln:       ln,
		handlers: make(map[proto.DataType]HandlerFunc),
		accepted: make(chan struct{}, 16),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	tb.Cleanup(s.Close)
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Accepted signals each accepted connection.
func (s *Server) Accepted() <-chan struct{} {
	return s.accepted
}

// Handle installs the handler for a request type.
func (s *Server) Handle(t proto.DataType, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[t] = h
	s.mu.Unlock()
}

// Requests returns every request received so far, in arrival order.
func (s *Server) Requests() []*proto.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*proto.Request(nil), s.requests...)
}

// RequestsOf returns the received requests of one type.
func (s *Server) RequestsOf(t proto.DataType) []*proto.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*proto.Request
	for _, req := range s.requests {
		if req.Type() == t {
			out = append(out, req)
		}
	}
	return out
}

// SendEvent sends an unsolicited event (id 0) to every connected client.
func (s *Server) SendEvent(data proto.Payload) error {
	return s.SendResponse(&proto.Response{ID: 0, Data: data})
}

// SendResponse writes an arbitrary response to every connected client.
func (s *Server) SendResponse(resp *proto.Response) error {
	body, err := proto.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return s.SendRaw(body)
}

// SendRaw writes a raw body, framed, to every connected client.
func (s *Server) SendRaw(body []byte) error {
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("no client connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		if err := transport.WriteFrame(conn, body); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every client connection without closing the listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		select {
		case s.accepted <- struct{}{}:
		default:
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	for {
		body, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}

		req, err := proto.DecodeRequest(body)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handlers[req.Type()]
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.respond(conn, req, h)
		}()
	}
}

func (s *Server) respond(conn net.Conn, req *proto.Request, h HandlerFunc) {
	var data proto.Payload
	if h != nil {
		data = h(req)
		if data == nil {
			return
		}
	} else {
		var ok bool
		if data, ok = proto.NewResponseData(req.Type()); !ok {
			data = &proto.ErrorResponse{Message: "unsupported request"}
		}
	}

	body, err := proto.EncodeResponse(&proto.Response{ID: req.ID, Data: data})
	if err != nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = transport.WriteFrame(conn, body)
}
