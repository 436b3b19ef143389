package rpc

import (
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// Socket is the transport surface the replication control layer needs:
// request/reply with deadlines.
type Socket interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
	SetRecvDeadline(d time.Duration) error
	SetSendDeadline(d time.Duration) error
	Listen(addr string) error
	Dial(addr string) error
}

// mangosSocket wraps a mangos.Socket to implement our Socket interface.
type mangosSocket struct {
	sock mangos.Socket
}

func (s *mangosSocket) Send(data []byte) error {
	return s.sock.Send(data)
}

func (s *mangosSocket) Recv() ([]byte, error) {
	return s.sock.Recv()
}

func (s *mangosSocket) Close() error {
	return s.sock.Close()
}

func (s *mangosSocket) SetRecvDeadline(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionRecvDeadline, d)
}

func (s *mangosSocket) SetSendDeadline(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionSendDeadline, d)
}

func (s *mangosSocket) Listen(addr string) error {
	return s.sock.Listen(addr)
}

func (s *mangosSocket) Dial(addr string) error {
	return s.sock.Dial(addr)
}

// NewReqSocket creates a request socket for clients.
func NewReqSocket() (Socket, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, err
	}
	return &mangosSocket{sock: sock}, nil
}

// NewRepSocket creates a reply socket for servers.
func NewRepSocket() (Socket, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, err
	}
	return &mangosSocket{sock: sock}, nil
}

// Client is a request/reply client over a dialed socket. Safe for use from
// one goroutine at a time per underlying req socket; a mutex serializes
// concurrent callers.
type Client struct {
	mu      sync.Mutex
	sock    Socket
	timeout time.Duration
}

// NewClient dials addr with a req socket.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	sock, err := NewReqSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create req socket: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{sock: sock, timeout: timeout}, nil
}

// Call sends a request envelope and waits for the reply envelope.
func (c *Client) Call(msg *Message) (*Message, error) {
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sock.SetSendDeadline(c.timeout); err != nil {
		return nil, err
	}
	if err := c.sock.SetRecvDeadline(c.timeout); err != nil {
		return nil, err
	}
	if err := c.sock.Send(data); err != nil {
		return nil, fmt.Errorf("rpc send failed: %w", err)
	}
	raw, err := c.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("rpc recv failed: %w", err)
	}
	return DecodeEnvelope(raw)
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.sock.Close()
}

// Server answers requests on a listening rep socket by dispatching through a
// router.
type Server struct {
	sock   Socket
	router *MessageRouter
	stopCh chan struct{}
	done   chan struct{}
}

// NewServer listens on addr with a rep socket.
func NewServer(addr string, router *MessageRouter) (*Server, error) {
	sock, err := NewRepSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create rep socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		sock:   sock,
		router: router,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Serve answers requests until Stop is called.
func (s *Server) Serve() {
	defer close(s.done)
	// Short recv deadline so the loop can observe stopCh.
	s.sock.SetRecvDeadline(500 * time.Millisecond)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		raw, err := s.sock.Recv()
		if err != nil {
			continue
		}
		reply, err := s.router.DispatchRaw(raw)
		if err != nil {
			continue
		}
		s.sock.Send(reply)
	}
}

// Stop terminates the serve loop and closes the socket.
func (s *Server) Stop() {
	close(s.stopCh)
	<-s.done
	s.sock.Close()
}
