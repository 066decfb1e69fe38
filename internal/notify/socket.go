package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

const (
	writeTimeout  = 5 * time.Second
	maxLineLength = 1 << 20
)

var (
	// ErrNoClients is returned by Deliver when no session is listening.
	ErrNoClients = errors.New("no socket clients connected")

	// ErrNotConnected is returned by client calls on a closed connection.
	ErrNotConnected = errors.New("not connected")
)

// Handler answers one client message. Returning a nil envelope and a nil
// error sends nothing back.
type Handler func(ctx context.Context, env Envelope) (*Envelope, error)

// SocketServer speaks JSON lines to session clients over a unix socket. It
// is the in-session delivery channel and the daemon's control surface.
type SocketServer struct {
	path     string
	logger   *slog.Logger
	handler  Handler
	listener net.Listener
	clients  map[net.Conn]bool
	mu       sync.RWMutex
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSocketServer creates a new Unix socket server.
func NewSocketServer(path string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketServer{
		path:    path,
		logger:  logger.With("component", "notify.socket"),
		clients: make(map[net.Conn]bool),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handle sets the handler for client messages. Call before Start.
func (s *SocketServer) Handle(h Handler) {
	s.handler = h
}

// Path returns the socket path.
func (s *SocketServer) Path() string { return s.path }

// Start begins listening for connections.
func (s *SocketServer) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	// Remove a stale socket left by an unclean exit.
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.listener = listener

	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("could not restrict socket permissions", "error", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop shuts down the server and disconnects every client.
func (s *SocketServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.clients {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		os.Remove(s.path)
	})
}

// Broadcast writes env to all connected clients and returns how many
// received it.
func (s *SocketServer) Broadcast(env Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encode broadcast", "type", env.Type, "error", err)
		return 0
	}
	data = append(data, '\n')

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for conn := range s.clients {
		if err := write(conn, data); err != nil {
			s.logger.Warn("write to client failed", "error", err)
			conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// Deliver implements insights.Channel. It fails when nobody is listening so
// the router keeps the insight queued.
func (s *SocketServer) Deliver(ctx context.Context, msg insights.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	typ := TypeInsight
	if msg.Kind == insights.ChannelDigest {
		typ = TypeDigest
	}
	env, err := NewEnvelope(typ, "", msg)
	if err != nil {
		return err
	}
	if s.Broadcast(env) == 0 {
		return ErrNoClients
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *SocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *SocketServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		s.mu.Lock()
		s.clients[conn] = true
		n := len(s.clients)
		s.mu.Unlock()

		s.logger.Debug("client connected", "clients", n)

		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

func (s *SocketServer) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		n := len(s.clients)
		s.mu.Unlock()
		conn.Close()
		s.logger.Debug("client disconnected", "clients", n)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			s.reply(conn, errorEnvelope("", fmt.Errorf("malformed message: %w", err)))
			continue
		}
		if s.handler == nil {
			continue
		}

		resp, err := s.handler(s.ctx, env)
		switch {
		case err != nil:
			s.reply(conn, errorEnvelope(env.ID, err))
		case resp != nil:
			resp.ID = env.ID
			s.reply(conn, *resp)
		}
	}
}

func (s *SocketServer) reply(conn net.Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encode reply", "type", env.Type, "error", err)
		return
	}
	if err := write(conn, append(data, '\n')); err != nil {
		s.logger.Warn("reply failed", "type", env.Type, "error", err)
	}
}

func write(conn net.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(data)
	return err
}

func errorEnvelope(id string, err error) Envelope {
	env, _ := NewEnvelope(TypeError, id, ErrorPayload{Message: err.Error()})
	return env
}

// SocketClient connects to the daemon socket.
type SocketClient struct {
	conn      net.Conn
	connected bool
	onMessage func(Envelope)
	pending   map[string]chan Envelope
	mu        sync.Mutex
}

// NewSocketClient creates a new socket client.
func NewSocketClient() *SocketClient {
	return &SocketClient{pending: make(map[string]chan Envelope)}
}

// Connect connects to the socket server.
func (c *SocketClient) Connect(path string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close closes the connection.
func (c *SocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.connected = false
	}
}

// IsConnected returns whether the client is connected.
func (c *SocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one message to the server.
func (c *SocketClient) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return write(c.conn, append(data, '\n'))
}

// Request sends a message and waits for the response carrying the same id.
// An error response from the server is returned as an error.
func (c *SocketClient) Request(ctx context.Context, typ MessageType, payload any) (Envelope, error) {
	env, err := NewEnvelope(typ, uuid.NewString(), payload)
	if err != nil {
		return Envelope{}, err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(env); err != nil {
		return Envelope{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Envelope{}, ErrNotConnected
		}
		if resp.Type == TypeError {
			var p ErrorPayload
			if err := resp.Decode(&p); err != nil {
				return Envelope{}, err
			}
			return Envelope{}, fmt.Errorf("server: %s", p.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// OnMessage sets the callback for messages that are not responses.
func (c *SocketClient) OnMessage(callback func(Envelope)) {
	c.mu.Lock()
	c.onMessage = callback
	c.mu.Unlock()
}

func (c *SocketClient) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}

		c.mu.Lock()
		ch, waiting := c.pending[env.ID]
		if waiting {
			delete(c.pending, env.ID)
		}
		cb := c.onMessage
		c.mu.Unlock()

		switch {
		case env.ID != "" && waiting:
			ch <- env
		case cb != nil:
			cb(env)
		}
	}

	c.mu.Lock()
	c.connected = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}
