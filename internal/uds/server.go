package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// ErrSocketInUse is returned by Start when another process answers on the
// socket path.
var ErrSocketInUse = errors.New("socket is in use by a running daemon")

// HandlerFunc serves one request. ctx ends when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Handle adapts a handler with typed params. Missing params decode as the
// zero value; malformed params are a VALIDATION_ERROR.
func Handle[P any](fn func(ctx context.Context, params P) (any, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		var params P
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, Errorf(ErrCodeValidation, "invalid params for %s: %v", req.Command, err)
			}
		}
		return fn(ctx, params)
	}
}

type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		connTimeout: 10 * time.Second,
		logger:      log.Default(),
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds the read, handle and write of one connection.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetLogger directs connection errors to logger.
func (s *Server) SetLogger(logger *log.Logger) {
	s.logger = logger
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path. A stale socket file left by a crashed
// daemon is replaced; a live one is not.
func (s *Server) Start() error {
	if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.socketPath)
	}
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for open connections and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		if s.listener != nil {
			_ = os.Remove(s.socketPath)
		}
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logf("accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("read request: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connTimeout)
	defer cancel()
	if err := WriteFrame(conn, s.dispatch(ctx, &req)); err != nil {
		s.logf("write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logf("panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked", req.Command))
		}
	}()
	data, err := handler(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	return SuccessResponse(data)
}

func (s *Server) logf(format string, args ...any) {
	s.logger.Printf("%s WARN uds: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
