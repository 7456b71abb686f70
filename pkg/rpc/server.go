// Package rpc is a small newline-delimited JSON-over-TCP RPC layer used to
// reach the face detection and recognition model servers.
//
// Example server:
//
//	s := rpc.NewServer()
//	s.Register("Detector.Detect", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    var req proto.DetectRequest
//	    if err := json.Unmarshal(params, &req); err != nil {
//	        return nil, rpc.Errorf(rpc.CodeInvalidArgument, "decoding request: %v", err)
//	    }
//	    return &proto.DetectResponse{...}, nil
//	})
//	s.Serve(":9101")
//
// Example client:
//
//	c := rpc.NewClient("localhost:9101")
//	var resp proto.DetectResponse
//	err := c.Call(ctx, "Detector.Detect", &proto.DetectRequest{...}, &resp)
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// HandlerFunc processes one request.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Request is the wire format for an RPC request.
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Response is the wire format for an RPC response.
type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error codes carried on the wire.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeUnavailable     = "unavailable"
	CodeUnknownMethod   = "unknown_method"
	CodeInternal        = "internal"
)

// Error is a failure reported by the remote handler.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Server dispatches requests to registered handlers. Requests on one
// connection are handled in order.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	listener net.Listener
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default().With("component", "rpc-server"),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a handler for a "Service.Method" name.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Serve listens on addr and blocks until Stop.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ln)
}

// ServeListener accepts connections on ln and blocks until Stop.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("write error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) (resp Response) {
	resp.ID = req.ID
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		resp.Error = Errorf(CodeUnknownMethod, "unknown method: %s", req.Method)
		return resp
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "method", req.Method, "panic", r)
			resp.Data = nil
			resp.Error = Errorf(CodeInternal, "handler panic: %v", r)
		}
	}()
	data, err := handler(s.ctx, req.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternal, Message: err.Error()}
		}
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(data)
	if err != nil {
		resp.Error = Errorf(CodeInternal, "marshaling response: %v", err)
		return resp
	}
	resp.Data = raw
	return resp
}

// Stop closes the listener and every open connection, then waits for
// connection goroutines to exit.
func (s *Server) Stop() {
	close(s.done)
	s.cancel()
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}
