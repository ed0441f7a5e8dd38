// Package lsptest provides a scriptable fake language server speaking
// Content-Length framed JSON-RPC, for tests of code built on jsonrpc.Client.
package lsptest

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/sanjit/lsp-bridge/internal/jsonrpc"
)

// Handler answers one request. Returning a *jsonrpc.Error sends an error
// response. Returning NoReply leaves the request unanswered.
type Handler func(params json.RawMessage) (any, error)

// NoReply makes a handler leave its request unanswered.
var NoReply = &jsonrpc.Error{Code: 0, Message: "lsptest: no reply"}

// Server reads frames from in and writes frames to out.
type Server struct {
	in  io.Reader
	out io.Writer

	mu       sync.Mutex
	handlers map[string]Handler
	writeMu  sync.Mutex

	received chan *jsonrpc.Message
	done     chan struct{}
}

// NewServer creates a server; call Serve to start reading.
func NewServer(in io.Reader, out io.Writer) *Server {
	s := &Server{
		in:       in,
		out:      out,
		handlers: make(map[string]Handler),
		received: make(chan *jsonrpc.Message, 256),
		done:     make(chan struct{}),
	}
	s.Handle("initialize", func(json.RawMessage) (any, error) {
		return map[string]any{"capabilities": map[string]any{"hoverProvider": true}}, nil
	})
	s.Handle("shutdown", func(json.RawMessage) (any, error) { return nil, nil })
	return s
}

// Conn is the client side of an in-process server.
type Conn struct {
	Reader io.Reader
	Writer io.Writer
	Closer io.Closer
}

// Pipe starts a server on in-memory pipes and returns it with the client
// ends. Closing the client writer ends the server.
func Pipe() (*Server, Conn) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	s := NewServer(serverIn, serverOut)
	go func() {
		s.Serve()
		serverOut.Close()
	}()
	return s, Conn{Reader: clientIn, Writer: clientOut, Closer: clientOut}
}

// Handle sets the handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Received delivers every message the client sent, in order.
func (s *Server) Received() <-chan *jsonrpc.Message { return s.received }

// Done is closed when Serve returns.
func (s *Server) Done() <-chan struct{} { return s.done }

// Serve reads until the input ends or an exit notification arrives.
func (s *Server) Serve() {
	defer close(s.done)
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := s.in.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			msg, rest, perr := jsonrpc.TryExtractOne(buf)
			buf = rest
			if perr != nil {
				continue
			}
			if msg == nil {
				break
			}
			select {
			case s.received <- msg:
			default:
			}
			if msg.Kind == jsonrpc.KindNotification && msg.Method == "exit" {
				return
			}
			if msg.Kind == jsonrpc.KindRequest {
				s.answer(msg)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) answer(req *jsonrpc.Message) {
	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		s.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: %s", req.Method)))
		return
	}
	result, err := h(req.Params)
	if err == NoReply {
		return
	}
	if err != nil {
		rpcErr, ok := err.(*jsonrpc.Error)
		if !ok {
			rpcErr = jsonrpc.NewError(jsonrpc.CodeInternalError, "%v", err)
		}
		s.Send(jsonrpc.NewErrorResponse(req.ID, rpcErr))
		return
	}
	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		s.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "%v", err)))
		return
	}
	s.Send(resp)
}

// Send writes msg to the client.
func (s *Server) Send(msg *jsonrpc.Message) error {
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	return s.Write(frame)
}

// Write writes raw bytes to the client, for malformed-input tests.
func (s *Server) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.out.Write(data)
	return err
}

// Notify sends a notification to the client.
func (s *Server) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.Send(msg)
}
