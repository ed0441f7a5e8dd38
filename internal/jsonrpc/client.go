package jsonrpc

// client.go — transport client: request/response correlation, notification
// dispatch, per-request timeouts, and shutdown.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const readChunkSize = 32 * 1024

// NotificationHandler receives the params of an unsolicited message.
// Handlers run on the read goroutine and must not block.
type NotificationHandler func(params json.RawMessage)

// Responder answers a request initiated by the backend. Returning an *Error
// sends it as is; any other error is sent as an internal error.
type Responder func(ctx context.Context, params json.RawMessage) (any, error)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMaxBufferSize closes the client with a fatal protocol error when more
// than n bytes are buffered without completing a frame. Zero disables the
// limit.
func WithMaxBufferSize(n int) Option {
	return func(c *Client) { c.maxBuffer = n }
}

// WithProtocolErrorHandler is called for every malformed frame.
func WithProtocolErrorHandler(fn func(error)) Option {
	return func(c *Client) { c.onProtocolError = fn }
}

// WithDroppedResponseHandler is called for responses matching no pending
// request (already timed out, canceled, or never sent).
func WithDroppedResponseHandler(fn func(*Message)) Option {
	return func(c *Client) { c.onDropped = fn }
}

// WithRejectUnhandledRequests answers backend requests that have no
// responder with MethodNotFound instead of leaving them unanswered.
func WithRejectUnhandledRequests() Option {
	return func(c *Client) { c.rejectUnhandled = true }
}

// WithCancelNotifications sends $/cancelRequest when a caller abandons a
// request through its context.
func WithCancelNotifications() Option {
	return func(c *Client) { c.sendCancel = true }
}

// Client speaks JSON-RPC over a reader/writer pair, typically the stdout
// and stdin of a language server process.
type Client struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	log    zerolog.Logger

	maxBuffer       int
	rejectUnhandled bool
	sendCancel      bool
	onProtocolError func(error)
	onDropped       func(*Message)

	writeMu sync.Mutex // serializes frames on w

	// mu guards the receive buffer, the pending table, the id counter,
	// the handler tables, and the closed state.
	mu         sync.Mutex
	buf        []byte
	nextID     int64
	pending    map[int64]*Call
	handlers   map[string][]*handlerEntry
	responders map[string]Responder
	closed     bool
	closeErr   error

	ctx       context.Context // canceled on close; passed to responders
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

type handlerEntry struct {
	fn NotificationHandler
}

// NewClient creates a client reading frames from r and writing frames to w.
// c, if non-nil, is closed on shutdown. Start must be called to begin
// reading.
func NewClient(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		r:          r,
		w:          w,
		closer:     c,
		log:        zerolog.Nop(),
		pending:    make(map[int64]*Call),
		handlers:   make(map[string][]*handlerEntry),
		responders: make(map[string]Responder),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.log = client.log.With().Str("client", uuid.NewString()[:8]).Logger()
	return client
}

// Start launches the read goroutine. Calling it again has no effect.
func (c *Client) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Call is one outstanding request. It is settled exactly once.
type Call struct {
	ID      int64
	Method  string
	Created time.Time

	// Result and Err are valid once Done is closed.
	Result json.RawMessage
	Err    error

	client *Client
	timer  *time.Timer
	done   chan struct{}
}

// Done is closed when the call is settled.
func (call *Call) Done() <-chan struct{} { return call.done }

// Wait blocks until the call settles or ctx ends. Cancellation removes the
// pending entry the same way a timeout does; a later response is dropped.
func (call *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-call.done:
		return call.Result, call.Err
	case <-ctx.Done():
	}
	if call.client != nil && call.client.take(call.ID) == call {
		call.finish(nil, fmt.Errorf("jsonrpc: %s (id %d): %w", call.Method, call.ID, ctx.Err()))
		call.client.cancelRemote(call.ID)
	}
	<-call.done
	return call.Result, call.Err
}

func (call *Call) finish(result json.RawMessage, err error) {
	call.Result, call.Err = result, err
	RequestOutcomes.WithLabelValues(outcome(err)).Inc()
	if call.ID != 0 {
		RequestDuration.WithLabelValues(call.Method).Observe(time.Since(call.Created).Seconds())
	}
	close(call.done)
}

// Go sends a request and returns its Call without waiting. The timeout is
// mandatory: a non-positive value fails the call with ErrInvalidTimeout
// and nothing is written.
func (c *Client) Go(method string, params any, timeout time.Duration) *Call {
	call := &Call{Method: method, Created: time.Now(), client: c, done: make(chan struct{})}
	if timeout <= 0 {
		call.finish(nil, ErrInvalidTimeout)
		return call
	}
	raw, err := marshalParams(params)
	if err != nil {
		call.finish(nil, err)
		return call
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.finish(nil, ErrClosed)
		return call
	}
	c.nextID++
	call.ID = c.nextID
	id := call.ID
	c.pending[id] = call
	call.timer = time.AfterFunc(timeout, func() { c.expire(id, timeout) })
	c.mu.Unlock()
	PendingRequests.Inc()
	RequestsTotal.WithLabelValues(method).Inc()

	c.log.Trace().Int64("id", id).Str("method", method).Msg("send request")
	msg := &Message{Kind: KindRequest, ID: NumberID(id), Method: method, Params: raw}
	written, err := c.writePending(id, msg)
	if err != nil {
		if c.take(id) == call {
			call.finish(nil, &WriteError{Method: method, Err: err})
		}
	} else if !written {
		c.log.Trace().Int64("id", id).Str("method", method).Msg("request settled before write")
	}
	return call
}

// Request sends a request and waits for its result.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.Go(method, params, timeout).Wait(ctx)
}

// Call sends a request and unmarshals its result into result, if non-nil.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration, result any) error {
	raw, err := c.Request(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification. Only a failed write can make it fail.
func (c *Client) Notify(method string, params any) error {
	if c.IsClosed() {
		return ErrClosed
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	c.log.Trace().Str("method", method).Msg("send notification")
	if err := c.writeMessage(msg); err != nil {
		return &WriteError{Method: method, Err: err}
	}
	return nil
}

// OnNotification registers a handler for method. Several handlers may be
// registered for one method; all of them run, in registration order. The
// returned function removes this handler.
func (c *Client) OnNotification(method string, handler NotificationHandler) (unregister func()) {
	entry := &handlerEntry{fn: handler}
	c.mu.Lock()
	c.handlers[method] = append(c.handlers[method], entry)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[method] = slices.DeleteFunc(c.handlers[method], func(e *handlerEntry) bool { return e == entry })
		if len(c.handlers[method]) == 0 {
			delete(c.handlers, method)
		}
	}
}

// OnRequest registers the responder for backend requests of method,
// replacing any previous one.
func (c *Client) OnRequest(method string, responder Responder) {
	c.mu.Lock()
	c.responders[method] = responder
	c.mu.Unlock()
}

// Close rejects every pending request with ErrClosed and closes the
// underlying stream. It is idempotent.
func (c *Client) Close() error {
	return c.shutdown(nil)
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the client closed: nil while open or after Close, the
// stream or protocol failure otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// IsClosed reports whether the client has been closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) shutdown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]*Call)
	c.buf = nil
	for _, call := range pending {
		call.timer.Stop()
	}
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	PendingRequests.Sub(float64(len(pending)))

	rejection := ErrClosed
	if cause != nil {
		rejection = fmt.Errorf("%w: %w", ErrClosed, cause)
		c.log.Warn().Err(cause).Int("pending", len(pending)).Msg("connection lost")
	} else {
		c.log.Debug().Int("pending", len(pending)).Msg("connection closed")
	}
	for _, call := range pending {
		call.finish(nil, rejection)
	}

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// take removes and returns the pending call for id, or nil when the id is
// not pending. Whoever takes a call is the only one allowed to settle it.
func (c *Client) take(id int64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	call.timer.Stop()
	PendingRequests.Dec()
	return call
}

func (c *Client) expire(id int64, after time.Duration) {
	call := c.take(id)
	if call == nil {
		return
	}
	c.log.Warn().Int64("id", id).Str("method", call.Method).Dur("after", after).Msg("request timed out")
	call.finish(nil, &TimeoutError{ID: id, Method: call.Method, After: after})
}

func (c *Client) cancelRemote(id int64) {
	if !c.sendCancel {
		return
	}
	if err := c.Notify("$/cancelRequest", map[string]int64{"id": id}); err != nil {
		c.log.Debug().Err(err).Int64("id", id).Msg("send cancel")
	}
}

func (c *Client) writeMessage(msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(frame)
	return err
}

// writePending writes a request frame only while id is still pending. A
// call settled in the meantime (closed or timed out) is not written.
func (c *Client) writePending(id int64, msg *Message) (bool, error) {
	frame, err := Encode(msg)
	if err != nil {
		return false, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	_, pending := c.pending[id]
	c.mu.Unlock()
	if !pending {
		return false, nil
	}
	_, err = c.w.Write(frame)
	return true, err
}

// readLoop feeds stream chunks to the client until the stream ends.
func (c *Client) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.r.Read(chunk)
		if n > 0 {
			c.feed(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.IsClosed() {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
	}
}

// extracted is one result of scanning the receive buffer.
type extracted struct {
	msg *Message
	err error
}

// feed appends chunk to the receive buffer and dispatches every complete
// frame it now holds. The partial tail stays buffered for the next chunk.
func (c *Client) feed(chunk []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buf = append(c.buf, chunk...)
	var out []extracted
	rest := c.buf
	for {
		msg, next, err := TryExtractOne(rest)
		rest = next
		if err != nil {
			out = append(out, extracted{err: err})
			continue
		}
		if msg == nil {
			break
		}
		out = append(out, extracted{msg: msg})
	}
	c.buf = append(c.buf[:0], rest...)
	overflow := c.maxBuffer > 0 && len(c.buf) > c.maxBuffer
	buffered := len(c.buf)
	c.mu.Unlock()

	for _, e := range out {
		if e.err != nil {
			c.protocolError(e.err)
			continue
		}
		c.dispatch(e.msg)
	}
	if overflow {
		err := &ProtocolError{Err: fmt.Errorf("%w: %d bytes without a complete frame", ErrBufferOverflow, buffered), Fatal: true}
		c.protocolError(err)
		c.shutdown(err)
	}
}

func (c *Client) protocolError(err error) {
	ProtocolErrors.Inc()
	c.log.Error().Err(err).Msg("malformed frame")
	if c.onProtocolError != nil {
		c.onProtocolError(err)
	}
}

func (c *Client) dispatch(msg *Message) {
	switch msg.Kind {
	case KindResponse:
		c.handleResponse(msg)
	case KindRequest:
		c.handleRequest(msg)
	default:
		c.deliver(msg)
	}
}

func (c *Client) handleResponse(msg *Message) {
	var call *Call
	if !msg.ID.IsString {
		call = c.take(msg.ID.Num)
	}
	if call == nil {
		DroppedResponses.Inc()
		c.log.Debug().Stringer("id", msg.ID).Msg("dropping response for unknown request")
		if c.onDropped != nil {
			c.onDropped(msg)
		}
		return
	}
	if msg.Error != nil {
		call.finish(nil, msg.Error)
		return
	}
	call.finish(msg.Result, nil)
}

// deliver runs the notification handlers for msg and reports whether any
// were registered.
func (c *Client) deliver(msg *Message) bool {
	NotificationsTotal.WithLabelValues(msg.Method).Inc()
	c.mu.Lock()
	handlers := slices.Clone(c.handlers[msg.Method])
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.log.Debug().Str("method", msg.Method).Msg("unhandled notification")
		return false
	}
	for _, h := range handlers {
		h.fn(msg.Params)
	}
	return true
}

func (c *Client) handleRequest(msg *Message) {
	c.mu.Lock()
	responder := c.responders[msg.Method]
	c.mu.Unlock()
	if responder != nil {
		NotificationsTotal.WithLabelValues(msg.Method).Inc()
		go c.respond(msg, responder)
		return
	}
	if c.deliver(msg) || !c.rejectUnhandled {
		return
	}
	reply := NewErrorResponse(msg.ID, NewError(CodeMethodNotFound, "method not found: %s", msg.Method))
	if err := c.writeMessage(reply); err != nil {
		c.log.Warn().Err(err).Str("method", msg.Method).Msg("reject backend request")
	}
}

// respond runs a responder off the read goroutine and writes its answer.
func (c *Client) respond(msg *Message, responder Responder) {
	result, err := responder(c.ctx, msg.Params)
	var reply *Message
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(CodeInternalError, "%v", err)
		}
		reply = NewErrorResponse(msg.ID, rpcErr)
	} else if reply, err = NewResponse(msg.ID, result); err != nil {
		reply = NewErrorResponse(msg.ID, NewError(CodeInternalError, "%v", err))
	}
	if c.IsClosed() {
		return
	}
	if err := c.writeMessage(reply); err != nil {
		c.log.Warn().Err(err).Str("method", msg.Method).Msg("answer backend request")
	}
}
