// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreproto/mcpcore/internal/json"
	"github.com/coreproto/mcpcore/jsonrpc"
)

const (
	methodProgress  = "notifications/progress"
	methodCancelled = "notifications/cancelled"
)

// DefaultRequestTimeout is the deadline applied to a Request call that does
// not specify RequestOptions.Timeout.
const DefaultRequestTimeout = 60 * time.Second

// ProgressToken identifies one in-flight request for the purpose of
// progress reporting. It marshals as either a number or a string.
type ProgressToken = json.RawMessage

// ProgressNotificationParams is the params object carried by
// "notifications/progress".
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// CancelledNotificationParams is the params object carried by
// "notifications/cancelled".
type CancelledNotificationParams struct {
	RequestID jsonrpc.ID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// RequestHandler handles one incoming JSON-RPC request and returns its
// result (to be marshaled into the response) or an error.
type RequestHandler func(ctx context.Context, extra *RequestExtra, params json.RawMessage) (any, error)

// NotificationHandler handles one incoming JSON-RPC notification. Any
// returned error is routed to OnError only; it never produces a response,
// since notifications have none.
type NotificationHandler func(ctx context.Context, extra *RequestExtra, params json.RawMessage) error

// RequestExtra carries per-request context visible to a RequestHandler or
// NotificationHandler.
type RequestExtra struct {
	// RequestID is the id of the request being handled (zero for
	// notifications).
	RequestID jsonrpc.ID
	// SessionID is the transport-level session this request arrived on, if
	// the Connection implements SessionID.
	SessionID string
	// SendNotification sends notif to the peer, attributing it to this
	// request for transports that multiplex logical streams.
	SendNotification func(ctx context.Context, method string, params any) error
	// SendRequest issues a server->client request attributed to this
	// incoming request.
	SendRequest func(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error)
}

// RequestOptions configures one outbound Request call.
type RequestOptions struct {
	// Timeout bounds the time from send to final response. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration
	// ResetTimeoutOnProgress restarts Timeout's deadline on every matching
	// progress notification, capped by MaxTotalTimeout if set.
	ResetTimeoutOnProgress bool
	// MaxTotalTimeout, if nonzero, is an absolute ceiling measured from send
	// time that ResetTimeoutOnProgress may never push the deadline past.
	MaxTotalTimeout time.Duration
	// OnProgress, if set, is called for each progress notification
	// referencing this request, and causes a progress token to be
	// synthesized and attached to the request's _meta.
	OnProgress func(ProgressNotificationParams)
	// ResultValidator, if set, is called with the raw result bytes before
	// Request returns; a non-nil error rejects the request. See
	// SchemaResultValidator for a constructor backed by google/jsonschema-go.
	ResultValidator func(json.RawMessage) error
	// ResumptionToken and OnResumptionToken are forwarded to the transport;
	// see SendOptions.
	ResumptionToken   string
	OnResumptionToken func(string)
}

// ProtocolOption configures a Protocol at construction time.
type ProtocolOption func(*Protocol)

// WithDebouncedNotificationMethods marks methods eligible for debounced
// (coalesced) delivery: a notification is eligible only if its method is
// listed here AND it has no params AND it carries no RelatedRequestID.
func WithDebouncedNotificationMethods(methods ...string) ProtocolOption {
	return func(p *Protocol) {
		p.debouncedMethods = make(map[string]bool, len(methods))
		for _, m := range methods {
			p.debouncedMethods[m] = true
		}
	}
}

// WithCapabilityGates installs the three protected predicates a concrete
// client/server role uses to reject sends/registrations the peer's (or its
// own) advertised capabilities forbid. A nil gate always allows the action.
func WithCapabilityGates(forMethod, forNotification, forRequestHandler func(string) error) ProtocolOption {
	return func(p *Protocol) {
		if forMethod != nil {
			p.assertCapabilityForMethod = forMethod
		}
		if forNotification != nil {
			p.assertNotificationCapability = forNotification
		}
		if forRequestHandler != nil {
			p.assertRequestHandlerCapability = forRequestHandler
		}
	}
}

// WithOnError sets the handler invoked for non-fatal errors that cannot be
// attributed to a specific pending request: transport errors, unknown
// response ids, handler panics on the server side, etc.
func WithOnError(fn func(error)) ProtocolOption {
	return func(p *Protocol) { p.onError = fn }
}

// inFlightRequest is the record kept for each outbound request awaiting a
// response.
type inFlightRequest struct {
	resultValidator  func(json.RawMessage) error
	onProgress       func(ProgressNotificationParams)
	resetOnProgress  bool
	maxTotalTimeout  time.Duration
	startTime        time.Time
	timeout          time.Duration
	timer            *time.Timer
	cancel           context.CancelFunc
	done             chan struct{}
	result           json.RawMessage
	err              error
}

// Protocol implements the transport-agnostic, bidirectional JSON-RPC
// request/response/notification engine described by the MCP core: request
// correlation, per-request timeouts with optional progress-driven reset,
// cancellation propagation, method dispatch, and notification debouncing.
//
// A Protocol is safe for concurrent use; all mutations of its internal
// tables happen behind a single mutex; true serialization (rather than a
// single-threaded event loop) is the natural Go realization of the
// concurrency model.
type Protocol struct {
	mu sync.Mutex

	conn   Connection
	closed bool

	nextID atomic.Int64

	inFlight map[int64]*inFlightRequest // keyed by the numeric id we assigned

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	FallbackRequestHandler      RequestHandler
	FallbackNotificationHandler NotificationHandler

	// incomingCancel holds the cancel funcs for requests currently being
	// handled, keyed by their (string-form) incoming request id, so that a
	// "notifications/cancelled" naming that id can abort the handler.
	incomingCancel map[string]context.CancelFunc

	debouncedMethods map[string]bool
	pendingDebounce  map[string]bool

	assertCapabilityForMethod      func(string) error
	assertNotificationCapability   func(string) error
	assertRequestHandlerCapability func(string) error

	onError func(error)
}

// NewProtocol constructs a Protocol with no attached transport.
func NewProtocol(opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		inFlight:             make(map[int64]*inFlightRequest),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		incomingCancel:       make(map[string]context.CancelFunc),
		pendingDebounce:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ErrUnknownResponseID is reported via OnError when a response arrives
// bearing an id with no matching in-flight request. Resolved here as
// "forward, don't silently drop".
type ErrUnknownResponseID struct{ ID jsonrpc.ID }

func (e *ErrUnknownResponseID) Error() string {
	return fmt.Sprintf("mcp: response to unknown request id %s", e.ID)
}

func (p *Protocol) reportError(err error) {
	p.mu.Lock()
	h := p.onError
	p.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Connect attaches transport, wires its callbacks via a read loop, and
// activates it. Any previously attached transport is replaced but not
// closed; the caller retains ownership of its lifecycle.
func (p *Protocol) Connect(ctx context.Context, t Transport) (Connection, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conn = conn
	p.closed = false
	p.mu.Unlock()

	go p.readLoop(conn)
	return conn, nil
}

func (p *Protocol) readLoop(conn Connection) {
	ctx := context.Background()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			p.handleClose(err)
			return
		}
		p.dispatch(ctx, conn, msg)
	}
}

func (p *Protocol) dispatch(ctx context.Context, conn Connection, msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		p.handleResponse(m)
	case *jsonrpc.Request:
		go p.handleRequest(ctx, conn, m)
	case *jsonrpc.Notification:
		p.handleNotification(ctx, conn, m)
	}
}

func (p *Protocol) handleResponse(resp *jsonrpc.Response) {
	id, ok := idAsInt64(resp.ID)
	if !ok {
		p.reportError(&ErrUnknownResponseID{ID: resp.ID})
		return
	}
	p.mu.Lock()
	rec, ok := p.inFlight[id]
	if ok {
		delete(p.inFlight, id)
	}
	p.mu.Unlock()
	if !ok {
		p.reportError(&ErrUnknownResponseID{ID: resp.ID})
		return
	}

	rec.timer.Stop()
	if resp.Err != nil {
		rec.err = resp.Err
	} else if rec.resultValidator != nil {
		if err := rec.resultValidator(resp.Result); err != nil {
			rec.err = fmt.Errorf("mcp: invalid result: %w", err)
		} else {
			rec.result = resp.Result
		}
	} else {
		rec.result = resp.Result
	}
	close(rec.done)
}

func (p *Protocol) handleNotification(ctx context.Context, conn Connection, n *jsonrpc.Notification) {
	switch n.Method {
	case methodProgress:
		p.handleProgress(n.Params)
		return
	case methodCancelled:
		p.handleCancelled(n.Params)
		return
	}

	p.mu.Lock()
	h, ok := p.notificationHandlers[n.Method]
	if !ok {
		h = p.FallbackNotificationHandler
	}
	p.mu.Unlock()
	if h == nil {
		return
	}
	extra := p.newExtra(conn, jsonrpc.ID{})
	if err := h(ctx, extra, n.Params); err != nil {
		p.reportError(err)
	}
}

func (p *Protocol) handleProgress(params json.RawMessage) {
	var pn ProgressNotificationParams
	if err := json.Unmarshal(params, &pn); err != nil {
		p.reportError(fmt.Errorf("mcp: malformed progress notification: %w", err))
		return
	}
	var tokenID int64
	if err := json.Unmarshal(pn.ProgressToken, &tokenID); err != nil {
		// Progress tokens this Protocol issues are always the numeric
		// request id; a non-numeric token belongs to a peer we didn't send
		// a progress-tracked request to.
		return
	}
	p.mu.Lock()
	rec, ok := p.inFlight[tokenID]
	p.mu.Unlock()
	if !ok || rec.onProgress == nil {
		return
	}
	if rec.resetOnProgress {
		p.resetTimer(rec)
	}
	rec.onProgress(pn)
}

func (p *Protocol) resetTimer(rec *inFlightRequest) {
	elapsed := time.Since(rec.startTime)
	remaining := rec.timeout
	if rec.maxTotalTimeout > 0 {
		if elapsed >= rec.maxTotalTimeout {
			rec.timer.Stop()
			return
		}
		if left := rec.maxTotalTimeout - elapsed; left < remaining {
			remaining = left
		}
	}
	rec.timer.Stop()
	rec.timer.Reset(remaining)
}

func (p *Protocol) handleCancelled(params json.RawMessage) {
	var cn CancelledNotificationParams
	if err := json.Unmarshal(params, &cn); err != nil {
		p.reportError(fmt.Errorf("mcp: malformed cancelled notification: %w", err))
		return
	}
	p.mu.Lock()
	cancel, ok := p.incomingCancel[cn.RequestID.String()]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Protocol) handleRequest(ctx context.Context, conn Connection, req *jsonrpc.Request) {
	p.mu.Lock()
	h, ok := p.requestHandlers[req.Method]
	if !ok {
		h = p.FallbackRequestHandler
	}
	p.mu.Unlock()

	reqCtx, cancel := context.WithCancel(ctx)
	key := req.ID.String()
	p.mu.Lock()
	p.incomingCancel[key] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.incomingCancel, key)
		p.mu.Unlock()
		cancel()
	}()

	extra := p.newExtra(conn, req.ID)

	var result any
	var herr error
	if h == nil {
		herr = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	} else {
		result, herr = p.invokeHandler(reqCtx, h, extra, req.Params)
	}

	if reqCtx.Err() != nil {
		// The request was cancelled while being handled; any late response
		// is suppressed.
		return
	}

	resp := &jsonrpc.Response{ID: req.ID}
	if herr != nil {
		if je, ok := herr.(*jsonrpc.Error); ok {
			resp.Err = je
		} else {
			resp.Err = jsonrpc.NewError(jsonrpc.CodeInternalError, herr.Error())
		}
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Err = jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		} else {
			resp.Result = data
		}
	}

	writeCtx := withSendOptions(ctx, &SendOptions{RelatedRequestID: &req.ID})
	if err := conn.Write(writeCtx, resp); err != nil {
		p.reportError(err)
	}
}

func (p *Protocol) invokeHandler(ctx context.Context, h RequestHandler, extra *RequestExtra, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = jsonrpc.NewError(jsonrpc.CodeInternalError, fmt.Sprintf("panic in handler: %v", r))
		}
	}()
	return h(ctx, extra, params)
}

func (p *Protocol) newExtra(conn Connection, reqID jsonrpc.ID) *RequestExtra {
	return &RequestExtra{
		RequestID: reqID,
		SessionID: sessionIDOf(conn),
		SendNotification: func(ctx context.Context, method string, params any) error {
			return p.sendNotification(ctx, method, params, &reqID)
		},
		SendRequest: func(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
			return p.Request(withSendOptions(ctx, &SendOptions{RelatedRequestID: &reqID}), method, params, opts)
		},
	}
}

func sessionIDOf(conn Connection) string {
	if s, ok := conn.(SessionID); ok {
		return s.SessionID()
	}
	return ""
}

func idAsInt64(id jsonrpc.ID) (int64, bool) {
	if !id.IsValid() || id.IsString() {
		return 0, false
	}
	n, ok := id.Raw().(int64)
	return n, ok
}

// Request assigns a fresh numeric id, sends method/params as a JSON-RPC
// request, and blocks until a correlated response arrives, the deadline
// elapses, ctx is cancelled, or the transport closes.
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, jsonrpc.ErrConnectionClosed
	}
	if p.assertCapabilityForMethod != nil {
		if err := p.assertCapabilityForMethod(method); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	conn := p.conn
	id := p.nextID.Add(1) - 1
	p.mu.Unlock()

	if opts == nil {
		opts = &RequestOptions{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	paramsData, err := encodeParamsWithProgress(params, opts.OnProgress, id)
	if err != nil {
		return nil, err
	}

	rec := &inFlightRequest{
		resultValidator: opts.ResultValidator,
		onProgress:      opts.OnProgress,
		resetOnProgress: opts.ResetTimeoutOnProgress,
		maxTotalTimeout: opts.MaxTotalTimeout,
		startTime:       time.Now(),
		timeout:         timeout,
		done:            make(chan struct{}),
	}

	reqCtx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel

	p.mu.Lock()
	p.inFlight[id] = rec
	p.mu.Unlock()

	rec.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		_, stillPending := p.inFlight[id]
		if stillPending {
			delete(p.inFlight, id)
		}
		p.mu.Unlock()
		if stillPending {
			rec.err = jsonrpc.ErrRequestTimeout
			close(rec.done)
		}
	})

	jreq := &jsonrpc.Request{ID: jsonrpc.Int64ID(id), Method: method, Params: paramsData}
	writeCtx := ctx
	if opts.ResumptionToken != "" || opts.OnResumptionToken != nil {
		so := SendOptions{}
		if prev := sendOptionsFromContext(ctx); prev != nil {
			so = *prev
		}
		so.ResumptionToken = opts.ResumptionToken
		so.OnResumptionToken = opts.OnResumptionToken
		writeCtx = withSendOptions(ctx, &so)
	}
	if err := conn.Write(writeCtx, jreq); err != nil {
		p.mu.Lock()
		delete(p.inFlight, id)
		p.mu.Unlock()
		rec.timer.Stop()
		return nil, err
	}

	select {
	case <-rec.done:
		return rec.result, rec.err
	case <-reqCtx.Done():
		p.mu.Lock()
		_, stillPending := p.inFlight[id]
		delete(p.inFlight, id)
		p.mu.Unlock()
		if stillPending {
			rec.timer.Stop()
			// Best-effort cancellation notice; failure is swallowed.
			_ = p.sendNotification(context.Background(), methodCancelled, &CancelledNotificationParams{
				RequestID: jsonrpc.Int64ID(id),
			}, nil)
		}
		return nil, reqCtx.Err()
	}
}

// encodeParamsWithProgress marshals params, synthesizing and injecting a
// progressToken into params._meta when onProgress is non-nil, while
// preserving any caller-provided _meta fields.
func encodeParamsWithProgress(params any, onProgress func(ProgressNotificationParams), id int64) (data json.RawMessage, err error) {
	if params == nil && onProgress == nil {
		return nil, nil
	}
	base, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if len(base) > 0 && string(base) != "null" {
		if err := json.Unmarshal(base, &m); err != nil {
			// Not an object; can't attach _meta. Return as-is.
			return base, nil
		}
	} else {
		m = map[string]json.RawMessage{}
	}
	if onProgress != nil {
		tokenData, _ := json.Marshal(id)
		var meta map[string]json.RawMessage
		if existing, ok := m["_meta"]; ok {
			_ = json.Unmarshal(existing, &meta)
		}
		if meta == nil {
			meta = map[string]json.RawMessage{}
		}
		meta["progressToken"] = tokenData
		metaData, _ := json.Marshal(meta)
		m["_meta"] = metaData
	}
	data, err = json.Marshal(m)
	return data, err
}

// Notify sends a fire-and-forget notification. A notification is eligible
// for debouncing only if its method was registered via
// WithDebouncedNotificationMethods AND params is nil AND relatedRequestID is
// nil; a non-nil relatedRequestID always bypasses debouncing, independent of
// any other eligible notification pending for the same method.
func (p *Protocol) Notify(ctx context.Context, method string, params any) error {
	return p.sendNotification(ctx, method, params, nil)
}

func (p *Protocol) sendNotification(ctx context.Context, method string, params any, relatedRequestID *jsonrpc.ID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return jsonrpc.ErrConnectionClosed
	}
	if p.assertNotificationCapability != nil {
		if err := p.assertNotificationCapability(method); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	eligible := relatedRequestID == nil && params == nil && p.debouncedMethods[method]
	if eligible {
		if p.pendingDebounce[method] {
			p.mu.Unlock()
			return nil // already scheduled to flush this tick
		}
		p.pendingDebounce[method] = true
		conn := p.conn
		p.mu.Unlock()
		time.AfterFunc(0, func() {
			p.mu.Lock()
			stillPending := p.pendingDebounce[method]
			delete(p.pendingDebounce, method)
			closed := p.closed
			p.mu.Unlock()
			if stillPending && !closed {
				p.writeNotification(ctx, conn, method, nil, nil)
			}
		})
		return nil
	}
	conn := p.conn
	p.mu.Unlock()
	return p.writeNotification(ctx, conn, method, params, relatedRequestID)
}

func (p *Protocol) writeNotification(ctx context.Context, conn Connection, method string, params any, relatedRequestID *jsonrpc.ID) error {
	var data json.RawMessage
	if params != nil {
		var err error
		data, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	n := &jsonrpc.Notification{Method: method, Params: data}
	writeCtx := ctx
	if relatedRequestID != nil {
		writeCtx = withSendOptions(ctx, &SendOptions{RelatedRequestID: relatedRequestID})
	}
	return conn.Write(writeCtx, n)
}

// SetRequestHandler registers handler for method, replacing any existing
// registration.
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assertRequestHandlerCapability != nil {
		if err := p.assertRequestHandlerCapability(method); err != nil {
			return err
		}
	}
	p.requestHandlers[method] = handler
	return nil
}

// RemoveRequestHandler unregisters the handler for method, if any.
func (p *Protocol) RemoveRequestHandler(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requestHandlers, method)
}

// SetNotificationHandler registers handler for method, replacing any
// existing registration. Notifications fan out to at most one handler per
// method.
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notificationHandlers[method] = handler
}

// RemoveNotificationHandler unregisters the handler for method, if any.
func (p *Protocol) RemoveNotificationHandler(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notificationHandlers, method)
}

func (p *Protocol) handleClose(readErr error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	inFlight := p.inFlight
	p.inFlight = make(map[int64]*inFlightRequest)
	pending := p.pendingDebounce
	p.pendingDebounce = make(map[string]bool)
	p.mu.Unlock()
	_ = pending // debounce flush becomes a no-op per the closed check above

	for _, rec := range inFlight {
		rec.timer.Stop()
		rec.err = jsonrpc.ErrConnectionClosed
		close(rec.done)
	}
	if readErr != nil {
		p.reportError(readErr)
	}
}

// Close cancels all in-flight requests with ConnectionClosed, clears the
// debounce queue, detaches the transport, and closes the detached
// Connection.
func (p *Protocol) Close() error {
	p.handleClose(nil)
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
