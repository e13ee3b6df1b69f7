package miio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultPort is the UDP port Mi Home devices listen on.
const DefaultPort = 54321

const (
	defaultHandshakeTTL   = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 3

	// postHandshakeDelay accommodates device firmware that drops a normal
	// request arriving too close behind the handshake reply.
	postHandshakeDelay = 100 * time.Millisecond

	initialCounterBound = 10000
)

// Transport is the PacketSender/subscriber contract the session client
// needs from the UDP layer. internal/netio.Transport implements it; miio
// itself has no socket code.
type Transport interface {
	Send(ctx context.Context, b []byte, addr netip.Addr, port uint16) error
	Subscribe(handler func(b []byte, addr netip.Addr, port uint16)) Unsubscribe
}

// Unsubscribe detaches a previously registered inbound handler. Calling it
// more than once is a no-op.
type Unsubscribe func()

// EventKind labels the call-lifecycle events a Client reports through its
// metrics hook, so a caller (e.g. cmd/miiod) can feed them into Prometheus
// without miio importing a metrics library itself.
type EventKind int

const (
	EventCallSent EventKind = iota
	EventHandshakeSent
	EventHandshakeComplete
	EventRetry
	EventChecksumMismatch
	EventTimeout
	EventCallStarted
	EventCallFinished
)

// Event is a single call-lifecycle notification.
type Event struct {
	Kind EventKind
}

// HandshakeInfo is a snapshot of the last completed handshake, exposed via
// Client.LastHandshake for diagnostics.
type HandshakeInfo struct {
	DeviceID uint32
	Stamp    uint32
	At       time.Time
}

// Stats is a snapshot of cumulative call counters, exposed via Client.Stats.
type Stats struct {
	CallsSent          uint64
	Handshakes         uint64
	Retries            uint64
	Timeouts           uint64
	ChecksumMismatches uint64
	RemoteErrors       uint64
}

type statsCounters struct {
	callsSent          atomic.Uint64
	handshakes         atomic.Uint64
	retries            atomic.Uint64
	timeouts           atomic.Uint64
	checksumMismatches atomic.Uint64
	remoteErrors       atomic.Uint64
}

func (s *statsCounters) snapshot() Stats {
	return Stats{
		CallsSent:          s.callsSent.Load(),
		Handshakes:         s.handshakes.Load(),
		Retries:            s.retries.Load(),
		Timeouts:           s.timeouts.Load(),
		ChecksumMismatches: s.checksumMismatches.Load(),
		RemoteErrors:       s.remoteErrors.Load(),
	}
}

// CallResult is a device's JSON reply body, decoded generically. Result is
// left as raw JSON so callers can decode it into whatever shape the method
// they called returns; use SendAs for a typed decode in one step.
type CallResult struct {
	ID     uint32           `json:"id"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *RemoteErrorBody `json:"error,omitempty"`
}

// RemoteErrorBody is the "error" object a device's JSON reply carries on
// semantic (not wire-level) failure.
type RemoteErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pendingResult struct {
	plaintext []byte
	err       error
}

type pendingCall struct {
	resultCh chan pendingResult
}

type handshakeResult struct {
	deviceID uint32
	stamp    uint32
	err      error
}

type pendingHandshakeCall struct {
	resultCh chan handshakeResult
}

// Client is a single-device Mi Home session: it owns the handshake
// lifecycle, request-id allocation, and the pending-call registry that
// multiplexes concurrent calls over one Transport.
//
// A Client is safe for concurrent use. Construct with NewClient.
type Client struct {
	transport Transport
	token     [TokenSize]byte
	addr      netip.Addr
	port      uint16

	handshakeTTL   time.Duration
	requestTimeout time.Duration
	maxAttempts    int

	logger  *slog.Logger
	onEvent func(Event)

	mu               sync.Mutex
	closed           bool
	counter          uint32
	handshake        *HandshakeInfo
	invalidated      bool
	pending          map[uint32]*pendingCall
	pendingHandshake *pendingHandshakeCall

	hsGroup singleflight.Group

	startOnce   sync.Once
	unsubscribe Unsubscribe

	stats statsCounters
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithPort overrides DefaultPort.
func WithPort(port uint16) Option {
	return func(c *Client) { c.port = port }
}

// WithHandshakeTTL overrides the 10s default handshake freshness window.
func WithHandshakeTTL(d time.Duration) Option {
	return func(c *Client) { c.handshakeTTL = d }
}

// WithRequestTimeout overrides the 10s default per-attempt deadline, used
// for both the handshake round trip and each Normal call attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithMaxAttempts overrides the default of 3 attempts per call before
// RetryExhaustedError is returned.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithInitialCounter pins the request-id counter's starting value instead
// of the default random value in [0, 10000).
func WithInitialCounter(n uint32) Option {
	return func(c *Client) { c.counter = n }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetricsHook registers a callback invoked for each call-lifecycle
// Event. The hook must not block; it runs on the goroutine driving the
// call or the inbound dispatch path.
func WithMetricsHook(fn func(Event)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// NewClient constructs a Client for the device at address (a literal IP),
// bound to transport for all I/O. tokenHex is the device's 32-hex-character
// pre-shared token. The client subscribes to transport immediately; see
// Start for explicit re-subscription semantics.
func NewClient(transport Transport, tokenHex string, address string, opts ...Option) (*Client, error) {
	token, err := ParseToken(tokenHex)
	if err != nil {
		return nil, err
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("new client: parse address %q: %w", address, err)
	}

	c := &Client{
		transport:      transport,
		token:          token,
		addr:           addr,
		port:           DefaultPort,
		handshakeTTL:   defaultHandshakeTTL,
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		logger:         slog.Default(),
		counter:        uint32(rand.IntN(initialCounterBound)), //nolint:gosec // G404: jitter for id spacing, not security.
		pending:        make(map[uint32]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Start()

	return c, nil
}

// Start subscribes the client to its transport if it has not already done
// so, and returns the resulting Unsubscribe handle. Idempotent: calling it
// more than once returns the same handle without subscribing twice.
func (c *Client) Start() Unsubscribe {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.unsubscribe = c.transport.Subscribe(c.handleInbound)
		c.mu.Unlock()
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribe
}

// Invalidate discards any cached handshake so the next call performs a
// fresh one, without waiting for the TTL to elapse. Useful after the caller
// observes the device was rebooted (its stamp counter resets).
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.invalidated = true
	c.mu.Unlock()
}

// LastHandshake reports the most recently completed handshake, if any.
func (c *Client) LastHandshake() (HandshakeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshake == nil {
		return HandshakeInfo{}, false
	}
	return *c.handshake, true
}

// Stats returns a snapshot of cumulative call counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// Close marks the client closed, fails every pending call and the pending
// handshake (if any) with ErrSessionClosed, and unsubscribes from the
// transport. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	ph := c.pendingHandshake
	c.pendingHandshake = nil
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	for _, pc := range pending {
		select {
		case pc.resultCh <- pendingResult{err: ErrSessionClosed}:
		default:
		}
	}
	if ph != nil {
		select {
		case ph.resultCh <- handshakeResult{err: ErrSessionClosed}:
		default:
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	return nil
}

func (c *Client) emit(kind EventKind) {
	if c.onEvent != nil {
		c.onEvent(Event{Kind: kind})
	}
}

// Send issues method/params as a Normal call and returns the device's raw
// JSON reply. A "error" field in the reply is returned as part of the
// result, not as a Go error — only wire-level and protocol failures are
// returned as errors. Retries internally up to maxAttempts on Timeout,
// ErrIO, and wire-decode failures; gives up immediately on a closed
// session.
func (c *Client) Send(ctx context.Context, method string, params any) (CallResult, error) {
	if err := c.checkOpen(); err != nil {
		return CallResult{}, err
	}

	c.emit(EventCallStarted)
	defer c.emit(EventCallFinished)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.attemptCall(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return CallResult{}, err
		}
		if attempt < c.maxAttempts {
			c.stats.retries.Add(1)
			c.emit(EventRetry)
		}
	}

	return CallResult{}, &RetryExhaustedError{Attempts: c.maxAttempts, Last: lastErr}
}

// SendAs decodes a Send call's result field into R. A zero R is returned
// alongside a nil error if the reply carried no result field (e.g. the
// device returned only an error).
func SendAs[R any](ctx context.Context, c *Client, method string, params any) (R, error) {
	var zero R

	res, err := c.Send(ctx, method, params)
	if err != nil {
		return zero, err
	}
	if len(res.Result) == 0 {
		return zero, nil
	}

	var out R
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return zero, fmt.Errorf("send as: decode result: %w: %w", ErrInvalidReply, err)
	}
	return out, nil
}

// SimpleSend issues method/params and discards the result, but turns a
// device-reported "error" field into a *RemoteError return value. Like
// Send, RemoteError is never retried.
func (c *Client) SimpleSend(ctx context.Context, method string, params any) error {
	res, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if res.Error != nil {
		c.stats.remoteErrors.Add(1)
		return &RemoteError{Code: res.Error.Code, Message: res.Error.Message}
	}
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	return nil
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrIO),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrDecryptFailure),
		errors.Is(err, ErrMalformedFrame):
		return true
	default:
		return false
	}
}

// attemptCall runs one attempt of the per-call protocol: ensure a fresh
// handshake, allocate a request id, build and transmit the Normal request,
// then await its reply or the per-attempt deadline.
func (c *Client) attemptCall(ctx context.Context, method string, params any) (CallResult, error) {
	hs, fresh, err := c.ensureHandshake(ctx)
	if err != nil {
		return CallResult{}, fmt.Errorf("ensure handshake: %w", err)
	}

	if fresh {
		select {
		case <-time.After(postHandshakeDelay):
		case <-ctx.Done():
			return CallResult{}, ctx.Err()
		}
	}

	id, pc, err := c.registerPending()
	if err != nil {
		return CallResult{}, err
	}

	stamp := hs.Stamp + uint32(time.Since(hs.At)/time.Second)

	body := struct {
		ID     uint32 `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params"`
	}{ID: id, Method: method, Params: params}

	plaintext, err := json.Marshal(body)
	if err != nil {
		c.removePending(id)
		return CallResult{}, fmt.Errorf("attempt call: marshal request: %w", err)
	}

	pkt, err := SerializeRequest(Request{DeviceID: hs.DeviceID, Stamp: stamp, Plaintext: plaintext}, c.token)
	if err != nil {
		c.removePending(id)
		return CallResult{}, fmt.Errorf("attempt call: %w", err)
	}
	wire, err := pkt.Serialize()
	if err != nil {
		c.removePending(id)
		return CallResult{}, fmt.Errorf("attempt call: %w", err)
	}

	if err := c.transport.Send(ctx, wire, c.addr, c.port); err != nil {
		c.removePending(id)
		return CallResult{}, fmt.Errorf("attempt call: %w: %w", ErrIO, err)
	}
	c.stats.callsSent.Add(1)
	c.emit(EventCallSent)

	cctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	reply, err := c.awaitPending(cctx, id, pc)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.stats.timeouts.Add(1)
			c.emit(EventTimeout)
		}
		if errors.Is(err, ErrChecksumMismatch) {
			c.stats.checksumMismatches.Add(1)
			c.emit(EventChecksumMismatch)
		}
		return CallResult{}, err
	}

	var result CallResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return CallResult{}, fmt.Errorf("attempt call: decode reply: %w: %w", ErrInvalidReply, err)
	}
	return result, nil
}

// ensureHandshake returns the cached handshake if it is still within its
// TTL and has not been invalidated, otherwise performs one via singleflight
// so concurrent callers collapse into a single handshake round trip (spec
// §5: "concurrent callers MUST wait for it rather than initiate a
// second"). fresh reports whether this call went through that round trip
// (leader or follower) rather than reusing an already-fresh cache entry.
func (c *Client) ensureHandshake(ctx context.Context) (HandshakeInfo, bool, error) {
	c.mu.Lock()
	if c.handshake != nil && !c.invalidated && time.Since(c.handshake.At) <= c.handshakeTTL {
		hs := *c.handshake
		c.mu.Unlock()
		return hs, false, nil
	}
	c.mu.Unlock()

	v, err, _ := c.hsGroup.Do("handshake", func() (any, error) {
		return c.performHandshake(ctx)
	})
	if err != nil {
		return HandshakeInfo{}, false, err
	}
	return v.(HandshakeInfo), true, nil
}

func (c *Client) performHandshake(ctx context.Context) (HandshakeInfo, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return HandshakeInfo{}, ErrSessionClosed
	}
	pc := &pendingHandshakeCall{resultCh: make(chan handshakeResult, 1)}
	c.pendingHandshake = pc
	c.mu.Unlock()

	pkt, err := SerializeRequest(Request{Handshake: true}, c.token)
	if err != nil {
		c.clearPendingHandshake(pc)
		return HandshakeInfo{}, fmt.Errorf("handshake: %w", err)
	}
	wire, err := pkt.Serialize()
	if err != nil {
		c.clearPendingHandshake(pc)
		return HandshakeInfo{}, fmt.Errorf("handshake: %w", err)
	}

	if err := c.transport.Send(ctx, wire, c.addr, c.port); err != nil {
		c.clearPendingHandshake(pc)
		return HandshakeInfo{}, fmt.Errorf("handshake: %w: %w", ErrIO, err)
	}
	c.emit(EventHandshakeSent)

	hctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case res := <-pc.resultCh:
		if res.err != nil {
			return HandshakeInfo{}, res.err
		}
		hs := HandshakeInfo{DeviceID: res.deviceID, Stamp: res.stamp, At: time.Now()}
		c.mu.Lock()
		c.handshake = &hs
		c.invalidated = false
		c.mu.Unlock()
		c.stats.handshakes.Add(1)
		c.emit(EventHandshakeComplete)
		return hs, nil
	case <-hctx.Done():
		c.clearPendingHandshake(pc)
		return HandshakeInfo{}, fmt.Errorf("handshake: %w", ErrTimeout)
	}
}

func (c *Client) clearPendingHandshake(pc *pendingHandshakeCall) {
	c.mu.Lock()
	if c.pendingHandshake == pc {
		c.pendingHandshake = nil
	}
	c.mu.Unlock()
}

func (c *Client) registerPending() (uint32, *pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrSessionClosed
	}
	c.counter++
	id := c.counter
	pc := &pendingCall{resultCh: make(chan pendingResult, 1)}
	c.pending[id] = pc
	return id, pc, nil
}

func (c *Client) removePending(id uint32) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// awaitPending waits for either pc's result or ctx's deadline, resolving
// the race where both fire around the same instant by preferring an
// already-delivered result over reporting a spurious timeout — the
// waiting call always observes the real outcome, never both.
func (c *Client) awaitPending(ctx context.Context, id uint32, pc *pendingCall) ([]byte, error) {
	select {
	case res := <-pc.resultCh:
		return res.plaintext, res.err
	case <-ctx.Done():
		c.mu.Lock()
		cur, ok := c.pending[id]
		if ok && cur == pc {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if !ok {
			res := <-pc.resultCh
			return res.plaintext, res.err
		}
		return nil, ErrTimeout
	}
}

// handleInbound is the Transport.Subscribe callback: it parses, classifies,
// and routes one inbound datagram to the pending call or handshake it
// resolves.
func (c *Client) handleInbound(b []byte, addr netip.Addr, port uint16) {
	if addr != c.addr || port != c.port {
		return
	}

	pkt, err := ParsePacket(b)
	if err != nil {
		c.logger.Debug("dropping malformed frame", slog.String("error", err.Error()))
		return
	}

	resp, err := DeserializeResponse(pkt, c.token)
	if err != nil {
		c.routeWireError(err)
		return
	}

	if resp.Handshake {
		c.routeHandshakeReply(resp)
		return
	}
	c.routeNormalReply(resp)
}

func (c *Client) routeHandshakeReply(resp Response) {
	c.mu.Lock()
	pc := c.pendingHandshake
	c.pendingHandshake = nil
	c.mu.Unlock()

	if pc == nil {
		c.logger.Debug("dropping unexpected handshake reply")
		return
	}
	pc.resultCh <- handshakeResult{deviceID: resp.DeviceID, stamp: resp.Stamp}
}

func (c *Client) routeNormalReply(resp Response) {
	var env struct {
		ID uint32 `json:"id"`
	}
	if err := json.Unmarshal(resp.Plaintext, &env); err != nil {
		c.logger.Debug("dropping reply with unparseable id", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply for unknown or expired request", slog.Uint64("id", uint64(env.ID)))
		return
	}
	pc.resultCh <- pendingResult{plaintext: resp.Plaintext}
}

// routeWireError attributes a wire-level decode failure (checksum
// mismatch, decrypt failure) to the single pending Normal call, if exactly
// one is outstanding — the failure occurs before any id can be extracted,
// so with more than one candidate or none the datagram is dropped with a
// log instead of guessing.
func (c *Client) routeWireError(err error) {
	c.mu.Lock()
	var target *pendingCall
	var targetID uint32
	if len(c.pending) == 1 {
		for id, pc := range c.pending {
			target, targetID = pc, id
		}
	}
	if target != nil {
		delete(c.pending, targetID)
	}
	c.mu.Unlock()

	if target == nil {
		c.logger.Debug("dropping undeliverable wire error", slog.String("error", err.Error()))
		return
	}
	target.resultCh <- pendingResult{err: err}
}
