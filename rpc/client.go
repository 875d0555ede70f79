// Package rpc implements a client for the Electrum Stratum JSON-RPC
// protocol, carried over a persistent TCP stream dialed through a local
// SOCKS5 proxy.
package rpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/duskwallet/core/errs"
)

// requestLimitTokens and requestLimitInterval bound how fast one
// connection sends requests to its server. Public Electrum servers ban
// clients that hammer them, so this throttles Request itself rather than
// leaving callers to self-regulate.
const (
	requestLimitTokens   = 30
	requestLimitInterval = time.Second
)

// DefaultRequestTimeout bounds how long a single request() call waits for
// its matching response before failing.
const DefaultRequestTimeout = 30 * time.Second

// DefaultDialTimeout bounds connection establishment, distinct from and
// shorter than the per-request timeout.
const DefaultDialTimeout = 10 * time.Second

// Notification is one server-pushed message for a subscription, e.g. a
// scripthash status change.
type Notification struct {
	Method string
	Params []json.RawMessage
}

type wireRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wireResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
	Method string          `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pending struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Client is a single Electrum server connection. It owns the socket as a
// single writer, and a single reader goroutine that dispatches replies by
// id and fans notifications into one shared channel.
type Client struct {
	conn net.Conn
	rw   *bufio.ReadWriter

	writeMu sync.Mutex

	nextID uint64

	mu      sync.Mutex
	waiting map[uint64]*pending
	closed  bool
	closeErr error

	notifyCh chan Notification

	limiter limiter.Store

	wg sync.WaitGroup
}

// Dial connects to addr (host:port) through the SOCKS5 proxy at
// proxyAddr, optionally over TLS, and starts the client's reader
// goroutine. On failure the whole session should be considered dead —
// higher layers decide whether to retry with another server.
func Dial(ctx context.Context, proxyAddr, addr string, useTLS bool) (*Client, error) {
	dial := socks.DialSocksProxy(socks.SOCKS5, proxyAddr)

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := dial("tcp", addr)
		resCh <- dialResult{conn, err}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	var conn net.Conn
	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, errs.Network(res.err, "dial %s via socks5 proxy %s", addr, proxyAddr)
		}
		conn = res.conn
	case <-dialCtx.Done():
		return nil, errs.Network(dialCtx.Err(), "dial %s via socks5 proxy %s timed out", addr, proxyAddr)
	}

	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(addr)})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, errs.Network(err, "tls handshake with %s", addr)
		}
		conn = tlsConn
	}

	return newClient(conn), nil
}

// newClient wraps an already-established connection, starting the reader
// goroutine. Split out of Dial so tests can exercise the wire protocol
// over an in-process pipe without a real SOCKS5 proxy.
func newClient(conn net.Conn) *Client {
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   requestLimitTokens,
		Interval: requestLimitInterval,
	})
	if err != nil {
		// requestLimitTokens/Interval are fixed valid constants; New only
		// fails on a malformed Config, so this is unreachable in practice.
		// Request falls back to unthrottled rather than refusing to dial.
		log.Println("rpc: outbound rate limiter disabled:", err)
	}

	c := &Client{
		conn:     conn,
		rw:       bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		waiting:  make(map[uint64]*pending),
		notifyCh: make(chan Notification, 256),
		limiter:  store,
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Request sends method(args...), assigns a monotonically increasing id,
// and blocks until the matching response arrives, ctx is cancelled, or
// the client's per-call timeout expires.
func (c *Client) Request(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	if args == nil {
		args = []interface{}{}
	}
	id := atomic.AddUint64(&c.nextID, 1)
	p := &pending{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, errs.Network(err, "client is closed")
	}
	c.waiting[id] = p
	c.mu.Unlock()

	req := wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: args}
	line, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return nil, errs.Crypto("marshal rpc request: %v", err)
	}

	c.writeMu.Lock()
	_, writeErr := c.rw.Write(append(line, '\n'))
	if writeErr == nil {
		writeErr = c.rw.Flush()
	}
	c.writeMu.Unlock()
	if writeErr != nil {
		c.forget(id)
		return nil, errs.Network(writeErr, "write rpc request %s", method)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	select {
	case res := <-p.resultCh:
		return res, nil
	case err := <-p.errCh:
		return nil, err
	case <-timeoutCtx.Done():
		c.forget(id)
		if ctx.Err() != nil {
			return nil, errs.Cancelled(ctx.Err())
		}
		return nil, errs.Network(timeoutCtx.Err(), "rpc request %s timed out", method)
	}
}

// throttle blocks until the connection's outbound rate limiter admits
// another request, or ctx is done. A nil limiter (construction failed)
// is treated as unthrottled.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for {
		_, _, reset, ok, err := c.limiter.Take(ctx, "rpc")
		if err != nil {
			return errs.Network(err, "rate limit outbound rpc request")
		}
		if ok {
			return nil
		}

		wait := time.Until(time.Unix(0, int64(reset)))
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errs.Cancelled(ctx.Err())
		}
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

// Subscribe sends method(args...) exactly like Request and returns its
// initial synchronous result; any later server-pushed messages sharing
// method are delivered through Notifications.
func (c *Client) Subscribe(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	return c.Request(ctx, method, args...)
}

// Notifications returns the channel every subscription's later
// server-pushed messages are enqueued into. There is one channel per
// Client, multiplexing all subscriptions, matching how the shared
// connection carries exactly one notification queue.
func (c *Client) Notifications() <-chan Notification {
	return c.notifyCh
}

// Consume runs handler for every notification until ctx is cancelled or
// the client closes.
func (c *Client) Consume(ctx context.Context, handler func(Notification)) error {
	for {
		select {
		case <-ctx.Done():
			return errs.Cancelled(ctx.Err())
		case n, ok := <-c.notifyCh:
			if !ok {
				return errs.Network(c.closeErr, "notification channel closed")
			}
			handler(n)
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.notifyCh)

	for {
		line, err := c.rw.ReadBytes('\n')
		if err != nil {
			c.fail(errs.Network(err, "read from rpc connection"))
			return
		}
		if len(line) == 0 {
			continue
		}

		var resp wireResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		if resp.Method != "" && resp.ID == 0 {
			select {
			case c.notifyCh <- Notification{Method: resp.Method, Params: resp.Params}:
			default:
			}
			continue
		}

		c.mu.Lock()
		p, ok := c.waiting[resp.ID]
		if ok {
			delete(c.waiting, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		if resp.Error != nil {
			p.errCh <- errs.RPC(resp.Error.Code, resp.Error.Message)
		} else {
			p.resultCh <- resp.Result
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	waiting := c.waiting
	c.waiting = nil
	c.mu.Unlock()

	for _, p := range waiting {
		p.errCh <- err
	}
	c.conn.Close()
}

// Close shuts the connection down, draining in-flight requests with a
// network error and closing the notification channel.
func (c *Client) Close() error {
	c.fail(errs.Network(nil, "client closed"))
	c.wg.Wait()
	if c.limiter != nil {
		c.limiter.Close(context.Background())
	}
	return nil
}
