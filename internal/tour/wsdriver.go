package tour

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/guidebot/internal/domain"
	"github.com/coder/websocket"
)

// ErrDriverClosed is returned for calls issued after the page connection went away.
var ErrDriverClosed = errors.New("page driver closed")

// Operations understood by the page bridge script.
const (
	opLocate   = "locate"
	opVisible  = "visible"
	opBox      = "box"
	opScroll   = "scroll"
	opInteract = "interact"
	opViewport = "viewport"
)

type rpcRequest struct {
	Type        string             `json:"type"`
	ID          int64              `json:"id"`
	Op          string             `json:"op"`
	Locator     string             `json:"locator,omitempty"`
	Interaction domain.Interaction `json:"interaction,omitempty"`
}

// RPCResult is the page's answer to one driver call.
type RPCResult struct {
	ID       int64     `json:"id"`
	Found    bool      `json:"found"`
	Visible  bool      `json:"visible"`
	Box      *Box      `json:"box,omitempty"`
	Viewport *Viewport `json:"viewport,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// WSDriver drives the page over the tour WebSocket. Each call is a JSON request
// answered asynchronously by an rpc_result message matched on id.
type WSDriver struct {
	send    func(ctx context.Context, data []byte) error
	timeout time.Duration
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan RPCResult
	closed  chan struct{}
	once    sync.Once
}

// NewWSDriver creates a driver writing to conn. Replies must be passed to Deliver.
func NewWSDriver(conn *websocket.Conn, timeout time.Duration) *WSDriver {
	return newWSDriver(func(ctx context.Context, data []byte) error {
		return conn.Write(ctx, websocket.MessageText, data)
	}, timeout)
}

func newWSDriver(send func(context.Context, []byte) error, timeout time.Duration) *WSDriver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WSDriver{
		send:    send,
		timeout: timeout,
		pending: make(map[int64]chan RPCResult),
		closed:  make(chan struct{}),
	}
}

// Deliver routes a reply to its waiting call. Unknown ids are dropped.
func (d *WSDriver) Deliver(res RPCResult) {
	d.mu.Lock()
	ch, ok := d.pending[res.ID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// Close fails every pending and future call.
func (d *WSDriver) Close() {
	d.once.Do(func() { close(d.closed) })
}

func (d *WSDriver) call(ctx context.Context, req rpcRequest) (RPCResult, error) {
	select {
	case <-d.closed:
		return RPCResult{}, ErrDriverClosed
	default:
	}

	req.Type = "rpc"
	req.ID = d.nextID.Add(1)
	ch := make(chan RPCResult, 1)

	d.mu.Lock()
	d.pending[req.ID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return RPCResult{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.send(ctx, data); err != nil {
		return RPCResult{}, fmt.Errorf("send %s request: %w", req.Op, err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return res, fmt.Errorf("page %s: %s", req.Op, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return RPCResult{}, ctx.Err()
	case <-d.closed:
		return RPCResult{}, ErrDriverClosed
	}
}

// Locate asks the page whether locator matches an element.
func (d *WSDriver) Locate(ctx context.Context, locator string) (Element, error) {
	res, err := d.call(ctx, rpcRequest{Op: opLocate, Locator: locator})
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, ErrElementNotFound
	}
	return &wsElement{d: d, locator: locator}, nil
}

// Viewport returns the page's visible area.
func (d *WSDriver) Viewport(ctx context.Context) (Viewport, error) {
	res, err := d.call(ctx, rpcRequest{Op: opViewport})
	if err != nil {
		return Viewport{}, err
	}
	if res.Viewport == nil {
		return Viewport{}, errors.New("page returned no viewport")
	}
	return *res.Viewport, nil
}

// wsElement is stateless: each call re-resolves the locator in the page.
type wsElement struct {
	d       *WSDriver
	locator string
}

func (e *wsElement) Visible(ctx context.Context) (bool, error) {
	res, err := e.d.call(ctx, rpcRequest{Op: opVisible, Locator: e.locator})
	if err != nil {
		return false, err
	}
	return res.Found && res.Visible, nil
}

func (e *wsElement) BoundingBox(ctx context.Context) (Box, error) {
	res, err := e.d.call(ctx, rpcRequest{Op: opBox, Locator: e.locator})
	if err != nil {
		return Box{}, err
	}
	if !res.Found || res.Box == nil {
		return Box{}, ErrElementNotFound
	}
	return *res.Box, nil
}

func (e *wsElement) ScrollIntoView(ctx context.Context) error {
	_, err := e.d.call(ctx, rpcRequest{Op: opScroll, Locator: e.locator})
	return err
}

func (e *wsElement) Interact(ctx context.Context, kind domain.Interaction) error {
	res, err := e.d.call(ctx, rpcRequest{Op: opInteract, Locator: e.locator, Interaction: kind})
	if err != nil {
		return err
	}
	if !res.Found {
		return ErrElementNotFound
	}
	return nil
}
