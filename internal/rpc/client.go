package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosed completes every outstanding call when the peer's stdout reaches
// EOF or the client is closed.
var ErrClosed = errors.New("worker exited")

// maxLineSize bounds a single stdout line; preview frames are base64 and
// can run several megabytes.
const maxLineSize = 32 * 1024 * 1024

// Request is a JSON-RPC 2.0 request written to the worker's stdin.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response is a JSON-RPC 2.0 response read from the worker's stdout.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ResponseError  `json:"error"`
}

// ResponseError is the error member of a failed response.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Client is a line-delimited JSON-RPC 2.0 client over a pair of byte
// streams, one request line out, one response line in. A single writer
// goroutine discipline is enforced with a mutex; a single reader drains the
// input stream. Stdout lines that do not parse as JSON, or parse without an
// id, are treated as worker log output and handed to the log callback.
type Client struct {
	w  io.Writer
	wc io.Closer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *Response
	closed  bool

	onLog func(line string)
	log   *zap.SugaredLogger
}

// NewClient starts the reader goroutine immediately. onLog may be nil.
func NewClient(w io.WriteCloser, r io.Reader, onLog func(string), log *zap.SugaredLogger) *Client {
	c := &Client{
		w:       w,
		wc:      w,
		pending: make(map[int64]chan *Response),
		onLog:   onLog,
		log:     log,
	}
	go c.readLoop(r)
	return c
}

// Call issues a request and waits for the matching response, the context
// deadline or stream closure, whichever comes first. On timeout the pending
// entry is dropped so a late response is discarded by the reader.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = ch

	line, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return errors.Wrap(err, "marshal request")
	}
	_, err = c.w.Write(append(line, '\n'))
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return errors.Wrapf(err, "write %s request", method)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return ErrClosed
		}
		if resp.Error != nil {
			return errors.Errorf("%s: %s", method, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Wrapf(err, "decode %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return errors.Wrapf(ctx.Err(), "%s call", method)
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close fails all outstanding calls and closes the write side, which a
// well-behaved worker takes as its shutdown cue.
func (c *Client) Close() error {
	c.failAll()
	if c.wc != nil {
		return c.wc.Close()
	}
	return nil
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- nil
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			if c.onLog != nil {
				c.onLog(string(line))
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			c.log.Debugw("dropping response with no pending call", "id", *resp.ID)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.log.Debugw("rpc stream read ended", "err", err)
	}
	c.failAll()
}
