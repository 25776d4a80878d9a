// SPDX-License-Identifier: Apache-2.0

// Package sse is a reconnecting text/event-stream client. Every callback for
// one connection runs on that connection's goroutine, in stream order.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type State string

const (
	StateDisconnected        State = "DISCONNECTED"
	StateConnecting          State = "CONNECTING"
	StateConnected           State = "CONNECTED"
	StateError               State = "ERROR"
	StateMaxReconnectReached State = "MAX_RECONNECT_REACHED"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = 3 * time.Second
)

var ErrInvalidOptions = errors.New("invalid sse options")

// StatusError is reported when the server answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected sse response status: %d", e.Code)
}

type Options struct {
	URL    string
	Method string
	Body   []byte
	Header http.Header

	OnOpen                        func()
	OnMessage                     func(Event)
	OnError                       func(error)
	OnClose                       func()
	OnMaxReconnectAttemptsReached func(attempts int)
	OnStateChange                 func(State)

	// MaxReconnectAttempts bounds consecutive reconnects after a failure.
	// Zero selects DefaultMaxReconnectAttempts; negative disables reconnects.
	MaxReconnectAttempts int
	// ReconnectInterval is the fixed wait between attempts.
	ReconnectInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Conn is a live (or reconnecting) stream. Disconnect stops it.
type Conn struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	maxAttempts int
	interval    time.Duration

	mu          sync.Mutex
	state       State
	stopped     bool
	lastEventID string
	reconnects  int

	disconnectOnce sync.Once
}

// Connect validates opts and starts streaming in the background. Errors
// after this point are reported through the callbacks only.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	maxAttempts := opts.MaxReconnectAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = DefaultMaxReconnectAttempts
	case maxAttempts < 0:
		maxAttempts = 0
	}
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:        opts,
		client:      client,
		logger:      logger,
		ctx:         streamCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		maxAttempts: maxAttempts,
		interval:    interval,
		state:       StateDisconnected,
	}

	go c.run()
	return c, nil
}

func validateOptions(opts *Options) error {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidOptions)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: bad url %q", ErrInvalidOptions, raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOptions, parsed.Scheme)
	}
	opts.URL = raw

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidOptions, opts.Method)
	}
	opts.Method = method
	return nil
}

// Disconnect closes the stream. It is idempotent and safe to call from
// inside any callback. OnClose still fires once the loop exits.
func (c *Conn) Disconnect() {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		prev := c.state
		c.state = StateDisconnected
		c.mu.Unlock()

		c.cancel()
		if prev != StateDisconnected {
			c.safeCall("state_change", func() {
				if c.opts.OnStateChange != nil {
					c.opts.OnStateChange(StateDisconnected)
				}
			})
		}
	})
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts is the number of reconnects made since the last
// successful open.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Conn) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Done is closed when the connection loop has exited for good.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) run() {
	defer close(c.done)
	defer c.safeCall("close", func() {
		if c.opts.OnClose != nil {
			c.opts.OnClose()
		}
	})

	schedule := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), uint64(c.maxAttempts))

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		err := c.stream(schedule)
		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}

		c.setState(StateError)
		c.logger.Warn("sse stream failed", "url", c.opts.URL, "error", err)
		c.fire("error", func() {
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
		})

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			attempts := c.ReconnectAttempts()
			c.setState(StateMaxReconnectReached)
			c.logger.Error("sse reconnect attempts exhausted", "url", c.opts.URL, "attempts", attempts)
			c.fire("max_reconnect", func() {
				if c.opts.OnMaxReconnectAttemptsReached != nil {
					c.opts.OnMaxReconnectAttemptsReached(attempts)
				}
			})
			c.cancel()
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.reconnects++
		attempt := c.reconnects
		c.mu.Unlock()
		c.logger.Info("sse reconnecting", "url", c.opts.URL, "attempt", attempt, "max_attempts", c.maxAttempts)
	}
}

// stream runs one connection attempt. A nil return means the server closed
// the stream cleanly.
func (c *Conn) stream(schedule backoff.BackOff) error {
	var body io.Reader
	if len(c.opts.Body) > 0 {
		body = bytes.NewReader(c.opts.Body)
	}

	req, err := http.NewRequestWithContext(c.ctx, c.opts.Method, c.opts.URL, body)
	if err != nil {
		return err
	}
	for k, vals := range c.opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Code: resp.StatusCode}
	}

	schedule.Reset()
	c.mu.Lock()
	c.reconnects = 0
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Debug("sse connected", "url", c.opts.URL)
	c.fire("open", func() {
		if c.opts.OnOpen != nil {
			c.opts.OnOpen()
		}
	})

	reader := NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ev.ID != "" {
			c.mu.Lock()
			c.lastEventID = ev.ID
			c.mu.Unlock()
		}
		c.fire("message", func() {
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(ev)
			}
		})
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.stopped || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.fire("state_change", func() {
		if c.opts.OnStateChange != nil {
			c.opts.OnStateChange(s)
		}
	})
}

func (c *Conn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// fire delivers a callback unless the connection was disconnected.
func (c *Conn) fire(name string, fn func()) {
	if c.isStopped() {
		return
	}
	c.safeCall(name, fn)
}

func (c *Conn) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sse callback panicked", "callback", name, "url", c.opts.URL, "panic", r)
		}
	}()
	fn()
}
