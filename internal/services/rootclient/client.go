// Package rootclient binds to rootd and proxies privileged.Service over the socket.
// A dead connection is rebound on the next call; an exhausted retry budget is
// reported once through OnError.
package rootclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/metrics"
	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrServiceUnavailable is returned once every bind attempt of a cycle failed.
var ErrServiceUnavailable = errors.New("root service unavailable")

// Defaults used when settings leave a value unset.
const (
	DefaultBindTimeout = 8 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second
)

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is one bound connection to rootd.
type Session struct {
	client *rpc.Client
	done   <-chan struct{}
}

// NewSession wraps an rpc client. done must close when the connection dies.
func NewSession(client *rpc.Client, done <-chan struct{}) *Session {
	return &Session{client: client, done: done}
}

// Done is closed when the connection dies.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) call(ctx context.Context, method string, args, reply any) error {
	call := s.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func (s *Session) close() {
	_ = s.client.Close()
}

// Binder produces a new Session. Bind must honor ctx.
type Binder interface {
	Bind(ctx context.Context) (*Session, error)
}

// Client implements privileged.Service by calling rootd.
type Client struct {
	binder      Binder
	clock       clock.Clock
	bindTimeout time.Duration
	maxRetries  int
	retryDelay  time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	state    State
	session  *Session
	onError  func(error)
	rebind   context.Context
	stopBind context.CancelFunc
}

var _ privileged.Service = (*Client)(nil)

// New creates a client. Nothing is dialled until the first call.
func New(logger zerolog.Logger, settings models.RootSettings, binder Binder, m *metrics.Metrics) *Client {
	return NewWithClock(logger, settings, binder, m, clock.WallClock)
}

// NewWithClock creates a client with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, settings models.RootSettings, binder Binder, m *metrics.Metrics, clk clock.Clock) *Client {
	c := &Client{
		binder:      binder,
		clock:       clk,
		bindTimeout: settings.BindTimeout,
		maxRetries:  settings.MaxRetries,
		retryDelay:  settings.RetryDelay,
		metrics:     m,
		logger:      logger,
	}
	if c.bindTimeout <= 0 {
		c.bindTimeout = DefaultBindTimeout
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.retryDelay < 0 {
		c.retryDelay = DefaultRetryDelay
	}
	c.rebind, c.stopBind = context.WithCancel(context.Background())
	return c
}

// OnError registers the callback invoked once per exhausted bind cycle.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect binds eagerly. Calls bind on demand, so this is optional.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.getService(ctx)
	return err
}

// Disconnect tears the connection down. The next call binds again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.state = Disconnected
	c.stopBind()
	c.rebind, c.stopBind = context.WithCancel(context.Background())
	c.mu.Unlock()

	if s != nil {
		s.close()
		c.logger.Debug().Msg("disconnected from rootd")
	}
}

// DestroyService asks rootd to exit and disconnects.
func (c *Client) DestroyService(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	var ok bool
	err := s.call(ctx, privileged.ServiceName+".Destroy", &privileged.Args{}, &ok)
	c.Disconnect()
	if err != nil {
		return fmt.Errorf("destroying rootd: %w", err)
	}
	return nil
}

// Ping returns the version reported by rootd.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var version string
	if err := c.call(ctx, "Ping", &privileged.Args{}, &version); err != nil {
		return "", err
	}
	return version, nil
}

// getService returns the live session, binding one if needed. Concurrent
// callers share a single bind cycle. The cycle runs on the client lifetime
// context, so a caller giving up only stops its own wait.
func (c *Client) getService(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session != nil {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	lifetime := c.rebind
	c.mu.Unlock()

	ch := c.group.DoChan("bind", func() (any, error) {
		return c.bind(lifetime)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// bind runs one cycle of up to maxRetries attempts. OnError fires only when
// every attempt failed in the binder; a cycle stopped by Disconnect does not
// count as exhausted.
func (c *Client) bind(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.session != nil {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.state = Connecting
	c.mu.Unlock()

	var lastErr error
	exhausted := true
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
			case <-c.clock.After(c.retryDelay):
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			exhausted = false
			break
		}

		bctx, cancel := context.WithTimeout(ctx, c.bindTimeout)
		s, err := c.binder.Bind(bctx)
		cancel()
		if err == nil {
			if ctx.Err() != nil {
				// Disconnected while binding.
				s.close()
				lastErr = ctx.Err()
				exhausted = false
				break
			}
			c.metrics.BindAttempt("ok")
			c.attach(s)
			c.logger.Debug().Int("attempt", attempt).Msg("bound to rootd")
			return s, nil
		}

		c.metrics.BindAttempt("error")
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max", c.maxRetries).Msg("binding rootd failed")
	}

	c.mu.Lock()
	c.state = Disconnected
	onError := c.onError
	c.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrServiceUnavailable, lastErr)
	if exhausted && onError != nil {
		onError(err)
	}
	return nil, err
}

// attach installs s and watches it for death.
func (c *Client) attach(s *Session) {
	c.mu.Lock()
	c.session = s
	c.state = Connected
	rebind := c.rebind
	c.mu.Unlock()

	go func() {
		<-s.Done()
		if !c.detach(s) {
			return
		}
		c.logger.Warn().Msg("rootd connection lost, rebinding")
		if rebind.Err() != nil {
			return
		}
		if _, err := c.getService(rebind); err != nil {
			c.logger.Error().Err(err).Msg("rebinding rootd failed")
		}
	}()
}

// detach drops s if it is still the current session.
func (c *Client) detach(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return false
	}
	c.session = nil
	c.state = Disconnected
	s.close()
	return true
}

// call invokes a Root method. Transport failures mark the session dead.
func (c *Client) call(ctx context.Context, method string, args *privileged.Args, reply any) error {
	s, err := c.getService(ctx)
	if err != nil {
		c.metrics.RPCCall(method, "unavailable")
		return err
	}

	err = s.call(ctx, privileged.ServiceName+"."+method, args, reply)
	switch {
	case err == nil:
		c.metrics.RPCCall(method, "ok")
	case errors.Is(err, rpc.ErrShutdown), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		c.metrics.RPCCall(method, "dead")
		c.detach(s)
		c.logger.Warn().Err(err).Str("method", method).Msg("rootd connection died during call")
	default:
		c.metrics.RPCCall(method, "error")
		c.logger.Debug().Err(err).Str("method", method).Msg("rootd call failed")
	}
	return err
}

// invoke calls method and returns def on any failure.
func invoke[T any](ctx context.Context, c *Client, method string, args *privileged.Args, def T) T {
	var reply T
	if err := c.call(ctx, method, args, &reply); err != nil {
		return def
	}
	return reply
}
