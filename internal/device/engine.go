package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/racectl/internal/observability"
	"github.com/danmuck/racectl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Options configures engine retry and layout behavior.
type Options struct {
	Capacity           int
	MaxAttempts        int
	RetryDelay         time.Duration
	// SettleDelay is the wait between writing a command and reading its
	// response. Links that only offer Exchange ignore it.
	SettleDelay        time.Duration
	PilotFlashOffset   int
	CalibrationTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Capacity:           frame.Capacity,
		MaxAttempts:        3,
		RetryDelay:         0,
		SettleDelay:        0,
		PilotFlashOffset:   8,
		CalibrationTimeout: 30 * time.Second,
	}
}

// WithDefaults fills zero values from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Capacity <= 0 {
		o.Capacity = d.Capacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.PilotFlashOffset < 0 {
		o.PilotFlashOffset = d.PilotFlashOffset
	}
	if o.CalibrationTimeout <= 0 {
		o.CalibrationTimeout = d.CalibrationTimeout
	}
	return o
}

// Engine is the command protocol engine for one transponder link.
type Engine struct {
	link  Link
	codec frame.Codec
	opts  Options

	// token is held for every device round trip and every cache access.
	token chan struct{}

	pilotCount      int
	pilotCountValid bool
	pilotFreqs      [MaxPilots]int
}

func NewEngine(link Link, opts Options) *Engine {
	opts = opts.WithDefaults()
	return &Engine{
		link:  link,
		codec: frame.Codec{Capacity: opts.Capacity},
		opts:  opts,
		token: make(chan struct{}, 1),
	}
}

func (e *Engine) Options() Options {
	return e.opts
}

// Connect opens the link and drops any cached device state.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.link.Connect(ctx); err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	e.invalidatePilotsLocked()
	return nil
}

func (e *Engine) Disconnect() error {
	return e.link.Disconnect()
}

func (e *Engine) State() ConnectionState {
	return e.link.State()
}

// States streams link connection state transitions.
func (e *Engine) States() (<-chan ConnectionState, func()) {
	return e.link.States()
}

// Exchange performs one write+read of cmd and returns the decoded response.
func (e *Engine) Exchange(ctx context.Context, cmd Command) (string, error) {
	if err := e.acquire(ctx); err != nil {
		return "", err
	}
	defer e.release()
	return e.exchangeLocked(ctx, cmd)
}

// ExchangeWithRetry repeats cmd until isExpected accepts the response, up to
// MaxAttempts times. Link faults are retried; any other error is returned as is.
func (e *Engine) ExchangeWithRetry(ctx context.Context, cmd Command, isExpected func(Response) bool) (Response, error) {
	if err := e.acquire(ctx); err != nil {
		return Response{}, err
	}
	defer e.release()
	return e.exchangeWithRetryLocked(ctx, cmd, isExpected)
}

// ReadKeyedValue issues cmd and returns the value of a KEY:value response.
func (e *Engine) ReadKeyedValue(ctx context.Context, cmd Command, key string) (string, error) {
	if err := e.acquire(ctx); err != nil {
		return "", err
	}
	defer e.release()
	return e.readKeyedValueLocked(ctx, cmd, key)
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.token
}

func (e *Engine) encode(cmd Command) ([]byte, error) {
	if cmd.Code == "" {
		return nil, validationError("empty command")
	}
	buf, err := e.codec.Encode(cmd.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return buf, nil
}

func (e *Engine) exchangeLocked(ctx context.Context, cmd Command) (string, error) {
	buf, err := e.encode(cmd)
	if err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := e.roundTrip(ctx, buf)
	observability.RecordDeviceExchange(cmd.Code, err, time.Since(start))
	if err != nil {
		return "", err
	}
	text := e.codec.Decode(resp)
	log.Debug().Str("command", cmd.String()).Str("response", text).Msg("device exchange")
	return text, nil
}

func (e *Engine) roundTrip(ctx context.Context, buf []byte) ([]byte, error) {
	r, ok := e.link.(ResponseReader)
	if !ok || e.opts.SettleDelay <= 0 {
		return e.link.Exchange(ctx, buf)
	}
	if err := e.link.Write(ctx, buf); err != nil {
		return nil, err
	}
	if err := sleepContext(ctx, e.opts.SettleDelay); err != nil {
		return nil, err
	}
	return r.Read(ctx)
}

func (e *Engine) writeLocked(ctx context.Context, cmd Command) error {
	buf, err := e.encode(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	err = e.link.Write(ctx, buf)
	observability.RecordDeviceExchange(cmd.Code, err, time.Since(start))
	return err
}

func (e *Engine) exchangeWithRetryLocked(ctx context.Context, cmd Command, isExpected func(Response) bool) (Response, error) {
	var last error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			observability.RecordDeviceRetry(cmd.Code)
			if err := sleepContext(ctx, e.opts.RetryDelay); err != nil {
				return Response{}, err
			}
		}
		text, err := e.exchangeLocked(ctx, cmd)
		if err != nil {
			if !errors.Is(err, ErrDevice) {
				return Response{}, err
			}
			last = err
			log.Debug().Str("command", cmd.String()).Int("attempt", attempt).Err(err).Msg("device exchange failed")
			continue
		}
		resp := ParseResponse(text)
		if isExpected(resp) {
			return resp, nil
		}
		log.Debug().Str("command", cmd.String()).Int("attempt", attempt).Str("response", text).Msg("unexpected device response")
	}
	return Response{}, &ProtocolError{Command: cmd.String(), Attempts: e.opts.MaxAttempts, Last: last}
}

func (e *Engine) readKeyedValueLocked(ctx context.Context, cmd Command, key string) (string, error) {
	resp, err := e.exchangeWithRetryLocked(ctx, cmd, KeyIs(key))
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (e *Engine) readKeyedIntLocked(ctx context.Context, cmd Command, key string) (int, error) {
	resp, err := e.exchangeWithRetryLocked(ctx, cmd, func(r Response) bool {
		if !KeyIs(key)(r) {
			return false
		}
		_, err := r.Int()
		return err == nil
	})
	if err != nil {
		return 0, err
	}
	return resp.Int()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
