package eegolink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink/config"
	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the controller.
type State int

const (
	StateIdle      State = iota // no run active
	StatePreparing              // impedance check
	StateStreaming              // EEG acquisition
	StateStopping               // stop requested, waiting for the run to end
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrWrongState      = errors.New("operation not allowed in current state")
	ErrUnsupportedRate = errors.New("unsupported sampling rate")
)

type EventKind int

const (
	EventState EventKind = iota
	EventImpedance
	EventFault
	EventFinished
)

// Event is delivered on the controller's Events channel.
type Event struct {
	Kind    EventKind
	State   State
	Outcome Outcome
	Err     error
	Extrema *Extrema
	Result  *Result
}

type Status struct {
	State        State    `json:"state"`
	SamplingRate int      `json:"sampling_rate"`
	SessionID    string   `json:"session_id,omitempty"`
	LastOutcome  *Outcome `json:"last_outcome,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
	Chunks       int      `json:"chunks"`
	Samples      int      `json:"samples"`
	Markers      int      `json:"markers"`
}

// Controller starts, advances and stops acquisition runs. A new run always
// gets a new device session.
type Controller struct {
	ctx          context.Context
	params       RunParams
	open         device.Opener
	transport    outlet.Transport
	readerOpts   []ReaderOption
	stallTimeout time.Duration
	logger       zerolog.Logger
	events       chan Event

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	proceed   chan struct{}
	done      chan struct{}
	sessionID ulid.ULID
	lastPull  time.Time
	stalled   bool
	last      *Result
}

type ControllerOption func(c *Controller) error

func WithStallTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) error {
		if d < 0 {
			return fmt.Errorf("stall timeout must not be negative")
		}
		c.stallTimeout = d
		return nil
	}
}

func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) error {
		c.logger = logger
		return nil
	}
}

// WithReaderOptions are applied to every reader the controller starts.
func WithReaderOptions(opts ...ReaderOption) ControllerOption {
	return func(c *Controller) error {
		c.readerOpts = append(c.readerOpts, opts...)
		return nil
	}
}

// NewController creates an idle controller. Runs are bound to ctx.
func NewController(ctx context.Context, params RunParams, open device.Opener, transport outlet.Transport, opts ...ControllerOption) (*Controller, error) {
	if open == nil || transport == nil {
		return nil, fmt.Errorf("must specify device opener and transport")
	}
	if !config.ValidRate(params.SamplingRate) {
		return nil, fmt.Errorf("sampling rate %d: %w", params.SamplingRate, ErrUnsupportedRate)
	}
	c := &Controller{
		ctx:       ctx,
		params:    params,
		open:      open,
		transport: transport,
		logger:    log.Logger,
		events:    make(chan Event, 64),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Events delivers state changes, impedance readings and faults. Events are
// dropped when nobody reads them.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Controller) setState(s State) {
	c.state = s
	c.emit(Event{Kind: EventState, State: s})
}

// Link does what the single link button does: start when idle, advance past
// the impedance check when preparing, stop when streaming.
func (c *Controller) Link() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle:
		return c.start()
	case StatePreparing:
		return c.advance()
	case StateStreaming:
		return c.stop()
	default:
		return fmt.Errorf("cannot link while %s: %w", c.state, ErrWrongState)
	}
}

func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start()
}

func (c *Controller) start() error {
	if c.state != StateIdle {
		return fmt.Errorf("cannot start while %s: %w", c.state, ErrWrongState)
	}

	opts := append([]ReaderOption(nil), c.readerOpts...)
	opts = append(opts, WithObserver(controllerObserver{c}))
	reader, err := NewReader(c.params, c.open, c.transport, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.ctx)
	proceed := make(chan struct{})
	done := make(chan struct{})
	c.cancel = cancel
	c.proceed = proceed
	c.done = done
	c.lastPull = time.Now()
	c.stalled = false
	if c.params.SkipImpedance {
		c.setState(StateStreaming)
	} else {
		c.setState(StatePreparing)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		defer cancel()
		reader.Run(ctx, proceed)
		return nil
	})
	if c.stallTimeout > 0 {
		eg.Go(func() error {
			c.watch(ctx)
			return nil
		})
	}
	go func() {
		eg.Wait()
		close(done)
	}()

	c.logger.Info().Int("sampling_rate", c.params.SamplingRate).Msg("run started")
	return nil
}

// Advance ends the impedance check and starts EEG acquisition.
func (c *Controller) Advance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance()
}

func (c *Controller) advance() error {
	if c.state != StatePreparing || c.proceed == nil {
		return fmt.Errorf("cannot advance while %s: %w", c.state, ErrWrongState)
	}
	close(c.proceed)
	c.proceed = nil
	return nil
}

// Stop requests the current run to end. It does not wait; use Wait.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop()
}

func (c *Controller) stop() error {
	if c.state != StatePreparing && c.state != StateStreaming {
		return fmt.Errorf("cannot stop while %s: %w", c.state, ErrWrongState)
	}
	c.setState(StateStopping)
	c.cancel()
	return nil
}

// Wait blocks until the current run, if any, has completely ended.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SetSamplingRate changes the rate used by the next run.
func (c *Controller) SetSamplingRate(rate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("cannot change sampling rate while %s: %w", c.state, ErrWrongState)
	}
	if !config.ValidRate(rate) {
		return fmt.Errorf("sampling rate %d not one of %v: %w", rate, config.SupportedRates, ErrUnsupportedRate)
	}
	c.params.SamplingRate = rate
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:        c.state,
		SamplingRate: c.params.SamplingRate,
	}
	if c.sessionID != (ulid.ULID{}) {
		st.SessionID = c.sessionID.String()
	}
	if c.last != nil {
		o := c.last.Outcome
		st.LastOutcome = &o
		if c.last.Err != nil {
			st.LastError = c.last.Err.Error()
		}
		st.Chunks = c.last.Chunks
		st.Samples = c.last.Samples
		st.Markers = c.last.Markers
	}
	return st
}

// watch raises a Timeout fault once each time no pull completes within the
// stall timeout. The pull itself is left running.
func (c *Controller) watch(ctx context.Context) {
	interval := c.stallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		stalled := !c.stalled && time.Since(c.lastPull) > c.stallTimeout
		if stalled {
			c.stalled = true
		}
		state := c.state
		c.mu.Unlock()

		if stalled {
			err := fmt.Errorf("no data from amplifier for %s while %s", c.stallTimeout, state)
			c.logger.Warn().Err(err).Msg("acquisition stalled")
			c.emit(Event{Kind: EventFault, State: state, Outcome: Timeout, Err: err})
		}
	}
}

// controllerObserver feeds reader progress back into the controller.
type controllerObserver struct {
	c *Controller
}

func (o controllerObserver) Started(id ulid.ULID) {
	o.c.mu.Lock()
	o.c.sessionID = id
	o.c.mu.Unlock()
}

func (o controllerObserver) PhaseChanged(p Phase) {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	o.c.lastPull = time.Now()
	if o.c.state == StateStopping {
		return
	}
	if p == PhaseEEG {
		o.c.setState(StateStreaming)
	} else {
		o.c.setState(StatePreparing)
	}
}

func (o controllerObserver) Pulled() {
	o.c.mu.Lock()
	o.c.lastPull = time.Now()
	o.c.stalled = false
	o.c.mu.Unlock()
}

func (o controllerObserver) Impedance(ex Extrema) {
	o.c.emit(Event{Kind: EventImpedance, Extrema: &ex})
}

func (o controllerObserver) Fault(outcome Outcome, err error) {
	o.c.emit(Event{Kind: EventFault, Outcome: outcome, Err: err})
}

func (o controllerObserver) Finished(res Result) {
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	o.c.last = &res
	o.c.cancel = nil
	o.c.proceed = nil
	o.c.setState(StateIdle)
	o.c.emit(Event{Kind: EventFinished, State: StateIdle, Outcome: res.Outcome, Err: res.Err, Result: &res})
}
