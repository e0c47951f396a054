package eegolink

import (
	"context"
	"fmt"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/norasector/eegolink/pkg/util"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunParams are fixed for the lifetime of one run.
type RunParams struct {
	SamplingRate      int
	Channels          []int
	SkipImpedance     bool
	ImpedanceChannels int
}

type Phase int

const (
	PhaseImpedance Phase = iota
	PhaseEEG
)

func (p Phase) String() string {
	if p == PhaseEEG {
		return "eeg"
	}
	return "impedance"
}

// Result is reported once at the end of every run.
type Result struct {
	SessionID ulid.ULID
	Outcome   Outcome
	Err       error
	Chunks    int
	Samples   int
	Markers   int
}

// Observer receives run progress. Calls are made from the run goroutine.
type Observer interface {
	Started(id ulid.ULID)
	PhaseChanged(p Phase)
	Pulled()
	Impedance(ex Extrema)
	Fault(o Outcome, err error)
	Finished(res Result)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Started(ulid.ULID) {}
func (NopObserver) PhaseChanged(Phase) {}
func (NopObserver) Pulled() {}
func (NopObserver) Impedance(Extrema) {}
func (NopObserver) Fault(Outcome, error) {}
func (NopObserver) Finished(Result) {}

// Display shows impedance measurements and an EEG preview. Implementations
// must not block.
type Display interface {
	Impedance(ex Extrema)
	Preview(samples []float32)
}

// Reader runs the device lifecycle of one acquisition: impedance check, then
// EEG acquisition and publishing, until stopped or faulted.
type Reader struct {
	params    RunParams
	open      device.Opener
	transport outlet.Transport
	observer  Observer
	display   Display
	clock     Clock
	writeAPI  api.WriteAPI
	logger    zerolog.Logger
}

type ReaderOption func(r *Reader) error

func WithLogger(logger zerolog.Logger) ReaderOption {
	return func(r *Reader) error {
		r.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) ReaderOption {
	return func(r *Reader) error {
		r.writeAPI = writeAPI
		return nil
	}
}

func WithDisplay(display Display) ReaderOption {
	return func(r *Reader) error {
		r.display = display
		return nil
	}
}

func WithClock(clock Clock) ReaderOption {
	return func(r *Reader) error {
		if clock == nil {
			return fmt.Errorf("clock must not be nil")
		}
		r.clock = clock
		return nil
	}
}

func WithObserver(observer Observer) ReaderOption {
	return func(r *Reader) error {
		r.observer = observer
		return nil
	}
}

func NewReader(params RunParams, open device.Opener, transport outlet.Transport, opts ...ReaderOption) (*Reader, error) {
	if open == nil || transport == nil {
		return nil, fmt.Errorf("must specify device opener and transport")
	}
	if params.SamplingRate <= 0 {
		return nil, fmt.Errorf("sampling rate must be positive, got %d", params.SamplingRate)
	}
	if params.ImpedanceChannels <= 0 {
		params.ImpedanceChannels = DefaultImpedanceChannels
	}
	params.Channels = append([]int(nil), params.Channels...)

	r := &Reader{
		params:    params,
		open:      open,
		transport: transport,
		observer:  NopObserver{},
		clock:     LocalClock,
		writeAPI:  &util.MockWriteAPI{}, // overwritten with option
		logger:    log.Logger,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run blocks until ctx is cancelled or the driver faults. Closing proceed ends
// the impedance phase. The observer's Finished is called exactly once.
func (r *Reader) Run(ctx context.Context, proceed <-chan struct{}) (res Result) {
	res.SessionID = ulid.Make()
	logger := r.logger.With().Str("session", res.SessionID.String()).Logger()

	defer func() {
		if p := recover(); p != nil {
			res.Outcome = UnknownFailure
			res.Err = fmt.Errorf("panic during acquisition: %v", p)
		}
		ev := logger.Info()
		if res.Outcome != Finished {
			ev = logger.Error().Err(res.Err)
		}
		ev.Str("outcome", res.Outcome.String()).
			Int("chunks", res.Chunks).
			Int("samples", res.Samples).
			Int("markers", res.Markers).
			Msg("acquisition finished")

		if res.Outcome.Surfaced() {
			r.observer.Fault(res.Outcome, res.Err)
		}
		r.observer.Finished(res)
	}()

	r.observer.Started(res.SessionID)

	sess := NewSession(r.open, r.params.SamplingRate, r.params.Channels, logger)
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn().Err(err).Msg("error releasing device")
		}
	}()

	run := *r
	run.logger = logger
	err := run.run(ctx, proceed, sess, &res)
	res.Outcome = Classify(err)
	if res.Outcome != Finished {
		res.Err = err
	}
	return res
}

func (r *Reader) run(ctx context.Context, proceed <-chan struct{}, sess *Session, res *Result) error {
	if !r.params.SkipImpedance {
		r.observer.PhaseChanged(PhaseImpedance)
		if _, err := sess.OpenImpedance(); err != nil {
			return err
		}
		err := r.measureImpedance(ctx, proceed, sess)
		if closeErr := sess.CloseStream(); closeErr != nil {
			r.logger.Warn().Err(closeErr).Msg("error releasing impedance stream")
		}
		if err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	r.observer.PhaseChanged(PhaseEEG)
	layout, err := sess.OpenEEG()
	if err != nil {
		return err
	}
	pub, err := NewPublisher(r.transport, sess.Serial(), r.params.SamplingRate, layout, r.logger, r.writeAPI)
	if err != nil {
		return err
	}
	defer pub.Close()

	return r.acquire(ctx, sess, pub, layout, res)
}
