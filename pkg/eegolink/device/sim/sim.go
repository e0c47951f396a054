package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink/device"
)

const (
	defaultChannels     = 8
	defaultReadInterval = 20 * time.Millisecond
	defaultAmplitude    = 50.0
	defaultFrequency    = 10.0
)

var defaultSamplingRates = []int{500, 1000, 2000, 4000, 8000, 16000}

// Options configures the simulated amplifier. Zero values select defaults.
type Options struct {
	Serial        string
	Channels      int
	SamplingRates []int
	ReadInterval  time.Duration
	Amplitude     float64
	Frequency     float64

	// TriggerPeriod is the number of samples between trigger pulses, each
	// TriggerWidth samples long. Zero disables triggers.
	TriggerPeriod int
	TriggerWidth  int

	// Absent makes the factory report that no amplifier is attached.
	Absent bool

	// Fault is returned by GetData after FailAfter successful pulls on the
	// EEG stream (or the impedance stream when FailImpedance is set).
	Fault         error
	FailAfter     int
	FailImpedance bool
}

func (o Options) withDefaults() Options {
	if o.Serial == "" {
		o.Serial = "SIM-000001"
	}
	if o.Channels <= 0 {
		o.Channels = defaultChannels
	}
	if len(o.SamplingRates) == 0 {
		o.SamplingRates = defaultSamplingRates
	}
	if o.ReadInterval <= 0 {
		o.ReadInterval = defaultReadInterval
	}
	if o.Amplitude == 0 {
		o.Amplitude = defaultAmplitude
	}
	if o.Frequency == 0 {
		o.Frequency = defaultFrequency
	}
	if o.TriggerPeriod > 0 && o.TriggerWidth <= 0 {
		o.TriggerWidth = 1
	}
	return o
}

func NewOpener(opts Options) device.Opener {
	return func() (device.Factory, error) {
		return NewFactory(opts), nil
	}
}

type Factory struct {
	opts   Options
	mu     sync.Mutex
	closed bool
}

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

func (f *Factory) Amplifier() (device.Amplifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("sim: factory closed: %w", device.ErrIncorrectValue)
	}
	if f.opts.Absent {
		return nil, fmt.Errorf("sim: no amplifier attached: %w", device.ErrNotFound)
	}
	return &Amplifier{opts: f.opts}, nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type Amplifier struct {
	opts   Options
	mu     sync.Mutex
	open   *Stream
	closed bool
}

func (a *Amplifier) SerialNumber() string {
	return a.opts.Serial
}

func (a *Amplifier) SamplingRatesAvailable() []int {
	return append([]int(nil), a.opts.SamplingRates...)
}

func (a *Amplifier) OpenImpedanceStream(channels []int) (device.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	sel, err := a.selectChannels(channels)
	if err != nil {
		return nil, err
	}

	layout := make([]device.Channel, 0, len(sel)+2)
	for _, idx := range sel {
		layout = append(layout, device.Channel{Index: idx, Type: device.ChannelTypeReference})
	}
	layout = append(layout,
		device.Channel{Index: a.opts.Channels, Type: device.ChannelTypeImpedanceReference},
		device.Channel{Index: a.opts.Channels + 1, Type: device.ChannelTypeImpedanceGround},
	)

	a.open = &Stream{
		amp:       a,
		impedance: true,
		layout:    layout,
		lastread:  time.Now(),
	}
	return a.open, nil
}

func (a *Amplifier) OpenEEGStream(samplingRate int, channels []int) (device.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	supported := false
	for _, r := range a.opts.SamplingRates {
		if r == samplingRate {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("sim: sampling rate %d not supported: %w", samplingRate, device.ErrIncorrectValue)
	}
	sel, err := a.selectChannels(channels)
	if err != nil {
		return nil, err
	}

	layout := make([]device.Channel, 0, len(sel)+2)
	for _, idx := range sel {
		layout = append(layout, device.Channel{Index: idx, Type: device.ChannelTypeReference})
	}
	layout = append(layout,
		device.Channel{Index: a.opts.Channels, Type: device.ChannelTypeTrigger},
		device.Channel{Index: a.opts.Channels + 1, Type: device.ChannelTypeSampleCounter},
	)

	a.open = &Stream{
		amp:      a,
		rate:     float64(samplingRate),
		layout:   layout,
		lastread: time.Now(),
	}
	return a.open, nil
}

func (a *Amplifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.open = nil
	return nil
}

func (a *Amplifier) checkOpen() error {
	if a.closed {
		return fmt.Errorf("sim: amplifier released: %w", device.ErrNotConnected)
	}
	if a.open != nil {
		return fmt.Errorf("sim: a stream is already open: %w", device.ErrAlreadyExists)
	}
	return nil
}

func (a *Amplifier) selectChannels(channels []int) ([]int, error) {
	if len(channels) == 0 {
		sel := make([]int, a.opts.Channels)
		for i := range sel {
			sel[i] = i
		}
		return sel, nil
	}
	seen := make(map[int]struct{}, len(channels))
	for _, idx := range channels {
		if idx < 0 || idx >= a.opts.Channels {
			return nil, fmt.Errorf("sim: channel %d out of range [0,%d): %w", idx, a.opts.Channels, device.ErrIncorrectValue)
		}
		if _, ok := seen[idx]; ok {
			return nil, fmt.Errorf("sim: channel %d requested twice: %w", idx, device.ErrAlreadyExists)
		}
		seen[idx] = struct{}{}
	}
	return append([]int(nil), channels...), nil
}

func (a *Amplifier) release(s *Stream) {
	a.mu.Lock()
	if a.open == s {
		a.open = nil
	}
	a.mu.Unlock()
}

type Stream struct {
	amp       *Amplifier
	impedance bool
	rate      float64
	layout    []device.Channel

	mu          sync.Mutex
	closed      bool
	pulls       int
	lastread    time.Time
	carry       float64
	sampleIndex int
}

func (s *Stream) ChannelList() []device.Channel {
	return append([]device.Channel(nil), s.layout...)
}

func (s *Stream) GetData() (device.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts := s.amp.opts

	if s.closed {
		return device.Buffer{}, fmt.Errorf("sim: stream closed: %w", device.ErrNotConnected)
	}
	if opts.Fault != nil && opts.FailImpedance == s.impedance && s.pulls >= opts.FailAfter {
		return device.Buffer{}, fmt.Errorf("sim: injected fault after %d pulls: %w", s.pulls, opts.Fault)
	}
	s.pulls++

	if wait := time.Until(s.lastread.Add(opts.ReadInterval)); wait > 0 {
		time.Sleep(wait)
	}
	now := time.Now()
	elapsed := now.Sub(s.lastread)
	s.lastread = now

	if s.impedance {
		return s.impedanceBuffer(), nil
	}
	return s.eegBuffer(elapsed), nil
}

func (s *Stream) impedanceBuffer() device.Buffer {
	buf := device.NewBuffer(len(s.layout), 1)
	for c := range s.layout {
		base := float64(5 + (c*7)%20)
		buf.SetSample(c, 0, base+math.Sin(float64(s.pulls+c)))
	}
	return buf
}

func (s *Stream) eegBuffer(elapsed time.Duration) device.Buffer {
	opts := s.amp.opts
	exact := elapsed.Seconds()*s.rate + s.carry
	n := int(exact)
	s.carry = exact - float64(n)

	buf := device.NewBuffer(len(s.layout), n)
	for i := 0; i < n; i++ {
		t := float64(s.sampleIndex) / s.rate
		for c, ch := range s.layout {
			var v float64
			switch ch.Type {
			case device.ChannelTypeTrigger:
				v = float64(s.triggerCode())
			case device.ChannelTypeSampleCounter:
				v = float64(s.sampleIndex)
			default:
				phase := float64(ch.Index) * math.Pi / 8
				v = opts.Amplitude * math.Sin(2*math.Pi*opts.Frequency*t+phase)
			}
			buf.SetSample(c, i, v)
		}
		s.sampleIndex++
	}
	return buf
}

func (s *Stream) triggerCode() int {
	period := s.amp.opts.TriggerPeriod
	if period <= 0 {
		return 0
	}
	if s.sampleIndex%period >= s.amp.opts.TriggerWidth {
		return 0
	}
	return 1 + (s.sampleIndex/period)%8
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.amp.release(s)
	return nil
}
