package eegolink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/oklog/ulid/v2"
)

// step is one scripted GetData result.
type step struct {
	buf   device.Buffer
	err   error
	panic bool
}

// samples builds a sample-major buffer; each row holds every channel of one sample.
func samples(channels int, rows ...[]float64) device.Buffer {
	b := device.NewBuffer(channels, len(rows))
	for s, row := range rows {
		for c, v := range row {
			b.SetSample(c, s, v)
		}
	}
	return b
}

func eegLayout(channels int) []device.Channel {
	layout := make([]device.Channel, 0, channels)
	for i := 0; i < channels-2; i++ {
		layout = append(layout, device.Channel{Index: i, Type: device.ChannelTypeReference})
	}
	return append(layout,
		device.Channel{Index: channels - 2, Type: device.ChannelTypeTrigger},
		device.Channel{Index: channels - 1, Type: device.ChannelTypeSampleCounter})
}

type fakeStream struct {
	layout []device.Channel

	mu      sync.Mutex
	steps   []step
	pos     int
	repeat  bool
	closed  bool
	drained func()
	block   chan struct{}
	amp     *fakeAmp
}

func (s *fakeStream) GetData() (device.Buffer, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.Buffer{}, device.ErrNotConnected
	}
	if s.pos < len(s.steps) {
		st := s.steps[s.pos]
		s.pos++
		if st.panic {
			panic("driver crashed")
		}
		return st.buf, st.err
	}
	if s.repeat && len(s.steps) > 0 {
		time.Sleep(time.Millisecond)
		return s.steps[len(s.steps)-1].buf, nil
	}
	if s.drained != nil {
		s.drained()
	}
	return device.Buffer{}, fmt.Errorf("stream drained: %w", context.Canceled)
}

func (s *fakeStream) ChannelList() []device.Channel {
	return s.layout
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.amp.release(s)
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeAmp struct {
	impedance *fakeStream
	eeg       *fakeStream
	impErr    error
	eegErr    error

	mu             sync.Mutex
	open           *fakeStream
	impedanceOpens int
	eegOpens       int
	eegRate        int
	closed         bool
}

func (a *fakeAmp) SerialNumber() string { return "TEST42" }

func (a *fakeAmp) SamplingRatesAvailable() []int { return []int{500, 1000} }

func (a *fakeAmp) OpenImpedanceStream(channels []int) (device.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		return nil, device.ErrAlreadyExists
	}
	if a.impErr != nil {
		return nil, a.impErr
	}
	a.impedanceOpens++
	a.impedance.amp = a
	a.open = a.impedance
	return a.impedance, nil
}

func (a *fakeAmp) OpenEEGStream(rate int, channels []int) (device.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		return nil, device.ErrAlreadyExists
	}
	if a.eegErr != nil {
		return nil, a.eegErr
	}
	a.eegOpens++
	a.eegRate = rate
	a.eeg.amp = a
	a.open = a.eeg
	return a.eeg, nil
}

func (a *fakeAmp) release(s *fakeStream) {
	a.mu.Lock()
	if a.open == s {
		a.open = nil
	}
	a.mu.Unlock()
}

func (a *fakeAmp) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAmp) counts() (impedance, eeg int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.impedanceOpens, a.eegOpens
}

func (a *fakeAmp) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeFactory struct {
	amp     *fakeAmp
	ampErr  error
	openErr error

	mu     sync.Mutex
	closed bool
}

func (f *fakeFactory) Amplifier() (device.Amplifier, error) {
	if f.ampErr != nil {
		return nil, f.ampErr
	}
	return f.amp, nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFactory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeFactory) opener() device.Opener {
	return func() (device.Factory, error) {
		if f.openErr != nil {
			return nil, f.openErr
		}
		return f, nil
	}
}

// newFakeDevice returns a device whose impedance stream repeats one reading
// and whose EEG stream plays the given steps.
func newFakeDevice(channels int, eeg ...step) *fakeFactory {
	impLayout := []device.Channel{}
	impValues := make([]float64, channels)
	for i := range impValues {
		impLayout = append(impLayout, device.Channel{Index: i, Type: device.ChannelTypeReference})
		impValues[i] = float64(10 + i)
	}
	return &fakeFactory{
		amp: &fakeAmp{
			impedance: &fakeStream{
				layout: impLayout,
				steps:  []step{{buf: samples(channels, impValues)}},
				repeat: true,
			},
			eeg: &fakeStream{
				layout: eegLayout(channels),
				steps:  eeg,
			},
		},
	}
}

type pushed struct {
	stream    string
	rows      [][]float32
	value     string
	timestamp float64
}

// memoryTransport records every push in order across all outlets.
type memoryTransport struct {
	openErrAt int // fail the n-th Open (1-based), 0 never

	mu     sync.Mutex
	opens  int
	infos  []outlet.StreamInfo
	pushes []pushed
	closed map[string]bool
}

func (t *memoryTransport) Open(info outlet.StreamInfo) (outlet.Outlet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.opens == t.openErrAt {
		return nil, fmt.Errorf("cannot open %s", info.Name)
	}
	t.infos = append(t.infos, info)
	return &memoryOutlet{t: t, info: info}, nil
}

func (t *memoryTransport) chunks() []pushed {
	return t.filter(func(p pushed) bool { return p.rows != nil })
}

func (t *memoryTransport) markers() []pushed {
	return t.filter(func(p pushed) bool { return p.rows == nil && p.value != "" })
}

func (t *memoryTransport) filter(keep func(pushed) bool) []pushed {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ret []pushed
	for _, p := range t.pushes {
		if keep(p) {
			ret = append(ret, p)
		}
	}
	return ret
}

func (t *memoryTransport) isClosed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed[name]
}

type memoryOutlet struct {
	t    *memoryTransport
	info outlet.StreamInfo
}

func (o *memoryOutlet) Info() outlet.StreamInfo { return o.info }

func (o *memoryOutlet) PushChunk(rows [][]float32, ts float64) error {
	if err := outlet.CheckChunk(o.info, rows); err != nil {
		return err
	}
	if rows == nil {
		rows = [][]float32{}
	}
	o.t.mu.Lock()
	o.t.pushes = append(o.t.pushes, pushed{stream: o.info.Name, rows: rows, timestamp: ts})
	o.t.mu.Unlock()
	return nil
}

func (o *memoryOutlet) PushSample(value string, ts float64) error {
	if err := outlet.CheckSample(o.info); err != nil {
		return err
	}
	o.t.mu.Lock()
	o.t.pushes = append(o.t.pushes, pushed{stream: o.info.Name, value: value, timestamp: ts})
	o.t.mu.Unlock()
	return nil
}

func (o *memoryOutlet) Close() error {
	o.t.mu.Lock()
	if o.t.closed == nil {
		o.t.closed = map[string]bool{}
	}
	o.t.closed[o.info.Name] = true
	o.t.mu.Unlock()
	return nil
}

// recordingObserver counts reader callbacks.
type recordingObserver struct {
	mu        sync.Mutex
	phases    []Phase
	pulls     int
	extrema   []Extrema
	faults    []Outcome
	finished  []Result
	impedance chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{impedance: make(chan struct{}, 1)}
}

func (o *recordingObserver) Started(ulid.ULID) {}

func (o *recordingObserver) PhaseChanged(p Phase) {
	o.mu.Lock()
	o.phases = append(o.phases, p)
	o.mu.Unlock()
}

func (o *recordingObserver) Pulled() {
	o.mu.Lock()
	o.pulls++
	o.mu.Unlock()
}

func (o *recordingObserver) Impedance(ex Extrema) {
	o.mu.Lock()
	o.extrema = append(o.extrema, ex)
	o.mu.Unlock()
	select {
	case o.impedance <- struct{}{}:
	default:
	}
}

func (o *recordingObserver) Fault(outcome Outcome, err error) {
	o.mu.Lock()
	o.faults = append(o.faults, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) Finished(res Result) {
	o.mu.Lock()
	o.finished = append(o.finished, res)
	o.mu.Unlock()
}

func (o *recordingObserver) results() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.finished...)
}

func fixedClock(t float64) Clock {
	return func() float64 { return t }
}

type recordingDisplay struct {
	mu        sync.Mutex
	impedance int
	preview   [][]float32
}

func (d *recordingDisplay) Impedance(Extrema) {
	d.mu.Lock()
	d.impedance++
	d.mu.Unlock()
}

func (d *recordingDisplay) Preview(samples []float32) {
	d.mu.Lock()
	d.preview = append(d.preview, samples)
	d.mu.Unlock()
}

func (d *recordingDisplay) impedanceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.impedance
}

func (d *recordingDisplay) previews() [][]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preview
}
