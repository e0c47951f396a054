package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenPSG/edf"
	"github.com/norasector/eegolink/pkg/eegolink/device"
)

const defaultChunkSize = 32

var defaultSamplingRates = []int{500, 1000, 2000, 4000, 8000, 16000}

// Options configures EDF playback. The recording is replayed at whatever
// sampling rate the EEG stream is opened with, ChunkSize samples per pull.
type Options struct {
	ChunkSize     int
	SamplingRates []int
	// TriggerSignal is the EDF signal replayed on the trigger channel, or -1.
	TriggerSignal int
}

// NewOpener returns an opener that replays the EDF file at path as if it
// were an attached amplifier.
func NewOpener(path string, opts Options) device.Opener {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if len(opts.SamplingRates) == 0 {
		opts.SamplingRates = defaultSamplingRates
	}
	return func() (device.Factory, error) {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("file: %s: %w", path, device.ErrNotFound)
			}
			return nil, err
		}
		return &FileDevice{file: f, path: path, opts: opts}, nil
	}
}

// FileDevice acts as both the factory and the amplifier.
type FileDevice struct {
	file *os.File
	path string
	opts Options

	mu      sync.Mutex
	open    *Stream
	signals int
	closed  bool
}

func (d *FileDevice) Amplifier() (device.Amplifier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("file: device closed: %w", device.ErrNotConnected)
	}
	if d.signals == 0 {
		n, err := countSignals(d.file)
		if err != nil {
			return nil, fmt.Errorf("file: %s is not a valid recording (%v): %w", d.path, err, device.ErrNotFound)
		}
		d.signals = n
	}
	return d, nil
}

func countSignals(rs io.ReadSeeker) (int, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r, err := edf.Open(rs)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		if _, err := r.Signal(n); err != nil {
			break
		}
		n++
	}
	if n == 0 {
		return 0, errors.New("no signals")
	}
	return n, nil
}

func (d *FileDevice) SerialNumber() string {
	return "EDF-" + filepath.Base(d.path)
}

func (d *FileDevice) SamplingRatesAvailable() []int {
	return append([]int(nil), d.opts.SamplingRates...)
}

func (d *FileDevice) OpenImpedanceStream(channels []int) (device.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	sel, err := d.selectSignals(channels)
	if err != nil {
		return nil, err
	}
	layout := make([]device.Channel, 0, len(sel)+2)
	for _, idx := range sel {
		layout = append(layout, device.Channel{Index: idx, Type: device.ChannelTypeReference})
	}
	layout = append(layout,
		device.Channel{Index: d.signals, Type: device.ChannelTypeImpedanceReference},
		device.Channel{Index: d.signals + 1, Type: device.ChannelTypeImpedanceGround},
	)
	d.open = &Stream{dev: d, layout: layout, interval: 100 * time.Millisecond, lastread: time.Now()}
	return d.open, nil
}

func (d *FileDevice) OpenEEGStream(samplingRate int, channels []int) (device.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	supported := false
	for _, r := range d.opts.SamplingRates {
		supported = supported || r == samplingRate
	}
	if !supported {
		return nil, fmt.Errorf("file: sampling rate %d not supported: %w", samplingRate, device.ErrIncorrectValue)
	}
	sel, err := d.selectSignals(channels)
	if err != nil {
		return nil, err
	}

	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := edf.Open(d.file)
	if err != nil {
		return nil, fmt.Errorf("file: reopening %s: %w", d.path, err)
	}

	s := &Stream{
		dev:      d,
		interval: time.Duration(float64(time.Second) * float64(d.opts.ChunkSize) / float64(samplingRate)),
		lastread: time.Now(),
		eeg:      true,
	}
	for _, idx := range sel {
		sr, err := r.Signal(idx)
		if err != nil {
			return nil, fmt.Errorf("file: signal %d: %w", idx, device.ErrIncorrectValue)
		}
		s.readers = append(s.readers, sr)
		s.layout = append(s.layout, device.Channel{Index: idx, Type: device.ChannelTypeReference})
	}
	if d.opts.TriggerSignal >= 0 && d.opts.TriggerSignal < d.signals {
		if s.trigger, err = r.Signal(d.opts.TriggerSignal); err != nil {
			return nil, err
		}
	}
	s.layout = append(s.layout,
		device.Channel{Index: d.signals, Type: device.ChannelTypeTrigger},
		device.Channel{Index: d.signals + 1, Type: device.ChannelTypeSampleCounter},
	)
	d.open = s
	return s, nil
}

func (d *FileDevice) checkOpen() error {
	if d.closed {
		return fmt.Errorf("file: device closed: %w", device.ErrNotConnected)
	}
	if d.open != nil {
		return fmt.Errorf("file: a stream is already open: %w", device.ErrAlreadyExists)
	}
	return nil
}

func (d *FileDevice) selectSignals(channels []int) ([]int, error) {
	if len(channels) == 0 {
		sel := make([]int, d.signals)
		for i := range sel {
			sel[i] = i
		}
		return sel, nil
	}
	for _, idx := range channels {
		if idx < 0 || idx >= d.signals {
			return nil, fmt.Errorf("file: signal %d out of range [0,%d): %w", idx, d.signals, device.ErrIncorrectValue)
		}
	}
	return append([]int(nil), channels...), nil
}

func (d *FileDevice) release(s *Stream) {
	d.mu.Lock()
	if d.open == s {
		d.open = nil
	}
	d.mu.Unlock()
}

// Close releases the recording. It serves both as Amplifier.Close and
// Factory.Close, so the second call is a no-op.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.open = nil
	return d.file.Close()
}

type Stream struct {
	dev      *FileDevice
	eeg      bool
	layout   []device.Channel
	readers  []*edf.SignalReader
	trigger  *edf.SignalReader
	interval time.Duration

	mu          sync.Mutex
	lastread    time.Time
	sampleIndex int
	closed      bool
}

func (s *Stream) ChannelList() []device.Channel {
	return append([]device.Channel(nil), s.layout...)
}

func (s *Stream) GetData() (device.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.Buffer{}, fmt.Errorf("file: stream closed: %w", device.ErrNotConnected)
	}
	if wait := time.Until(s.lastread.Add(s.interval)); wait > 0 {
		time.Sleep(wait)
	}
	s.lastread = time.Now()

	if !s.eeg {
		// recordings carry no electrode impedances
		return device.NewBuffer(len(s.layout), 1), nil
	}

	chunk := s.dev.opts.ChunkSize
	columns := make([][]float64, len(s.readers))
	n := chunk
	for i, sr := range s.readers {
		columns[i] = make([]float64, chunk)
		got, err := sr.Read(columns[i])
		if err != nil && !errors.Is(err, io.EOF) {
			return device.Buffer{}, fmt.Errorf("file: reading signal %d: %v: %w", s.layout[i].Index, err, device.ErrNotConnected)
		}
		if got < n {
			n = got
		}
	}
	if n == 0 {
		return device.Buffer{}, fmt.Errorf("file: end of recording: %w", device.ErrNotConnected)
	}

	var trig []float64
	if s.trigger != nil {
		trig = make([]float64, n)
		if _, err := s.trigger.Read(trig); err != nil && !errors.Is(err, io.EOF) {
			return device.Buffer{}, fmt.Errorf("file: reading trigger: %v: %w", err, device.ErrNotConnected)
		}
	}

	nch := len(s.layout)
	buf := device.NewBuffer(nch, n)
	for smp := 0; smp < n; smp++ {
		for c := range s.readers {
			buf.SetSample(c, smp, columns[c][smp])
		}
		if trig != nil {
			buf.SetSample(nch-2, smp, trig[smp])
		}
		buf.SetSample(nch-1, smp, float64(s.sampleIndex))
		s.sampleIndex++
	}
	return buf, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.dev.release(s)
	return nil
}
