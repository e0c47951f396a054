package eegolink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/norasector/eegolink/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T, params RunParams, dev *fakeFactory, tr *memoryTransport, obs Observer, opts ...ReaderOption) *Reader {
	t.Helper()
	opts = append([]ReaderOption{WithObserver(obs), WithClock(fixedClock(100))}, opts...)
	r, err := NewReader(params, dev.opener(), tr, opts...)
	require.NoError(t, err)
	return r
}

func TestReaderPublishesChunkAndMarker(t *testing.T) {
	dev := newFakeDevice(8, step{buf: samples(8,
		[]float64{1, 2, 3, 4, 5, 6, 0, 0},
		[]float64{1, 2, 3, 4, 5, 6, 0, 1},
		[]float64{1, 2, 3, 4, 5, 6, 5, 2},
	)})
	tr := &memoryTransport{}
	obs := newRecordingObserver()
	metrics := &util.MockWriteAPI{Keep: true}
	r := newTestReader(t, RunParams{SamplingRate: 500, SkipImpedance: true}, dev, tr, obs, WithInfluxDB(metrics))

	res := r.Run(context.Background(), nil)
	assert.Equal(t, Finished, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 3, res.Samples)
	assert.Equal(t, 1, res.Markers)

	require.Len(t, tr.infos, 2)
	data, markers := tr.infos[0], tr.infos[1]
	assert.Equal(t, "eegoSports TEST42", data.Name)
	assert.Equal(t, "eegoSports_TEST42", data.SourceID)
	assert.Equal(t, 6, data.ChannelCount)
	assert.Equal(t, 500.0, data.NominalRate)
	assert.Equal(t, "eegoSports TEST42_markers", markers.Name)
	assert.Equal(t, "eegoSports_TEST42_markers", markers.SourceID)
	assert.Equal(t, 1, markers.ChannelCount)

	chunks := tr.chunks()
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].rows, 3)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, chunks[0].rows[2])
	assert.Equal(t, 100.0, chunks[0].timestamp)

	ms := tr.markers()
	require.Len(t, ms, 1)
	assert.Equal(t, "5", ms[0].value)
	assert.InDelta(t, 100.0, ms[0].timestamp, 1e-9)

	// data precedes markers of the same chunk
	require.Len(t, tr.pushes, 2)
	assert.NotNil(t, tr.pushes[0].rows)
	assert.Equal(t, "5", tr.pushes[1].value)

	assert.True(t, tr.isClosed(data.Name))
	assert.True(t, tr.isClosed(markers.Name))
	assert.True(t, dev.amp.isClosed())
	assert.True(t, dev.isClosed())
	assert.Len(t, obs.results(), 1)
	assert.Equal(t, []Phase{PhaseEEG}, obs.phases)

	assert.Eventually(t, func() bool {
		return len(metrics.Points("eegolink.chunk")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestReaderSmallLayout(t *testing.T) {
	dev := newFakeDevice(4,
		step{buf: samples(4, []float64{7, 8, 0, 0}, []float64{9, 10, 0, 1})},
	)
	tr := &memoryTransport{}
	r := newTestReader(t, RunParams{SamplingRate: 1000, SkipImpedance: true}, dev, tr, newRecordingObserver())

	res := r.Run(context.Background(), nil)
	require.Equal(t, Finished, res.Outcome)
	require.Len(t, tr.infos, 2)
	assert.Equal(t, 2, tr.infos[0].ChannelCount)
	require.Len(t, tr.infos[0].Desc.Channels, 2)
	assert.Equal(t, "Ch0", tr.infos[0].Desc.Channels[0].Label)
	assert.Equal(t, "Ch1", tr.infos[0].Desc.Channels[1].Label)
	assert.Equal(t, "microvolts", tr.infos[0].Desc.Channels[1].Unit)
	assert.Equal(t, "antneuro", tr.infos[0].Desc.Acquisition.Manufacturer)
	assert.Equal(t, "TEST42", tr.infos[0].Desc.Acquisition.SerialNumber)

	chunks := tr.chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, [][]float32{{7, 8}, {9, 10}}, chunks[0].rows)
	assert.Equal(t, 1000, dev.amp.eegRate)
}

func TestReaderEmptyPull(t *testing.T) {
	dev := newFakeDevice(8, step{buf: device.NewBuffer(8, 0)})
	tr := &memoryTransport{}
	r := newTestReader(t, RunParams{SamplingRate: 500, SkipImpedance: true}, dev, tr, newRecordingObserver())

	res := r.Run(context.Background(), nil)
	require.Equal(t, Finished, res.Outcome)
	chunks := tr.chunks()
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].rows)
	assert.Empty(t, tr.markers())
	assert.Equal(t, 0, res.Samples)
}

func TestReaderMarkersAcrossChunks(t *testing.T) {
	dev := newFakeDevice(3,
		step{buf: samples(3, []float64{0, 0, 0}, []float64{0, 3, 0}, []float64{0, 3, 0})},
		step{buf: samples(3, []float64{0, 3, 0}, []float64{0, 3, 0}, []float64{0, 0, 0})},
		step{buf: samples(3, []float64{0, 0, 0})},
	)
	tr := &memoryTransport{}
	r := newTestReader(t, RunParams{SamplingRate: 500, SkipImpedance: true}, dev, tr, newRecordingObserver())

	res := r.Run(context.Background(), nil)
	require.Equal(t, Finished, res.Outcome)
	assert.Equal(t, 3, res.Chunks)

	ms := tr.markers()
	require.Len(t, ms, 2)
	assert.Equal(t, "3", ms[0].value)
	assert.InDelta(t, 100-1.0/500, ms[0].timestamp, 1e-9)
	assert.Equal(t, "0", ms[1].value)
	assert.InDelta(t, 100.0, ms[1].timestamp, 1e-9)
}

func TestReaderFinishedOnce(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fakeFactory)
		expected Outcome
		surfaced bool
	}{
		{
			name:     "normal stop",
			setup:    func(f *fakeFactory) {},
			expected: Finished,
		},
		{
			name:     "no amplifier",
			setup:    func(f *fakeFactory) { f.ampErr = device.ErrNotFound },
			expected: AmpNotFound,
			surfaced: true,
		},
		{
			name: "connection lost",
			setup: func(f *fakeFactory) {
				f.amp.eeg.steps = append(f.amp.eeg.steps, step{err: device.ErrNotConnected})
			},
			expected: ConnectionLost,
			surfaced: true,
		},
		{
			name:     "incorrect value",
			setup:    func(f *fakeFactory) { f.amp.eegErr = device.ErrIncorrectValue },
			expected: IncorrectValue,
		},
		{
			name:     "already exists",
			setup:    func(f *fakeFactory) { f.amp.eegErr = device.ErrAlreadyExists },
			expected: AlreadyExists,
		},
		{
			name:     "unknown failure",
			setup:    func(f *fakeFactory) { f.openErr = errors.New("driver library missing") },
			expected: UnknownFailure,
		},
		{
			name: "driver panic",
			setup: func(f *fakeFactory) {
				f.amp.eeg.steps = append(f.amp.eeg.steps, step{panic: true})
			},
			expected: UnknownFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice(4, step{buf: samples(4, []float64{1, 2, 0, 0})})
			tt.setup(dev)
			obs := newRecordingObserver()
			r := newTestReader(t, RunParams{SamplingRate: 500, SkipImpedance: true}, dev, &memoryTransport{}, obs)

			res := r.Run(context.Background(), nil)
			assert.Equal(t, tt.expected, res.Outcome)
			if tt.expected == Finished {
				assert.NoError(t, res.Err)
			} else {
				assert.Error(t, res.Err)
			}

			results := obs.results()
			require.Len(t, results, 1)
			assert.Equal(t, tt.expected, results[0].Outcome)
			assert.Equal(t, res.SessionID, results[0].SessionID)
			if tt.surfaced {
				assert.Equal(t, []Outcome{tt.expected}, obs.faults)
			} else {
				assert.Empty(t, obs.faults)
			}

			if !dev.amp.eeg.isClosed() && dev.amp.eegOpens > 0 {
				t.Fatalf("eeg stream left open")
			}
			if dev.openErr == nil {
				assert.True(t, dev.isClosed())
			}
		})
	}
}

func TestReaderStopDuringImpedance(t *testing.T) {
	dev := newFakeDevice(8)
	obs := newRecordingObserver()
	display := &recordingDisplay{}
	r := newTestReader(t, RunParams{SamplingRate: 500, ImpedanceChannels: 4}, dev, &memoryTransport{}, obs, WithDisplay(display))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- r.Run(ctx, make(chan struct{})) }()

	select {
	case <-obs.impedance:
	case <-time.After(time.Second):
		t.Fatal("no impedance reading")
	}
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, Finished, res.Outcome)

	imp, eeg := dev.amp.counts()
	assert.Equal(t, 1, imp)
	assert.Equal(t, 0, eeg)
	assert.True(t, dev.amp.impedance.isClosed())
	assert.True(t, dev.amp.isClosed())
	assert.Len(t, obs.results(), 1)

	obs.mu.Lock()
	ex := obs.extrema[0]
	obs.mu.Unlock()
	assert.Equal(t, 0, ex.MinIndex)
	assert.Equal(t, 10.0, ex.Min)
	assert.Equal(t, 3, ex.MaxIndex)
	assert.Equal(t, 13.0, ex.Max)
	assert.Len(t, ex.Values, 4)
	assert.NotZero(t, display.impedanceCount())
}

func TestReaderProceedToEEG(t *testing.T) {
	dev := newFakeDevice(4, step{buf: samples(4, []float64{1, 2, 0, 0})})
	obs := newRecordingObserver()
	display := &recordingDisplay{}
	r := newTestReader(t, RunParams{SamplingRate: 500}, dev, &memoryTransport{}, obs, WithDisplay(display))

	proceed := make(chan struct{})
	done := make(chan Result, 1)
	go func() { done <- r.Run(context.Background(), proceed) }()

	select {
	case <-obs.impedance:
	case <-time.After(time.Second):
		t.Fatal("no impedance reading")
	}
	close(proceed)

	var res Result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not finish")
	}
	assert.Equal(t, Finished, res.Outcome)
	assert.Equal(t, 1, res.Chunks)
	assert.True(t, dev.amp.impedance.isClosed())
	assert.True(t, dev.amp.eeg.isClosed())

	obs.mu.Lock()
	assert.Equal(t, []Phase{PhaseImpedance, PhaseEEG}, obs.phases)
	obs.mu.Unlock()
	assert.Equal(t, [][]float32{{1}}, display.previews())
}

func TestNewReaderValidates(t *testing.T) {
	dev := newFakeDevice(4)
	_, err := NewReader(RunParams{SamplingRate: 0}, dev.opener(), &memoryTransport{})
	assert.Error(t, err)
	_, err = NewReader(RunParams{SamplingRate: 500}, nil, &memoryTransport{})
	assert.Error(t, err)
	_, err = NewReader(RunParams{SamplingRate: 500}, dev.opener(), &memoryTransport{}, WithClock(nil))
	assert.Error(t, err)
}
