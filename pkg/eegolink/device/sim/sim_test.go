package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEEGStreamLayoutAndSamples(t *testing.T) {
	f := NewFactory(Options{Channels: 4, ReadInterval: 5 * time.Millisecond, TriggerPeriod: 10, TriggerWidth: 2})
	defer f.Close()
	amp, err := f.Amplifier()
	require.NoError(t, err)
	defer amp.Close()

	s, err := amp.OpenEEGStream(1000, nil)
	require.NoError(t, err)
	defer s.Close()

	layout := s.ChannelList()
	require.Len(t, layout, 6)
	assert.Equal(t, device.ChannelTypeTrigger, layout[4].Type)
	assert.Equal(t, device.ChannelTypeSampleCounter, layout[5].Type)

	total := 0
	for total < 20 {
		buf, err := s.GetData()
		require.NoError(t, err)
		require.Equal(t, 6, buf.ChannelCount())
		for i := 0; i < buf.SampleCount(); i++ {
			assert.Equal(t, float64(total+i), buf.Sample(5, i))
		}
		total += buf.SampleCount()
	}

	// the first pulse starts at sample 0 and lasts two samples
	s2 := s.(*Stream)
	s2.sampleIndex = 0
	assert.Equal(t, 1, s2.triggerCode())
	s2.sampleIndex = 2
	assert.Equal(t, 0, s2.triggerCode())
	s2.sampleIndex = 10
	assert.Equal(t, 2, s2.triggerCode())
}

func TestOneStreamAtATime(t *testing.T) {
	amp, err := NewFactory(Options{}).Amplifier()
	require.NoError(t, err)

	imp, err := amp.OpenImpedanceStream(nil)
	require.NoError(t, err)

	_, err = amp.OpenEEGStream(500, nil)
	require.True(t, errors.Is(err, device.ErrAlreadyExists))

	require.NoError(t, imp.Close())
	eeg, err := amp.OpenEEGStream(500, nil)
	require.NoError(t, err)
	require.NoError(t, eeg.Close())
}

func TestOpenErrors(t *testing.T) {
	_, err := NewFactory(Options{Absent: true}).Amplifier()
	assert.True(t, errors.Is(err, device.ErrNotFound))

	amp, err := NewFactory(Options{Channels: 2}).Amplifier()
	require.NoError(t, err)
	_, err = amp.OpenEEGStream(123, nil)
	assert.True(t, errors.Is(err, device.ErrIncorrectValue))
	_, err = amp.OpenEEGStream(500, []int{0, 5})
	assert.True(t, errors.Is(err, device.ErrIncorrectValue))
	_, err = amp.OpenEEGStream(500, []int{1, 1})
	assert.True(t, errors.Is(err, device.ErrAlreadyExists))

	s, err := amp.OpenEEGStream(500, []int{1})
	require.NoError(t, err)
	assert.Len(t, s.ChannelList(), 3)
}

func TestInjectedFault(t *testing.T) {
	amp, err := NewFactory(Options{ReadInterval: time.Millisecond, Fault: device.ErrNotConnected, FailAfter: 2}).Amplifier()
	require.NoError(t, err)
	s, err := amp.OpenEEGStream(500, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.GetData()
		require.NoError(t, err)
	}
	_, err = s.GetData()
	assert.True(t, errors.Is(err, device.ErrNotConnected))
}

func TestImpedanceBuffer(t *testing.T) {
	amp, err := NewFactory(Options{Channels: 3, ReadInterval: time.Millisecond}).Amplifier()
	require.NoError(t, err)
	s, err := amp.OpenImpedanceStream(nil)
	require.NoError(t, err)

	buf, err := s.GetData()
	require.NoError(t, err)
	assert.Equal(t, 5, buf.ChannelCount())
	assert.Equal(t, 1, buf.SampleCount())

	require.NoError(t, s.Close())
	_, err = s.GetData()
	assert.True(t, errors.Is(err, device.ErrNotConnected))
}
