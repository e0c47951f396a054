package device

import (
	"errors"
	"fmt"
)

// Driver failure conditions. Drivers wrap one of these so callers can use errors.Is.
var (
	ErrNotFound       = errors.New("amplifier not found or license file not present")
	ErrNotConnected   = errors.New("amplifier connection lost")
	ErrIncorrectValue = errors.New("incorrect value")
	ErrAlreadyExists  = errors.New("already exists")
)

type ChannelType int

const (
	ChannelTypeReference ChannelType = iota
	ChannelTypeBipolar
	ChannelTypeTrigger
	ChannelTypeSampleCounter
	ChannelTypeImpedanceReference
	ChannelTypeImpedanceGround
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeReference:
		return "reference"
	case ChannelTypeBipolar:
		return "bipolar"
	case ChannelTypeTrigger:
		return "trigger"
	case ChannelTypeSampleCounter:
		return "sample_counter"
	case ChannelTypeImpedanceReference:
		return "impedance_reference"
	case ChannelTypeImpedanceGround:
		return "impedance_ground"
	default:
		return fmt.Sprintf("channel_type(%d)", int(t))
	}
}

type Channel struct {
	Index int
	Type  ChannelType
}

// Buffer is one block of samples as returned by a single pull. Data is stored
// sample-major: all channels of sample 0, then all channels of sample 1, etc.
type Buffer struct {
	Channels int
	Data     []float64
}

func NewBuffer(channels, samples int) Buffer {
	return Buffer{Channels: channels, Data: make([]float64, channels*samples)}
}

func (b Buffer) ChannelCount() int {
	return b.Channels
}

func (b Buffer) SampleCount() int {
	if b.Channels == 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

func (b Buffer) Sample(channel, sample int) float64 {
	return b.Data[sample*b.Channels+channel]
}

func (b Buffer) SetSample(channel, sample int, v float64) {
	b.Data[sample*b.Channels+channel] = v
}

// Stream is an open impedance or EEG stream. GetData blocks until the driver
// has new data; a zero-sample buffer is a valid result.
type Stream interface {
	GetData() (Buffer, error)
	ChannelList() []Channel
	Close() error
}

// Amplifier allows only one open stream at a time.
type Amplifier interface {
	SerialNumber() string
	SamplingRatesAvailable() []int
	OpenImpedanceStream(channels []int) (Stream, error)
	OpenEEGStream(samplingRate int, channels []int) (Stream, error)
	Close() error
}

type Factory interface {
	Amplifier() (Amplifier, error)
	Close() error
}

// Opener creates a new driver factory. One is called per acquisition run.
type Opener func() (Factory, error)
