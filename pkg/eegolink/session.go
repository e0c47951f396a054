package eegolink

import (
	"errors"
	"fmt"

	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/rs/zerolog"
)

// Layout is the channel list of the open stream. In EEG mode the last two
// entries are the trigger and sample counter channels.
type Layout []device.Channel

// Published is the number of channels carried on the data stream.
func (l Layout) Published() int {
	if len(l) < 2 {
		return 0
	}
	return len(l) - 2
}

// TriggerIndex is the column holding marker codes, or -1 when there is none.
func (l Layout) TriggerIndex() int {
	if len(l) < 2 {
		return -1
	}
	return len(l) - 2
}

type streamKind int

const (
	streamNone streamKind = iota
	streamImpedance
	streamEEG
)

func (k streamKind) String() string {
	switch k {
	case streamImpedance:
		return "impedance"
	case streamEEG:
		return "eeg"
	default:
		return "none"
	}
}

// Session owns the driver handles of one acquisition run. At most one stream
// is open at a time and Close releases everything.
type Session struct {
	open         device.Opener
	samplingRate int
	channels     []int
	logger       zerolog.Logger

	factory device.Factory
	amp     device.Amplifier
	stream  device.Stream
	kind    streamKind
	closed  bool
}

func NewSession(open device.Opener, samplingRate int, channels []int, logger zerolog.Logger) *Session {
	return &Session{
		open:         open,
		samplingRate: samplingRate,
		channels:     append([]int(nil), channels...),
		logger:       logger,
	}
}

func (s *Session) amplifier() (device.Amplifier, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed: %w", device.ErrNotConnected)
	}
	if s.amp != nil {
		return s.amp, nil
	}
	if s.factory == nil {
		f, err := s.open()
		if err != nil {
			return nil, fmt.Errorf("error creating driver factory: %w", err)
		}
		s.factory = f
	}
	amp, err := s.factory.Amplifier()
	if err != nil {
		return nil, fmt.Errorf("error getting amplifier: %w", err)
	}
	s.amp = amp
	s.logger.Info().Str("serial", amp.SerialNumber()).Msg("amplifier found")
	return amp, nil
}

func (s *Session) OpenImpedance() (Layout, error) {
	return s.openStream(streamImpedance)
}

func (s *Session) OpenEEG() (Layout, error) {
	return s.openStream(streamEEG)
}

func (s *Session) openStream(kind streamKind) (Layout, error) {
	if s.stream != nil {
		return nil, fmt.Errorf("cannot open %s stream while %s stream is open: %w", kind, s.kind, device.ErrAlreadyExists)
	}
	amp, err := s.amplifier()
	if err != nil {
		return nil, err
	}

	var stream device.Stream
	switch kind {
	case streamImpedance:
		stream, err = amp.OpenImpedanceStream(s.channels)
	case streamEEG:
		stream, err = amp.OpenEEGStream(s.samplingRate, s.channels)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening %s stream: %w", kind, err)
	}
	s.stream = stream
	s.kind = kind

	layout := Layout(stream.ChannelList())
	s.logger.Debug().
		Str("stream", kind.String()).
		Int("channels", len(layout)).
		Int("sampling_rate", s.samplingRate).
		Msg("stream opened")
	return layout, nil
}

// Pull blocks in the driver until the open stream has data.
func (s *Session) Pull() (device.Buffer, error) {
	if s.stream == nil {
		return device.Buffer{}, fmt.Errorf("no stream open: %w", device.ErrNotConnected)
	}
	return s.stream.GetData()
}

// CloseStream releases the open stream, if any.
func (s *Session) CloseStream() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.logger.Debug().Str("stream", s.kind.String()).Msg("stream closed")
	s.stream = nil
	s.kind = streamNone
	if err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}
	return nil
}

func (s *Session) Serial() string {
	if s.amp == nil {
		return ""
	}
	return s.amp.SerialNumber()
}

// Close releases stream, amplifier and factory. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.CloseStream(); err != nil {
		errs = append(errs, err)
	}
	if s.amp != nil {
		if err := s.amp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing amplifier: %w", err))
		}
		s.amp = nil
	}
	if s.factory != nil {
		if err := s.factory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing factory: %w", err))
		}
		s.factory = nil
	}
	return errors.Join(errs...)
}
