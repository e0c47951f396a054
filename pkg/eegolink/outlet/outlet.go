package outlet

import (
	"errors"
	"fmt"
)

type Format int

const (
	FormatFloat32 Format = iota + 1
	FormatString
)

func (f Format) String() string {
	switch f {
	case FormatFloat32:
		return "float32"
	case FormatString:
		return "string"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// IrregularRate is the nominal rate of event-driven streams.
const IrregularRate = 0.0

var ErrWrongFormat = errors.New("sample format does not match stream")

type ChannelDesc struct {
	Label string
	Type  string
	Unit  string
}

type Acquisition struct {
	Manufacturer string
	SerialNumber string
}

type Desc struct {
	Channels    []ChannelDesc
	Acquisition Acquisition
}

// StreamInfo identifies an outgoing stream.
type StreamInfo struct {
	Name         string
	Type         string
	ChannelCount int
	NominalRate  float64
	Format       Format
	SourceID     string
	Desc         Desc
}

// Outlet is a named, typed publishing endpoint. Pushes are fire-and-forget:
// an outlet never retries or queues on the caller's behalf.
type Outlet interface {
	Info() StreamInfo
	PushChunk(rows [][]float32, timestamp float64) error
	PushSample(value string, timestamp float64) error
	Close() error
}

type Transport interface {
	Open(info StreamInfo) (Outlet, error)
}

// CheckChunk validates that rows match the stream's channel count and format.
func CheckChunk(info StreamInfo, rows [][]float32) error {
	if info.Format != FormatFloat32 {
		return fmt.Errorf("%s: chunk pushed to %s stream: %w", info.Name, info.Format, ErrWrongFormat)
	}
	for i, row := range rows {
		if len(row) != info.ChannelCount {
			return fmt.Errorf("%s: row %d has %d values, want %d: %w", info.Name, i, len(row), info.ChannelCount, ErrWrongFormat)
		}
	}
	return nil
}

func CheckSample(info StreamInfo) error {
	if info.Format != FormatString {
		return fmt.Errorf("%s: string sample pushed to %s stream: %w", info.Name, info.Format, ErrWrongFormat)
	}
	return nil
}

// Tee opens every stream on all of the given transports.
func Tee(transports ...Transport) Transport {
	return teeTransport(transports)
}

type teeTransport []Transport

func (t teeTransport) Open(info StreamInfo) (Outlet, error) {
	out := &teeOutlet{info: info}
	for _, tr := range t {
		o, err := tr.Open(info)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.outlets = append(out.outlets, o)
	}
	return out, nil
}

type teeOutlet struct {
	info    StreamInfo
	outlets []Outlet
}

func (t *teeOutlet) Info() StreamInfo {
	return t.info
}

func (t *teeOutlet) PushChunk(rows [][]float32, timestamp float64) error {
	var errs []error
	for _, o := range t.outlets {
		if err := o.PushChunk(rows, timestamp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teeOutlet) PushSample(value string, timestamp float64) error {
	var errs []error
	for _, o := range t.outlets {
		if err := o.PushSample(value, timestamp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teeOutlet) Close() error {
	var errs []error
	for _, o := range t.outlets {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.outlets = nil
	return errors.Join(errs...)
}
