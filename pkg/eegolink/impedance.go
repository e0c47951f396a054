package eegolink

import (
	"context"

	"github.com/norasector/eegolink/pkg/eegolink/device"
	"gonum.org/v1/gonum/floats"
)

// DefaultImpedanceChannels is the number of leading values scanned for extrema.
const DefaultImpedanceChannels = 32

// Extrema summarises one impedance measurement.
type Extrema struct {
	MinIndex int       `json:"min_index"`
	Min      float64   `json:"min"`
	MaxIndex int       `json:"max_index"`
	Max      float64   `json:"max"`
	Values   []float64 `json:"values"`
}

// ComputeExtrema scans the first min(C, limit) values of buf. It reports false
// for an empty buffer.
func ComputeExtrema(buf device.Buffer, limit int) (Extrema, bool) {
	if buf.SampleCount() == 0 {
		return Extrema{}, false
	}
	n := buf.ChannelCount()
	if limit > 0 && limit < n {
		n = limit
	}
	values := make([]float64, n)
	copy(values, buf.Data[:n])

	minIdx := floats.MinIdx(values)
	maxIdx := floats.MaxIdx(values)
	return Extrema{
		MinIndex: minIdx,
		Min:      values[minIdx],
		MaxIndex: maxIdx,
		Max:      values[maxIdx],
		Values:   values,
	}, true
}

// measureImpedance reports impedance extrema until ctx is done or proceed is closed.
func (r *Reader) measureImpedance(ctx context.Context, proceed <-chan struct{}, sess *Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proceed:
			return nil
		default:
		}

		buf, err := sess.Pull()
		if err != nil {
			return err
		}
		r.observer.Pulled()

		ex, ok := ComputeExtrema(buf, r.params.ImpedanceChannels)
		if !ok {
			continue
		}
		r.logger.Debug().
			Int("min_index", ex.MinIndex).
			Float64("min", ex.Min).
			Int("max_index", ex.MaxIndex).
			Float64("max", ex.Max).
			Msg("impedance")
		if r.display != nil {
			r.display.Impedance(ex)
		}
		r.observer.Impedance(ex)
	}
}
