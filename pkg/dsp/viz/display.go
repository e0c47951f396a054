package viz

import (
	"github.com/norasector/eegolink/pkg/eegolink"
)

const (
	BucketImpedance = "impedance"
	BucketEEG       = "eeg"

	DefaultPreviewLength = 1024
)

// Display feeds acquisition output into the plotters of a Server.
type Display struct {
	impedance *ImpedancePlotter
	timePlot  *TimeDomainPlotter
	spectrum  *SpectrumPlotter
}

var _ eegolink.Display = (*Display)(nil)

// NewDisplay registers impedance, time domain and spectrum plotters on s.
// previewLength is the number of samples shown and the FFT size, defaulting
// to DefaultPreviewLength when not positive.
func NewDisplay(s *Server, previewLength, samplingRate int) *Display {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	d := &Display{
		impedance: NewImpedancePlotter("impedance"),
		timePlot:  NewTimeDomainPlotter("Ch0", previewLength),
		spectrum:  NewSpectrumPlotter("Ch0_spectrum", previewLength, samplingRate),
	}
	s.Register(BucketImpedance, d.impedance)
	s.Register(BucketEEG, d.timePlot)
	s.Register(BucketEEG, d.spectrum)
	s.RegisterJSON("/impedance", func() (interface{}, bool) {
		ex, ok := d.impedance.Last()
		return ex, ok
	})
	return d
}

func (d *Display) Impedance(ex eegolink.Extrema) {
	d.impedance.Update(ex)
}

func (d *Display) Preview(samples []float32) {
	d.timePlot.AppendFloat(samples)
	d.spectrum.AppendFloat(samples)
}
