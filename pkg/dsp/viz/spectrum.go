package viz

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/window"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// MixAvg is the weight of the newest spectrum in the running average.
const MixAvg = 0.10

// SpectrumPlotter draws the averaged power spectrum of one real signal.
type SpectrumPlotter struct {
	mu           sync.Mutex
	bufFloat     []float64
	sampleRate   int
	len          int
	filled       int
	averagePower []float64
	win          []float64
	fft          *fourier.FFT
	name         string
	plotOptions  []PlotOptions
}

func (f *SpectrumPlotter) Name() string {
	return f.name
}

func NewSpectrumPlotter(name string, len, sampleRate int) *SpectrumPlotter {
	return &SpectrumPlotter{
		bufFloat:     make([]float64, len),
		averagePower: make([]float64, len/2+1),
		win:          window.Hann(len),
		fft:          fourier.NewFFT(len),
		len:          len,
		sampleRate:   sampleRate,
		name:         name,
	}
}

func (p *SpectrumPlotter) AppendFloat(s []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(s) > p.len {
		s = s[len(s)-p.len:]
	}
	copy(p.bufFloat, p.bufFloat[len(s):])
	tail := p.bufFloat[p.len-len(s):]
	for i, v := range s {
		tail[i] = float64(v)
	}
	p.filled += len(s)
}

func (pb *SpectrumPlotter) AddPlotOption(opt PlotOptions) {
	pb.mu.Lock()
	pb.plotOptions = append(pb.plotOptions, opt)
	pb.mu.Unlock()
}

// Spectrum updates the running average and returns frequency and dB power
// per bin. It returns nil until a full window has been seen.
func (pb *SpectrumPlotter) Spectrum() plotter.XYs {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.filled < pb.len {
		return nil
	}

	data := make([]float64, pb.len)
	for i, v := range pb.bufFloat {
		data[i] = v * pb.win[i]
	}
	coeffs := pb.fft.Coefficients(nil, data)

	ret := make(plotter.XYs, len(coeffs))
	for i, c := range coeffs {
		mag := cmplx.Abs(c) / float64(pb.len)
		if pb.averagePower[i] == 0 {
			pb.averagePower[i] = mag
		} else {
			pb.averagePower[i] = ((1.0 - MixAvg) * pb.averagePower[i]) + (MixAvg * mag)
		}
		power := pb.averagePower[i]
		if power < 1e-12 {
			power = 1e-12
		}
		ret[i] = plotter.XY{X: pb.fft.Freq(i) * float64(pb.sampleRate), Y: 20 * math.Log10(power)}
	}
	return ret
}

func (pb *SpectrumPlotter) GetImage() *ImageContainer {
	pts := pb.Spectrum()
	if pts == nil {
		return nil
	}

	pb.mu.Lock()
	opts := append([]PlotOptions(nil), pb.plotOptions...)
	pb.mu.Unlock()

	p := plotWithDefaults()
	p.Title.Text = pb.name
	p.Y.Label.Text = "Power (dB)"
	p.X.Label.Text = "Frequency (Hz)"

	for _, opt := range opts {
		opt(p)
	}

	grid := plotter.NewGrid()
	p.Add(grid)

	if err := plotutil.AddLines(p, "spectrum", pts); err != nil {
		log.Warn().Err(err).Str("plot", pb.name).Msg("error plotting")
		return nil
	}

	img, err := renderPNG(p, pb.name)
	if err != nil {
		log.Warn().Err(err).Msg("error rendering plot")
		return nil
	}
	return img
}
