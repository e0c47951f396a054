package viz

import (
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// TimeDomainPlotter draws the most recent size samples of one signal.
type TimeDomainPlotter struct {
	mu          sync.Mutex
	bufFloat    []float32
	size        int
	name        string
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
}

func NewTimeDomainPlotter(name string, size int) *TimeDomainPlotter {
	ret := &TimeDomainPlotter{
		bufFloat: make([]float32, 0, size),
		size:     size,
		name:     name,
		plotFunc: plotutil.AddLines,
	}

	return ret
}

func (t *TimeDomainPlotter) Name() string {
	return t.name
}

func (t *TimeDomainPlotter) SetPlotType(tp PlotType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch tp {
	case PlotTypeScatter:
		t.plotFunc = plotutil.AddScatters
	default:
		t.plotFunc = plotutil.AddLines
	}
}

func (tp *TimeDomainPlotter) AppendFloat(f []float32) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.bufFloat = append(tp.bufFloat, f...)

	if len(tp.bufFloat) > tp.size {
		tp.bufFloat = append(tp.bufFloat[:0], tp.bufFloat[len(tp.bufFloat)-tp.size:]...)
	}
}

// Len is the number of buffered samples.
func (tp *TimeDomainPlotter) Len() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.bufFloat)
}

func (tp *TimeDomainPlotter) AddPlotOption(opt PlotOptions) {
	tp.mu.Lock()
	tp.plotOptions = append(tp.plotOptions, opt)
	tp.mu.Unlock()
}

func (tp *TimeDomainPlotter) GetImage() *ImageContainer {
	tp.mu.Lock()
	if len(tp.bufFloat) == 0 {
		tp.mu.Unlock()
		return nil
	}
	data := append([]float32(nil), tp.bufFloat...)
	opts := append([]PlotOptions(nil), tp.plotOptions...)
	plotFunc := tp.plotFunc
	tp.mu.Unlock()

	p := plotWithDefaults()

	p.Title.Text = tp.name
	p.Y.Label.Text = "Amplitude (uV)"
	p.X.Label.Text = "sample"

	for _, opt := range opts {
		opt(p)
	}

	grid := plotter.NewGrid()
	p.Add(grid)

	pts := make(plotter.XYs, len(data))
	for i, v := range data {
		pts[i] = plotter.XY{X: float64(i), Y: float64(v)}
	}
	if err := plotFunc(p, "f(t)", pts); err != nil {
		log.Warn().Err(err).Str("plot", tp.name).Msg("error plotting")
		return nil
	}

	img, err := renderPNG(p, tp.name)
	if err != nil {
		log.Warn().Err(err).Msg("error rendering plot")
		return nil
	}
	return img
}
