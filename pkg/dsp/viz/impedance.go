package viz

import (
	"fmt"
	"image/color"
	"sync"

	"github.com/norasector/eegolink/pkg/eegolink"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ImpedancePlotter draws the last impedance reading as one bar per channel.
type ImpedancePlotter struct {
	mu          sync.Mutex
	name        string
	last        *eegolink.Extrema
	plotOptions []PlotOptions
}

func NewImpedancePlotter(name string) *ImpedancePlotter {
	return &ImpedancePlotter{name: name}
}

func (ip *ImpedancePlotter) Name() string {
	return ip.name
}

func (ip *ImpedancePlotter) Update(ex eegolink.Extrema) {
	ex.Values = append([]float64(nil), ex.Values...)
	ip.mu.Lock()
	ip.last = &ex
	ip.mu.Unlock()
}

// Last returns the most recent reading, if any.
func (ip *ImpedancePlotter) Last() (eegolink.Extrema, bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if ip.last == nil {
		return eegolink.Extrema{}, false
	}
	return *ip.last, true
}

func (ip *ImpedancePlotter) AddPlotOption(opt PlotOptions) {
	ip.mu.Lock()
	ip.plotOptions = append(ip.plotOptions, opt)
	ip.mu.Unlock()
}

func (ip *ImpedancePlotter) GetImage() *ImageContainer {
	ex, ok := ip.Last()
	if !ok || len(ex.Values) == 0 {
		return nil
	}
	ip.mu.Lock()
	opts := append([]PlotOptions(nil), ip.plotOptions...)
	ip.mu.Unlock()

	p := plotWithDefaults()
	p.Title.Text = fmt.Sprintf("%s min Ch%d %.1f max Ch%d %.1f", ip.name, ex.MinIndex, ex.Min, ex.MaxIndex, ex.Max)
	p.Y.Label.Text = "Impedance"
	p.X.Label.Text = "channel"
	p.Y.Min = 0

	for _, opt := range opts {
		opt(p)
	}

	bars, err := plotter.NewBarChart(plotter.Values(ex.Values), vg.Points(8))
	if err != nil {
		log.Warn().Err(err).Str("plot", ip.name).Msg("error plotting")
		return nil
	}
	bars.Color = color.RGBA{R: 0x33, G: 0x99, B: 0xff, A: 0xff}
	bars.LineStyle.Width = 0
	p.Add(plotter.NewGrid(), bars)

	img, err := renderPNG(p, ip.name)
	if err != nil {
		log.Warn().Err(err).Msg("error rendering plot")
		return nil
	}
	return img
}
