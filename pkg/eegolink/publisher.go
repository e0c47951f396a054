package eegolink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/rs/zerolog"
)

const (
	streamPrefix = "eegoSports"
	manufacturer = "antneuro"
)

// DataStreamInfo describes the EEG data stream of an amplifier.
func DataStreamInfo(serial string, samplingRate int, layout Layout) outlet.StreamInfo {
	channels := make([]outlet.ChannelDesc, layout.Published())
	for k := range channels {
		channels[k] = outlet.ChannelDesc{
			Label: fmt.Sprintf("Ch%d", k),
			Type:  "EEG",
			Unit:  "microvolts",
		}
	}
	return outlet.StreamInfo{
		Name:         streamPrefix + " " + serial,
		Type:         "EEG",
		ChannelCount: layout.Published(),
		NominalRate:  float64(samplingRate),
		Format:       outlet.FormatFloat32,
		SourceID:     streamPrefix + "_" + serial,
		Desc: outlet.Desc{
			Channels: channels,
			Acquisition: outlet.Acquisition{
				Manufacturer: manufacturer,
				SerialNumber: serial,
			},
		},
	}
}

// MarkerStreamInfo describes the event marker stream of an amplifier.
func MarkerStreamInfo(serial string) outlet.StreamInfo {
	return outlet.StreamInfo{
		Name:         streamPrefix + " " + serial + "_markers",
		Type:         "Markers",
		ChannelCount: 1,
		NominalRate:  outlet.IrregularRate,
		Format:       outlet.FormatString,
		SourceID:     streamPrefix + "_" + serial + "_markers",
	}
}

// Publisher owns the data and marker outlets of one EEG phase. Pushes never
// fail the caller; errors are counted and logged.
type Publisher struct {
	data     outlet.Outlet
	markers  outlet.Outlet
	logger   zerolog.Logger
	writeAPI api.WriteAPI

	mu        sync.Mutex
	failures  int
	closeOnce sync.Once
	closeErr  error
}

func NewPublisher(transport outlet.Transport, serial string, samplingRate int, layout Layout, logger zerolog.Logger, writeAPI api.WriteAPI) (*Publisher, error) {
	data, err := transport.Open(DataStreamInfo(serial, samplingRate, layout))
	if err != nil {
		return nil, fmt.Errorf("error opening data outlet: %w", err)
	}
	markers, err := transport.Open(MarkerStreamInfo(serial))
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("error opening marker outlet: %w", err)
	}

	logger.Info().
		Str("name", data.Info().Name).
		Int("channels", data.Info().ChannelCount).
		Float64("rate", data.Info().NominalRate).
		Msg("publishing")

	return &Publisher{
		data:     data,
		markers:  markers,
		logger:   logger,
		writeAPI: writeAPI,
	}, nil
}

func (p *Publisher) PushChunk(rows [][]float32, timestamp float64) {
	if err := p.data.PushChunk(rows, timestamp); err != nil {
		p.failed(p.data, err)
	}
}

func (p *Publisher) PushSample(value string, timestamp float64) {
	if err := p.markers.PushSample(value, timestamp); err != nil {
		p.failed(p.markers, err)
	}
}

func (p *Publisher) failed(o outlet.Outlet, err error) {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()

	p.logger.Warn().Err(err).Str("stream", o.Info().Name).Msg("push failed")
	go p.writeAPI.WritePoint(influxdb2.NewPoint("eegolink.push_error",
		map[string]string{
			"stream": o.Info().Type,
		},
		map[string]interface{}{
			"count": 1,
		}, time.Now()))
}

// Errors is the number of pushes that failed so far.
func (p *Publisher) Errors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.data.Close(), p.markers.Close())
	})
	return p.closeErr
}
