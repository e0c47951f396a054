package eegolink

import (
	"context"
	"math"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/norasector/eegolink/pkg/util"
)

// Reshape converts a pulled buffer into N rows of C-2 values, dropping the
// trigger and sample counter channels.
func Reshape(buf device.Buffer) [][]float32 {
	n := buf.SampleCount()
	published := buf.ChannelCount() - 2
	if published < 0 {
		published = 0
	}

	rows := make([][]float32, n)
	flat := make([]float32, n*published)
	for s := 0; s < n; s++ {
		row := flat[s*published : (s+1)*published]
		for c := range row {
			row[c] = float32(buf.Sample(c, s))
		}
		rows[s] = row
	}
	return rows
}

type Marker struct {
	Value     int
	Timestamp float64
}

// markerDetector emits a marker each time the trigger channel changes value.
// last persists across chunks so edges spanning a chunk boundary fire once.
type markerDetector struct {
	trigger int
	last    int
}

func newMarkerDetector(layout Layout) *markerDetector {
	return &markerDetector{trigger: layout.TriggerIndex()}
}

func (d *markerDetector) scan(buf device.Buffer, now, rate float64) []Marker {
	if d.trigger < 0 || d.trigger >= buf.ChannelCount() {
		return nil
	}
	n := buf.SampleCount()

	var markers []Marker
	for s := 0; s < n; s++ {
		v := int(math.Round(buf.Sample(d.trigger, s)))
		if v == d.last {
			continue
		}
		markers = append(markers, Marker{
			Value:     v,
			Timestamp: now + float64(s+1-n)/rate,
		})
		d.last = v
	}
	return markers
}

func (r *Reader) acquire(ctx context.Context, sess *Session, pub *Publisher, layout Layout, res *Result) error {
	det := newMarkerDetector(layout)
	rate := float64(r.params.SamplingRate)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var buf device.Buffer
		pullTime, err := util.TimeOperation(func() error {
			var err error
			buf, err = sess.Pull()
			return err
		})
		if err != nil {
			return err
		}
		now := r.clock()
		r.observer.Pulled()

		rows := Reshape(buf)
		pub.PushChunk(rows, now)

		markers := det.scan(buf, now, rate)
		for _, m := range markers {
			pub.PushSample(strconv.Itoa(m.Value), m.Timestamp)
		}

		res.Chunks++
		res.Samples += len(rows)
		res.Markers += len(markers)

		if r.display != nil && len(rows) > 0 && buf.ChannelCount() > 2 {
			preview := make([]float32, len(rows))
			for i, row := range rows {
				preview[i] = row[0]
			}
			r.display.Preview(preview)
		}

		go r.writeAPI.WritePoint(influxdb2.NewPoint("eegolink.chunk",
			map[string]string{
				"serial": sess.Serial(),
			},
			map[string]interface{}{
				"samples":  len(rows),
				"channels": buf.ChannelCount(),
				"markers":  len(markers),
				"pull_us":  pullTime.Microseconds(),
			}, time.Now()))
	}
}
