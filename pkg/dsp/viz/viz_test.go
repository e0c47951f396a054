package viz

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG")

func sine(n int, freq, rate float64) []float32 {
	ret := make([]float32, n)
	for i := range ret {
		ret[i] = float32(50 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return ret
}

func TestSpectrumPeak(t *testing.T) {
	sp := NewSpectrumPlotter("spec", 256, 256)
	assert.Nil(t, sp.Spectrum())

	sp.AppendFloat(sine(300, 10, 256))
	pts := sp.Spectrum()
	require.Len(t, pts, 129)

	peak := 0
	for i := range pts {
		if pts[i].Y > pts[peak].Y {
			peak = i
		}
	}
	assert.InDelta(t, 10.0, pts[peak].X, 1e-9)
}

func TestTimeDomainKeepsLatest(t *testing.T) {
	tp := NewTimeDomainPlotter("t", 4)
	assert.Nil(t, tp.GetImage())
	tp.AppendFloat([]float32{1, 2, 3})
	tp.AppendFloat([]float32{4, 5, 6})
	assert.Equal(t, 4, tp.Len())
	tp.mu.Lock()
	assert.Equal(t, []float32{3, 4, 5, 6}, tp.bufFloat)
	tp.mu.Unlock()

	img := tp.GetImage()
	require.NotNil(t, img)
	assert.True(t, bytes.HasPrefix(img.Data(), pngMagic))
}

func TestServerRoutes(t *testing.T) {
	s := NewServer(0, 10*time.Millisecond)
	d := NewDisplay(s, 64, 500)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/impedance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	d.Impedance(eegolink.Extrema{MinIndex: 1, Min: 2, MaxIndex: 0, Max: 9, Values: []float64{9, 2, 5}})
	d.Preview(sine(64, 20, 500))

	resp, err = http.Get(srv.URL + "/impedance")
	require.NoError(t, err)
	var ex eegolink.Extrema
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ex))
	resp.Body.Close()
	assert.Equal(t, 1, ex.MinIndex)
	assert.Equal(t, []float64{9, 2, 5}, ex.Values)

	resp, err = http.Get(srv.URL + "/img/impedance/impedance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s.Refresh(BucketImpedance)
	s.Refresh(BucketEEG)

	for _, path := range []string{"/img/impedance/impedance", "/img/eeg/Ch0", "/img/eeg/Ch0_spectrum"} {
		resp, err = http.Get(srv.URL + path)
		require.NoError(t, err)
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.True(t, bytes.HasPrefix(body.Bytes(), pngMagic), path)
	}

	resp, err = http.Get(srv.URL + "/view/eeg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/view/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisplayDefaultsPreviewLength(t *testing.T) {
	d := NewDisplay(NewServer(0, 10*time.Millisecond), 0, 500)
	assert.Equal(t, DefaultPreviewLength, d.timePlot.size)
	assert.Equal(t, DefaultPreviewLength, d.spectrum.len)

	assert.NotPanics(t, func() {
		d.Preview(sine(DefaultPreviewLength+10, 20, 500))
	})
	assert.Len(t, d.spectrum.Spectrum(), DefaultPreviewLength/2+1)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServerUsesLogger(t *testing.T) {
	var out lockedBuffer
	s := NewServer(0, 10*time.Millisecond)
	s.SetLogger(zerolog.New(&out))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "viz server listening")
	}, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
