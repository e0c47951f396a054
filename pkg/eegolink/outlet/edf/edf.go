// Package edf records outgoing streams to disk: the data stream as EDF
// files with one-second data records, markers as a CSV sidecar. Every
// session gets its own file names.
package edf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	edfio "github.com/OpenPSG/edf"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/rs/zerolog"
)

const (
	maxRecordBytes       = 61440
	defaultPhysicalRange = 1000.0 // microvolts
	digitalMin           = -32768
	digitalMax           = 32767
)

type recordFile interface {
	io.WriteSeeker
	io.Closer
}

// createFile never overwrites an existing file.
func createFile(name string) (recordFile, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

type Transport struct {
	path          string
	physicalRange float64
	logger        zerolog.Logger
	create        func(name string) (recordFile, error)

	mu          sync.Mutex
	base        string
	dataUsed    bool
	markersUsed bool
}

// New records to files named after path: "<path without .edf>-<start time>.edf".
func New(path string, physicalRange float64, logger zerolog.Logger) *Transport {
	if physicalRange <= 0 {
		physicalRange = defaultPhysicalRange
	}
	return &Transport{path: path, physicalRange: physicalRange, logger: logger, create: createFile}
}

// MarkerPath is where the markers of the session recorded under base are written.
func MarkerPath(base string) string {
	return base + ".markers.csv"
}

func dataPath(base string, part int) string {
	if part == 0 {
		return base + ".edf"
	}
	return fmt.Sprintf("%s.part%d.edf", base, part+1)
}

// sessionBase pairs the data and marker streams of one session under the
// same file stem. A stream kind opened a second time starts a new session.
func (t *Transport) sessionBase(data bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.base == "" || (data && t.dataUsed) || (!data && t.markersUsed) {
		stem := strings.TrimSuffix(t.path, ".edf") + "-" + time.Now().Format("20060102T150405")
		base := stem
		for i := 2; exists(dataPath(base, 0)) || exists(MarkerPath(base)); i++ {
			base = fmt.Sprintf("%s-%d", stem, i)
		}
		t.base, t.dataUsed, t.markersUsed = base, false, false
	}
	if data {
		t.dataUsed = true
	} else {
		t.markersUsed = true
	}
	return t.base
}

func (t *Transport) Open(info outlet.StreamInfo) (outlet.Outlet, error) {
	switch info.Format {
	case outlet.FormatFloat32:
		return t.openData(info)
	case outlet.FormatString:
		return t.openMarkers(info)
	default:
		return nil, fmt.Errorf("edf: cannot record %s streams", info.Format)
	}
}

func (t *Transport) openData(info outlet.StreamInfo) (*DataOutlet, error) {
	rate := int(info.NominalRate)
	if rate <= 0 || float64(rate) != info.NominalRate {
		return nil, fmt.Errorf("edf: nominal rate %v is not a whole number of samples per second", info.NominalRate)
	}
	if info.ChannelCount <= 0 {
		return nil, errors.New("edf: stream has no channels")
	}
	// one-second records are capped in size, so wide streams are split
	// into channel groups with one file each
	perFile := maxRecordBytes / (2 * rate)
	if perFile == 0 {
		return nil, fmt.Errorf("edf: %d Hz needs %d byte records per channel, max is %d", rate, 2*rate, maxRecordBytes)
	}

	base := t.sessionBase(true)
	o := &DataOutlet{
		info:   info,
		rate:   rate,
		limit:  t.physicalRange,
		record: make([][]float64, info.ChannelCount),
		logger: t.logger,
	}
	for i := range o.record {
		o.record[i] = make([]float64, 0, rate)
	}

	for first := 0; first < info.ChannelCount; first += perFile {
		g, err := t.openGroup(info, dataPath(base, len(o.groups)), first, min(first+perFile, info.ChannelCount))
		if err != nil {
			o.closeGroups()
			return nil, err
		}
		o.groups = append(o.groups, g)
	}
	t.logger.Info().
		Str("stream", info.Name).
		Str("path", o.Path()).
		Int("files", len(o.groups)).
		Msg("recording stream")
	return o, nil
}

func (t *Transport) openGroup(info outlet.StreamInfo, path string, first, last int) (*recordGroup, error) {
	signals := make([]edfio.Signal, last-first)
	for i := range signals {
		ch := first + i
		label := fmt.Sprintf("Ch%d", ch)
		if ch < len(info.Desc.Channels) {
			label = info.Desc.Channels[ch].Label
		}
		signals[i] = edfio.Signal{
			Label:             label,
			TransducerType:    "AgAgCl electrode",
			PhysicalDimension: "uV",
			PhysicalMin:       -t.physicalRange,
			PhysicalMax:       t.physicalRange,
			DigitalMin:        digitalMin,
			DigitalMax:        digitalMax,
			SamplesPerRecord:  int(info.NominalRate),
		}
	}

	f, err := t.create(path)
	if err != nil {
		return nil, fmt.Errorf("edf: %w", err)
	}
	w, err := edfio.Create(f, edfio.Header{
		Version:            edfio.Version0,
		PatientID:          "X",
		RecordingID:        info.SourceID,
		StartTime:          time.Now(),
		DataRecordDuration: time.Second,
		SignalCount:        len(signals),
		Signals:            signals,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &recordGroup{path: path, file: f, writer: w, first: first, last: last}, nil
}

func (t *Transport) openMarkers(info outlet.StreamInfo) (*MarkerOutlet, error) {
	path := MarkerPath(t.sessionBase(false))
	f, err := t.create(path)
	if err != nil {
		return nil, fmt.Errorf("edf: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString("# timestamp,marker\n"); err != nil {
		f.Close()
		return nil, err
	}
	return &MarkerOutlet{info: info, path: path, file: f, w: w}, nil
}

// recordGroup is one EDF file holding channels [first, last).
type recordGroup struct {
	path   string
	file   recordFile
	writer *edfio.Writer
	first  int
	last   int
}

// DataOutlet buffers rows until a full one-second record is available.
type DataOutlet struct {
	info   outlet.StreamInfo
	groups []*recordGroup
	rate   int
	limit  float64
	logger zerolog.Logger

	mu      sync.Mutex
	record  [][]float64
	records int
	closed  bool
}

func (o *DataOutlet) Info() outlet.StreamInfo {
	return o.info
}

// Path is the file holding the first channels.
func (o *DataOutlet) Path() string {
	return o.groups[0].path
}

func (o *DataOutlet) Paths() []string {
	paths := make([]string, len(o.groups))
	for i, g := range o.groups {
		paths[i] = g.path
	}
	return paths
}

// PushChunk writes every completed record. A record that fails to write is
// dropped and recording continues with the next one.
func (o *DataOutlet) PushChunk(rows [][]float32, timestamp float64) error {
	if err := outlet.CheckChunk(o.info, rows); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("edf: outlet %s closed", o.info.Name)
	}

	var errs []error
	for _, row := range rows {
		for c, v := range row {
			o.record[c] = append(o.record[c], math.Max(-o.limit, math.Min(o.limit, float64(v))))
		}
		if len(o.record[0]) < o.rate {
			continue
		}
		if err := o.writeRecord(); err != nil {
			errs = append(errs, err)
		} else {
			o.records++
		}
		for c := range o.record {
			o.record[c] = o.record[c][:0]
		}
	}
	return errors.Join(errs...)
}

func (o *DataOutlet) writeRecord() error {
	var errs []error
	for _, g := range o.groups {
		if err := g.writer.WriteRecord(o.record[g.first:g.last]); err != nil {
			errs = append(errs, fmt.Errorf("edf: record %d of %s: %w", o.records, g.path, err))
		}
	}
	return errors.Join(errs...)
}

func (o *DataOutlet) PushSample(value string, timestamp float64) error {
	return outlet.CheckSample(o.info)
}

// Records is the number of complete data records written.
func (o *DataOutlet) Records() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.records
}

// Buffered is the number of samples per channel waiting for a full record.
func (o *DataOutlet) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.record[0])
}

// Close finalizes the headers. A trailing partial record is discarded.
func (o *DataOutlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if n := len(o.record[0]); n > 0 {
		o.logger.Debug().Int("samples", n).Msg("discarding partial edf record")
	}
	return o.closeGroups()
}

func (o *DataOutlet) closeGroups() error {
	var errs []error
	for _, g := range o.groups {
		errs = append(errs, g.writer.Close(), g.file.Close())
	}
	return errors.Join(errs...)
}

type MarkerOutlet struct {
	info outlet.StreamInfo
	path string

	mu     sync.Mutex
	file   recordFile
	w      *bufio.Writer
	closed bool
}

func (o *MarkerOutlet) Info() outlet.StreamInfo {
	return o.info
}

func (o *MarkerOutlet) Path() string {
	return o.path
}

func (o *MarkerOutlet) PushChunk(rows [][]float32, timestamp float64) error {
	return outlet.CheckChunk(o.info, rows)
}

func (o *MarkerOutlet) PushSample(value string, timestamp float64) error {
	if err := outlet.CheckSample(o.info); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("edf: outlet %s closed", o.info.Name)
	}
	_, err := fmt.Fprintf(o.w, "%.6f,%s\n", timestamp, value)
	return err
}

func (o *MarkerOutlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return errors.Join(o.w.Flush(), o.file.Close())
}
