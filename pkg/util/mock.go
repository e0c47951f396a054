package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI stands in for an influx write API when no database is
// configured. It keeps the points it was given so tests can inspect them.
type MockWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	Keep   bool
}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	if !m.Keep {
		return
	}
	m.mu.Lock()
	m.points = append(m.points, point)
	m.mu.Unlock()
}

// Points returns the kept points with the given measurement name.
func (m *MockWriteAPI) Points(name string) []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ret []*write.Point
	for _, p := range m.points {
		if p.Name() == name {
			ret = append(ret, p)
		}
	}
	return ret
}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

func (m *MockWriteAPI) Errors() <-chan error { return nil }
