package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/norasector/eegolink/pkg/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	maxDatagram             = 65507
	frameOverhead           = 256
	defaultAnnounceInterval = 5 * time.Second
)

type Destination struct {
	Host string
	Port int
}

// Transport publishes every outlet on its own UDP socket. Each datagram is a
// little-endian uint16 length followed by an outlet.Frame in protobuf wire format.
type Transport struct {
	dests            []Destination
	announceInterval time.Duration
	logger           zerolog.Logger
	metrics          api.WriteAPI
}

type Option func(t *Transport)

func WithAnnounceInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.announceInterval = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func WithMetrics(writeAPI api.WriteAPI) Option {
	return func(t *Transport) {
		t.metrics = writeAPI
	}
}

func New(dests []Destination, opts ...Option) *Transport {
	t := &Transport{
		dests:            dests,
		announceInterval: defaultAnnounceInterval,
		logger:           log.Logger,
		metrics:          &util.MockWriteAPI{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Open(info outlet.StreamInfo) (outlet.Outlet, error) {
	if len(t.dests) == 0 {
		return nil, errors.New("udp: no output destinations")
	}
	destAddrs := make([]*net.UDPAddr, 0, len(t.dests))
	for _, dest := range t.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no IPs returned for %s", dest.Host)
		}
		destAddrs = append(destAddrs, &net.UDPAddr{IP: ips[0], Port: dest.Port})
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	o := &Outlet{
		info:    info,
		conn:    conn,
		dests:   destAddrs,
		logger:  t.logger.With().Str("stream", info.Name).Logger(),
		metrics: t.metrics,
	}
	if err := o.send(outlet.InfoFrame(info)); err != nil {
		conn.Close()
		return nil, err
	}

	var ctx context.Context
	ctx, o.cancel = context.WithCancel(context.Background())
	o.eg, ctx = errgroup.WithContext(ctx)
	if t.announceInterval > 0 {
		interval := t.announceInterval
		o.eg.Go(func() error {
			tick := time.NewTicker(interval)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
					if err := o.send(outlet.InfoFrame(info)); err != nil {
						o.logger.Warn().Err(err).Msg("error announcing stream")
					}
				}
			}
		})
	}

	for _, addr := range destAddrs {
		o.logger.Info().IPAddr("dest_ip", addr.IP).Int("port", addr.Port).Msg("stream outlet starting")
	}
	return o, nil
}

type Outlet struct {
	info    outlet.StreamInfo
	conn    *net.UDPConn
	dests   []*net.UDPAddr
	logger  zerolog.Logger
	metrics api.WriteAPI

	mu  sync.Mutex
	seq uint64

	cancel    context.CancelFunc
	eg        *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

func (o *Outlet) Info() outlet.StreamInfo {
	return o.info
}

func (o *Outlet) nextSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	return o.seq
}

// PushChunk sends rows in as few datagrams as fit; all of them carry the same
// timestamp. An empty chunk sends nothing.
func (o *Outlet) PushChunk(rows [][]float32, timestamp float64) error {
	if err := outlet.CheckChunk(o.info, rows); err != nil {
		return err
	}
	maxRows := len(rows)
	if o.info.ChannelCount > 0 {
		maxRows = (maxDatagram - 2 - frameOverhead - len(o.info.SourceID)) / (4 * o.info.ChannelCount)
	}
	if maxRows < 1 {
		return fmt.Errorf("udp: %d channels do not fit in one datagram", o.info.ChannelCount)
	}
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		if err := o.send(outlet.ChunkFrame(o.info, rows[start:end], timestamp, o.nextSeq())); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outlet) PushSample(value string, timestamp float64) error {
	if err := outlet.CheckSample(o.info); err != nil {
		return err
	}
	return o.send(outlet.MarkerFrame(o.info, value, timestamp, o.nextSeq()))
}

func (o *Outlet) send(f outlet.Frame) error {
	encoded := outlet.AppendFrame(nil, f)
	if len(encoded) > maxDatagram-2 {
		return fmt.Errorf("udp: frame of %d bytes too large", len(encoded))
	}

	var msgBuf bytes.Buffer
	if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
		return err
	}
	msgBuf.Write(encoded)

	var errs []error
	var bytesWritten int
	for _, dest := range o.dests {
		n, err := o.conn.WriteToUDP(msgBuf.Bytes(), dest)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bytesWritten += n
	}

	go o.metrics.WritePoint(influxdb2.NewPoint("outlet.sent_frame",
		map[string]string{
			"source_id": o.info.SourceID,
			"kind":      f.Kind.String(),
		},
		map[string]interface{}{
			"bytes_written": bytesWritten,
			"dropped":       len(errs),
		}, time.Now()))

	return errors.Join(errs...)
}

func (o *Outlet) Close() error {
	o.closeOnce.Do(func() {
		o.cancel()
		o.eg.Wait()
		o.closeErr = o.conn.Close()
	})
	return o.closeErr
}

// Decode parses one datagram produced by an Outlet.
func Decode(datagram []byte) (outlet.Frame, error) {
	if len(datagram) < 2 {
		return outlet.Frame{}, errors.New("udp: short datagram")
	}
	size := int(binary.LittleEndian.Uint16(datagram))
	if size != len(datagram)-2 {
		return outlet.Frame{}, fmt.Errorf("udp: length prefix %d, payload %d", size, len(datagram)-2)
	}
	return outlet.DecodeFrame(datagram[2:])
}
