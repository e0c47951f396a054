package zmq

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

const (
	bindAttempts   = 20
	bindRetryDelay = 50 * time.Millisecond
)

// Transport binds one PUB socket per outlet. Data streams bind at basePort
// and marker streams at basePort+1, so subscribers keep their connection
// from one session to the next. Messages are two frames: the source id as
// topic, then an outlet.Frame in protobuf wire format.
type Transport struct {
	host     string
	basePort int
	logger   zerolog.Logger
}

// New parses an endpoint such as "tcp://*:5560".
func New(endpoint string, logger zerolog.Logger) (*Transport, error) {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 || !strings.Contains(endpoint, "://") {
		return nil, fmt.Errorf("zmq: endpoint %q has no port", endpoint)
	}
	var port int
	if _, err := fmt.Sscanf(endpoint[idx+1:], "%d", &port); err != nil {
		return nil, fmt.Errorf("zmq: endpoint %q: %w", endpoint, err)
	}
	return &Transport{host: endpoint[:idx], basePort: port, logger: logger}, nil
}

func (t *Transport) endpoint(info outlet.StreamInfo) (string, error) {
	switch info.Format {
	case outlet.FormatFloat32:
		return fmt.Sprintf("%s:%d", t.host, t.basePort), nil
	case outlet.FormatString:
		return fmt.Sprintf("%s:%d", t.host, t.basePort+1), nil
	default:
		return "", fmt.Errorf("zmq: no endpoint for %s streams", info.Format)
	}
}

func (t *Transport) Open(info outlet.StreamInfo) (outlet.Outlet, error) {
	endpoint, err := t.endpoint(info)
	if err != nil {
		return nil, err
	}
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	// pending messages are dropped on close so the port frees up at once
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	// the previous session's socket may still be releasing the port
	for attempt := 1; ; attempt++ {
		if err = sock.Bind(endpoint); err == nil {
			break
		}
		if attempt == bindAttempts {
			sock.Close()
			return nil, fmt.Errorf("zmq: bind %s: %w", endpoint, err)
		}
		time.Sleep(bindRetryDelay)
	}

	o := &Outlet{info: info, endpoint: endpoint, sock: sock}
	if err := o.send(outlet.InfoFrame(info)); err != nil {
		sock.Close()
		return nil, err
	}
	t.logger.Info().Str("stream", info.Name).Str("endpoint", endpoint).Msg("stream outlet starting")
	return o, nil
}

type Outlet struct {
	info     outlet.StreamInfo
	endpoint string

	mu     sync.Mutex
	sock   *zmq4.Socket
	seq    uint64
	closed bool
}

func (o *Outlet) Info() outlet.StreamInfo {
	return o.info
}

func (o *Outlet) Endpoint() string {
	return o.endpoint
}

func (o *Outlet) PushChunk(rows [][]float32, timestamp float64) error {
	if err := outlet.CheckChunk(o.info, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return o.send(outlet.ChunkFrame(o.info, rows, timestamp, o.nextSeq()))
}

func (o *Outlet) PushSample(value string, timestamp float64) error {
	if err := outlet.CheckSample(o.info); err != nil {
		return err
	}
	return o.send(outlet.MarkerFrame(o.info, value, timestamp, o.nextSeq()))
}

func (o *Outlet) nextSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	return o.seq
}

// zmq sockets are not safe for concurrent use
func (o *Outlet) send(f outlet.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("zmq: outlet %s closed", o.info.Name)
	}
	_, err := o.sock.SendMessage(o.info.SourceID, outlet.AppendFrame(nil, f))
	return err
}

func (o *Outlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.sock.Close()
}
