package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ImageContainer struct {
	name string
	data []byte
}

func (i *ImageContainer) Name() string { return i.name }

func (i *ImageContainer) Data() []byte { return i.data }

type Producer interface {
	Name() string
	GetImage() *ImageContainer
	AddPlotOption(opt PlotOptions)
}

// JSONSource returns the current value to serve and false when there is none yet.
type JSONSource func() (interface{}, bool)

type Server struct {
	images          map[string]map[string]*ImageContainer
	mu              sync.RWMutex
	port            int
	srv             *http.Server
	producerBuckets map[string]map[string]Producer
	jsonSources     map[string]JSONSource
	updateInterval  time.Duration
	lastViewed      map[string]time.Time
	logger          zerolog.Logger
}

func NewServer(port int, updateInterval time.Duration) *Server {
	return &Server{
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		jsonSources:     make(map[string]JSONSource),
		port:            port,
		lastViewed:      make(map[string]time.Time),
		srv:             &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval:  updateInterval,
		logger:          log.Logger,
	}
}

// SetLogger must be called before Run.
func (s *Server) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

func (s *Server) Register(key string, p Producer) {
	s.mu.Lock()
	bucket, ok := s.producerBuckets[key]
	if !ok {
		bucket = make(map[string]Producer)
		s.producerBuckets[key] = bucket
	}
	bucket[p.Name()] = p
	s.mu.Unlock()

}

// RegisterJSON serves the value returned by src at path.
func (s *Server) RegisterJSON(path string, src JSONSource) {
	s.mu.Lock()
	s.jsonSources[path] = src
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// Refresh renders every producer of bucket now.
func (s *Server) Refresh(bucket string) {
	s.mu.RLock()
	producers := make([]Producer, 0, len(s.producerBuckets[bucket]))
	for _, p := range s.producerBuckets[bucket] {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, producer := range producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()

			img := p.GetImage()
			if img == nil {
				return
			}

			s.mu.Lock()
			mb, ok := s.images[bucket]
			if !ok {
				mb = make(map[string]*ImageContainer)
				s.images[bucket] = mb
			}
			mb[img.name] = img
			s.mu.Unlock()
		}(producer)
	}
	wg.Wait()
}

// render refreshes buckets that were viewed in the last second.
func (s *Server) render(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.updateInterval):
		}

		s.mu.RLock()
		var viewed []string
		for bucketName := range s.producerBuckets {
			if time.Since(s.lastViewed[bucketName]) < time.Second {
				viewed = append(viewed, bucketName)
			}
		}
		s.mu.RUnlock()

		for _, bucketName := range viewed {
			s.Refresh(bucketName)
		}
	}
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	handler := httprouter.New()
	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		keys := make([]string, 0, len(s.producerBuckets))
		for name := range s.producerBuckets {
			keys = append(keys, name)
		}
		s.mu.RUnlock()
		if len(keys) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sort.Strings(keys)

		w.Header().Set("Location", "/view/"+url.PathEscape(keys[0]))
		w.WriteHeader(http.StatusFound)
	})

	handler.GET("/view/:bucket", s.handleView)

	handler.GET("/img/:bucket/:img", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucketName := params.ByName("bucket")
		s.markViewed(bucketName)

		s.mu.RLock()
		img, ok := s.images[bucketName][params.ByName("img")]
		s.mu.RUnlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Add("Content-Type", "image/png")
		w.Write(img.data)
	})

	s.mu.RLock()
	for path, src := range s.jsonSources {
		src := src
		handler.GET(path, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			v, ok := src()
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(v); err != nil {
				s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("error encoding response")
			}
		})
	}
	s.mu.RUnlock()

	return handler
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")

	s.mu.RLock()
	itemsForBucket, ok := s.producerBuckets[bucket]
	bucketKeys := make([]string, 0, len(s.producerBuckets))
	for key := range s.producerBuckets {
		bucketKeys = append(bucketKeys, key)
	}
	itemKeys := make([]string, 0, len(itemsForBucket))
	for key := range itemsForBucket {
		itemKeys = append(itemKeys, key)
	}
	interval := s.updateInterval
	s.mu.RUnlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.markViewed(bucket)
	sort.Strings(bucketKeys)
	sort.Strings(itemKeys)

	w.Header().Add("Content-Type", "text/html")
	w.Write([]byte(`<html><head><title>eegolink</title></head>`))

	w.Write([]byte(fmt.Sprintf(`
		<script type="text/javascript">
			var toggleRefresh = true;
			function toggleOn() {
				toggleRefresh = !toggleRefresh;
			}

			function changeBucket() {
				var val = document.getElementById('bucketSelector').value;
				window.location.href = '/view/' + val;
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						if (toggleRefresh) {
							image.src = image.src.split("?")[0] + "?" + new Date().getTime();
						}
					}, %d, img);
				}

			}
		</script>`, len(itemKeys), interval.Milliseconds())))
	w.Write([]byte(`<body style='background-color: black'>`))

	w.Write([]byte(`<select id="bucketSelector" onchange="changeBucket()">`))
	for _, bucketName := range bucketKeys {
		selected := ""
		if bucketName == bucket {
			selected = " selected"
		}
		w.Write([]byte(fmt.Sprintf(`<option value="%s"%s>%s</option>`, bucketName, selected, bucketName)))
	}
	w.Write([]byte(`</select>`))
	w.Write([]byte(`<button onclick="toggleOn()">Refresh?</button>`))

	w.Write([]byte(`<div style="display: flex; flex-direction: row; flex-wrap: wrap">`))
	for idx, key := range itemKeys {
		w.Write([]byte(fmt.Sprintf(`<div><img id="graph-%d" src="/img/%s/%s?%d" /></div>`,
			idx, url.PathEscape(bucket), url.PathEscape(key), time.Now().UnixMicro())))
	}
	w.Write([]byte(`</div>`))

	w.Write([]byte(`</body></html>`))
}

// Run serves until ctx is done. Producers must be registered before Run.
func (s *Server) Run(ctx context.Context) error {
	go s.render(ctx)
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	s.srv.Handler = s.Handler()
	s.logger.Info().Int("port", s.port).Msg("viz server listening")

	err := s.srv.ListenAndServe()
	switch {
	case err == http.ErrServerClosed:
		return nil
	default:
		return err
	}
}
