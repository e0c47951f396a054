// Package api exposes the session controller over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/norasector/eegolink/pkg/eegolink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller is the part of the session controller the API drives.
type Controller interface {
	Link() error
	Start() error
	Advance() error
	Stop() error
	SetSamplingRate(rate int) error
	Status() eegolink.Status
}

type Server struct {
	ctrl       Controller
	srv        *http.Server
	port       int
	logger     zerolog.Logger
	saveConfig func() error
}

type ServerOption func(s *Server) error

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithConfigSaver enables POST /save_config, which persists the current
// settings through save.
func WithConfigSaver(save func() error) ServerOption {
	return func(s *Server) error {
		if save == nil {
			return errors.New("config saver must not be nil")
		}
		s.saveConfig = save
		return nil
	}
}

func NewServer(port int, ctrl Controller, opts ...ServerOption) (*Server, error) {
	s := &Server{
		ctrl:   ctrl,
		port:   port,
		srv:    &http.Server{Addr: fmt.Sprintf(":%d", port)},
		logger: log.Logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/link", s.action("link", s.ctrl.Link))
	router.POST("/start", s.action("start", s.ctrl.Start))
	router.POST("/advance", s.action("advance", s.ctrl.Advance))
	router.POST("/stop", s.action("stop", s.ctrl.Stop))
	router.PUT("/sampling_rate/:rate", s.setSamplingRate)
	if s.saveConfig != nil {
		router.POST("/save_config", s.action("save_config", s.saveConfig))
	}
	router.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.writeJSON(w, http.StatusOK, s.ctrl.Status())
	})
	return router
}

func (s *Server) action(name string, do func() error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := do(); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info().Str("action", name).Msg("control request")
		s.writeJSON(w, http.StatusOK, s.ctrl.Status())
	}
}

func (s *Server) setSamplingRate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rate, err := strconv.Atoi(params.ByName("rate"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid rate %q", params.ByName("rate"))})
		return
	}
	if err := s.ctrl.SetSamplingRate(rate); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, eegolink.ErrWrongState):
		status = http.StatusConflict
	case errors.Is(err, eegolink.ErrUnsupportedRate):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("error encoding response")
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.srv.Handler = s.Handler()
	go func() {
		<-ctx.Done()
		s.srv.Shutdown(context.Background())
	}()

	s.logger.Info().Int("port", s.port).Msg("control api listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
