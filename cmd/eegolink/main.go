package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/eegolink/pkg/dsp/viz"
	"github.com/norasector/eegolink/pkg/eegolink"
	eegoapi "github.com/norasector/eegolink/pkg/eegolink/api"
	"github.com/norasector/eegolink/pkg/eegolink/config"
	"github.com/norasector/eegolink/pkg/eegolink/device"
	"github.com/norasector/eegolink/pkg/eegolink/device/file"
	"github.com/norasector/eegolink/pkg/eegolink/device/sim"
	"github.com/norasector/eegolink/pkg/eegolink/outlet"
	"github.com/norasector/eegolink/pkg/eegolink/outlet/edf"
	"github.com/norasector/eegolink/pkg/eegolink/outlet/udp"
	"github.com/norasector/eegolink/pkg/eegolink/outlet/zmq"
	"github.com/norasector/eegolink/pkg/util"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "eegolink.yaml", "YAML config file")
	flag.Parse()

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configFile).Msg("error loading config")
	}
	setupLogging(opts)

	open := openDevice(opts)

	var writeAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, "")
		defer client.Close()
		writeAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
		defer writeAPI.Flush()
	}

	transport, err := buildTransport(opts, writeAPI)
	if err != nil {
		log.Fatal().Err(err).Str("transport", opts.Transport).Msg("failed to create transport")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	readerOpts := []eegolink.ReaderOption{
		eegolink.WithLogger(log.Logger),
		eegolink.WithInfluxDB(writeAPI),
	}
	if opts.VizServer.Port != 0 {
		vizServer := viz.NewServer(opts.VizServer.Port, opts.VizServer.UpdateInterval)
		vizServer.SetLogger(log.Logger.With().Str("component", "viz").Logger())
		readerOpts = append(readerOpts, eegolink.WithDisplay(viz.NewDisplay(vizServer, opts.VizServer.PreviewLength, opts.SamplingRate)))
		eg.Go(func() error {
			return vizServer.Run(ctx)
		})
	}

	ctrl, err := eegolink.NewController(ctx,
		eegolink.RunParams{
			SamplingRate:      opts.SamplingRate,
			Channels:          opts.Channels,
			SkipImpedance:     opts.SkipImpedance,
			ImpedanceChannels: opts.ImpedanceChannels,
		},
		open,
		transport,
		eegolink.WithStallTimeout(opts.StallTimeout),
		eegolink.WithControllerLogger(log.Logger),
		eegolink.WithReaderOptions(readerOpts...),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create controller")
	}

	if opts.APIServer.Port != 0 {
		saveConfig := func() error {
			saved := opts
			saved.SamplingRate = ctrl.Status().SamplingRate
			return config.Save(*configFile, saved)
		}
		apiServer, err := eegoapi.NewServer(opts.APIServer.Port, ctrl,
			eegoapi.WithLogger(log.Logger),
			eegoapi.WithConfigSaver(saveConfig))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create control api")
		}
		eg.Go(func() error {
			return apiServer.Run(ctx)
		})
	}

	eg.Go(func() error {
		return reportEvents(ctx, ctrl)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		if err := ctrl.Stop(); err != nil {
			log.Debug().Err(err).Msg("nothing to stop")
		}
		ctrl.Wait()
		return context.Canceled
	})

	if opts.LinkOnStart {
		if err := ctrl.Link(); err != nil {
			log.Fatal().Err(err).Msg("failed to start acquisition")
		}
	}

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}

func setupLogging(opts config.Config) {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", opts.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if opts.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 4,
			MaxAge:     28, // days
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
}

func openDevice(opts config.Config) device.Opener {
	switch opts.Device {
	case "file":
		log.Info().Str("device", "file").Str("path", opts.PlaybackLocation).Msg("initializing device...")
		return file.NewOpener(opts.PlaybackLocation, file.Options{
			ChunkSize:     opts.Playback.ChunkSize,
			SamplingRates: config.SupportedRates,
			TriggerSignal: opts.Playback.TriggerSignal,
		})
	default:
		log.Info().Str("device", "sim").Int("channels", opts.Sim.Channels).Msg("initializing device...")
		return sim.NewOpener(sim.Options{
			Serial:        opts.Sim.Serial,
			Channels:      opts.Sim.Channels,
			SamplingRates: config.SupportedRates,
			ReadInterval:  opts.Sim.ReadInterval,
			Amplitude:     opts.Sim.Amplitude,
			Frequency:     opts.Sim.Frequency,
			TriggerPeriod: opts.Sim.TriggerPeriod,
			TriggerWidth:  opts.Sim.TriggerWidth,
		})
	}
}

func buildTransport(opts config.Config, writeAPI api.WriteAPI) (outlet.Transport, error) {
	var transports []outlet.Transport
	switch opts.Transport {
	case "udp":
		dests := make([]udp.Destination, len(opts.OutputDestinations))
		for i, d := range opts.OutputDestinations {
			dests[i] = udp.Destination{Host: d.Host, Port: d.Port}
		}
		transports = append(transports, udp.New(dests,
			udp.WithAnnounceInterval(opts.AnnounceInterval),
			udp.WithLogger(log.Logger),
			udp.WithMetrics(writeAPI)))
	case "zmq":
		t, err := zmq.New(opts.ZMQEndpoint, log.Logger)
		if err != nil {
			return nil, err
		}
		transports = append(transports, t)
	}
	if opts.RecordLocation != "" {
		transports = append(transports, edf.New(opts.RecordLocation, opts.RecordRange, log.Logger))
	}
	if len(transports) == 1 {
		return transports[0], nil
	}
	return outlet.Tee(transports...), nil
}

// reportEvents logs what the user would otherwise see as dialogs.
func reportEvents(ctx context.Context, ctrl *eegolink.Controller) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ctrl.Events():
			switch ev.Kind {
			case eegolink.EventState:
				log.Info().Str("state", ev.State.String()).Msg("state changed")
			case eegolink.EventFault:
				log.Error().Err(ev.Err).Str("outcome", ev.Outcome.String()).Msg("acquisition fault")
			case eegolink.EventFinished:
				if ev.Result != nil {
					log.Info().
						Str("session", ev.Result.SessionID.String()).
						Str("outcome", ev.Outcome.String()).
						Int("chunks", ev.Result.Chunks).
						Msg("session finished")
				}
			}
		}
	}
}
