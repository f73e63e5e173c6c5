package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/db"
	"github.com/rufus800/challawa-np/internal/api"
	"github.com/rufus800/challawa-np/internal/broadcast"
	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/datadog"
	"github.com/rufus800/challawa-np/internal/logging"
	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/mqtt"
	"github.com/rufus800/challawa-np/internal/notifications"
	"github.com/rufus800/challawa-np/internal/plc"
	"github.com/rufus800/challawa-np/internal/sampler"
	"github.com/rufus800/challawa-np/internal/store"
	"github.com/rufus800/challawa-np/internal/tripdetector"
	"github.com/rufus800/challawa-np/system/shutdown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	log.Info().
		Str("plc", cfg.PLC.Address).
		Int("db_number", cfg.PLC.DBNumber).
		Dur("cycle_time", cfg.Sampler.CycleTime).
		Str("database", cfg.DatabasePath).
		Str("listen", cfg.ListenAddr()).
		Msg("Starting pump monitor")

	var seq shutdown.Sequence

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.New(reg)

	conn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open event database")
	}
	events := store.New(conn)
	hub := broadcast.New(rec)

	detector := tripdetector.New(events, cfg.Devices, rec)
	if cfg.Ntfy.Topic != "" {
		notifier, err := notifications.New(cfg.Ntfy.Server, cfg.Ntfy.Topic)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure notifications")
		}
		detector.WithNotifier(notifier)
	} else {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
	}

	client := plc.NewS7Client(cfg.PLC.ConnectTimeout, cfg.PLC.IdleTimeout)
	supervisor := plc.NewSupervisor(client, plc.Session{
		Address:        cfg.PLC.Address,
		Rack:           cfg.PLC.Rack,
		Slot:           cfg.PLC.Slot,
		BlockID:        cfg.PLC.DBNumber,
		Offset:         cfg.PLC.Offset,
		Length:         cfg.PLC.Length,
		ErrorThreshold: cfg.PLC.ErrorThreshold,
	}, rec)

	smp := sampler.New(sampler.Config{
		CyclePeriod:    cfg.Sampler.CycleTime,
		ReconnectDelay: cfg.Sampler.ReconnectDelay,
	}, supervisor, cfg.Layout, detector, hub, rec)

	server := api.NewServer(api.Deps{
		Status:   smp,
		Events:   events,
		Trips:    detector,
		Hub:      hub,
		Devices:  cfg.Devices,
		Gatherer: reg,
	})

	// Teardown order: sampler (and PLC session), HTTP, push outputs, storage.
	seq.AddFunc("sampler", smp.Stop)
	seq.Add("http", server.Shutdown)

	if cfg.MQTT.Enabled {
		pub := mqtt.NewPublisher(
			mqtt.NewClient(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password),
			cfg.MQTT.Topic, cfg.MQTT.QoS)
		if err := pub.Start(); err != nil {
			log.Error().Err(err).Msg("MQTT publisher disabled")
		} else {
			if err := hub.Subscribe(pub); err != nil {
				log.Error().Err(err).Msg("Failed to subscribe MQTT publisher")
			}
			seq.AddFunc("mqtt", pub.Stop)
		}
	}

	if cfg.Datadog.Enabled {
		reporter, err := datadog.NewFrameReporter(cfg.Datadog.AgentAddr, cfg.Datadog.Namespace, cfg.Datadog.Tags)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		} else {
			if err := hub.Subscribe(reporter); err != nil {
				log.Error().Err(err).Msg("Failed to subscribe Datadog reporter")
			}
			seq.Add("datadog", func(context.Context) error { return reporter.Close() })
		}
	}

	seq.Add("database", func(context.Context) error { return conn.Close() })
	seq.Add("log", func(context.Context) error { return logCloser.Close() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := smp.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sampler")
	}

	go func() {
		if err := server.Start(cfg.ListenAddr()); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown requested")
	seq.Exit(shutdownTimeout)
}
