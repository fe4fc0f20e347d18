package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/fanbridge/internal/link"
	"github.com/shaunagostinho/fanbridge/internal/metrics"
	"github.com/shaunagostinho/fanbridge/internal/publish"
	"github.com/shaunagostinho/fanbridge/internal/recorder"
	"github.com/shaunagostinho/fanbridge/internal/server"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

func main() {
	configPath := flag.String("config", "/etc/fanbridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated device")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Config loading logs before the configured logger exists.
	bootLog, _ := zap.NewDevelopment()
	cfg := server.LoadConfig(*configPath, bootLog.Sugar())
	bootLog.Sync()

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fanbridge: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()
	log.Named("main").Infow("fanbridge starting", "device", cfg.Device.Type, "decode", cfg.Device.Decode)

	if err := run(cfg, log); err != nil {
		log.Named("main").Errorw("exited", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *server.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := state.New()

	m := metrics.New()
	defer st.Unsubscribe(m.Attach(st))

	// The recorder is always attached so it can be switched on at runtime.
	rec := recorder.New(cfg.Recording, log)
	defer rec.Close()
	defer st.Unsubscribe(st.Subscribe(rec.Observe))

	if cfg.MQTT.Enabled {
		pub, client := publish.Connect(cfg.MQTT, log)
		defer client.Disconnect(250)
		defer st.Unsubscribe(st.Subscribe(pub.Observe))
	}

	var (
		finder link.PortFinder
		opener link.Opener
	)
	switch cfg.Device.Type {
	case "demo":
		finder = link.DemoFinder
		opener = link.DemoOpener{NoiseEvery: 20}
	case "serial":
		finder = link.NewResolver(cfg.Device.Filter, cfg.Device.PortPath, log)
		opener = link.SerialOpener{BaudRate: cfg.Device.BaudRate}
	default:
		return fmt.Errorf("unknown device type %q", cfg.Device.Type)
	}

	sess := link.NewSession(link.Config{
		SettleDelay: cfg.Device.SettleDelay(),
		Level:       cfg.Device.Level(),
	}, st, finder, opener, log, link.WithFrameObserver(m))
	defer sess.Close()

	if cfg.Reconnect.Enabled {
		sv := link.NewSupervisor(st, sess, cfg.Reconnect.Policy(), log)
		go sv.Run(ctx)
	}

	// The server is useful even while the device is still being found.
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start device session: %w", err)
	}

	srv := server.New(cfg, st, sess, m.Handler(), log, server.WithRecording(rec))
	return srv.Run(ctx)
}

func newLogger(cfg server.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
