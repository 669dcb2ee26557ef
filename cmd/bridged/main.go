package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/julienschmidt/httprouter"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/bridgehub/wsbridge/bridge"
	"github.com/bridgehub/wsbridge/shim"
)

type config struct {
	ListenAddr   string      `toml:"listen_addr"`
	DocRoot      string      `toml:"doc_root"`
	BridgePath   string      `toml:"bridge_path"`
	PingInterval string      `toml:"ping_interval"`
	Shims        shim.Config `toml:"shims"`
}

func defaultConfig() config {
	return config{
		ListenAddr:   "127.0.0.1:8080",
		DocRoot:      ".",
		BridgePath:   "/bridge",
		PingInterval: "30s",
	}
}

func main() {
	app := &cli.App{
		Name:  "bridged",
		Usage: "serves static assets and a WebSocket RPC bridge for browser clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "doc-root",
				Usage: "Directory of static assets to serve.",
			},
			&cli.StringFlag{
				Name:  "ping-interval",
				Usage: "Interval between session liveness sweeps.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg := defaultConfig()
	if path := ctx.String("config"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	if v := ctx.String("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := ctx.String("doc-root"); v != "" {
		cfg.DocRoot = v
	}
	if v := ctx.String("ping-interval"); v != "" {
		cfg.PingInterval = v
	}

	pingInterval, err := time.ParseDuration(cfg.PingInterval)
	if err != nil {
		return fmt.Errorf("parsing ping interval: %w", err)
	}

	logger, err := zap.NewProduction()
	if ctx.Bool("debug") {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	sugar := logger.Sugar()

	b, err := bridge.New(
		bridge.WithLogger(logger),
		bridge.WithPingInterval(pingInterval),
		bridge.WithConnectHandler(func(clientID string) {
			sugar.Infow("client connected", "ClientID", clientID)
		}),
		bridge.WithDisconnectHandler(func(clientID string) {
			sugar.Infow("client disconnected", "ClientID", clientID)
		}),
		bridge.WithFrameFailureHandler(func(clientID string, err error) {
			sugar.Warnw("inbound frame failure", "ClientID", clientID, "Error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}
	defer b.Close()

	shim.Register(b, cfg.Shims, sugar)

	router := httprouter.New()
	router.Handler(http.MethodGet, cfg.BridgePath, b)
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	router.NotFound = http.FileServer(http.Dir(cfg.DocRoot))

	sugar.Infow("serving", "Addr", cfg.ListenAddr, "BridgePath", cfg.BridgePath, "DocRoot", cfg.DocRoot)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
