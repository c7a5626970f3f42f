package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"

	taskqueue "github.com/Abhay27273/Software-Developer-AgenticAI-sub001"
	"github.com/Abhay27273/Software-Developer-AgenticAI-sub001/internal/config"
	"github.com/Abhay27273/Software-Developer-AgenticAI-sub001/internal/logging"
	"github.com/Abhay27273/Software-Developer-AgenticAI-sub001/ui/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		addr       = flag.String("addr", "", "HTTP bind address (overrides ui.addr)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.UI.Addr = *addr
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store := taskqueue.NewRedisStoreFromURL(cfg.Redis.URL, cfg.Queue.Name)
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		level.Error(logger).Log("msg", "store unavailable", "err", err)
		os.Exit(1)
	}
	q := taskqueue.NewQueue(store, cfg.QueueOptions(logger)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)

	go func() {
		level.Info(logger).Log("msg", "web server started", "addr", cfg.UI.Addr, "queue", cfg.Queue.Name)
		s := server.New(logger, q, cfg.UI.StatsInterval)
		errc <- s.Serve(ctx, cfg.UI.Addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		level.Info(logger).Log("signal", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	} else {
		level.Info(logger).Log("msg", "exiting")
	}
}
