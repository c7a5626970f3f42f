package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	taskqueue "github.com/Abhay27273/Software-Developer-AgenticAI-sub001"
	"github.com/Abhay27273/Software-Developer-AgenticAI-sub001/internal/config"
	"github.com/Abhay27273/Software-Developer-AgenticAI-sub001/internal/logging"
)

func main() {
	var (
		configFile      = flag.String("config", "", "path to configuration file")
		fillTime        = flag.Duration("fill-time", 500*time.Millisecond, "max fill time")
		runTime         = flag.Duration("run-time", 500*time.Millisecond, "max run time")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		typesList       = flag.String("types", "a,b,c", "comma-separated list of task types")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
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
	m := taskqueue.NewManager(q, cfg.ManagerOptions()...)

	types := strings.Split(*typesList, ",")
	for _, typ := range types {
		err := m.Register(typ, makeProcessor(*failureRate, *runTime))
		if err != nil {
			level.Error(logger).Log("err", err)
			os.Exit(1)
		}
	}
	err = m.Start()
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		// On shutdown the signal handler reports the result
		if err := enqueuer(ctx, q, types, *fillTime); err != nil {
			errc <- err
		}
	}()

	go statsLogger(ctx, logger, q, *logInterval)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		level.Info(logger).Log("signal", fmt.Sprint(<-c))
		cancel()
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	} else {
		level.Info(logger).Log("msg", "exiting")
	}
}

// enqueuer adds tasks of random type and priority until ctx is canceled.
func enqueuer(ctx context.Context, q *taskqueue.Queue, types []string, fillTime time.Duration) error {
	fillTimeNanos := fillTime.Nanoseconds()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond):
		}
		typ := types[rand.Intn(len(types))]
		priority := taskqueue.Priority(rand.Intn(int(taskqueue.MaxPriority) + 1))
		payload := map[string]interface{}{"enqueued_by": "e2e"}
		_, err := q.Enqueue(ctx, "", typ, payload, priority)
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
}

func statsLogger(ctx context.Context, logger log.Logger, q *taskqueue.Queue, d time.Duration) {
	for e := range q.Watch(ctx, d) {
		if e.Type != taskqueue.QueueStats {
			continue
		}
		ss := e.Stats
		level.Info(logger).Log(
			"msg", "stats",
			"enqueued", ss.TotalEnqueued,
			"dequeued", ss.TotalDequeued,
			"retried", ss.TotalRetried,
			"failed", ss.TotalFailed,
			"completed", ss.TotalCompleted,
			"pending", ss.Pending,
			"processing", ss.Processing,
			"dead", ss.DeadLetter,
			"success_rate", fmt.Sprintf("%.3f", ss.SuccessRate),
		)
	}
}

func makeProcessor(failureRate float64, runTime time.Duration) taskqueue.Processor {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, task *taskqueue.TaskRecord) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond):
		}
		if rand.Float64() < failureRate {
			return nil, errors.New("processor failed")
		}
		return map[string]interface{}{"attempt": task.RetryCount + 1}, nil
	}
}
