// Command weather-lookup queries a weather broker for the current weather of each location given
// on the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/facade"
	httphandler "github.com/kjstillabower/weather-broker/internal/http"
	"github.com/kjstillabower/weather-broker/internal/observability"
	"github.com/kjstillabower/weather-broker/internal/weatherrpc"
)

const (
	modeSync  = "sync"
	modeAsync = "async"
	modeBoth  = "both"
)

type options struct {
	endpoint string
	mode     string
	listen   string
	timeout  time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.endpoint, "endpoint", "http://127.0.0.1:8080", "base URL of the weather broker")
	flag.StringVar(&opts.mode, "mode", modeBoth, "calling convention: sync, async or both")
	flag.StringVar(&opts.listen, "listen", "127.0.0.1:0", "address for receiving async results")
	flag.DurationVar(&opts.timeout, "timeout", 15*time.Second, "overall time limit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] location...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	switch opts.mode {
	case modeSync, modeAsync, modeBoth:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", opts.mode)
		os.Exit(2)
	}

	logger, err := observability.NewLogger("weather-lookup")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(opts, flag.Args(), os.Stdout, logger); err != nil {
		logger.Error("lookup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(opts options, locations []string, out io.Writer, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listen for results: %w", err)
	}
	node := broker.NewNode(broker.NodeConfig{
		Endpoint:    "http://" + ln.Addr().String(),
		PoolSize:    len(locations),
		CallTimeout: opts.timeout,
	}, logger)
	srv := &http.Server{
		Handler:     httphandler.NewRouter(httphandler.NewHandler(node, nil, logger), httphandler.RouterConfig{}, logger),
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("result listener", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		_ = node.Close(shutdownCtx)
	}()

	f, err := facade.Bind(ctx, node, opts.endpoint)
	if err != nil {
		return err
	}

	if opts.mode != modeAsync {
		for _, loc := range locations {
			rec, ok, err := f.LookupSync(ctx, loc)
			if err != nil {
				return fmt.Errorf("sync lookup %q: %w", loc, err)
			}
			fmt.Fprintf(out, "[sync]  %s\n", facade.Describe(loc, rec, ok))
		}
	}

	if opts.mode != modeSync {
		sinks := make([]*weatherrpc.ChanSink, len(locations))
		for i, loc := range locations {
			sinks[i] = weatherrpc.NewChanSink(1)
			if err := f.LookupAsync(ctx, loc, sinks[i]); err != nil {
				return fmt.Errorf("async lookup %q: %w", loc, err)
			}
		}
		for i, loc := range locations {
			select {
			case c := <-sinks[i].C:
				fmt.Fprintf(out, "[async] %s\n", facade.DescribeCompletion(loc, c))
			case <-ctx.Done():
				return fmt.Errorf("async lookup %q: no result: %w", loc, ctx.Err())
			}
		}
	}
	return nil
}
