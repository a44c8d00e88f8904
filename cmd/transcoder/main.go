/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tryfix/log"
	"github.com/tryfix/transcoder"
	"github.com/tryfix/transcoder/pipeline"
	"go.opentelemetry.io/otel/trace"
)

var (
	configFile = flag.String(`config`, ``, `Config file`)
	debug      = flag.Bool(`debug`, false, `Show debug info`)
	checkOnly  = flag.Bool(`check`, false, `Validate the config and exit`)

	registryURL      = flag.String(`registry`, ``, `Overrides registry.url`)
	sourceTopic      = flag.String(`source-topic`, ``, `Overrides source.topic`)
	destinationTopic = flag.String(`destination-topic`, ``, `Overrides destination.topic`)
	group            = flag.String(`group`, ``, `Overrides source.group`)
)

func main() {
	flag.Parse()

	if *configFile == `` {
		fmt.Println(`No config file provided`)
		flag.Usage()
		os.Exit(1)
	}

	conf, err := transcoder.LoadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	override(conf)

	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}

	if *checkOnly {
		fmt.Println(`config ok`)
		return
	}

	logger := log.NewLog().Log(
		log.WithLevel(log.Level(strings.ToUpper(conf.Log.Level))),
		log.WithColors(conf.Log.Colors),
		log.WithCtxTraceExtractor(traceID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.Fatal(err)
	}

	logger.Info(`transcoder stopped`)
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}

	return ``
}

func override(conf *transcoder.Config) {
	if *debug {
		conf.Log.Level = `DEBUG`
	}
	if *registryURL != `` {
		conf.Registry.URL = *registryURL
	}
	if *sourceTopic != `` {
		conf.Source.Topic = *sourceTopic
	}
	if *destinationTopic != `` {
		conf.Destination.Topic = *destinationTopic
	}
	if *group != `` {
		conf.Source.Group = *group
	}
}

func run(ctx context.Context, conf *transcoder.Config, logger log.Logger) error {
	opts := []transcoder.Option{
		transcoder.WithLogger(logger),
		transcoder.WithTimeout(conf.Registry.Timeout),
		transcoder.WithCacheTTL(conf.Registry.Cache.TTL),
		transcoder.WithSyncTimeout(conf.Registry.Sync.Timeout),
	}
	if len(conf.Registry.Sync.Brokers) > 0 {
		opts = append(opts, transcoder.WithBackgroundSync(conf.Registry.Sync.Brokers, conf.Registry.Sync.Topic))
	}

	registry, err := transcoder.NewRegistry(conf.Registry.URL, opts...)
	if err != nil {
		return err
	}
	defer registry.Print()
	defer registry.Close()

	if err := registry.Sync(ctx); err != nil {
		return err
	}

	keys, _ := transcoder.ParseKeyFormat(conf.Key.Format)
	unions, _ := transcoder.ParseUnionEncoding(conf.Union.Encoding)

	tr, err := transcoder.NewTranscoder(registry, conf.Destination.Topic,
		transcoder.WithKeys(keys),
		transcoder.WithUnions(unions),
		transcoder.WithTranscodeLogger(logger.NewLog(log.Prefixed(`transcoder`))),
	)
	if err != nil {
		return err
	}

	source, err := pipeline.NewKafkaSource(conf.Source.Brokers, conf.Source.Topic, conf.Source.Group)
	if err != nil {
		return err
	}

	sink, err := pipeline.NewKafkaSink(conf.Destination.Brokers, conf.Destination.Topic)
	if err != nil {
		source.Close()
		return err
	}

	deadLetter, err := pipeline.NewDeadLetter(conf.DeadLetter, logger)
	if err != nil {
		source.Close()
		sink.Close()
		return err
	}

	popts := []pipeline.Option{
		pipeline.WithDeadLetter(deadLetter),
		pipeline.WithLogger(logger),
	}
	if conf.Tracing.Endpoint != `` {
		tp, err := pipeline.NewTracerProvider(ctx, conf.Tracing)
		if err != nil {
			source.Close()
			sink.Close()
			deadLetter.Close()
			return err
		}
		defer func() {
			// a cancelled run ctx must not cut the final span flush short
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				logger.Warn(fmt.Sprintf(`trace provider shutdown failed due to %s`, err))
			}
		}()
		popts = append(popts, pipeline.WithTracerProvider(tp))
		logger.Info(fmt.Sprintf(`exporting spans to %s`, conf.Tracing.Endpoint))
	}

	backoff := pipeline.DefaultBackoff()
	backoff.Base = conf.Retry.Base
	backoff.Max = conf.Retry.Max
	backoff.MaxRetries = conf.Retry.MaxRetries

	p, err := pipeline.New(source, tr, sink, append(popts, pipeline.WithBackoff(backoff))...)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn(fmt.Sprintf(`close failed due to %s`, err))
		}
	}()

	logger.Info(fmt.Sprintf(`transcoding %s -> %s (group %s, keys %s, unions %s, dead letter %s)`,
		conf.Source.Topic, conf.Destination.Topic, conf.Source.Group, keys, unions, conf.DeadLetter.Kind))

	err = p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
