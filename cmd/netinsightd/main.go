// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command netinsightd is the composition root: it resolves
// configuration, builds the observability layer, constructs the
// pipeline, and runs it until an OS signal asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netinsight-io/sensor/internal/config"
	"github.com/netinsight-io/sensor/internal/obs"
	"github.com/netinsight-io/sensor/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netinsightd: %v\n", err)
		os.Exit(1)
	}

	obs.Init(obs.Level(cfg.LogLevel), cfg.StructuredLogs)
	log := obs.Named("main")

	metrics := obs.NewMetrics()

	p := pipeline.New(cfg, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		log.Sugar().Fatalw("failed to start pipeline", "error", err)
	}
	log.Sugar().Infow("netinsightd started", "interface", cfg.Interface, "store_path", cfg.StorePath)

	<-ctx.Done()
	log.Sugar().Infow("shutdown signal received, draining")

	shutdownCtx := context.Background()
	if err := p.Stop(shutdownCtx); err != nil {
		log.Sugar().Errorw("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Sugar().Infow("netinsightd stopped cleanly")
}
