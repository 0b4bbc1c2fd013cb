// Copyright 2024 The tinyflow.io Authors
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

// Package engine assembles the orchestration services and runs them as one
// process: cron trigger backend, worker pool, run monitor, metrics exporter
// and the debug endpoint.
package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/catalog"
	"tinyflow.io/tinyflow/pkg/executor"
	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/orchestrator"
	"tinyflow.io/tinyflow/pkg/trigger"
	"tinyflow.io/tinyflow/pkg/utils/database"
	"tinyflow.io/tinyflow/pkg/utils/exporter"
	"tinyflow.io/tinyflow/pkg/utils/pprof"
	"tinyflow.io/tinyflow/pkg/worker"
)

type Options struct {
	DebugMode bool   `json:"debugMode" description:"enable debug mode"`
	LogLevel  string `json:"logLevel" description:"log level"`
	Sqlite    string `json:"sqlite" description:"path of a local sqlite database; empty means mysql"`

	Mysql    *database.Options `json:"mysql"`
	Worker   *worker.Options   `json:"worker"`
	Exporter *exporter.Options `json:"exporter"`
}

func NewDefaultOptions() *Options {
	return &Options{
		DebugMode: false,
		LogLevel:  "info",
		Mysql:     database.NewDefaultOptions(),
		Worker:    worker.NewDefaultOptions(),
		Exporter:  exporter.NewDefaultOptions(),
	}
}

func (o *Options) RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.DebugMode, "debug-mode", o.DebugMode, "enable debug mode")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level")
	fs.StringVar(&o.Sqlite, "sqlite", o.Sqlite, "path of a local sqlite database; empty means mysql")
	o.Mysql.RegisterFlags("mysql", fs)
	o.Worker.RegisterFlags("worker", fs)
	o.Exporter.RegisterFlags("exporter", fs)
}

// Engine holds the wired services. Built by New, run by Run.
type Engine struct {
	opts     *Options
	db       *gorm.DB
	registry *executor.Registry
	orch     *orchestrator.Orchestrator
	backend  *trigger.CronBackend
	pool     *worker.Pool
	monitor  *worker.Monitor
}

func New(opts *Options) (*Engine, error) {
	db, err := openDatabase(opts)
	if err != nil {
		return nil, err
	}
	if err := models.Migrate(db); err != nil {
		return nil, err
	}
	cat := catalog.New(db)
	orch := orchestrator.New(db, cat)
	backend := trigger.NewCronBackend(orch.Fire)
	orch.SetBackend(backend)

	registry := executor.NewRegistry()
	executor.RegisterBuiltins(registry)

	return &Engine{
		opts:     opts,
		db:       db,
		registry: registry,
		orch:     orch,
		backend:  backend,
		pool:     worker.NewPool(db, orch, registry, opts.Worker),
		monitor:  worker.NewMonitor(db, orch, opts.Worker),
	}, nil
}

// Registry exposes the executor registry so embedders can install their own
// executors before Run.
func (e *Engine) Registry() *executor.Registry {
	return e.registry
}

func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orch
}

func (e *Engine) Run(ctx context.Context) error {
	log.SetLevel(e.opts.LogLevel)
	ctx = log.NewContext(ctx, log.LogrLogger)

	if err := e.orch.SyncSchedules(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return e.backend.Run(ctx)
	})
	eg.Go(func() error {
		return e.pool.Run(ctx)
	})
	eg.Go(func() error {
		return e.monitor.Run(ctx)
	})
	eg.Go(func() error {
		return ignoreServerClosed(exporter.Run(ctx, e.opts.Exporter))
	})
	if e.opts.DebugMode {
		eg.Go(func() error {
			return ignoreServerClosed(pprof.Run(ctx))
		})
	}
	return eg.Wait()
}

func openDatabase(opts *Options) (*gorm.DB, error) {
	if opts.Sqlite != "" {
		db, err := database.NewSQLiteDatabase(opts.Sqlite)
		if err != nil {
			return nil, err
		}
		return db.DB(), nil
	}
	db, err := database.NewDatabase(opts.Mysql)
	if err != nil {
		return nil, err
	}
	return db.DB(), nil
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
