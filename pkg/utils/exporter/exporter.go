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

// Package exporter serves the engine's prometheus metrics.
package exporter

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/utils/config"
)

const (
	MetricPath  = "/metrics"
	MaxRequests = 40
)

type Options struct {
	Listen string `json:"listen,omitempty" description:"metrics listen address"`
}

func NewDefaultOptions() *Options {
	return &Options{Listen: ":9100"}
}

func (o *Options) RegisterFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, config.JoinFlagName(prefix, "listen"), o.Listen, "metrics listen address")
}

// Run serves the default prometheus registry until ctx is done.
func Run(ctx context.Context, opts *Options) error {
	mux := http.NewServeMux()
	mux.Handle(MetricPath, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		MaxRequestsInFlight: MaxRequests,
	}))
	server := http.Server{
		Addr:    opts.Listen,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(ctx)
		log.Info("metrics exporter stopped")
	}()
	log.Infof("metrics exporter listen on %s", opts.Listen)
	return server.ListenAndServe()
}
