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

package apps

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tinyflow.io/tinyflow/pkg/engine"
	"tinyflow.io/tinyflow/pkg/utils/config"
	"tinyflow.io/tinyflow/pkg/version"
)

func NewEngineCmd() *cobra.Command {
	options := engine.NewDefaultOptions()
	cmd := &cobra.Command{
		Use:          "engine",
		Short:        "run the orchestration engine",
		SilenceUsage: true,
		Version:      version.Get().String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			eng, err := engine.New(options)
			if err != nil {
				return err
			}
			return eng.Run(ctx)
		},
	}
	options.RegisterFlags(cmd.Flags())
	return cmd
}
