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
	"github.com/spf13/cobra"

	"tinyflow.io/tinyflow/pkg/engine"
	"tinyflow.io/tinyflow/pkg/utils/config"
)

// NewGenConfigCmd prints a commented config.yaml with all defaults, used to
// bootstrap a deployment.
func NewGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genconfig",
		Short: "generate a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.GenerateConfig(engine.NewDefaultOptions())
			return nil
		},
	}
}
