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

	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/utils/config"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

func NewMigrateCmd() *cobra.Command {
	mysqlOptions := database.NewDefaultOptions()
	sqlitePath := ""
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "create or update the orchestration tables",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Parse(cmd.Flags()); err != nil {
				return err
			}
			var db *database.Database
			var err error
			if sqlitePath != "" {
				db, err = database.NewSQLiteDatabase(sqlitePath)
			} else {
				db, err = database.NewDatabase(mysqlOptions)
			}
			if err != nil {
				return err
			}
			if err := models.Migrate(db.DB()); err != nil {
				return err
			}
			log.Info("migration finished")
			return nil
		},
	}
	mysqlOptions.RegisterFlags("mysql", cmd.Flags())
	cmd.Flags().StringVar(&sqlitePath, "sqlite", sqlitePath, "path of a local sqlite database; empty means mysql")
	return cmd
}
