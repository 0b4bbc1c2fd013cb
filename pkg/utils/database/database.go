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

package database

import (
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/spf13/pflag"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/utils/config"
)

type Options struct {
	Addr     string `json:"addr,omitempty" yaml:"addr" description:"mysql host addr"`
	Username string `json:"username,omitempty" yaml:"username" description:"mysql username"`
	Password string `json:"password,omitempty" yaml:"password" description:"mysql password"`
	Database string `json:"database,omitempty" yaml:"database" description:"database to use"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Addr:     "127.0.0.1:3306",
		Username: "root",
		Password: "",
		Database: "tinyflow",
	}
}

func (opts *Options) RegisterFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&opts.Addr, config.JoinFlagName(prefix, "addr"), opts.Addr, "mysql host addr")
	fs.StringVar(&opts.Username, config.JoinFlagName(prefix, "username"), opts.Username, "mysql username")
	fs.StringVar(&opts.Password, config.JoinFlagName(prefix, "password"), opts.Password, "mysql password")
	fs.StringVar(&opts.Database, config.JoinFlagName(prefix, "database"), opts.Database, "database to use")
}

type Database struct {
	db      *gorm.DB
	options *Options
}

func (o *Database) DB() *gorm.DB {
	return o.db
}

func (o *Database) Options() *Options {
	return o.options
}

func NewDatabase(options *Options) (*Database, error) {
	db, err := gorm.Open(mysql.Open(options.ToDsn()), &gorm.Config{
		Logger: log.NewDefaultGormZapLogger(),
	})
	if err != nil {
		return nil, err
	}
	return &Database{db: db, options: options}, nil
}

func (opts *Options) ToDsn() string {
	return opts.ToDriverConfig().FormatDSN()
}

func (opts *Options) ToDriverConfig() *driver.Config {
	return &driver.Config{
		User:                 opts.Username,
		Passwd:               opts.Password,
		Net:                  "tcp",
		Addr:                 opts.Addr,
		DBName:               opts.Database,
		ParseTime:            true,
		Collation:            "utf8_general_ci",
		Loc:                  time.Local,
		AllowNativePasswords: true,
	}
}
