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

package worker

import (
	"time"

	"github.com/spf13/pflag"

	"tinyflow.io/tinyflow/pkg/utils/config"
)

type Options struct {
	Concurrency     int `json:"concurrency" description:"max task attempts executing at once"`
	PollIntervalSec int `json:"pollIntervalSec" description:"seconds between pending-instance polls"`
	PollPageSize    int `json:"pollPageSize" description:"instances fetched per poll page"`
	PollMaxPerCycle int `json:"pollMaxPerCycle" description:"max instances reserved per poll cycle"`

	RetryBackoffSec         int  `json:"retryBackoffSec" description:"delay before a retry attempt"`
	RetryBackoffExponential bool `json:"retryBackoffExponential" description:"double the backoff per attempt"`

	MonitorIntervalSec int `json:"monitorIntervalSec" description:"seconds between run monitor sweeps"`
	MonitorPageSize    int `json:"monitorPageSize" description:"runs fetched per monitor page"`
	MonitorMaxPerCycle int `json:"monitorMaxPerCycle" description:"max runs evaluated per monitor sweep"`

	LockTimeoutSec int `json:"lockTimeoutSec" description:"seconds before a dead worker's reservation is reclaimed"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Concurrency:        10,
		PollIntervalSec:    5,
		PollPageSize:       100,
		PollMaxPerCycle:    500,
		RetryBackoffSec:    60,
		MonitorIntervalSec: 10,
		MonitorPageSize:    100,
		MonitorMaxPerCycle: 300,
		LockTimeoutSec:     300,
	}
}

func (o *Options) RegisterFlags(prefix string, fs *pflag.FlagSet) {
	fs.IntVar(&o.Concurrency, config.JoinFlagName(prefix, "concurrency"), o.Concurrency, "max task attempts executing at once")
	fs.IntVar(&o.PollIntervalSec, config.JoinFlagName(prefix, "poll-interval-sec"), o.PollIntervalSec, "seconds between pending-instance polls")
	fs.IntVar(&o.PollPageSize, config.JoinFlagName(prefix, "poll-page-size"), o.PollPageSize, "instances fetched per poll page")
	fs.IntVar(&o.PollMaxPerCycle, config.JoinFlagName(prefix, "poll-max-per-cycle"), o.PollMaxPerCycle, "max instances reserved per poll cycle")
	fs.IntVar(&o.RetryBackoffSec, config.JoinFlagName(prefix, "retry-backoff-sec"), o.RetryBackoffSec, "delay before a retry attempt")
	fs.BoolVar(&o.RetryBackoffExponential, config.JoinFlagName(prefix, "retry-backoff-exponential"), o.RetryBackoffExponential, "double the backoff per attempt")
	fs.IntVar(&o.MonitorIntervalSec, config.JoinFlagName(prefix, "monitor-interval-sec"), o.MonitorIntervalSec, "seconds between run monitor sweeps")
	fs.IntVar(&o.MonitorPageSize, config.JoinFlagName(prefix, "monitor-page-size"), o.MonitorPageSize, "runs fetched per monitor page")
	fs.IntVar(&o.MonitorMaxPerCycle, config.JoinFlagName(prefix, "monitor-max-per-cycle"), o.MonitorMaxPerCycle, "max runs evaluated per monitor sweep")
	fs.IntVar(&o.LockTimeoutSec, config.JoinFlagName(prefix, "lock-timeout-sec"), o.LockTimeoutSec, "seconds before a dead worker's reservation is reclaimed")
}

// Backoff returns the delay before the next attempt after attemptNo failed.
// The first retry waits one base interval; in exponential mode each further
// attempt doubles it.
func (o *Options) Backoff(attemptNo int) time.Duration {
	base := time.Duration(o.RetryBackoffSec) * time.Second
	if !o.RetryBackoffExponential || attemptNo <= 1 {
		return base
	}
	backoff := base
	for i := 1; i < attemptNo; i++ {
		backoff *= 2
	}
	return backoff
}
