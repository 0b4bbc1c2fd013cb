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

// Package trigger fires dag runs on schedules. The Backend interface is what
// the orchestrator programs; CronBackend is the in-process implementation on
// top of robfig/cron.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/log"
)

// FireFunc is invoked when a schedule fires. A zero runID means a recurring
// firing that needs a fresh run; a nonzero runID names an already created
// run to materialize. Implementations must be safe for concurrent calls;
// failures are the callee's to record.
type FireFunc func(ctx context.Context, dagID, runID uint)

// Backend programs recurring and one-shot schedules keyed by dag id.
type Backend interface {
	// ScheduleRecurring installs or replaces the cron schedule for a dag.
	ScheduleRecurring(dagID uint, cronExpr string) error
	// ScheduleOnce fires an existing run of a dag version a single time at
	// the given instant. Instants in the past fire immediately.
	ScheduleOnce(dagID, runID, versionID uint, at time.Time) error
	// Pause suspends a recurring schedule, keeping it for Resume.
	Pause(dagID uint) error
	// Resume reinstates a paused schedule.
	Resume(dagID uint) error
	// Delete removes any schedule for the dag. Removing an unknown dag is a
	// no-op.
	Delete(dagID uint)
	// Reschedule replaces the cron expression, preserving paused state.
	Reschedule(dagID uint, cronExpr string) error
}

// CronBackend runs schedules inside the process.
type CronBackend struct {
	cron *cron.Cron
	fire FireFunc

	mu      sync.Mutex
	entries map[uint]cron.EntryID
	sources map[uint]string // installed cron expression per dag
	paused  map[uint]string // dagID -> expr while suspended
	timers  map[uint]map[*time.Timer]bool
}

var _ Backend = &CronBackend{}

func NewCronBackend(fire FireFunc) *CronBackend {
	return &CronBackend{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		fire:    fire,
		entries: map[uint]cron.EntryID{},
		sources: map[uint]string{},
		paused:  map[uint]string{},
		timers:  map[uint]map[*time.Timer]bool{},
	}
}

// Run starts the scheduler and blocks until ctx is done, then stops it and
// cancels outstanding one-shot timers.
func (b *CronBackend) Run(ctx context.Context) error {
	log.Info("cron trigger backend starting")
	b.cron.Start()
	<-ctx.Done()
	stopped := b.cron.Stop()
	b.mu.Lock()
	for _, timers := range b.timers {
		for t := range timers {
			t.Stop()
		}
	}
	b.timers = map[uint]map[*time.Timer]bool{}
	b.mu.Unlock()
	<-stopped.Done()
	log.Info("cron trigger backend stopped")
	return nil
}

func (b *CronBackend) ScheduleRecurring(dagID uint, cronExpr string) error {
	if cronExpr == "" {
		return errkind.Validation("dag %d has no cron expression", dagID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.entries[dagID]; ok {
		b.cron.Remove(old)
		delete(b.entries, dagID)
	}
	delete(b.paused, dagID)
	id, err := b.cron.AddFunc(cronExpr, func() {
		b.fire(context.Background(), dagID, 0)
	})
	if err != nil {
		return errkind.Validation("invalid cron expression %q: %v", cronExpr, err)
	}
	b.entries[dagID] = id
	b.sources[dagID] = cronExpr
	log.Infof("scheduled dag %d with cron %q", dagID, cronExpr)
	return nil
}

func (b *CronBackend) ScheduleOnce(dagID, runID, versionID uint, at time.Time) error {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.fire(context.Background(), dagID, runID)
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers[dagID], timer)
		if len(b.timers[dagID]) == 0 {
			delete(b.timers, dagID)
		}
	})
	if b.timers[dagID] == nil {
		b.timers[dagID] = map[*time.Timer]bool{}
	}
	b.timers[dagID][timer] = true
	return nil
}

func (b *CronBackend) Pause(dagID uint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.entries[dagID]
	if !ok {
		if _, suspended := b.paused[dagID]; suspended {
			return nil
		}
		return errkind.NotFound("dag %d has no recurring schedule", dagID)
	}
	expr := b.sources[dagID]
	b.cron.Remove(id)
	delete(b.entries, dagID)
	delete(b.sources, dagID)
	b.paused[dagID] = expr
	log.Infof("paused schedule for dag %d", dagID)
	return nil
}

func (b *CronBackend) Resume(dagID uint) error {
	b.mu.Lock()
	expr, ok := b.paused[dagID]
	b.mu.Unlock()
	if !ok {
		if b.scheduled(dagID) {
			return nil
		}
		return errkind.NotFound("dag %d has no paused schedule", dagID)
	}
	return b.ScheduleRecurring(dagID, expr)
}

func (b *CronBackend) Delete(dagID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.entries[dagID]; ok {
		b.cron.Remove(id)
		delete(b.entries, dagID)
	}
	delete(b.sources, dagID)
	delete(b.paused, dagID)
	for t := range b.timers[dagID] {
		t.Stop()
	}
	delete(b.timers, dagID)
}

func (b *CronBackend) Reschedule(dagID uint, cronExpr string) error {
	b.mu.Lock()
	_, suspended := b.paused[dagID]
	b.mu.Unlock()
	if suspended {
		// keep it paused, just swap the stored expression
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return errkind.Validation("invalid cron expression %q: %v", cronExpr, err)
		}
		b.mu.Lock()
		b.paused[dagID] = cronExpr
		b.mu.Unlock()
		return nil
	}
	return b.ScheduleRecurring(dagID, cronExpr)
}

func (b *CronBackend) scheduled(dagID uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[dagID]
	return ok
}
