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
	"context"
	"time"

	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/orchestrator"
)

// Monitor is the pull side of run progression. Each sweep it reclaims
// reservations from dead workers, materializes runs stuck in SCHEDULED,
// activates nodes whose push activation was missed and finalizes runs with
// nothing left to do.
type Monitor struct {
	db   *gorm.DB
	orch *orchestrator.Orchestrator
	opts *Options
}

func NewMonitor(db *gorm.DB, orch *orchestrator.Orchestrator, opts *Options) *Monitor {
	return &Monitor{db: db, orch: orch, opts: opts}
}

func (m *Monitor) Run(ctx context.Context) error {
	log.Infof("run monitor starting, sweep every %ds", m.opts.MonitorIntervalSec)
	ticker := time.NewTicker(time.Duration(m.opts.MonitorIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("run monitor stopped")
			return nil
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one monitor cycle.
func (m *Monitor) SweepOnce(ctx context.Context) {
	m.reclaimStaleReservations(ctx)
	m.materializeStuckRuns(ctx)
	m.evaluateRunningRuns(ctx)
}

// reclaimStaleReservations returns RESERVED instances whose lock is older
// than the lock timeout to PENDING so another worker can take them.
func (m *Monitor) reclaimStaleReservations(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(m.opts.LockTimeoutSec) * time.Second)
	res := m.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("status = ? AND lock_time < ?", models.InstanceReserved, cutoff).
		Updates(map[string]interface{}{"status": models.InstancePending, "locked_by": "", "lock_time": nil})
	if res.Error != nil {
		log.Errorf("reclaim stale reservations: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		log.Warnf("reclaimed %d stale reservation(s)", res.RowsAffected)
	}
}

// materializeStuckRuns retries materialization for SCHEDULED runs, covering
// a trigger that crashed between creating the run and claiming it.
func (m *Monitor) materializeStuckRuns(ctx context.Context) {
	var runs []models.DagRun
	err := m.db.WithContext(ctx).
		Where("status = ?", models.RunScheduled).
		Order("id").Limit(m.opts.MonitorPageSize).
		Find(&runs).Error
	if err != nil {
		log.Errorf("load scheduled runs: %v", err)
		return
	}
	for i := range runs {
		if err := m.orch.Materialize(ctx, runs[i].ID); err != nil {
			log.Errorf("materialize run %s: %v", runs[i].RunNo, err)
		}
	}
}

// evaluateRunningRuns pages through RUNNING runs, activates any ready nodes
// and finalizes runs that are done, up to MonitorMaxPerCycle per sweep.
func (m *Monitor) evaluateRunningRuns(ctx context.Context) {
	evaluated, offset := 0, 0
	for evaluated < m.opts.MonitorMaxPerCycle {
		var runs []models.DagRun
		err := m.db.WithContext(ctx).
			Where("status = ?", models.RunRunning).
			Order("id").Offset(offset).Limit(m.opts.MonitorPageSize).
			Find(&runs).Error
		if err != nil {
			log.Errorf("load running runs: %v", err)
			return
		}
		for i := range runs {
			if evaluated >= m.opts.MonitorMaxPerCycle {
				break
			}
			run := &runs[i]
			if _, err := m.orch.ActivateReady(ctx, run); err != nil {
				log.Errorf("activate ready nodes of run %s: %v", run.RunNo, err)
			}
			after, err := m.orch.EvaluateRun(ctx, run.ID)
			if err != nil {
				log.Errorf("evaluate run %s: %v", run.RunNo, err)
				continue
			}
			if after.Status.Terminal() {
				runsFinalized.WithLabelValues(string(after.Status)).Inc()
			}
			evaluated++
		}
		if len(runs) < m.opts.MonitorPageSize {
			return
		}
		offset += m.opts.MonitorPageSize
	}
}
