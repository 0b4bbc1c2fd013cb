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

// Package orchestrator drives the dag run lifecycle: triggering, instance
// materialization, pause/resume/stop/retry at run and node granularity, and
// run queries. Execution itself belongs to the worker pool.
package orchestrator

import (
	"context"
	"time"

	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/audit"
	"tinyflow.io/tinyflow/pkg/catalog"
	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/log"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/trigger"
)

type Orchestrator struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	audit   *audit.Recorder
	backend trigger.Backend // nil when running without schedules
}

func New(db *gorm.DB, cat *catalog.Catalog) *Orchestrator {
	return &Orchestrator{db: db, catalog: cat, audit: audit.NewRecorder(db)}
}

// SetBackend attaches the trigger backend after construction and hooks the
// catalog so schedule edits reach it. The backend's fire function closes
// over the orchestrator, so the two are wired in stages.
func (o *Orchestrator) SetBackend(backend trigger.Backend) {
	o.backend = backend
	if backend == nil {
		return
	}
	o.catalog.SetScheduleHooks(
		func(dag *models.Dag) {
			if dag.CronExpr == "" {
				backend.Delete(dag.ID)
				return
			}
			if !dag.Enabled {
				if err := backend.Pause(dag.ID); err != nil && !errkind.IsNotFound(err) {
					log.Errorf("pause schedule for dag %d: %v", dag.ID, err)
				}
				return
			}
			if err := backend.Reschedule(dag.ID, dag.CronExpr); err != nil {
				log.Errorf("reschedule dag %d: %v", dag.ID, err)
			}
		},
		func(dagID uint) { backend.Delete(dagID) },
	)
}

func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog
}

// Fire is the trigger.FireFunc the cron backend invokes. A zero runID is a
// recurring firing and creates a fresh run; a nonzero runID materializes the
// named run. Failures are logged only; the schedule keeps firing.
func (o *Orchestrator) Fire(ctx context.Context, dagID, runID uint) {
	if runID == 0 {
		o.fireRecurring(ctx, dagID)
		return
	}
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		log.Errorf("fire run %d: %v", runID, err)
		return
	}
	dag := &models.Dag{}
	if err := o.db.WithContext(ctx).First(dag, dagID).Error; err != nil {
		log.Errorf("fire run %s: load dag %d: %v", run.RunNo, dagID, err)
		return
	}
	if !dag.Enabled {
		// the dag was disabled between trigger and firing
		now := time.Now()
		err := o.db.WithContext(ctx).Model(&models.DagRun{}).
			Where("id = ? AND status = ?", runID, models.RunScheduled).
			Updates(map[string]interface{}{"status": models.RunCancelled, "end_time": now}).Error
		if err != nil {
			log.Errorf("cancel run %s of disabled dag %q: %v", run.RunNo, dag.Code, err)
		}
		return
	}
	if err := o.Materialize(ctx, runID); err != nil {
		log.Errorf("materialize run %s: %v", run.RunNo, err)
	}
}

func (o *Orchestrator) fireRecurring(ctx context.Context, dagID uint) {
	dag := &models.Dag{}
	if err := o.db.WithContext(ctx).First(dag, dagID).Error; err != nil {
		log.Errorf("scheduled fire: load dag %d: %v", dagID, err)
		return
	}
	run, err := o.createRun(ctx, TriggerOptions{
		TenantID:    dag.TenantID,
		DagID:       dagID,
		TriggerType: models.TriggerSchedule,
		TriggeredBy: "scheduler",
	})
	if err != nil {
		log.Errorf("scheduled fire: trigger dag %d: %v", dagID, err)
		return
	}
	if err := o.Materialize(ctx, run.ID); err != nil {
		log.Errorf("materialize run %s: %v", run.RunNo, err)
		return
	}
	log.Infof("schedule fired dag %d run %s", dagID, run.RunNo)
}

// SyncSchedules installs recurring schedules for every enabled dag carrying
// a cron expression. Called once at engine startup.
func (o *Orchestrator) SyncSchedules(ctx context.Context) error {
	if o.backend == nil {
		return nil
	}
	var dags []models.Dag
	err := o.db.WithContext(ctx).
		Where("enabled = ? AND cron_expr <> ''", true).Find(&dags).Error
	if err != nil {
		return err
	}
	for _, dag := range dags {
		if err := o.backend.ScheduleRecurring(dag.ID, dag.CronExpr); err != nil {
			log.Errorf("sync schedule for dag %q: %v", dag.Code, err)
			continue
		}
	}
	log.Infof("synced %d dag schedule(s)", len(dags))
	return nil
}
