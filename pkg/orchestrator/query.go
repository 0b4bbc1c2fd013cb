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

package orchestrator

import (
	"context"

	"tinyflow.io/tinyflow/pkg/catalog"
	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

func (o *Orchestrator) GetRun(ctx context.Context, runID uint) (*models.DagRun, error) {
	run := &models.DagRun{}
	if err := o.db.WithContext(ctx).First(run, runID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("dag run %d not found", runID)
		}
		return nil, errkind.System(err, "get dag run")
	}
	return run, nil
}

func (o *Orchestrator) GetRunByRunNo(ctx context.Context, runNo string) (*models.DagRun, error) {
	run := &models.DagRun{}
	if err := o.db.WithContext(ctx).Where("run_no = ?", runNo).First(run).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("dag run %q not found", runNo)
		}
		return nil, errkind.System(err, "get dag run")
	}
	return run, nil
}

// RunListOptions filters ListRuns.
type RunListOptions struct {
	catalog.ListOptions
	DagID  uint
	Status models.RunStatus
}

func (o *Orchestrator) ListRuns(ctx context.Context, tenantID uint, opts RunListOptions) (*catalog.Page[models.DagRun], error) {
	query := o.db.WithContext(ctx).Model(&models.DagRun{}).Where("tenant_id = ?", tenantID)
	if opts.DagID != 0 {
		query = query.Where("dag_id = ?", opts.DagID)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}
	page, size := opts.Page, opts.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = catalog.DefaultPageSize
	}
	if size > catalog.MaxPageSize {
		size = catalog.MaxPageSize
	}
	out := &catalog.Page[models.DagRun]{Page: page, Size: size}
	if err := query.Count(&out.Total).Error; err != nil {
		return nil, errkind.System(err, "count runs")
	}
	err := query.Offset((page - 1) * size).Limit(size).Order("id DESC").Find(&out.List).Error
	if err != nil {
		return nil, errkind.System(err, "list runs")
	}
	return out, nil
}

// ListInstances returns every attempt of a run ordered by node then attempt.
func (o *Orchestrator) ListInstances(ctx context.Context, runID uint) ([]models.TaskInstance, error) {
	var instances []models.TaskInstance
	err := o.db.WithContext(ctx).Where("dag_run_id = ?", runID).
		Order("node_code, attempt_no").Find(&instances).Error
	if err != nil {
		return nil, errkind.System(err, "list task instances")
	}
	return instances, nil
}

// ListHistories returns the execution records of one instance, newest first.
func (o *Orchestrator) ListHistories(ctx context.Context, instanceID uint) ([]models.TaskHistory, error) {
	var histories []models.TaskHistory
	err := o.db.WithContext(ctx).Where("task_instance_id = ?", instanceID).
		Order("id DESC").Find(&histories).Error
	if err != nil {
		return nil, errkind.System(err, "list task histories")
	}
	return histories, nil
}

// InstanceLog returns the most useful log surface of an instance's latest
// execution: an external log path when one was recorded, the result payload
// for successes, otherwise the error message with its stack trace.
func (o *Orchestrator) InstanceLog(ctx context.Context, instanceID uint) (string, error) {
	histories, err := o.ListHistories(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if len(histories) == 0 {
		return "", errkind.NotFound("instance %d has no execution record yet", instanceID)
	}
	latest := histories[0]
	if latest.LogPath != "" {
		return latest.LogPath, nil
	}
	if latest.Status == models.InstanceSuccess {
		return string(latest.Result), nil
	}
	if latest.StackTrace != "" {
		return latest.ErrorMessage + "\n" + latest.StackTrace, nil
	}
	return latest.ErrorMessage, nil
}
