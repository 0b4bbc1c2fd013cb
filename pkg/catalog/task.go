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

package catalog

import (
	"context"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/params"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

// CreateTask validates the referenced type, checks the default params
// against its schema, then inserts.
func (c *Catalog) CreateTask(ctx context.Context, task *models.Task) error {
	if err := c.validateTask(ctx, task); err != nil {
		return err
	}
	if err := c.db.WithContext(ctx).Create(task).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return errkind.Conflict("task %q already exists", task.Code)
		}
		return errkind.System(err, "create task")
	}
	c.audit.Record(task.TenantID, "Task", task.ID, "create", task.CreatedBy, task)
	return nil
}

func (c *Catalog) GetTask(ctx context.Context, tenantID, id uint) (*models.Task, error) {
	task := &models.Task{}
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(task).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("task %d not found", id)
		}
		return nil, errkind.System(err, "get task")
	}
	return task, nil
}

func (c *Catalog) GetTaskByCode(ctx context.Context, tenantID uint, code string) (*models.Task, error) {
	task := &models.Task{}
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND code = ?", tenantID, code).First(task).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("task %q not found", code)
		}
		return nil, errkind.System(err, "get task")
	}
	return task, nil
}

func (c *Catalog) ListTasks(ctx context.Context, tenantID uint, opts ListOptions) (*Page[models.Task], error) {
	query := c.db.WithContext(ctx).Model(&models.Task{}).Where("tenant_id = ?", tenantID)
	query = applySearch(query, opts.Search)
	if opts.Enabled != nil {
		query = query.Where("enabled = ?", *opts.Enabled)
	}
	page := &Page[models.Task]{}
	if err := paginate(query, opts, page); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Catalog) UpdateTask(ctx context.Context, task *models.Task) error {
	existing, err := c.GetTask(ctx, task.TenantID, task.ID)
	if err != nil {
		return err
	}
	if existing.Code != task.Code {
		return errkind.NotAllowed("task code cannot be changed")
	}
	if err := c.validateTask(ctx, task); err != nil {
		return err
	}
	updates := map[string]interface{}{
		"type_id":            task.TypeID,
		"name":               task.Name,
		"description":        task.Description,
		"params":             task.Params,
		"timeout_sec":        task.TimeoutSec,
		"max_retry":          task.MaxRetry,
		"retry_policy":       task.RetryPolicy,
		"concurrency_policy": task.ConcurrencyPolicy,
		"enabled":            task.Enabled,
	}
	if err := c.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
		return errkind.System(err, "update task")
	}
	c.audit.Record(task.TenantID, "Task", task.ID, "update", task.CreatedBy, updates)
	return nil
}

// DeleteTask refuses while any dag version node still references the task.
func (c *Catalog) DeleteTask(ctx context.Context, tenantID, id uint, operator string) error {
	task, err := c.GetTask(ctx, tenantID, id)
	if err != nil {
		return err
	}
	var refs int64
	if err := c.db.WithContext(ctx).Model(&models.DagTask{}).Where("task_id = ?", id).Count(&refs).Error; err != nil {
		return errkind.System(err, "count referencing dag nodes")
	}
	if refs > 0 {
		return errkind.NotAllowed("task %q is referenced by %d dag node(s)", task.Code, refs)
	}
	if err := c.db.WithContext(ctx).Delete(task).Error; err != nil {
		return errkind.System(err, "delete task")
	}
	c.audit.Record(tenantID, "Task", id, "delete", operator, nil)
	return nil
}

func (c *Catalog) validateTask(ctx context.Context, task *models.Task) error {
	if task.Code == "" {
		return errkind.Validation("task code is required")
	}
	if task.TimeoutSec < 0 || task.MaxRetry < 0 {
		return errkind.Validation("task %q has negative limits", task.Code)
	}
	switch task.ConcurrencyPolicy {
	case "", models.PolicyParallel, models.PolicySequential, models.PolicySingleton, models.PolicyKeyed:
	default:
		return errkind.Validation("task %q has unknown concurrency policy %q", task.Code, task.ConcurrencyPolicy)
	}
	tt, err := c.GetTaskType(ctx, task.TenantID, task.TypeID)
	if err != nil {
		if errkind.IsNotFound(err) {
			return errkind.Validation("task %q references unknown task type %d", task.Code, task.TypeID)
		}
		return err
	}
	if !tt.Enabled {
		return errkind.NotAllowed("task type %q is disabled", tt.Code)
	}
	// Defaults only need to parse here. Schema conformance is checked on the
	// fully merged set at trigger time, since node and trigger overrides may
	// supply required fields the defaults leave out.
	if _, err := params.Decode(task.Params); err != nil {
		return err
	}
	return nil
}
