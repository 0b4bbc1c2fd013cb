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
	"encoding/json"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
	"tinyflow.io/tinyflow/pkg/utils/database"
)

func (c *Catalog) CreateTaskType(ctx context.Context, tt *models.TaskType) error {
	if err := validateTaskType(tt); err != nil {
		return err
	}
	if err := c.db.WithContext(ctx).Create(tt).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return errkind.Conflict("task type %q already exists", tt.Code)
		}
		return errkind.System(err, "create task type")
	}
	c.audit.Record(tt.TenantID, "TaskType", tt.ID, "create", tt.CreatedBy, tt)
	return nil
}

func (c *Catalog) GetTaskType(ctx context.Context, tenantID, id uint) (*models.TaskType, error) {
	tt := &models.TaskType{}
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(tt).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("task type %d not found", id)
		}
		return nil, errkind.System(err, "get task type")
	}
	return tt, nil
}

func (c *Catalog) GetTaskTypeByCode(ctx context.Context, tenantID uint, code string) (*models.TaskType, error) {
	tt := &models.TaskType{}
	err := c.db.WithContext(ctx).Where("tenant_id = ? AND code = ?", tenantID, code).First(tt).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errkind.NotFound("task type %q not found", code)
		}
		return nil, errkind.System(err, "get task type")
	}
	return tt, nil
}

func (c *Catalog) ListTaskTypes(ctx context.Context, tenantID uint, opts ListOptions) (*Page[models.TaskType], error) {
	query := c.db.WithContext(ctx).Model(&models.TaskType{}).Where("tenant_id = ?", tenantID)
	query = applySearch(query, opts.Search)
	if opts.Enabled != nil {
		query = query.Where("enabled = ?", *opts.Enabled)
	}
	page := &Page[models.TaskType]{}
	if err := paginate(query, opts, page); err != nil {
		return nil, err
	}
	return page, nil
}

// UpdateTaskType rewrites the mutable fields. The code is immutable once
// created; changing it would orphan tasks referencing it by code.
func (c *Catalog) UpdateTaskType(ctx context.Context, tt *models.TaskType) error {
	if err := validateTaskType(tt); err != nil {
		return err
	}
	existing, err := c.GetTaskType(ctx, tt.TenantID, tt.ID)
	if err != nil {
		return err
	}
	if existing.Code != tt.Code {
		return errkind.NotAllowed("task type code cannot be changed")
	}
	updates := map[string]interface{}{
		"name":                tt.Name,
		"description":         tt.Description,
		"executor":            tt.Executor,
		"param_schema":        tt.ParamSchema,
		"default_timeout_sec": tt.DefaultTimeoutSec,
		"default_max_retry":   tt.DefaultMaxRetry,
		"enabled":             tt.Enabled,
	}
	if err := c.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
		return errkind.System(err, "update task type")
	}
	c.audit.Record(tt.TenantID, "TaskType", tt.ID, "update", tt.CreatedBy, updates)
	return nil
}

// DeleteTaskType refuses while tasks still reference the type.
func (c *Catalog) DeleteTaskType(ctx context.Context, tenantID, id uint, operator string) error {
	tt, err := c.GetTaskType(ctx, tenantID, id)
	if err != nil {
		return err
	}
	var refs int64
	if err := c.db.WithContext(ctx).Model(&models.Task{}).Where("type_id = ?", id).Count(&refs).Error; err != nil {
		return errkind.System(err, "count referencing tasks")
	}
	if refs > 0 {
		return errkind.NotAllowed("task type %q is referenced by %d task(s)", tt.Code, refs)
	}
	if err := c.db.WithContext(ctx).Delete(tt).Error; err != nil {
		return errkind.System(err, "delete task type")
	}
	c.audit.Record(tenantID, "TaskType", id, "delete", operator, nil)
	return nil
}

func validateTaskType(tt *models.TaskType) error {
	if tt.Code == "" {
		return errkind.Validation("task type code is required")
	}
	if tt.Executor == "" {
		return errkind.Validation("task type %q requires an executor", tt.Code)
	}
	if tt.DefaultTimeoutSec < 0 || tt.DefaultMaxRetry < 0 {
		return errkind.Validation("task type %q has negative limits", tt.Code)
	}
	if len(tt.ParamSchema) > 0 && string(tt.ParamSchema) != "null" {
		if !json.Valid(tt.ParamSchema) {
			return errkind.Validation("task type %q has an invalid param schema", tt.Code)
		}
	}
	return nil
}
