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

// Package catalog is the system of record for task types, tasks, dags and
// dag versions. All mutations are audited; deletes are blocked while other
// catalog objects still reference the target.
package catalog

import (
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"tinyflow.io/tinyflow/pkg/audit"
	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

type Catalog struct {
	db    *gorm.DB
	audit *audit.Recorder

	// schedule hooks, installed by the orchestrator once a trigger backend
	// exists; nil hooks are skipped
	scheduleChanged func(dag *models.Dag)
	scheduleRemoved func(dagID uint)
}

func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db, audit: audit.NewRecorder(db)}
}

// SetScheduleHooks registers callbacks notified after a dag's schedule
// fields change or the dag is deleted.
func (c *Catalog) SetScheduleHooks(changed func(dag *models.Dag), removed func(dagID uint)) {
	c.scheduleChanged = changed
	c.scheduleRemoved = removed
}

func (c *Catalog) notifyScheduleChanged(dag *models.Dag) {
	if c.scheduleChanged != nil {
		c.scheduleChanged(dag)
	}
}

func (c *Catalog) notifyScheduleRemoved(dagID uint) {
	if c.scheduleRemoved != nil {
		c.scheduleRemoved(dagID)
	}
}

func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// ListOptions is shared pagination and filtering for catalog listings.
type ListOptions struct {
	Page    int
	Size    int
	Search  string // matches code or name, substring
	Enabled *bool
}

func (o ListOptions) normalize() (page, size int) {
	page, size = o.Page, o.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Page is one page of results plus the unpaged total.
type Page[T any] struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	List  []T   `json:"list"`
}

func paginate[T any](query *gorm.DB, opts ListOptions, out *Page[T]) error {
	page, size := opts.normalize()
	if err := query.Count(&out.Total).Error; err != nil {
		return errkind.System(err, "count")
	}
	out.Page, out.Size = page, size
	if err := query.Offset((page - 1) * size).Limit(size).Order("id").Find(&out.List).Error; err != nil {
		return errkind.System(err, "list")
	}
	return nil
}

func applySearch(query *gorm.DB, search string) *gorm.DB {
	if search == "" {
		return query
	}
	like := "%" + search + "%"
	return query.Where("code LIKE ? OR name LIKE ?", like, like)
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron checks a five-field cron expression (descriptors like
// "@hourly" included). Empty means the dag has no schedule.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return errkind.Validation("invalid cron expression %q: %v", expr, err)
	}
	return nil
}
