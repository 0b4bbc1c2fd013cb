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

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Task is a concrete unit of work: a TaskType plus default parameters and
// optional limit overrides. TimeoutSec and MaxRetry zero mean "inherit from
// the type".
type Task struct {
	ID                uint   `gorm:"primarykey"`
	TenantID          uint   `gorm:"uniqueIndex:uniq_task_code"`
	TypeID            uint   `gorm:"index"`
	Code              string `gorm:"type:varchar(128);uniqueIndex:uniq_task_code"`
	Name              string `gorm:"type:varchar(128)"`
	Description       string
	Params            datatypes.JSON
	TimeoutSec        int
	MaxRetry          int
	RetryPolicy       datatypes.JSON
	ConcurrencyPolicy ConcurrencyPolicy `gorm:"type:varchar(32);default:PARALLEL"`
	Enabled           bool              `gorm:"default:true"`
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
