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

// TaskHistory is the append-only record of one execution attempt. One row
// per attempt, written by the worker after the attempt finishes.
type TaskHistory struct {
	ID             uint `gorm:"primarykey"`
	TaskInstanceID uint `gorm:"index"`
	DagRunID       uint `gorm:"index"`
	DagID          uint
	NodeCode       string `gorm:"type:varchar(128)"`
	TaskID         uint
	AttemptNo      int
	Status         InstanceStatus `gorm:"type:varchar(32)"`
	StartTime      *time.Time
	EndTime        *time.Time
	DurationMs     int64
	Params         datatypes.JSON
	Result         datatypes.JSON
	ErrorMessage   string `gorm:"type:varchar(1024)"`
	StackTrace     string `gorm:"type:text"`
	LogPath        string `gorm:"type:varchar(512)"`
	WorkerID       string `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
}
