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

// Audit records catalog mutations and run lifecycle transitions. Writes are
// best effort and never fail the mutating operation.
type Audit struct {
	ID         uint `gorm:"primarykey"`
	TenantID   uint `gorm:"index"`
	ObjectType string `gorm:"type:varchar(64);index"`
	ObjectID   string `gorm:"type:varchar(64)"`
	Action     string `gorm:"type:varchar(64)"`
	Operator   string `gorm:"type:varchar(128)"`
	Detail     datatypes.JSON
	CreatedAt  time.Time
}
