/** Copyright 2022-2024 The dxgvmbus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"go.uber.org/multierr"

	"github.com/virtgpu/dxgvmbus/pkg/common/log"
)

// undoStack collects compensations while a multi-step operation makes
// forward progress. On failure Rollback runs them newest first; on
// success Commit drops them. Each compensation runs at most once.
type undoStack struct {
	steps []func() error
	done  bool
}

// Push registers a compensation for a step that just succeeded.
func (u *undoStack) Push(step func() error) {
	u.steps = append(u.steps, step)
}

// Commit discards the pending compensations.
func (u *undoStack) Commit() {
	u.done = true
	u.steps = nil
}

// Rollback runs the compensations in reverse order, collecting every
// failure. Safe to call after Commit or a previous Rollback; it then
// does nothing.
func (u *undoStack) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	var err error
	for i := len(u.steps) - 1; i >= 0; i-- {
		err = multierr.Append(err, u.steps[i]())
	}
	u.steps = nil
	if err != nil {
		log.Errorf(err, "rollback left residual state")
	}
	return err
}
