// Copyright 2025 Tom Barlow
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

package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntimeContextCloneIsIndependent(t *testing.T) {
	ctx := NewRuntimeContext([]string{"fetch"})
	ctx.Steps["fetch"].Status = StepRunning

	clone, err := ctx.Clone()
	require.NoError(t, err)

	clone.Steps["fetch"].Status = StepSucceeded
	clone.Steps["fetch"].Output = json.RawMessage(`{"rows":1}`)

	require.Equal(t, StepRunning, ctx.Steps["fetch"].Status)
	require.Nil(t, ctx.Steps["fetch"].Output)
	require.Equal(t, StepSucceeded, clone.Steps["fetch"].Status)
}

func TestRuntimeContextStepSucceeded(t *testing.T) {
	ctx := NewRuntimeContext([]string{"a", "b"})
	require.False(t, ctx.StepSucceeded("a"))
	require.False(t, ctx.StepSucceeded("missing"))

	ctx.Steps["a"].Status = StepSucceeded
	require.True(t, ctx.StepSucceeded("a"))
}
