// Copyright 2025 neumf Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ncf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSolver(t *testing.T) {
	_, err := newSolver("sgd", 0.1, 0)
	assert.NoError(t, err)
	_, err = newSolver("Adam", 0.1, 0)
	assert.NoError(t, err)
	_, err = newSolver("rmsprop", 0.1, 0)
	assert.Error(t, err)
}

func TestSGDSolver(t *testing.T) {
	s, err := newSolver("sgd", 0.5, 0)
	require.NoError(t, err)
	param := []float32{1, -1}
	s.advance()
	s.step(0, param, []float32{2, -2})
	assert.Equal(t, []float32{0, 0}, param)
}

func TestSGDSolver_Regularization(t *testing.T) {
	s, err := newSolver("sgd", 0.5, 0.1)
	require.NoError(t, err)
	param := []float32{1}
	s.advance()
	s.step(0, param, []float32{0})
	// only weight decay pulls the parameter toward zero
	assert.InDelta(t, 0.95, param[0], 1e-6)
}

func TestAdamSolver_Minimizes(t *testing.T) {
	// minimize (x-3)^2 by following its gradient
	s, err := newSolver("adam", 0.1, 0)
	require.NoError(t, err)
	param := []float32{0}
	for i := 0; i < 500; i++ {
		s.advance()
		s.step(0, param, []float32{2 * (param[0] - 3)})
	}
	assert.InDelta(t, 3, param[0], 0.05)
}

func TestAdamSolver_IndependentSlots(t *testing.T) {
	s, err := newSolver("adam", 0.1, 0)
	require.NoError(t, err)
	a, b := []float32{0}, []float32{0}
	s.advance()
	s.step(1, a, []float32{1})
	s.step(2, b, []float32{1})
	assert.Equal(t, a[0], b[0])
}
