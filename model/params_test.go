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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParams(t *testing.T) {
	params := Params{
		Lr:           0.1,
		NEpochs:      10,
		ModelType:    "gmf",
		HiddenLayers: []int{32, 16},
	}
	assert.Equal(t, float32(0.1), params.GetFloat32(Lr, 0))
	assert.Equal(t, 10, params.GetInt(NEpochs, 0))
	assert.Equal(t, "gmf", params.GetString(ModelType, "neumf"))
	assert.Equal(t, []int{32, 16}, params.GetIntSlice(HiddenLayers, nil))
	// defaults
	assert.Equal(t, 256, params.GetInt(BatchSize, 256))
	assert.Equal(t, int64(42), params.GetInt64(RandomState, 42))
}

func TestParams_TypeMismatch(t *testing.T) {
	params := Params{NEpochs: "ten"}
	assert.Equal(t, 5, params.GetInt(NEpochs, 5))
}

func TestParams_Overwrite(t *testing.T) {
	params := Params{Lr: 0.1, NEpochs: 10}
	merged := params.Overwrite(Params{NEpochs: 20, NFactors: 8})
	assert.Equal(t, float32(0.1), merged.GetFloat32(Lr, 0))
	assert.Equal(t, 20, merged.GetInt(NEpochs, 0))
	assert.Equal(t, 8, merged.GetInt(NFactors, 0))
	// the receiver is unchanged
	assert.Equal(t, 10, params.GetInt(NEpochs, 0))
}

func TestParams_Copy(t *testing.T) {
	params := Params{Lr: 0.1}
	copied := params.Copy()
	copied[Lr] = 0.2
	assert.Equal(t, float32(0.1), params.GetFloat32(Lr, 0))
}
