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
	"bytes"
	"fmt"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gorse-io/neumf/base/encoding"
	"github.com/gorse-io/neumf/dataset"
	"github.com/gorse-io/neumf/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallDataset is 3 users, 4 items and 6 train positives with no held-out
// split. Small enough that every pair can be checked exhaustively.
func smallDataset(t *testing.T) *dataset.Dataset {
	train := []dataset.Interaction{
		{UserId: "a", ItemId: "w"},
		{UserId: "a", ItemId: "x"},
		{UserId: "b", ItemId: "x"},
		{UserId: "b", ItemId: "y"},
		{UserId: "c", ItemId: "y"},
		{UserId: "c", ItemId: "z"},
	}
	data, err := dataset.NewDataset(train, nil, 0)
	require.NoError(t, err)
	return data
}

// largeDataset has enough items for the leave-one-out negatives, one warm
// held-out positive for u0 plus a cold item and a cold user seen only in
// the held-out split.
func largeDataset(t *testing.T, seed int64) *dataset.Dataset {
	var train []dataset.Interaction
	for u := 0; u < 12; u++ {
		for k := 0; k < 10; k++ {
			train = append(train, dataset.Interaction{
				UserId: fmt.Sprintf("u%d", u),
				ItemId: fmt.Sprintf("i%d", u*10+k),
			})
		}
	}
	test := []dataset.Interaction{
		{UserId: "u0", ItemId: "i100"},
		{UserId: "u0", ItemId: "i-cold"},
		{UserId: "u-cold", ItemId: "i5"},
	}
	data, err := dataset.NewDataset(train, test, seed)
	require.NoError(t, err)
	return data
}

func TestParseType(t *testing.T) {
	for name, expected := range map[string]Type{"gmf": GMF, "MLP": MLP, "NeuMF": NeuMF} {
		parsed, err := ParseType(name)
		assert.NoError(t, err)
		assert.Equal(t, expected, parsed)
	}
	_, err := ParseType("bpr")
	assert.Error(t, err)
}

func TestNewNCF_InvalidParams(t *testing.T) {
	cases := []model.Params{
		{model.ModelType: "bpr"},
		{model.Optimizer: "rmsprop"},
		{model.Activation: "gelu"},
		{model.NFactors: 0},
		{model.NEpochs: -1},
		{model.BatchSize: 0},
		{model.NumNegatives: -1},
		{model.HiddenLayers: []int{}},
		{model.HiddenLayers: []int{33, 16}},
		{model.HiddenLayers: []int{32, 0}},
	}
	for _, params := range cases {
		_, err := NewNCF(params)
		assert.Error(t, err, params.ToString())
	}
	// an odd first width is fine for gmf, the deep branch does not exist
	_, err := NewGMF(model.Params{model.HiddenLayers: []int{33, 16}})
	assert.NoError(t, err)
}

func TestForward(t *testing.T) {
	data := smallDataset(t)
	for _, modelType := range []string{"gmf", "mlp", "neumf"} {
		t.Run(modelType, func(t *testing.T) {
			m, err := NewNCF(model.Params{
				model.ModelType:    modelType,
				model.NFactors:     4,
				model.HiddenLayers: []int{8, 4},
				model.RandomState:  42,
			})
			require.NoError(t, err)
			m.Init(data)
			for u := int32(0); u < int32(data.CountUsers()); u++ {
				for i := int32(0); i < int32(data.CountItems()); i++ {
					score := m.internalPredict(u, i)
					assert.Greater(t, score, float32(0))
					assert.Less(t, score, float32(1))
					assert.False(t, math32.IsNaN(score))
				}
			}
		})
	}
}

func TestPredict_Fallback(t *testing.T) {
	data := largeDataset(t, 42)
	m, err := NewGMF(model.Params{model.NFactors: 4})
	require.NoError(t, err)
	m.Init(data)
	// warm pair
	score, ok := m.Predict("u0", "i5")
	assert.True(t, ok)
	assert.NotEqual(t, FallbackScore, score)
	// unknown identifiers
	score, ok = m.Predict("nobody", "i5")
	assert.False(t, ok)
	assert.Equal(t, FallbackScore, score)
	// indexed through the held-out split but never trained on
	score, ok = m.Predict("u-cold", "i5")
	assert.False(t, ok)
	assert.Equal(t, FallbackScore, score)
	score, ok = m.Predict("u0", "i-cold")
	assert.False(t, ok)
	assert.Equal(t, FallbackScore, score)
}

func TestBatchPredict(t *testing.T) {
	data := largeDataset(t, 42)
	m, err := NewGMF(model.Params{model.NFactors: 4})
	require.NoError(t, err)
	m.Init(data)
	userIds := []string{"u0", "nobody", "u1"}
	itemIds := []string{"i5", "i5", "i20"}
	scores, known, err := m.BatchPredict(userIds, itemIds)
	assert.NoError(t, err)
	require.Len(t, scores, 3)
	for i := range scores {
		single, ok := m.Predict(userIds[i], itemIds[i])
		assert.Equal(t, single, scores[i])
		assert.Equal(t, ok, known[i])
	}
	assert.False(t, known[1])
	_, _, err = m.BatchPredict([]string{"u0"}, []string{"i5", "i6"})
	assert.Error(t, err)
}

func TestMarshal(t *testing.T) {
	data := smallDataset(t)
	for _, modelType := range []string{"gmf", "mlp", "neumf"} {
		t.Run(modelType, func(t *testing.T) {
			m, err := NewNCF(model.Params{
				model.ModelType:    modelType,
				model.NFactors:     4,
				model.HiddenLayers: []int{8, 4},
				model.RandomState:  42,
			})
			require.NoError(t, err)
			m.Init(data)
			buf := bytes.NewBuffer(nil)
			require.NoError(t, MarshalModel(buf, m))
			decoded, err := UnmarshalModel(buf)
			require.NoError(t, err)
			assert.Equal(t, m.Type, decoded.Type)
			for u := int32(0); u < int32(data.CountUsers()); u++ {
				for i := int32(0); i < int32(data.CountItems()); i++ {
					assert.Equal(t, m.internalPredict(u, i), decoded.internalPredict(u, i))
				}
			}
		})
	}
}

func TestUnmarshalModel_WrongName(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	require.NoError(t, encoding.WriteString(buf, "SVD"))
	_, err := UnmarshalModel(buf)
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	data := smallDataset(t)
	m, err := NewNeuMF(model.Params{model.NFactors: 4, model.HiddenLayers: []int{8, 4}})
	require.NoError(t, err)
	m.Init(data)
	clone, err := m.Clone()
	require.NoError(t, err)
	assert.Equal(t, m.internalPredict(0, 0), clone.internalPredict(0, 0))
	// the clone is detached from the original weights
	clone.GMFUserFactor[0][0] += 1
	assert.NotEqual(t, m.GMFUserFactor[0][0], clone.GMFUserFactor[0][0])
}

func TestClearInvalid(t *testing.T) {
	data := smallDataset(t)
	m, err := NewGMF(nil)
	require.NoError(t, err)
	assert.True(t, m.Invalid())
	m.Init(data)
	assert.False(t, m.Invalid())
	m.Clear()
	assert.True(t, m.Invalid())
}
