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
	"context"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gorse-io/neumf/base/log"
	"github.com/gorse-io/neumf/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.CloseLogger()
	m.Run()
}

func TestFit(t *testing.T) {
	for _, modelType := range []string{"gmf", "mlp", "neumf"} {
		t.Run(modelType, func(t *testing.T) {
			data := smallDataset(t)
			m, err := NewNCF(model.Params{
				model.ModelType:    modelType,
				model.NFactors:     4,
				model.HiddenLayers: []int{8, 4},
				model.NEpochs:      2,
				model.BatchSize:    2,
				model.NumNegatives: 1,
				model.RandomState:  42,
			})
			require.NoError(t, err)
			m.Init(data)
			var before [][]float32
			if modelType == "mlp" {
				before = copyMatrix(m.MLPUserFactor)
			} else {
				before = copyMatrix(m.GMFUserFactor)
			}
			score, err := m.Fit(context.Background(), data, NewFitConfig().SetVerbose(1))
			assert.NoError(t, err)
			assert.False(t, math32.IsNaN(score.Loss))
			assert.Greater(t, score.Loss, float32(0))
			if modelType == "mlp" {
				assert.NotEqual(t, before, m.MLPUserFactor)
			} else {
				assert.NotEqual(t, before, m.GMFUserFactor)
			}
			// the fitted model scores every warm pair
			score2, ok := m.Predict("a", "w")
			assert.True(t, ok)
			assert.False(t, math32.IsNaN(score2))
		})
	}
}

func TestFit_LossDecreases(t *testing.T) {
	params := model.Params{
		model.ModelType:    "gmf",
		model.NFactors:     8,
		model.BatchSize:    2,
		model.NumNegatives: 1,
		model.Optimizer:    "sgd",
		model.Lr:           0.1,
		model.RandomState:  42,
	}
	short, err := NewNCF(params.Overwrite(model.Params{model.NEpochs: 1}))
	require.NoError(t, err)
	shortScore, err := short.Fit(context.Background(), smallDataset(t), NewFitConfig())
	require.NoError(t, err)
	long, err := NewNCF(params.Overwrite(model.Params{model.NEpochs: 100}))
	require.NoError(t, err)
	longScore, err := long.Fit(context.Background(), smallDataset(t), NewFitConfig())
	require.NoError(t, err)
	assert.Less(t, longScore.Loss, shortScore.Loss)
	// well below the untrained baseline of ln(2)
	assert.Less(t, longScore.Loss, float32(0.6))
}

func TestFit_Optimizers(t *testing.T) {
	for _, optimizer := range []string{"sgd", "adam"} {
		t.Run(optimizer, func(t *testing.T) {
			data := smallDataset(t)
			m, err := NewNeuMF(model.Params{
				model.NFactors:     4,
				model.HiddenLayers: []int{8, 4},
				model.NEpochs:      3,
				model.BatchSize:    4,
				model.Optimizer:    optimizer,
				model.RandomState:  42,
			})
			require.NoError(t, err)
			score, err := m.Fit(context.Background(), data, NewFitConfig())
			assert.NoError(t, err)
			assert.False(t, math32.IsNaN(score.Loss))
		})
	}
}

func TestFit_Activations(t *testing.T) {
	for _, activation := range []string{"relu", "sigmoid", "tanh"} {
		t.Run(activation, func(t *testing.T) {
			data := smallDataset(t)
			m, err := NewMLP(model.Params{
				model.HiddenLayers: []int{8, 4},
				model.NEpochs:      3,
				model.BatchSize:    4,
				model.Activation:   activation,
				model.RandomState:  42,
			})
			require.NoError(t, err)
			score, err := m.Fit(context.Background(), data, NewFitConfig())
			assert.NoError(t, err)
			assert.False(t, math32.IsNaN(score.Loss))
		})
	}
}

func TestFit_Deterministic(t *testing.T) {
	params := model.Params{
		model.ModelType:   "gmf",
		model.NFactors:    4,
		model.NEpochs:     3,
		model.BatchSize:   4,
		model.RandomState: 42,
	}
	a, err := NewNCF(params)
	require.NoError(t, err)
	scoreA, err := a.Fit(context.Background(), smallDataset(t), NewFitConfig())
	require.NoError(t, err)
	b, err := NewNCF(params)
	require.NoError(t, err)
	scoreB, err := b.Fit(context.Background(), smallDataset(t), NewFitConfig())
	require.NoError(t, err)
	assert.Equal(t, scoreA.Loss, scoreB.Loss)
	assert.Equal(t, a.GMFUserFactor, b.GMFUserFactor)
	assert.Equal(t, a.GMFItemFactor, b.GMFItemFactor)
}

func TestFit_WithEvaluation(t *testing.T) {
	data := largeDataset(t, 42)
	m, err := NewGMF(model.Params{
		model.NFactors:    4,
		model.NEpochs:     2,
		model.RandomState: 42,
	})
	require.NoError(t, err)
	score, err := m.Fit(context.Background(), data, NewFitConfig().SetVerbose(1).SetJobs(2))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, score.HR, float32(0))
	assert.LessOrEqual(t, score.HR, float32(1))
	assert.GreaterOrEqual(t, score.NDCG, float32(0))
	assert.LessOrEqual(t, score.NDCG, float32(1))
}

func TestFit_InvalidParams(t *testing.T) {
	data := smallDataset(t)
	m, err := NewGMF(nil)
	require.NoError(t, err)
	m.SetParams(model.Params{model.ModelType: "gmf", model.NEpochs: -1})
	_, err = m.Fit(context.Background(), data, NewFitConfig())
	assert.Error(t, err)
}

func TestBCELoss(t *testing.T) {
	assert.InDelta(t, 0, bceLoss(1, 1), 1e-5)
	assert.InDelta(t, 0, bceLoss(0, 0), 1e-5)
	assert.InDelta(t, math32.Log(2), bceLoss(0.5, 1), 1e-5)
	assert.InDelta(t, math32.Log(2), bceLoss(0.5, 0), 1e-5)
	// clamped, never infinite
	assert.False(t, math32.IsInf(bceLoss(0, 1), 1))
}
