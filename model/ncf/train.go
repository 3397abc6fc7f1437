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
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/gorse-io/neumf/base/log"
	"github.com/gorse-io/neumf/base/progress"
	"github.com/gorse-io/neumf/common/floats"
	"github.com/gorse-io/neumf/dataset"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// FitConfig controls the runtime of a fit: parallelism, logging cadence
// and the cutoff of the periodic leave-one-out evaluation.
type FitConfig struct {
	Jobs    int
	Verbose int
	TopK    int
}

// NewFitConfig creates a config with default values.
func NewFitConfig() *FitConfig {
	return &FitConfig{
		Jobs:    1,
		Verbose: 10,
		TopK:    10,
	}
}

// SetVerbose sets the number of epochs between evaluations.
func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

// SetJobs sets the number of concurrent jobs.
func (config *FitConfig) SetJobs(nJobs int) *FitConfig {
	config.Jobs = nJobs
	return config
}

// SetTopK sets the cutoff of the leave-one-out metrics.
func (config *FitConfig) SetTopK(topK int) *FitConfig {
	config.TopK = topK
	return config
}

func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

// Score is the result of a fit: the mean train loss of the last epoch and
// the leave-one-out metrics of the last evaluation.
type Score struct {
	Loss float32
	HR   float32
	NDCG float32
}

// gradients accumulates one mini-batch of gradients. Embedding rows are
// collected sparsely since a batch touches few of them; layer weights and
// the output layer are dense.
type gradients struct {
	gmfUser     map[int32][]float32
	gmfItem     map[int32][]float32
	mlpUser     map[int32][]float32
	mlpItem     map[int32][]float32
	layerWeight [][][]float32
	layerBias   [][]float32
	output      []float32
	bias        []float32
}

func newGradients(m *NCF) *gradients {
	g := &gradients{
		gmfUser: make(map[int32][]float32),
		gmfItem: make(map[int32][]float32),
		mlpUser: make(map[int32][]float32),
		mlpItem: make(map[int32][]float32),
		output:  make([]float32, m.headDim()),
		bias:    make([]float32, 1),
	}
	if m.Type != GMF {
		g.layerWeight = make([][][]float32, len(m.LayerWeight))
		g.layerBias = make([][]float32, len(m.LayerBias))
		for l := range m.LayerWeight {
			g.layerWeight[l] = zeroMatrix(len(m.LayerWeight[l]), len(m.LayerWeight[l][0]))
			g.layerBias[l] = make([]float32, len(m.LayerBias[l]))
		}
	}
	return g
}

func (g *gradients) reset() {
	clear(g.gmfUser)
	clear(g.gmfItem)
	clear(g.mlpUser)
	clear(g.mlpItem)
	for l := range g.layerWeight {
		floats.MatZero(g.layerWeight[l])
		floats.Zero(g.layerBias[l])
	}
	floats.Zero(g.output)
	floats.Zero(g.bias)
}

func (g *gradients) row(table map[int32][]float32, index int32, dim int) []float32 {
	row, ok := table[index]
	if !ok {
		row = make([]float32, dim)
		table[index] = row
	}
	return row
}

// backward accumulates the gradients of one example into g. res must be
// the forward pass of the same (userIndex, itemIndex) pair.
func (m *NCF) backward(res forwardResult, userIndex, itemIndex int32, label float32, g *gradients) {
	// binary cross-entropy behind a sigmoid
	delta := res.output - label
	g.bias[0] += delta
	if m.Type != MLP {
		floats.MulConstAdd(res.gmf, delta, g.output[:m.nFactors])
		userRow := g.row(g.gmfUser, userIndex, m.nFactors)
		itemRow := g.row(g.gmfItem, itemIndex, m.nFactors)
		userFactor := m.GMFUserFactor[userIndex]
		itemFactor := m.GMFItemFactor[itemIndex]
		for k := 0; k < m.nFactors; k++ {
			dProduct := delta * m.OutputWeight[k]
			userRow[k] += dProduct * itemFactor[k]
			itemRow[k] += dProduct * userFactor[k]
		}
	}
	if m.Type != GMF {
		offset := 0
		if m.Type == NeuMF {
			offset = m.nFactors
		}
		last := res.hidden[len(res.hidden)-1]
		floats.MulConstAdd(last, delta, g.output[offset:])
		deltaHidden := make([]float32, len(last))
		floats.MulConstTo(m.OutputWeight[offset:], delta, deltaHidden)
		for l := len(m.hiddenLayers) - 1; l >= 1; l-- {
			prev := res.hidden[l-1]
			prevDelta := make([]float32, len(prev))
			for j := range res.hidden[l] {
				dPre := deltaHidden[j] * m.act.grad(res.hidden[l][j])
				if dPre == 0 {
					continue
				}
				g.layerBias[l-1][j] += dPre
				floats.MulConstAdd(prev, dPre, g.layerWeight[l-1][j])
				floats.MulConstAdd(m.LayerWeight[l-1][j], dPre, prevDelta)
			}
			deltaHidden = prevDelta
		}
		floats.Add(g.row(g.mlpUser, userIndex, m.embedDim()), deltaHidden[:m.embedDim()])
		floats.Add(g.row(g.mlpItem, itemIndex, m.embedDim()), deltaHidden[m.embedDim():])
	}
}

// applyGradients scales the batch gradients and steps every touched
// parameter. Slots are assigned so that each parameter vector keeps a
// stable identity across steps.
func (m *NCF) applyGradients(opt solver, g *gradients, scale float32) {
	opt.advance()
	step := func(slot int, param, grad []float32) {
		floats.MulConst(grad, scale)
		opt.step(slot, param, grad)
	}
	for index, grad := range g.gmfUser {
		step(int(index), m.GMFUserFactor[index], grad)
	}
	for index, grad := range g.gmfItem {
		step(m.numUsers+int(index), m.GMFItemFactor[index], grad)
	}
	for index, grad := range g.mlpUser {
		step(m.numUsers+m.numItems+int(index), m.MLPUserFactor[index], grad)
	}
	for index, grad := range g.mlpItem {
		step(2*m.numUsers+m.numItems+int(index), m.MLPItemFactor[index], grad)
	}
	slot := 2*m.numUsers + 2*m.numItems
	for l := range g.layerWeight {
		for j := range g.layerWeight[l] {
			step(slot, m.LayerWeight[l][j], g.layerWeight[l][j])
			slot++
		}
		step(slot, m.LayerBias[l], g.layerBias[l])
		slot++
	}
	step(slot, m.OutputWeight, g.output)
	slot++
	step(slot, m.OutputBias, g.bias)
}

const lossEpsilon = 1e-7

func bceLoss(prediction, label float32) float32 {
	prediction = math32.Min(math32.Max(prediction, lossEpsilon), 1-lossEpsilon)
	if label > 0 {
		return -math32.Log(prediction)
	}
	return -math32.Log(1 - prediction)
}

// Fit trains the model on the train split of data and periodically
// evaluates it on the leave-one-out split. The returned score carries the
// mean loss of the last epoch and the metrics of the last evaluation.
func (m *NCF) Fit(ctx context.Context, data *dataset.Dataset, config *FitConfig) (Score, error) {
	config = config.LoadDefaultIfNil()
	if err := m.validateParams(); err != nil {
		return Score{}, errors.Trace(err)
	}
	if data.CountUsers() == 0 || data.CountItems() == 0 {
		return Score{}, errors.NotValidf("empty dataset")
	}
	testSamples := data.TestLoader()
	log.Logger().Info("fit NCF",
		zap.String("model_type", m.Type.String()),
		zap.Int("train_set_size", data.CountFeedback()),
		zap.Int("test_set_size", len(testSamples)),
		zap.String("params", m.Params.ToString()),
		zap.Int("jobs", config.Jobs))
	// keep pretrained weights when they fit the dataset, e.g. after Blend
	if m.Invalid() || m.numUsers != data.CountUsers() || m.numItems != data.CountItems() {
		m.Init(data)
	}
	loader, err := data.TrainLoader(m.batchSize, m.numNegatives, true)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	opt, err := newSolver(m.optimizer, m.lr, m.reg)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	grads := newGradients(m)
	var score Score
	_, span := progress.Start(ctx, "NCF.Fit", m.nEpochs)
	for epoch := 1; epoch <= m.nEpochs; epoch++ {
		fitStart := time.Now()
		if epoch > 1 {
			if err := loader.Reset(); err != nil {
				return Score{}, errors.Trace(err)
			}
		}
		cost := float64(0)
		count := 0
		for batch, ok := loader.Next(); ok; batch, ok = loader.Next() {
			grads.reset()
			for k := range batch.Users {
				res := m.forward(batch.Users[k], batch.Items[k])
				cost += float64(bceLoss(res.output, batch.Labels[k]))
				m.backward(res, batch.Users[k], batch.Items[k], batch.Labels[k], grads)
			}
			m.applyGradients(opt, grads, 1/float32(batch.Len()))
			count += batch.Len()
		}
		score.Loss = float32(cost / float64(count))
		fitTime := time.Since(fitStart)
		if epoch%config.Verbose == 0 || epoch == m.nEpochs {
			evalStart := time.Now()
			score.HR, score.NDCG = evalSamples(m, testSamples, config.TopK, config.Jobs)
			evalTime := time.Since(evalStart)
			log.Logger().Debug(fmt.Sprintf("fit NCF %v/%v", epoch, m.nEpochs),
				zap.String("fit_time", fitTime.String()),
				zap.String("eval_time", evalTime.String()),
				zap.Float32("loss", score.Loss),
				zap.Float32(fmt.Sprintf("HR@%v", config.TopK), score.HR),
				zap.Float32(fmt.Sprintf("NDCG@%v", config.TopK), score.NDCG))
		}
		span.Add(1)
	}
	span.End()
	return score, nil
}
