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

// Package ncf implements neural collaborative filtering over implicit
// feedback. One NCF struct covers the three architecture variants: a
// generalized matrix factorization branch (gmf), a deep branch of stacked
// affine transforms over concatenated embeddings (mlp), and the fusion of
// both (neumf). The variant is fixed at construction and selects which
// weights exist and which parts of the forward pass run.
package ncf

import (
	"bytes"
	"io"
	"runtime"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/chewxy/math32"
	"github.com/gorse-io/neumf/base/encoding"
	"github.com/gorse-io/neumf/common/floats"
	"github.com/gorse-io/neumf/common/parallel"
	"github.com/gorse-io/neumf/dataset"
	"github.com/gorse-io/neumf/model"
	"github.com/juju/errors"
)

// FallbackScore is returned by Predict for users or items without train
// feedback. Callers can distinguish it from a model score through the
// second return value.
const FallbackScore = float32(0.5)

// Type selects the architecture variant.
type Type int

const (
	// GMF scores through the elementwise product of a user and an item
	// embedding only.
	GMF Type = iota
	// MLP scores through stacked affine transforms over the concatenation
	// of a user and an item embedding.
	MLP
	// NeuMF fuses the outputs of the GMF and MLP branches under a single
	// output layer.
	NeuMF
)

// ParseType parses a variant name. Matching is case-insensitive.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "gmf":
		return GMF, nil
	case "mlp":
		return MLP, nil
	case "neumf":
		return NeuMF, nil
	default:
		return NeuMF, errors.NotValidf("model type %q", name)
	}
}

func (t Type) String() string {
	switch t {
	case GMF:
		return "gmf"
	case MLP:
		return "mlp"
	case NeuMF:
		return "neumf"
	default:
		return "unknown"
	}
}

type activation int

const (
	actReLU activation = iota
	actSigmoid
	actTanh
)

func parseActivation(name string) (activation, error) {
	switch strings.ToLower(name) {
	case "relu":
		return actReLU, nil
	case "sigmoid":
		return actSigmoid, nil
	case "tanh":
		return actTanh, nil
	default:
		return actReLU, errors.NotValidf("activation %q", name)
	}
}

func (a activation) apply(x float32) float32 {
	switch a {
	case actSigmoid:
		return sigmoid(x)
	case actTanh:
		return math32.Tanh(x)
	default:
		if x > 0 {
			return x
		}
		return 0
	}
}

// grad returns the derivative of the activation given its output value.
// All three nonlinearities admit this form, which saves caching the
// pre-activation values during the forward pass.
func (a activation) grad(y float32) float32 {
	switch a {
	case actSigmoid:
		return y * (1 - y)
	case actTanh:
		return 1 - y*y
	default:
		if y > 0 {
			return 1
		}
		return 0
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// NCF is a neural collaborative filtering model. Weights are dense
// float32 arenas indexed by the dataset's user and item indices; the
// trainer updates embedding rows sparsely and the rest densely.
type NCF struct {
	model.BaseModel
	Type Type
	// index mapping shared with the dataset the model was fitted on
	UserIndex *dataset.FreqDict
	ItemIndex *dataset.FreqDict
	// users and items with at least one train positive
	UserPredictable *bitset.BitSet
	ItemPredictable *bitset.BitSet
	// gmf branch
	GMFUserFactor [][]float32
	GMFItemFactor [][]float32
	// deep branch
	MLPUserFactor [][]float32
	MLPItemFactor [][]float32
	LayerWeight   [][][]float32 // [layer][output unit][input unit]
	LayerBias     [][]float32
	// output layer
	OutputWeight []float32
	OutputBias   []float32 // length 1
	// hyper-parameters resolved by SetParams
	nFactors     int
	nEpochs      int
	batchSize    int
	numNegatives int
	lr           float32
	reg          float32
	initMean     float32
	initStdDev   float32
	hiddenLayers []int
	optimizer    string
	act          activation
	numUsers     int
	numItems     int
}

// NewNCF creates a model from hyper-parameters. The variant defaults to
// neumf; invalid model type, optimizer, activation or layer widths fail
// here, before any training starts.
func NewNCF(params model.Params) (*NCF, error) {
	m := new(NCF)
	m.SetParams(params)
	if err := m.validateParams(); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// NewGMF creates a GMF model.
func NewGMF(params model.Params) (*NCF, error) {
	return NewNCF(params.Overwrite(model.Params{model.ModelType: "gmf"}))
}

// NewMLP creates a MLP model.
func NewMLP(params model.Params) (*NCF, error) {
	return NewNCF(params.Overwrite(model.Params{model.ModelType: "mlp"}))
}

// NewNeuMF creates a NeuMF model.
func NewNeuMF(params model.Params) (*NCF, error) {
	return NewNCF(params.Overwrite(model.Params{model.ModelType: "neumf"}))
}

// SetParams sets hyper-parameters.
func (m *NCF) SetParams(params model.Params) {
	m.BaseModel.SetParams(params)
	m.nFactors = m.Params.GetInt(model.NFactors, 8)
	m.nEpochs = m.Params.GetInt(model.NEpochs, 20)
	m.batchSize = m.Params.GetInt(model.BatchSize, 256)
	m.numNegatives = m.Params.GetInt(model.NumNegatives, 4)
	m.lr = m.Params.GetFloat32(model.Lr, 0.001)
	m.reg = m.Params.GetFloat32(model.Reg, 0)
	m.initMean = m.Params.GetFloat32(model.InitMean, 0)
	m.initStdDev = m.Params.GetFloat32(model.InitStdDev, 0.01)
	m.hiddenLayers = m.Params.GetIntSlice(model.HiddenLayers, []int{32, 16, 8})
	m.optimizer = m.Params.GetString(model.Optimizer, "adam")
	if t, err := ParseType(m.Params.GetString(model.ModelType, "neumf")); err == nil {
		m.Type = t
	}
	if a, err := parseActivation(m.Params.GetString(model.Activation, "relu")); err == nil {
		m.act = a
	}
}

// validateParams rejects hyper-parameter combinations the trainer cannot
// run with.
func (m *NCF) validateParams() error {
	if _, err := ParseType(m.Params.GetString(model.ModelType, "neumf")); err != nil {
		return errors.Trace(err)
	}
	if _, err := parseActivation(m.Params.GetString(model.Activation, "relu")); err != nil {
		return errors.Trace(err)
	}
	if _, err := newSolver(m.optimizer, m.lr, m.reg); err != nil {
		return errors.Trace(err)
	}
	if m.nFactors <= 0 {
		return errors.NotValidf("number of factors %d", m.nFactors)
	}
	if m.nEpochs <= 0 {
		return errors.NotValidf("number of epochs %d", m.nEpochs)
	}
	if m.batchSize <= 0 {
		return errors.NotValidf("batch size %d", m.batchSize)
	}
	if m.numNegatives < 0 {
		return errors.NotValidf("negative sample count %d", m.numNegatives)
	}
	if m.Type != GMF {
		if len(m.hiddenLayers) == 0 {
			return errors.NotValidf("empty hidden layers")
		}
		for _, width := range m.hiddenLayers {
			if width <= 0 {
				return errors.NotValidf("hidden layer width %d", width)
			}
		}
		// the first width is split between the user and item embeddings
		if m.hiddenLayers[0]%2 != 0 {
			return errors.NotValidf("odd first hidden layer width %d", m.hiddenLayers[0])
		}
	}
	return nil
}

// embedDim is the deep branch embedding width per entity.
func (m *NCF) embedDim() int {
	return m.hiddenLayers[0] / 2
}

// headDim is the width of the output layer input.
func (m *NCF) headDim() int {
	switch m.Type {
	case GMF:
		return m.nFactors
	case MLP:
		return m.hiddenLayers[len(m.hiddenLayers)-1]
	default:
		return m.nFactors + m.hiddenLayers[len(m.hiddenLayers)-1]
	}
}

// Init initializes weights from the train split of the dataset. The index
// mapping is shared with the dataset, which never mutates it after
// construction.
func (m *NCF) Init(data *dataset.Dataset) {
	m.UserIndex = data.GetUserDict()
	m.ItemIndex = data.GetItemDict()
	m.numUsers = data.CountUsers()
	m.numItems = data.CountItems()
	rng := m.GetRandomGenerator()
	if m.Type != MLP {
		m.GMFUserFactor = rng.NormalMatrix(m.numUsers, m.nFactors, m.initMean, m.initStdDev)
		m.GMFItemFactor = rng.NormalMatrix(m.numItems, m.nFactors, m.initMean, m.initStdDev)
	}
	if m.Type != GMF {
		m.MLPUserFactor = rng.NormalMatrix(m.numUsers, m.embedDim(), m.initMean, m.initStdDev)
		m.MLPItemFactor = rng.NormalMatrix(m.numItems, m.embedDim(), m.initMean, m.initStdDev)
		m.LayerWeight = make([][][]float32, len(m.hiddenLayers)-1)
		m.LayerBias = make([][]float32, len(m.hiddenLayers)-1)
		for l := range m.LayerWeight {
			m.LayerWeight[l] = rng.NormalMatrix(m.hiddenLayers[l+1], m.hiddenLayers[l], m.initMean, m.initStdDev)
			m.LayerBias[l] = make([]float32, m.hiddenLayers[l+1])
		}
	}
	m.OutputWeight = rng.NormalVector(m.headDim(), m.initMean, m.initStdDev)
	m.OutputBias = make([]float32, 1)
	m.UserPredictable = bitset.New(uint(m.numUsers))
	m.ItemPredictable = bitset.New(uint(m.numItems))
	for userIndex, feedback := range data.GetUserFeedback() {
		if len(feedback) > 0 {
			m.UserPredictable.Set(uint(userIndex))
		}
	}
	for itemIndex, feedback := range data.GetItemFeedback() {
		if len(feedback) > 0 {
			m.ItemPredictable.Set(uint(itemIndex))
		}
	}
}

// forwardResult caches the intermediate values of one forward pass for
// backpropagation.
type forwardResult struct {
	gmf    []float32   // elementwise product of the gmf embeddings
	hidden [][]float32 // deep branch activations, hidden[0] is the concat input
	output float32     // sigmoid of the logit
}

func (m *NCF) forward(userIndex, itemIndex int32) forwardResult {
	var res forwardResult
	logit := m.OutputBias[0]
	offset := 0
	if m.Type != MLP {
		res.gmf = make([]float32, m.nFactors)
		floats.MulTo(m.GMFUserFactor[userIndex], m.GMFItemFactor[itemIndex], res.gmf)
		logit += floats.Dot(m.OutputWeight[:m.nFactors], res.gmf)
		offset = m.nFactors
	}
	if m.Type != GMF {
		res.hidden = make([][]float32, len(m.hiddenLayers))
		input := make([]float32, m.hiddenLayers[0])
		copy(input, m.MLPUserFactor[userIndex])
		copy(input[m.embedDim():], m.MLPItemFactor[itemIndex])
		res.hidden[0] = input
		for l := 1; l < len(m.hiddenLayers); l++ {
			out := make([]float32, m.hiddenLayers[l])
			for j := range out {
				out[j] = m.act.apply(m.LayerBias[l-1][j] + floats.Dot(m.LayerWeight[l-1][j], res.hidden[l-1]))
			}
			res.hidden[l] = out
		}
		logit += floats.Dot(m.OutputWeight[offset:], res.hidden[len(res.hidden)-1])
	}
	res.output = sigmoid(logit)
	return res
}

// internalPredict scores an indexed pair. Both indices must be valid.
func (m *NCF) internalPredict(userIndex, itemIndex int32) float32 {
	return m.forward(userIndex, itemIndex).output
}

// Predict scores a user/item pair by external identifiers. The second
// return value is false when either side is unknown or has no train
// feedback; the score is then FallbackScore instead of a model output.
func (m *NCF) Predict(userId, itemId string) (float32, bool) {
	userIndex := m.UserIndex.Lookup(userId)
	itemIndex := m.ItemIndex.Lookup(itemId)
	if userIndex == dataset.NotId || !m.UserPredictable.Test(uint(userIndex)) {
		return FallbackScore, false
	}
	if itemIndex == dataset.NotId || !m.ItemPredictable.Test(uint(itemIndex)) {
		return FallbackScore, false
	}
	return m.internalPredict(userIndex, itemIndex), true
}

// BatchPredict scores pairs of external identifiers. The two slices must
// have the same length. The second slice reports per pair whether the
// score came from the model or is the cold-start fallback.
func (m *NCF) BatchPredict(userIds, itemIds []string) ([]float32, []bool, error) {
	if len(userIds) != len(itemIds) {
		return nil, nil, errors.NotValidf("%d users but %d items", len(userIds), len(itemIds))
	}
	scores := make([]float32, len(userIds))
	known := make([]bool, len(userIds))
	parallel.For(len(userIds), runtime.NumCPU(), func(i int) {
		scores[i], known[i] = m.Predict(userIds[i], itemIds[i])
	})
	return scores, known, nil
}

// Clear resets the model to the untrained state.
func (m *NCF) Clear() {
	m.UserIndex = nil
	m.ItemIndex = nil
	m.UserPredictable = nil
	m.ItemPredictable = nil
	m.GMFUserFactor = nil
	m.GMFItemFactor = nil
	m.MLPUserFactor = nil
	m.MLPItemFactor = nil
	m.LayerWeight = nil
	m.LayerBias = nil
	m.OutputWeight = nil
	m.OutputBias = nil
	m.numUsers = 0
	m.numItems = 0
}

// Invalid reports whether the model has no trained weights.
func (m *NCF) Invalid() bool {
	return m == nil || m.UserIndex == nil || m.OutputWeight == nil
}

// Marshal writes the model to a byte stream: hyper-parameters, index
// mapping, predictable flags, then the weight arenas of the variant.
func (m *NCF) Marshal(w io.Writer) error {
	if err := encoding.WriteGob(w, m.Params); err != nil {
		return errors.Trace(err)
	}
	if err := m.UserIndex.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	if err := m.ItemIndex.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	if err := writeBitSet(w, m.UserPredictable); err != nil {
		return errors.Trace(err)
	}
	if err := writeBitSet(w, m.ItemPredictable); err != nil {
		return errors.Trace(err)
	}
	matrices := m.weightMatrices()
	for _, matrix := range matrices {
		if err := encoding.WriteMatrix(w, matrix); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Unmarshal reads the model from a byte stream. Weight dimensions are
// derived from the stored hyper-parameters and index mapping; a stream
// written for different dimensions fails to decode.
func (m *NCF) Unmarshal(r io.Reader) error {
	var params model.Params
	if err := encoding.ReadGob(r, &params); err != nil {
		return errors.Trace(err)
	}
	m.SetParams(params)
	if err := m.validateParams(); err != nil {
		return errors.Trace(err)
	}
	var err error
	if m.UserIndex, err = dataset.UnmarshalFreqDict(r); err != nil {
		return errors.Trace(err)
	}
	if m.ItemIndex, err = dataset.UnmarshalFreqDict(r); err != nil {
		return errors.Trace(err)
	}
	m.numUsers = int(m.UserIndex.Count())
	m.numItems = int(m.ItemIndex.Count())
	if m.UserPredictable, err = readBitSet(r); err != nil {
		return errors.Trace(err)
	}
	if m.ItemPredictable, err = readBitSet(r); err != nil {
		return errors.Trace(err)
	}
	m.allocate()
	for _, matrix := range m.weightMatrices() {
		if err := encoding.ReadMatrix(r, matrix); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// allocate creates zeroed weight arenas with the dimensions of the
// current hyper-parameters.
func (m *NCF) allocate() {
	if m.Type != MLP {
		m.GMFUserFactor = zeroMatrix(m.numUsers, m.nFactors)
		m.GMFItemFactor = zeroMatrix(m.numItems, m.nFactors)
	}
	if m.Type != GMF {
		m.MLPUserFactor = zeroMatrix(m.numUsers, m.embedDim())
		m.MLPItemFactor = zeroMatrix(m.numItems, m.embedDim())
		m.LayerWeight = make([][][]float32, len(m.hiddenLayers)-1)
		m.LayerBias = make([][]float32, len(m.hiddenLayers)-1)
		for l := range m.LayerWeight {
			m.LayerWeight[l] = zeroMatrix(m.hiddenLayers[l+1], m.hiddenLayers[l])
			m.LayerBias[l] = make([]float32, m.hiddenLayers[l+1])
		}
	}
	m.OutputWeight = make([]float32, m.headDim())
	m.OutputBias = make([]float32, 1)
}

// weightMatrices lists the weight arenas of the variant in serialization
// order.
func (m *NCF) weightMatrices() [][][]float32 {
	var matrices [][][]float32
	if m.Type != MLP {
		matrices = append(matrices, m.GMFUserFactor, m.GMFItemFactor)
	}
	if m.Type != GMF {
		matrices = append(matrices, m.MLPUserFactor, m.MLPItemFactor)
		for l := range m.LayerWeight {
			matrices = append(matrices, m.LayerWeight[l], [][]float32{m.LayerBias[l]})
		}
	}
	matrices = append(matrices, [][]float32{m.OutputWeight}, [][]float32{m.OutputBias})
	return matrices
}

// Clone returns a deep copy through a marshal round-trip.
func (m *NCF) Clone() (*NCF, error) {
	buf := bytes.NewBuffer(nil)
	if err := m.Marshal(buf); err != nil {
		return nil, errors.Trace(err)
	}
	clone := new(NCF)
	if err := clone.Unmarshal(buf); err != nil {
		return nil, errors.Trace(err)
	}
	return clone, nil
}

func zeroMatrix(rows, cols int) [][]float32 {
	matrix := make([][]float32, rows)
	for i := range matrix {
		matrix[i] = make([]float32, cols)
	}
	return matrix
}

func writeBitSet(w io.Writer, b *bitset.BitSet) error {
	data, err := b.MarshalBinary()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(encoding.WriteBytes(w, data))
}

func readBitSet(r io.Reader) (*bitset.BitSet, error) {
	data, err := encoding.ReadBytes(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b := new(bitset.BitSet)
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

const modelName = "NCF"

// MarshalModel writes a named model to a byte stream.
func MarshalModel(w io.Writer, m *NCF) error {
	if err := encoding.WriteString(w, modelName); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.Marshal(w))
}

// UnmarshalModel reads a named model from a byte stream.
func UnmarshalModel(r io.Reader) (*NCF, error) {
	name, err := encoding.ReadString(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if name != modelName {
		return nil, errors.NotValidf("model name %q", name)
	}
	m := new(NCF)
	if err := m.Unmarshal(r); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}
