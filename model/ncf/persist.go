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
	"os"
	"path/filepath"

	"github.com/gorse-io/neumf/base/log"
	"github.com/gorse-io/neumf/common/floats"
	"github.com/gorse-io/neumf/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ModelFileName is the checkpoint file written into the save directory.
const ModelFileName = "model.bin"

// Save writes the model into dir as a checkpoint. The write goes through
// a temporary file and a rename, so a crash never leaves a truncated
// checkpoint behind.
func (m *NCF) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Trace(err)
	}
	temp, err := os.CreateTemp(dir, ModelFileName+".*")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(temp.Name())
	if err := MarshalModel(temp, m); err != nil {
		temp.Close()
		return errors.Trace(err)
	}
	if err := temp.Close(); err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(dir, ModelFileName)
	if err := os.Rename(temp.Name(), path); err != nil {
		return errors.Trace(err)
	}
	log.Logger().Info("saved model",
		zap.String("model_type", m.Type.String()),
		zap.String("path", path))
	return nil
}

// Load reads a checkpoint written by Save.
func Load(dir string) (*NCF, error) {
	file, err := os.Open(filepath.Join(dir, ModelFileName))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()
	m, err := UnmarshalModel(file)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Blend builds a NeuMF model from a trained GMF model and a trained MLP
// model. Embeddings and layer weights are copied as-is; the two output
// layers are concatenated with weight alpha on the GMF side and 1-alpha
// on the MLP side. Both models must cover the same users and items.
func Blend(gmf, mlp *NCF, alpha float32) (*NCF, error) {
	if alpha < 0 || alpha > 1 {
		return nil, errors.NotValidf("blend weight %v", alpha)
	}
	if gmf.Type != GMF {
		return nil, errors.NotValidf("model type %q on the gmf side", gmf.Type)
	}
	if mlp.Type != MLP {
		return nil, errors.NotValidf("model type %q on the mlp side", mlp.Type)
	}
	if gmf.Invalid() || mlp.Invalid() {
		return nil, errors.NotValidf("blending an untrained model")
	}
	if gmf.numUsers != mlp.numUsers || gmf.numItems != mlp.numItems {
		return nil, errors.NotValidf("index mapping mismatch: %d/%d users, %d/%d items",
			gmf.numUsers, mlp.numUsers, gmf.numItems, mlp.numItems)
	}
	fused, err := NewNeuMF(mlp.Params.Overwrite(model.Params{
		model.ModelType:    "neumf",
		model.NFactors:     gmf.nFactors,
		model.HiddenLayers: mlp.hiddenLayers,
	}))
	if err != nil {
		return nil, errors.Trace(err)
	}
	fused.UserIndex = gmf.UserIndex
	fused.ItemIndex = gmf.ItemIndex
	fused.numUsers = gmf.numUsers
	fused.numItems = gmf.numItems
	fused.UserPredictable = gmf.UserPredictable.Intersection(mlp.UserPredictable)
	fused.ItemPredictable = gmf.ItemPredictable.Intersection(mlp.ItemPredictable)
	fused.GMFUserFactor = copyMatrix(gmf.GMFUserFactor)
	fused.GMFItemFactor = copyMatrix(gmf.GMFItemFactor)
	fused.MLPUserFactor = copyMatrix(mlp.MLPUserFactor)
	fused.MLPItemFactor = copyMatrix(mlp.MLPItemFactor)
	fused.LayerWeight = make([][][]float32, len(mlp.LayerWeight))
	for l := range mlp.LayerWeight {
		fused.LayerWeight[l] = copyMatrix(mlp.LayerWeight[l])
	}
	fused.LayerBias = copyMatrix(mlp.LayerBias)
	fused.OutputWeight = make([]float32, gmf.nFactors+len(mlp.OutputWeight))
	floats.MulConstTo(gmf.OutputWeight, alpha, fused.OutputWeight[:gmf.nFactors])
	floats.MulConstTo(mlp.OutputWeight, 1-alpha, fused.OutputWeight[gmf.nFactors:])
	fused.OutputBias = []float32{alpha*gmf.OutputBias[0] + (1-alpha)*mlp.OutputBias[0]}
	return fused, nil
}

// LoadPretrained loads a GMF checkpoint and a MLP checkpoint and blends
// them into a NeuMF model ready for fine-tuning.
func LoadPretrained(gmfDir, mlpDir string, alpha float32) (*NCF, error) {
	gmf, err := Load(gmfDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	mlp, err := Load(mlpDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Blend(gmf, mlp, alpha)
}

func copyMatrix(matrix [][]float32) [][]float32 {
	cloned := make([][]float32, len(matrix))
	for i := range matrix {
		cloned[i] = make([]float32, len(matrix[i]))
		copy(cloned[i], matrix[i])
	}
	return cloned
}
