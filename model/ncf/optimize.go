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
	"strings"

	"github.com/chewxy/math32"
	"github.com/gorse-io/neumf/common/floats"
	"github.com/juju/errors"
)

// solver applies one gradient step to a parameter vector. Parameters are
// identified by a stable slot so stateful solvers can keep per-parameter
// moments; only slots that received gradients pay for state.
type solver interface {
	// advance starts a new optimization step.
	advance()
	// step updates param in place. grad is scratch and may be mutated.
	step(slot int, param, grad []float32)
}

func newSolver(name string, lr, reg float32) (solver, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return &sgdSolver{lr: lr, reg: reg}, nil
	case "adam":
		return &adamSolver{
			alpha: lr,
			reg:   reg,
			beta1: 0.9,
			beta2: 0.999,
			eps:   1e-8,
			ms:    make(map[int][]float32),
			vs:    make(map[int][]float32),
		}, nil
	default:
		return nil, errors.NotValidf("optimizer %q", name)
	}
}

type sgdSolver struct {
	lr  float32
	reg float32
}

func (s *sgdSolver) advance() {}

func (s *sgdSolver) step(_ int, param, grad []float32) {
	floats.MulConstAdd(param, s.reg, grad)
	floats.MulConstAdd(grad, -s.lr, param)
}

// adamSolver is Adam with lazily allocated first and second moments per
// slot. Bias correction uses the global step count, which matches dense
// Adam when every slot is touched each step and is the usual sparse
// approximation otherwise.
type adamSolver struct {
	alpha float32
	reg   float32
	beta1 float32
	beta2 float32
	eps   float32
	t     float32
	ms    map[int][]float32
	vs    map[int][]float32
}

func (a *adamSolver) advance() {
	a.t++
}

func (a *adamSolver) step(slot int, param, grad []float32) {
	m, ok := a.ms[slot]
	if !ok {
		m = make([]float32, len(param))
		a.ms[slot] = m
		a.vs[slot] = make([]float32, len(param))
	}
	v := a.vs[slot]
	floats.MulConstAdd(param, a.reg, grad)
	correction1 := 1 - math32.Pow(a.beta1, a.t)
	correction2 := 1 - math32.Pow(a.beta2, a.t)
	for k := range param {
		m[k] = a.beta1*m[k] + (1-a.beta1)*grad[k]
		v[k] = a.beta2*v[k] + (1-a.beta2)*grad[k]*grad[k]
		mHat := m[k] / correction1
		vHat := v[k] / correction2
		param[k] -= a.alpha * mHat / (math32.Sqrt(vHat) + a.eps)
	}
}
