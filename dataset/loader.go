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

package dataset

import (
	"github.com/gorse-io/neumf/base"
	"github.com/juju/errors"
	"modernc.org/mathutil"
)

// Batch is one mini-batch of supervised triples. The three slices are
// parallel; labels are 1 for observed positives and 0 for sampled negatives.
// A batch is consumed by one training step and not retained.
type Batch struct {
	Users  []int32
	Items  []int32
	Labels []float32
}

func (b Batch) Len() int {
	return len(b.Users)
}

// TrainLoader produces the mini-batches of one training epoch: every train
// positive paired with freshly sampled negatives, optionally shuffled, then
// chunked into batches of batchSize (the tail batch may be short). Reset
// starts a new epoch and re-draws the negatives.
type TrainLoader struct {
	data         *Dataset
	batchSize    int
	numNegatives int
	shuffle      bool
	rng          base.RandomGenerator

	users  []int32
	items  []int32
	labels []float32
	cursor int
}

// TrainLoader creates a loader over this dataset. All randomness comes from
// the dataset seed, so two loaders built the same way replay the same epochs.
func (d *Dataset) TrainLoader(batchSize, numNegatives int, shuffle bool) (*TrainLoader, error) {
	if batchSize <= 0 {
		return nil, errors.NotValidf("batch size %d", batchSize)
	}
	if numNegatives < 0 {
		return nil, errors.NotValidf("negative sample count %d", numNegatives)
	}
	loader := &TrainLoader{
		data:         d,
		batchSize:    batchSize,
		numNegatives: numNegatives,
		shuffle:      shuffle,
		rng:          base.NewRandomGenerator(d.seed),
	}
	if err := loader.Reset(); err != nil {
		return nil, errors.Trace(err)
	}
	return loader, nil
}

// Reset starts a new epoch: negatives are re-sampled and the example order is
// re-shuffled.
func (loader *TrainLoader) Reset() error {
	n := loader.data.CountFeedback() * (1 + loader.numNegatives)
	loader.users = loader.users[:0]
	loader.items = loader.items[:0]
	loader.labels = loader.labels[:0]
	if cap(loader.users) < n {
		loader.users = make([]int32, 0, n)
		loader.items = make([]int32, 0, n)
		loader.labels = make([]float32, 0, n)
	}
	for userIndex, feedback := range loader.data.GetUserFeedback() {
		for _, itemIndex := range feedback {
			loader.users = append(loader.users, int32(userIndex))
			loader.items = append(loader.items, itemIndex)
			loader.labels = append(loader.labels, 1)
			for s := 0; s < loader.numNegatives; s++ {
				negIndex, err := loader.data.SampleNegative(loader.rng, int32(userIndex))
				if err != nil {
					return errors.Trace(err)
				}
				loader.users = append(loader.users, int32(userIndex))
				loader.items = append(loader.items, negIndex)
				loader.labels = append(loader.labels, 0)
			}
		}
	}
	if loader.shuffle {
		loader.rng.Shuffle(n, func(i, j int) {
			loader.users[i], loader.users[j] = loader.users[j], loader.users[i]
			loader.items[i], loader.items[j] = loader.items[j], loader.items[i]
			loader.labels[i], loader.labels[j] = loader.labels[j], loader.labels[i]
		})
	}
	loader.cursor = 0
	return nil
}

// Next returns the next batch of the epoch, or ok=false when exhausted.
func (loader *TrainLoader) Next() (batch Batch, ok bool) {
	if loader.cursor >= len(loader.users) {
		return Batch{}, false
	}
	end := mathutil.Min(loader.cursor+loader.batchSize, len(loader.users))
	batch = Batch{
		Users:  loader.users[loader.cursor:end],
		Items:  loader.items[loader.cursor:end],
		Labels: loader.labels[loader.cursor:end],
	}
	loader.cursor = end
	return batch, true
}

// CountBatches returns the number of batches per epoch.
func (loader *TrainLoader) CountBatches() int {
	n := loader.data.CountFeedback() * (1 + loader.numNegatives)
	return (n + loader.batchSize - 1) / loader.batchSize
}

// EvalSample is one leave-one-out evaluation unit: the held-out positive
// followed by its cached negatives. The positive is always Items[0]; the
// rank computation relies on this ordering.
type EvalSample struct {
	UserIndex int32
	Items     []int32
}

// TestLoader returns one EvalSample per held-out positive in a stable order:
// ascending user index, then the input order of that user's positives.
// Negatives were drawn once at dataset construction, so repeated calls
// return identical samples.
func (d *Dataset) TestLoader() []EvalSample {
	var samples []EvalSample
	for userIndex, positives := range d.testFeedback {
		for i, itemIndex := range positives {
			items := make([]int32, 0, 1+len(d.testNegatives[userIndex][i]))
			items = append(items, itemIndex)
			items = append(items, d.testNegatives[userIndex][i]...)
			samples = append(samples, EvalSample{
				UserIndex: int32(userIndex),
				Items:     items,
			})
		}
	}
	return samples
}
