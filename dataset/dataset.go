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

// Package dataset turns positive-only implicit feedback into the training
// and evaluation views consumed by the models: dense user/item indices,
// per-user positive sets, sampled negatives and mini-batches.
package dataset

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/neumf/base"
	"github.com/juju/errors"
)

// ErrSamplingExhausted reports that negative sampling cannot find enough
// candidate items, e.g. a user interacted with the entire catalog.
var ErrSamplingExhausted = errors.New("negative sampling exhausted: no unseen items left for user")

// Interaction is one row of the upstream interaction table. Rating and
// Timestamp are upstream metadata: implicit feedback training only uses the
// fact that the pair was observed.
type Interaction struct {
	UserId    string
	ItemId    string
	Rating    float32
	Timestamp time.Time
}

// Dataset holds the train/test split of an implicit feedback dataset. The
// positive sets are built once during construction and immutable afterwards;
// samplers, loaders and evaluators only read them.
type Dataset struct {
	userDict *FreqDict
	itemDict *FreqDict
	// train positives
	userFeedback [][]int32
	itemFeedback [][]int32
	positiveSet  []mapset.Set[int32]
	// held-out positives per user, in input order
	testFeedback [][]int32
	// cached leave-one-out negatives, parallel to testFeedback
	testNegatives [][][]int32
	numFeedback   int
	seed          int64
}

// NumTestNegatives is the number of negatives sampled for every held-out
// positive in the leave-one-out protocol.
const NumTestNegatives = 100

// NewDataset builds a Dataset from train and test interaction tables. seed
// parameterizes all randomness derived from this dataset: negative sampling
// and batch shuffling. Leave-one-out negatives are drawn here, once, so
// repeated evaluations see the same samples.
func NewDataset(train, test []Interaction, seed int64) (*Dataset, error) {
	if len(train) == 0 {
		return nil, errors.NotValidf("empty train set")
	}
	d := &Dataset{
		userDict: NewFreqDict(),
		itemDict: NewFreqDict(),
		seed:     seed,
	}
	// index users and items over both splits
	for _, splits := range [][]Interaction{train, test} {
		for _, row := range splits {
			d.userDict.NotCount(row.UserId)
			d.itemDict.NotCount(row.ItemId)
		}
	}
	numUsers, numItems := int(d.userDict.Count()), int(d.itemDict.Count())
	d.userFeedback = make([][]int32, numUsers)
	d.itemFeedback = make([][]int32, numItems)
	d.positiveSet = make([]mapset.Set[int32], numUsers)
	for u := range d.positiveSet {
		d.positiveSet[u] = mapset.NewThreadUnsafeSet[int32]()
	}
	d.testFeedback = make([][]int32, numUsers)
	// train positives
	for _, row := range train {
		userIndex := d.userDict.Id(row.UserId)
		itemIndex := d.itemDict.Id(row.ItemId)
		if d.positiveSet[userIndex].Contains(itemIndex) {
			continue
		}
		d.userFeedback[userIndex] = append(d.userFeedback[userIndex], itemIndex)
		d.itemFeedback[itemIndex] = append(d.itemFeedback[itemIndex], userIndex)
		d.positiveSet[userIndex].Add(itemIndex)
		d.numFeedback++
	}
	// held-out positives
	for _, row := range test {
		userIndex := d.userDict.Lookup(row.UserId)
		itemIndex := d.itemDict.Lookup(row.ItemId)
		d.testFeedback[userIndex] = append(d.testFeedback[userIndex], itemIndex)
	}
	if err := d.sampleTestNegatives(); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// sampleTestNegatives draws and caches NumTestNegatives negatives for every
// held-out positive. Train positives and the user's held-out positives are
// excluded from the candidate pool.
func (d *Dataset) sampleTestNegatives() error {
	rng := base.NewRandomGenerator(d.seed)
	d.testNegatives = make([][][]int32, len(d.testFeedback))
	for userIndex, positives := range d.testFeedback {
		if len(positives) == 0 {
			continue
		}
		exclude := d.positiveSet[userIndex].Union(mapset.NewThreadUnsafeSet(positives...))
		if int(d.itemDict.Count())-exclude.Cardinality() < NumTestNegatives {
			return errors.Annotatef(ErrSamplingExhausted,
				"user %d needs %d evaluation negatives", userIndex, NumTestNegatives)
		}
		d.testNegatives[userIndex] = make([][]int32, len(positives))
		for i := range positives {
			d.testNegatives[userIndex][i] = rng.SampleInt32(0, d.itemDict.Count(), NumTestNegatives, exclude)
		}
	}
	return nil
}

// SampleNegative draws one item index outside the user's positive set by
// rejection sampling, so the exclusion invariant holds exactly. The
// complement is checked first: sampling never loops on an exhausted user.
func (d *Dataset) SampleNegative(rng base.RandomGenerator, userIndex int32) (int32, error) {
	if d.positiveSet[userIndex].Cardinality() >= int(d.itemDict.Count()) {
		return NotId, errors.Annotatef(ErrSamplingExhausted, "user %d", userIndex)
	}
	for {
		itemIndex := rng.Int31n(d.itemDict.Count())
		if !d.positiveSet[userIndex].Contains(itemIndex) {
			return itemIndex, nil
		}
	}
}

func (d *Dataset) CountUsers() int {
	return int(d.userDict.Count())
}

func (d *Dataset) CountItems() int {
	return int(d.itemDict.Count())
}

func (d *Dataset) CountFeedback() int {
	return d.numFeedback
}

func (d *Dataset) GetUserDict() *FreqDict {
	return d.userDict
}

func (d *Dataset) GetItemDict() *FreqDict {
	return d.itemDict
}

func (d *Dataset) GetUserFeedback() [][]int32 {
	return d.userFeedback
}

func (d *Dataset) GetItemFeedback() [][]int32 {
	return d.itemFeedback
}

func (d *Dataset) GetTestFeedback() [][]int32 {
	return d.testFeedback
}

// InPositiveSet reports whether (userIndex, itemIndex) is a train positive.
func (d *Dataset) InPositiveSet(userIndex, itemIndex int32) bool {
	return d.positiveSet[userIndex].Contains(itemIndex)
}

func (d *Dataset) Seed() int64 {
	return d.seed
}

// LoadInteractions reads a tab-separated interaction table. Each line is
// `user<TAB>item[<TAB>rating[<TAB>timestamp]]`; missing columns default to
// rating 1 and zero time.
func LoadInteractions(path string) ([]Interaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()
	var interactions []Interaction
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, errors.NotValidf("line %q", line)
		}
		row := Interaction{UserId: fields[0], ItemId: fields[1], Rating: 1}
		if len(fields) > 2 {
			rating, err := strconv.ParseFloat(fields[2], 32)
			if err != nil {
				return nil, errors.Trace(err)
			}
			row.Rating = float32(rating)
		}
		if len(fields) > 3 {
			epoch, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				return nil, errors.Trace(err)
			}
			row.Timestamp = time.Unix(epoch, 0)
		}
		interactions = append(interactions, row)
	}
	return interactions, scanner.Err()
}

// LoadDataFromFiles reads train and test tables and builds a Dataset.
func LoadDataFromFiles(trainPath, testPath string, seed int64) (*Dataset, error) {
	train, err := LoadInteractions(trainPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	test, err := LoadInteractions(testPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewDataset(train, test, seed)
}
