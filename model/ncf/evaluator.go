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
	"sort"

	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/neumf/common/parallel"
	"github.com/gorse-io/neumf/dataset"
	"github.com/samber/lo"
)

/* Evaluate full ranking */

// Metric is used by Evaluate to compute a ranking score from the top-K
// list of a user against the user's held-out positives.
type Metric func(targetSet mapset.Set[int32], rankList []int32) float32

// Evaluate the full-ranking performance of the model on the held-out
// split. For every user with held-out positives, all items outside the
// user's train positives are ranked and each scorer is averaged over
// users.
func Evaluate(m *NCF, data *dataset.Dataset, topK, nJobs int, scorers ...Metric) []float32 {
	if nJobs < 1 {
		nJobs = 1
	}
	partSum := make([][]float32, nJobs)
	partCount := make([]float32, nJobs)
	for i := range partSum {
		partSum[i] = make([]float32, len(scorers))
	}
	testFeedback := data.GetTestFeedback()
	_ = parallel.Parallel(len(testFeedback), nJobs, func(workerId, userIndex int) error {
		positives := testFeedback[userIndex]
		if len(positives) == 0 {
			return nil
		}
		targetSet := mapset.NewThreadUnsafeSet(positives...)
		candidates := make([]int32, 0, data.CountItems())
		for itemIndex := int32(0); itemIndex < int32(data.CountItems()); itemIndex++ {
			if !data.InPositiveSet(int32(userIndex), itemIndex) {
				candidates = append(candidates, itemIndex)
			}
		}
		rankList, _ := Rank(m, int32(userIndex), candidates, topK)
		partCount[workerId]++
		for i, scorer := range scorers {
			partSum[workerId][i] += scorer(targetSet, rankList)
		}
		return nil
	})
	sum := make([]float32, len(scorers))
	count := lo.Sum(partCount)
	for i := range partSum {
		for j := range partSum[i] {
			sum[j] += partSum[i][j]
		}
	}
	if count > 0 {
		for i := range sum {
			sum[i] /= count
		}
	}
	return sum
}

// Rank scores the candidate items for a user and returns the top-K item
// indices with their scores, in descending score order. The sort is
// stable, so candidates given in ascending index order break ties by
// ascending index.
func Rank(m *NCF, userIndex int32, candidates []int32, topK int) ([]int32, []float32) {
	scores := make([]float32, len(candidates))
	for i, itemIndex := range candidates {
		scores[i] = m.internalPredict(userIndex, itemIndex)
	}
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	if topK > 0 && topK < len(order) {
		order = order[:topK]
	}
	rankList := make([]int32, len(order))
	rankScores := make([]float32, len(order))
	for i, idx := range order {
		rankList[i] = candidates[idx]
		rankScores[i] = scores[idx]
	}
	return rankList, rankScores
}

// NDCG is the normalized discounted cumulative gain of a top-K list.
func NDCG(targetSet mapset.Set[int32], rankList []int32) float32 {
	// IDCG = \sum^{|REL|} 1 / \log(i+1)
	idcg := float32(0)
	for i := 0; i < targetSet.Cardinality() && i < len(rankList); i++ {
		idcg += 1 / math32.Log2(float32(i)+2)
	}
	// DCG = \sum^{N} \frac{2^{rel_i}-1}{\log_2(i+1)}
	dcg := float32(0)
	for i, itemId := range rankList {
		if targetSet.Contains(itemId) {
			dcg += 1 / math32.Log2(float32(i)+2)
		}
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

// Precision is the fraction of the top-K list that hits the target set.
func Precision(targetSet mapset.Set[int32], rankList []int32) float32 {
	hit := float32(0)
	for _, itemId := range rankList {
		if targetSet.Contains(itemId) {
			hit++
		}
	}
	if len(rankList) == 0 {
		return 0
	}
	return hit / float32(len(rankList))
}

// Recall is the fraction of the target set found in the top-K list.
func Recall(targetSet mapset.Set[int32], rankList []int32) float32 {
	hit := float32(0)
	for _, itemId := range rankList {
		if targetSet.Contains(itemId) {
			hit++
		}
	}
	if targetSet.Cardinality() == 0 {
		return 0
	}
	return hit / float32(targetSet.Cardinality())
}

// MAP is the mean average precision of a top-K list.
func MAP(targetSet mapset.Set[int32], rankList []int32) float32 {
	sumPrecision := float32(0)
	hit := 0
	for i, itemId := range rankList {
		if targetSet.Contains(itemId) {
			hit++
			sumPrecision += float32(hit) / float32(i+1)
		}
	}
	if targetSet.Cardinality() == 0 {
		return 0
	}
	return sumPrecision / float32(targetSet.Cardinality())
}

/* Evaluate leave-one-out */

// EvaluateLeaveOneOut computes HR@topK and NDCG@topK over the cached
// leave-one-out samples of the dataset: each held-out positive is ranked
// against its own negatives only.
func EvaluateLeaveOneOut(m *NCF, data *dataset.Dataset, topK, nJobs int) (hr, ndcg float32) {
	return evalSamples(m, data.TestLoader(), topK, nJobs)
}

func evalSamples(m *NCF, samples []dataset.EvalSample, topK, nJobs int) (hr, ndcg float32) {
	if len(samples) == 0 {
		return 0, 0
	}
	hrs := make([]float32, len(samples))
	ndcgs := make([]float32, len(samples))
	parallel.For(len(samples), nJobs, func(i int) {
		sample := samples[i]
		scores := make([]float32, len(sample.Items))
		for j, itemIndex := range sample.Items {
			scores[j] = m.internalPredict(sample.UserIndex, itemIndex)
		}
		// ties count against the positive, so a constant scorer ranks last
		rank := 1
		for _, score := range scores[1:] {
			if score >= scores[0] {
				rank++
			}
		}
		if rank <= topK {
			hrs[i] = 1
			ndcgs[i] = 1 / math32.Log2(float32(rank)+1)
		}
	})
	return lo.Sum(hrs) / float32(len(samples)), lo.Sum(ndcgs) / float32(len(samples))
}
