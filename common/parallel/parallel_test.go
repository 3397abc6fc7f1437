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

package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestParallel(t *testing.T) {
	visited := make([]int32, 100)
	err := Parallel(len(visited), 4, func(workerId, jobId int) error {
		atomic.AddInt32(&visited[jobId], 1)
		return nil
	})
	assert.NoError(t, err)
	for _, count := range visited {
		assert.Equal(t, int32(1), count)
	}
}

func TestParallelError(t *testing.T) {
	expected := errors.New("boom")
	err := Parallel(100, 4, func(workerId, jobId int) error {
		if jobId == 50 {
			return expected
		}
		return nil
	})
	assert.ErrorIs(t, err, expected)
}

func TestFor(t *testing.T) {
	visited := make([]int32, 100)
	For(len(visited), 4, func(i int) {
		atomic.AddInt32(&visited[i], 1)
	})
	for _, count := range visited {
		assert.Equal(t, int32(1), count)
	}
	// serial path
	sum := 0
	For(10, 1, func(i int) { sum += i })
	assert.Equal(t, 45, sum)
}

func TestSplit(t *testing.T) {
	chunks := Split([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5}}, chunks)
	chunks = Split([]int{1}, 3)
	assert.Equal(t, [][]int{{1}}, chunks)
	assert.Nil(t, Split([]int{}, 3))
}
