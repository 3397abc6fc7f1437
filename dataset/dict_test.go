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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreqDict(t *testing.T) {
	d := NewFreqDict()
	assert.Equal(t, int32(0), d.Id("a"))
	assert.Equal(t, int32(1), d.Id("b"))
	assert.Equal(t, int32(0), d.Id("a"))
	assert.Equal(t, int32(2), d.Count())
	assert.Equal(t, int32(2), d.Freq(0))
	assert.Equal(t, int32(1), d.Freq(1))
	// lookup never mutates
	assert.Equal(t, NotId, d.Lookup("c"))
	assert.Equal(t, int32(2), d.Count())
	s, ok := d.String(1)
	assert.True(t, ok)
	assert.Equal(t, "b", s)
	_, ok = d.String(5)
	assert.False(t, ok)
}

func TestFreqDict_NotCount(t *testing.T) {
	d := NewFreqDict()
	assert.Equal(t, int32(0), d.NotCount("a"))
	assert.Equal(t, int32(0), d.Freq(0))
	assert.Equal(t, int32(0), d.Id("a"))
	assert.Equal(t, int32(1), d.Freq(0))
}

func TestFreqDict_Marshal(t *testing.T) {
	d := NewFreqDict()
	d.Id("a")
	d.Id("b")
	d.Id("a")
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, d.Marshal(buf))
	decoded, err := UnmarshalFreqDict(buf)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), decoded.Count())
	assert.Equal(t, int32(0), decoded.Lookup("a"))
	assert.Equal(t, int32(1), decoded.Lookup("b"))
	assert.Equal(t, int32(2), decoded.Freq(0))
}
