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
	"io"

	"github.com/gorse-io/neumf/base/encoding"
	"github.com/juju/errors"
)

// NotId is returned by Lookup for identifiers never added to a FreqDict.
const NotId = int32(-1)

// FreqDict is a bijection between string identifiers and dense zero-based
// indices, with a frequency count per entry. Indices are assigned in
// insertion order and never change.
type FreqDict struct {
	si  map[string]int32
	is  []string
	cnt []int32
}

func NewFreqDict() (d *FreqDict) {
	d = &FreqDict{map[string]int32{}, []string{}, []int32{}}
	return
}

func (d *FreqDict) Count() int32 {
	return int32(len(d.is))
}

// Id returns the index of s, inserting and counting it if unseen.
func (d *FreqDict) Id(s string) (y int32) {
	if y, ok := d.si[s]; ok {
		d.cnt[y]++
		return y
	}

	y = int32(len(d.is))
	d.si[s] = y
	d.is = append(d.is, s)
	d.cnt = append(d.cnt, 1)
	return
}

// NotCount returns the index of s, inserting it without counting if unseen.
func (d *FreqDict) NotCount(s string) (y int32) {
	if y, ok := d.si[s]; ok {
		return y
	}

	y = int32(len(d.is))
	d.si[s] = y
	d.is = append(d.is, s)
	d.cnt = append(d.cnt, 0)
	return
}

// Lookup returns the index of s, or NotId if s was never added. It never
// mutates the dictionary, so it is safe on the prediction path.
func (d *FreqDict) Lookup(s string) int32 {
	if y, ok := d.si[s]; ok {
		return y
	}
	return NotId
}

func (d *FreqDict) String(id int32) (s string, ok bool) {
	if id < 0 || id >= int32(len(d.is)) {
		return "", false
	}
	return d.is[id], true
}

func (d *FreqDict) Freq(id int32) int32 {
	if id < 0 || id >= int32(len(d.cnt)) {
		return 0
	}
	return d.cnt[id]
}

type freqDictData struct {
	Is  []string
	Cnt []int32
}

// Marshal writes the dictionary to a byte stream.
func (d *FreqDict) Marshal(w io.Writer) error {
	return errors.Trace(encoding.WriteGob(w, freqDictData{Is: d.is, Cnt: d.cnt}))
}

// UnmarshalFreqDict reads a dictionary from a byte stream.
func UnmarshalFreqDict(r io.Reader) (*FreqDict, error) {
	var data freqDictData
	if err := encoding.ReadGob(r, &data); err != nil {
		return nil, errors.Trace(err)
	}
	d := &FreqDict{si: make(map[string]int32, len(data.Is)), is: data.Is, cnt: data.Cnt}
	for i, s := range data.Is {
		d.si[s] = int32(i)
	}
	return d, nil
}
