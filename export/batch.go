// Copyright 2019 - 2023 The Samply Community
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package export

// Batches split a cohort into chunks of at most size patients, in member
// order.
type Batches struct {
	ids  []string
	size int
}

func NewBatches(c Cohort, size int) Batches {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return Batches{ids: c.Members(), size: size}
}

func (b Batches) Count() int {
	return (len(b.ids) + b.size - 1) / b.size
}

// Batch returns the patient ids of the i-th batch, counting from zero.
func (b Batches) Batch(i int) []string {
	if i < 0 || i >= b.Count() {
		return nil
	}
	start := i * b.size
	return b.ids[start:min(start+b.size, len(b.ids))]
}
