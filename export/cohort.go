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

import (
	"sort"
	"strconv"
)

// A Cohort is an immutable set of patient ids. The zero value is the empty,
// unnamed cohort.
type Cohort struct {
	name    string
	members map[string]struct{}
}

// NewCohort creates a cohort with the given name and members. Duplicate ids
// are collapsed.
func NewCohort(name string, ids ...string) Cohort {
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	return Cohort{name: name, members: members}
}

func (c Cohort) Name() string {
	return c.name
}

func (c Cohort) Size() int {
	return len(c.members)
}

func (c Cohort) IsEmpty() bool {
	return len(c.members) == 0
}

func (c Cohort) Contains(id string) bool {
	_, ok := c.members[id]
	return ok
}

// Members returns the ids of the cohort in natural order. Numeric ids are
// ordered numerically and before all other ids, which are ordered
// lexicographically.
func (c Cohort) Members() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return lessID(ids[i], ids[j])
	})
	return ids
}

// WithName returns a cohort with the same members and a new name.
func (c Cohort) WithName(name string) Cohort {
	return Cohort{name: name, members: c.members}
}

func (c Cohort) Union(other Cohort) Cohort {
	members := make(map[string]struct{}, len(c.members)+len(other.members))
	for id := range c.members {
		members[id] = struct{}{}
	}
	for id := range other.members {
		members[id] = struct{}{}
	}
	return Cohort{members: members}
}

// Intersect iterates the smaller cohort and looks each id up in the larger one.
func (c Cohort) Intersect(other Cohort) Cohort {
	small, large := c, other
	if large.Size() < small.Size() {
		small, large = large, small
	}
	members := make(map[string]struct{}, small.Size())
	for id := range small.members {
		if large.Contains(id) {
			members[id] = struct{}{}
		}
	}
	return Cohort{members: members}
}

func (c Cohort) Subtract(other Cohort) Cohort {
	members := make(map[string]struct{}, len(c.members))
	for id := range c.members {
		if !other.Contains(id) {
			members[id] = struct{}{}
		}
	}
	return Cohort{members: members}
}

func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
