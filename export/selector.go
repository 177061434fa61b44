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
	"strings"
)

// Selectors identify one bulk fetch. Every parameter that changes the result
// of a fetch is a field, so two selectors are equal exactly if they describe
// the same fetch.

type ObsSelector struct {
	Concept string
	// Extras are the ObsField names joined by commas. Field names never
	// contain commas.
	Extras string
}

type EncounterSelector struct {
	Types string
	First bool
}

type ProgramSelector struct {
	Program string
}

type DrugOrderSelector struct {
	DrugSet     string
	CurrentOnly bool
}

type RelationshipSelector struct {
	Type string
}

type AttributeSelector struct {
	Class    string
	Property string
	All      bool
}

type PersonAttributeSelector struct {
	Attribute string
}

type IdentifierSelector struct {
	Type string
}

type MembershipSelector struct {
	Kind MembershipKind
	ID   string
}

func joinFields(fields []ObsField) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

// memo maps selectors to patient-keyed fetch results. Evictable memos drop
// the rows of visited patients while keeping the selector marked as
// fetched.
type memo[K comparable, V any] struct {
	entries   map[K]map[string]V
	evictable bool
}

func newMemo[K comparable, V any](evictable bool) *memo[K, V] {
	return &memo[K, V]{entries: make(map[K]map[string]V), evictable: evictable}
}

// get returns the row of patientID under key. fetch is called if, and only
// if, key wasn't fetched before.
func (m *memo[K, V]) get(key K, patientID string, fetch func() (map[string]V, error)) (V, bool, error) {
	rows, ok := m.entries[key]
	if !ok {
		var err error
		rows, err = fetch()
		if err != nil {
			var zero V
			return zero, false, err
		}
		if rows == nil {
			rows = make(map[string]V)
		}
		m.entries[key] = rows
	}
	v, found := rows[patientID]
	return v, found, nil
}

func (m *memo[K, V]) evict(patientIDs []string) {
	if !m.evictable {
		return
	}
	for _, rows := range m.entries {
		for _, id := range patientIDs {
			delete(rows, id)
		}
	}
}

// size returns the number of patient rows held.
func (m *memo[K, V]) size() int {
	n := 0
	for _, rows := range m.entries {
		n += len(rows)
	}
	return n
}
