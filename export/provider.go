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
	"context"
	"time"
)

// Concept is a coded clinical term. A concept with members is a set.
type Concept struct {
	ID      string
	Name    string
	Code    string
	Members []Concept
}

func (c Concept) IsSet() bool {
	return len(c.Members) > 0
}

// ConceptDictionary resolves concepts by id or name. Unknown concepts result
// in ErrNotFound.
type ConceptDictionary interface {
	Concept(ctx context.Context, ref string) (Concept, error)
}

// ObsRow is one observation. Extras holds one value per requested ObsField,
// in request order.
type ObsRow struct {
	Date   time.Time
	Value  interface{}
	Extras []interface{}
}

type Encounter struct {
	ID       string
	Type     string
	Location string
	Date     time.Time
}

// ProgramEnrollment is the most recent enrollment of a patient into a
// program. Completed is zero while the enrollment is active.
type ProgramEnrollment struct {
	Program   string
	Enrolled  time.Time
	Completed time.Time
}

type DrugOrder struct {
	Drug  string
	Start time.Time
	End   time.Time
}

// Relationship links a patient to a related person.
type Relationship struct {
	PersonID   string
	Name       string
	Identifier string
}

// ClinicalDataProvider performs bulk, population-scoped reads. Every method
// returns its result keyed by patient id. If the scope is unbounded the
// provider must not restrict its query to the scope's cohort.
type ClinicalDataProvider interface {
	Observations(ctx context.Context, scope Population, concept Concept, extras []ObsField) (map[string][]ObsRow, error)
	Encounters(ctx context.Context, scope Population, types []string, first bool) (map[string]Encounter, error)
	Programs(ctx context.Context, scope Population, program string) (map[string]ProgramEnrollment, error)
	DrugOrders(ctx context.Context, scope Population, drugSet Concept, currentOnly bool) (map[string][]DrugOrder, error)
	Relationships(ctx context.Context, scope Population, relationshipType string) (map[string][]Relationship, error)
	PatientAttributes(ctx context.Context, scope Population, class string, property string, all bool) (map[string]interface{}, error)
	PersonAttributes(ctx context.Context, scope Population, attribute string) (map[string]interface{}, error)
	Identifiers(ctx context.Context, scope Population, identifierType string) (map[string]string, error)
}

// DefinitionStore resolves the member sets of stored cohorts, filters,
// searches and locations. Filters and searches may compose with the
// population resolved so far.
type DefinitionStore interface {
	AllPatients(ctx context.Context) (Cohort, error)
	CohortMembers(ctx context.Context, id string) (Cohort, error)
	FilterMembers(ctx context.Context, id string, base Population) (Cohort, error)
	SearchMembers(ctx context.Context, id string, base Population) (Cohort, error)
	LocationMembers(ctx context.Context, id string) (Cohort, error)
}
