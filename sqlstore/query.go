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

package sqlstore

import (
	"fmt"
	"strings"

	"github.com/samply/blazexport/export"
)

// query builds a SQL statement with positional arguments.
type query struct {
	sql  strings.Builder
	args []interface{}
}

func newQuery(sql string) *query {
	q := &query{}
	q.sql.WriteString(sql)
	return q
}

// arg adds an argument and returns its placeholder.
func (q *query) arg(v interface{}) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where(format string, args ...interface{}) *query {
	placeholders := make([]interface{}, len(args))
	for i, a := range args {
		placeholders[i] = q.arg(a)
	}
	q.sql.WriteString("\n  AND ")
	q.sql.WriteString(fmt.Sprintf(format, placeholders...))
	return q
}

// scope restricts column to the members of a bounded population.
func (q *query) scope(column string, scope export.Population) *query {
	if scope.Unbounded() {
		return q
	}
	return q.where(column+" = ANY(%s)", scope.Cohort().Members())
}

func (q *query) then(sql string) *query {
	q.sql.WriteString("\n")
	q.sql.WriteString(sql)
	return q
}

func (q *query) String() string {
	return q.sql.String()
}

// emptyScope reports whether a bounded population has no members, in which
// case no query is necessary.
func emptyScope(scope export.Population) bool {
	return !scope.Unbounded() && scope.Cohort().IsEmpty()
}

// conceptKeys returns the codes of a concept or of its members. Concepts
// without code are stored under their id.
func conceptKeys(concept export.Concept) []string {
	if concept.IsSet() {
		var keys []string
		for _, m := range concept.Members {
			keys = append(keys, conceptKeys(m)...)
		}
		return keys
	}
	if concept.Code != "" {
		return []string{concept.Code}
	}
	return []string{concept.ID}
}

// patientColumns maps patient attribute names to columns of the patient
// table.
var patientColumns = map[string]string{
	"gender":     "gender",
	"birthdate":  "birthdate",
	"given":      "given_name",
	"givenname":  "given_name",
	"family":     "family_name",
	"familyname": "family_name",
	"city":       "city",
	"id":         "patient_id",
}

func patientColumn(property string) (string, error) {
	name := strings.ToLower(strings.TrimPrefix(property, "address."))
	column, ok := patientColumns[strings.ReplaceAll(name, "_", "")]
	if !ok {
		return "", fmt.Errorf("unknown patient attribute %s", property)
	}
	return column, nil
}

// searchTable describes how a search over a resource type maps to a table.
type searchTable struct {
	table  string
	params map[string]string
}

var searchTables = map[string]searchTable{
	"Patient": {
		table:  "patient",
		params: map[string]string{"gender": "gender", "birthdate": "birthdate", "address-city": "city", "_id": "patient_id"},
	},
	"Observation": {
		table:  "obs",
		params: map[string]string{"code": "concept_code", "encounter": "encounter_id"},
	},
	"Encounter": {
		table:  "encounter",
		params: map[string]string{"type": "encounter_type", "location": "location_id"},
	},
	"MedicationRequest": {
		table:  "drug_order",
		params: map[string]string{"code": "drug_code"},
	},
	"EpisodeOfCare": {
		table:  "patient_program",
		params: map[string]string{"type": "program"},
	},
}
