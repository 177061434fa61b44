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
	"github.com/samply/blazexport/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/url"
	"testing"
	"time"
)

func bounded(ids ...string) export.Population {
	return export.Bounded(export.NewCohort("test", ids...))
}

func unbounded() export.Population {
	return export.Unbounded(export.NewCohort("all"))
}

func TestQuery(t *testing.T) {
	t.Run("NumbersPlaceholders", func(t *testing.T) {
		q := newQuery("SELECT 1 FROM t WHERE TRUE").where("a = %s", 1).where("b BETWEEN %s AND %s", 2, 3)

		assert.Equal(t, "SELECT 1 FROM t WHERE TRUE\n  AND a = $1\n  AND b BETWEEN $2 AND $3", q.String())
		assert.Equal(t, []interface{}{1, 2, 3}, q.args)
	})

	t.Run("BoundedScope", func(t *testing.T) {
		q := newQuery("SELECT 1 FROM t WHERE TRUE").scope("patient_id", bounded("2", "10", "1"))

		assert.Contains(t, q.String(), "patient_id = ANY($1)")
		assert.Equal(t, []interface{}{[]string{"1", "2", "10"}}, q.args)
	})

	t.Run("UnboundedScope", func(t *testing.T) {
		q := newQuery("SELECT 1 FROM t WHERE TRUE").scope("patient_id", unbounded())

		assert.NotContains(t, q.String(), "patient_id")
		assert.Empty(t, q.args)
	})
}

func TestEmptyScope(t *testing.T) {
	assert.True(t, emptyScope(bounded()))
	assert.False(t, emptyScope(bounded("1")))
	assert.False(t, emptyScope(export.Unbounded(export.NewCohort("all"))))
}

func TestConceptKeys(t *testing.T) {
	t.Run("Code", func(t *testing.T) {
		assert.Equal(t, []string{"http://loinc.org|29463-7"}, conceptKeys(export.Concept{ID: "5089", Code: "http://loinc.org|29463-7"}))
	})

	t.Run("IdWithoutCode", func(t *testing.T) {
		assert.Equal(t, []string{"5089"}, conceptKeys(export.Concept{ID: "5089"}))
	})

	t.Run("NestedSet", func(t *testing.T) {
		set := export.Concept{ID: "1", Members: []export.Concept{
			{ID: "2"},
			{ID: "3", Members: []export.Concept{{ID: "4", Code: "c4"}, {ID: "5"}}},
		}}
		assert.Equal(t, []string{"2", "c4", "5"}, conceptKeys(set))
	})
}

func TestObservationsQuery(t *testing.T) {
	q := observationsQuery(export.Concept{ID: "5089"}, bounded("1"))

	assert.Contains(t, q.String(), "o.concept_code = ANY($1)")
	assert.Contains(t, q.String(), "o.patient_id = ANY($2)")
	assert.Contains(t, q.String(), "ORDER BY o.patient_id, o.obs_datetime")
	assert.Equal(t, []interface{}{[]string{"5089"}, []string{"1"}}, q.args)
}

func TestEncountersQuery(t *testing.T) {
	t.Run("Last", func(t *testing.T) {
		q := encountersQuery([]string{"ADULTINITIAL"}, false, unbounded())

		assert.Contains(t, q.String(), "DISTINCT ON (e.patient_id)")
		assert.Contains(t, q.String(), "e.encounter_type = ANY($1)")
		assert.Contains(t, q.String(), "e.encounter_datetime DESC")
	})

	t.Run("FirstOfAnyType", func(t *testing.T) {
		q := encountersQuery(nil, true, unbounded())

		assert.NotContains(t, q.String(), "encounter_type =")
		assert.Contains(t, q.String(), "e.encounter_datetime ASC")
		assert.Empty(t, q.args)
	})
}

func TestDrugOrdersQuery(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Current", func(t *testing.T) {
		q := drugOrdersQuery(export.Concept{ID: "d4T"}, true, now, unbounded())

		assert.Contains(t, q.String(), "start_date <= $2 AND (end_date IS NULL OR end_date > $2)")
		assert.Equal(t, []interface{}{[]string{"d4T"}, now}, q.args)
	})

	t.Run("All", func(t *testing.T) {
		q := drugOrdersQuery(export.Concept{ID: "d4T"}, false, now, unbounded())

		assert.NotContains(t, q.String(), "end_date IS NULL")
	})
}

func TestPatientColumn(t *testing.T) {
	for property, column := range map[string]string{
		"gender":       "gender",
		"birthDate":    "birthdate",
		"address.city": "city",
		"given_name":   "given_name",
		"familyName":   "family_name",
	} {
		t.Run(property, func(t *testing.T) {
			c, err := patientColumn(property)
			require.NoError(t, err)
			assert.Equal(t, column, c)
		})
	}

	t.Run("Unknown", func(t *testing.T) {
		_, err := patientColumn("ssn")
		assert.Error(t, err)
	})
}

func TestSearchQuery(t *testing.T) {
	t.Run("Patient", func(t *testing.T) {
		q, err := searchQuery("Patient", url.Values{"gender": {"female"}}, bounded("1", "2"))

		require.NoError(t, err)
		assert.Contains(t, q.String(), "FROM patient")
		assert.Contains(t, q.String(), "gender = ANY($1)")
		assert.Contains(t, q.String(), "patient_id = ANY($2)")
		assert.Equal(t, []interface{}{[]string{"female"}, []string{"1", "2"}}, q.args)
	})

	t.Run("ReferencesAndValueLists", func(t *testing.T) {
		q, err := searchQuery("Encounter", url.Values{
			"location": {"Location/l1"},
			"type":     {"ADULTINITIAL,ADULTRETURN"},
		}, unbounded())

		require.NoError(t, err)
		assert.Equal(t, []interface{}{[]string{"l1"}, []string{"ADULTINITIAL", "ADULTRETURN"}}, q.args)
	})

	t.Run("UnsupportedResourceType", func(t *testing.T) {
		_, err := searchQuery("Condition", url.Values{}, unbounded())
		assert.Error(t, err)
	})

	t.Run("UnsupportedParameter", func(t *testing.T) {
		_, err := searchQuery("Observation", url.Values{"value-quantity": {"gt5"}}, unbounded())
		assert.Error(t, err)
	})
}
