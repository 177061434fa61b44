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

package fhir

import (
	"context"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/samply/blazexport/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/url"
	"testing"
	"time"
)

type fakeQueries struct {
	filters  map[string]url.Values
	searches map[string]url.Values
}

func (q fakeQueries) FilterQuery(id string) (url.Values, error) {
	query, ok := q.filters[id]
	if !ok {
		return nil, export.ErrNotFound
	}
	return query, nil
}

func (q fakeQueries) SearchQuery(id string) (string, url.Values, error) {
	query, ok := q.searches[id]
	if !ok {
		return "", nil, export.ErrNotFound
	}
	return "Condition", query, nil
}

// recorded is one request the test server received, with the query or form
// parameters.
type recorded struct {
	method string
	path   string
	params url.Values
}

func newTestProvider(t *testing.T, respond func(r recorded) []byte) (*Provider, *[]recorded) {
	var requests []recorded
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rec := recorded{method: r.Method, path: r.URL.Path, params: r.Form}
		requests = append(requests, rec)
		body := respond(rec)
		if body == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	})
	return NewProvider(client, fakeQueries{}, zerolog.Nop()), &requests
}

func bounded(ids ...string) export.Population {
	return export.Bounded(export.NewCohort("test", ids...))
}

func unbounded() export.Population {
	return export.Unbounded(export.NewCohort("all"))
}

var weight = export.Concept{ID: "5089", Name: "Weight", Code: "http://loinc.org|29463-7"}

func TestObservations(t *testing.T) {
	t.Run("Unbounded", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "",
				`{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/1"},"effectiveDateTime":"2023-01-02","valueQuantity":{"value":72.5,"unit":"kg"},"note":[{"text":"after lunch"}]}`,
				`{"resourceType":"Observation","id":"o2","subject":{"reference":"Patient/2"},"effectiveDateTime":"2023-02-03","valueQuantity":{"value":80,"unit":"kg"}}`)
		})

		rows, err := p.Observations(context.Background(), unbounded(), weight,
			[]export.ObsField{export.ObsDatetime, export.ObsUnits, export.ObsComment})

		require.NoError(t, err)
		require.Len(t, *requests, 1)
		assert.Equal(t, http.MethodGet, (*requests)[0].method)
		assert.Equal(t, "/Observation", (*requests)[0].path)
		assert.Equal(t, "http://loinc.org|29463-7", (*requests)[0].params.Get("code"))
		assert.Empty(t, (*requests)[0].params.Get("subject"))

		require.Len(t, rows["1"], 1)
		assert.Equal(t, "72.5", rows["1"][0].Value)
		assert.Equal(t, time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), rows["1"][0].Date)
		assert.Equal(t, []interface{}{rows["1"][0].Date, "kg", "after lunch"}, rows["1"][0].Extras)
		assert.Equal(t, "80", rows["2"][0].Value)
	})

	t.Run("BoundedInChunks", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "")
		})
		p.WithChunkSize(2)

		_, err := p.Observations(context.Background(), bounded("1", "2", "3"), weight, nil)

		require.NoError(t, err)
		require.Len(t, *requests, 2)
		assert.Equal(t, http.MethodPost, (*requests)[0].method)
		assert.Equal(t, "/Observation/_search", (*requests)[0].path)
		assert.Equal(t, "Patient/1,Patient/2", (*requests)[0].params.Get("subject"))
		assert.Equal(t, "Patient/3", (*requests)[1].params.Get("subject"))
	})

	t.Run("EmptyPopulation", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "")
		})

		rows, err := p.Observations(context.Background(), bounded(), weight, nil)

		require.NoError(t, err)
		assert.Empty(t, rows)
		assert.Empty(t, *requests)
	})

	t.Run("LocationFromIncludedEncounter", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "",
				`{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/1"},"encounter":{"reference":"Encounter/e1"},"valueString":"positive"}`,
				`{"resourceType":"Encounter","id":"e1","location":[{"location":{"reference":"Location/l1","display":"Ward A"}}]}`)
		})

		rows, err := p.Observations(context.Background(), unbounded(), weight,
			[]export.ObsField{export.ObsLocation, export.ObsEncounter})

		require.NoError(t, err)
		assert.Equal(t, "Observation:encounter", (*requests)[0].params.Get("_include"))
		require.Len(t, rows["1"], 1)
		assert.Equal(t, "positive", rows["1"][0].Value)
		assert.Equal(t, []interface{}{"Ward A", "e1"}, rows["1"][0].Extras)
	})

	t.Run("SetConceptSearchesAllMemberCodes", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "")
		})
		vitals := export.Concept{ID: "100", Members: []export.Concept{weight, {ID: "5090", Code: "http://loinc.org|8302-2"}}}

		_, err := p.Observations(context.Background(), unbounded(), vitals, nil)

		require.NoError(t, err)
		assert.Equal(t, "http://loinc.org|29463-7,http://loinc.org|8302-2", (*requests)[0].params.Get("code"))
	})

	t.Run("ConceptWithoutCode", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "")
		})

		_, err := p.Observations(context.Background(), unbounded(), export.Concept{ID: "1"}, nil)

		assert.Error(t, err)
		assert.Empty(t, *requests)
	})

	t.Run("ServerError", func(t *testing.T) {
		p, _ := newTestProvider(t, func(r recorded) []byte {
			return nil
		})

		_, err := p.Observations(context.Background(), unbounded(), weight, nil)

		assert.Error(t, err)
	})
}

func TestEncounters(t *testing.T) {
	p, requests := newTestProvider(t, func(r recorded) []byte {
		return searchset(t, "",
			`{"resourceType":"Encounter","id":"e1","subject":{"reference":"Patient/1"},"type":[{"text":"Visit"}],"period":{"start":"2023-01-01"}}`,
			`{"resourceType":"Encounter","id":"e2","subject":{"reference":"Patient/1"},"type":[{"text":"Visit"}],"period":{"start":"2023-03-01"}}`)
	})

	last, err := p.Encounters(context.Background(), unbounded(), []string{"visit", "admission"}, false)
	require.NoError(t, err)
	first, err := p.Encounters(context.Background(), unbounded(), nil, true)
	require.NoError(t, err)

	assert.Equal(t, "visit,admission", (*requests)[0].params.Get("type"))
	assert.Equal(t, "e2", last["1"].ID)
	assert.Equal(t, "Visit", last["1"].Type)
	assert.Equal(t, "e1", first["1"].ID)
}

// countBundle is the answer to a _summary=count search.
func countBundle(total int) []byte {
	return []byte(fmt.Sprintf(`{"resourceType":"Bundle","type":"searchset","total":%d}`, total))
}

func TestPrograms(t *testing.T) {
	t.Run("MostRecentEnrollment", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "",
				`{"resourceType":"EpisodeOfCare","id":"c1","patient":{"reference":"Patient/1"},"type":[{"text":"HIV"}],"period":{"start":"2020-01-01","end":"2021-01-01"}}`,
				`{"resourceType":"EpisodeOfCare","id":"c2","patient":{"reference":"Patient/1"},"type":[{"text":"HIV"}],"period":{"start":"2022-01-01"}}`)
		})

		programs, err := p.Programs(context.Background(), bounded("1"), "hiv")

		require.NoError(t, err)
		require.Len(t, *requests, 1)
		assert.Equal(t, "/EpisodeOfCare/_search", (*requests)[0].path)
		assert.Equal(t, "Patient/1", (*requests)[0].params.Get("patient"))
		assert.Equal(t, "HIV", programs["1"].Program)
		assert.Equal(t, 2022, programs["1"].Enrolled.Year())
		assert.True(t, programs["1"].Completed.IsZero())
	})

	t.Run("KnownProgramWithoutEnrollments", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			if r.params.Get("_summary") == "count" {
				return countBundle(12)
			}
			return searchset(t, "")
		})

		programs, err := p.Programs(context.Background(), bounded("1"), "hiv")

		require.NoError(t, err)
		assert.Empty(t, programs)
		require.Len(t, *requests, 2)
		assert.Equal(t, http.MethodGet, (*requests)[1].method)
		assert.Equal(t, "/EpisodeOfCare", (*requests)[1].path)
		assert.Equal(t, "hiv", (*requests)[1].params.Get("type"))
		assert.Empty(t, (*requests)[1].params.Get("patient"))
	})

	t.Run("UnknownProgram", func(t *testing.T) {
		p, _ := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "")
		})

		_, err := p.Programs(context.Background(), bounded("1"), "no-such-program")

		assert.True(t, errors.Is(err, export.ErrNotFound))
		assert.ErrorContains(t, err, "program no-such-program")
	})

	t.Run("CountFails", func(t *testing.T) {
		p, _ := newTestProvider(t, func(r recorded) []byte {
			if r.params.Get("_summary") == "count" {
				return nil
			}
			return searchset(t, "")
		})

		_, err := p.Programs(context.Background(), bounded("1"), "hiv")

		require.Error(t, err)
		assert.False(t, errors.Is(err, export.ErrNotFound))
	})
}

func TestDrugOrders(t *testing.T) {
	p, requests := newTestProvider(t, func(r recorded) []byte {
		return searchset(t, "",
			`{"resourceType":"MedicationRequest","id":"m1","subject":{"reference":"Patient/1"},"medicationCodeableConcept":{"coding":[{"code":"d4T","display":"Stavudine"}]},"authoredOn":"2023-05-01"}`,
			`{"resourceType":"MedicationRequest","id":"m2","subject":{"reference":"Patient/1"},"medicationCodeableConcept":{"text":"Lamivudine"},"dispenseRequest":{"validityPeriod":{"start":"2023-01-01","end":"2023-12-31"}}}`)
	})
	arvs := export.Concept{ID: "200", Members: []export.Concept{{ID: "d4T", Code: "d4T"}, {ID: "3TC", Code: "3TC"}}}

	orders, err := p.DrugOrders(context.Background(), unbounded(), arvs, true)

	require.NoError(t, err)
	assert.Equal(t, "d4T,3TC", (*requests)[0].params.Get("code"))
	assert.Equal(t, "active", (*requests)[0].params.Get("status"))
	require.Len(t, orders["1"], 2)
	assert.Equal(t, "Lamivudine", orders["1"][0].Drug)
	assert.Equal(t, 12, int(orders["1"][0].End.Month()))
	assert.Equal(t, "Stavudine", orders["1"][1].Drug)
}

func TestRelationships(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "",
				`{"resourceType":"RelatedPerson","id":"r1","patient":{"reference":"Patient/1"},"name":[{"given":["Jane"],"family":"Doe"}],"identifier":[{"value":"X-1"}]}`)
		})

		relationships, err := p.Relationships(context.Background(), unbounded(), "MTH")

		require.NoError(t, err)
		assert.Equal(t, "MTH", (*requests)[0].params.Get("relationship"))
		assert.Equal(t, []export.Relationship{{PersonID: "r1", Name: "Jane Doe", Identifier: "X-1"}}, relationships["1"])
	})

	t.Run("UnknownType", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			if r.params.Get("_summary") == "count" {
				return countBundle(0)
			}
			return searchset(t, "")
		})

		_, err := p.Relationships(context.Background(), bounded("1"), "no-such-type")

		assert.True(t, errors.Is(err, export.ErrNotFound))
		require.Len(t, *requests, 2)
		assert.Equal(t, "/RelatedPerson", (*requests)[1].path)
		assert.Equal(t, "no-such-type", (*requests)[1].params.Get("relationship"))
	})
}

const patientJSON = `{
  "resourceType": "Patient",
  "id": "1",
  "gender": "female",
  "birthDate": "1980-04-01",
  "address": [{"city": "Leipzig"}, {"city": "Berlin"}],
  "identifier": [
    {"system": "http://example.org/mrn", "value": "MRN-1"},
    {"type": {"text": "Old ID"}, "value": "OLD-1"}
  ],
  "extension": [{"url": "http://example.org/StructureDefinition/civil-status", "valueCoding": {"code": "M", "display": "Married"}}]
}`

func TestPatientAttributes(t *testing.T) {
	p, requests := newTestProvider(t, func(r recorded) []byte {
		return searchset(t, "", patientJSON)
	})

	t.Run("FirstValue", func(t *testing.T) {
		attributes, err := p.PatientAttributes(context.Background(), bounded("1"), "Patient", "address.city", false)
		require.NoError(t, err)
		assert.Equal(t, "Leipzig", attributes["1"])
		assert.Equal(t, "1", (*requests)[0].params.Get("_id"))
	})

	t.Run("AllValues", func(t *testing.T) {
		attributes, err := p.PatientAttributes(context.Background(), bounded("1"), "Patient", "address.city", true)
		require.NoError(t, err)
		assert.Equal(t, "Leipzig Berlin", attributes["1"])
	})

	t.Run("Missing", func(t *testing.T) {
		attributes, err := p.PatientAttributes(context.Background(), bounded("1"), "Patient", "deceasedBoolean", false)
		require.NoError(t, err)
		assert.NotContains(t, attributes, "1")
	})

	t.Run("UnsupportedClass", func(t *testing.T) {
		_, err := p.PatientAttributes(context.Background(), bounded("1"), "Practitioner", "gender", false)
		assert.Error(t, err)
	})
}

func TestPersonAttributes(t *testing.T) {
	p, _ := newTestProvider(t, func(r recorded) []byte {
		return searchset(t, "", patientJSON)
	})

	attributes, err := p.PersonAttributes(context.Background(), unbounded(), "civil-status")

	require.NoError(t, err)
	assert.Equal(t, "Married", attributes["1"])
}

func TestIdentifiers(t *testing.T) {
	p, _ := newTestProvider(t, func(r recorded) []byte {
		return searchset(t, "", patientJSON)
	})

	t.Run("BySystem", func(t *testing.T) {
		identifiers, err := p.Identifiers(context.Background(), unbounded(), "http://example.org/mrn")
		require.NoError(t, err)
		assert.Equal(t, "MRN-1", identifiers["1"])
	})

	t.Run("ByTypeText", func(t *testing.T) {
		identifiers, err := p.Identifiers(context.Background(), unbounded(), "Old ID")
		require.NoError(t, err)
		assert.Equal(t, "OLD-1", identifiers["1"])
	})
}

func TestStore(t *testing.T) {
	t.Run("AllPatients", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "", `{"resourceType":"Patient","id":"2"}`, `{"resourceType":"Patient","id":"1"}`)
		})

		all, err := p.AllPatients(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, all.Members())
		assert.Equal(t, "id", (*requests)[0].params.Get("_elements"))
	})

	t.Run("CohortMembers", func(t *testing.T) {
		p, _ := newTestProvider(t, func(r recorded) []byte {
			return []byte(`{"resourceType":"Group","id":"7","member":[
			  {"entity":{"reference":"Patient/1"}},
			  {"entity":{"reference":"Patient/2"},"inactive":true},
			  {"entity":{"reference":"Patient/3"}}]}`)
		})

		members, err := p.CohortMembers(context.Background(), "7")

		require.NoError(t, err)
		assert.Equal(t, []string{"1", "3"}, members.Members())
	})

	t.Run("UnknownCohort", func(t *testing.T) {
		p, _ := newTestProvider(t, func(r recorded) []byte {
			return nil
		})

		_, err := p.CohortMembers(context.Background(), "7")

		assert.True(t, errors.Is(err, export.ErrNotFound))
	})

	t.Run("LocationMembers", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "",
				`{"resourceType":"Encounter","id":"e1","subject":{"reference":"Patient/1"}}`,
				`{"resourceType":"Encounter","id":"e2","subject":{"reference":"Patient/1"}}`)
		})

		members, err := p.LocationMembers(context.Background(), "l1")

		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, members.Members())
		assert.Equal(t, "Location/l1", (*requests)[0].params.Get("location"))
	})

	t.Run("FilterMembersWithinBase", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "", `{"resourceType":"Patient","id":"2"}`)
		})
		p.queries = fakeQueries{filters: map[string]url.Values{"female": {"gender": {"female"}}}}

		members, err := p.FilterMembers(context.Background(), "female", bounded("1", "2"))

		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, members.Members())
		require.Len(t, *requests, 1)
		assert.Equal(t, http.MethodPost, (*requests)[0].method)
		assert.Equal(t, "female", (*requests)[0].params.Get("gender"))
		assert.Equal(t, "1,2", (*requests)[0].params.Get("_id"))
	})

	t.Run("UnknownFilter", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "")
		})

		_, err := p.FilterMembers(context.Background(), "female", unbounded())

		assert.True(t, errors.Is(err, export.ErrNotFound))
		assert.Empty(t, *requests)
	})

	t.Run("SearchMembers", func(t *testing.T) {
		p, requests := newTestProvider(t, func(r recorded) []byte {
			return searchset(t, "", `{"resourceType":"Condition","id":"c1","subject":{"reference":"Patient/3"}}`)
		})
		p.queries = fakeQueries{searches: map[string]url.Values{"diabetes": {"code": {"E11"}}}}

		members, err := p.SearchMembers(context.Background(), "diabetes", unbounded())

		require.NoError(t, err)
		assert.Equal(t, []string{"3"}, members.Members())
		assert.Equal(t, "/Condition", (*requests)[0].path)
		assert.Equal(t, "E11", (*requests)[0].params.Get("code"))
	})
}

func TestProviderStats(t *testing.T) {
	p, _ := newTestProvider(t, func(r recorded) []byte {
		return searchset(t, "", `{"resourceType":"Patient","id":"1"}`)
	})

	_, err := p.AllPatients(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, p.Stats().Pages)
	assert.Equal(t, 1, p.Stats().Resources)
}
