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
	"strings"
	"time"
)

type fakeDictionary map[string]Concept

func (d fakeDictionary) Concept(_ context.Context, ref string) (Concept, error) {
	if c, ok := d[ref]; ok {
		return c, nil
	}
	for _, c := range d {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return Concept{}, ErrNotFound
}

// fakeProvider serves clinical data from maps and counts the bulk fetches per
// method.
type fakeProvider struct {
	obs           map[string]map[string][]ObsRow
	encounters    map[string][]Encounter
	programs      map[string]map[string]ProgramEnrollment
	drugOrders    map[string][]DrugOrder
	relationships map[string]map[string][]Relationship
	attributes    map[string]map[string]interface{}
	identifiers   map[string]map[string]string
	calls         map[string]int
	scopes        []Population
	err           error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		obs:           map[string]map[string][]ObsRow{},
		encounters:    map[string][]Encounter{},
		programs:      map[string]map[string]ProgramEnrollment{},
		drugOrders:    map[string][]DrugOrder{},
		relationships: map[string]map[string][]Relationship{},
		attributes:    map[string]map[string]interface{}{},
		identifiers:   map[string]map[string]string{},
		calls:         map[string]int{},
	}
}

func (p *fakeProvider) called(method string, scope Population) error {
	p.calls[method]++
	p.scopes = append(p.scopes, scope)
	return p.err
}

func (p *fakeProvider) Observations(_ context.Context, scope Population, concept Concept, extras []ObsField) (map[string][]ObsRow, error) {
	if err := p.called("Observations", scope); err != nil {
		return nil, err
	}
	result := make(map[string][]ObsRow)
	for id, rows := range p.obs[concept.ID] {
		for _, row := range rows {
			var values []interface{}
			for _, extra := range extras {
				switch extra {
				case ObsDatetime:
					values = append(values, row.Date)
				default:
					values = append(values, string(extra)+"-"+id)
				}
			}
			result[id] = append(result[id], ObsRow{Date: row.Date, Value: row.Value, Extras: values})
		}
	}
	return result, nil
}

func (p *fakeProvider) Encounters(_ context.Context, scope Population, types []string, first bool) (map[string]Encounter, error) {
	if err := p.called("Encounters", scope); err != nil {
		return nil, err
	}
	result := make(map[string]Encounter)
	for id, encounters := range p.encounters {
		for _, e := range encounters {
			if len(types) > 0 && !contains(types, e.Type) {
				continue
			}
			current, ok := result[id]
			if !ok || (first && e.Date.Before(current.Date)) || (!first && e.Date.After(current.Date)) {
				result[id] = e
			}
		}
	}
	return result, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func (p *fakeProvider) Programs(_ context.Context, scope Population, program string) (map[string]ProgramEnrollment, error) {
	if err := p.called("Programs", scope); err != nil {
		return nil, err
	}
	enrollments, ok := p.programs[program]
	if !ok {
		return nil, ErrNotFound
	}
	return enrollments, nil
}

func (p *fakeProvider) DrugOrders(_ context.Context, scope Population, drugSet Concept, currentOnly bool) (map[string][]DrugOrder, error) {
	if err := p.called("DrugOrders", scope); err != nil {
		return nil, err
	}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	result := make(map[string][]DrugOrder)
	for id, orders := range p.drugOrders {
		for _, o := range orders {
			if currentOnly && !o.End.IsZero() && o.End.Before(now) {
				continue
			}
			result[id] = append(result[id], o)
		}
	}
	return result, nil
}

func (p *fakeProvider) Relationships(_ context.Context, scope Population, relationshipType string) (map[string][]Relationship, error) {
	if err := p.called("Relationships", scope); err != nil {
		return nil, err
	}
	relationships, ok := p.relationships[relationshipType]
	if !ok {
		return nil, ErrNotFound
	}
	return relationships, nil
}

func (p *fakeProvider) PatientAttributes(_ context.Context, scope Population, class string, property string, _ bool) (map[string]interface{}, error) {
	if err := p.called("PatientAttributes", scope); err != nil {
		return nil, err
	}
	return p.attributes[class+"."+property], nil
}

func (p *fakeProvider) PersonAttributes(_ context.Context, scope Population, attribute string) (map[string]interface{}, error) {
	if err := p.called("PersonAttributes", scope); err != nil {
		return nil, err
	}
	return p.attributes[attribute], nil
}

func (p *fakeProvider) Identifiers(_ context.Context, scope Population, identifierType string) (map[string]string, error) {
	if err := p.called("Identifiers", scope); err != nil {
		return nil, err
	}
	return p.identifiers[identifierType], nil
}

type fakeStore struct {
	all       []string
	cohorts   map[string][]string
	filters   map[string][]string
	searches  map[string][]string
	locations map[string][]string
	calls     int
}

func (s *fakeStore) AllPatients(context.Context) (Cohort, error) {
	s.calls++
	return NewCohort("all", s.all...), nil
}

func members(name string, sets map[string][]string, id string) (Cohort, error) {
	ids, ok := sets[id]
	if !ok {
		return Cohort{}, ErrNotFound
	}
	return NewCohort(name, ids...), nil
}

func (s *fakeStore) CohortMembers(_ context.Context, id string) (Cohort, error) {
	s.calls++
	return members("cohort", s.cohorts, id)
}

func (s *fakeStore) FilterMembers(_ context.Context, id string, _ Population) (Cohort, error) {
	s.calls++
	return members("filter", s.filters, id)
}

func (s *fakeStore) SearchMembers(_ context.Context, id string, _ Population) (Cohort, error) {
	s.calls++
	return members("search", s.searches, id)
}

func (s *fakeStore) LocationMembers(_ context.Context, id string) (Cohort, error) {
	s.calls++
	return members("location", s.locations, id)
}

// memoryWriter records header and rows.
type memoryWriter struct {
	header  []string
	rows    [][]string
	flushed bool
	err     error
}

func (w *memoryWriter) WriteHeader(cells []string) error {
	w.header = cells
	return w.err
}

func (w *memoryWriter) WriteRow(cells []string) error {
	if w.err != nil {
		return w.err
	}
	w.rows = append(w.rows, cells)
	return nil
}

func (w *memoryWriter) Flush() error {
	w.flushed = true
	return nil
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
