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
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/samply/blazexport/export"
)

func (s *Store) patientIDs(ctx context.Context, name string, q *query) (export.Cohort, error) {
	var ids []string
	var id string
	err := s.forEach(ctx, name, q, []interface{}{&id}, func() error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return export.Cohort{}, err
	}
	return export.NewCohort("", ids...), nil
}

func (s *Store) AllPatients(ctx context.Context) (export.Cohort, error) {
	return s.patientIDs(ctx, "all patients", newQuery("SELECT patient_id FROM patient WHERE NOT voided"))
}

func (s *Store) CohortMembers(ctx context.Context, id string) (export.Cohort, error) {
	found, err := s.exists(ctx, "cohort", "cohort_id", id)
	if err != nil {
		return export.Cohort{}, err
	}
	if !found {
		return export.Cohort{}, export.ErrNotFound
	}
	q := newQuery("SELECT patient_id FROM cohort_member WHERE TRUE").where("cohort_id = %s", id)
	return s.patientIDs(ctx, "cohort members", q)
}

// LocationMembers returns the patients with an encounter at the location.
func (s *Store) LocationMembers(ctx context.Context, id string) (export.Cohort, error) {
	found, err := s.exists(ctx, "location", "location_id", id)
	if err != nil {
		return export.Cohort{}, err
	}
	if !found {
		return export.Cohort{}, export.ErrNotFound
	}
	q := newQuery("SELECT DISTINCT patient_id FROM encounter WHERE NOT voided").where("location_id = %s", id)
	return s.patientIDs(ctx, "location members", q)
}

func (s *Store) FilterMembers(ctx context.Context, id string, base export.Population) (export.Cohort, error) {
	query, err := s.queries.FilterQuery(id)
	if err != nil {
		return export.Cohort{}, err
	}
	q, err := searchQuery("Patient", query, base)
	if err != nil {
		return export.Cohort{}, fmt.Errorf("filter %s: %w", id, err)
	}
	return s.patientIDs(ctx, "filter "+id, q)
}

func (s *Store) SearchMembers(ctx context.Context, id string, base export.Population) (export.Cohort, error) {
	resourceType, query, err := s.queries.SearchQuery(id)
	if err != nil {
		return export.Cohort{}, err
	}
	q, err := searchQuery(resourceType, query, base)
	if err != nil {
		return export.Cohort{}, fmt.Errorf("search %s: %w", id, err)
	}
	return s.patientIDs(ctx, "search "+id, q)
}

// searchQuery translates a search over a resource type into a query for the
// patient ids of the matching rows. Every parameter matches one of its comma
// separated values; references like Location/1 match their id.
func searchQuery(resourceType string, query url.Values, base export.Population) (*query, error) {
	table, ok := searchTables[resourceType]
	if !ok {
		return nil, fmt.Errorf("unsupported resource type %s", resourceType)
	}
	q := newQuery("SELECT DISTINCT patient_id FROM " + table.table + " WHERE NOT voided")

	params := make([]string, 0, len(query))
	for param := range query {
		params = append(params, param)
	}
	sort.Strings(params)
	for _, param := range params {
		column, ok := table.params[param]
		if !ok {
			return nil, fmt.Errorf("unsupported search parameter %s of %s", param, resourceType)
		}
		var values []string
		for _, v := range query[param] {
			for _, value := range strings.Split(v, ",") {
				values = append(values, value[strings.LastIndex(value, "/")+1:])
			}
		}
		q.where(column+" = ANY(%s)", values)
	}
	return q.scope("patient_id", base), nil
}
