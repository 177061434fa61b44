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
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/samply/blazexport/export"
)

func (p *Provider) AllPatients(ctx context.Context) (export.Cohort, error) {
	return p.subjects(ctx, export.Population{}, "Patient", "", url.Values{"_elements": {"id"}})
}

// CohortMembers reads the active members of the Group with the given id.
func (p *Provider) CohortMembers(ctx context.Context, id string) (export.Cohort, error) {
	body, err := p.client.Read(ctx, "Group", id)
	if err != nil {
		if isNotFound(err) {
			return export.Cohort{}, export.ErrNotFound
		}
		return export.Cohort{}, fmt.Errorf("error while reading Group/%s: %w", id, err)
	}
	g, err := unmarshal[group](body)
	if err != nil {
		return export.Cohort{}, fmt.Errorf("could not parse Group/%s: %w", id, err)
	}
	ids := make([]string, 0, len(g.Member))
	for _, m := range g.Member {
		if m.Inactive != nil && *m.Inactive {
			continue
		}
		if id, ok := patientID(&m.Entity); ok {
			ids = append(ids, id)
		}
	}
	return export.NewCohort("", ids...), nil
}

// LocationMembers returns the patients with an encounter at the location.
func (p *Provider) LocationMembers(ctx context.Context, id string) (export.Cohort, error) {
	query := url.Values{"location": {"Location/" + id}, "_elements": {"subject"}}
	return p.subjects(ctx, export.Population{}, "Encounter", "", query)
}

// FilterMembers runs the Patient search of the filter, restricted to base
// unless base is unbounded.
func (p *Provider) FilterMembers(ctx context.Context, id string, base export.Population) (export.Cohort, error) {
	query, err := p.queries.FilterQuery(id)
	if err != nil {
		return export.Cohort{}, err
	}
	query = cloneQuery(query)
	query.Set("_elements", "id")
	return p.subjects(ctx, base, "Patient", "_id", query)
}

// SearchMembers runs the search and returns the subjects of the matching
// resources, restricted to base unless base is unbounded.
func (p *Provider) SearchMembers(ctx context.Context, id string, base export.Population) (export.Cohort, error) {
	resourceType, query, err := p.queries.SearchQuery(id)
	if err != nil {
		return export.Cohort{}, err
	}
	patientParam := "subject"
	if resourceType == "Patient" {
		patientParam = "_id"
	}
	return p.subjects(ctx, base, resourceType, patientParam, cloneQuery(query))
}

// subjects collects the patients the resources of a search refer to. The
// zero Population searches unrestricted.
func (p *Provider) subjects(ctx context.Context, scope export.Population, resourceType string, patientParam string,
	query url.Values) (export.Cohort, error) {
	var ids []string
	fn := func(raw json.RawMessage) error {
		r, err := unmarshal[subjectResource](raw)
		if err != nil {
			return err
		}
		if id, ok := r.patientID(); ok {
			ids = append(ids, id)
		}
		return nil
	}
	var err error
	if patientParam == "" || scope.Unbounded() {
		err = p.searchPage(ctx, resourceType, query, false, fn)
	} else {
		err = p.search(ctx, scope, resourceType, patientParam, query, fn)
	}
	if err != nil {
		if isNotFound(err) {
			return export.Cohort{}, errors.Join(export.ErrNotFound, err)
		}
		return export.Cohort{}, err
	}
	return export.NewCohort("", ids...), nil
}
