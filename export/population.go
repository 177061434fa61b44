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
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Population is a resolved population. An unbounded population still knows
// all of its patients, but bulk fetches over it are not restricted to them.
type Population struct {
	cohort    Cohort
	unbounded bool
}

// Bounded returns a population restricted to the members of c.
func Bounded(c Cohort) Population {
	return Population{cohort: c}
}

// Unbounded returns a population over every patient. all is only used for
// iteration.
func Unbounded(all Cohort) Population {
	return Population{cohort: all, unbounded: true}
}

func (p Population) Cohort() Cohort {
	return p.cohort
}

func (p Population) Unbounded() bool {
	return p.unbounded
}

// Resolve turns a population spec into a population. It starts with the
// explicit patient ids or, if there are none, with every patient, and
// intersects the member sets of the location, cohort, filter and search
// criteria in that order. Ids that can't be found degrade to the empty set.
func Resolve(ctx context.Context, spec PopulationSpec, store DefinitionStore, log zerolog.Logger) (Population, error) {
	var population Population
	if len(spec.PatientIDs) > 0 {
		population = Bounded(NewCohort("", spec.PatientIDs...))
	} else {
		population = Population{unbounded: true}
	}

	criteria := []struct {
		kind string
		id   string
	}{
		{"location", spec.LocationID},
		{string(CohortMembership), spec.CohortID},
		{string(FilterMembership), spec.FilterID},
		{string(SearchMembership), spec.SearchID},
	}
	for _, criterion := range criteria {
		if criterion.id == "" {
			continue
		}
		members, err := resolveMembers(ctx, store, criterion.kind, criterion.id, population, log)
		if err != nil {
			return Population{}, err
		}
		if population.unbounded {
			population = Bounded(members)
		} else {
			population = Bounded(population.cohort.Intersect(members))
		}
	}

	if population.unbounded {
		all, err := store.AllPatients(ctx)
		if err != nil {
			return Population{}, fmt.Errorf("could not list all patients: %w", err)
		}
		population.cohort = all
	}
	return population, nil
}

func resolveMembers(ctx context.Context, store DefinitionStore, kind string, id string, base Population, log zerolog.Logger) (Cohort, error) {
	var members Cohort
	var err error
	switch kind {
	case "location":
		members, err = store.LocationMembers(ctx, id)
	case string(CohortMembership):
		members, err = store.CohortMembers(ctx, id)
	case string(FilterMembership):
		members, err = store.FilterMembers(ctx, id, base)
	case string(SearchMembership):
		members, err = store.SearchMembers(ctx, id, base)
	default:
		return Cohort{}, fmt.Errorf("unknown population criterion %q", kind)
	}
	if errors.Is(err, ErrNotFound) {
		log.Warn().Str("kind", kind).Str("id", id).Msg("population criterion not found, using no members")
		return NewCohort(kind + "." + id), nil
	}
	if err != nil {
		return Cohort{}, fmt.Errorf("could not resolve %s %s: %w", kind, id, err)
	}
	return members.WithName(kind + "." + id), nil
}
