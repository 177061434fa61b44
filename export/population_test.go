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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestResolve(t *testing.T) {
	store := &fakeStore{
		all:       []string{"1", "2", "3", "4", "5"},
		cohorts:   map[string][]string{"7": {"2", "3", "4"}},
		filters:   map[string][]string{"female": {"1", "3", "4", "5"}},
		searches:  map[string][]string{"diabetes": {"3", "4"}},
		locations: map[string][]string{"ward-a": {"3", "4", "5"}},
	}
	ctx := context.Background()

	t.Run("ExplicitIdsIntersectCohort", func(t *testing.T) {
		p, err := Resolve(ctx, PopulationSpec{PatientIDs: []string{"1", "2", "3"}, CohortID: "7"}, store, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "3"}, p.Cohort().Members())
		assert.False(t, p.Unbounded())
	})

	t.Run("NoCriteriaIsUnbounded", func(t *testing.T) {
		p, err := Resolve(ctx, PopulationSpec{}, store, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, p.Unbounded())
		assert.Equal(t, 5, p.Cohort().Size())
	})

	t.Run("AllCriteria", func(t *testing.T) {
		spec := PopulationSpec{LocationID: "ward-a", CohortID: "7", FilterID: "female", SearchID: "diabetes"}
		p, err := Resolve(ctx, spec, store, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "4"}, p.Cohort().Members())
		assert.False(t, p.Unbounded())
	})

	t.Run("MissingCohortHasNoMembers", func(t *testing.T) {
		p, err := Resolve(ctx, PopulationSpec{PatientIDs: []string{"1"}, CohortID: "unknown"}, store, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, p.Cohort().IsEmpty())
	})

	t.Run("Deterministic", func(t *testing.T) {
		spec := PopulationSpec{FilterID: "female", CohortID: "7"}
		p1, err := Resolve(ctx, spec, store, zerolog.Nop())
		require.NoError(t, err)
		p2, err := Resolve(ctx, spec, store, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, p1.Cohort().Members(), p2.Cohort().Members())
	})
}

type failingStore struct {
	fakeStore
}

func (s *failingStore) CohortMembers(context.Context, string) (Cohort, error) {
	return Cohort{}, errors.New("connection refused")
}

func TestResolve_storeError(t *testing.T) {
	_, err := Resolve(context.Background(), PopulationSpec{CohortID: "7"}, &failingStore{}, zerolog.Nop())
	assert.ErrorContains(t, err, "connection refused")
}
