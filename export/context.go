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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize  = 1000
	DefaultEvictEvery = 500
	DefaultDateLayout = "2006-01-02"
)

// Options configure a run.
type Options struct {
	// BatchSize is the number of patients per batch.
	BatchSize int
	// EvictEvery is the number of patient cursor advances after which the
	// rows of visited patients are dropped from the per-patient caches.
	EvictEvery int
	// DateLayout formats dates of cells without an explicit format.
	DateLayout string
	// Now returns the reference time of age calculations.
	Now func() time.Time
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
	// Progress is called after every batch.
	Progress func(batch int, batches int)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.EvictEvery <= 0 {
		o.EvictEvery = DefaultEvictEvery
	}
	if o.DateLayout == "" {
		o.DateLayout = DefaultDateLayout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// FetchStats count the bulk fetches of a run.
type FetchStats struct {
	Fetches   int
	Durations []float64
}

// A Context is the per-run evaluation state: the resolved population, the
// active patient cursor and one selector keyed cache per bulk fetch family.
// A Context must not be shared between runs or goroutines.
type Context struct {
	population Population
	provider   ClinicalDataProvider
	store      DefinitionStore
	opts       Options
	log        zerolog.Logger
	now        time.Time

	patientID string
	advances  int
	visited   []string

	observations  *memo[ObsSelector, []ObsRow]
	encounters    *memo[EncounterSelector, Encounter]
	programs      *memo[ProgramSelector, ProgramEnrollment]
	drugOrders    *memo[DrugOrderSelector, []DrugOrder]
	relationships *memo[RelationshipSelector, []Relationship]
	attributes    *memo[AttributeSelector, interface{}]
	personAttrs   *memo[PersonAttributeSelector, interface{}]
	identifiers   *memo[IdentifierSelector, string]
	memberships   map[MembershipSelector]Cohort

	stats FetchStats
}

func NewContext(population Population, provider ClinicalDataProvider, store DefinitionStore, opts Options) *Context {
	opts = opts.withDefaults()
	return &Context{
		population:    population,
		provider:      provider,
		store:         store,
		opts:          opts,
		log:           *opts.Logger,
		now:           opts.Now(),
		observations:  newMemo[ObsSelector, []ObsRow](true),
		encounters:    newMemo[EncounterSelector, Encounter](true),
		programs:      newMemo[ProgramSelector, ProgramEnrollment](false),
		drugOrders:    newMemo[DrugOrderSelector, []DrugOrder](false),
		relationships: newMemo[RelationshipSelector, []Relationship](false),
		attributes:    newMemo[AttributeSelector, interface{}](true),
		personAttrs:   newMemo[PersonAttributeSelector, interface{}](true),
		identifiers:   newMemo[IdentifierSelector, string](true),
		memberships:   make(map[MembershipSelector]Cohort),
	}
}

func (ec *Context) Population() Population {
	return ec.population
}

func (ec *Context) PatientID() string {
	return ec.patientID
}

func (ec *Context) Stats() FetchStats {
	return ec.stats
}

// SetPatient advances the cursor. Every EvictEvery advances, the rows of
// the patients visited so far are evicted from the per-patient caches.
func (ec *Context) SetPatient(id string) {
	if ec.patientID != "" && ec.patientID != id {
		ec.visited = append(ec.visited, ec.patientID)
	}
	ec.patientID = id
	ec.advances++
	if ec.advances%ec.opts.EvictEvery == 0 {
		ec.evictVisited()
	}
}

func (ec *Context) evictVisited() {
	if len(ec.visited) == 0 {
		return
	}
	ec.observations.evict(ec.visited)
	ec.encounters.evict(ec.visited)
	ec.attributes.evict(ec.visited)
	ec.personAttrs.evict(ec.visited)
	ec.identifiers.evict(ec.visited)
	ec.log.Debug().Int("patients", len(ec.visited)).Msg("evicted visited patients from caches")
	ec.visited = ec.visited[:0]
}

// cachedRows is the number of patient rows held by the evictable caches.
func (ec *Context) cachedRows() int {
	return ec.observations.size() + ec.encounters.size() + ec.attributes.size() +
		ec.personAttrs.size() + ec.identifiers.size()
}

func lookup[K comparable, V any](ec *Context, m *memo[K, V], key K, load func() (map[string]V, error)) (V, bool, error) {
	return m.get(key, ec.patientID, func() (map[string]V, error) {
		start := time.Now()
		rows, err := load()
		duration := time.Since(start)
		ec.stats.Fetches++
		ec.stats.Durations = append(ec.stats.Durations, duration.Seconds())
		if err != nil {
			return nil, err
		}
		ec.log.Debug().
			Str("selector", fmt.Sprintf("%T%+v", key, key)).
			Int("patients", len(rows)).
			Dur("duration", duration).
			Msg("bulk fetch")
		return rows, nil
	})
}

// Observations returns the observations of the active patient for concept,
// oldest first. Every modifier is derived from this shape.
func (ec *Context) Observations(ctx context.Context, concept Concept, extras []ObsField) ([]ObsRow, error) {
	key := ObsSelector{Concept: concept.ID, Extras: joinFields(extras)}
	rows, _, err := lookup(ec, ec.observations, key, func() (map[string][]ObsRow, error) {
		rows, err := ec.provider.Observations(ctx, ec.population, concept, extras)
		if err != nil {
			return nil, err
		}
		for _, obs := range rows {
			sort.SliceStable(obs, func(i, j int) bool {
				return obs[i].Date.Before(obs[j].Date)
			})
		}
		return rows, nil
	})
	return rows, err
}

// LastEncounter returns the most recent encounter of one of the given types.
// No types means any type.
func (ec *Context) LastEncounter(ctx context.Context, types []string) (Encounter, bool, error) {
	return ec.encounter(ctx, types, false)
}

// FirstEncounter returns the earliest encounter of one of the given types.
func (ec *Context) FirstEncounter(ctx context.Context, types []string) (Encounter, bool, error) {
	return ec.encounter(ctx, types, true)
}

func (ec *Context) encounter(ctx context.Context, types []string, first bool) (Encounter, bool, error) {
	key := EncounterSelector{Types: strings.Join(types, ","), First: first}
	return lookup(ec, ec.encounters, key, func() (map[string]Encounter, error) {
		return ec.provider.Encounters(ctx, ec.population, types, first)
	})
}

func (ec *Context) Program(ctx context.Context, program string) (ProgramEnrollment, bool, error) {
	return lookup(ec, ec.programs, ProgramSelector{Program: program}, func() (map[string]ProgramEnrollment, error) {
		return ec.provider.Programs(ctx, ec.population, program)
	})
}

func (ec *Context) DrugOrders(ctx context.Context, drugSet Concept, currentOnly bool) ([]DrugOrder, error) {
	key := DrugOrderSelector{DrugSet: drugSet.ID, CurrentOnly: currentOnly}
	orders, _, err := lookup(ec, ec.drugOrders, key, func() (map[string][]DrugOrder, error) {
		return ec.provider.DrugOrders(ctx, ec.population, drugSet, currentOnly)
	})
	return orders, err
}

func (ec *Context) Relationships(ctx context.Context, relationshipType string) ([]Relationship, error) {
	key := RelationshipSelector{Type: relationshipType}
	relationships, _, err := lookup(ec, ec.relationships, key, func() (map[string][]Relationship, error) {
		return ec.provider.Relationships(ctx, ec.population, relationshipType)
	})
	return relationships, err
}

func (ec *Context) PatientAttribute(ctx context.Context, class string, property string, all bool) (interface{}, error) {
	key := AttributeSelector{Class: class, Property: property, All: all}
	value, _, err := lookup(ec, ec.attributes, key, func() (map[string]interface{}, error) {
		return ec.provider.PatientAttributes(ctx, ec.population, class, property, all)
	})
	return value, err
}

func (ec *Context) PersonAttribute(ctx context.Context, attribute string) (interface{}, error) {
	key := PersonAttributeSelector{Attribute: attribute}
	value, _, err := lookup(ec, ec.personAttrs, key, func() (map[string]interface{}, error) {
		return ec.provider.PersonAttributes(ctx, ec.population, attribute)
	})
	return value, err
}

func (ec *Context) Identifier(ctx context.Context, identifierType string) (string, error) {
	key := IdentifierSelector{Type: identifierType}
	value, _, err := lookup(ec, ec.identifiers, key, func() (map[string]string, error) {
		return ec.provider.Identifiers(ctx, ec.population, identifierType)
	})
	return value, err
}

// IsMember tests the active patient against a cohort, filter or search. The
// member set is resolved once per kind and id. Ids that can't be found have
// no members.
func (ec *Context) IsMember(ctx context.Context, kind MembershipKind, id string) (bool, error) {
	key := MembershipSelector{Kind: kind, ID: id}
	members, ok := ec.memberships[key]
	if !ok {
		start := time.Now()
		var err error
		members, err = resolveMembers(ctx, ec.store, string(kind), id, ec.population, ec.log)
		ec.stats.Fetches++
		ec.stats.Durations = append(ec.stats.Durations, time.Since(start).Seconds())
		if err != nil {
			return false, err
		}
		ec.memberships[key] = members
	}
	return members.Contains(ec.patientID), nil
}

// FormatValue renders a fetched value as cell text. Dates use layout or, if
// layout is empty, the run's date layout.
func (ec *Context) FormatValue(v interface{}, layout string) string {
	if layout == "" {
		layout = ec.opts.DateLayout
	}
	return formatValue(v, layout)
}

// Now is the reference time of the run.
func (ec *Context) Now() time.Time {
	return ec.now
}
