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
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/samply/blazexport/export"
)

// Queries resolve the filter and search definitions of an export.
type Queries interface {
	FilterQuery(id string) (url.Values, error)
	SearchQuery(id string) (string, url.Values, error)
}

// Store reads clinical data and population definitions from a relational
// database. It implements export.ClinicalDataProvider and
// export.DefinitionStore.
type Store struct {
	db      querier
	queries Queries
	log     zerolog.Logger
	now     func() time.Time
}

var (
	_ export.ClinicalDataProvider = (*Store)(nil)
	_ export.DefinitionStore      = (*Store)(nil)
)

func New(db querier, queries Queries, log zerolog.Logger) *Store {
	return &Store{db: db, queries: queries, log: log, now: time.Now}
}

// forEach runs q and calls fn after scanning every row into scans.
func (s *Store) forEach(ctx context.Context, name string, q *query, scans []interface{}, fn func() error) error {
	start := time.Now()
	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	tag, err := pgx.ForEachRow(rows, scans, fn)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	s.log.Debug().
		Str("query", name).
		Int64("rows", tag.RowsAffected()).
		Dur("duration", time.Since(start)).
		Msg("query")
	return nil
}

// exists reports whether the table has a row with the given name.
func (s *Store) exists(ctx context.Context, table string, column string, value string) (bool, error) {
	var found bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE "+column+" = $1)", value).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", table, value, err)
	}
	return found, nil
}

func observationsQuery(concept export.Concept, scope export.Population) *query {
	q := newQuery(`SELECT o.patient_id, o.obs_datetime, o.value_numeric, o.value_text, o.value_datetime,
       o.units, o.comments, o.encounter_id, l.name
FROM obs o
LEFT JOIN encounter e ON e.encounter_id = o.encounter_id
LEFT JOIN location l ON l.location_id = e.location_id
WHERE NOT o.voided`)
	return q.where("o.concept_code = ANY(%s)", conceptKeys(concept)).
		scope("o.patient_id", scope).
		then("ORDER BY o.patient_id, o.obs_datetime, o.obs_id")
}

func (s *Store) Observations(ctx context.Context, scope export.Population, concept export.Concept,
	extras []export.ObsField) (map[string][]export.ObsRow, error) {
	result := make(map[string][]export.ObsRow)
	if emptyScope(scope) {
		return result, nil
	}

	var patientID string
	var date time.Time
	var numeric *float64
	var text, units, comments, encounterID, location *string
	var valueDate *time.Time
	scans := []interface{}{&patientID, &date, &numeric, &text, &valueDate, &units, &comments, &encounterID, &location}
	err := s.forEach(ctx, "observations", observationsQuery(concept, scope), scans, func() error {
		row := export.ObsRow{Date: date, Extras: make([]interface{}, len(extras))}
		switch {
		case numeric != nil:
			row.Value = *numeric
		case text != nil:
			row.Value = *text
		case valueDate != nil:
			row.Value = *valueDate
		}
		for i, extra := range extras {
			switch extra {
			case export.ObsDatetime:
				row.Extras[i] = date
			case export.ObsLocation:
				row.Extras[i] = deref(location)
			case export.ObsEncounter:
				row.Extras[i] = deref(encounterID)
			case export.ObsComment:
				row.Extras[i] = deref(comments)
			case export.ObsUnits:
				row.Extras[i] = deref(units)
			}
		}
		result[patientID] = append(result[patientID], row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encountersQuery(types []string, first bool, scope export.Population) *query {
	q := newQuery(`SELECT DISTINCT ON (e.patient_id) e.patient_id, e.encounter_id, e.encounter_type,
       l.name, e.encounter_datetime
FROM encounter e
LEFT JOIN location l ON l.location_id = e.location_id
WHERE NOT e.voided`)
	if len(types) > 0 {
		q.where("e.encounter_type = ANY(%s)", types)
	}
	q.scope("e.patient_id", scope)
	if first {
		return q.then("ORDER BY e.patient_id, e.encounter_datetime ASC")
	}
	return q.then("ORDER BY e.patient_id, e.encounter_datetime DESC")
}

func (s *Store) Encounters(ctx context.Context, scope export.Population, types []string, first bool) (map[string]export.Encounter, error) {
	result := make(map[string]export.Encounter)
	if emptyScope(scope) {
		return result, nil
	}

	var patientID string
	var e export.Encounter
	var location *string
	scans := []interface{}{&patientID, &e.ID, &e.Type, &location, &e.Date}
	err := s.forEach(ctx, "encounters", encountersQuery(types, first, scope), scans, func() error {
		e.Location = deref(location)
		result[patientID] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func programsQuery(program string, scope export.Population) *query {
	q := newQuery(`SELECT DISTINCT ON (patient_id) patient_id, program, date_enrolled, date_completed
FROM patient_program
WHERE NOT voided`)
	return q.where("program = %s", program).
		scope("patient_id", scope).
		then("ORDER BY patient_id, date_enrolled DESC")
}

// Programs returns export.ErrNotFound for programs that don't exist.
func (s *Store) Programs(ctx context.Context, scope export.Population, program string) (map[string]export.ProgramEnrollment, error) {
	found, err := s.exists(ctx, "program", "name", program)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("program %s: %w", program, export.ErrNotFound)
	}

	result := make(map[string]export.ProgramEnrollment)
	if emptyScope(scope) {
		return result, nil
	}
	var patientID string
	var enrollment export.ProgramEnrollment
	var completed *time.Time
	scans := []interface{}{&patientID, &enrollment.Program, &enrollment.Enrolled, &completed}
	err = s.forEach(ctx, "programs", programsQuery(program, scope), scans, func() error {
		enrollment.Completed = time.Time{}
		if completed != nil {
			enrollment.Completed = *completed
		}
		result[patientID] = enrollment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func drugOrdersQuery(drugSet export.Concept, currentOnly bool, now time.Time, scope export.Population) *query {
	q := newQuery(`SELECT patient_id, drug_name, start_date, end_date
FROM drug_order
WHERE NOT voided`)
	q.where("drug_code = ANY(%s)", conceptKeys(drugSet))
	if currentOnly {
		q.where("start_date <= %[1]s AND (end_date IS NULL OR end_date > %[1]s)", now)
	}
	return q.scope("patient_id", scope).then("ORDER BY patient_id, start_date, order_id")
}

func (s *Store) DrugOrders(ctx context.Context, scope export.Population, drugSet export.Concept,
	currentOnly bool) (map[string][]export.DrugOrder, error) {
	result := make(map[string][]export.DrugOrder)
	if emptyScope(scope) {
		return result, nil
	}

	var patientID string
	var order export.DrugOrder
	var end *time.Time
	scans := []interface{}{&patientID, &order.Drug, &order.Start, &end}
	err := s.forEach(ctx, "drug orders", drugOrdersQuery(drugSet, currentOnly, s.now(), scope), scans, func() error {
		order.End = time.Time{}
		if end != nil {
			order.End = *end
		}
		result[patientID] = append(result[patientID], order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func relationshipsQuery(relationshipType string, scope export.Population) *query {
	q := newQuery(`SELECT patient_id, person_id, person_name, person_identifier
FROM relationship
WHERE NOT voided`)
	return q.where("relationship_type = %s", relationshipType).
		scope("patient_id", scope).
		then("ORDER BY patient_id, person_id")
}

// Relationships returns export.ErrNotFound for relationship types that don't
// exist.
func (s *Store) Relationships(ctx context.Context, scope export.Population, relationshipType string) (map[string][]export.Relationship, error) {
	found, err := s.exists(ctx, "relationship_type", "name", relationshipType)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("relationship type %s: %w", relationshipType, export.ErrNotFound)
	}

	result := make(map[string][]export.Relationship)
	if emptyScope(scope) {
		return result, nil
	}
	var patientID string
	var personID string
	var name, identifier *string
	scans := []interface{}{&patientID, &personID, &name, &identifier}
	err = s.forEach(ctx, "relationships", relationshipsQuery(relationshipType, scope), scans, func() error {
		result[patientID] = append(result[patientID], export.Relationship{
			PersonID:   personID,
			Name:       deref(name),
			Identifier: deref(identifier),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func patientAttributesQuery(column string, scope export.Population) *query {
	q := newQuery("SELECT patient_id, " + column + "\nFROM patient\nWHERE NOT voided")
	return q.where(column + " IS NOT NULL").scope("patient_id", scope)
}

// PatientAttributes reads a column of the patient table. The attributes are
// single valued, so all makes no difference.
func (s *Store) PatientAttributes(ctx context.Context, scope export.Population, class string, property string,
	_ bool) (map[string]interface{}, error) {
	if !strings.EqualFold(class, "Patient") && !strings.EqualFold(class, "Person") {
		return nil, fmt.Errorf("unsupported attribute class %s, only Patient and Person are supported", class)
	}
	column, err := patientColumn(property)
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{})
	if emptyScope(scope) {
		return result, nil
	}
	var patientID string
	var value interface{}
	scans := []interface{}{&patientID, &value}
	err = s.forEach(ctx, "patient attributes", patientAttributesQuery(column, scope), scans, func() error {
		result[patientID] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func personAttributesQuery(attribute string, scope export.Population) *query {
	q := newQuery(`SELECT DISTINCT ON (patient_id) patient_id, value
FROM person_attribute
WHERE NOT voided`)
	return q.where("attribute_type = %s", attribute).
		scope("patient_id", scope).
		then("ORDER BY patient_id, attribute_id DESC")
}

func (s *Store) PersonAttributes(ctx context.Context, scope export.Population, attribute string) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if emptyScope(scope) {
		return result, nil
	}
	var patientID, value string
	scans := []interface{}{&patientID, &value}
	err := s.forEach(ctx, "person attributes", personAttributesQuery(attribute, scope), scans, func() error {
		result[patientID] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func identifiersQuery(identifierType string, scope export.Population) *query {
	q := newQuery(`SELECT DISTINCT ON (patient_id) patient_id, identifier
FROM patient_identifier
WHERE NOT voided`)
	return q.where("identifier_type = %s", identifierType).
		scope("patient_id", scope).
		then("ORDER BY patient_id, preferred DESC, identifier")
}

func (s *Store) Identifiers(ctx context.Context, scope export.Population, identifierType string) (map[string]string, error) {
	result := make(map[string]string)
	if emptyScope(scope) {
		return result, nil
	}
	var patientID, identifier string
	scans := []interface{}{&patientID, &identifier}
	err := s.forEach(ctx, "identifiers", identifiersQuery(identifierType, scope), scans, func() error {
		result[patientID] = identifier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
