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
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samply/blazexport/export"
	"github.com/samply/blazexport/util"
)

// DefaultChunkSize is the number of patients per search over a bounded
// population.
const DefaultChunkSize = 100

// Queries resolve the filter and search definitions of an export.
type Queries interface {
	FilterQuery(id string) (url.Values, error)
	SearchQuery(id string) (string, url.Values, error)
}

// Provider reads clinical data and population definitions from a FHIR
// server. It implements export.ClinicalDataProvider and
// export.DefinitionStore.
type Provider struct {
	client    *Client
	queries   Queries
	log       zerolog.Logger
	chunkSize int
	stats     SearchStats
}

var (
	_ export.ClinicalDataProvider = (*Provider)(nil)
	_ export.DefinitionStore      = (*Provider)(nil)
)

func NewProvider(client *Client, queries Queries, log zerolog.Logger) *Provider {
	return &Provider{client: client, queries: queries, log: log, chunkSize: DefaultChunkSize}
}

// WithChunkSize sets the number of patients per search over a bounded
// population.
func (p *Provider) WithChunkSize(size int) *Provider {
	if size > 0 {
		p.chunkSize = size
	}
	return p
}

// Stats returns the accumulated statistics of all searches.
func (p *Provider) Stats() SearchStats {
	return p.stats
}

// search runs a search over the given scope. Unbounded scopes are searched
// at once. Bounded scopes are searched in chunks, with patientParam
// restricting each chunk to its patients.
func (p *Provider) search(ctx context.Context, scope export.Population, resourceType string, patientParam string,
	query url.Values, fn func(resource json.RawMessage) error) error {
	if scope.Unbounded() {
		return p.searchPage(ctx, resourceType, query, false, fn)
	}
	ids := scope.Cohort().Members()
	for start := 0; start < len(ids); start += p.chunkSize {
		chunk := ids[start:min(start+p.chunkSize, len(ids))]
		q := cloneQuery(query)
		if patientParam == "_id" {
			q.Set(patientParam, strings.Join(chunk, ","))
		} else {
			q.Set(patientParam, patientReferences(chunk))
		}
		if err := p.searchPage(ctx, resourceType, q, true, fn); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) searchPage(ctx context.Context, resourceType string, query url.Values, usePost bool,
	fn func(resource json.RawMessage) error) error {
	start := time.Now()
	stats, err := p.client.Search(ctx, resourceType, query, usePost, fn)
	p.stats.Pages += stats.Pages
	p.stats.Resources += stats.Resources
	p.stats.TotalBytesIn += stats.TotalBytesIn
	p.stats.InlineOperationOutcomes = append(p.stats.InlineOperationOutcomes, stats.InlineOperationOutcomes...)
	if len(stats.InlineOperationOutcomes) > 0 {
		p.log.Warn().
			Str("resourceType", resourceType).
			Msg("server warnings:\n" + util.FmtOperationOutcomes(stats.InlineOperationOutcomes))
	}
	p.log.Debug().
		Str("resourceType", resourceType).
		Str("query", query.Encode()).
		Int("pages", stats.Pages).
		Int("resources", stats.Resources).
		Dur("duration", time.Since(start)).
		Msg("search")
	if err != nil {
		return fmt.Errorf("error while searching %s: %w", resourceType, err)
	}
	return nil
}

func cloneQuery(query url.Values) url.Values {
	q := make(url.Values, len(query)+1)
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	return q
}

// conceptCodes returns the codes of a concept or, for sets, of its members,
// separated by commas as FHIR token search parameters expect.
func conceptCodes(concept export.Concept) (string, error) {
	var codes []string
	var collect func(c export.Concept)
	collect = func(c export.Concept) {
		if c.Code != "" {
			codes = append(codes, c.Code)
		}
		for _, m := range c.Members {
			collect(m)
		}
	}
	collect(concept)
	if len(codes) == 0 {
		return "", fmt.Errorf("concept %s has no code", concept.ID)
	}
	return strings.Join(codes, ","), nil
}

func (p *Provider) Observations(ctx context.Context, scope export.Population, concept export.Concept,
	extras []export.ObsField) (map[string][]export.ObsRow, error) {
	codes, err := conceptCodes(concept)
	if err != nil {
		return nil, err
	}
	query := url.Values{"code": {codes}}
	withLocation := false
	for _, extra := range extras {
		if extra == export.ObsLocation {
			withLocation = true
			query.Set("_include", "Observation:encounter")
		}
	}

	var observations []observation
	locations := make(map[string]string)
	err = p.search(ctx, scope, "Observation", "subject", query, func(raw json.RawMessage) error {
		header, err := unmarshal[resourceHeader](raw)
		if err != nil {
			return err
		}
		switch header.ResourceType {
		case "Observation":
			o, err := unmarshal[observation](raw)
			if err != nil {
				return err
			}
			observations = append(observations, o)
		case "Encounter":
			if withLocation {
				e, err := unmarshal[encounter](raw)
				if err != nil {
					return err
				}
				locations[e.Id] = e.location()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := make(map[string][]export.ObsRow)
	for _, o := range observations {
		id, ok := patientID(o.Subject)
		if !ok {
			continue
		}
		encounterID, _ := referenceID(o.Encounter, "Encounter")
		row := export.ObsRow{Date: o.date(), Value: o.value(), Extras: make([]interface{}, len(extras))}
		for i, extra := range extras {
			switch extra {
			case export.ObsDatetime:
				row.Extras[i] = row.Date
			case export.ObsLocation:
				row.Extras[i] = locations[encounterID]
			case export.ObsEncounter:
				row.Extras[i] = encounterID
			case export.ObsComment:
				row.Extras[i] = o.comment()
			case export.ObsUnits:
				row.Extras[i] = o.units()
			}
		}
		rows[id] = append(rows[id], row)
	}
	return rows, nil
}

func (p *Provider) Encounters(ctx context.Context, scope export.Population, types []string, first bool) (map[string]export.Encounter, error) {
	query := url.Values{}
	if len(types) > 0 {
		query.Set("type", strings.Join(types, ","))
	}
	result := make(map[string]export.Encounter)
	err := p.search(ctx, scope, "Encounter", "subject", query, func(raw json.RawMessage) error {
		e, err := unmarshal[encounter](raw)
		if err != nil {
			return err
		}
		id, ok := patientID(e.Subject)
		if !ok {
			return nil
		}
		candidate := export.Encounter{ID: e.Id, Type: e.typeText(), Location: e.location(), Date: periodStart(e.Period)}
		current, found := result[id]
		if !found || (first && candidate.Date.Before(current.Date)) || (!first && candidate.Date.After(current.Date)) {
			result[id] = candidate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureExists fails with export.ErrNotFound if no resource on the whole
// server matches the query.
func (p *Provider) ensureExists(ctx context.Context, kind string, name string, resourceType string, query url.Values) error {
	total, err := p.client.Count(ctx, resourceType, query)
	if err != nil {
		return fmt.Errorf("error while counting %s: %w", resourceType, err)
	}
	if total == 0 {
		return fmt.Errorf("%s %s: %w", kind, name, export.ErrNotFound)
	}
	return nil
}

// Programs maps program enrollments to episodes of care of the given type.
// The most recent episode per patient wins. Program types without any
// episode of care on the server are unknown.
func (p *Provider) Programs(ctx context.Context, scope export.Population, program string) (map[string]export.ProgramEnrollment, error) {
	result := make(map[string]export.ProgramEnrollment)
	query := url.Values{"type": {program}}
	err := p.search(ctx, scope, "EpisodeOfCare", "patient", query, func(raw json.RawMessage) error {
		e, err := unmarshal[episodeOfCare](raw)
		if err != nil {
			return err
		}
		id, ok := patientID(&e.Patient)
		if !ok {
			return nil
		}
		name := program
		if len(e.Type) > 0 {
			name = codeText(&e.Type[0])
		}
		candidate := export.ProgramEnrollment{Program: name, Enrolled: periodStart(e.Period), Completed: periodEnd(e.Period)}
		if current, found := result[id]; !found || candidate.Enrolled.After(current.Enrolled) {
			result[id] = candidate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		if err := p.ensureExists(ctx, "program", program, "EpisodeOfCare", query); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// DrugOrders maps drug orders to medication requests coded with one of the
// codes of the drug set. Current orders are the active ones.
func (p *Provider) DrugOrders(ctx context.Context, scope export.Population, drugSet export.Concept,
	currentOnly bool) (map[string][]export.DrugOrder, error) {
	codes, err := conceptCodes(drugSet)
	if err != nil {
		return nil, err
	}
	query := url.Values{"code": {codes}}
	if currentOnly {
		query.Set("status", "active")
	}
	result := make(map[string][]export.DrugOrder)
	err = p.search(ctx, scope, "MedicationRequest", "subject", query, func(raw json.RawMessage) error {
		m, err := unmarshal[medicationRequest](raw)
		if err != nil {
			return err
		}
		id, ok := patientID(&m.Subject)
		if !ok {
			return nil
		}
		order := export.DrugOrder{Drug: codeText(m.MedicationCodeableConcept), Start: parseDate(m.AuthoredOn)}
		if m.DispenseRequest != nil {
			if order.Start.IsZero() {
				order.Start = periodStart(m.DispenseRequest.ValidityPeriod)
			}
			order.End = periodEnd(m.DispenseRequest.ValidityPeriod)
		}
		result[id] = append(result[id], order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, orders := range result {
		sort.SliceStable(orders, func(i, j int) bool {
			return orders[i].Start.Before(orders[j].Start)
		})
	}
	return result, nil
}

func (p *Provider) Relationships(ctx context.Context, scope export.Population, relationshipType string) (map[string][]export.Relationship, error) {
	result := make(map[string][]export.Relationship)
	query := url.Values{"relationship": {relationshipType}}
	err := p.search(ctx, scope, "RelatedPerson", "patient", query, func(raw json.RawMessage) error {
		r, err := unmarshal[relatedPerson](raw)
		if err != nil {
			return err
		}
		id, ok := patientID(&r.Patient)
		if !ok {
			return nil
		}
		relationship := export.Relationship{PersonID: r.Id, Name: humanName(r.Name)}
		if len(r.Identifier) > 0 && r.Identifier[0].Value != nil {
			relationship.Identifier = *r.Identifier[0].Value
		}
		result[id] = append(result[id], relationship)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		if err := p.ensureExists(ctx, "relationship type", relationshipType, "RelatedPerson", query); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// patients calls fn with every Patient resource of the scope as generic
// JSON object.
func (p *Provider) patients(ctx context.Context, scope export.Population, fn func(id string, patient map[string]interface{})) error {
	return p.search(ctx, scope, "Patient", "_id", url.Values{}, func(raw json.RawMessage) error {
		var patient map[string]interface{}
		if err := json.Unmarshal(raw, &patient); err != nil {
			return err
		}
		if id, ok := patient["id"].(string); ok {
			fn(id, patient)
		}
		return nil
	})
}

// PatientAttributes reads a dotted element path like gender or
// address.city from the Patient resources. Only the first value is returned
// unless all is set, in which case every value is joined by a space.
func (p *Provider) PatientAttributes(ctx context.Context, scope export.Population, class string, property string,
	all bool) (map[string]interface{}, error) {
	if !strings.EqualFold(class, "Patient") {
		return nil, fmt.Errorf("unsupported attribute class %s, only Patient is supported", class)
	}
	result := make(map[string]interface{})
	err := p.patients(ctx, scope, func(id string, patient map[string]interface{}) {
		values := elementValues(patient, strings.Split(property, "."))
		switch {
		case len(values) == 0:
		case all:
			result[id] = strings.Join(values, " ")
		default:
			result[id] = values[0]
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PersonAttributes reads the value of the Patient extension whose URL is, or
// ends with, the attribute.
func (p *Provider) PersonAttributes(ctx context.Context, scope export.Population, attribute string) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	err := p.patients(ctx, scope, func(id string, patient map[string]interface{}) {
		extensions, _ := patient["extension"].([]interface{})
		for _, e := range extensions {
			extension, _ := e.(map[string]interface{})
			u, _ := extension["url"].(string)
			if u != attribute && !strings.HasSuffix(u, "/"+attribute) {
				continue
			}
			for key, value := range extension {
				if strings.HasPrefix(key, "value") {
					if values := scalarValues(value); len(values) > 0 {
						result[id] = values[0]
					}
				}
			}
			return
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Identifiers returns the value of the first Patient identifier whose system
// or type matches identifierType.
func (p *Provider) Identifiers(ctx context.Context, scope export.Population, identifierType string) (map[string]string, error) {
	result := make(map[string]string)
	err := p.search(ctx, scope, "Patient", "_id", url.Values{}, func(raw json.RawMessage) error {
		patient, err := unmarshal[patientIdentifiers](raw)
		if err != nil {
			return err
		}
		for _, identifier := range patient.Identifier {
			if identifierMatches(identifier, identifierType) && identifier.Value != nil {
				result[patient.Id] = *identifier.Value
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// elementValues walks path through a generic JSON object. Arrays are
// flattened.
func elementValues(v interface{}, path []string) []string {
	if len(path) == 0 {
		return scalarValues(v)
	}
	switch v := v.(type) {
	case map[string]interface{}:
		return elementValues(v[path[0]], path[1:])
	case []interface{}:
		var values []string
		for _, item := range v {
			values = append(values, elementValues(item, path)...)
		}
		return values
	default:
		return nil
	}
}

func scalarValues(v interface{}) []string {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case bool, float64:
		return []string{fmt.Sprint(v)}
	case []interface{}:
		var values []string
		for _, item := range v {
			values = append(values, scalarValues(item)...)
		}
		return values
	case map[string]interface{}:
		// codings, codeable concepts and human names
		for _, key := range []string{"text", "display", "code", "value", "family"} {
			if s, ok := v[key].(string); ok {
				return []string{s}
			}
		}
		if values := scalarValues(v["coding"]); len(values) > 0 {
			return values[:1]
		}
		return nil
	default:
		return nil
	}
}
