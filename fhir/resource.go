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
	"encoding/json"
	"strings"
	"time"

	"github.com/samply/blazexport/export"
	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// The resource structs only carry the elements the provider reads.

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	Id           string `json:"id"`
}

type observation struct {
	Id                   string              `json:"id"`
	Subject              *fm.Reference       `json:"subject,omitempty"`
	Encounter            *fm.Reference       `json:"encounter,omitempty"`
	EffectiveDateTime    *string             `json:"effectiveDateTime,omitempty"`
	EffectiveInstant     *string             `json:"effectiveInstant,omitempty"`
	EffectivePeriod      *fm.Period          `json:"effectivePeriod,omitempty"`
	ValueQuantity        *fm.Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *fm.CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          *string             `json:"valueString,omitempty"`
	ValueBoolean         *bool               `json:"valueBoolean,omitempty"`
	ValueInteger         *int                `json:"valueInteger,omitempty"`
	ValueDateTime        *string             `json:"valueDateTime,omitempty"`
	Note                 []fm.Annotation     `json:"note,omitempty"`
}

type encounterLocation struct {
	Location fm.Reference `json:"location"`
}

type encounter struct {
	Id       string               `json:"id"`
	Type     []fm.CodeableConcept `json:"type,omitempty"`
	Subject  *fm.Reference        `json:"subject,omitempty"`
	Period   *fm.Period           `json:"period,omitempty"`
	Location []encounterLocation  `json:"location,omitempty"`
}

type episodeOfCare struct {
	Id      string               `json:"id"`
	Type    []fm.CodeableConcept `json:"type,omitempty"`
	Patient fm.Reference         `json:"patient"`
	Period  *fm.Period           `json:"period,omitempty"`
}

type dispenseRequest struct {
	ValidityPeriod *fm.Period `json:"validityPeriod,omitempty"`
}

type medicationRequest struct {
	Id                        string              `json:"id"`
	MedicationCodeableConcept *fm.CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Subject                   fm.Reference        `json:"subject"`
	AuthoredOn                *string             `json:"authoredOn,omitempty"`
	DispenseRequest           *dispenseRequest    `json:"dispenseRequest,omitempty"`
}

type relatedPerson struct {
	Id         string          `json:"id"`
	Patient    fm.Reference    `json:"patient"`
	Name       []fm.HumanName  `json:"name,omitempty"`
	Identifier []fm.Identifier `json:"identifier,omitempty"`
}

type groupMember struct {
	Entity   fm.Reference `json:"entity"`
	Inactive *bool        `json:"inactive,omitempty"`
}

type group struct {
	Id     string        `json:"id"`
	Member []groupMember `json:"member,omitempty"`
}

type patientIdentifiers struct {
	Id         string          `json:"id"`
	Identifier []fm.Identifier `json:"identifier,omitempty"`
}

// subjectResource covers the subject or patient reference of any resource.
type subjectResource struct {
	ResourceType string        `json:"resourceType"`
	Id           string        `json:"id"`
	Subject      *fm.Reference `json:"subject,omitempty"`
	Patient      *fm.Reference `json:"patient,omitempty"`
}

func (r subjectResource) patientID() (string, bool) {
	if r.ResourceType == "Patient" {
		return r.Id, r.Id != ""
	}
	if id, ok := patientID(r.Subject); ok {
		return id, true
	}
	return patientID(r.Patient)
}

func unmarshal[T any](raw json.RawMessage) (T, error) {
	var resource T
	err := json.Unmarshal(raw, &resource)
	return resource, err
}

// referenceID returns the id of a relative or absolute literal reference of
// the given type.
func referenceID(ref *fm.Reference, resourceType string) (string, bool) {
	if ref == nil || ref.Reference == nil {
		return "", false
	}
	parts := strings.Split(*ref.Reference, "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] == resourceType {
			return parts[i+1], parts[i+1] != ""
		}
	}
	return "", false
}

func patientID(ref *fm.Reference) (string, bool) {
	return referenceID(ref, "Patient")
}

// patientReferences returns ids as Patient references separated by commas.
func patientReferences(ids []string) string {
	refs := make([]string, len(ids))
	for i, id := range ids {
		refs[i] = "Patient/" + id
	}
	return strings.Join(refs, ",")
}

// codeText returns the text of a codeable concept or, if absent, the display
// or code of its first coding.
func codeText(cc *fm.CodeableConcept) string {
	if cc == nil {
		return ""
	}
	if cc.Text != nil {
		return *cc.Text
	}
	for _, coding := range cc.Coding {
		if coding.Display != nil {
			return *coding.Display
		}
		if coding.Code != nil {
			return *coding.Code
		}
	}
	return ""
}

func parseDate(s *string) time.Time {
	if s == nil {
		return time.Time{}
	}
	t, err := export.ParseDate(*s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func periodStart(p *fm.Period) time.Time {
	if p == nil {
		return time.Time{}
	}
	return parseDate(p.Start)
}

func periodEnd(p *fm.Period) time.Time {
	if p == nil {
		return time.Time{}
	}
	return parseDate(p.End)
}

func (o observation) date() time.Time {
	if o.EffectiveDateTime != nil {
		return parseDate(o.EffectiveDateTime)
	}
	if o.EffectiveInstant != nil {
		return parseDate(o.EffectiveInstant)
	}
	return periodStart(o.EffectivePeriod)
}

func (o observation) value() interface{} {
	switch {
	case o.ValueQuantity != nil && o.ValueQuantity.Value != nil:
		return o.ValueQuantity.Value.String()
	case o.ValueCodeableConcept != nil:
		return codeText(o.ValueCodeableConcept)
	case o.ValueString != nil:
		return *o.ValueString
	case o.ValueBoolean != nil:
		return *o.ValueBoolean
	case o.ValueInteger != nil:
		return *o.ValueInteger
	case o.ValueDateTime != nil:
		return parseDate(o.ValueDateTime)
	default:
		return nil
	}
}

func (o observation) units() string {
	if o.ValueQuantity != nil && o.ValueQuantity.Unit != nil {
		return *o.ValueQuantity.Unit
	}
	return ""
}

func (o observation) comment() string {
	notes := make([]string, 0, len(o.Note))
	for _, note := range o.Note {
		notes = append(notes, note.Text)
	}
	return strings.Join(notes, " ")
}

func (e encounter) location() string {
	if len(e.Location) == 0 {
		return ""
	}
	ref := e.Location[0].Location
	if ref.Display != nil {
		return *ref.Display
	}
	id, _ := referenceID(&ref, "Location")
	return id
}

func (e encounter) typeText() string {
	if len(e.Type) == 0 {
		return ""
	}
	return codeText(&e.Type[0])
}

func humanName(names []fm.HumanName) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if name.Text != nil {
		return *name.Text
	}
	parts := append([]string(nil), name.Given...)
	if name.Family != nil {
		parts = append(parts, *name.Family)
	}
	return strings.Join(parts, " ")
}

// identifierMatches reports whether the system of the identifier equals
// identifierType or its type has identifierType as text or code.
func identifierMatches(identifier fm.Identifier, identifierType string) bool {
	if identifier.System != nil && *identifier.System == identifierType {
		return true
	}
	if identifier.Type == nil {
		return false
	}
	if identifier.Type.Text != nil && *identifier.Type.Text == identifierType {
		return true
	}
	for _, coding := range identifier.Type.Coding {
		if coding.Code != nil && *coding.Code == identifierType {
			return true
		}
	}
	return false
}
