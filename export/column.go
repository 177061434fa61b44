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
	"fmt"
	"strings"
)

// Modifier selects which observations of a concept column are reported.
type Modifier int

const (
	Any Modifier = iota
	First
	Last
	FirstN
	LastN
)

var modifierNames = map[Modifier]string{
	Any:    "any",
	First:  "first",
	Last:   "last",
	FirstN: "first-n",
	LastN:  "last-n",
}

func (m Modifier) String() string {
	if name, ok := modifierNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Modifier(%d)", int(m))
}

// ParseModifier accepts the names returned by String as well as the
// upper-case underscore forms like FIRST_N. The empty string means Any.
func ParseModifier(s string) (Modifier, error) {
	if s == "" {
		return Any, nil
	}
	name := strings.ReplaceAll(strings.ToLower(s), "_", "-")
	for m, n := range modifierNames {
		if n == name {
			return m, nil
		}
	}
	return Any, fmt.Errorf("unknown modifier %q", s)
}

func (m Modifier) windowed() bool {
	return m == FirstN || m == LastN
}

// ObsField is a per-observation field that can be exported next to the
// observation value.
type ObsField string

const (
	ObsDatetime  ObsField = "obsDatetime"
	ObsLocation  ObsField = "location"
	ObsEncounter ObsField = "encounter"
	ObsComment   ObsField = "comment"
	ObsUnits     ObsField = "units"
)

var obsFields = []ObsField{ObsDatetime, ObsLocation, ObsEncounter, ObsComment, ObsUnits}

func parseObsField(s string) (ObsField, bool) {
	for _, f := range obsFields {
		if strings.EqualFold(string(f), s) {
			return f, true
		}
	}
	return "", false
}

// MembershipKind names the kind of population a cohort column tests against.
type MembershipKind string

const (
	CohortMembership MembershipKind = "cohort"
	FilterMembership MembershipKind = "filter"
	SearchMembership MembershipKind = "search"
)

// RowMode decides whether a patient yields one row or one row per
// observation of the row-per-observation column.
type RowMode int

const (
	RowPerPatient RowMode = iota
	RowPerObservation
)

func (m RowMode) String() string {
	if m == RowPerObservation {
		return "row-per-observation"
	}
	return "row-per-patient"
}

func ParseRowMode(s string) (RowMode, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "", "row-per-patient":
		return RowPerPatient, nil
	case "row-per-observation", "row-per-obs":
		return RowPerObservation, nil
	default:
		return RowPerPatient, fmt.Errorf("unknown row mode %q", s)
	}
}

// Column is the closed set of column variants. Only the types of this
// package implement it; code switching over columns has to handle
// SimpleColumn, CalculatedColumn, ConceptColumn, CohortColumn,
// RowPerObsColumn and LookupColumn.
type Column interface {
	Label() string
	column()
}

// SimpleColumn outputs a literal value for every patient.
type SimpleColumn struct {
	Name  string
	Value string
}

// CalculatedColumn carries an expression for the host evaluator. The engine
// emits the expression text unchanged.
type CalculatedColumn struct {
	Name       string
	Expression string
}

// ConceptColumn exports observations of a concept. Count is only used by the
// FirstN and LastN modifiers.
type ConceptColumn struct {
	Name     string
	Concept  string
	Modifier Modifier
	Count    int
	Extras   []string
}

// CohortColumn outputs ValueIfTrue for members of the referenced cohort,
// filter or search and ValueIfFalse for everybody else.
type CohortColumn struct {
	Name         string
	Kind         MembershipKind
	ID           string
	ValueIfTrue  string
	ValueIfFalse string
}

// RowPerObsColumn multiplies the rows of a patient in row-per-observation
// mode: every observation of the concept gets its own row.
type RowPerObsColumn struct {
	Name    string
	Concept string
	Extras  []string
}

// LookupColumn outputs the result of one evaluation context function like
// the value of a patient attribute or the date of the last encounter.
type LookupColumn struct {
	Name   string
	Func   string
	Args   []string
	Format string
}

func (c SimpleColumn) Label() string     { return c.Name }
func (c CalculatedColumn) Label() string { return c.Name }
func (c ConceptColumn) Label() string    { return c.Name }
func (c CohortColumn) Label() string     { return c.Name }
func (c RowPerObsColumn) Label() string  { return c.Name }
func (c LookupColumn) Label() string     { return c.Name }

func (SimpleColumn) column()     {}
func (CalculatedColumn) column() {}
func (ConceptColumn) column()    {}
func (CohortColumn) column()     {}
func (RowPerObsColumn) column()  {}
func (LookupColumn) column()     {}

// PopulationSpec describes the patients of an export. All criteria are
// optional; supplied criteria are intersected.
type PopulationSpec struct {
	PatientIDs []string
	LocationID string
	CohortID   string
	FilterID   string
	SearchID   string
}

// Definition is an export definition: ordered columns evaluated over a
// population.
type Definition struct {
	Name       string
	Columns    []Column
	Population PopulationSpec
	RowMode    RowMode
	Separator  string
}

// DefaultSeparator separates cells if a definition doesn't name a separator.
const DefaultSeparator = "\t"
