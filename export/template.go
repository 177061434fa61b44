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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// MaxWindow is the largest count of the windowed modifiers.
const MaxWindow = 1000

// A Template is a compiled export definition. It holds the header, one
// fragment per column and the population to evaluate them over. Compiling
// never reads clinical data.
type Template struct {
	name       string
	header     []string
	fragments  []fragment
	population PopulationSpec
	rowMode    RowMode
	separator  string
	// rowPerObs is the index of the row multiplying fragment or -1.
	rowPerObs int
}

// Compile compiles def. Concepts are resolved against dict. The first
// malformed or unresolvable column fails the compilation with a
// DefinitionError.
func Compile(ctx context.Context, def Definition, dict ConceptDictionary) (*Template, error) {
	t := &Template{
		name:       def.Name,
		population: copyPopulationSpec(def.Population),
		rowMode:    def.RowMode,
		separator:  def.Separator,
		rowPerObs:  -1,
	}
	if t.separator == "" {
		t.separator = DefaultSeparator
	}

	columns := append([]Column(nil), def.Columns...)
	if len(columns) == 0 {
		return nil, errors.New("the export definition has no columns")
	}
	for _, column := range columns {
		if column.Label() == "" {
			return nil, definitionError("", "missing column name")
		}
		fragments, err := compileColumn(ctx, column, dict)
		if err != nil {
			return nil, err
		}
		for _, f := range fragments {
			if _, ok := f.(*rowPerObsFragment); ok {
				if t.rowMode != RowPerObservation {
					return nil, definitionError(column.Label(), "row-per-obs columns need the row mode %s", RowPerObservation)
				}
				if t.rowPerObs >= 0 {
					return nil, definitionError(column.Label(), "only one row-per-obs column is allowed")
				}
				t.rowPerObs = len(t.fragments)
			}
			t.fragments = append(t.fragments, f)
			t.header = append(t.header, f.header()...)
		}
	}
	if t.rowMode == RowPerObservation && t.rowPerObs < 0 {
		return nil, fmt.Errorf("the row mode %s needs a row-per-obs column", RowPerObservation)
	}
	return t, nil
}

func copyPopulationSpec(spec PopulationSpec) PopulationSpec {
	spec.PatientIDs = append([]string(nil), spec.PatientIDs...)
	return spec
}

func compileColumn(ctx context.Context, column Column, dict ConceptDictionary) ([]fragment, error) {
	switch c := column.(type) {
	case SimpleColumn:
		return []fragment{&literalFragment{label: c.Name, value: c.Value}}, nil
	case CalculatedColumn:
		return []fragment{&literalFragment{label: c.Name, value: c.Expression, calculated: true}}, nil
	case ConceptColumn:
		return compileConceptColumn(ctx, c, dict)
	case CohortColumn:
		switch c.Kind {
		case CohortMembership, FilterMembership, SearchMembership:
		default:
			return nil, definitionError(c.Name, "unknown membership kind %q", c.Kind)
		}
		if c.ID == "" {
			return nil, definitionError(c.Name, "missing %s id", c.Kind)
		}
		return []fragment{&cohortFragment{
			label:        c.Name,
			kind:         c.Kind,
			id:           c.ID,
			valueIfTrue:  c.ValueIfTrue,
			valueIfFalse: c.ValueIfFalse,
		}}, nil
	case RowPerObsColumn:
		concept, err := resolveConcept(ctx, c.Name, c.Concept, dict)
		if err != nil {
			return nil, err
		}
		if concept.IsSet() {
			return nil, definitionError(c.Name, "row-per-obs columns can't use the set concept %q", c.Concept)
		}
		extras, err := compileExtras(c.Name, c.Extras)
		if err != nil {
			return nil, err
		}
		return []fragment{&rowPerObsFragment{label: c.Name, concept: concept, extras: extras}}, nil
	case LookupColumn:
		f, err := compileLookupColumn(ctx, c, dict)
		if err != nil {
			return nil, err
		}
		return []fragment{f}, nil
	default:
		return nil, definitionError(column.Label(), "unsupported column type %T", column)
	}
}

func compileConceptColumn(ctx context.Context, c ConceptColumn, dict ConceptDictionary) ([]fragment, error) {
	if c.Modifier.windowed() && c.Count < 1 {
		return nil, definitionError(c.Name, "the modifier %s needs a count of at least 1, was %d", c.Modifier, c.Count)
	}
	if c.Modifier.windowed() && c.Count > MaxWindow {
		return nil, definitionError(c.Name, "the modifier %s allows a count of at most %d, was %d", c.Modifier, MaxWindow, c.Count)
	}
	if _, ok := modifierNames[c.Modifier]; !ok {
		return nil, definitionError(c.Name, "unknown modifier %s", c.Modifier)
	}
	extras, err := compileExtras(c.Name, c.Extras)
	if err != nil {
		return nil, err
	}
	concept, err := resolveConcept(ctx, c.Name, c.Concept, dict)
	if err != nil {
		return nil, err
	}
	return expandConcept(c, c.Name, concept, extras), nil
}

// expandConcept returns one fragment per leaf of a set concept, in declared
// member order.
func expandConcept(c ConceptColumn, label string, concept Concept, extras []ObsField) []fragment {
	if !concept.IsSet() {
		return []fragment{&conceptFragment{
			label:    label,
			concept:  concept,
			modifier: c.Modifier,
			count:    c.Count,
			extras:   extras,
		}}
	}
	var fragments []fragment
	for _, member := range concept.Members {
		fragments = append(fragments, expandConcept(c, label+"_"+member.Name, member, extras)...)
	}
	return fragments
}

func resolveConcept(ctx context.Context, column string, ref string, dict ConceptDictionary) (Concept, error) {
	if ref == "" {
		return Concept{}, definitionError(column, "missing concept")
	}
	concept, err := dict.Concept(ctx, ref)
	if err != nil {
		return Concept{}, &DefinitionError{Column: column, Identifier: ref, Err: err}
	}
	return concept, nil
}

func compileExtras(column string, names []string) ([]ObsField, error) {
	extras := make([]ObsField, 0, len(names))
	for _, name := range names {
		field, ok := parseObsField(name)
		if !ok {
			return nil, definitionError(column, "unknown observation field %q", name)
		}
		extras = append(extras, field)
	}
	return extras, nil
}

func compileLookupColumn(ctx context.Context, c LookupColumn, dict ConceptDictionary) (*lookupFragment, error) {
	fn, ok := lookupFuncs[c.Func]
	if !ok {
		return nil, definitionError(c.Name, "unknown function %q, expected one of %s", c.Func,
			strings.Join(lookupFuncNames(), ", "))
	}
	if len(c.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(c.Args) > fn.maxArgs) {
		return nil, definitionError(c.Name, "wrong number of arguments for %s: %d", c.Func, len(c.Args))
	}
	if fn.check != nil {
		if err := fn.check(c.Args); err != nil {
			return nil, &DefinitionError{Column: c.Name, Err: err}
		}
	}
	f := &lookupFragment{
		label:  c.Name,
		name:   c.Func,
		fn:     fn,
		args:   append([]string(nil), c.Args...),
		format: c.Format,
	}
	if fn.drugSet {
		concept, err := resolveConcept(ctx, c.Name, c.Args[0], dict)
		if err != nil {
			return nil, err
		}
		f.drugSet = concept
	}
	return f, nil
}

func (t *Template) Name() string {
	return t.name
}

// Header returns the header cells.
func (t *Template) Header() []string {
	return append([]string(nil), t.header...)
}

func (t *Template) Separator() string {
	return t.separator
}

func (t *Template) RowMode() RowMode {
	return t.rowMode
}

func (t *Template) Population() PopulationSpec {
	return copyPopulationSpec(t.population)
}

const templateText = `export {{with .Name}}{{.}}{{else}}(unnamed){{end}}
separator {{printf "%q" .Separator}}
header {{join .Header .Separator}}
population
{{- with .Population.PatientIDs}} patients {{join . ","}}{{end}}
{{- with .Population.LocationID}} location {{.}}{{end}}
{{- with .Population.CohortID}} cohort {{.}}{{end}}
{{- with .Population.FilterID}} filter {{.}}{{end}}
{{- with .Population.SearchID}} search {{.}}{{end}}
{{- if .Unbounded}} all{{end}}
for each batch
  for each patient
{{- if .RowPerObs}}
    for each {{.RowPerObs}}
{{- end}}
{{- range .Fragments}}
      {{.}}
{{- end}}
`

var textTemplate = template.Must(template.New("template").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(templateText))

// Text renders the template for a host evaluator or for inspection: the
// header line, the iteration skeleton and one line per fragment.
func (t *Template) Text() (string, error) {
	p := t.population
	rowPerObs := ""
	if t.rowPerObs >= 0 {
		rowPerObs = t.fragments[t.rowPerObs].header()[0]
	}
	var buf bytes.Buffer
	err := textTemplate.Execute(&buf, struct {
		Name       string
		Separator  string
		Header     []string
		Population PopulationSpec
		Unbounded  bool
		RowPerObs  string
		Fragments  []fragment
	}{
		Name:       t.name,
		Separator:  t.separator,
		Header:     t.header,
		Population: p,
		Unbounded:  len(p.PatientIDs) == 0 && p.LocationID == "" && p.CohortID == "" && p.FilterID == "" && p.SearchID == "",
		RowPerObs:  rowPerObs,
		Fragments:  t.fragments,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
