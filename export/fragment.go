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
	"strings"
)

// A fragment is the compiled form of one column, or of one member of a set
// concept column. eval appends exactly len(header()) cells.
type fragment interface {
	header() []string
	eval(ctx context.Context, ec *Context, row []string) ([]string, error)
	fmt.Stringer
}

type literalFragment struct {
	label      string
	value      string
	calculated bool
}

func (f *literalFragment) header() []string {
	return []string{f.label}
}

func (f *literalFragment) eval(_ context.Context, _ *Context, row []string) ([]string, error) {
	return append(row, f.value), nil
}

func (f *literalFragment) String() string {
	if f.calculated {
		return fmt.Sprintf("%s = expr %s", f.label, f.value)
	}
	return fmt.Sprintf("%s = %q", f.label, f.value)
}

type conceptFragment struct {
	label    string
	concept  Concept
	modifier Modifier
	count    int
	extras   []ObsField
}

// width is the number of observations the fragment reports.
func (f *conceptFragment) width() int {
	if f.modifier.windowed() {
		return f.count
	}
	return 1
}

func (f *conceptFragment) header() []string {
	cells := make([]string, 0, f.width()*(1+len(f.extras)))
	for i := 0; i < f.width(); i++ {
		suffix := ""
		if i > 0 {
			suffix = fmt.Sprintf("_(%d)", i)
		}
		cells = append(cells, f.label+suffix)
		for _, extra := range f.extras {
			cells = append(cells, f.label+"_"+string(extra)+suffix)
		}
	}
	return cells
}

// selectObs applies the modifier to observations ordered oldest first.
func selectObs(obs []ObsRow, modifier Modifier, count int) []ObsRow {
	if len(obs) == 0 {
		return nil
	}
	switch modifier {
	case First:
		return obs[:1]
	case FirstN:
		return obs[:min(count, len(obs))]
	case LastN:
		return obs[len(obs)-min(count, len(obs)):]
	default:
		return obs[len(obs)-1:]
	}
}

func (f *conceptFragment) eval(ctx context.Context, ec *Context, row []string) ([]string, error) {
	obs, err := ec.Observations(ctx, f.concept, f.extras)
	if err != nil {
		return nil, fmt.Errorf("could not fetch observations of concept %s: %w", f.concept.ID, err)
	}
	selected := selectObs(obs, f.modifier, f.count)
	for i := 0; i < f.width(); i++ {
		if i < len(selected) {
			row = appendObs(ec, row, selected[i], len(f.extras))
		} else {
			row = appendBlanks(row, 1+len(f.extras))
		}
	}
	return row, nil
}

func appendObs(ec *Context, row []string, obs ObsRow, extras int) []string {
	row = append(row, ec.FormatValue(obs.Value, ""))
	for i := 0; i < extras; i++ {
		var v interface{}
		if i < len(obs.Extras) {
			v = obs.Extras[i]
		}
		row = append(row, ec.FormatValue(v, ""))
	}
	return row
}

func appendBlanks(row []string, n int) []string {
	for i := 0; i < n; i++ {
		row = append(row, "")
	}
	return row
}

func (f *conceptFragment) String() string {
	s := fmt.Sprintf("%s = obs(%s %q).%s", f.label, f.concept.ID, f.concept.Name, f.modifier)
	if f.modifier.windowed() {
		s += fmt.Sprintf("(%d)", f.count)
	}
	if len(f.extras) > 0 {
		s += " with " + joinFields(f.extras)
	}
	return s
}

type cohortFragment struct {
	label        string
	kind         MembershipKind
	id           string
	valueIfTrue  string
	valueIfFalse string
}

func (f *cohortFragment) header() []string {
	return []string{f.label}
}

func (f *cohortFragment) eval(ctx context.Context, ec *Context, row []string) ([]string, error) {
	member, err := ec.IsMember(ctx, f.kind, f.id)
	if err != nil {
		return nil, err
	}
	if member {
		return append(row, f.valueIfTrue), nil
	}
	return append(row, f.valueIfFalse), nil
}

func (f *cohortFragment) String() string {
	return fmt.Sprintf("%s = member(%s %s) ? %q : %q", f.label, f.kind, f.id, f.valueIfTrue, f.valueIfFalse)
}

// rowPerObsFragment yields one group of cells per observation. As a plain
// fragment it reports the most recent observation.
type rowPerObsFragment struct {
	label   string
	concept Concept
	extras  []ObsField
}

func (f *rowPerObsFragment) header() []string {
	cells := []string{f.label}
	for _, extra := range f.extras {
		cells = append(cells, f.label+"_"+string(extra))
	}
	return cells
}

func (f *rowPerObsFragment) eval(ctx context.Context, ec *Context, row []string) ([]string, error) {
	groups, err := f.groups(ctx, ec)
	if err != nil {
		return nil, err
	}
	return append(row, groups[len(groups)-1]...), nil
}

// groups returns the cells of every observation, oldest first, or a single
// blank group if there are no observations.
func (f *rowPerObsFragment) groups(ctx context.Context, ec *Context) ([][]string, error) {
	obs, err := ec.Observations(ctx, f.concept, f.extras)
	if err != nil {
		return nil, fmt.Errorf("could not fetch observations of concept %s: %w", f.concept.ID, err)
	}
	if len(obs) == 0 {
		return [][]string{appendBlanks(nil, 1+len(f.extras))}, nil
	}
	groups := make([][]string, len(obs))
	for i, o := range obs {
		groups[i] = appendObs(ec, make([]string, 0, 1+len(f.extras)), o, len(f.extras))
	}
	return groups, nil
}

func (f *rowPerObsFragment) String() string {
	s := fmt.Sprintf("%s = each obs(%s %q)", f.label, f.concept.ID, f.concept.Name)
	if len(f.extras) > 0 {
		s += " with " + joinFields(f.extras)
	}
	return s
}

type lookupFragment struct {
	label  string
	name   string
	fn     lookupFunc
	args   []string
	format string
	// drugSet is resolved at compile time for the drug functions.
	drugSet Concept
}

func (f *lookupFragment) header() []string {
	return []string{f.label}
}

func (f *lookupFragment) eval(ctx context.Context, ec *Context, row []string) ([]string, error) {
	value, err := f.fn.eval(ctx, ec, f)
	if err != nil {
		return nil, err
	}
	return append(row, value), nil
}

func (f *lookupFragment) String() string {
	s := fmt.Sprintf("%s = %s(%s)", f.label, f.name, strings.Join(f.args, ", "))
	if f.format != "" {
		s += fmt.Sprintf(" as %q", f.format)
	}
	return s
}
