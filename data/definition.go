package data

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/samply/blazexport/export"
	"github.com/samply/blazexport/util"
)

type Population struct {
	Patients []string `yaml:"patients"`
	Location string   `yaml:"location"`
	Cohort   string   `yaml:"cohort"`
	Filter   string   `yaml:"filter"`
	Search   string   `yaml:"search"`
}

// Column is one column of the definition file. Type decides which of the
// other fields are used.
type Column struct {
	Type         string   `yaml:"type"`
	Name         string   `yaml:"name"`
	Value        string   `yaml:"value"`
	Expression   string   `yaml:"expression"`
	Concept      string   `yaml:"concept"`
	Modifier     string   `yaml:"modifier"`
	Count        int      `yaml:"count"`
	Extras       []string `yaml:"extras"`
	Cohort       string   `yaml:"cohort"`
	Filter       string   `yaml:"filter"`
	Search       string   `yaml:"search"`
	ValueIfTrue  string   `yaml:"valueIfTrue"`
	ValueIfFalse string   `yaml:"valueIfFalse"`
	Func         string   `yaml:"func"`
	Args         []string `yaml:"args"`
	Format       string   `yaml:"format"`
}

type Concept struct {
	ID   string   `yaml:"id"`
	Name string   `yaml:"name"`
	Code string   `yaml:"code"`
	Set  []string `yaml:"set"`
}

type Search struct {
	ResourceType string `yaml:"resourceType"`
	Query        string `yaml:"query"`
}

type Definition struct {
	Name       string            `yaml:"name"`
	RowMode    string            `yaml:"rowMode"`
	Separator  string            `yaml:"separator"`
	Population Population        `yaml:"population"`
	Columns    []Column          `yaml:"columns"`
	Concepts   []Concept         `yaml:"concepts"`
	Filters    map[string]string `yaml:"filters"`
	Searches   map[string]Search `yaml:"searches"`
}

func ReadDefinitionFile(filename string) (*Definition, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(file)
}

func ParseDefinition(b []byte) (*Definition, error) {
	definition := Definition{}
	if err := yaml.Unmarshal(b, &definition); err != nil {
		return nil, err
	}
	return &definition, nil
}

// Build converts the file into an export definition.
func (d *Definition) Build() (export.Definition, error) {
	rowMode, err := export.ParseRowMode(d.RowMode)
	if err != nil {
		return export.Definition{}, err
	}
	columns := make([]export.Column, 0, len(d.Columns))
	for i, c := range d.Columns {
		column, err := c.build()
		if err != nil {
			return export.Definition{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		columns = append(columns, column)
	}
	return export.Definition{
		Name:    d.Name,
		Columns: columns,
		Population: export.PopulationSpec{
			PatientIDs: d.Population.Patients,
			LocationID: d.Population.Location,
			CohortID:   d.Population.Cohort,
			FilterID:   d.Population.Filter,
			SearchID:   d.Population.Search,
		},
		RowMode:   rowMode,
		Separator: d.Separator,
	}, nil
}

func (c Column) build() (export.Column, error) {
	switch strings.ToLower(c.Type) {
	case "simple":
		return export.SimpleColumn{Name: c.Name, Value: c.Value}, nil
	case "calculated":
		return export.CalculatedColumn{Name: c.Name, Expression: c.Expression}, nil
	case "concept":
		modifier, err := export.ParseModifier(c.Modifier)
		if err != nil {
			return nil, &export.DefinitionError{Column: c.Name, Err: err}
		}
		return export.ConceptColumn{
			Name:     c.Name,
			Concept:  c.Concept,
			Modifier: modifier,
			Count:    c.Count,
			Extras:   c.Extras,
		}, nil
	case "cohort":
		column := export.CohortColumn{Name: c.Name, ValueIfTrue: c.ValueIfTrue, ValueIfFalse: c.ValueIfFalse}
		switch {
		case c.Cohort != "":
			column.Kind, column.ID = export.CohortMembership, c.Cohort
		case c.Filter != "":
			column.Kind, column.ID = export.FilterMembership, c.Filter
		case c.Search != "":
			column.Kind, column.ID = export.SearchMembership, c.Search
		default:
			return nil, &export.DefinitionError{Column: c.Name, Err: fmt.Errorf("one of cohort, filter or search is required")}
		}
		return column, nil
	case "row-per-obs", "row-per-observation":
		return export.RowPerObsColumn{Name: c.Name, Concept: c.Concept, Extras: c.Extras}, nil
	case "lookup":
		return export.LookupColumn{Name: c.Name, Func: c.Func, Args: c.Args, Format: c.Format}, nil
	default:
		return nil, fmt.Errorf("unknown column type %q", c.Type)
	}
}

// FilterQuery returns the query of a filter. Queries starting with @ are
// read from the named file.
func (d *Definition) FilterQuery(id string) (url.Values, error) {
	query, ok := d.Filters[id]
	if !ok {
		return nil, export.ErrNotFound
	}
	return util.ParseQuery(query)
}

// SearchQuery returns the resource type and the query of a search.
func (d *Definition) SearchQuery(id string) (string, url.Values, error) {
	search, ok := d.Searches[id]
	if !ok {
		return "", nil, export.ErrNotFound
	}
	if search.ResourceType == "" {
		return "", nil, fmt.Errorf("search %s has no resource type", id)
	}
	query, err := util.ParseQuery(search.Query)
	if err != nil {
		return "", nil, err
	}
	return search.ResourceType, query, nil
}

// Dictionary resolves the concepts of a definition file by id or by name.
// Names are compared case-insensitively. References of the form system|code
// resolve to an undeclared concept with that code.
type Dictionary struct {
	byID   map[string]export.Concept
	byName map[string]export.Concept
}

// Dictionary builds the concept dictionary of the file. Set members are
// referenced by id and have to be declared in the same file.
func (d *Definition) Dictionary() (*Dictionary, error) {
	declared := make(map[string]Concept, len(d.Concepts))
	for _, c := range d.Concepts {
		if c.ID == "" {
			return nil, fmt.Errorf("concept %q has no id", c.Name)
		}
		if _, ok := declared[c.ID]; ok {
			return nil, fmt.Errorf("duplicate concept id %s", c.ID)
		}
		declared[c.ID] = c
	}

	dict := &Dictionary{
		byID:   make(map[string]export.Concept, len(declared)),
		byName: make(map[string]export.Concept, len(declared)),
	}
	for _, c := range d.Concepts {
		concept, err := resolveConcept(declared, c, nil)
		if err != nil {
			return nil, err
		}
		dict.byID[c.ID] = concept
		if c.Name != "" {
			dict.byName[strings.ToLower(c.Name)] = concept
		}
	}
	return dict, nil
}

func resolveConcept(declared map[string]Concept, c Concept, path []string) (export.Concept, error) {
	for _, id := range path {
		if id == c.ID {
			return export.Concept{}, fmt.Errorf("concept set %s contains itself", c.ID)
		}
	}
	concept := export.Concept{ID: c.ID, Name: c.Name, Code: c.Code}
	if concept.Name == "" {
		concept.Name = c.ID
	}
	for _, memberID := range c.Set {
		member, ok := declared[memberID]
		if !ok {
			return export.Concept{}, fmt.Errorf("unknown member %s of concept set %s", memberID, c.ID)
		}
		resolved, err := resolveConcept(declared, member, append(path, c.ID))
		if err != nil {
			return export.Concept{}, err
		}
		concept.Members = append(concept.Members, resolved)
	}
	return concept, nil
}

func (d *Dictionary) Concept(_ context.Context, ref string) (export.Concept, error) {
	if c, ok := d.byID[ref]; ok {
		return c, nil
	}
	if c, ok := d.byName[strings.ToLower(ref)]; ok {
		return c, nil
	}
	// undeclared codings in system|code form stand for themselves
	if strings.Contains(ref, "|") {
		return export.Concept{ID: ref, Name: ref, Code: ref}, nil
	}
	return export.Concept{}, export.ErrNotFound
}
