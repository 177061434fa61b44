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
	"sort"
	"strconv"
	"strings"
	"time"
)

// BirthDateProperty is the patient attribute the age function reads.
const BirthDateProperty = "birthDate"

type lookupFunc struct {
	minArgs int
	// maxArgs is negative for variadic functions.
	maxArgs int
	// drugSet marks functions whose first argument is a drug set concept.
	drugSet bool
	// check validates the arguments at compile time.
	check func(args []string) error
	eval  func(ctx context.Context, ec *Context, f *lookupFragment) (string, error)
}

var encounterFields = []string{"date", "location", "type", "id"}

var programFields = []string{"enrolled", "completed", "name"}

var relationshipFields = []string{"name", "id", "identifier"}

func oneOf(name string, allowed []string) func(args []string) error {
	return func(args []string) error {
		if len(args) == 0 {
			return nil
		}
		for _, a := range allowed {
			if a == args[0] {
				return nil
			}
		}
		return fmt.Errorf("unknown %s %q, expected one of %s", name, args[0], strings.Join(allowed, ", "))
	}
}

// notFound turns a missing program or relationship type into a definition
// error of the column.
func notFound(f *lookupFragment, identifier string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &DefinitionError{Column: f.label, Identifier: identifier, Err: err}
	}
	return err
}

var lookupFuncs = map[string]lookupFunc{
	"patient-id": {
		eval: func(_ context.Context, ec *Context, _ *lookupFragment) (string, error) {
			return ec.PatientID(), nil
		},
	},
	"patient-attr": {
		minArgs: 2,
		maxArgs: 3,
		check: func(args []string) error {
			if len(args) == 3 && args[2] != "all" {
				return fmt.Errorf("the third argument of patient-attr can only be \"all\", was %q", args[2])
			}
			return nil
		},
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			v, err := ec.PatientAttribute(ctx, f.args[0], f.args[1], len(f.args) == 3)
			if err != nil {
				return "", err
			}
			return ec.FormatValue(v, f.format), nil
		},
	},
	"person-attr": {
		minArgs: 1,
		maxArgs: 1,
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			v, err := ec.PersonAttribute(ctx, f.args[0])
			if err != nil {
				return "", err
			}
			return ec.FormatValue(v, f.format), nil
		},
	},
	"identifier": {
		minArgs: 1,
		maxArgs: 1,
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			return ec.Identifier(ctx, f.args[0])
		},
	},
	"check-digit": {
		minArgs: 1,
		maxArgs: 1,
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			id, err := ec.Identifier(ctx, f.args[0])
			if err != nil || id == "" {
				return "", err
			}
			return strconv.FormatBool(validCheckDigit(id)), nil
		},
	},
	"last-encounter": {
		minArgs: 1,
		maxArgs: -1,
		check:   oneOf("encounter field", encounterFields),
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			e, ok, err := ec.LastEncounter(ctx, f.args[1:])
			return encounterField(ec, f, e, ok, err)
		},
	},
	"first-encounter": {
		minArgs: 1,
		maxArgs: -1,
		check:   oneOf("encounter field", encounterFields),
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			e, ok, err := ec.FirstEncounter(ctx, f.args[1:])
			return encounterField(ec, f, e, ok, err)
		},
	},
	"program": {
		minArgs: 1,
		maxArgs: 2,
		check: func(args []string) error {
			return oneOf("program field", programFields)(args[1:])
		},
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			p, ok, err := ec.Program(ctx, f.args[0])
			if err != nil {
				return "", notFound(f, f.args[0], err)
			}
			if !ok {
				return "", nil
			}
			field := "enrolled"
			if len(f.args) > 1 {
				field = f.args[1]
			}
			switch field {
			case "completed":
				return ec.FormatValue(p.Completed, f.format), nil
			case "name":
				return p.Program, nil
			default:
				return ec.FormatValue(p.Enrolled, f.format), nil
			}
		},
	},
	"current-drugs": {
		minArgs: 1,
		maxArgs: 1,
		drugSet: true,
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			orders, err := ec.DrugOrders(ctx, f.drugSet, true)
			if err != nil {
				return "", err
			}
			return drugNames(orders), nil
		},
	},
	"drug-orders": {
		minArgs: 1,
		maxArgs: 1,
		drugSet: true,
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			orders, err := ec.DrugOrders(ctx, f.drugSet, false)
			if err != nil {
				return "", err
			}
			return drugNames(orders), nil
		},
	},
	"earliest-drug-start": {
		minArgs: 1,
		maxArgs: 1,
		drugSet: true,
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			orders, err := ec.DrugOrders(ctx, f.drugSet, false)
			if err != nil {
				return "", err
			}
			var earliest time.Time
			for _, o := range orders {
				if !o.Start.IsZero() && (earliest.IsZero() || o.Start.Before(earliest)) {
					earliest = o.Start
				}
			}
			return ec.FormatValue(earliest, f.format), nil
		},
	},
	"relationships": {
		minArgs: 1,
		maxArgs: 2,
		check: func(args []string) error {
			return oneOf("relationship field", relationshipFields)(args[1:])
		},
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			relationships, err := ec.Relationships(ctx, f.args[0])
			if err != nil {
				return "", notFound(f, f.args[0], err)
			}
			field := "name"
			if len(f.args) > 1 {
				field = f.args[1]
			}
			values := make([]string, 0, len(relationships))
			for _, r := range relationships {
				switch field {
				case "id":
					values = append(values, r.PersonID)
				case "identifier":
					values = append(values, r.Identifier)
				default:
					values = append(values, r.Name)
				}
			}
			return strings.Join(values, " "), nil
		},
	},
	"age": {
		eval: func(ctx context.Context, ec *Context, f *lookupFragment) (string, error) {
			v, err := ec.PatientAttribute(ctx, "Patient", BirthDateProperty, false)
			if err != nil {
				return "", err
			}
			birthDate, ok := asTime(v)
			if !ok {
				return "", nil
			}
			return strconv.Itoa(yearsBetween(birthDate, ec.Now())), nil
		},
	},
}

const checkDigitBase = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_"

// validCheckDigit reports whether id has the form base-digit with a valid
// Luhn check digit. Letters count with their ASCII value minus 48.
func validCheckDigit(id string) bool {
	base, digit, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(id)), "-")
	if !ok || base == "" || len(digit) != 1 || digit[0] < '0' || digit[0] > '9' {
		return false
	}
	sum := 0
	for i := 0; i < len(base); i++ {
		ch := base[len(base)-1-i]
		if strings.IndexByte(checkDigitBase, ch) < 0 {
			return false
		}
		d := int(ch) - '0'
		if i%2 == 0 {
			d = 2*d - d/5*9
		}
		sum += d
	}
	return (10-(sum+10)%10)%10 == int(digit[0]-'0')
}

func encounterField(ec *Context, f *lookupFragment, e Encounter, ok bool, err error) (string, error) {
	if err != nil || !ok {
		return "", err
	}
	switch f.args[0] {
	case "location":
		return e.Location, nil
	case "type":
		return e.Type, nil
	case "id":
		return e.ID, nil
	default:
		return ec.FormatValue(e.Date, f.format), nil
	}
}

// drugNames returns the distinct drug names of orders in sorted order,
// separated by spaces.
func drugNames(orders []DrugOrder) string {
	seen := make(map[string]struct{}, len(orders))
	names := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := seen[o.Drug]; ok || o.Drug == "" {
			continue
		}
		seen[o.Drug] = struct{}{}
		names = append(names, o.Drug)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func lookupFuncNames() []string {
	names := make([]string, 0, len(lookupFuncs))
	for name := range lookupFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
