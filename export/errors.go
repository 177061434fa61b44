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
	"errors"
	"fmt"
)

// ErrNotFound is returned by dictionaries, stores and providers if a concept,
// cohort, filter, search, program or relationship type does not exist.
var ErrNotFound = errors.New("not found")

// DefinitionError reports a malformed or unresolvable column configuration.
type DefinitionError struct {
	Column     string
	Identifier string
	Err        error
}

func (e *DefinitionError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("column %q: can't resolve %q: %v", e.Column, e.Identifier, e.Err)
	}
	return fmt.Sprintf("column %q: %v", e.Column, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func definitionError(column string, format string, a ...interface{}) *DefinitionError {
	return &DefinitionError{Column: column, Err: fmt.Errorf(format, a...)}
}

// PopulationResolutionError is reserved for a strict resolution mode in which
// missing cohort, filter or search ids are errors. The resolver currently
// degrades such ids to the empty set.
type PopulationResolutionError struct {
	Kind string
	ID   string
	Err  error
}

func (e *PopulationResolutionError) Error() string {
	return fmt.Sprintf("can't resolve %s %q: %v", e.Kind, e.ID, e.Err)
}

func (e *PopulationResolutionError) Unwrap() error {
	return e.Err
}

// EvaluationError aborts a run. It names the batch and the patient that was
// evaluated when the error happened. No partial row is written.
type EvaluationError struct {
	Batch     int
	PatientID string
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("error while evaluating patient %s in batch %d: %v", e.PatientID, e.Batch, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// OutputError is returned if the output sink rejects the header or a row.
type OutputError struct {
	Err error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("could not write to the output: %v", e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}
