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
	"time"
)

// Env holds the collaborators of a run.
type Env struct {
	Provider ClinicalDataProvider
	Store    DefinitionStore
}

// RunStats summarize a run.
type RunStats struct {
	Patients       int
	Rows           int
	Batches        int
	Fetches        int
	FetchDurations []float64
	Duration       time.Duration
}

// Execute resolves the population of the template once and writes the header
// and the rows of every patient to w, batch by batch. All rows of a patient
// are built before the first of them is written. Execute stops at the first
// error and checks ctx between patients.
func (t *Template) Execute(ctx context.Context, env Env, w RowWriter, opts Options) (stats RunStats, err error) {
	opts = opts.withDefaults()
	log := *opts.Logger
	start := time.Now()

	population, err := Resolve(ctx, t.population, env.Store, log)
	if err != nil {
		return stats, err
	}
	batches := NewBatches(population.Cohort(), opts.BatchSize)
	log.Info().
		Str("definition", t.name).
		Int("patients", population.Cohort().Size()).
		Int("batches", batches.Count()).
		Bool("unbounded", population.Unbounded()).
		Msg("start export")

	if err := w.WriteHeader(t.Header()); err != nil {
		return stats, &OutputError{Err: err}
	}

	ec := NewContext(population, env.Provider, env.Store, opts)
	defer func() {
		fetches := ec.Stats()
		stats.Fetches = fetches.Fetches
		stats.FetchDurations = fetches.Durations
	}()
	for b := 0; b < batches.Count(); b++ {
		for _, id := range batches.Batch(b) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			ec.SetPatient(id)
			rows, err := t.evaluate(ctx, ec)
			if err != nil {
				return stats, &EvaluationError{Batch: b, PatientID: id, Err: err}
			}
			for _, row := range rows {
				if err := w.WriteRow(row); err != nil {
					return stats, &EvaluationError{Batch: b, PatientID: id, Err: &OutputError{Err: err}}
				}
			}
			stats.Patients++
			stats.Rows += len(rows)
		}
		stats.Batches++
		if opts.Progress != nil {
			opts.Progress(b+1, batches.Count())
		}
	}
	if err := w.Flush(); err != nil {
		return stats, &OutputError{Err: err}
	}
	stats.Duration = time.Since(start)
	log.Info().
		Int("patients", stats.Patients).
		Int("rows", stats.Rows).
		Dur("duration", stats.Duration).
		Msg("finished export")
	return stats, nil
}

// evaluate returns the rows of the active patient. Only the row multiplying
// fragment differs between the rows of one patient.
func (t *Template) evaluate(ctx context.Context, ec *Context) ([][]string, error) {
	if t.rowPerObs < 0 {
		row := make([]string, 0, len(t.header))
		for _, f := range t.fragments {
			var err error
			if row, err = f.eval(ctx, ec, row); err != nil {
				return nil, err
			}
		}
		return [][]string{row}, nil
	}

	before := make([]string, 0, len(t.header))
	for _, f := range t.fragments[:t.rowPerObs] {
		var err error
		if before, err = f.eval(ctx, ec, before); err != nil {
			return nil, err
		}
	}
	groups, err := t.fragments[t.rowPerObs].(*rowPerObsFragment).groups(ctx, ec)
	if err != nil {
		return nil, err
	}
	var after []string
	for _, f := range t.fragments[t.rowPerObs+1:] {
		if after, err = f.eval(ctx, ec, after); err != nil {
			return nil, err
		}
	}

	rows := make([][]string, len(groups))
	for i, group := range groups {
		row := make([]string, 0, len(t.header))
		row = append(row, before...)
		row = append(row, group...)
		rows[i] = append(row, after...)
	}
	return rows, nil
}
