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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samply/blazexport/data"
	"github.com/samply/blazexport/export"
	"github.com/samply/blazexport/fhir"
	"github.com/samply/blazexport/sqlstore"
	"github.com/samply/blazexport/util"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var outputFile string
var overwrite bool
var patients string
var cohortID string
var filterID string
var searchID string
var locationID string

// environment is an export environment over one data source.
type environment struct {
	export.Env
	// stats adds source specific statistics after a run.
	stats func(*util.ExportStats)
	close func()
}

// openEnvironment connects to the database if a database URL is configured
// and to the FHIR server otherwise.
func openEnvironment(ctx context.Context, definition *data.Definition, log zerolog.Logger) (*environment, error) {
	if url := config.GetString("database-url"); url != "" {
		pool, err := sqlstore.NewPool(ctx, url, 0)
		if err != nil {
			return nil, err
		}
		store := sqlstore.New(pool, definition, log)
		return &environment{
			Env:   export.Env{Provider: store, Store: store},
			stats: func(*util.ExportStats) {},
			close: pool.Close,
		}, nil
	}

	if server == "" {
		return nil, fmt.Errorf("either a FHIR server or a database URL is required")
	}
	if err := createClient(); err != nil {
		return nil, err
	}
	provider := fhir.NewProvider(client, definition, log)
	return &environment{
		Env: export.Env{Provider: provider, Store: provider},
		stats: func(stats *util.ExportStats) {
			s := provider.Stats()
			stats.TotalPages = s.Pages
			stats.TotalBytesIn = s.TotalBytesIn
			stats.InlineOperationOutcomes = s.InlineOperationOutcomes
		},
		close: client.CloseIdleConnections,
	}, nil
}

// applyOverrides replaces the population criteria and the separator of the
// definition with the ones given on the command line.
func applyOverrides(cmd *cobra.Command, definition *data.Definition) error {
	if cmd.Flags().Changed("patients") {
		ids, err := util.ParseIDList(patients)
		if err != nil {
			return err
		}
		definition.Population.Patients = ids
	}
	overrides := []struct {
		flag   string
		value  string
		target *string
	}{
		{"cohort", cohortID, &definition.Population.Cohort},
		{"filter", filterID, &definition.Population.Filter},
		{"search", searchID, &definition.Population.Search},
		{"location", locationID, &definition.Population.Location},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.target = o.value
		}
	}
	if definition.Separator == "" || cmd.Flags().Changed("separator") {
		definition.Separator = unescapeSeparator(config.GetString("separator"))
	}
	return nil
}

// unescapeSeparator allows tabs to be given as \t on the command line.
func unescapeSeparator(s string) string {
	return strings.ReplaceAll(s, `\t`, "\t")
}

func compileDefinition(ctx context.Context, definition *data.Definition) (*export.Template, error) {
	def, err := definition.Build()
	if err != nil {
		return nil, err
	}
	dict, err := definition.Dictionary()
	if err != nil {
		return nil, err
	}
	return export.Compile(ctx, def, dict)
}

// newProgress returns a progress callback showing a bar over all batches on
// stderr and a function waiting for the bar to finish.
func newProgress() (func(batch int, batches int), func()) {
	if noProgress {
		return nil, func() {}
	}
	progress := mpb.New(mpb.WithOutput(os.Stderr))
	bar := progress.AddBar(0,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name("export", decor.WC{W: 7, C: decor.DindentRight}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
		),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d batches"), decor.Percentage(decor.WC{W: 5})),
	)
	update := func(batch int, batches int) {
		bar.SetCurrent(int64(batch))
		bar.SetTotal(int64(batches), batch == batches)
	}
	wait := func() {
		if !bar.Completed() {
			bar.Abort(true)
		}
		progress.Wait()
	}
	return update, wait
}

// runExport compiles the definition and writes the export to w.
func runExport(ctx context.Context, cmd *cobra.Command, definitionFile string, w io.Writer) (*util.ExportStats, error) {
	definition, err := data.ReadDefinitionFile(definitionFile)
	if err != nil {
		return nil, fmt.Errorf("could not read the definition file %s: %w", definitionFile, err)
	}
	if err := applyOverrides(cmd, definition); err != nil {
		return nil, err
	}
	template, err := compileDefinition(ctx, definition)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	runLog := log.With().Str("run", runID).Logger()
	env, err := openEnvironment(ctx, definition, runLog)
	if err != nil {
		return nil, err
	}
	defer env.close()

	progress, wait := newProgress()
	opts := export.Options{
		BatchSize:  config.GetInt("batch-size"),
		EvictEvery: config.GetInt("evict-every"),
		DateLayout: config.GetString("date-layout"),
		Logger:     &runLog,
		Progress:   progress,
	}
	runStats, err := template.Execute(ctx, env.Env, export.NewDelimitedWriter(w, template.Separator()), opts)
	wait()

	stats := &util.ExportStats{
		RunID:          runID,
		Patients:       runStats.Patients,
		Rows:           runStats.Rows,
		Batches:        runStats.Batches,
		Fetches:        runStats.Fetches,
		FetchDurations: runStats.FetchDurations,
		TotalDuration:  runStats.Duration,
		Error:          err,
	}
	env.stats(stats)
	return stats, err
}

var exportCmd = &cobra.Command{
	Use:   "export [definition-file]",
	Short: "Export a tabular report",
	Long: `Exports the report described by the definition file into a delimited
text file, one row per patient or one row per observation.

Clinical data is read from the FHIR server given by --server or, if
--database-url is set, from a PostgreSQL database. The population of the
definition file can be overridden on the command line.

Example:

	blazexport export --server http://localhost:8080/fhir weights.yml -o weights.tsv
	blazexport export --database-url postgres://localhost/clinic weights.yml --cohort 7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out io.Writer = cmd.OutOrStdout()
		if outputFile != "" {
			file, err := util.CreateOutputFile(outputFile, overwrite)
			if err != nil {
				return err
			}
			defer file.Close()
			out = file
		}

		stats, err := runExport(cmd.Context(), cmd, args[0], out)
		if stats != nil {
			fmt.Fprintln(os.Stderr)
			fmt.Fprint(os.Stderr, stats.String())
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "write to file instead of stdout")
	exportCmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite an existing output file")
	exportCmd.Flags().String("database-url", "", "read clinical data from this PostgreSQL database instead of a FHIR server")
	exportCmd.Flags().String("separator", export.DefaultSeparator, `column separator, \t for tab`)
	exportCmd.Flags().Int("batch-size", export.DefaultBatchSize, "number of patients per batch")
	exportCmd.Flags().StringVar(&patients, "patients", "", "comma separated patient ids or @file")
	exportCmd.Flags().StringVar(&cohortID, "cohort", "", "restrict the population to a cohort")
	exportCmd.Flags().StringVar(&filterID, "filter", "", "restrict the population to a filter")
	exportCmd.Flags().StringVar(&searchID, "search", "", "restrict the population to a search")
	exportCmd.Flags().StringVar(&locationID, "location", "", "restrict the population to a location")

	_ = exportCmd.MarkFlagFilename("output-file", "tsv", "csv", "txt")
}
