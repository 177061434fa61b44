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
	"fmt"
	"io"

	"github.com/samply/blazexport/data"
	"github.com/samply/blazexport/export"
	"github.com/spf13/cobra"
)

type populationCount struct {
	criterion string
	id        string
	count     int
}

// countPopulation resolves every population criterion on its own and then
// the whole population.
func countPopulation(cmd *cobra.Command, definition *data.Definition, env export.Env) ([]populationCount, export.Population, error) {
	ctx := cmd.Context()
	p := definition.Population
	criteria := []struct {
		criterion string
		spec      export.PopulationSpec
	}{
		{"patients", export.PopulationSpec{PatientIDs: p.Patients}},
		{"location", export.PopulationSpec{LocationID: p.Location}},
		{"cohort", export.PopulationSpec{CohortID: p.Cohort}},
		{"filter", export.PopulationSpec{FilterID: p.Filter}},
		{"search", export.PopulationSpec{SearchID: p.Search}},
	}

	var counts []populationCount
	for _, c := range criteria {
		spec := c.spec
		id := spec.LocationID + spec.CohortID + spec.FilterID + spec.SearchID
		if len(spec.PatientIDs) == 0 && id == "" {
			continue
		}
		population, err := export.Resolve(ctx, spec, env.Store, log)
		if err != nil {
			return nil, export.Population{}, err
		}
		counts = append(counts, populationCount{criterion: c.criterion, id: id, count: population.Cohort().Size()})
	}

	def, err := definition.Build()
	if err != nil {
		return nil, export.Population{}, err
	}
	population, err := export.Resolve(ctx, def.Population, env.Store, log)
	if err != nil {
		return nil, export.Population{}, err
	}
	return counts, population, nil
}

func printPopulationCounts(w io.Writer, counts []populationCount, population export.Population, batchSize int) {
	labels := make([]string, 0, len(counts)+2)
	for _, c := range counts {
		label := c.criterion
		if c.id != "" {
			label += " " + c.id
		}
		labels = append(labels, label)
	}
	labels = append(labels, "population", "batches")
	values := make([]int, 0, len(labels))
	for _, c := range counts {
		values = append(values, c.count)
	}
	values = append(values, population.Cohort().Size(), export.NewBatches(population.Cohort(), batchSize).Count())

	var maxLabelLen, maxValueLen int
	for i, label := range labels {
		maxLabelLen = max(maxLabelLen, len(label))
		maxValueLen = max(maxValueLen, len(fmt.Sprintf("%d", values[i])))
	}
	for i, label := range labels {
		fmt.Fprintf(w, "%-*s : %*d\n", maxLabelLen, label, maxValueLen, values[i])
	}
}

var countPopulationCmd = &cobra.Command{
	Use:   "count-population [definition-file]",
	Short: "Count the patients of a definition file",
	Long: `Resolves the population of the definition file and prints the number
of patients each criterion selects on its own, the size of the whole
population and the number of batches an export would take.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, err := data.ReadDefinitionFile(args[0])
		if err != nil {
			return fmt.Errorf("could not read the definition file %s: %w", args[0], err)
		}
		if err := applyOverrides(cmd, definition); err != nil {
			return err
		}
		env, err := openEnvironment(cmd.Context(), definition, log)
		if err != nil {
			return err
		}
		defer env.close()

		counts, population, err := countPopulation(cmd, definition, env.Env)
		if err != nil {
			return err
		}
		printPopulationCounts(cmd.OutOrStdout(), counts, population, config.GetInt("batch-size"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(countPopulationCmd)

	countPopulationCmd.Flags().String("database-url", "", "read from this PostgreSQL database instead of a FHIR server")
	countPopulationCmd.Flags().Int("batch-size", export.DefaultBatchSize, "number of patients per batch")
	countPopulationCmd.Flags().String("separator", "", `column separator, \t for tab`)
	countPopulationCmd.Flags().StringVar(&patients, "patients", "", "comma separated patient ids or @file")
	countPopulationCmd.Flags().StringVar(&cohortID, "cohort", "", "restrict the population to a cohort")
	countPopulationCmd.Flags().StringVar(&filterID, "filter", "", "restrict the population to a filter")
	countPopulationCmd.Flags().StringVar(&searchID, "search", "", "restrict the population to a search")
	countPopulationCmd.Flags().StringVar(&locationID, "location", "", "restrict the population to a location")
}
