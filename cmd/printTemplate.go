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

	"github.com/samply/blazexport/data"
	"github.com/spf13/cobra"
)

var printTemplateCmd = &cobra.Command{
	Use:   "print-template [definition-file]",
	Short: "Print the compiled template of a definition file",
	Long: `Compiles the definition file and prints the resulting template: the
header, the population and one line per column fragment. No clinical data is
read.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, err := data.ReadDefinitionFile(args[0])
		if err != nil {
			return fmt.Errorf("could not read the definition file %s: %w", args[0], err)
		}
		if err := applyOverrides(cmd, definition); err != nil {
			return err
		}
		template, err := compileDefinition(cmd.Context(), definition)
		if err != nil {
			return err
		}
		text, err := template.Text()
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), text)
		return err
	},
}

func init() {
	rootCmd.AddCommand(printTemplateCmd)

	printTemplateCmd.Flags().String("separator", "", `column separator, \t for tab`)
}
