// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/fdopipe/fdopipe/atom"
)

var validateCmd = &cobra.Command{
	Use:     "validate <source-file>",
	Short:   "Check an FDO source file's bracket and stream balance without compiling it",
	Args:    cobra.ExactArgs(1),
	Example: "# fdopipe validate script.fdo",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}

		report := atom.ValidateSyntax(string(source))
		fmt.Printf("lines: %d  atoms: %d  action_blocks: %d  empty_lines: %d\n",
			report.Stats.TotalLines, report.Stats.AtomCount, report.Stats.ActionBlocks, report.Stats.EmptyLines)

		if report.Valid {
			fmt.Println("valid: true")
			return nil
		}

		var merr *multierror.Error
		for _, e := range report.Errors {
			merr = multierror.Append(merr, fmt.Errorf("%s", e))
		}
		fmt.Println("valid: false")
		return merr.ErrorOrNil()
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
