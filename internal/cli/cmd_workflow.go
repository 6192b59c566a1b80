package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Work with workflow definitions",
	}
	cmd.AddCommand(newWorkflowLintCmd())
	return cmd
}

func newWorkflowLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file>",
		Short: "Validate a workflow definition file",
		Long: `Parse a workflow definition (YAML or JSON) and check its block
graph: unique labels, known block kinds, for_loop nesting depth and
parameter declarations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var def workflow.Definition
			if json.Valid(data) {
				err = json.Unmarshal(data, &def)
			} else {
				err = yaml.Unmarshal(data, &def)
			}
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if err := def.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d blocks, %d parameters)\n",
				args[0], len(def.Blocks), len(def.ParameterSchema))
			return nil
		},
	}
}
