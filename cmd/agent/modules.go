package agent

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dftw-collector/pkg/config"
	"github.com/dftw-collector/pkg/registers"
)

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules recipes can reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := registers.NewRegistry(registers.DefaultModules(config.NewDefaultConfig())...)
			if err != nil {
				return err
			}
			for _, name := range reg.Names() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
