package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultkit/vaultkit/internal/identity"
	"github.com/vaultkit/vaultkit/pkg/color"
)

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity this machine stamps into lock records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := identity.Default()
			if a.jsonOutput() {
				return outputJSON(cmd, map[string]any{
					"machine_id": id.MachineID(),
					"hostname":   id.Hostname(),
					"source":     id.Source(),
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Machine ID: %s %s\n", id.MachineID(), color.Dim("("+id.Source()+")"))
			fmt.Fprintf(w, "Hostname:   %s\n", color.Host(id.Hostname()))
			return nil
		},
	}
}
