package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultkit/vaultkit/internal/doctor"
	"github.com/vaultkit/vaultkit/pkg/color"
	"github.com/vaultkit/vaultkit/pkg/errclass"
)

func newDoctorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the vault's lock metadata",
		Long: `Check the vault's lock metadata.

Reports stale or corrupt lock records, temp files left by interrupted writes
and accumulated conflict backups. Use --repair to remove the corrupt record,
old temp files and all but the newest conflict backups. A lock record that
belongs to a machine is never removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.vaultRoot()
			if err != nil {
				return err
			}
			doc, err := doctor.NewDoctor(root, doctor.WithKeepBackups(a.v.GetInt("keep-backups")))
			if err != nil {
				return err
			}

			var result *doctor.Result
			if a.v.GetBool("repair") {
				result, err = doc.Repair()
			} else {
				result, err = doc.Check()
			}
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}

			if a.jsonOutput() {
				if err := outputJSON(cmd, result); err != nil {
					return err
				}
			} else {
				printDoctor(cmd, result)
			}
			if !result.Healthy {
				return errclass.ErrVaultInvalid.WithMessage("vault lock metadata is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().Bool("repair", false, "remove corrupt records, orphan temp files and old conflict backups")
	cmd.Flags().Int("keep-backups", doctor.DefaultKeepBackups, "conflict backups to keep when repairing")
	return cmd
}

func printDoctor(cmd *cobra.Command, result *doctor.Result) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Vault:      %s\n", result.Vault)
	fmt.Fprintf(w, "Lock state: %s\n", stateLabel(result.LockState))
	if len(result.Findings) == 0 {
		fmt.Fprintln(w, color.Success("No problems found."))
	} else {
		fmt.Fprintf(w, "Findings (%d):\n", len(result.Findings))
		for _, f := range result.Findings {
			fmt.Fprintf(w, "  [%s] %s: %s\n", f.Severity, f.Category, f.Description)
		}
	}
	for _, r := range result.Repaired {
		fmt.Fprintf(w, "  %s %s\n", color.Success("repaired:"), r)
	}
}
