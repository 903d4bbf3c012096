// Package cli implements the docpipectl operator commands.
package cli

import "github.com/spf13/cobra"

func NewCmdRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docpipectl",
		Short: "Operate the emissions document pipeline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}
	cmd.AddCommand(NewCmdGet())
	cmd.AddCommand(NewCmdUpload())
	cmd.AddCommand(NewCmdEnqueue())
	cmd.AddCommand(NewCmdCancel())
	cmd.AddCommand(NewCmdRetry())
	cmd.AddCommand(NewCmdQuarantine())
	cmd.AddCommand(NewCmdRelease())
	cmd.AddCommand(NewCmdDelete())
	cmd.AddCommand(NewCmdQueue())
	cmd.AddCommand(NewCmdWatch())
	return cmd
}
