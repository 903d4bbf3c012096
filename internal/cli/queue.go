package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type QueueOptions struct {
	GlobalOptions
	OutputOptions
}

func NewCmdQueue() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Pause or resume job processing.",
	}
	cmd.AddCommand(newQueueCmd("pause", "Stop workers from claiming new jobs."))
	cmd.AddCommand(newQueueCmd("resume", "Let workers claim jobs again."))
	return cmd
}

func newQueueCmd(verb, short string) *cobra.Command {
	o := &QueueOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.GlobalOptions.Validate(args); err != nil {
				return err
			}
			if err := o.OutputOptions.Validate(); err != nil {
				return err
			}
			c, err := o.Client()
			if err != nil {
				return fmt.Errorf("creating client: %w", err)
			}

			call := c.PauseQueue
			if verb == "resume" {
				call = c.ResumeQueue
			}
			state, err := call(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s queue: %w", verb, err)
			}
			return printResource(os.Stdout, o.Output, state)
		},
		SilenceUsage: true,
	}
	o.GlobalOptions.Bind(cmd.Flags())
	o.OutputOptions.Bind(cmd.Flags())
	return cmd
}
