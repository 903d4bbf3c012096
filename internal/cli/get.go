package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GetOptions struct {
	GlobalOptions
	OutputOptions

	Batch string
	State string
	Limit int
}

func DefaultGetOptions() *GetOptions {
	return &GetOptions{
		GlobalOptions: DefaultGlobalOptions(),
		State:         "active",
	}
}

func NewCmdGet() *cobra.Command {
	o := DefaultGetOptions()
	cmd := &cobra.Command{
		Use:   "get (TYPE | TYPE/ID)",
		Short: "Display one or many resources.",
		Example: `  docpipectl get documents --batch batch-42
  docpipectl get document/6f1c... -o yaml
  docpipectl get jobs --state failed
  docpipectl get queue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *GetOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVar(&o.Batch, "batch", o.Batch, "Batch token, required when listing documents")
	fs.StringVar(&o.State, "state", o.State, "Job state to list. One of: (active, failed).")
	fs.IntVar(&o.Limit, "limit", o.Limit, "Maximum number of jobs to list")
}

func (o *GetOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *GetOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if err := o.OutputOptions.Validate(); err != nil {
		return err
	}

	kind, id, err := parseAndValidateKindId(args[0])
	if err != nil {
		return err
	}
	switch {
	case kind == DocumentKind && id == nil && o.Batch == "":
		return fmt.Errorf("listing %s requires --batch", plural(kind))
	case kind == JobKind && id == nil && o.State != "active" && o.State != "failed":
		return fmt.Errorf("state must be one of active, failed")
	}
	return nil
}

func (o *GetOptions) Run(ctx context.Context, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	kind, id, err := parseAndValidateKindId(args[0])
	if err != nil {
		return err
	}

	var response any
	switch {
	case kind == DocumentKind && id != nil:
		response, err = c.GetDocument(ctx, *id)
	case kind == DocumentKind:
		response, err = c.ListDocuments(ctx, o.Batch)
	case kind == JobKind && id != nil:
		response, err = c.GetJob(ctx, *id)
	case kind == JobKind:
		response, err = c.ListJobs(ctx, o.State, o.Limit)
	case kind == QueueKind:
		response, err = c.GetQueue(ctx)
	default:
		return fmt.Errorf("unsupported resource kind: %s", kind)
	}
	if err != nil {
		if id != nil {
			return fmt.Errorf("reading %s/%s: %w", kind, id, err)
		}
		return fmt.Errorf("listing %s: %w", plural(kind), err)
	}
	return printResource(os.Stdout, o.Output, response)
}
