package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/carbontrack/docpipeline/internal/client"
)

// JobOptions backs the verbs acting on a single job or document.
type JobOptions struct {
	GlobalOptions
}

func DefaultJobOptions() *JobOptions {
	return &JobOptions{GlobalOptions: DefaultGlobalOptions()}
}

func (o *JobOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
}

type jobAction func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error

func newJobCmd(use, short string, kinds []string, action jobAction) *cobra.Command {
	o := DefaultJobOptions()
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.GlobalOptions.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.GlobalOptions.Validate(args); err != nil {
				return err
			}

			kind, id, err := parseAndValidateKindId(args[0])
			if err != nil {
				return err
			}
			if id == nil {
				return fmt.Errorf("expected TYPE/ID, got %s", args[0])
			}
			allowed := false
			for _, k := range kinds {
				allowed = allowed || k == kind
			}
			if !allowed {
				return fmt.Errorf("%s does not apply to %s", cmd.Name(), plural(kind))
			}

			c, err := o.Client()
			if err != nil {
				return fmt.Errorf("creating client: %w", err)
			}
			return action(cmd.Context(), c, kind, *id)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func NewCmdCancel() *cobra.Command {
	return newJobCmd("cancel (job/ID | document/ID)", "Cancel a job, or every live job of a document.", []string{JobKind, DocumentKind},
		func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error {
			var (
				n   int
				err error
			)
			if kind == JobKind {
				n, err = c.CancelJob(ctx, id)
			} else {
				n, err = c.CancelDocumentJobs(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("cancelling %s/%s: %w", kind, id, err)
			}
			fmt.Printf("%d job(s) cancelled\n", n)
			return nil
		})
}

func NewCmdRetry() *cobra.Command {
	return newJobCmd("retry job/ID", "Queue a new attempt for a failed or cancelled job.", []string{JobKind},
		func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error {
			newID, err := c.RetryJob(ctx, id)
			if err != nil {
				return fmt.Errorf("retrying job/%s: %w", id, err)
			}
			fmt.Printf("job/%s queued\n", newID)
			return nil
		})
}

func NewCmdEnqueue() *cobra.Command {
	return newJobCmd("enqueue document/ID", "Queue a document for extraction.", []string{DocumentKind},
		func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error {
			jobID, err := c.EnqueueJob(ctx, id)
			if err != nil {
				return fmt.Errorf("enqueueing document/%s: %w", id, err)
			}
			fmt.Printf("job/%s queued\n", jobID)
			return nil
		})
}

func NewCmdDelete() *cobra.Command {
	return newJobCmd("delete document/ID", "Delete a document and its stored file.", []string{DocumentKind},
		func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error {
			if err := c.DeleteDocument(ctx, id); err != nil {
				return fmt.Errorf("deleting document/%s: %w", id, err)
			}
			fmt.Printf("document/%s deleted\n", id)
			return nil
		})
}

func NewCmdRelease() *cobra.Command {
	return newJobCmd("release document/ID", "Release a quarantined document.", []string{DocumentKind},
		func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error {
			doc, err := c.ReleaseDocument(ctx, id)
			if err != nil {
				return fmt.Errorf("releasing document/%s: %w", id, err)
			}
			fmt.Printf("document/%s %s\n", doc.ID, doc.Status)
			return nil
		})
}

func NewCmdQuarantine() *cobra.Command {
	var reason string
	cmd := newJobCmd("quarantine document/ID", "Cancel processing and hold a document for review.", []string{DocumentKind},
		func(ctx context.Context, c *client.Client, kind string, id uuid.UUID) error {
			doc, err := c.QuarantineDocument(ctx, id, reason)
			if err != nil {
				return fmt.Errorf("quarantining document/%s: %w", id, err)
			}
			fmt.Printf("document/%s %s\n", doc.ID, doc.Status)
			return nil
		})
	cmd.Flags().StringVar(&reason, "reason", "", "Reason shown on the document")
	return cmd
}
