package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/carbontrack/docpipeline/internal/client"
	"github.com/carbontrack/docpipeline/internal/store/model"
)

type UploadOptions struct {
	GlobalOptions
	OutputOptions

	OwnerID   string
	BatchID   string
	Category  string
	MediaType string
	NoEnqueue bool
}

func DefaultUploadOptions() *UploadOptions {
	return &UploadOptions{
		GlobalOptions: DefaultGlobalOptions(),
		Category:      string(model.CategoryOther),
	}
}

func NewCmdUpload() *cobra.Command {
	o := DefaultUploadOptions()
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a document and queue it for extraction.",
		Args:  cobra.ExactArgs(1),
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

func (o *UploadOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	o.OutputOptions.Bind(fs)

	fs.StringVar(&o.OwnerID, "owner", o.OwnerID, "Owning organization")
	fs.StringVar(&o.BatchID, "batch", o.BatchID, "Batch token grouping uploads")
	fs.StringVar(&o.Category, "category", o.Category, "Document category")
	fs.StringVar(&o.MediaType, "media-type", o.MediaType, "Media type, detected by the server when empty")
	fs.BoolVar(&o.NoEnqueue, "no-enqueue", o.NoEnqueue, "Register the document without queueing it")
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *UploadOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if err := o.OutputOptions.Validate(); err != nil {
		return err
	}
	if o.OwnerID == "" {
		return fmt.Errorf("--owner is required")
	}
	if !model.Category(o.Category).Valid() {
		return fmt.Errorf("unknown category %q", o.Category)
	}
	return nil
}

func (o *UploadOptions) Run(ctx context.Context, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	res, err := c.UploadDocument(ctx, client.Upload{
		OwnerID:   o.OwnerID,
		BatchID:   o.BatchID,
		Category:  o.Category,
		Filename:  filepath.Base(args[0]),
		MediaType: o.MediaType,
		Content:   f,
		NoEnqueue: o.NoEnqueue,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", args[0], err)
	}

	if o.Output != "" {
		return printResource(os.Stdout, o.Output, res)
	}
	fmt.Printf("document/%s uploaded\n", res.Document.ID)
	if res.JobID != "" {
		fmt.Printf("job/%s queued\n", res.JobID)
	}
	return nil
}
