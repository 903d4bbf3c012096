package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/carbontrack/docpipeline/internal/client"
	"github.com/carbontrack/docpipeline/internal/stream"
)

type WatchOptions struct {
	GlobalOptions

	Batch string
	JSON  bool
	Poll  bool
}

func DefaultWatchOptions() *WatchOptions {
	return &WatchOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdWatch() *cobra.Command {
	o := DefaultWatchOptions()
	cmd := &cobra.Command{
		Use:   "watch [document/ID...]",
		Short: "Follow document processing until every document is done.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.GlobalOptions.Validate(args); err != nil {
				return err
			}
			ids, err := o.ids(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && o.Batch == "" {
				return fmt.Errorf("pass document ids or --batch")
			}
			return o.Run(cmd.Context(), ids)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *WatchOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVar(&o.Batch, "batch", o.Batch, "Watch every document of a batch")
	fs.BoolVar(&o.JSON, "json", o.JSON, "Print raw events as JSON lines")
	fs.BoolVar(&o.Poll, "poll", o.Poll, "Poll instead of holding a stream open")
}

func (o *WatchOptions) ids(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := parseID(DocumentKind, arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (o *WatchOptions) Run(ctx context.Context, ids []uuid.UUID) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	if o.Poll {
		return o.poll(ctx, c, ids)
	}

	for {
		err := c.Watch(ctx, ids, o.Batch, o.print)
		// the server bounds stream lifetime; pick up where it left off
		if !errors.Is(err, client.ErrStreamClosed) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (o *WatchOptions) poll(ctx context.Context, c *client.Client, ids []uuid.UUID) error {
	var last map[string]stream.Status
	for {
		res, err := c.PollStatus(ctx, ids, o.Batch)
		if err != nil {
			return err
		}

		var changed []stream.Status
		current := make(map[string]stream.Status, len(res.Documents))
		for _, s := range res.Documents {
			current[s.ID] = s
			if prev, ok := last[s.ID]; !ok || prev != s {
				changed = append(changed, s)
			}
		}
		last = current

		eventType := stream.EventUpdate
		if res.Done {
			eventType = stream.EventDone
		}
		if len(changed) > 0 || res.Done {
			if err := o.print(stream.Event{Type: eventType, Documents: changed, At: time.Now().UTC()}); err != nil {
				return err
			}
		}
		if res.Done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(res.RetryAfterMs) * time.Millisecond):
		}
	}
}

func (o *WatchOptions) print(e stream.Event) error {
	if o.JSON {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	if e.Type == stream.EventDone {
		fmt.Println("all documents done")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	for _, s := range e.Documents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", s.ID, s.Status, dash(s.Stage), s.Progress, dash(s.Message))
	}
	return w.Flush()
}
