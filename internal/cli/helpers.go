package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/carbontrack/docpipeline/internal/client"
	"github.com/carbontrack/docpipeline/internal/handlers/v1/mappers"
	"github.com/carbontrack/docpipeline/internal/queue"
)

const (
	DocumentKind = "document"
	JobKind      = "job"
	QueueKind    = "queue"

	jsonFormat = "json"
	yamlFormat = "yaml"
)

var (
	legalOutputTypes = []string{jsonFormat, yamlFormat}

	pluralKinds = map[string]string{
		DocumentKind: "documents",
		JobKind:      "jobs",
		QueueKind:    "queue",
	}
)

func parseAndValidateKindId(arg string) (string, *uuid.UUID, error) {
	kind, idStr, _ := strings.Cut(arg, "/")
	kind = singular(kind)
	if _, ok := pluralKinds[kind]; !ok {
		return "", nil, fmt.Errorf("invalid resource kind: %s", kind)
	}
	if len(idStr) == 0 {
		return kind, nil, nil
	}
	if kind == QueueKind {
		return "", nil, fmt.Errorf("queue takes no id")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid ID: %w", err)
	}
	return kind, &id, nil
}

// parseID accepts either a bare uuid or KIND/uuid for the given kind.
func parseID(kind, arg string) (uuid.UUID, error) {
	if strings.Contains(arg, "/") {
		k, id, err := parseAndValidateKindId(arg)
		if err != nil {
			return uuid.Nil, err
		}
		if k != kind || id == nil {
			return uuid.Nil, fmt.Errorf("expected %s/ID, got %s", kind, arg)
		}
		return *id, nil
	}
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid ID: %w", err)
	}
	return id, nil
}

func singular(kind string) string {
	for singular, plural := range pluralKinds {
		if kind == plural {
			return singular
		}
	}
	return kind
}

func plural(kind string) string {
	return pluralKinds[kind]
}

// printResource writes v as json or yaml. An empty output falls back to the
// table printer.
func printResource(w io.Writer, output string, v any) error {
	switch output {
	case jsonFormat:
		marshalled, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(w, "%s\n", string(marshalled))
		return nil
	case yamlFormat:
		marshalled, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(w, "%s\n", string(marshalled))
		return nil
	default:
		return printTable(w, v)
	}
}

func printTable(out io.Writer, v any) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, '\t', 0)
	switch r := v.(type) {
	case *mappers.Document:
		printDocumentsTable(w, *r)
	case []mappers.Document:
		printDocumentsTable(w, r...)
	case *queue.JobStatus:
		printJobsTable(w, *r)
	case []queue.JobStatus:
		printJobsTable(w, r...)
	case *client.QueueState:
		printQueueTable(w, r)
	default:
		return fmt.Errorf("unknown resource type %T", v)
	}
	return w.Flush()
}

func printDocumentsTable(w io.Writer, docs ...mappers.Document) {
	fmt.Fprintln(w, "ID\tFILENAME\tCATEGORY\tSTATUS\tPROGRESS\tQUEUE\tMESSAGE")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n", d.ID, d.Filename, d.Category, d.Status, d.ProcessingProgress, dash(d.QueueStatus), dash(d.ProcessingMessage))
	}
}

func printJobsTable(w io.Writer, jobs ...queue.JobStatus) {
	fmt.Fprintln(w, "ID\tDOCUMENT\tSTATE\tATTEMPT\tSTAGE\tPROGRESS\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%d%%\t%s\n", j.ID, j.DocumentID, j.State, j.Attempt, j.MaxAttempts, dash(j.Stage), j.Progress, dash(j.LastError))
	}
}

func printQueueTable(w io.Writer, q *client.QueueState) {
	fmt.Fprintf(w, "PAUSED\t%t\n", q.Paused)
	for _, state := range []string{"created", "active", "completed", "failed", "cancelled"} {
		fmt.Fprintf(w, "%s\t%d\n", strings.ToUpper(state), q.Jobs[state])
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
