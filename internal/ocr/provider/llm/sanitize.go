package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/carbontrack/docpipeline/internal/extraction"
	"github.com/carbontrack/docpipeline/internal/store/model"
)

// sanitize makes a model answer fit the category schema: unknown keys, nulls
// and empty strings are dropped, numbers become strings and the confidence is
// clamped. It returns the keys it had to drop.
func sanitize(raw []byte, category model.Category) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	known := map[string]bool{}
	for _, name := range extraction.FieldNames(category) {
		known[name] = true
	}

	var dropped []string
	fields := map[string]any{}
	// some models answer with a flat object
	source, ok := m["fields"].(map[string]any)
	if !ok {
		source = m
	}
	for k, v := range source {
		if !known[k] {
			if k != "confidence" && k != "fields" {
				dropped = append(dropped, k)
			}
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				fields[k] = s
			} else {
				dropped = append(dropped, k+"(empty)")
			}
		case float64:
			fields[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(t)
		case nil:
			dropped = append(dropped, k+"(null)")
		default:
			dropped = append(dropped, k+"(type)")
		}
	}

	out := map[string]any{"fields": fields}
	switch c := m["confidence"].(type) {
	case float64:
		out["confidence"] = min(max(c, 0), 1)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
			out["confidence"] = min(max(f, 0), 1)
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	return b, dropped, nil
}
