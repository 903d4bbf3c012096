// Package extraction turns document text into the structured fields the
// emission calculations need for each category.
package extraction

import (
	"github.com/carbontrack/docpipeline/internal/store/model"
)

type Result struct {
	Fields map[string]string
	// Completeness is the share of required fields found.
	Completeness float64
	Missing      []string
}

// Extract runs the field finders of category over text.
func Extract(category model.Category, text string) Result {
	specs := specsFor(category)

	res := Result{Fields: map[string]string{}}
	required, found := 0, 0
	for _, spec := range specs {
		v, ok := spec.find(text)
		if ok {
			res.Fields[spec.name] = v
		}
		if spec.required {
			required++
			if ok {
				found++
			} else {
				res.Missing = append(res.Missing, spec.name)
			}
		}
	}

	if required == 0 {
		res.Completeness = 1
	} else {
		res.Completeness = float64(found) / float64(required)
	}
	return res
}

// Merge overlays fields on top of base, ignoring empty values.
func Merge(base, fields map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Score recomputes the completeness of an already merged field set.
func Score(category model.Category, fields map[string]string) float64 {
	required, found := 0, 0
	for _, spec := range specsFor(category) {
		if !spec.required {
			continue
		}
		required++
		if fields[spec.name] != "" {
			found++
		}
	}
	if required == 0 {
		return 1
	}
	return float64(found) / float64(required)
}

// FieldNames lists the fields known for category, required ones first.
func FieldNames(category model.Category) []string {
	specs := specsFor(category)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.name)
	}
	return names
}

func RequiredFields(category model.Category) []string {
	var names []string
	for _, s := range specsFor(category) {
		if s.required {
			names = append(names, s.name)
		}
	}
	return names
}

func specsFor(category model.Category) []fieldSpec {
	if specs, ok := schemas[category]; ok {
		return specs
	}
	return schemas[model.CategoryOther]
}
