package extraction

import (
	"encoding/json"
	"sort"
	"strings"

	"torch/internal/consent"
)

// resourceHeader is the part of every resource the extraction looks at
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Subject      struct {
		Reference string `json:"reference"`
	} `json:"subject"`
	Patient struct {
		Reference string `json:"reference"`
	} `json:"patient"`
}

func parseHeader(raw json.RawMessage) (resourceHeader, error) {
	var header resourceHeader
	err := json.Unmarshal(raw, &header)
	return header, err
}

// PatientID returns the id of the patient the resource belongs to
func (h resourceHeader) PatientID() (string, bool) {
	if h.ResourceType == "Patient" {
		return h.ID, h.ID != ""
	}
	for _, ref := range []string{h.Subject.Reference, h.Patient.Reference} {
		if id, ok := strings.CutPrefix(ref, "Patient/"); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// datedFields lists the clinical date elements in the order they are tried.
// dateTime elements produce a single-day period.
var datedFields = []string{
	"effectiveDateTime",
	"effectivePeriod",
	"onsetDateTime",
	"onsetPeriod",
	"performedDateTime",
	"performedPeriod",
	"authoredOn",
	"recordedDate",
	"occurrenceDateTime",
	"period",
	"issued",
	"date",
}

// resourcePeriod finds the clinical date of a resource
func resourcePeriod(raw json.RawMessage) (consent.Period, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return consent.Period{}, false
	}

	for _, name := range datedFields {
		value, ok := fields[name]
		if !ok {
			continue
		}

		var date string
		if err := json.Unmarshal(value, &date); err == nil {
			period, err := consent.ParsePeriod(date, "")
			if err == nil {
				return period, true
			}
			continue
		}

		var period struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}
		if err := json.Unmarshal(value, &period); err != nil || period.Start == "" {
			continue
		}
		if period.End == "" {
			period.End = period.Start
		}
		if parsed, err := consent.ParsePeriod(period.Start, period.End); err == nil {
			return parsed, true
		}
	}
	return consent.Period{}, false
}

// references collects every "Type/id" reference whose type is in types
func references(raw json.RawMessage, types map[string]struct{}) []string {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}

	found := map[string]struct{}{}
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			for key, child := range node {
				if ref, ok := child.(string); ok && key == "reference" {
					if resourceType, id, ok := strings.Cut(ref, "/"); ok && id != "" {
						if _, wanted := types[resourceType]; wanted {
							found[ref] = struct{}{}
						}
					}
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(value)

	refs := make([]string, 0, len(found))
	for ref := range found {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
