package consent

import (
	"encoding/json"
	"fmt"
	"strings"
)

type fhirPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type fhirProvision struct {
	Type   string      `json:"type"`
	Period *fhirPeriod `json:"period"`
	Code   []struct {
		Coding []struct {
			System string `json:"system"`
			Code   string `json:"code"`
		} `json:"coding"`
	} `json:"code"`
	Provision []fhirProvision `json:"provision"`
}

type fhirConsent struct {
	ResourceType string `json:"resourceType"`
	Patient      struct {
		Reference string `json:"reference"`
	} `json:"patient"`
	Provision fhirProvision `json:"provision"`
}

// ParseConsent reads a FHIR Consent resource into the patient id and its
// provisions. Nested provisions of type "permit" grant their codes over their
// period; "deny" provisions are cut out of the granted windows afterwards.
func ParseConsent(raw json.RawMessage) (PatientConsentInfo, error) {
	var resource fhirConsent
	if err := json.Unmarshal(raw, &resource); err != nil {
		return PatientConsentInfo{}, fmt.Errorf("error parsing consent: %w", err)
	}
	if resource.ResourceType != "Consent" {
		return PatientConsentInfo{}, fmt.Errorf("expected Consent resource, got %q", resource.ResourceType)
	}

	patientID, ok := strings.CutPrefix(resource.Patient.Reference, "Patient/")
	if !ok || patientID == "" {
		return PatientConsentInfo{}, fmt.Errorf("consent has no patient reference")
	}

	permits := Provisions{}
	denies := Provisions{}
	for _, provision := range resource.Provision.Provision {
		if provision.Period == nil {
			continue
		}
		period, err := ParsePeriod(provision.Period.Start, provision.Period.End)
		if err != nil {
			return PatientConsentInfo{}, fmt.Errorf("error parsing provision period: %w", err)
		}

		target := permits
		if provision.Type == "deny" {
			target = denies
		}
		for _, code := range provision.Code {
			for _, coding := range code.Coding {
				target[coding.Code] = append(target[coding.Code], period)
			}
		}
	}

	for code, denied := range denies {
		granted, ok := permits[code]
		if !ok {
			continue
		}
		for _, deny := range denied {
			granted = granted.Subtract(deny)
		}
		permits[code] = granted
	}

	return PatientConsentInfo{PatientID: patientID, Provisions: permits}, nil
}
