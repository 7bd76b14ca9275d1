package consent

// PatientConsentInfo holds the provisions of one patient
type PatientConsentInfo struct {
	PatientID  string
	Provisions Provisions
}

// AdjustToEarliestEncounter tightens every period to the earliest encounter that
// starts strictly inside it. Unlike UpdateConsentPeriodsByPatientEncounters, the
// order of encounters does not matter here.
func (p PatientConsentInfo) AdjustToEarliestEncounter(encounters []Period) PatientConsentInfo {
	adjusted := make(Provisions, len(p.Provisions))
	for code, periods := range p.Provisions {
		next := make(NonContinuousPeriod, len(periods))
		for i, period := range periods {
			if earliest, ok := earliestStartWithin(period, encounters); ok {
				period.Start = earliest.Start
			}
			next[i] = period
		}
		adjusted[code] = next
	}
	return PatientConsentInfo{PatientID: p.PatientID, Provisions: adjusted}
}

func earliestStartWithin(period Period, encounters []Period) (Period, bool) {
	var (
		earliest Period
		found    bool
	)
	for _, encounter := range encounters {
		if !encounter.Start.After(period.Start) || !encounter.Start.Before(period.End) {
			continue
		}
		if !found || encounter.Start.Before(earliest.Start) {
			earliest = encounter
			found = true
		}
	}
	return earliest, found
}

// ConsentInfo carries the consent state of all patients of a batch
type ConsentInfo struct {
	ApplyConsent bool
	Codes        []string
	Provisions   map[string]Provisions
}

// NewConsentInfo builds the info for a batch; with no codes consent is not applied
func NewConsentInfo(codes []string, patients []PatientConsentInfo) ConsentInfo {
	info := ConsentInfo{
		ApplyConsent: len(codes) > 0,
		Codes:        codes,
		Provisions:   make(map[string]Provisions, len(patients)),
	}
	for _, patient := range patients {
		info.Provisions[patient.PatientID] = patient.Provisions
	}
	return info
}

// Allows decides whether a resource of the patient dated to resource may be extracted
func (c ConsentInfo) Allows(patientID string, resource Period) bool {
	if !c.ApplyConsent {
		return true
	}
	provisions, ok := c.Provisions[patientID]
	if !ok {
		return false
	}
	return provisions.Permits(resource, c.Codes)
}

// HasConsent reports whether the patient has any provisions at all
func (c ConsentInfo) HasConsent(patientID string) bool {
	if !c.ApplyConsent {
		return true
	}
	return len(c.Provisions[patientID]) > 0
}
