package consent

// Provisions maps a consent code to the windows in which it is granted
type Provisions map[string]NonContinuousPeriod

// UpdateConsentPeriodsByPatientEncounters applies every encounter to every code
// in the order given, so for each period the last matching encounter wins.
func (p Provisions) UpdateConsentPeriodsByPatientEncounters(encounters []Period) Provisions {
	updated := p.clone()
	for _, encounter := range encounters {
		for code, periods := range updated {
			updated[code] = periods.Update(encounter)
		}
	}
	return updated
}

// Permits is true when resource lies within the windows of every given code
func (p Provisions) Permits(resource Period, codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	for _, code := range codes {
		periods, ok := p[code]
		if !ok || !periods.Within(resource) {
			return false
		}
	}
	return true
}

func (p Provisions) clone() Provisions {
	c := make(Provisions, len(p))
	for code, periods := range p {
		c[code] = append(NonContinuousPeriod(nil), periods...)
	}
	return c
}

// MergeProvisions unions all inputs by code, concatenating colliding period lists
func MergeProvisions(all []Provisions) Provisions {
	merged := Provisions{}
	for _, provisions := range all {
		for code, periods := range provisions {
			merged[code] = merged[code].Merge(periods)
		}
	}
	return merged
}
