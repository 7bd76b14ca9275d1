package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"sync"
	"testing"

	"torch/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	mu        sync.Mutex
	resources map[string][]string
	errs      map[string]error
	queries   map[string][]url.Values
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		resources: map[string][]string{},
		errs:      map[string]error{},
		queries:   map[string][]url.Values{},
	}
}

func (f *fakeSearcher) Search(ctx context.Context, resourceType string, params url.Values) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[resourceType] = append(f.queries[resourceType], params)
	if err := f.errs[resourceType]; err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(f.resources[resourceType]))
	for _, r := range f.resources[resourceType] {
		out = append(out, json.RawMessage(r))
	}
	return out, nil
}

const consentP1 = `{
  "resourceType": "Consent",
  "patient": {"reference": "Patient/P1"},
  "provision": {"provision": [
    {"type": "permit", "period": {"start": "2020-01-01", "end": "2025-12-31"},
     "code": [{"coding": [{"code": "MDAT"}]}]}
  ]}
}`

func batchSelection(params model.JobParameters, patients ...string) model.BatchSelection {
	job := model.NewJob(params)
	batch := model.PatientBatch{ID: "b1", PatientIDs: patients}
	job.Batches[batch.ID] = model.BatchState{State: model.NewWorkUnitState().ClaimNow()}
	return model.BatchSelection{Job: job, Batch: batch}
}

func ids(t *testing.T, resources []json.RawMessage) []string {
	t.Helper()
	out := make([]string, 0, len(resources))
	for _, raw := range resources {
		header, err := parseHeader(raw)
		require.NoError(t, err)
		out = append(out, header.ResourceType+"/"+header.ID)
	}
	sort.Strings(out)
	return out
}

func TestProcessBatchAppliesConsentWindows(t *testing.T) {
	fhir := newFakeSearcher()
	fhir.resources["Consent"] = []string{consentP1}
	fhir.resources["Encounter"] = []string{
		`{"resourceType":"Encounter","id":"e1","subject":{"reference":"Patient/P1"},"period":{"start":"2021-06-01","end":"2021-06-03"}}`,
	}
	fhir.resources["Patient"] = []string{
		`{"resourceType":"Patient","id":"P1"}`,
		`{"resourceType":"Patient","id":"P2"}`,
	}
	fhir.resources["Observation"] = []string{
		`{"resourceType":"Observation","id":"before-encounter","subject":{"reference":"Patient/P1"},"effectiveDateTime":"2021-01-15"}`,
		`{"resourceType":"Observation","id":"inside","subject":{"reference":"Patient/P1"},"effectiveDateTime":"2022-03-01T10:00:00Z",
		  "performer":[{"reference":"Organization/org1"}],"hasMember":[{"reference":"Observation/x"}]}`,
		`{"resourceType":"Observation","id":"undated","subject":{"reference":"Patient/P1"}}`,
		`{"resourceType":"Observation","id":"no-consent","subject":{"reference":"Patient/P2"},"effectiveDateTime":"2022-03-01"}`,
	}

	selection := batchSelection(model.JobParameters{
		ConsentCodes: []string{"MDAT"},
		AttributeGroups: []model.AttributeGroup{
			{ResourceType: "Patient"},
			{ResourceType: "Observation", SearchParams: "code=http://loinc.org|718-7"},
			{ResourceType: "Medication", Core: true},
		},
	}, "P1", "P2")

	result, err := NewService(fhir, 2).ProcessBatch(context.Background(), selection)
	require.NoError(t, err)

	assert.Equal(t, model.WorkUnitFinished, result.State.Status)
	assert.Equal(t, "b1", result.BatchID)
	require.Contains(t, result.Bundle.Patients, "P1")
	assert.NotContains(t, result.Bundle.Patients, "P2")
	assert.Equal(t, []string{"Observation/inside", "Patient/P1"}, ids(t, result.Bundle.Patients["P1"]))
	assert.Equal(t, []string{"Organization/org1"}, result.Bundle.CoreReferences)

	require.Len(t, result.Issues, 1)
	assert.Equal(t, model.SeverityInformation, result.Issues[0].Severity)
	assert.Contains(t, result.Issues[0].Msg, "1 of 2 patients")

	observationQuery := fhir.queries["Observation"][0]
	assert.Equal(t, "http://loinc.org|718-7", observationQuery.Get("code"))
	assert.Equal(t, "Patient/P1", observationQuery.Get("patient"), "patients without consent are not searched")
	assert.Equal(t, "Patient/P1,Patient/P2", fhir.queries["Consent"][0].Get("patient"))
	assert.NotContains(t, fhir.queries, "Medication", "core groups are left to the core unit")
}

func TestProcessBatchWithoutConsentKeepsEverything(t *testing.T) {
	fhir := newFakeSearcher()
	fhir.resources["Condition"] = []string{
		`{"resourceType":"Condition","id":"c1","subject":{"reference":"Patient/P1"}}`,
		`{"resourceType":"Condition","id":"c2","patient":{"reference":"Patient/P2"},"onsetDateTime":"1999"}`,
	}

	selection := batchSelection(model.JobParameters{
		AttributeGroups: []model.AttributeGroup{{ResourceType: "Condition"}},
	}, "P1", "P2")

	result, err := NewService(fhir, 1).ProcessBatch(context.Background(), selection)
	require.NoError(t, err)

	assert.Len(t, result.Bundle.Patients, 2)
	assert.Empty(t, result.Issues)
	assert.NotContains(t, fhir.queries, "Consent")
}

func TestProcessBatchPropagatesSearchErrors(t *testing.T) {
	fhir := newFakeSearcher()
	fhir.errs["Condition"] = errors.New("connection reset by peer")

	selection := batchSelection(model.JobParameters{
		AttributeGroups: []model.AttributeGroup{{ID: "diagnoses", ResourceType: "Condition"}},
	}, "P1")

	_, err := NewService(fhir, 4).ProcessBatch(context.Background(), selection)
	assert.ErrorContains(t, err, "attribute group diagnoses: connection reset by peer")
}

func TestProcessBatchRejectsInvalidConsent(t *testing.T) {
	fhir := newFakeSearcher()
	fhir.resources["Consent"] = []string{`{"resourceType":"Consent","patient":{"reference":"Patient/P1"},
		"provision":{"provision":[{"type":"permit","period":{"start":"not-a-date"},"code":[{"coding":[{"code":"MDAT"}]}]}]}}`}

	selection := batchSelection(model.JobParameters{ConsentCodes: []string{"MDAT"}}, "P1")

	_, err := NewService(fhir, 1).ProcessBatch(context.Background(), selection)
	assert.ErrorContains(t, err, "error parsing provision period")
}

func TestProcessBatchEmpty(t *testing.T) {
	result, err := NewService(newFakeSearcher(), 1).ProcessBatch(context.Background(), batchSelection(model.JobParameters{}))
	require.NoError(t, err)
	assert.Equal(t, model.WorkUnitFinished, result.State.Status)
	assert.Empty(t, result.Bundle.Patients)
}

func TestProcessCore(t *testing.T) {
	fhir := newFakeSearcher()
	fhir.resources["Organization"] = []string{`{"resourceType":"Organization","id":"org1"}`}
	fhir.resources["Medication"] = []string{
		`{"resourceType":"Medication","id":"m1"}`,
		`{"resourceType":"Medication","id":"m2"}`,
	}

	job := model.NewJob(model.JobParameters{
		AttributeGroups: []model.AttributeGroup{{ResourceType: "Medication", Core: true, SearchParams: "status=active"}},
	})
	core := model.CoreBundle{References: []string{"Organization/org1", "Medication/m1", "broken"}}

	result, err := NewService(fhir, 2).ProcessCore(context.Background(), job, core)
	require.NoError(t, err)

	assert.Equal(t, model.WorkUnitFinished, result.Status)
	assert.Equal(t, []string{"Medication/m1", "Medication/m2", "Organization/org1"}, ids(t, result.Bundle.Resources))
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "broken", result.Issues[0].Diagnostics)
	assert.Equal(t, "org1", fhir.queries["Organization"][0].Get("_id"))
}

func TestProcessCoreSkipsWhenNothingToResolve(t *testing.T) {
	job := model.NewJob(model.JobParameters{AttributeGroups: []model.AttributeGroup{{ResourceType: "Observation"}}})

	result, err := NewService(newFakeSearcher(), 1).ProcessCore(context.Background(), job, model.CoreBundle{})
	require.NoError(t, err)
	assert.Equal(t, model.WorkUnitSkipped, result.Status)
	assert.Nil(t, result.Bundle)
}

func TestResourcePeriod(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		start string
		end   string
		ok    bool
	}{
		{"dateTime", `{"effectiveDateTime":"2021-04-05T08:00:00+02:00"}`, "2021-04-05", "2021-04-05", true},
		{"period", `{"period":{"start":"2020-01-01","end":"2020-02-01"}}`, "2020-01-01", "2020-02-01", true},
		{"open period", `{"effectivePeriod":{"start":"2020-01-01"}}`, "2020-01-01", "2020-01-01", true},
		{"partial date", `{"recordedDate":"2019-07"}`, "2019-07-01", "2019-07-01", true},
		{"invalid falls through", `{"effectiveDateTime":"soon","issued":"2018-01-01T00:00:00Z"}`, "2018-01-01", "2018-01-01", true},
		{"none", `{"status":"final"}`, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			period, ok := resourcePeriod(json.RawMessage(tt.raw))
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.start+".."+tt.end, period.String())
			}
		})
	}
}
