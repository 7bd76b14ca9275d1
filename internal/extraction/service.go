// Package extraction fetches the resources of a batch or of the core from the
// FHIR server and applies the consent windows of each patient.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"torch/internal/consent"
	"torch/internal/model"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Searcher runs FHIR type-level searches across all pages
type Searcher interface {
	Search(ctx context.Context, resourceType string, params url.Values) ([]json.RawMessage, error)
}

// defaultCoreTypes are collected as core references even when no core
// attribute group names them
var defaultCoreTypes = []string{
	"Medication",
	"Organization",
	"Practitioner",
	"PractitionerRole",
	"Location",
	"Substance",
	"Device",
}

// idsPerSearch bounds the ids sent in one _id or patient search
const idsPerSearch = 100

type Service struct {
	fhir           Searcher
	maxConcurrency int
}

func NewService(fhir Searcher, maxConcurrency int) *Service {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Service{fhir: fhir, maxConcurrency: maxConcurrency}
}

// ProcessBatch extracts the non-core attribute groups for the patients of one batch
func (s *Service) ProcessBatch(ctx context.Context, selection model.BatchSelection) (model.BatchResult, error) {
	job := selection.Job
	params := job.Parameters
	logger := log.With().Str("jobId", job.JobID()).Str("batchId", selection.Batch.ID).Logger()

	result := model.BatchResult{
		JobID:   job.JobID(),
		BatchID: selection.Batch.ID,
		Bundle: &model.PatientBundle{
			Patients:       map[string][]json.RawMessage{},
			CoreReferences: []string{},
		},
		Issues: []model.Issue{},
	}
	state, _ := selection.BatchState()

	patients := selection.Batch.PatientIDs
	if len(patients) == 0 {
		result.State = state.State.FinishNow(model.WorkUnitFinished)
		return result, nil
	}

	info := consent.NewConsentInfo(nil, nil)
	if params.ApplyConsent() {
		var err error
		info, err = s.loadConsent(ctx, patients, params.ConsentCodes)
		if err != nil {
			return model.BatchResult{}, err
		}

		var allowed []string
		for _, id := range patients {
			if info.HasConsent(id) {
				allowed = append(allowed, id)
			}
		}
		if dropped := len(patients) - len(allowed); dropped > 0 {
			result.Issues = append(result.Issues, model.NewIssue(model.SeverityInformation,
				fmt.Sprintf("%d of %d patients have no consent for %s", dropped, len(patients), strings.Join(params.ConsentCodes, ", ")), ""))
		}
		patients = allowed
	}
	if len(patients) == 0 {
		result.State = state.State.FinishNow(model.WorkUnitFinished)
		return result, nil
	}

	coreTypes := coreTypeSet(params.AttributeGroups)
	groups := make([]model.AttributeGroup, 0, len(params.AttributeGroups))
	for _, group := range params.AttributeGroups {
		if !group.Core {
			groups = append(groups, group)
		}
	}

	fetched := make([][]json.RawMessage, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			resources, err := s.searchForPatients(gctx, group, patients)
			if err != nil {
				return fmt.Errorf("attribute group %s: %w", groupName(group), err)
			}
			fetched[i] = resources
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.BatchResult{}, err
	}

	refs := map[string]struct{}{}
	excluded := 0
	for _, resources := range fetched {
		for _, raw := range resources {
			header, err := parseHeader(raw)
			if err != nil {
				return model.BatchResult{}, fmt.Errorf("decode resource: %w", err)
			}
			patientID, ok := header.PatientID()
			if !ok {
				continue
			}
			if !allowedByConsent(info, patientID, header, raw) {
				excluded++
				continue
			}

			result.Bundle.Patients[patientID] = append(result.Bundle.Patients[patientID], raw)
			for _, ref := range references(raw, coreTypes) {
				refs[ref] = struct{}{}
			}
		}
	}

	for ref := range refs {
		result.Bundle.CoreReferences = append(result.Bundle.CoreReferences, ref)
	}
	sort.Strings(result.Bundle.CoreReferences)

	logger.Info().
		Int("patients", len(result.Bundle.Patients)).
		Int("excluded", excluded).
		Int("coreReferences", len(result.Bundle.CoreReferences)).
		Msg("Batch extracted")

	result.State = state.State.FinishNow(model.WorkUnitFinished)
	return result, nil
}

// allowedByConsent keeps the Patient resource of a consenting patient; every
// other resource needs a clinical date inside the consent windows
func allowedByConsent(info consent.ConsentInfo, patientID string, header resourceHeader, raw json.RawMessage) bool {
	if !info.ApplyConsent {
		return true
	}
	if header.ResourceType == "Patient" {
		return info.HasConsent(patientID)
	}
	period, ok := resourcePeriod(raw)
	if !ok {
		return false
	}
	return info.Allows(patientID, period)
}

// ProcessCore resolves the references collected by the batches and the core
// attribute groups. With nothing to resolve the core is skipped.
func (s *Service) ProcessCore(ctx context.Context, job *model.Job, core model.CoreBundle) (model.CoreResult, error) {
	var groups []model.AttributeGroup
	for _, group := range job.Parameters.AttributeGroups {
		if group.Core {
			groups = append(groups, group)
		}
	}

	result := model.CoreResult{JobID: job.JobID(), Issues: []model.Issue{}}
	if len(core.References) == 0 && len(groups) == 0 {
		result.Status = model.WorkUnitSkipped
		return result, nil
	}

	byType := map[string][]string{}
	for _, ref := range core.References {
		resourceType, id, ok := strings.Cut(ref, "/")
		if !ok || id == "" {
			result.Issues = append(result.Issues, model.NewIssue(model.SeverityWarning,
				"Ignored malformed core reference", ref))
			continue
		}
		byType[resourceType] = append(byType[resourceType], id)
	}
	types := make([]string, 0, len(byType))
	for resourceType := range byType {
		types = append(types, resourceType)
	}
	sort.Strings(types)

	var searches []func(context.Context) ([]json.RawMessage, error)
	for _, resourceType := range types {
		resourceType := resourceType
		for _, chunk := range model.SplitIntoBatches(byType[resourceType], idsPerSearch) {
			chunk := chunk
			searches = append(searches, func(ctx context.Context) ([]json.RawMessage, error) {
				return s.fhir.Search(ctx, resourceType, url.Values{"_id": {strings.Join(chunk, ",")}})
			})
		}
	}
	for _, group := range groups {
		group := group
		searches = append(searches, func(ctx context.Context) ([]json.RawMessage, error) {
			query, err := url.ParseQuery(group.SearchParams)
			if err != nil {
				return nil, fmt.Errorf("attribute group %s: invalid search params: %w", groupName(group), err)
			}
			return s.fhir.Search(ctx, group.ResourceType, query)
		})
	}

	fetched := make([][]json.RawMessage, len(searches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i, search := range searches {
		i, search := i, search
		g.Go(func() error {
			resources, err := search(gctx)
			if err != nil {
				return err
			}
			fetched[i] = resources
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.CoreResult{}, err
	}

	seen := map[string]struct{}{}
	bundle := &model.CoreBundle{References: core.References, Resources: []json.RawMessage{}}
	for _, resources := range fetched {
		for _, raw := range resources {
			header, err := parseHeader(raw)
			if err != nil {
				return model.CoreResult{}, fmt.Errorf("decode resource: %w", err)
			}
			key := header.ResourceType + "/" + header.ID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			bundle.Resources = append(bundle.Resources, raw)
		}
	}

	log.Info().
		Str("jobId", job.JobID()).
		Int("references", len(core.References)).
		Int("resources", len(bundle.Resources)).
		Msg("Core extracted")

	result.Status = model.WorkUnitFinished
	result.Bundle = bundle
	return result, nil
}

// loadConsent builds the consent windows of the patients from their Consent
// resources, tightened by their encounters
func (s *Service) loadConsent(ctx context.Context, patients []string, codes []string) (consent.ConsentInfo, error) {
	var consents, encounters []json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		consents, err = s.searchByPatient(gctx, "Consent", nil, patients)
		return err
	})
	g.Go(func() error {
		var err error
		encounters, err = s.searchByPatient(gctx, "Encounter", nil, patients)
		return err
	})
	if err := g.Wait(); err != nil {
		return consent.ConsentInfo{}, fmt.Errorf("load consent: %w", err)
	}

	provisions := map[string][]consent.Provisions{}
	for _, raw := range consents {
		patient, err := consent.ParseConsent(raw)
		if err != nil {
			return consent.ConsentInfo{}, err
		}
		provisions[patient.PatientID] = append(provisions[patient.PatientID], patient.Provisions)
	}

	visits := map[string][]consent.Period{}
	for _, raw := range encounters {
		header, err := parseHeader(raw)
		if err != nil {
			return consent.ConsentInfo{}, fmt.Errorf("decode encounter: %w", err)
		}
		patientID, ok := header.PatientID()
		if !ok {
			continue
		}
		if period, ok := resourcePeriod(raw); ok {
			visits[patientID] = append(visits[patientID], period)
		}
	}

	infos := make([]consent.PatientConsentInfo, 0, len(provisions))
	for patientID, all := range provisions {
		merged := consent.MergeProvisions(all)
		infos = append(infos, consent.PatientConsentInfo{
			PatientID:  patientID,
			Provisions: merged.UpdateConsentPeriodsByPatientEncounters(visits[patientID]),
		})
	}
	return consent.NewConsentInfo(codes, infos), nil
}

func (s *Service) searchForPatients(ctx context.Context, group model.AttributeGroup, patients []string) ([]json.RawMessage, error) {
	query, err := url.ParseQuery(group.SearchParams)
	if err != nil {
		return nil, fmt.Errorf("invalid search params: %w", err)
	}
	return s.searchByPatient(ctx, group.ResourceType, query, patients)
}

// searchByPatient restricts a search to the given patients, chunking the id list
func (s *Service) searchByPatient(ctx context.Context, resourceType string, query url.Values, patients []string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for _, chunk := range model.SplitIntoBatches(patients, idsPerSearch) {
		params := url.Values{}
		for key, values := range query {
			params[key] = values
		}
		if resourceType == "Patient" {
			params.Set("_id", strings.Join(chunk, ","))
		} else {
			refs := make([]string, len(chunk))
			for i, id := range chunk {
				refs[i] = "Patient/" + id
			}
			params.Set("patient", strings.Join(refs, ","))
		}

		resources, err := s.fhir.Search(ctx, resourceType, params)
		if err != nil {
			return nil, err
		}
		all = append(all, resources...)
	}
	return all, nil
}

func coreTypeSet(groups []model.AttributeGroup) map[string]struct{} {
	types := make(map[string]struct{}, len(defaultCoreTypes)+len(groups))
	for _, t := range defaultCoreTypes {
		types[t] = struct{}{}
	}
	for _, group := range groups {
		if group.Core {
			types[group.ResourceType] = struct{}{}
		}
	}
	return types
}

func groupName(group model.AttributeGroup) string {
	if group.ID != "" {
		return group.ID
	}
	return group.ResourceType
}
