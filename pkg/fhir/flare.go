package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const flareExecutePath = "/query/execute-cohort"

// FlareClient resolves structured cohort queries into patient ids
type FlareClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewFlareClient(baseURL string, timeout time.Duration) *FlareClient {
	return &FlareClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// RunCohortQuery posts the definition unchanged and returns the de-duplicated
// patient ids in response order
func (c *FlareClient) RunCohortQuery(ctx context.Context, cohortDefinition string) ([]string, error) {
	if strings.TrimSpace(cohortDefinition) == "" {
		return nil, fmt.Errorf("empty cohort definition")
	}

	body, err := do(ctx, c.httpClient, nil, http.MethodPost, c.baseURL+flareExecutePath,
		[]byte(cohortDefinition), "application/sq+json")
	if err != nil {
		return nil, fmt.Errorf("execute cohort: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("decode cohort: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	patients := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimPrefix(id, "Patient/")
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		patients = append(patients, id)
	}

	log.Info().Int("patients", len(patients)).Msg("Cohort resolved")
	return patients, nil
}
