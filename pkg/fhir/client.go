// Package fhir talks to the FHIR server the data is extracted from and to the
// Flare cohort evaluation service.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is a rate limited FHIR search client
type Client struct {
	httpClient    *http.Client
	baseURL       string
	pageSize      int
	requestTicker *time.Ticker
	requestChan   chan struct{}
}

// New creates a FHIR client. requestsPerMinute <= 0 disables rate limiting.
func New(baseURL string, pageSize int, requestsPerMinute int, timeout time.Duration) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageSize:   pageSize,
	}

	if requestsPerMinute > 0 {
		interval := time.Minute / time.Duration(requestsPerMinute)
		client.requestTicker = time.NewTicker(interval)

		// Buffer of 1 allows one immediate request
		client.requestChan = make(chan struct{}, 1)
		client.requestChan <- struct{}{}

		go func(ticker *time.Ticker, tokens chan struct{}) {
			for range ticker.C {
				select {
				case tokens <- struct{}{}:
				default:
					log.Trace().Msg("FHIR request channel full, skipping token")
				}
			}
		}(client.requestTicker, client.requestChan)

		log.Info().
			Int("requests_per_minute", requestsPerMinute).
			Dur("request_interval", interval).
			Msg("FHIR client rate limited")
	}

	log.Info().
		Str("base_url", client.baseURL).
		Int("page_size", pageSize).
		Dur("timeout", timeout).
		Msg("FHIR client initialized")
	return client
}

// Close stops the rate limit ticker
func (c *Client) Close() {
	if c.requestTicker != nil {
		c.requestTicker.Stop()
	}
}

// StatusError is returned for every non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if err := json.Unmarshal([]byte(e.Body), &outcome); err == nil &&
		outcome.ResourceType == "OperationOutcome" && len(outcome.Issue) > 0 && outcome.Issue[0].Diagnostics != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, outcome.Issue[0].Diagnostics)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// HTTPStatus lets failure.IsRetryable classify the error
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Bundle is the subset of a FHIR searchset Bundle the client reads
type Bundle struct {
	ResourceType string `json:"resourceType"`
	Link         []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
		Search   struct {
			Mode string `json:"mode"`
		} `json:"search"`
	} `json:"entry"`
}

// Next returns the url of the following page, if any
func (b *Bundle) Next() (string, bool) {
	for _, link := range b.Link {
		if link.Relation == "next" && link.URL != "" {
			return link.URL, true
		}
	}
	return "", false
}

// Search runs a type-level search and follows next links until every page is read.
// Entries with search mode "outcome" are dropped.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]json.RawMessage, error) {
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	if c.pageSize > 0 && query.Get("_count") == "" {
		query.Set("_count", strconv.Itoa(c.pageSize))
	}

	next := c.baseURL + "/" + resourceType
	if encoded := query.Encode(); encoded != "" {
		next += "?" + encoded
	}

	var resources []json.RawMessage
	pages := 0
	for next != "" {
		body, err := c.request(ctx, http.MethodGet, next, nil, "")
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", resourceType, err)
		}

		var bundle Bundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, fmt.Errorf("decode %s bundle: %w", resourceType, err)
		}
		if bundle.ResourceType != "Bundle" {
			return nil, fmt.Errorf("search %s: expected Bundle, got %q", resourceType, bundle.ResourceType)
		}

		for _, entry := range bundle.Entry {
			if entry.Search.Mode == "outcome" || len(entry.Resource) == 0 {
				continue
			}
			resources = append(resources, entry.Resource)
		}
		pages++

		next, _ = bundle.Next()
	}

	log.Debug().
		Str("resource_type", resourceType).
		Int("pages", pages).
		Int("resources", len(resources)).
		Msg("FHIR search finished")
	return resources, nil
}

// Metadata fetches the capability statement, used as a health check
func (c *Client) Metadata(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, c.baseURL+"/metadata", nil, "")
	return err
}

func (c *Client) wait(ctx context.Context) error {
	if c.requestChan == nil {
		return nil
	}
	select {
	case <-c.requestChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) request(ctx context.Context, method, target string, body []byte, contentType string) ([]byte, error) {
	return do(ctx, c.httpClient, c.wait, method, target, body, contentType)
}

// do executes one request and reads the full response. Non-2xx responses become
// a *StatusError.
func do(ctx context.Context, httpClient *http.Client, wait func(context.Context) error, method, target string, body []byte, contentType string) ([]byte, error) {
	requestID := fmt.Sprintf("req_%d", time.Now().UnixNano())
	startTime := time.Now()

	if wait != nil {
		if err := wait(ctx); err != nil {
			return nil, err
		}
		log.Trace().
			Str("request_id", requestID).
			Dur("wait_duration", time.Since(startTime)).
			Msg("Acquired rate limit token")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json, application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	execStart := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		log.Error().
			Str("request_id", requestID).
			Err(err).
			Str("method", method).
			Str("url", target).
			Dur("exec_duration", time.Since(execStart)).
			Msg("Error executing request")
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	readStart := time.Now()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		log.Warn().
			Str("request_id", requestID).
			Err(statusErr).
			Str("method", method).
			Str("url", target).
			Int("status_code", resp.StatusCode).
			Dur("total_duration", time.Since(startTime)).
			Msg("Request returned error status")
		return nil, statusErr
	}

	log.Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("url", target).
		Int("status_code", resp.StatusCode).
		Int("response_size", len(respBody)).
		Dur("exec_duration", readStart.Sub(execStart)).
		Dur("read_duration", time.Since(readStart)).
		Dur("total_duration", time.Since(startTime)).
		Msg("Request completed")
	return respBody, nil
}
