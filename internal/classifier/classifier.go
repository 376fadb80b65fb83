// Package classifier calls the AI content classifier. Its output is advisory:
// Advisory never returns an error and always yields a usable value.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pactstake/settlement/internal/models"
	"go.uber.org/zap"
)

// Client is the raw classifier contract.
type Client interface {
	SuggestCategory(ctx context.Context, title, description string) (string, error)
	DraftProofRequirements(ctx context.Context, title string, category models.Category) (string, error)
}

// HTTPClient talks to the classifier's JSON API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type categoryRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type categoryResponse struct {
	Category string `json:"category"`
}

type requirementsRequest struct {
	Title    string `json:"title"`
	Category string `json:"category"`
}

type requirementsResponse struct {
	Requirements string `json:"requirements"`
}

func (c *HTTPClient) SuggestCategory(ctx context.Context, title, description string) (string, error) {
	var out categoryResponse
	if err := c.post(ctx, "/v1/categorize", categoryRequest{Title: title, Description: description}, &out); err != nil {
		return "", err
	}
	return out.Category, nil
}

func (c *HTTPClient) DraftProofRequirements(ctx context.Context, title string, category models.Category) (string, error) {
	var out requirementsResponse
	if err := c.post(ctx, "/v1/proof-requirements", requirementsRequest{Title: title, Category: string(category)}, &out); err != nil {
		return "", err
	}
	return out.Requirements, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("classifier unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier failed with status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// DefaultProofRequirements is used whenever no draft is available.
const DefaultProofRequirements = "Submit a photo or video taken with your camera during the pact window that clearly shows the goal was completed."

const maxRequirementsLen = 1000

// Advisory applies a deadline to a Client and replaces failures with defaults.
// A nil client always yields the defaults.
type Advisory struct {
	client  Client
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewAdvisory(client Client, timeout time.Duration, log *zap.SugaredLogger) *Advisory {
	return &Advisory{client: client, timeout: timeout, log: log}
}

// Category returns the suggested category, or CategoryOther.
func (a *Advisory) Category(ctx context.Context, title, description string) models.Category {
	if a == nil || a.client == nil {
		return models.CategoryOther
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.client.SuggestCategory(ctx, title, description)
	if err != nil {
		a.log.Warnw("category suggestion failed", "error", err)
		return models.CategoryOther
	}
	cat, err := models.ParseCategory(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || cat == "" {
		a.log.Warnw("classifier returned unknown category", "category", raw)
		return models.CategoryOther
	}
	return cat
}

// ProofRequirements returns a drafted requirement text, or the default.
func (a *Advisory) ProofRequirements(ctx context.Context, title string, category models.Category) string {
	if a == nil || a.client == nil {
		return DefaultProofRequirements
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	draft, err := a.client.DraftProofRequirements(ctx, title, category)
	if err != nil {
		a.log.Warnw("proof requirement draft failed", "error", err)
		return DefaultProofRequirements
	}
	draft = strings.TrimSpace(draft)
	if draft == "" || len(draft) > maxRequirementsLen {
		return DefaultProofRequirements
	}
	return draft
}
