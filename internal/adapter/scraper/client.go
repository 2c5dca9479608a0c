// Package scraper implements the fire-and-poll client over the external
// social-media scraping provider (Apify-shaped): submit an actor run, poll
// until it finishes, fetch the dataset, and normalize the raw items into the
// fixed ScrapedPost shape.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/feedpulse/signalpipe/internal/config"
	"github.com/feedpulse/signalpipe/internal/domain"
)

const maxErrSnippet = 2048

// Client is the domain.ScraperClient implementation over the Apify-shaped
// actor-run API.
type Client struct {
	cfg       config.Config
	hc        *http.Client
	templates templateSet
}

// New builds a Client from cfg, loading the four query-shape templates from
// disk. The HTTP client carries an otelhttp transport so every run/poll/fetch
// call is traced.
func New(cfg config.Config) (*Client, error) {
	templates, err := loadTemplates(cfg.ApifyTemplateDaily, cfg.ApifyTemplateWeekly, cfg.ApifyTemplateDetails, cfg.ApifyTemplatePostURL)
	if err != nil {
		return nil, err
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Apify %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		cfg:       cfg,
		hc:        &http.Client{Timeout: 60 * time.Second, Transport: transport},
		templates: templates,
	}, nil
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 3 * time.Minute
	expo.Multiplier = 2.0
	return expo
}

// RunDaily fires the "daily" query shape for handle.
func (c *Client) RunDaily(ctx context.Context, handle string) ([]domain.ScrapedPost, error) {
	return c.runShape(ctx, shapeDaily, handle, "")
}

// RunWeekly fires the "weekly" query shape for handle.
func (c *Client) RunWeekly(ctx context.Context, handle string) ([]domain.ScrapedPost, error) {
	return c.runShape(ctx, shapeWeekly, handle, "")
}

// RunDetails fires the "details" query shape for handle.
func (c *Client) RunDetails(ctx context.Context, handle string) ([]domain.ScrapedPost, error) {
	return c.runShape(ctx, shapeDetails, handle, "")
}

// RunPostURLBatch fires one batched "post_url" actor run covering every URL
// and returns the normalized posts keyed by post URL.
func (c *Client) RunPostURLBatch(ctx context.Context, postURLs []string) (map[string]domain.ScrapedPost, error) {
	urls := make([]string, 0, len(postURLs))
	for _, u := range postURLs {
		u = strings.TrimSpace(u)
		if u != "" {
			urls = append(urls, u)
		}
	}
	out := map[string]domain.ScrapedPost{}
	if len(urls) == 0 {
		return out, nil
	}

	input, err := c.templates.buildPostURLBatch(urls)
	if err != nil {
		return nil, err
	}
	items, err := c.runAndPoll(ctx, "post_url", input)
	if err != nil {
		return nil, err
	}
	for _, post := range normalizeAll(items) {
		out[post.PostURL] = post
	}
	return out, nil
}

func (c *Client) runShape(ctx context.Context, shape queryShape, handle, postURL string) ([]domain.ScrapedPost, error) {
	input, err := c.templates.build(shape, handle, postURL)
	if err != nil {
		return nil, err
	}
	items, err := c.runAndPoll(ctx, string(shape), input)
	if err != nil {
		return nil, fmt.Errorf("op=scraper.Client.runShape shape=%s handle=%s: %w", shape, handle, err)
	}
	return normalizeAll(items), nil
}

type runResponse struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

// runAndPoll submits one actor run, polls it to completion (or timeout), and
// fetches the resulting dataset items. Fire and fetch are retried with
// exponential backoff on transient network/5xx failures; a non-retryable
// run status (anything but SUCCEEDED) fails permanently.
func (c *Client) runAndPoll(ctx context.Context, runType string, input map[string]any) ([]rawItem, error) {
	correlationID := uuid.NewString()
	lg := slog.With(slog.String("correlation_id", correlationID), slog.String("run_type", runType))

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("op=scraper.runAndPoll marshal input: %w", err)
	}

	var run runResponse
	op := func() error {
		run, err = c.fireRun(ctx, body)
		return classifyHTTPError(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.getBackoffConfig(), ctx)); err != nil {
		lg.Error("apify run submission failed", slog.Any("error", err))
		return nil, fmt.Errorf("op=scraper.runAndPoll fire: %w", err)
	}
	if run.Data.ID == "" {
		return nil, fmt.Errorf("op=scraper.runAndPoll: apify run did not return a run id")
	}
	lg = lg.With(slog.String("run_id", run.Data.ID))
	lg.Info("apify run submitted")

	status, datasetID, err := c.poll(ctx, lg, run.Data.ID)
	if err != nil {
		return nil, err
	}
	if status != "SUCCEEDED" {
		return nil, fmt.Errorf("op=scraper.runAndPoll: apify run %s finished with status %s", run.Data.ID, status)
	}
	if datasetID == "" {
		return nil, fmt.Errorf("op=scraper.runAndPoll: apify run %s missing dataset id", run.Data.ID)
	}

	var items []rawItem
	fetchOp := func() error {
		items, err = c.fetchItems(ctx, datasetID)
		return classifyHTTPError(err)
	}
	if err := backoff.Retry(fetchOp, backoff.WithContext(c.getBackoffConfig(), ctx)); err != nil {
		lg.Error("apify dataset fetch failed", slog.Any("error", err))
		return nil, fmt.Errorf("op=scraper.runAndPoll fetch: %w", err)
	}
	lg.Info("apify run completed", slog.Int("item_count", len(items)))
	return items, nil
}

func (c *Client) fireRun(ctx context.Context, body []byte) (runResponse, error) {
	url := fmt.Sprintf("%s/acts/%s/runs?token=%s", c.cfg.ApifyBaseURL, c.cfg.ApifyActorID, c.cfg.ApifyToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return runResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return runResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return runResponse{}, httpStatusError(resp)
	}
	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return runResponse{}, fmt.Errorf("decode run response: %w", err)
	}
	return out, nil
}

// poll blocks until the run leaves RUNNING/READY state or the configured
// timeout elapses.
func (c *Client) poll(ctx context.Context, lg *slog.Logger, runID string) (status, datasetID string, err error) {
	deadline := time.Now().Add(c.cfg.ApifyRunTimeout)
	status = "RUNNING"
	for status == "RUNNING" || status == "READY" {
		if time.Now().After(deadline) {
			return "", "", fmt.Errorf("op=scraper.poll: apify run %s timed out after %s: %w", runID, c.cfg.ApifyRunTimeout, domain.ErrUpstreamTimeout)
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(c.cfg.ApifyPollInterval):
		}

		check, err := c.checkRun(ctx, runID)
		if err != nil {
			return "", "", fmt.Errorf("op=scraper.poll check: %w", err)
		}
		status = check.Data.Status
		datasetID = check.Data.DefaultDatasetID
		lg.Debug("apify run poll", slog.String("status", status))
	}
	return status, datasetID, nil
}

func (c *Client) checkRun(ctx context.Context, runID string) (runResponse, error) {
	url := fmt.Sprintf("%s/actor-runs/%s?token=%s", c.cfg.ApifyBaseURL, runID, c.cfg.ApifyToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return runResponse{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return runResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return runResponse{}, httpStatusError(resp)
	}
	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return runResponse{}, fmt.Errorf("decode poll response: %w", err)
	}
	return out, nil
}

func (c *Client) fetchItems(ctx context.Context, datasetID string) ([]rawItem, error) {
	url := fmt.Sprintf("%s/datasets/%s/items?clean=true&format=json&limit=%d", c.cfg.ApifyBaseURL, datasetID, c.cfg.ApifyMaxItems)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, httpStatusError(resp)
	}
	var items []rawItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode dataset items: %w", err)
	}
	return items, nil
}

type statusError struct {
	code    int
	snippet string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("apify http %d: %s", e.code, e.snippet)
}

func httpStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrSnippet))
	return &statusError{code: resp.StatusCode, snippet: string(body)}
}

// classifyHTTPError turns 4xx failures into a backoff.Permanent error so the
// retry loop does not waste its budget retrying a request that will never
// succeed; 429 and 5xx remain retryable.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	if se.code == http.StatusTooManyRequests || se.code >= 500 {
		return err
	}
	if se.code >= 400 {
		return backoff.Permanent(err)
	}
	return err
}
