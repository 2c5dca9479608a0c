package scraper

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// queryShape names the four fixed Apify actor-input templates.
type queryShape string

const (
	shapeDaily   queryShape = "daily"
	shapeWeekly  queryShape = "weekly"
	shapeDetails queryShape = "details"
	shapePostURL queryShape = "post_url"
)

// templateSet holds the raw JSON template bodies loaded once at construction.
type templateSet struct {
	daily   string
	weekly  string
	details string
	postURL string
}

func loadTemplates(dailyPath, weeklyPath, detailsPath, postURLPath string) (templateSet, error) {
	daily, err := os.ReadFile(dailyPath)
	if err != nil {
		return templateSet{}, fmt.Errorf("op=scraper.loadTemplates read daily: %w", err)
	}
	weekly, err := os.ReadFile(weeklyPath)
	if err != nil {
		return templateSet{}, fmt.Errorf("op=scraper.loadTemplates read weekly: %w", err)
	}
	details, err := os.ReadFile(detailsPath)
	if err != nil {
		return templateSet{}, fmt.Errorf("op=scraper.loadTemplates read details: %w", err)
	}
	postURL, err := os.ReadFile(postURLPath)
	if err != nil {
		return templateSet{}, fmt.Errorf("op=scraper.loadTemplates read post_url: %w", err)
	}
	return templateSet{daily: string(daily), weekly: string(weekly), details: string(details), postURL: string(postURL)}, nil
}

// build fills the {handle}/{post_url} placeholders of the named shape and
// unmarshals the result into an actor input map, mirroring the worker's
// _build_input string-replace-then-parse approach. Templates are stored as
// JSON on disk but decoded with yaml.v3, since the four template bodies are
// hand-edited query-shape files and YAML's JSON superset lets an operator
// drop in comments or a trailing newline without tripping a strict decoder.
func (t templateSet) build(shape queryShape, handle, postURL string) (map[string]any, error) {
	var raw string
	switch shape {
	case shapeDaily:
		raw = t.daily
	case shapeWeekly:
		raw = t.weekly
	case shapeDetails:
		raw = t.details
	case shapePostURL:
		raw = t.postURL
	default:
		return nil, fmt.Errorf("op=scraper.build: unknown query shape %q", shape)
	}

	raw = strings.ReplaceAll(raw, "{handle}", handle)
	raw = strings.ReplaceAll(raw, "{post_url}", postURL)

	var input map[string]any
	if err := yaml.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("op=scraper.build unmarshal %s template: %w", shape, err)
	}
	return input, nil
}

// buildPostURLBatch rewrites the post_url template's directUrls/resultsLimit
// to cover every URL in one actor run instead of firing one run per URL.
func (t templateSet) buildPostURLBatch(postURLs []string) (map[string]any, error) {
	if len(postURLs) == 0 {
		return nil, fmt.Errorf("op=scraper.buildPostURLBatch: no post URLs")
	}
	input, err := t.build(shapePostURL, "", postURLs[0])
	if err != nil {
		return nil, err
	}
	input["directUrls"] = postURLs
	limit := 0
	switch v := input["resultsLimit"].(type) {
	case int:
		limit = v
	case float64:
		limit = int(v)
	}
	if len(postURLs) > limit {
		limit = len(postURLs)
	}
	input["resultsLimit"] = limit
	return input, nil
}
