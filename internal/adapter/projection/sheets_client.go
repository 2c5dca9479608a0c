package projection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/feedpulse/signalpipe/internal/domain"
)

const maxErrSnippet = 2048

// RESTClient implements ValuesAPI over a Sheets-shaped values HTTP API:
// GET/PUT on /spreadsheets/{id}/values/{range}, POST :append, :clear,
// values:batchUpdate and a batchUpdate sortRange request.
type RESTClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewRESTClient builds a RESTClient against baseURL, authorizing every call
// with the bearer token.
func NewRESTClient(baseURL, token string) *RESTClient {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Sheets %s %s", r.Method, r.URL.Path)
		}),
	)
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

type valuesBody struct {
	Values [][]string `json:"values"`
}

func (c *RESTClient) do(ctx domain.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=sheets.marshal: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("op=sheets.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=sheets.do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrSnippet))
		return fmt.Errorf("op=sheets: status %d: %s", resp.StatusCode, string(snippet))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("op=sheets.decode: %w", err)
		}
	}
	return nil
}

func valuesPath(spreadsheetID, rangeA1 string) string {
	return "/spreadsheets/" + url.PathEscape(spreadsheetID) + "/values/" + url.PathEscape(rangeA1)
}

// Get reads a range.
func (c *RESTClient) Get(ctx domain.Context, spreadsheetID, rangeA1 string) ([][]string, error) {
	var out valuesBody
	if err := c.do(ctx, http.MethodGet, valuesPath(spreadsheetID, rangeA1), nil, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

// Update overwrites a range.
func (c *RESTClient) Update(ctx domain.Context, spreadsheetID, rangeA1 string, values [][]string) error {
	return c.do(ctx, http.MethodPut, valuesPath(spreadsheetID, rangeA1), valuesBody{Values: values}, nil)
}

// BatchUpdate writes several ranges in chunks of 200.
func (c *RESTClient) BatchUpdate(ctx domain.Context, spreadsheetID string, data []RangeValues) error {
	const chunkSize = 200
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		body := struct {
			Data []RangeValues `json:"data"`
		}{Data: data[start:end]}
		path := "/spreadsheets/" + url.PathEscape(spreadsheetID) + "/values:batchUpdate"
		if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts rows after the last data row of the range, in chunks of 200.
func (c *RESTClient) Append(ctx domain.Context, spreadsheetID, rangeA1 string, values [][]string) error {
	const chunkSize = 200
	for start := 0; start < len(values); start += chunkSize {
		end := start + chunkSize
		if end > len(values) {
			end = len(values)
		}
		path := valuesPath(spreadsheetID, rangeA1) + ":append"
		if err := c.do(ctx, http.MethodPost, path, valuesBody{Values: values[start:end]}, nil); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties a range.
func (c *RESTClient) Clear(ctx domain.Context, spreadsheetID, rangeA1 string) error {
	return c.do(ctx, http.MethodPost, valuesPath(spreadsheetID, rangeA1)+":clear", struct{}{}, nil)
}

// SortRange sorts all data rows descending by the zero-based column index.
func (c *RESTClient) SortRange(ctx domain.Context, spreadsheetID, sheetTitle string, columnIndex int) error {
	body := struct {
		SheetTitle    string `json:"sheetTitle"`
		StartRowIndex int    `json:"startRowIndex"`
		SortColumn    int    `json:"sortColumn"`
		SortOrder     string `json:"sortOrder"`
	}{SheetTitle: sheetTitle, StartRowIndex: dataFirstRow - 1, SortColumn: columnIndex, SortOrder: "DESCENDING"}
	path := "/spreadsheets/" + url.PathEscape(spreadsheetID) + ":sortRange"
	return c.do(ctx, http.MethodPost, path, body, nil)
}
