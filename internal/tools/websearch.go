package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const defaultSearchEndpoint = "https://api.tavily.com/search"

// WebSearchArgs queries the web for real-time information. Results include
// page titles, URLs and short snippets.
type WebSearchArgs struct {
	Reasoning  string `json:"reasoning" jsonschema:"description=Why this search is needed and what to expect"`
	Query      string `json:"query" jsonschema:"description=Search query in the same language as the user request"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum results to retrieve (1-10),minimum=1,maximum=10"`
}

type webSearch struct {
	client *http.Client
}

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *webSearch) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	var a WebSearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	if a.MaxResults <= 0 {
		a.MaxResults = 5
	}
	if capResults := configInt(inv.Config, "max_results"); capResults > 0 && a.MaxResults > capResults {
		a.MaxResults = capResults
	}

	endpoint := configString(inv.Config, "endpoint")
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}

	body, err := json.Marshal(searchRequest{
		APIKey:     configString(inv.Config, "api_key"),
		Query:      a.Query,
		MaxResults: a.MaxResults,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned %d: %s", resp.StatusCode, raw)
	}

	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search Query: %s\n\n", a.Query)
	sb.WriteString("Search Results (titles, links, short snippets):\n\n")

	inv.Lock()
	start := len(inv.Snapshot.Sources)
	for i, r := range parsed.Results {
		source := fmt.Sprintf("[%d] %s (%s)", start+i+1, r.Title, r.URL)
		inv.Snapshot.Sources = append(inv.Snapshot.Sources, r.URL)

		snippet := r.Content
		if len(snippet) > 100 {
			snippet = snippet[:100] + "..."
		}
		fmt.Fprintf(&sb, "%s\n%s\n\n", source, snippet)
	}
	inv.Snapshot.SearchesUsed++
	inv.Unlock()
	log.Debug().Str("query", a.Query).Int("results", len(parsed.Results)).Msg("web search done")
	return sb.String(), nil
}
