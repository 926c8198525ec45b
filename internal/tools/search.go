package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hananetworks/kiost-1/internal/llm"
)

// SearchConfig configures the web search tool.
type SearchConfig struct {
	// BaseURL is the blog search API endpoint.
	BaseURL string

	// ClientID and ClientSecret authenticate search requests.
	ClientID     string
	ClientSecret string

	// MaxResults caps the returned snippet count. Default 3.
	MaxResults int

	// HTTPClient is used for API calls. Defaults to a 10s-timeout client.
	HTTPClient *http.Client

	// Logger for API calls. Default slog.Default().
	Logger *slog.Logger
}

// WebSearch wraps the blog search API the model falls back to for questions
// outside the kiosk's built-in knowledge.
type WebSearch struct {
	baseURL      string
	clientID     string
	clientSecret string
	maxResults   int
	client       *http.Client
	log          *slog.Logger
}

// NewWebSearch builds the search tool from cfg.
func NewWebSearch(cfg SearchConfig) *WebSearch {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 3
	}
	return &WebSearch{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		maxResults:   maxResults,
		client:       client,
		log:          log.With("tool", "search_web_for_info"),
	}
}

// Tool returns the registry entry. Search results are live data and are never
// cached.
func (w *WebSearch) Tool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "search_web_for_info",
			Description: "내부 지식 기반에 없는 최신 정보나 특정 주제에 대해 웹에서 정보를 검색합니다.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": `웹에서 검색할 구체적인 질문 또는 키워드. 예: "천안 날씨"`,
					},
				},
				"required": []string{"query"},
			},
		},
		Cacheable: false,
		Handler:   w.Search,
	}
}

// searchArgs are the model-supplied arguments for one search.
type searchArgs struct {
	Query string `json:"query"`
}

// searchResponse is the subset of the search API response we read.
type searchResponse struct {
	Items []struct {
		Description string `json:"description"`
	} `json:"items"`
}

// htmlTags strips markup from result snippets.
var htmlTags = regexp.MustCompile(`<[^>]*>`)

// Search is the tool handler.
func (w *WebSearch) Search(ctx context.Context, args json.RawMessage) string {
	var req searchArgs
	if err := json.Unmarshal(args, &req); err != nil || req.Query == "" {
		return errorResult("검색할 내용을 알려주세요.")
	}

	u, err := url.Parse(w.baseURL)
	if err != nil {
		return errorResult("웹 검색 중 오류가 발생했습니다.")
	}
	q := u.Query()
	q.Set("query", req.Query)
	q.Set("display", fmt.Sprint(w.maxResults))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errorResult("웹 검색 중 오류가 발생했습니다.")
	}
	httpReq.Header.Set("X-Naver-Client-Id", w.clientID)
	httpReq.Header.Set("X-Naver-Client-Secret", w.clientSecret)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		w.log.Warn("search request failed", "query", req.Query, "err", err)
		return errorResult("웹 검색 중 오류가 발생했습니다.")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.log.Warn("search API error", "query", req.Query, "status", resp.StatusCode)
		return errorResult("웹 검색 중 오류가 발생했습니다.")
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		w.log.Warn("search response decode failed", "err", err)
		return errorResult("웹 검색 중 오류가 발생했습니다.")
	}

	if len(parsed.Items) == 0 {
		return mustMarshal(map[string]string{"searchResults": "관련 정보를 찾을 수 없습니다."})
	}

	snippets := make([]string, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		snippets = append(snippets, htmlTags.ReplaceAllString(item.Description, ""))
	}
	return mustMarshal(map[string]string{"searchResults": strings.Join(snippets, "\n\n")})
}

// mustMarshal encodes v, falling back to an error payload on failure.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("웹 검색 중 오류가 발생했습니다.")
	}
	return string(data)
}
