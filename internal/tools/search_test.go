package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testSearch(t *testing.T, baseURL string) *WebSearch {
	t.Helper()
	return NewWebSearch(SearchConfig{
		BaseURL:      baseURL,
		ClientID:     "id",
		ClientSecret: "secret",
	})
}

func TestSearch_SnippetsJoinedAndStripped(t *testing.T) {
	var gotQuery, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotID = r.Header.Get("X-Naver-Client-Id")
		w.Write([]byte(`{"items":[
			{"description":"<b>천안</b> 날씨는 맑음"},
			{"description":"주말 <em>나들이</em> 명소"}
		]}`))
	}))
	defer srv.Close()

	ws := testSearch(t, srv.URL)
	result := ws.Search(context.Background(), json.RawMessage(`{"query":"천안 날씨"}`))

	var parsed struct {
		SearchResults string `json:"searchResults"`
	}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("result not JSON: %v\n%s", err, result)
	}
	want := "천안 날씨는 맑음\n\n주말 나들이 명소"
	if parsed.SearchResults != want {
		t.Errorf("searchResults = %q, want %q", parsed.SearchResults, want)
	}
	if gotQuery != "천안 날씨" {
		t.Errorf("query param = %q", gotQuery)
	}
	if gotID != "id" {
		t.Errorf("client id header = %q", gotID)
	}
}

func TestSearch_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	ws := testSearch(t, srv.URL)
	result := ws.Search(context.Background(), json.RawMessage(`{"query":"없는 정보"}`))
	if !strings.Contains(result, "관련 정보를 찾을 수 없습니다") {
		t.Errorf("result = %s, want not-found message", result)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	ws := testSearch(t, "http://unused")
	result := ws.Search(context.Background(), json.RawMessage(`{}`))
	if !strings.Contains(result, `"error"`) {
		t.Errorf("result = %s, want error payload", result)
	}
}

func TestSearch_APIFailureBecomesErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ws := testSearch(t, srv.URL)
	result := ws.Search(context.Background(), json.RawMessage(`{"query":"천안 날씨"}`))
	if !strings.Contains(result, `"error"`) {
		t.Errorf("result = %s, want error payload", result)
	}
}
