package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/hananetworks/kiost-1/internal/llm"
)

// Coord is a WGS84 point in the "longitude,latitude" order the directions
// API expects.
type Coord struct {
	Lng float64
	Lat float64
}

func (c Coord) param() string {
	return fmt.Sprintf("%.4f,%.4f", c.Lng, c.Lat)
}

// Place is one gazetteer entry: a canonical display name, its coordinates,
// and the aliases (Korean and romanised) a visitor might say.
type Place struct {
	Name    string
	Coord   Coord
	Aliases []string
}

// DefaultGazetteer returns the Cheonan landmark and station set the kiosk
// ships with.
func DefaultGazetteer() []Place {
	return []Place{
		{Name: "독립기념관", Coord: Coord{127.2847, 36.7835}, Aliases: []string{"independencehall"}},
		{Name: "유관순열사사적지", Coord: Coord{127.2333, 36.8953}, Aliases: []string{"yugwansunshrine", "yugwansunsite"}},
		{Name: "천안삼거리공원", Coord: Coord{127.1593, 36.7971}, Aliases: []string{"cheonansamgeoripark"}},
		{Name: "태조산왕건길청동대좌불", Coord: Coord{127.1843, 36.8157}, Aliases: []string{"taejosanwanggeongil", "taejosan"}},
		{Name: "각원사", Coord: Coord{127.1843, 36.8157}, Aliases: []string{"gakwonsatemple", "gakwonsa"}},
		{Name: "아라리오조각광장", Coord: Coord{127.1554, 36.8191}, Aliases: []string{"arariosculpturepark", "arariogallery"}},
		{Name: "성성호수공원", Coord: Coord{127.1430, 36.8400}, Aliases: []string{"seongseonglakepark"}},
		{Name: "광덕산", Coord: Coord{127.0850, 36.7094}, Aliases: []string{"gwangdeoksanmountain", "gwangdeoksan"}},
		{Name: "봉선홍경사갈기비", Coord: Coord{127.1328, 36.9031}, Aliases: []string{"bongseonhonggyeongsagalgibi"}},
		{Name: "천안시청", Coord: Coord{127.1149, 36.8148}, Aliases: []string{"cheonancityhall"}},
		{Name: "천안역", Coord: Coord{127.1437, 36.8118}, Aliases: []string{"cheonanstation"}},
		{Name: "아산역", Coord: Coord{127.1105, 36.7915}, Aliases: []string{"asanstation"}},
		{Name: "천안아산역", Coord: Coord{127.1105, 36.7915}, Aliases: []string{"cheonanasanstation"}},
		{Name: "쌍용역", Coord: Coord{127.1232, 36.7947}, Aliases: []string{"ssangyongstation"}},
		{Name: "두정역", Coord: Coord{127.1439, 36.8285}, Aliases: []string{"dujeongstation"}},
		{Name: "천안터미널", Coord: Coord{127.1554, 36.8191}, Aliases: []string{"cheonanbusterminal", "cheonanterminal"}},
		{Name: "신세계백화점", Coord: Coord{127.1554, 36.8191}, Aliases: []string{"shinsegaedepartmentstore"}},
	}
}

// RouteConfig configures the route planning tool.
type RouteConfig struct {
	// BaseURL is the directions API endpoint.
	BaseURL string

	// APIKey authenticates directions requests ("KakaoAK <key>").
	APIKey string

	// OriginName and Origin describe the kiosk's own location, used when the
	// visitor names no starting point.
	OriginName string
	Origin     Coord

	// Gazetteer is the known-place set. Defaults to [DefaultGazetteer].
	Gazetteer []Place

	// HTTPClient is used for API calls. Defaults to a 10s-timeout client.
	HTTPClient *http.Client

	// Logger for lookups and API calls. Default slog.Default().
	Logger *slog.Logger
}

// RoutePlanner resolves spoken place names to coordinates and asks the
// directions API for a route.
type RoutePlanner struct {
	baseURL    string
	apiKey     string
	originName string
	origin     Coord
	index      map[string]Place // normalised alias → place
	keys       []string         // index keys in insertion order
	client     *http.Client
	log        *slog.Logger
}

// NewRoutePlanner builds a planner from cfg.
func NewRoutePlanner(cfg RouteConfig) *RoutePlanner {
	gaz := cfg.Gazetteer
	if gaz == nil {
		gaz = DefaultGazetteer()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &RoutePlanner{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		originName: cfg.OriginName,
		origin:     cfg.Origin,
		index:      make(map[string]Place),
		client:     client,
		log:        log.With("tool", "plan_tourist_route"),
	}
	for _, place := range gaz {
		for _, alias := range append([]string{place.Name}, place.Aliases...) {
			key := normalizePlaceName(alias)
			if _, ok := p.index[key]; !ok {
				p.index[key] = place
				p.keys = append(p.keys, key)
			}
		}
	}
	return p
}

// Tool returns the registry entry for the planner. Directions go stale, so
// responses routed through it are never cached.
func (p *RoutePlanner) Tool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "plan_tourist_route",
			Description: `사용자가 요청한 출발지에서 목적지까지의 경로를 안내합니다. "A에서 B까지" 같은 질문에서 A는 출발지, B는 목적지입니다.`,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"destination": map[string]any{
						"type":        "string",
						"description": `방문할 최종 목적지 장소 이름. 예: "독립기념관"`,
					},
					"origin": map[string]any{
						"type":        "string",
						"description": "경로 탐색의 출발지. 지정하지 않으면 현재 키오스크 위치가 기본값입니다.",
					},
				},
				"required": []string{"destination"},
			},
		},
		Cacheable: false,
		Handler:   p.Plan,
	}
}

// normalizePlaceName strips whitespace and the Korean conjunction particles
// 와/과 so that "천안역 과" and "천안역" hit the same key, then lowercases
// romanised input.
func normalizePlaceName(name string) string {
	s := strings.ToLower(name)
	s = strings.Join(strings.Fields(s), "")
	s = strings.ReplaceAll(s, "와", "")
	s = strings.ReplaceAll(s, "과", "")
	return s
}

// maxEditDistance bounds the fuzzy-lookup Levenshtein distance per key
// length; short names tolerate one edit, longer ones two.
func maxEditDistance(key string) int {
	if utf8.RuneCountInString(key) <= 4 {
		return 1
	}
	return 2
}

// Resolve maps a spoken place name to a gazetteer entry. Lookup order: exact
// normalised match, substring containment (trailing particles), then nearest
// Levenshtein neighbour for STT mis-hearings like "천한역".
func (p *RoutePlanner) Resolve(name string) (Place, bool) {
	key := normalizePlaceName(name)
	if key == "" {
		return Place{}, false
	}

	if place, ok := p.index[key]; ok {
		return place, true
	}

	for _, k := range p.keys {
		if strings.Contains(key, k) {
			p.log.Debug("place resolved by containment", "input", name, "key", k)
			return p.index[k], true
		}
	}

	best, bestDist := "", math.MaxInt
	for _, k := range p.keys {
		if d := matchr.Levenshtein(key, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	if best != "" && bestDist <= maxEditDistance(best) {
		p.log.Debug("place resolved by edit distance", "input", name, "key", best, "distance", bestDist)
		return p.index[best], true
	}

	p.log.Warn("place not found", "input", name, "normalized", key)
	return Place{}, false
}

// planArgs are the model-supplied arguments for one route request.
type planArgs struct {
	Destination string `json:"destination"`
	Origin      string `json:"origin"`
}

// routeSummary is the subset of a directions API route we read.
type routeSummary struct {
	Distance int `json:"distance"` // meters
	Duration int `json:"duration"` // seconds
	Fare     struct {
		Taxi int `json:"taxi"`
		Toll int `json:"toll"`
	} `json:"fare"`
}

type routeResponse struct {
	Routes []struct {
		Summary routeSummary `json:"summary"`
	} `json:"routes"`
}

// Plan is the tool handler: resolve both endpoints, call the directions API,
// and summarise the route for the model.
func (p *RoutePlanner) Plan(ctx context.Context, args json.RawMessage) string {
	var req planArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return errorResult("경로 요청을 이해하지 못했습니다.")
	}
	if req.Destination == "" {
		return errorResult("경로를 탐색할 목적지를 알려주세요.")
	}

	startName := req.Origin
	var startCoord Coord
	switch req.Origin {
	case "", "내 위치", "여기":
		startName = p.originName
		startCoord = p.origin
	default:
		place, ok := p.Resolve(req.Origin)
		if !ok {
			return errorResult(fmt.Sprintf("죄송합니다. 출발지 '%s'의 정확한 좌표를 알 수 없어 경로 탐색을 시작할 수 없습니다.", startName))
		}
		startName, startCoord = place.Name, place.Coord
	}

	goal, ok := p.Resolve(req.Destination)
	if !ok {
		return errorResult(fmt.Sprintf("죄송합니다. 목적지 '%s'의 정확한 좌표를 알 수 없어 경로 탐색을 시작할 수 없습니다.", req.Destination))
	}

	summary, err := p.fetchRoute(ctx, startCoord, goal.Coord)
	if err != nil {
		p.log.Warn("route lookup failed", "origin", startName, "destination", goal.Name, "err", err)
		return errorResult("경로 탐색 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.")
	}

	minutes := int(math.Round(float64(summary.Duration) / 60))
	km := float64(summary.Distance) / 1000

	result := map[string]any{
		"totalDistanceInMeters":  summary.Distance,
		"totalDurationInSeconds": summary.Duration,
		"optimizedRouteOrder":    []string{startName, goal.Name},
		"summary": fmt.Sprintf("[%s 출발] %s까지 총 거리는 약 %.1fkm이며, 예상 소요 시간은 약 %d분입니다.",
			startName, goal.Name, km, minutes),
	}
	if summary.Fare.Taxi > 0 {
		result["estimatedTaxiFareInWon"] = summary.Fare.Taxi
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorResult("경로 탐색 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.")
	}
	return string(data)
}

// fetchRoute calls the directions API and returns the first route's summary.
func (p *RoutePlanner) fetchRoute(ctx context.Context, origin, goal Coord) (summary routeSummary, err error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return summary, fmt.Errorf("tools: parse directions url: %w", err)
	}
	q := u.Query()
	q.Set("origin", origin.param())
	q.Set("destination", goal.param())
	q.Set("priority", "RECOMMEND")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return summary, fmt.Errorf("tools: build directions request: %w", err)
	}
	req.Header.Set("Authorization", "KakaoAK "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return summary, fmt.Errorf("tools: directions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return summary, fmt.Errorf("tools: directions API status %d: %s", resp.StatusCode, body)
	}

	var parsed routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return summary, fmt.Errorf("tools: decode directions response: %w", err)
	}
	if len(parsed.Routes) == 0 {
		return summary, fmt.Errorf("tools: directions API returned no routes")
	}
	return parsed.Routes[0].Summary, nil
}
