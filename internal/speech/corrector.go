package speech

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/hananetworks/kiost-1/internal/llm"
)

const (
	correctionTemperature = 0.1
	correctionMaxTokens   = 350
	defaultCacheSize      = 100
)

// sightList and locationList give the correction model the proper nouns a
// garbled transcript is most likely to contain.
const (
	sightList    = "제1경 독립기념관, 제2경 유관순열사 사적지, 제3경 천안삼거리공원, 제4경 태조산 왕건길과 청동대좌불, 제5경 아라리오조각광장, 제6경 성성호수공원, 제7경 광덕산, 제8경 국보 봉선홍경사갈기비"
	locationList = "천안역, 아산역(천안아산역), 쌍용역, 두정역, 천안시청, 천안터미널(신세계백화점)"
)

// Transcripts that are already plain English are passed through untouched.
// Both must match: ASCII-only alone also covers romanized gibberish.
var (
	englishOnly        = regexp.MustCompile(`^[a-zA-Z0-9\s,.?!'"]+$`)
	commonEnglishWords = regexp.MustCompile(`(?i)\b(hello|how|what|who|why|where|when|can|do|is|am|are|it|you|me|show|way|much|name|help)\b`)
)

// Corrector cleans up speech-to-text transcripts with a model pass before
// they enter the dialogue. It restores phonetically transcribed English and
// fixes misheard landmark names. Correction never fails outward: any error
// returns the raw transcript.
type Corrector struct {
	provider llm.Provider
	log      *slog.Logger

	mu    sync.Mutex
	max   int
	items map[string]string
	order []string
}

// NewCorrector creates a Corrector backed by provider. cacheSize bounds the
// correction cache; zero or negative selects the default of 100 entries.
func NewCorrector(provider llm.Provider, cacheSize int, logger *slog.Logger) *Corrector {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{
		provider: provider,
		log:      logger,
		max:      cacheSize,
		items:    make(map[string]string, cacheSize),
	}
}

// Correct returns the corrected form of text. Transcripts too short to
// correct, and transcripts detected as plain English, come back unchanged.
// Results are cached by raw transcript with oldest-entry eviction.
func (c *Corrector) Correct(ctx context.Context, text string) string {
	if len([]rune(text)) < 2 {
		return text
	}
	if englishOnly.MatchString(text) && commonEnglishWords.MatchString(text) {
		c.log.Debug("transcript detected as English, skipping correction", "text", text)
		return text
	}

	c.mu.Lock()
	if cached, ok := c.items[text]; ok {
		c.mu.Unlock()
		c.log.Debug("correction cache hit", "text", text)
		return cached
	}
	c.mu.Unlock()

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: correctionPrompt(text)}},
		Temperature: correctionTemperature,
		MaxTokens:   correctionMaxTokens,
	})
	if err != nil {
		c.log.Warn("transcript correction failed, using raw text", "error", err)
		return text
	}

	corrected := cleanCorrection(resp.Content)
	if corrected == "" {
		return text
	}
	c.log.Debug("transcript corrected", "raw", text, "corrected", corrected)

	c.mu.Lock()
	if _, ok := c.items[text]; !ok {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.items[text] = corrected
		c.order = append(c.order, text)
	}
	c.mu.Unlock()

	return corrected
}

// cleanCorrection strips the wrapping the model sometimes adds around the
// corrected sentence.
func cleanCorrection(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`)) ||
			(strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'")) {
			s = s[1 : len(s)-1]
		}
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "수정된 문장:"))
	return s
}

func correctionPrompt(text string) string {
	return fmt.Sprintf(`다음 문장은 음성 인식(STT) 결과입니다. 이 문장은 천안 관광 질문일 수 있습니다.
문맥을 면밀히 고려하여, STT 오류를 수정한 **가장 자연스러운 문장**으로 수정해주세요.

**천안 8경 목록:** %s
**주요 위치 목록:** %s

**매우 중요 지침:**

1. **[최우선: 영어 음차 복원]**
* 만약 원본 문장이 "헬로우", "하우 머치", "인디펜던스 홀"처럼 **영어를 한국어로 단순히 음차(phonetic transcription)한 것**으로 판단되면, **절대로 한국어로 교정하지 마십시오.**
* 대신, **원본 의도였을 영어 문장으로 *복원*하십시오.**
* (예: "헬로우, 인디패던스 홀 알려줘" -> "Hello, tell me about Independence Hall")
* (예: "와츠 유어 네임?" -> "What's your name?")

2. **[고유명사 교정 (한국어)]**
* **1번에 해당하지 않는 *한국어* 질문** 중에서, STT 결과가 '천안 8경 목록' 또는 '주요 위치 목록'의 장소 이름과 유사하게 들릴 경우 (예: '썽썽' -> '성성', '갈비비' -> '갈기비'), 해당 장소 이름으로 적극적으로 수정합니다.

3. **[영어 원본 유지]**
* **1번에 해당하지 않으며,** 원본 문장이 "Hello"처럼 **이미 완벽한 영어**일 경우, **절대 수정하지 말고** 원본을 그대로 반환하십시오.

4. **[한국어 원본 유지 (제한적)]**
* **1, 2, 3번에 해당하지 않는 경우에만,** 원본 STT 문장이 이미 문법적으로 올바르고 의미가 명확한 한국어 질문이라면 (예: "내가 지금 천안역인데 어디로 가야 할까?"), 수정하지 마십시오.

5. **[숫자 형식]** 'X경', '몇경' 등은 '제X경' 또는 'X경'(아라비아 숫자)으로 통일합니다. (예: "삼경" -> "3경")

6. **[결과 형식]** 다른 설명 없이 최종적으로 수정된 문장만 간결하게 반환해주세요.

원본 STT 문장: "%s"
수정된 문장:`, sightList, locationList, text)
}
