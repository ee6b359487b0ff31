package translate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamlate/streamlate/internal/observe"
	"github.com/streamlate/streamlate/pkg/provider/llm"
	"github.com/streamlate/streamlate/pkg/transcript"
)

// contextSegments is how many trailing committed segments feed the prompt
// context.
const contextSegments = 3

// contextTailChars is the maximum number of characters of joined context
// handed to the LLM.
const contextTailChars = 50

// TranslatorOption is a functional option for the Translator.
type TranslatorOption func(*Translator)

// WithMetrics sets the metrics instance used for stage latencies.
func WithMetrics(m *observe.Metrics) TranslatorOption {
	return func(t *Translator) {
		t.metrics = m
	}
}

// WithLogger sets the logger for stage failures.
func WithLogger(logger *slog.Logger) TranslatorOption {
	return func(t *Translator) {
		t.logger = logger
	}
}

// Translator runs the LLM pipeline over a single segment: optional
// correction, per-language translation, and keyword extraction.
//
// A Translator reads only the snapshot it is given; its sole side effect is
// appending extracted keywords to the KeywordStore for committed segments.
// It is safe for concurrent use.
type Translator struct {
	provider llm.Provider
	keywords *KeywordStore
	metrics  *observe.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	languages []string
}

// NewTranslator creates a Translator. provider may be nil and languages may
// be empty; both disable the pipeline, making Process the identity function.
func NewTranslator(provider llm.Provider, languages []string, keywords *KeywordStore, opts ...TranslatorOption) *Translator {
	t := &Translator{
		provider:  provider,
		languages: append([]string(nil), languages...),
		keywords:  keywords,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// SetLanguages replaces the target language set. Segments already being
// processed keep the set they started with.
func (t *Translator) SetLanguages(languages []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.languages = append([]string(nil), languages...)
}

func (t *Translator) languageSnapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.languages
}

// Process enriches seg with corrected text, per-language translations, and —
// for committed segments — extracted keywords. view is the transcript
// snapshot taken when seg was enqueued; its trailing committed segments feed
// the prompt context and its partial head supplies the previous-translation
// hint.
//
// Process never fails: every stage falls back to the text it was given, so
// the worst outcome is a segment translated into itself. Cancellation of ctx
// aborts promptly at the next LLM call; the caller decides whether the
// partially-filled result is used (it never is, for cancelled partials).
func (t *Translator) Process(ctx context.Context, sessionID string, seg transcript.Segment, view transcript.View, skipCorrection bool) transcript.Segment {
	out := seg.Clone()
	languages := t.languageSnapshot()
	if t.provider == nil || len(languages) == 0 {
		return out
	}
	text := out.Result.Corrected
	if text == "" {
		return out
	}

	currentKeywords := t.keywords.Current(ctx, sessionID)
	correctedCtx, translatedCtx := buildContext(view, languages)

	corrected := text
	if !skipCorrection {
		corrected = t.correct(ctx, currentKeywords, correctedCtx, text)
	}
	out.Result.Corrected = corrected

	var (
		translated = make(map[string]string, len(languages))
		extracted  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]string, len(languages))
	for i, lang := range languages {
		g.Go(func() error {
			results[i] = t.translate(gctx, lang, currentKeywords, translatedCtx[lang], corrected, view.Partial)
			return nil
		})
	}
	if !out.Partial {
		g.Go(func() error {
			extracted = t.extractKeywords(gctx, corrected)
			return nil
		})
	}
	_ = g.Wait()

	for i, lang := range languages {
		translated[lang] = results[i]
	}
	out.Result.Translated = translated

	if !out.Partial {
		out.Result.SpecialKeywords = extracted
		if len(extracted) > 0 && ctx.Err() == nil {
			t.keywords.Merge(ctx, sessionID, extracted)
		}
	}
	return out
}

// buildContext collects the corrected texts and per-language translations of
// the view's trailing committed segments.
func buildContext(view transcript.View, languages []string) (corrected []string, translated map[string][]string) {
	translated = make(map[string][]string, len(languages))
	history := view.Committed
	if len(history) > contextSegments {
		history = history[len(history)-contextSegments:]
	}
	for _, seg := range history {
		corrected = append(corrected, seg.Result.Corrected)
		for _, lang := range languages {
			translated[lang] = append(translated[lang], seg.Result.Translated[lang])
		}
	}
	return corrected, translated
}

// correct runs the correction stage. On any failure the original text is kept.
func (t *Translator) correct(ctx context.Context, keywords, correctedCtx []string, text string) string {
	developer := "This is a transcription about:\n" + strings.Join(keywords, ", ") +
		"\n\nCorrect the text **only in <correct_this>** as \"corrected text\" according to the reference and context.\nReturn only the corrected text, no any comment."
	user := tailChars(strings.Join(correctedCtx, " "), contextTailChars) +
		"\n<correct_this>\n" + text + "\n</correct_this>"

	content, err := t.complete(ctx, "correction", llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleDeveloper, Content: developer},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		t.logError(ctx, "correction failed, keeping original text", err)
		return text
	}
	return stripTags(content, "correct_this")
}

// translate runs one translation worker. On failure the corrected text is
// returned so the language key is always present.
func (t *Translator) translate(ctx context.Context, lang string, keywords []string, langCtx []string, corrected string, prevPartial *transcript.Segment) string {
	var prevHint string
	if prevPartial != nil {
		if prev := prevPartial.Result.Translated[lang]; prev != "" {
			prevHint = "<prev_translation>\n" + prev + "......\n</prev_translation>\n"
		}
	}

	developer := "This is a transcription about:\n" + strings.Join(keywords, ", ") +
		"\n\nRewrite the text **only in <translate_this>** into " + lang +
		", the sentence might not ended yet.\nReturn only the translated text, no any comment.\n" + prevHint
	user := tailChars(strings.Join(langCtx, " "), contextTailChars) +
		"\n<translate_this>\n" + corrected + "\n</translate_this>"

	content, err := t.complete(ctx, "translation", llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleDeveloper, Content: developer},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		t.logError(ctx, "translation failed, falling back to corrected text", err, "language", lang)
		return corrected
	}
	return stripTags(content, "translate_this")
}

// keywordResponse is the JSON object the extraction prompt demands.
type keywordResponse struct {
	SpecialKeywords []string `json:"special_keywords"`
}

// extractKeywords runs the keyword-extraction worker. Failures yield nil.
func (t *Translator) extractKeywords(ctx context.Context, corrected string) []string {
	developer := "If there are very special keywords in the provide text, add them to the special_keywords list.\nreturn in json format:\n{\"special_keywords\": []}"

	content, err := t.complete(ctx, "keywords", llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleDeveloper, Content: developer},
			{Role: llm.RoleUser, Content: corrected},
		},
		Temperature: 0,
		JSONObject:  true,
	})
	if err != nil {
		t.logError(ctx, "keyword extraction failed", err)
		return nil
	}

	var resp keywordResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		t.logError(ctx, "keyword extraction returned malformed JSON", err)
		return nil
	}
	return resp.SpecialKeywords
}

// complete issues one LLM call and records its stage latency.
func (t *Translator) complete(ctx context.Context, stage string, req llm.CompletionRequest) (string, error) {
	ctx, span := observe.StartSpan(ctx, "llm."+stage)
	defer span.End()

	start := time.Now()
	resp, err := t.provider.Complete(ctx, req)
	t.metrics.RecordLLMStage(ctx, stage, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// logError logs a stage failure, demoting cancellations to debug: a
// superseded partial is routine, not an error.
func (t *Translator) logError(ctx context.Context, msg string, err error, args ...any) {
	args = append(args, "error", err)
	if ctx.Err() != nil {
		t.logger.Debug(msg, args...)
		return
	}
	t.logger.Error(msg, args...)
}

// stripTags removes the <tag>/</tag> delimiters a model sometimes echoes back
// and trims the result.
func stripTags(s, tag string) string {
	s = strings.ReplaceAll(s, "<"+tag+">", "")
	s = strings.ReplaceAll(s, "</"+tag+">", "")
	return strings.TrimSpace(s)
}

// tailChars returns the last n characters of s, counting runes.
func tailChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
