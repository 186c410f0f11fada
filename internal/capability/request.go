package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ai-gateway/orchestrator/internal/gwerr"
)

// Request is a decoded, validated northbound payload. Decoding is total:
// malformed input yields an *gwerr.Error with field paths, never a panic.
type Request struct {
	Capability Capability
	// Params are the backend-visible parameters used for fingerprinting and
	// batch bucketing, normalized (trimmed, NFC, float-quantized by the
	// caller before hashing).
	Params map[string]any
	// BucketKey is the subset of Params that must be identical for two
	// requests to share a BatchGroup (e.g. model + temperature tier).
	BucketKey string
	// AllowCache, when set by the caller, makes an otherwise-impure request
	// (e.g. temperature > 0) eligible for single-flight/cache joining.
	AllowCache bool
	// Raw is the original body as received, forwarded to the backend
	// unchanged; the normalization above applies to Params only.
	Raw json.RawMessage
}

type fieldError struct {
	Path    string
	Message string
}

func (e fieldError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Message) }

// AsGatewayError converts a decode error into an InvalidRequest *gwerr.Error
// carrying the offending field path, or wraps an already-typed error as-is.
func AsGatewayError(err error) *gwerr.Error {
	if err == nil {
		return nil
	}
	if ge, ok := gwerr.As(err); ok {
		return ge
	}
	var fe fieldError
	if e, ok := err.(fieldError); ok {
		fe = e
		return gwerr.New(gwerr.InvalidRequest, fe.Message).WithDetail("field", fe.Path)
	}
	return gwerr.New(gwerr.InvalidRequest, err.Error())
}

// Pure reports whether a request of this shape may be joined with an
// identical concurrent request (single-flight) or served from cache.
// llm_completion and llm_chat at temperature 0 are deterministic and always
// pure; at temperature > 0 they are only pure when the caller opts in via
// allow_cache, per the spec's resolved open question.
func (r Request) Pure() bool {
	switch r.Capability {
	case LLMCompletion, LLMChat:
		temp, _ := r.Params["temperature"].(float64)
		if temp == 0 {
			return true
		}
		return r.AllowCache
	case NLPAnalyze:
		return true
	case VisionAnalyze:
		return r.AllowCache
	case DataProcess:
		// data_process operations may have side effects (e.g. write-through
		// transforms); never coalesce unless the caller explicitly opts in.
		return r.AllowCache
	default:
		return false
	}
}

// decodeCompletion parses a {prompt, max_tokens, temperature, model?} body.
func decodeCompletion(body []byte) (Request, error) {
	var v struct {
		Prompt      string  `json:"prompt"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		Model       string  `json:"model"`
		AllowCache  bool    `json:"allow_cache"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Request{}, fieldError{Path: "$", Message: "malformed JSON body"}
	}
	if strings.TrimSpace(v.Prompt) == "" {
		return Request{}, fieldError{Path: "$.prompt", Message: "must not be empty"}
	}
	if v.MaxTokens <= 0 {
		return Request{}, fieldError{Path: "$.max_tokens", Message: "must be positive"}
	}
	if v.Temperature < 0 || v.Temperature > 2 {
		return Request{}, fieldError{Path: "$.temperature", Message: "must be in [0, 2]"}
	}
	params := map[string]any{
		"prompt":      normalizeText(v.Prompt),
		"max_tokens":  v.MaxTokens,
		"temperature": quantize(v.Temperature, 2),
		"model":       v.Model,
	}
	return Request{
		Capability: LLMCompletion,
		Params:     params,
		BucketKey:  bucketKey(v.Model, tempTier(v.Temperature)),
		AllowCache: v.AllowCache,
		Raw:        body,
	}, nil
}

// decodeChat parses a {messages:[{role,content}], model?, temperature?} body.
func decodeChat(body []byte) (Request, error) {
	var v struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		AllowCache  bool    `json:"allow_cache"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Request{}, fieldError{Path: "$", Message: "malformed JSON body"}
	}
	if len(v.Messages) == 0 {
		return Request{}, fieldError{Path: "$.messages", Message: "must contain at least one message"}
	}
	normalized := make([]map[string]string, 0, len(v.Messages))
	for i, m := range v.Messages {
		if m.Role == "" {
			return Request{}, fieldError{Path: fmt.Sprintf("$.messages[%d].role", i), Message: "must not be empty"}
		}
		normalized = append(normalized, map[string]string{"role": m.Role, "content": normalizeText(m.Content)})
	}
	params := map[string]any{
		"messages":    normalized,
		"model":       v.Model,
		"temperature": quantize(v.Temperature, 2),
	}
	return Request{
		Capability: LLMChat,
		Params:     params,
		BucketKey:  bucketKey(v.Model, tempTier(v.Temperature)),
		AllowCache: v.AllowCache,
		Raw:        body,
	}, nil
}

// decodeVision parses a {image_url|image_base64, task, options} body.
func decodeVision(body []byte) (Request, error) {
	var v struct {
		ImageURL    string         `json:"image_url"`
		ImageBase64 string         `json:"image_base64"`
		Task        string         `json:"task"`
		Options     map[string]any `json:"options"`
		AllowCache  bool           `json:"allow_cache"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Request{}, fieldError{Path: "$", Message: "malformed JSON body"}
	}
	if v.ImageURL == "" && v.ImageBase64 == "" {
		return Request{}, fieldError{Path: "$.image_url", Message: "one of image_url or image_base64 is required"}
	}
	if v.Task == "" {
		return Request{}, fieldError{Path: "$.task", Message: "must not be empty"}
	}
	params := map[string]any{
		"image_url":    v.ImageURL,
		"image_base64": v.ImageBase64,
		"task":         v.Task,
		"options":      v.Options,
	}
	return Request{
		Capability: VisionAnalyze,
		Params:     params,
		BucketKey:  bucketKey(v.Task),
		AllowCache: v.AllowCache,
		Raw:        body,
	}, nil
}

// decodeNLP parses a {text, task} body.
func decodeNLP(body []byte) (Request, error) {
	var v struct {
		Text       string `json:"text"`
		Task       string `json:"task"`
		AllowCache bool   `json:"allow_cache"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Request{}, fieldError{Path: "$", Message: "malformed JSON body"}
	}
	if strings.TrimSpace(v.Text) == "" {
		return Request{}, fieldError{Path: "$.text", Message: "must not be empty"}
	}
	if v.Task == "" {
		return Request{}, fieldError{Path: "$.task", Message: "must not be empty"}
	}
	params := map[string]any{
		"text": normalizeText(v.Text),
		"task": v.Task,
	}
	return Request{
		Capability: NLPAnalyze,
		Params:     params,
		BucketKey:  bucketKey(v.Task),
		AllowCache: v.AllowCache,
		Raw:        body,
	}, nil
}

// decodeData parses a {operation, data, options} body.
func decodeData(body []byte) (Request, error) {
	var v struct {
		Operation  string         `json:"operation"`
		Data       any            `json:"data"`
		Options    map[string]any `json:"options"`
		AllowCache bool           `json:"allow_cache"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Request{}, fieldError{Path: "$", Message: "malformed JSON body"}
	}
	if v.Operation == "" {
		return Request{}, fieldError{Path: "$.operation", Message: "must not be empty"}
	}
	params := map[string]any{
		"operation": v.Operation,
		"data":      v.Data,
		"options":   v.Options,
	}
	return Request{
		Capability: DataProcess,
		Params:     params,
		BucketKey:  bucketKey(v.Operation),
		AllowCache: v.AllowCache,
		Raw:        body,
	}, nil
}

// Decode dispatches to the capability-specific decoder.
func Decode(c Capability, body []byte) (Request, error) {
	switch c {
	case LLMCompletion:
		return decodeCompletion(body)
	case LLMChat:
		return decodeChat(body)
	case VisionAnalyze:
		return decodeVision(body)
	case NLPAnalyze:
		return decodeNLP(body)
	case DataProcess:
		return decodeData(body)
	default:
		return Request{}, fieldError{Path: "$.capability", Message: "unknown capability"}
	}
}

func normalizeText(s string) string {
	// Trim trailing whitespace only; NFC normalization of the interior of
	// the string is handled by the fingerprint package so that the raw body
	// forwarded to backends keeps its original Unicode form when it matters
	// for rendering.
	return strings.TrimRight(s, " \t\r\n")
}

func quantize(f float64, precision int) float64 {
	scale := 1.0
	for i := 0; i < precision; i++ {
		scale *= 10
	}
	return float64(int(f*scale+0.5)) / scale
}

func tempTier(temp float64) string {
	switch {
	case temp == 0:
		return "t0"
	case temp < 0.5:
		return "tlow"
	case temp < 1.0:
		return "tmid"
	default:
		return "thigh"
	}
}

func bucketKey(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
