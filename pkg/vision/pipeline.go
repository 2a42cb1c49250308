package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/opencane/opencane/pkg/store"
)

// Analyzer produces a scene description for an image. The returned text may
// be plain prose or a JSON object with summary/objects/ocr/risk fields;
// malformed JSON is repaired before parsing.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, mime, question string) (string, error)
}

// Indexer receives searchable context documents. *vecstore.Index satisfies
// it; a nil Indexer disables semantic indexing.
type Indexer interface {
	AddContext(ctx context.Context, imageID, title, summary string, metadata map[string]any) error
}

// Pipeline turns device camera frames into lifelog records: dedup, asset
// persistence, scene analysis, context storage, and indexing.
type Pipeline struct {
	store       *store.Store
	assets      AssetStore
	analyzer    Analyzer
	indexer     Indexer
	maxDistance int
	hashWindow  int
	logger      *slog.Logger
}

// PipelineOptions configures a Pipeline. Store is required; the rest may be
// nil or zero for defaults.
type PipelineOptions struct {
	Store       *store.Store
	Assets      AssetStore
	Analyzer    Analyzer
	Indexer     Indexer
	MaxDistance int // dedup Hamming threshold, default 8
	HashWindow  int // recent hashes compared, default 50
	Logger      *slog.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = 8
	}
	if opts.HashWindow <= 0 {
		opts.HashWindow = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		store:       opts.Store,
		assets:      opts.Assets,
		analyzer:    opts.Analyzer,
		indexer:     opts.Indexer,
		maxDistance: opts.MaxDistance,
		hashWindow:  opts.HashWindow,
		logger:      opts.Logger,
	}
}

// IngestRequest is one image to fold into the lifelog.
type IngestRequest struct {
	SessionID   string
	ImageBase64 string
	Question    string
	Mime        string
	Metadata    map[string]any
	TS          int64
}

// IngestResult reports what the pipeline did with one image.
type IngestResult struct {
	SessionID         string         `json:"session_id"`
	ImageID           string         `json:"image_id"`
	Dedup             bool           `json:"dedup"`
	Summary           string         `json:"summary"`
	StructuredContext map[string]any `json:"structured_context"`
	ImageURI          string         `json:"image_uri"`
	RiskLevel         string         `json:"risk_level"`
	Confidence        float64        `json:"confidence"`
	TS                int64          `json:"ts"`
}

// IngestImage runs the full ingestion path for one frame. Near-duplicate
// frames skip analysis but are still recorded, so the timeline stays
// complete.
func (p *Pipeline) IngestImage(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("vision: session_id is required")
	}
	imageBytes, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil || len(imageBytes) == 0 {
		return nil, fmt.Errorf("vision: invalid image payload")
	}
	tsMS := req.TS
	if tsMS <= 0 {
		tsMS = time.Now().UnixMilli()
	}
	mime := req.Mime
	if mime == "" {
		mime = "image/jpeg"
	}

	imageHash := ComputeImageHash(imageBytes)
	recent, err := p.store.ListImages(req.SessionID, p.hashWindow)
	if err != nil {
		return nil, fmt.Errorf("vision: load recent images: %w", err)
	}
	hashes := make([]string, len(recent))
	for i, r := range recent {
		hashes[i] = r.Hash
	}

	// A near-duplicate frame reuses the nearest prior frame's structured
	// context instead of spending another analysis call. A prior frame that
	// never produced a context (analysis failed back then) is analyzed fresh.
	var prior *store.LifelogContext
	if idx := NearestIndex(imageHash, hashes, p.maxDistance); idx >= 0 {
		prior, _, err = p.store.GetContext(recent[idx].ID)
		if err != nil {
			return nil, fmt.Errorf("vision: load prior context: %w", err)
		}
	}
	isDedup := prior != nil

	imageURI := fmt.Sprintf("inline:%s;hash=%s", mime, imageHash)
	var deleted []string
	if p.assets != nil {
		imageURI, deleted, err = p.assets.Persist(ctx, req.SessionID, imageBytes, mime, imageHash, tsMS)
		if err != nil {
			return nil, fmt.Errorf("vision: persist asset: %w", err)
		}
	}

	imageID := uuid.NewString()
	img := &store.LifelogImage{
		ID:        imageID,
		SessionID: req.SessionID,
		ImageURI:  imageURI,
		Hash:      imageHash,
		Dedup:     isDedup,
		TS:        tsMS,
	}
	if err := p.store.SaveImage(img); err != nil {
		return nil, fmt.Errorf("vision: save image: %w", err)
	}
	p.markDeleted(req.SessionID, deleted)

	if isDedup {
		return p.reuseContext(prior, req, imageID, imageURI, tsMS)
	}

	analysis := defaultAnalysis(req.Metadata)
	if p.analyzer != nil {
		question := req.Question
		if question == "" {
			question = "describe scene"
		}
		raw, err := p.analyzer.Analyze(ctx, imageBytes, mime, question)
		if err != nil {
			p.logger.Warn("vision: analysis failed", "session_id", req.SessionID, "error", err)
		} else {
			analysis = mergeStructuredPayload(analysis, extractStructuredPayload(raw))
		}
	}

	summary := strings.TrimSpace(str(analysis["summary"]))
	if summary == "" {
		summary = "analysis pending"
	}
	riskLevel := str(analysis["risk_level"])
	if riskLevel == "" {
		riskLevel = "P3"
	}
	confidence := num(analysis["confidence"])

	lifelogCtx := &store.LifelogContext{
		ImageID:           imageID,
		SessionID:         req.SessionID,
		Summary:           summary,
		Objects:           mapList(analysis["objects"]),
		OCR:               mapList(analysis["ocr"]),
		RiskHints:         strList(analysis["risk_hints"]),
		ActionableSummary: strings.TrimSpace(str(analysis["actionable_summary"])),
		RiskLevel:         riskLevel,
		RiskScore:         num(analysis["risk_score"]),
		Confidence:        confidence,
		TS:                tsMS,
	}
	if err := p.store.SaveContext(lifelogCtx); err != nil {
		return nil, fmt.Errorf("vision: save context: %w", err)
	}

	title := summary
	if i := strings.IndexAny(title, ".。"); i > 0 {
		title = title[:i]
	}
	if len([]rune(title)) > 80 {
		title = string([]rune(title)[:80])
	}
	if p.indexer != nil {
		err := p.indexer.AddContext(ctx, imageID, title, summary, map[string]any{
			"session_id": req.SessionID,
			"ts":         tsMS,
			"dedup":      isDedup,
			"risk_level": riskLevel,
		})
		if err != nil {
			p.logger.Warn("vision: index failed", "image_id", imageID, "error", err)
		}
	}

	structured := map[string]any{
		"summary":            summary,
		"actionable_summary": lifelogCtx.ActionableSummary,
		"objects":            lifelogCtx.Objects,
		"ocr":                lifelogCtx.OCR,
		"risk_hints":         lifelogCtx.RiskHints,
		"risk_level":         riskLevel,
		"risk_score":         lifelogCtx.RiskScore,
		"confidence":         confidence,
	}
	event := &store.LifelogEvent{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		EventType: "image_ingested",
		Payload: map[string]any{
			"image_id":           imageID,
			"dedup":              isDedup,
			"summary":            summary,
			"question":           req.Question,
			"image_uri":          imageURI,
			"structured_context": structured,
		},
		RiskLevel:  riskLevel,
		Confidence: confidence,
		TS:         tsMS,
	}
	if err := p.store.AppendEvent(event); err != nil {
		return nil, fmt.Errorf("vision: append event: %w", err)
	}

	return &IngestResult{
		SessionID:         req.SessionID,
		ImageID:           imageID,
		Dedup:             isDedup,
		Summary:           summary,
		StructuredContext: structured,
		ImageURI:          imageURI,
		RiskLevel:         riskLevel,
		Confidence:        confidence,
		TS:                tsMS,
	}, nil
}

// reuseContext finishes a deduplicated ingest: the new frame stays on the
// timeline, but the result and the event carry the prior frame's structured
// context. No context row is written and nothing is re-indexed.
func (p *Pipeline) reuseContext(prior *store.LifelogContext, req IngestRequest, frameID, imageURI string, tsMS int64) (*IngestResult, error) {
	structured := map[string]any{
		"summary":            prior.Summary,
		"actionable_summary": prior.ActionableSummary,
		"objects":            prior.Objects,
		"ocr":                prior.OCR,
		"risk_hints":         prior.RiskHints,
		"risk_level":         prior.RiskLevel,
		"risk_score":         prior.RiskScore,
		"confidence":         prior.Confidence,
	}
	event := &store.LifelogEvent{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		EventType: "image_ingested",
		Payload: map[string]any{
			"image_id":           prior.ImageID,
			"frame_image_id":     frameID,
			"dedup":              true,
			"summary":            prior.Summary,
			"question":           req.Question,
			"image_uri":          imageURI,
			"structured_context": structured,
		},
		RiskLevel:  prior.RiskLevel,
		Confidence: prior.Confidence,
		TS:         tsMS,
	}
	if err := p.store.AppendEvent(event); err != nil {
		return nil, fmt.Errorf("vision: append event: %w", err)
	}
	return &IngestResult{
		SessionID:         req.SessionID,
		ImageID:           prior.ImageID,
		Dedup:             true,
		Summary:           prior.Summary,
		StructuredContext: structured,
		ImageURI:          imageURI,
		RiskLevel:         prior.RiskLevel,
		Confidence:        prior.Confidence,
		TS:                tsMS,
	}, nil
}

func (p *Pipeline) markDeleted(sessionID string, uris []string) {
	if len(uris) == 0 {
		return
	}
	evicted := map[string]bool{}
	for _, uri := range uris {
		evicted[uri] = true
	}
	imgs, err := p.store.ListImages(sessionID, 0)
	if err != nil {
		p.logger.Warn("vision: list images for eviction failed", "error", err)
		return
	}
	for _, img := range imgs {
		if evicted[img.ImageURI] {
			img.Deleted = true
			if err := p.store.SaveImage(img); err != nil {
				p.logger.Warn("vision: mark deleted failed", "image_id", img.ID, "error", err)
			}
		}
	}
}

// =============================================================================
// Analyzer payload extraction
// =============================================================================

func defaultAnalysis(metadata map[string]any) map[string]any {
	riskLevel := "P3"
	if metadata != nil {
		if v := str(metadata["risk_level"]); v != "" {
			riskLevel = v
		}
	}
	out := map[string]any{
		"summary":            "",
		"objects":            []map[string]any{},
		"ocr":                []map[string]any{},
		"risk_hints":         []string{},
		"actionable_summary": "",
		"risk_level":         riskLevel,
		"risk_score":         0.0,
		"confidence":         0.0,
	}
	if metadata != nil {
		out["risk_score"] = num(metadata["risk_score"])
		out["confidence"] = num(metadata["confidence"])
	}
	return out
}

// extractStructuredPayload parses analyzer output: a JSON object (repaired
// when malformed, fences stripped) or plain prose treated as the summary.
func extractStructuredPayload(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if body := jsonBody(text); body != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			if fixed, rerr := jsonrepair.JSONRepair(body); rerr == nil {
				if json.Unmarshal([]byte(fixed), &parsed) == nil {
					return parsed
				}
			}
		} else {
			return parsed
		}
	}
	return map[string]any{"summary": text}
}

// jsonBody extracts the outermost JSON object from text, tolerating markdown
// fences and prose around it.
func jsonBody(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func mergeStructuredPayload(defaults, payload map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range defaults {
		out[k] = v
	}
	if payload == nil {
		return out
	}

	if summary := firstStr(payload, "summary", "semantic_summary", "result", "text"); summary != "" {
		out["summary"] = summary
	}
	if action := firstStr(payload, "actionable_summary", "action", "guidance"); action != "" {
		out["actionable_summary"] = action
	}

	objects := payload["objects"]
	if objects == nil {
		objects = payload["detections"]
	}
	out["objects"] = normalizeObjects(objects)

	ocr := payload["ocr"]
	if ocr == nil {
		ocr = payload["ocr_items"]
	}
	out["ocr"] = normalizeOCR(ocr)

	hints := payload["risk_hints"]
	if hints == nil {
		hints = payload["warnings"]
	}
	out["risk_hints"] = normalizeStrings(hints)

	if risk := firstStr(payload, "risk_level", "risk"); risk != "" {
		out["risk_level"] = risk
	}
	if _, ok := payload["risk_score"]; ok {
		out["risk_score"] = num(payload["risk_score"])
	}
	if _, ok := payload["confidence"]; ok {
		out["confidence"] = num(payload["confidence"])
	}
	return out
}

func normalizeObjects(value any) []map[string]any {
	out := []map[string]any{}
	switch v := value.(type) {
	case string:
		if text := strings.TrimSpace(v); text != "" {
			out = append(out, map[string]any{"label": text})
		}
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				label := firstStr(it, "label", "name", "object")
				if label == "" {
					continue
				}
				normalized := map[string]any{"label": label}
				if conf, ok := it["confidence"]; ok {
					normalized["confidence"] = num(conf)
				}
				if bbox, ok := it["bbox"].(map[string]any); ok {
					normalized["bbox"] = bbox
				}
				out = append(out, normalized)
			default:
				if text := strings.TrimSpace(str(item)); text != "" {
					out = append(out, map[string]any{"label": text})
				}
			}
		}
	}
	return out
}

func normalizeOCR(value any) []map[string]any {
	out := []map[string]any{}
	switch v := value.(type) {
	case string:
		if text := strings.TrimSpace(v); text != "" {
			out = append(out, map[string]any{"text": text})
		}
	case []any:
		for _, item := range v {
			switch it := item.(type) {
			case map[string]any:
				text := firstStr(it, "text", "value")
				if text == "" {
					continue
				}
				normalized := map[string]any{"text": text}
				if conf, ok := it["confidence"]; ok {
					normalized["confidence"] = num(conf)
				}
				out = append(out, normalized)
			default:
				if text := strings.TrimSpace(str(item)); text != "" {
					out = append(out, map[string]any{"text": text})
				}
			}
		}
	}
	return out
}

func normalizeStrings(value any) []string {
	out := []string{}
	switch v := value.(type) {
	case string:
		if text := strings.TrimSpace(v); text != "" {
			out = append(out, text)
		}
	case []any:
		for _, item := range v {
			if text := strings.TrimSpace(str(item)); text != "" {
				out = append(out, text)
			}
		}
	case []string:
		for _, item := range v {
			if text := strings.TrimSpace(item); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}

func firstStr(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(str(m[key])); v != "" {
			return v
		}
	}
	return ""
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func num(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(x), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

func mapList(v any) []map[string]any {
	if list, ok := v.([]map[string]any); ok {
		return list
	}
	return nil
}

func strList(v any) []string {
	if list, ok := v.([]string); ok {
		return list
	}
	return nil
}
