package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencane/opencane/pkg/store"
)

// gradientPNG renders a horizontal gradient with a per-image brightness bias
// so distinct images get distinct but nearby perceptual hashes.
func gradientPNG(t *testing.T, bias uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*3) + bias})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// noisePNG renders a checkerboard, perceptually far from the gradient.
func noisePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x/4+y/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestComputeImageHash_Format(t *testing.T) {
	hash := ComputeImageHash(gradientPNG(t, 0))
	if !strings.HasPrefix(hash, "dhash:") || !strings.Contains(hash, ";blake2:") {
		t.Fatalf("hash = %q; want dhash and blake2 segments", hash)
	}

	// Undecodable bytes still get a blake2 segment.
	raw := ComputeImageHash([]byte("not an image"))
	if strings.Contains(raw, "dhash:") || !strings.HasPrefix(raw, "blake2:") {
		t.Errorf("hash = %q; want blake2 only", raw)
	}
}

func TestHammingDistance(t *testing.T) {
	a := ComputeImageHash(gradientPNG(t, 0))
	same := ComputeImageHash(gradientPNG(t, 0))
	near := ComputeImageHash(gradientPNG(t, 4))
	far := ComputeImageHash(noisePNG(t))

	if d := HammingDistance(a, same); d != 0 {
		t.Errorf("identical distance = %d; want 0", d)
	}
	if d := HammingDistance(a, near); d > 8 {
		t.Errorf("near distance = %d; want <= 8", d)
	}
	if d := HammingDistance(a, far); d <= 8 {
		t.Errorf("far distance = %d; want > 8", d)
	}
}

func TestHammingDistance_LegacyFormats(t *testing.T) {
	if d := HammingDistance("blake2:ff00", "ff00"); d != 0 {
		t.Errorf("prefixed vs bare = %d; want 0", d)
	}
	if d := HammingDistance("ff00", "ff01"); d != 1 {
		t.Errorf("bare hex distance = %d; want 1", d)
	}
	// dhash outranks blake2 when both sides carry it.
	if d := HammingDistance("dhash:00;blake2:ff", "dhash:00;blake2:00"); d != 0 {
		t.Errorf("shared dhash distance = %d; want 0", d)
	}
	// No shared algorithm is maximally distant.
	if d := HammingDistance("dhash:00", "blake2:00"); d != 64 {
		t.Errorf("disjoint distance = %d; want 64", d)
	}
}

func TestIsNearDuplicate(t *testing.T) {
	a := ComputeImageHash(gradientPNG(t, 0))
	near := ComputeImageHash(gradientPNG(t, 4))
	far := ComputeImageHash(noisePNG(t))

	if !IsNearDuplicate(a, []string{far, near}, 8) {
		t.Error("near hash within threshold must match")
	}
	if IsNearDuplicate(a, []string{far}, 8) {
		t.Error("far hash must not match")
	}
	if IsNearDuplicate(a, nil, 8) {
		t.Error("empty candidates must not match")
	}
}

func TestAssetRelPath(t *testing.T) {
	rel := assetRelPath("dev 1/session", "image/png", "dhash:abc;blake2:def", 1700000000000)
	if !strings.HasPrefix(rel, "dev-1-session/20231114/1700000000000-") {
		t.Errorf("rel = %q", rel)
	}
	if !strings.HasSuffix(rel, ".png") {
		t.Errorf("rel = %q; want .png suffix", rel)
	}
	if strings.Contains(rel, ":") || strings.Contains(rel, ";") {
		t.Errorf("rel = %q; hash separators must be sanitized", rel)
	}
}

func TestLocalAssetStore_PersistAndCleanup(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalAssetStore(dir, 2, 1) // cleanup after every write
	if err != nil {
		t.Fatalf("NewLocalAssetStore: %v", err)
	}

	ctx := context.Background()
	var lastDeleted []string
	for i := 0; i < 4; i++ {
		uri, deleted, err := s.Persist(ctx, "s1", []byte{byte(i)}, "image/jpeg", "h", int64(1000+i))
		if err != nil {
			t.Fatalf("Persist error: %v", err)
		}
		if !strings.HasPrefix(uri, URIPrefix) {
			t.Fatalf("uri = %q", uri)
		}
		if full := s.Resolve(uri); full == "" {
			t.Fatalf("Resolve(%q) failed", uri)
		} else if i >= 2 {
			if _, err := os.Stat(full); err != nil {
				t.Fatalf("persisted file missing: %v", err)
			}
		}
		lastDeleted = deleted
	}
	_ = lastDeleted

	var remaining int
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, _ error) error {
		if d != nil && !d.IsDir() {
			remaining++
		}
		return nil
	})
	if remaining > 2 {
		t.Errorf("remaining files = %d; retention bound is 2", remaining)
	}
}

// stubAnalyzer returns a canned response and counts calls.
type stubAnalyzer struct {
	response string
	calls    int
}

func (a *stubAnalyzer) Analyze(context.Context, []byte, string, string) (string, error) {
	a.calls++
	return a.response, nil
}

func TestPipeline_IngestAndDedup(t *testing.T) {
	db := store.OpenMemory()
	defer db.Close()

	// Trailing comma: repaired before parsing.
	analyzer := &stubAnalyzer{response: "```json\n" + `{"summary": "storefront ahead", "objects": [{"label": "door", "confidence": 0.9}], "risk_level": "P1", "confidence": 0.8,}` + "\n```"}
	p := NewPipeline(PipelineOptions{Store: db, Analyzer: analyzer})

	frame := base64.StdEncoding.EncodeToString(gradientPNG(t, 0))
	res, err := p.IngestImage(context.Background(), IngestRequest{SessionID: "s1", ImageBase64: frame})
	if err != nil {
		t.Fatalf("IngestImage error: %v", err)
	}
	if res.Dedup {
		t.Error("first frame must not be a duplicate")
	}
	if res.Summary != "storefront ahead" || res.RiskLevel != "P1" {
		t.Errorf("result = %+v", res)
	}
	if analyzer.calls != 1 {
		t.Errorf("analyzer calls = %d; want 1", analyzer.calls)
	}

	lifelogCtx, ok, err := db.GetContext(res.ImageID)
	if err != nil || !ok {
		t.Fatalf("GetContext = (%v, %v)", ok, err)
	}
	if len(lifelogCtx.Objects) != 1 || lifelogCtx.Objects[0]["label"] != "door" {
		t.Errorf("objects = %v", lifelogCtx.Objects)
	}

	// A perceptually identical frame is deduplicated: no analysis call, the
	// prior structured context comes back, and no new context row appears.
	res2, err := p.IngestImage(context.Background(), IngestRequest{SessionID: "s1", ImageBase64: frame})
	if err != nil {
		t.Fatalf("IngestImage error: %v", err)
	}
	if !res2.Dedup {
		t.Error("identical frame must be a duplicate")
	}
	if res2.Summary != "storefront ahead" || res2.RiskLevel != "P1" {
		t.Errorf("dedup result = %+v; want the prior analysis", res2)
	}
	if res2.ImageID != res.ImageID {
		t.Errorf("dedup image_id = %q; want prior context id %q", res2.ImageID, res.ImageID)
	}
	if analyzer.calls != 1 {
		t.Errorf("analyzer calls = %d; dedup must skip analysis", analyzer.calls)
	}

	// Both frames are on the timeline, but only the first has a context row.
	imgs, err := db.ListImages("s1", 0)
	if err != nil || len(imgs) != 2 {
		t.Fatalf("images = %d (%v); want 2", len(imgs), err)
	}
	for _, img := range imgs {
		_, ok, err := db.GetContext(img.ID)
		if err != nil {
			t.Fatalf("GetContext(%s): %v", img.ID, err)
		}
		if img.ID == res.ImageID && !ok {
			t.Errorf("prior frame lost its context row")
		}
		if img.ID != res.ImageID && ok {
			t.Errorf("dedup frame %s grew its own context row", img.ID)
		}
	}

	events, err := db.ListEvents("s1", 0)
	if err != nil || len(events) != 2 {
		t.Fatalf("events = %d (%v); want 2", len(events), err)
	}
	if events[0].EventType != "image_ingested" {
		t.Errorf("event type = %q", events[0].EventType)
	}
	if events[0].Payload["dedup"] != true || events[0].Payload["image_id"] != res.ImageID {
		t.Errorf("dedup event payload = %v; want dedup true referencing %s", events[0].Payload, res.ImageID)
	}
}

func TestPipeline_DedupAfterFailedAnalysis(t *testing.T) {
	db := store.OpenMemory()
	defer db.Close()

	analyzer := &stubAnalyzer{response: `{"summary":"bus stop"}`}
	p := NewPipeline(PipelineOptions{Store: db, Analyzer: analyzer})

	// A prior frame without a context row (persisted directly, as if its
	// analysis had failed) must not satisfy a later duplicate; the new frame
	// gets analyzed fresh.
	raw := gradientPNG(t, 0)
	if err := db.SaveImage(&store.LifelogImage{
		ID:        "orphan",
		SessionID: "s1",
		Hash:      ComputeImageHash(raw),
		TS:        1000,
	}); err != nil {
		t.Fatalf("SaveImage: %v", err)
	}

	frame := base64.StdEncoding.EncodeToString(raw)
	res, err := p.IngestImage(context.Background(), IngestRequest{SessionID: "s1", ImageBase64: frame})
	if err != nil {
		t.Fatalf("IngestImage error: %v", err)
	}
	if res.Dedup {
		t.Error("frame with no reusable context must not dedup")
	}
	if res.Summary != "bus stop" || analyzer.calls != 1 {
		t.Errorf("res = %+v calls = %d; want fresh analysis", res, analyzer.calls)
	}
}

func TestExtractStructuredPayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		summary string
	}{
		{"clean_json", `{"summary":"a"}`, "a"},
		{"fenced", "Here you go:\n```json\n{\"summary\":\"b\"}\n```", "b"},
		{"repairable", `{"summary": 'c', }`, "c"},
		{"prose", "just a plain sentence", "just a plain sentence"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := extractStructuredPayload(tc.raw)
			if got["summary"] != tc.summary {
				t.Errorf("summary = %v; want %q", got["summary"], tc.summary)
			}
		})
	}
}
