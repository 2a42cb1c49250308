// Package vision implements the image side of the lifelog: perceptual
// dedup hashing, managed image assets, and the ingestion pipeline that turns
// device camera frames into structured scene context.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"math/big"
	"math/bits"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/crypto/blake2b"
)

// ComputeImageHash builds the multi-hash payload used for near-duplicate
// matching: a perceptual dhash when the image decodes, always backed by a
// short blake2 content hash for exact matching and legacy records.
func ComputeImageHash(imageBytes []byte) string {
	var parts []string
	if dhash := computeDHash(imageBytes); dhash != "" {
		parts = append(parts, "dhash:"+dhash)
	}
	digest := blake2b.Sum256(imageBytes)
	parts = append(parts, fmt.Sprintf("blake2:%x", digest[:8]))
	return strings.Join(parts, ";")
}

// HammingDistance compares two hash payloads over their first shared
// algorithm. Accepted formats: "dhash:<hex>;blake2:<hex>", a single prefixed
// hash, or bare hex (treated as blake2). Payloads with no shared algorithm
// are treated as maximally distant.
func HammingDistance(hashA, hashB string) int {
	left := parseHashPayload(hashA)
	right := parseHashPayload(hashB)
	for _, algo := range []string{"dhash", "phash", "blake2"} {
		l, okL := left[algo]
		r, okR := right[algo]
		if okL && okR {
			return hexHamming(l, r)
		}
	}
	return 64
}

// IsNearDuplicate reports whether current is within maxDistance of any
// candidate hash.
func IsNearDuplicate(current string, candidates []string, maxDistance int) bool {
	return NearestIndex(current, candidates, maxDistance) >= 0
}

// NearestIndex returns the index of the candidate closest to current within
// maxDistance, or -1 when none qualifies.
func NearestIndex(current string, candidates []string, maxDistance int) int {
	if maxDistance < 0 {
		maxDistance = 0
	}
	best := -1
	bestDist := maxDistance + 1
	for i, candidate := range candidates {
		if d := HammingDistance(current, candidate); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func parseHashPayload(value string) map[string]string {
	text := strings.ToLower(strings.TrimSpace(value))
	if text == "" {
		return nil
	}
	out := map[string]string{}
	for _, seg := range strings.Split(text, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if name, payload, ok := strings.Cut(seg, ":"); ok {
			name = strings.TrimSpace(name)
			payload = strings.TrimSpace(payload)
			if name != "" && isHex(payload) {
				out[name] = payload
			}
			continue
		}
		if isHex(seg) {
			out["blake2"] = seg
		}
	}
	return out
}

func hexHamming(left, right string) int {
	l, okL := new(big.Int).SetString(left, 16)
	r, okR := new(big.Int).SetString(right, 16)
	if !okL || !okR {
		return 64
	}
	xor := new(big.Int).Xor(l, r)
	distance := 0
	for _, word := range xor.Bits() {
		distance += bits.OnesCount(uint(word))
	}
	return distance
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	_, ok := new(big.Int).SetString(value, 16)
	return ok
}

// computeDHash builds a 64-bit row-gradient hash over a 9x8 grayscale
// downsample. Returns "" when the bytes do not decode as an image.
func computeDHash(imageBytes []byte) string {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return ""
	}
	pixels := grayscaleResize(img, 9, 8)
	var hash uint64
	for y := 0; y < 8; y++ {
		row := y * 9
		for x := 0; x < 8; x++ {
			hash <<= 1
			if pixels[row+x] > pixels[row+x+1] {
				hash |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", hash)
}

// grayscaleResize downsamples img to w x h luma values by averaging each
// source cell.
func grayscaleResize(img image.Image, w, h int) []float64 {
	boundsRect := img.Bounds()
	srcW := boundsRect.Dx()
	srcH := boundsRect.Dy()
	out := make([]float64, w*h)
	if srcW == 0 || srcH == 0 {
		return out
	}
	for y := 0; y < h; y++ {
		y0 := boundsRect.Min.Y + y*srcH/h
		y1 := boundsRect.Min.Y + (y+1)*srcH/h
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < w; x++ {
			x0 := boundsRect.Min.X + x*srcW/w
			x1 := boundsRect.Min.X + (x+1)*srcW/w
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum float64
			var count int
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					r, g, b, _ := img.At(sx, sy).RGBA()
					// ITU-R 601 luma over 16-bit channels.
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
					count++
				}
			}
			out[y*w+x] = sum / float64(count) / 257.0
		}
	}
	return out
}
