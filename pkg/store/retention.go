package store

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Retention bounds how much history the store keeps. Zero fields disable the
// corresponding cleanup.
type Retention struct {
	MaxEventAgeMS     int64 // lifelog events, telemetry, observability, traces
	MaxOperationAgeMS int64 // terminal device operations and sent pushes
	MaxImagesPerSess  int   // newest images kept per session
}

// Enabled reports whether any retention bound is set.
func (r Retention) Enabled() bool {
	return r.MaxEventAgeMS > 0 || r.MaxOperationAgeMS > 0 || r.MaxImagesPerSess > 0
}

// CleanupStats counts what one Cleanup pass removed.
type CleanupStats struct {
	Events     int `json:"events"`
	Operations int `json:"operations"`
	Pushes     int `json:"pushes"`
	Images     int `json:"images"`
	Samples    int `json:"samples"`
	Traces     int `json:"traces"`
}

// Cleanup removes history past the retention bounds: aged events, telemetry,
// observability samples and traces; terminal operations and sent pushes; and
// per-session images beyond the count cap together with their contexts.
func (s *Store) Cleanup(nowMS int64, r Retention) (CleanupStats, error) {
	var stats CleanupStats
	if !r.Enabled() {
		return stats, nil
	}

	if r.MaxEventAgeMS > 0 {
		cutoff := nowMS - r.MaxEventAgeMS
		n, err := s.deleteWhere("evt:", func(value []byte) (bool, error) {
			var ev LifelogEvent
			if err := msgpack.Unmarshal(value, &ev); err != nil {
				return false, err
			}
			return ev.TS < cutoff, nil
		})
		if err != nil {
			return stats, err
		}
		stats.Events = n

		n, err = s.deleteWhere("tsmp:", func(value []byte) (bool, error) {
			var t TelemetrySample
			if err := msgpack.Unmarshal(value, &t); err != nil {
				return false, err
			}
			return t.TS < cutoff, nil
		})
		if err != nil {
			return stats, err
		}
		stats.Samples = n

		n, err = s.deleteWhere("obs:", func(value []byte) (bool, error) {
			var o ObservabilitySample
			if err := msgpack.Unmarshal(value, &o); err != nil {
				return false, err
			}
			return o.TS < cutoff, nil
		})
		if err != nil {
			return stats, err
		}
		stats.Samples += n

		n, err = s.deleteWhere("trace:", func(value []byte) (bool, error) {
			var tr ThoughtTrace
			if err := msgpack.Unmarshal(value, &tr); err != nil {
				return false, err
			}
			return tr.TS < cutoff, nil
		})
		if err != nil {
			return stats, err
		}
		stats.Traces = n
	}

	if r.MaxOperationAgeMS > 0 {
		cutoff := nowMS - r.MaxOperationAgeMS
		n, err := s.deleteWhere("op:", func(value []byte) (bool, error) {
			var op DeviceOperation
			if err := msgpack.Unmarshal(value, &op); err != nil {
				return false, err
			}
			terminal := op.Status == "acked" || op.Status == "failed" || op.Status == "canceled"
			return terminal && op.CreatedAtMS < cutoff, nil
		})
		if err != nil {
			return stats, err
		}
		stats.Operations = n

		n, err = s.deleteWhere("push:", func(value []byte) (bool, error) {
			var p PushUpdate
			if err := msgpack.Unmarshal(value, &p); err != nil {
				return false, err
			}
			return p.Sent && p.CreatedAtMS < cutoff, nil
		})
		if err != nil {
			return stats, err
		}
		stats.Pushes = n
	}

	if r.MaxImagesPerSess > 0 {
		n, err := s.trimImages(r.MaxImagesPerSess)
		if err != nil {
			return stats, err
		}
		stats.Images = n
	}
	return stats, nil
}

// deleteWhere collects matching keys under a prefix, then deletes them. The
// two phases keep the scan free of concurrent writes to its own iterator.
func (s *Store) deleteWhere(prefix string, match func(value []byte) (bool, error)) (int, error) {
	var doomed [][]byte
	err := s.kv.scan([]byte(prefix), func(key, value []byte) (bool, error) {
		hit, err := match(value)
		if err != nil {
			return false, err
		}
		if hit {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range doomed {
		if err := s.kv.del(key); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// trimImages drops the oldest images beyond the per-session cap, along with
// their id index entries and structured contexts.
func (s *Store) trimImages(keep int) (int, error) {
	type entry struct {
		key []byte
		img LifelogImage
	}
	bySession := map[string][]entry{}
	err := s.kv.scan([]byte("img:"), func(key, value []byte) (bool, error) {
		var img LifelogImage
		if err := msgpack.Unmarshal(value, &img); err != nil {
			return false, err
		}
		bySession[img.SessionID] = append(bySession[img.SessionID], entry{
			key: append([]byte(nil), key...),
			img: img,
		})
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entries := range bySession {
		if len(entries) <= keep {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].img.TS > entries[j].img.TS })
		for _, e := range entries[keep:] {
			if err := s.kv.del(e.key); err != nil {
				return removed, err
			}
			if err := s.kv.del([]byte(imageIndexKey(e.img.ID))); err != nil {
				return removed, err
			}
			if err := s.kv.del([]byte("ctx:" + e.img.ID)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
