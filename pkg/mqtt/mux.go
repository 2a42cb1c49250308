package mqtt

import "sync"

// Handler receives every message published to a matching topic.
type Handler func(topic string, payload []byte)

// ServeMux routes inbound publishes to handlers by topic filter. Filters use
// the standard wildcards: + matches one level, # matches the remaining
// levels. Safe for concurrent use.
type ServeMux struct {
	mu     sync.RWMutex
	routes []route
}

type route struct {
	filter  string
	handler Handler
}

// NewServeMux returns an empty mux.
func NewServeMux() *ServeMux {
	return &ServeMux{}
}

// Handle registers a handler for the filter. Multiple handlers may match one
// topic; all of them run.
func (sm *ServeMux) Handle(filter string, h Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.routes = append(sm.routes, route{filter: filter, handler: h})
}

// Dispatch delivers the message to every matching handler and reports whether
// at least one matched.
func (sm *ServeMux) Dispatch(topic string, payload []byte) bool {
	sm.mu.RLock()
	routes := sm.routes
	sm.mu.RUnlock()

	matched := false
	for _, r := range routes {
		if MatchTopic(r.filter, topic) {
			matched = true
			r.handler(topic, payload)
		}
	}
	return matched
}

// MatchTopic reports whether a concrete topic matches a subscription filter.
func MatchTopic(filter, topic string) bool {
	fi, ti := 0, 0
	for fi < len(filter) {
		fseg, fnext := nextSegment(filter, fi)
		if fseg == "#" {
			return true
		}
		if ti > len(topic) {
			return false
		}
		tseg, tnext := nextSegment(topic, ti)
		if fseg != "+" && fseg != tseg {
			return false
		}
		fi, ti = fnext, tnext
	}
	return ti > len(topic)
}

// nextSegment returns the level starting at i and the index one past its
// trailing slash.
func nextSegment(s string, i int) (string, int) {
	for j := i; j < len(s); j++ {
		if s[j] == '/' {
			return s[i:j], j + 1
		}
	}
	return s[i:], len(s) + 1
}
