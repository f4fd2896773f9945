// Package analyzer implements the Log Analyzer (spec §4.6): consumes the
// logger's ring buffer, clusters entries by a stable error signature, and
// computes a health score with rule-based suggestions.
//
// No pack file performs log clustering directly; built in the teacher's
// idiom (zapcore levels; entries are read through RingBuffer.Snapshot, which
// copies under the buffer's own mutex) over internal/logging.RingBuffer,
// since no retrieved example or ecosystem library in the pack does
// stable-signature log clustering.
package analyzer

import (
	"sort"
	"strings"
	"time"

	"github.com/riskshield/sentinel-core/internal/logging"
	"go.uber.org/zap/zapcore"
)

// Cluster groups log entries sharing a stable signature.
type Cluster struct {
	Signature  string
	Count      int
	FirstSeen  time.Time
	LastSeen   time.Time
	SampleMsg  string
	Level      zapcore.Level
}

// Report is the analyzer's computed output.
type Report struct {
	GeneratedAt time.Time
	HealthScore float64
	Clusters    []Cluster
	Suggestions []string
}

// Rule maps a cluster pattern to an operator-facing suggestion.
type Rule struct {
	Match      func(Cluster) bool
	Suggestion string
}

// DefaultRules mirrors the spec's example ("persistent DB errors -> check
// connections") plus the other failure classes the core's error taxonomy
// names.
func DefaultRules() []Rule {
	return []Rule{
		{
			Match:      func(c Cluster) bool { return strings.Contains(strings.ToLower(c.SampleMsg), "database") && c.Count >= 5 },
			Suggestion: "Persistent database errors detected: check connection pool health and store reachability.",
		},
		{
			Match:      func(c Cluster) bool { return strings.Contains(strings.ToLower(c.SampleMsg), "circuit") && c.Count >= 3 },
			Suggestion: "Repeated circuit breaker trips: inspect the downstream dependency before raising failureThreshold.",
		},
		{
			Match:      func(c Cluster) bool { return strings.Contains(strings.ToLower(c.SampleMsg), "timeout") && c.Count >= 5 },
			Suggestion: "Frequent timeouts: consider raising requestTimeout or investigating slow queries.",
		},
		{
			Match:      func(c Cluster) bool { return c.Level == zapcore.ErrorLevel && c.Count >= 10 },
			Suggestion: "High-volume error cluster detected: prioritize triage.",
		},
	}
}

// Analyzer computes Reports from a RingBuffer snapshot.
type Analyzer struct {
	ring  *logging.RingBuffer
	rules []Rule
}

// New constructs an Analyzer over ring, using rules (DefaultRules() if nil).
func New(ring *logging.RingBuffer, rules []Rule) *Analyzer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Analyzer{ring: ring, rules: rules}
}

// Analyze snapshots the ring buffer, clusters entries, and computes a
// health score and rule-derived suggestions.
func (a *Analyzer) Analyze() Report {
	entries := a.ring.Snapshot()
	clusters := clusterEntries(entries)

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Count > clusters[j].Count })

	var totalErrors, total int
	for _, e := range entries {
		total++
		if e.Level >= zapcore.ErrorLevel {
			totalErrors++
		}
	}

	health := 100.0
	if total > 0 {
		errorRate := float64(totalErrors) / float64(total)
		health = 100.0 * (1.0 - errorRate)
	}

	var suggestions []string
	for _, c := range clusters {
		for _, rule := range a.rules {
			if rule.Match(c) {
				suggestions = append(suggestions, rule.Suggestion)
			}
		}
	}

	return Report{
		GeneratedAt: time.Now(),
		HealthScore: health,
		Clusters:    clusters,
		Suggestions: dedupeStrings(suggestions),
	}
}

// clusterEntries groups entries by signature: level + message with any
// embedded digit runs collapsed, so "db timeout after 204ms" and
// "db timeout after 91ms" share a signature.
func clusterEntries(entries []logging.Entry) []Cluster {
	byKey := make(map[string]*Cluster)
	for _, e := range entries {
		sig := signature(e)
		c, ok := byKey[sig]
		if !ok {
			c = &Cluster{Signature: sig, SampleMsg: e.Message, Level: e.Level, FirstSeen: e.At, LastSeen: e.At}
			byKey[sig] = c
		}
		c.Count++
		if e.At.Before(c.FirstSeen) {
			c.FirstSeen = e.At
		}
		if e.At.After(c.LastSeen) {
			c.LastSeen = e.At
		}
	}

	out := make([]Cluster, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, *c)
	}
	return out
}

func signature(e logging.Entry) string {
	var b strings.Builder
	b.WriteString(e.Level.String())
	b.WriteByte(':')
	inDigitRun := false
	for _, r := range e.Message {
		if r >= '0' && r <= '9' {
			if !inDigitRun {
				b.WriteByte('#')
				inDigitRun = true
			}
			continue
		}
		inDigitRun = false
		b.WriteRune(r)
	}
	return b.String()
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
