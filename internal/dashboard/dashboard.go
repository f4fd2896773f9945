// Package dashboard implements the Monitoring Dashboard (spec §4.6):
// aggregated system health, per-endpoint metrics, top error clusters,
// suggestions, and the AlertRecord lifecycle, with JSON/CSV/YAML export and
// a gin HTTP surface. Each Snapshot is computed on demand; past snapshots are
// not kept, and no anomaly detection is done.
//
// Grounded on the teacher's gin-based HTTP handler idiom (its deleted
// internal/api handlers registered gin routes the same way cmd/sentineld
// registers this package's routes) and internal/metrics for the snapshot
// shape it aggregates.
package dashboard

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/riskshield/sentinel-core/internal/analyzer"
	"github.com/riskshield/sentinel-core/internal/metrics"
	"gopkg.in/yaml.v3"
)

// Status is the overall system health verdict.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// AlertType categorizes an AlertRecord.
type AlertType string

const (
	AlertPerformance AlertType = "performance"
	AlertError       AlertType = "error"
	AlertSystem      AlertType = "system"
)

// Severity of an AlertRecord.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRecord is the spec §3 alert entity, owned exclusively by the
// dashboard.
type AlertRecord struct {
	ID           string
	Type         AlertType
	Severity     Severity
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	Acknowledged bool
	Resolved     bool
	Context      map[string]interface{}
}

// Snapshot is the dashboard's aggregated view.
type Snapshot struct {
	GeneratedAt    time.Time
	Status         Status
	HealthScore    float64
	Endpoints      []metrics.EndpointSnapshot
	TopErrors      []analyzer.Cluster
	Suggestions    []string
	ActiveAlerts   []AlertRecord
}

// Dashboard aggregates the metrics collector and log analyzer into a
// single operator-facing view, and owns AlertRecord lifecycle.
type Dashboard struct {
	collector *metrics.Collector
	analyzer  *analyzer.Analyzer

	mu     sync.Mutex
	alerts map[string]*AlertRecord
}

// New constructs a Dashboard.
func New(collector *metrics.Collector, an *analyzer.Analyzer) *Dashboard {
	return &Dashboard{
		collector: collector,
		analyzer:  an,
		alerts:    make(map[string]*AlertRecord),
	}
}

// Snapshot computes the current aggregated view, deriving status per spec
// §4.6: critical if healthScore<50 or errorRate>=0.10; warning if
// healthScore<80 or errorRate>=0.05 or avgResponse>=1000ms; else healthy.
func (d *Dashboard) Snapshot() Snapshot {
	report := d.analyzer.Analyze()
	endpoints := d.collector.SnapshotAll()

	var totalCalls, totalErrors int64
	var totalResponse float64
	for _, e := range endpoints {
		totalCalls += e.Count
		totalErrors += e.ErrorCount
		totalResponse += e.AvgResponseMs * float64(e.Count)
	}
	var errorRate, avgResponse float64
	if totalCalls > 0 {
		errorRate = float64(totalErrors) / float64(totalCalls)
		avgResponse = totalResponse / float64(totalCalls)
	}

	status := deriveStatus(report.HealthScore, errorRate, avgResponse)
	d.maybeRaiseAlerts(status, errorRate, avgResponse)

	topErrors := report.Clusters
	if len(topErrors) > 10 {
		topErrors = topErrors[:10]
	}

	return Snapshot{
		GeneratedAt:  time.Now(),
		Status:       status,
		HealthScore:  report.HealthScore,
		Endpoints:    endpoints,
		TopErrors:    topErrors,
		Suggestions:  report.Suggestions,
		ActiveAlerts: d.activeAlerts(),
	}
}

func deriveStatus(healthScore, errorRate, avgResponseMs float64) Status {
	if healthScore < 50 || errorRate >= 0.10 {
		return StatusCritical
	}
	if healthScore < 80 || errorRate >= 0.05 || avgResponseMs >= 1000 {
		return StatusWarning
	}
	return StatusHealthy
}

func (d *Dashboard) maybeRaiseAlerts(status Status, errorRate, avgResponse float64) {
	if status == StatusHealthy {
		return
	}
	severity := SeverityWarning
	if status == StatusCritical {
		severity = SeverityCritical
	}
	d.raiseAlert(AlertPerformance, severity, map[string]interface{}{
		"errorRate":   errorRate,
		"avgResponse": avgResponse,
	})
}

func (d *Dashboard) raiseAlert(t AlertType, sev Severity, ctx map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for _, a := range d.alerts {
		if a.Type == t && a.Severity == sev && !a.Resolved {
			a.LastSeenAt = now
			a.Context = ctx
			return
		}
	}
	id := uuid.NewString()
	d.alerts[id] = &AlertRecord{
		ID:          id,
		Type:        t,
		Severity:    sev,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Context:     ctx,
	}
}

func (d *Dashboard) activeAlerts() []AlertRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AlertRecord, 0, len(d.alerts))
	for _, a := range d.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// Acknowledge marks an alert acknowledged.
func (d *Dashboard) Acknowledge(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.alerts[id]
	if !ok {
		return false
	}
	a.Acknowledged = true
	return true
}

// Resolve marks an alert resolved.
func (d *Dashboard) Resolve(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.alerts[id]
	if !ok {
		return false
	}
	a.Resolved = true
	return true
}

// Reset clears all alerts.
func (d *Dashboard) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = make(map[string]*AlertRecord)
}

// ExportJSON serializes the current snapshot as JSON.
func (d *Dashboard) ExportJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

// ExportCSV serializes the current per-endpoint snapshot as CSV, one row
// per endpoint, in the column order spec §6 mandates.
func (d *Dashboard) ExportCSV() ([]byte, error) {
	snap := d.Snapshot()
	timestamp := snap.GeneratedAt.UTC().Format(time.RFC3339)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"timestamp", "endpoint", "totalRequests", "successfulRequests", "failedRequests",
		"averageResponseTime", "errorRatePct", "cacheHitRatePct"})
	for _, e := range snap.Endpoints {
		successful := e.Count - e.ErrorCount
		var errorRatePct, cacheHitRatePct float64
		if e.Count > 0 {
			errorRatePct = float64(e.ErrorCount) / float64(e.Count) * 100
			cacheHitRatePct = float64(e.CacheHits) / float64(e.Count) * 100
		}
		_ = w.Write([]string{
			timestamp,
			e.Endpoint,
			strconv.FormatInt(e.Count, 10),
			strconv.FormatInt(successful, 10),
			strconv.FormatInt(e.ErrorCount, 10),
			fmt.Sprintf("%.2f", e.AvgResponseMs),
			fmt.Sprintf("%.2f", errorRatePct),
			fmt.Sprintf("%.2f", cacheHitRatePct),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportYAML serializes the current snapshot as YAML, the operator-facing
// alternative to ExportJSON for config-style tooling that already reads
// YAML elsewhere in the deployment.
func (d *Dashboard) ExportYAML() ([]byte, error) {
	return yaml.Marshal(d.Snapshot())
}

// RegisterRoutes wires the dashboard's HTTP surface onto an existing gin
// engine, the same registration-on-an-injected-engine pattern the teacher
// used for its (now-removed) API handlers.
func (d *Dashboard) RegisterRoutes(r gin.IRoutes) {
	r.GET("/dashboard/snapshot", func(c *gin.Context) {
		c.JSON(200, d.Snapshot())
	})
	r.GET("/dashboard/export.csv", func(c *gin.Context) {
		data, err := d.ExportCSV()
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Data(200, "text/csv", data)
	})
	r.GET("/dashboard/export.yaml", func(c *gin.Context) {
		data, err := d.ExportYAML()
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Data(200, "application/yaml", data)
	})
	r.POST("/dashboard/alerts/:id/acknowledge", func(c *gin.Context) {
		if !d.Acknowledge(c.Param("id")) {
			c.JSON(404, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(200, gin.H{"ok": true})
	})
	r.POST("/dashboard/alerts/:id/resolve", func(c *gin.Context) {
		if !d.Resolve(c.Param("id")) {
			c.JSON(404, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(200, gin.H{"ok": true})
	})
	r.POST("/dashboard/reset", func(c *gin.Context) {
		d.Reset()
		c.JSON(200, gin.H{"ok": true})
	})
}
