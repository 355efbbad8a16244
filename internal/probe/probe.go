// Package probe turns a monitor and its type-specific config into samples.
// Probes never return errors across the boundary; every failure becomes a
// status=error sample with an error message and kind.
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/argusmon/argus/internal/models"
)

// Prober is the single operation a probe implements. Implementations must
// honor the ctx deadline, never panic, and be safe for concurrent use on
// different monitors.
type Prober interface {
	Check(ctx context.Context, mon *models.Monitor) *models.Sample
}

// Metadata keys shared across probes.
const (
	MetaErrorKind = "error_kind" // "transient" or "terminal"
	MetaMessage   = "message"    // probe-supplied alert message override
	MetaReason    = "reason"     // human verdict for non-ok classifications
)

// Error kinds stored under MetaErrorKind. Transient failures (network,
// timeout) are expected to clear on a later tick; terminal failures (bad
// credentials, malformed config) will not until the monitor is edited.
const (
	KindTransient = "transient"
	KindTerminal  = "terminal"
)

// Registry maps monitor types to probes.
type Registry struct {
	probes map[models.MonitorType]Prober
	mu     sync.RWMutex
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// GetRegistry returns the singleton probe registry with all built-in probes
// registered.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		globalRegistry = NewRegistry()
		globalRegistry.initializeProbes()
	})
	return globalRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[models.MonitorType]Prober)}
}

// initializeProbes registers the built-in probe for every monitor type.
func (r *Registry) initializeProbes() {
	httpGet := NewHTTPProbe(false)
	httpPost := NewHTTPProbe(true)
	system := &SystemProbe{}

	r.Register(models.TypeURL, httpGet)
	r.Register(models.TypeAPIPost, httpPost)
	r.Register(models.TypePing, &PingProbe{})
	r.Register(models.TypeSSH, &SSHProbe{})
	r.Register(models.TypeAWS, NewAWSProbe())
	r.Register(models.TypeCertificate, &CertificateProbe{})
	r.Register(models.TypeLog, &LogProbe{})
	r.Register(models.TypeCPU, system)
	r.Register(models.TypeMem, system)
	r.Register(models.TypeDisk, system)
	r.Register(models.TypeCustom, &CustomProbe{})
}

// Register binds a probe to a monitor type.
func (r *Registry) Register(t models.MonitorType, p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[t] = p
}

// Get returns the probe for a monitor type.
func (r *Registry) Get(t models.MonitorType) (Prober, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.probes[t]
	if !exists {
		return nil, fmt.Errorf("no probe registered for type %q", t)
	}
	return p, nil
}

// Types returns the registered monitor types.
func (r *Registry) Types() []models.MonitorType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.MonitorType, 0, len(r.probes))
	for t := range r.probes {
		out = append(out, t)
	}
	return out
}

// Execute runs the probe for the monitor under its timeout. Panics and
// unknown types degrade to error samples; the caller always receives a
// usable sample.
func (r *Registry) Execute(ctx context.Context, mon *models.Monitor) (s *models.Sample) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s = errorSample(mon, started, KindTerminal, "probe panic: %v", rec)
		}
	}()

	p, err := r.Get(mon.Type)
	if err != nil {
		return errorSample(mon, started, KindTerminal, "%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, mon.Timeout())
	defer cancel()
	return p.Check(ctx, mon)
}

// errorSample builds the status=error sample every failed probe produces.
func errorSample(mon *models.Monitor, started time.Time, kind string, format string, args ...interface{}) *models.Sample {
	return &models.Sample{
		MonitorID:      mon.ID,
		Timestamp:      time.Now(),
		Status:         models.StatusError,
		ResponseTimeMs: time.Since(started).Milliseconds(),
		ErrorMessage:   fmt.Sprintf(format, args...),
		Metadata:       models.Metadata{MetaErrorKind: kind},
	}
}

// valueSample builds a sample for a numeric observation classified against
// the monitor's thresholds.
func valueSample(mon *models.Monitor, started time.Time, value float64, md models.Metadata) *models.Sample {
	v := value
	return &models.Sample{
		MonitorID:      mon.ID,
		Timestamp:      time.Now(),
		Value:          &v,
		Status:         mon.Thresholds.Classify(value),
		ResponseTimeMs: time.Since(started).Milliseconds(),
		Metadata:       md,
	}
}

// parseNumeric extracts a float from command output: the whole trimmed
// string first, then the first parsable field. Nil when nothing parses.
func parseNumeric(out string) *float64 {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil
	}
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return &v
	}
	for _, field := range strings.Fields(trimmed) {
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			return &v
		}
	}
	return nil
}

// truncate caps captured output kept in sample metadata.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
