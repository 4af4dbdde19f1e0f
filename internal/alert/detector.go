package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/t77yq/alert-scheduler/internal/model"
)

// Detector re-checks, at evaluation time, whether an anomaly is still present
type Detector interface {
	Name() string
	Detect(ctx context.Context, et *model.ExceptionType, event *model.ExceptionEvent) (bool, error)
}

// DetectorRegistry maps detection logic names to detectors
type DetectorRegistry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

func NewDetectorRegistry(detectors ...Detector) *DetectorRegistry {
	r := &DetectorRegistry{detectors: make(map[string]Detector)}
	for _, d := range detectors {
		r.Register(d)
	}
	return r
}

func (r *DetectorRegistry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[strings.ToUpper(d.Name())] = d
}

func (r *DetectorRegistry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[strings.ToUpper(strings.TrimSpace(name))]
	return d, ok
}

// RowCounter counts rows of a table matching column filters
type RowCounter interface {
	CountRows(ctx context.Context, table string, filters map[string]any) (int64, error)
}

// RecordCheckName is the detection logic name of RecordCheck
const RecordCheckName = "RECORD_CHECK"

// RecordCheck treats the anomaly as present while a table holds at least
// min_count rows matching the configured conditions. Condition values may
// reference the anomaly with $business_id, $business_type, $exception_event_id
// or $context.<key>.
//
//	{"table": "open_orders", "conditions": {"store_id": "$business_id"}, "min_count": 1}
type RecordCheck struct {
	counter RowCounter
}

func NewRecordCheck(counter RowCounter) *RecordCheck {
	return &RecordCheck{counter: counter}
}

func (c *RecordCheck) Name() string { return RecordCheckName }

func (c *RecordCheck) Detect(ctx context.Context, et *model.ExceptionType, event *model.ExceptionEvent) (bool, error) {
	cfg := et.DetectionConfig
	table, _ := cfg["table"].(string)
	if table == "" {
		return false, fmt.Errorf("%w: %s has no table", ErrDetectorConfig, RecordCheckName)
	}

	minCount := int64(1)
	switch v := cfg["min_count"].(type) {
	case float64:
		minCount = int64(v)
	case int:
		minCount = int64(v)
	case int64:
		minCount = v
	case nil:
	default:
		return false, fmt.Errorf("%w: min_count must be a number", ErrDetectorConfig)
	}

	filters := make(map[string]any)
	if raw, ok := cfg["conditions"]; ok && raw != nil {
		conditions, ok := raw.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: conditions must be an object", ErrDetectorConfig)
		}
		for column, value := range conditions {
			bound, err := bindValue(value, event)
			if err != nil {
				return false, err
			}
			filters[column] = bound
		}
	}

	count, err := c.counter.CountRows(ctx, table, filters)
	if err != nil {
		return false, err
	}
	return count >= minCount, nil
}

func bindValue(value any, event *model.ExceptionEvent) (any, error) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return value, nil
	}
	switch s {
	case "$business_id":
		return event.BusinessID, nil
	case "$business_type":
		return event.BusinessType, nil
	case "$exception_event_id":
		return event.ID, nil
	}
	if key, ok := strings.CutPrefix(s, "$context."); ok {
		v, found := event.DetectionContext[key]
		if !found {
			return nil, fmt.Errorf("%w: context key %q not set", ErrDetectorConfig, key)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown binding %q", ErrDetectorConfig, s)
}
