package metricsvc

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestGradingRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewGradingRecorder(reg)
	if err != nil {
		t.Fatalf("NewGradingRecorder() failed: %v", err)
	}

	rec.FormulaFallbacks("c1", 2)
	rec.FormulaFallbacks("c2", 1)
	rec.ObserveAggregation("period", 20*time.Millisecond)
	rec.ObserveAggregation("annual", time.Second)

	families, err := reg.Gather()
	assert.Nil(t, err)

	got := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				got[mf.GetName()+":"+m.GetLabel()[0].GetValue()] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, map[string]float64{
		"scolarflow_grading_formula_fallbacks_total":             3,
		"scolarflow_grading_aggregation_duration_seconds:annual": 1,
		"scolarflow_grading_aggregation_duration_seconds:period": 1,
	}, got)

	// registering twice fails
	_, err = NewGradingRecorder(reg)
	assert.NotNil(t, err)
}
