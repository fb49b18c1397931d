package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, PlaybookExecutionsTotal)
	assert.NotNil(t, PlaybookExecutionDuration)
	assert.NotNil(t, StepDuration)
	assert.NotNil(t, StepFailures)
	assert.NotNil(t, ActiveExecutions)
	assert.NotNil(t, ThreatLookups)
	assert.NotNil(t, LifecycleEvents)
	assert.NotNil(t, QueueRejections)
}

func TestStepFailuresCountsPerLabel(t *testing.T) {
	before := testutil.ToFloat64(StepFailures.WithLabelValues("metrics_test_action", "timeout"))
	StepFailures.WithLabelValues("metrics_test_action", "timeout").Inc()
	after := testutil.ToFloat64(StepFailures.WithLabelValues("metrics_test_action", "timeout"))
	assert.Equal(t, before+1, after)
}
