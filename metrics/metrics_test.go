package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricName(t *testing.T) {
	assert.Equal(t, "substatevm_kernel_frame_push", metricName("kernel/frame/push"))
	assert.Equal(t, "substatevm_db_cache_hit", metricName("db.cache-hit"))
}

func TestRegisterTwiceReturnsExisting(t *testing.T) {
	a := NewRegisteredCounter("test/twice", "test counter")
	b := NewRegisteredCounter("test/twice", "test counter")
	a.Inc()
	b.Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(a))
}

func TestMeterIgnoresNegative(t *testing.T) {
	m := NewRegisteredMeter("test/meter", "test meter")
	m.Mark(5)
	m.Mark(-3)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.c))
}

func TestTimer(t *testing.T) {
	timer := NewRegisteredTimer("test/timer", "test timer")
	timer.Update(time.Millisecond)
	timer.UpdateSince(time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(timer.h))
}
