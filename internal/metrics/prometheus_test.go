package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Operations(t *testing.T) {
	c := NewCollector("test")

	c.ObserveOperation("create", time.Millisecond, nil)
	c.ObserveOperation("create", time.Millisecond, nil)
	c.ObserveOperation("clone", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Operations.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Operations.WithLabelValues("clone", "failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.OpDuration))
}

func TestCollector_BatchAndSweep(t *testing.T) {
	c := NewCollector("test")

	c.ObserveBatch("create_many", 4, 1, time.Second)
	c.SetLive(10)
	c.ObserveSweep(3, 7)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.BatchItems.WithLabelValues("create_many", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BatchItems.WithLabelValues("create_many", "failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Evictions))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.Live))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")

	a.SetLive(1)
	b.SetLive(2)

	assert.NotSame(t, a.Registry(), b.Registry())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Live))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.Live))
}
