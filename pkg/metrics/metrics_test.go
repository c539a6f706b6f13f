package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/threadsync/pkg/syncerr"
)

func TestObserveFetchLabelsByOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveFetch("initial", 10*time.Millisecond, nil)
	m.ObserveFetch("initial", time.Millisecond, syncerr.New(syncerr.Timeout, ""))
	m.ObserveFetch("refresh", time.Millisecond, syncerr.New(syncerr.Timeout, ""))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("initial", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("initial", syncerr.Timeout.String())))
	assert.Equal(t, 2, testutil.CollectAndCount(m.fetchDuration))
}

func TestSendsRetiredAndGauges(t *testing.T) {
	m := New(nil)
	m.ObserveSend("sent")
	m.ObserveSend("sent")
	m.ObserveSend("failed")
	m.ObserveRetired("fuzzy", 2)
	m.ObserveRetired("exact", 0)
	m.SessionOpened()
	m.SetPending("t1", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sends.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retired.WithLabelValues("fuzzy")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.retired), "zero retirements create no series")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending.WithLabelValues("t1")))

	m.SessionClosed("t1")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.openSessions))
	assert.Equal(t, 0, testutil.CollectAndCount(m.pending))
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFetch("older", time.Second, errors.New("x"))
	m.ObserveSend("sent")
	m.ObserveRetired("exact", 1)
	m.SessionOpened()
	m.SessionClosed("t1")
	m.SetPending("t1", 1)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, syncerr.Unauthorized.String(), Outcome(syncerr.New(syncerr.Unauthorized, "")))
}
