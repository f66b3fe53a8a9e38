package server

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"briefgate/auth"
)

func TestMetricsObservers(t *testing.T) {
	m := NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("idle")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("idle")))

	m.ObserveSweep("pending", 3, nil)
	m.ObserveSweep("store", 0, errors.New("redis down"))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepRemoved.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepErrors.WithLabelValues("store")))

	m.ObserveGrant("refresh_token", auth.NewInvalidGrantError("revoked", nil))
	m.ObserveGrant("refresh_token", errors.New("unclassified"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues("refresh_token", "invalid_grant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues("refresh_token", "server_error")))
}
