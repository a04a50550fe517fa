package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RuleFired("ADD_TAG", "APPLIED")
	m.ClaimLost()
	m.ScanFinished(time.Second, 3)
	assert.Nil(t, m.Registry())
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.RuleFired("ADD_TAG", "SKIPPED")
	m.ClaimLost()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `escalator_rule_firings_total{action="ADD_TAG",outcome="SKIPPED"} 1`)
	assert.Contains(t, body, "escalator_escalation_claims_lost_total 1")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud", "json")
	require.Error(t, err)

	l, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing("stdout", &buf)
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "scan")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.True(t, strings.Contains(buf.String(), `"Name": "scan"`))

	shutdown, err = InitTracing("none", nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = InitTracing("zipkin", nil)
	assert.Error(t, err)
}
