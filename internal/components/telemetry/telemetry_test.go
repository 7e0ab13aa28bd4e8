package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	rec := NewTestAPI(t)
	scoped := NewScopedAPI("bibkat", rec)

	scoped.ReportWarning("client.login", "bad password")
	scoped.ReportCount("orchestrator.media", 3)

	warnings := rec.Reports("warning", "client.login")
	require.Len(t, warnings, 1)
	require.Equal(t, "bibkat: client.login", warnings[0].Id)

	counts := rec.Reports("count", "orchestrator.media")
	require.Len(t, counts, 1)
	require.Equal(t, []any{int64(3)}, counts[0].Params)
}

func TestPrometheusAPI(t *testing.T) {
	rec := NewTestAPI(t)
	prom := NewPrometheusAPI(rec)

	prom.ReportBroken("client.renew")
	prom.ReportBroken("client.renew")
	prom.ReportCount("orchestrator.media", 7)

	require.Len(t, rec.Reports("broken", "client.renew"), 2)

	res := httptest.NewRecorder()
	prom.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	body := res.Body.String()

	require.True(t, strings.Contains(body, `bibkat_reports_total{id="client.renew",level="broken"} 2`), body)
	require.True(t, strings.Contains(body, `bibkat_count{id="orchestrator.media"} 7`), body)
}
