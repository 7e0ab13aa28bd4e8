package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// Report is a single report recorded by TestAPI.
type Report struct {
	Level  string
	Id     string
	Params []any
}

// TestAPI logs every report to the test log and records broken/warning/count reports so that
// tests can assert on them.
type TestAPI struct {
	t testing.TB

	mutex   sync.Mutex
	reports []Report
}

func NewTestAPI(t testing.TB) *TestAPI {
	return &TestAPI{t: t}
}

func (a *TestAPI) record(level, id string, params []any) {
	a.mutex.Lock()
	a.reports = append(a.reports, Report{Level: level, Id: id, Params: params})
	a.mutex.Unlock()
}

func (a *TestAPI) ReportBroken(id string, params ...any) {
	a.t.Log("BROKEN", id, fmt.Sprint(params...))
	a.record("broken", id, params)
}

func (a *TestAPI) ReportWarning(id string, params ...any) {
	a.t.Log("WARN", id, fmt.Sprint(params...))
	a.record("warning", id, params)
}

func (a *TestAPI) ReportDebug(msg string, params ...any) {
	a.t.Log("DEBUG", msg, fmt.Sprint(params...))
}

func (a *TestAPI) ReportCount(id string, count int64) {
	a.t.Log("COUNT", id, count)
	a.record("count", id, []any{count})
}

// Reports returns every recorded report whose id ends with the given suffix.
func (a *TestAPI) Reports(level, idSuffix string) []Report {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var out []Report
	for _, r := range a.reports {
		if r.Level == level && strings.HasSuffix(r.Id, idSuffix) {
			out = append(out, r)
		}
	}
	return out
}
