package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPoolStatsGauges(t *testing.T) {
	c := New()
	c.UpdatePoolStats("primary", 3, 2, 5, 1)

	fams := gather(t, c)
	checks := map[string]float64{
		"gomysql_connections_active":  3,
		"gomysql_connections_idle":    2,
		"gomysql_connections_total":   5,
		"gomysql_connections_waiting": 1,
	}
	for name, want := range checks {
		fam, ok := fams[name]
		if !ok {
			t.Fatalf("missing family %s", name)
		}
		m := fam.GetMetric()[0]
		if labelValue(m, "endpoint") != "primary" {
			t.Fatalf("%s: wrong endpoint label %q", name, labelValue(m, "endpoint"))
		}
		if got := m.GetGauge().GetValue(); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestQueryCounterAccumulates(t *testing.T) {
	c := New()
	c.QueryCompleted("primary", "query", "ok", 5*time.Millisecond)
	c.QueryCompleted("primary", "query", "ok", 7*time.Millisecond)
	c.QueryCompleted("primary", "query", "error", time.Millisecond)

	fams := gather(t, c)
	fam := fams["gomysql_queries_total"]
	if fam == nil {
		t.Fatal("missing gomysql_queries_total")
	}
	var okCount, errCount float64
	for _, m := range fam.GetMetric() {
		switch labelValue(m, "outcome") {
		case "ok":
			okCount = m.GetCounter().GetValue()
		case "error":
			errCount = m.GetCounter().GetValue()
		}
	}
	if okCount != 2 || errCount != 1 {
		t.Fatalf("got ok=%v error=%v", okCount, errCount)
	}

	hist := fams["gomysql_query_duration_seconds"]
	if hist == nil {
		t.Fatal("missing gomysql_query_duration_seconds")
	}
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 3 {
		t.Fatalf("histogram sample count = %d, want 3", got)
	}
}

func TestRemoveEndpointDeletesSeries(t *testing.T) {
	c := New()
	c.UpdatePoolStats("gone", 1, 1, 2, 0)
	c.PoolExhausted("gone")
	c.RemoveEndpoint("gone")

	fams := gather(t, c)
	for name, fam := range fams {
		for _, m := range fam.GetMetric() {
			if labelValue(m, "endpoint") == "gone" {
				t.Errorf("%s still has a series for the removed endpoint", name)
			}
		}
	}
}

func TestSeparateCollectorsDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.StmtCacheHit("x")
	b.StmtCacheMiss("x")

	if fams := gather(t, a); fams["gomysql_stmt_cache_misses_total"] != nil {
		if n := fams["gomysql_stmt_cache_misses_total"].GetMetric(); len(n) != 0 {
			t.Fatal("collector a observed collector b's series")
		}
	}
}
