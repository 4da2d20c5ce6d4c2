package replaycache

import (
	"context"
	"net/http"
	"testing"

	"github.com/always-cache/replay-cache/cache"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// counterValue returns the value of an int64 sum for the data point with the given attribute.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	})
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	a, err := CreateCache(Config{Cache: cache.NewMemCache(), Logger: &nopLogger, MeterProvider: mp})
	if err != nil {
		t.Fatal(err)
	}

	request(a, "GET", "/", "", o.URL)
	request(a, "GET", "/", "", o.URL)
	request(a, "GET", "/", "", o.URL)
	request(a, "GET", "/fail", "", o.URL)
	request(a, "GET", "/", "", "")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}

	for outcome, want := range map[string]int64{
		outcomeHit:        2,
		outcomeMiss:       2,
		outcomeBadRequest: 1,
	} {
		if got := counterValue(t, rm, "replaycache.requests", attribute.String("outcome", outcome)); got != want {
			t.Fatalf("requests{outcome=%s} is %d, want %d", outcome, got, want)
		}
	}
	if got := counterValue(t, rm, "replaycache.stores", attribute.String("result", storeStored)); got != 1 {
		t.Fatalf("stores{result=stored} is %d", got)
	}
	if got := counterValue(t, rm, "replaycache.stores", attribute.String("result", storeSkipped)); got != 1 {
		t.Fatalf("stores{result=skipped} is %d", got)
	}
}
