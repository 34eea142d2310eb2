package riskclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEvaluateDecodesScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/evaluate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"risk_score":0.85,"risk_level":"HIGH","recommendation":"HOLD","model_version":"v3","feature_importances":{"amount":0.4}}`))
	}))
	defer server.Close()

	resp, err := NewClient(server.URL, time.Second).Evaluate(context.Background(), Request{TransactionID: "t1"})
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if resp.Score == nil || *resp.Score != 0.85 {
		t.Fatalf("unexpected score %v", resp.Score)
	}
	if resp.ModelVersion != "v3" || resp.FeatureImportances["amount"] != 0.4 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestEvaluateFailsOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, time.Second).Evaluate(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for 503 response")
	}
}
