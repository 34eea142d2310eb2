package errorcatalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestMessageRendersAndCaches(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"code":"INSUFFICIENT_FUNDS","message":"Balance {balance} is below {amount}"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	params := map[string]string{"balance": "10", "amount": "50"}

	for i := 0; i < 2; i++ {
		got := client.Message(context.Background(), "INSUFFICIENT_FUNDS", params, "fallback")
		if got != "Balance 10 is below 50" {
			t.Fatalf("unexpected message %q", got)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected a single catalog request, got %d", hits)
	}
}

func TestMessageUsesFallbackWhenCatalogDown(t *testing.T) {
	client := NewClient("")
	got := client.Message(context.Background(), "X", map[string]string{"code": "X"}, "Something went wrong ({code})")
	if got != "Something went wrong (X)" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
