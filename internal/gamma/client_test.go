package gamma

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func marketServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("slug") {
		case "will-it-rain":
			w.Write([]byte(`[{
				"id": "1",
				"question": "Will it rain?",
				"slug": "will-it-rain",
				"active": true,
				"clobTokenIds": "[\"tok-yes\", \"tok-no\"]",
				"outcomes": "[\"Yes\", \"No\"]"
			}]`))
		case "unknown":
			w.Write([]byte(`[]`))
		default:
			w.Write([]byte(`[{"id": "2", "slug": "other", "clobTokenIds": "[\"x\"]"}]`))
		}
	}))
}

func TestFetchMarketBySlug(t *testing.T) {
	srv := marketServer(t)
	defer srv.Close()

	client := NewClient(srv.Client()).WithBaseURL(srv.URL)
	market, err := client.FetchMarketBySlug(context.Background(), "will-it-rain")
	if err != nil {
		t.Fatalf("FetchMarketBySlug failed: %v", err)
	}

	if market.Question != "Will it rain?" {
		t.Errorf("Question = %q, want %q", market.Question, "Will it rain?")
	}

	ids, err := market.ParseTokenIDs()
	if err != nil {
		t.Fatalf("ParseTokenIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "tok-yes" {
		t.Errorf("ParseTokenIDs = %v, want [tok-yes tok-no]", ids)
	}

	outcomes, err := market.ParseOutcomes()
	if err != nil {
		t.Fatalf("ParseOutcomes failed: %v", err)
	}
	if len(outcomes) != 2 || outcomes[1] != "No" {
		t.Errorf("ParseOutcomes = %v, want [Yes No]", outcomes)
	}
}

func TestFetchMarketBySlug_NotFound(t *testing.T) {
	srv := marketServer(t)
	defer srv.Close()

	client := NewClient(srv.Client()).WithBaseURL(srv.URL)
	_, err := client.FetchMarketBySlug(context.Background(), "unknown")
	if err == nil {
		t.Fatal("Expected error for unknown slug, got nil")
	}
}

func TestResolveAssetIDs(t *testing.T) {
	srv := marketServer(t)
	defer srv.Close()

	client := NewClient(srv.Client()).WithBaseURL(srv.URL)
	ids, err := client.ResolveAssetIDs(context.Background(), []string{"will-it-rain", "other"})
	if err != nil {
		t.Fatalf("ResolveAssetIDs failed: %v", err)
	}

	want := []string{"tok-yes", "tok-no", "x"}
	if len(ids) != len(want) {
		t.Fatalf("ResolveAssetIDs returned %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestFetchMarkets_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := NewClient(&http.Client{Timeout: 30 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active := true
	markets, err := client.FetchMarkets(ctx, &Filter{Active: &active, Limit: 5})
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}

	if len(markets) == 0 {
		t.Log("Warning: no active markets returned")
		return
	}

	t.Logf("Fetched %d markets", len(markets))
	for i, m := range markets {
		t.Logf("  [%d] %s (slug=%s)", i, m.Question, m.Slug)
	}
}
