package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/reconcile"
	"github.com/kalambet/pricetrail/internal/storage"
)

const testToken = "test-token-12345"

var (
	run1 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	run2 = run1.Add(24 * time.Hour)
)

func rec(id string, price int64) reconcile.Record {
	return reconcile.Record{
		ProductID: identity.ProductID(id),
		RawName:   "HP Victus 15 " + id,
		Features: features.FeatureSet{
			Brand: "HP", Series: "Victus", ProcessorDetail: "AMD Ryzen 5 7535HS", ProcessorCategory: "AMD Ryzen 5",
			GPU: "NVIDIA GeForce RTX 2050", GPUCategory: "NVIDIA GeForce Entry",
			RAM: "16GB", Storage: "512GB", DisplaySize: `15.6"`, Price: features.PriceOf(price),
		},
		ScrapedAt: run1,
	}
}

// seededStore commits two runs: A and B new, then A's price drops and C arrives.
func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := reconcile.New(reconcile.Options{})
	ctx := context.Background()
	for _, step := range []struct {
		at    time.Time
		batch []reconcile.Record
	}{
		{run1, []reconcile.Record{rec("A", 10000000), rec("B", 8000000)}},
		{run2, []reconcile.Record{rec("A", 9500000), rec("B", 8000000), rec("C", 12000000)}},
	} {
		snap, err := s.LoadSnapshot(ctx)
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		plan, err := r.Plan(ctx, snap, step.at, step.batch)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if err := s.ApplyPlan(ctx, plan); err != nil {
			t.Fatalf("ApplyPlan: %v", err)
		}
	}
	return s
}

func authReq(method, url, token string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, url, testToken))
	return rr
}

func decode(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	decode(t, rr.Body, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestAuthRequired(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/runs", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", token, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t)})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestListRuns(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	rr := serve(t, h, "/v1/runs?limit=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var runs []storage.RunSummary
	decode(t, rr.Body, &runs)
	if len(runs) != 1 || !runs[0].RunAt.Equal(run2) {
		t.Errorf("runs = %+v, want only run 2", runs)
	}
}

func TestRunChangesLatest(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	for _, url := range []string{"/v1/runs/latest/changes", "/v1/runs/" + run2.Format(time.RFC3339) + "/changes"} {
		rr := serve(t, h, url)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d; body = %s", url, rr.Code, rr.Body.String())
		}
		var view RunChanges
		decode(t, rr.Body, &view)
		if len(view.Changes) != 2 {
			t.Errorf("%s: %d changes, want 2", url, len(view.Changes))
		}
		if view.Counts[reconcile.ChangePriceDown] != 1 || view.Counts[reconcile.ChangeNew] != 1 {
			t.Errorf("%s: counts = %v, want 1 PRICE_DOWN and 1 NEW", url, view.Counts)
		}
	}
}

func TestRunChangesIncludeUnchanged(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	rr := serve(t, h, "/v1/runs/latest/changes?include_unchanged=true")
	var view RunChanges
	decode(t, rr.Body, &view)
	if len(view.Changes) != 3 || view.Counts[reconcile.ChangeUnchanged] != 1 {
		t.Errorf("view = %+v, want 3 changes including 1 UNCHANGED", view)
	}
}

func TestRunChangesErrors(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	tests := []struct {
		url  string
		code int
	}{
		{"/v1/runs/not-a-time/changes", http.StatusBadRequest},
		{"/v1/runs/2020-01-01T00:00:00Z/changes", http.StatusNotFound},
		{"/v1/runs/2020-01-01T00:00:00Z/issues", http.StatusNotFound},
	}
	for _, tt := range tests {
		rr := serve(t, h, tt.url)
		if rr.Code != tt.code {
			t.Errorf("%s: status = %d, want %d", tt.url, rr.Code, tt.code)
			continue
		}
		var body struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		decode(t, rr.Body, &body)
		if body.Error.Message == "" || body.Error.Type == "" {
			t.Errorf("%s: error body = %+v, want message and type", tt.url, body)
		}
	}
}

func TestLatestRunEmptyStore(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	h := NewHandler(Deps{Store: s, Token: testToken})

	if rr := serve(t, h, "/v1/runs/latest"); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestRunIssues(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	rr := serve(t, h, "/v1/runs/latest/issues")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"issues":[]`) {
		t.Errorf("body = %s, want an empty issues array", rr.Body.String())
	}
}

func TestCurrentProducts(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	rr := serve(t, h, "/v1/products?limit=2&offset=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Total    int                      `json:"total"`
		Products []storage.CurrentProduct `json:"products"`
	}
	decode(t, rr.Body, &body)
	if body.Total != 3 {
		t.Errorf("total = %d, want 3", body.Total)
	}
	if len(body.Products) != 2 || body.Products[0].ProductID != "B" {
		t.Errorf("products = %+v, want B and C", body.Products)
	}
}

func TestProductHistory(t *testing.T) {
	h := NewHandler(Deps{Store: seededStore(t), Token: testToken})

	rr := serve(t, h, "/v1/products/A/history")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var hist storage.ProductHistory
	decode(t, rr.Body, &hist)
	if len(hist.Versions) != 2 || len(hist.Changes) != 2 {
		t.Fatalf("history = %d versions, %d changes; want 2 and 2", len(hist.Versions), len(hist.Changes))
	}
	if hist.Versions[0].ValidTo == nil || !hist.Versions[0].ValidTo.Equal(run2) {
		t.Errorf("first version ValidTo = %v, want %v", hist.Versions[0].ValidTo, run2)
	}
	if hist.Changes[1].PriceDelta != -500000 {
		t.Errorf("PriceDelta = %d, want -500000", hist.Changes[1].PriceDelta)
	}

	if rr := serve(t, h, "/v1/products/missing/history"); rr.Code != http.StatusNotFound {
		t.Errorf("missing product status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
