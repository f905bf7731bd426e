package source

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/pricetrail/internal/features"
)

var fixedNow = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func testOpts() Options {
	return Options{Now: func() time.Time { return fixedNow }}
}

func TestOpenDispatch(t *testing.T) {
	tests := []struct {
		spec    string
		want    string
		wantErr bool
	}{
		{spec: "csv:data/run.csv", want: "csv:data/run.csv"},
		{spec: "data/run.csv", want: "csv:data/run.csv"},
		{spec: "sqlite:raw.db", want: "sqlite:raw.db#products_raw"},
		{spec: "sqlite:raw.db#product_raw", want: "sqlite:raw.db#product_raw"},
		{spec: "raw.sqlite3", want: "sqlite:raw.sqlite3#products_raw"},
		{spec: "html:page.html", want: "html:page.html"},
		{spec: "https://example.com/notebook.html", want: "https://example.com/notebook.html"},
		{spec: "sqlite:raw.db#x; DROP TABLE y", wantErr: true},
		{spec: "ftp:host/file", wantErr: true},
		{spec: "", wantErr: true},
	}
	for _, tt := range tests {
		src, err := Open(tt.spec, Options{})
		if tt.wantErr {
			if err == nil {
				t.Errorf("Open(%q) succeeded, want error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("Open(%q): %v", tt.spec, err)
			continue
		}
		if got := src.Describe(); got != tt.want {
			t.Errorf("Open(%q).Describe() = %q, want %q", tt.spec, got, tt.want)
		}
	}
}

func TestReadCSV(t *testing.T) {
	in := "\ufeffProduct_Name,Price,scraped_at\n" +
		"\"ASUS VivoBook 14, i5-1235U 8GB 512GB\",Rp 8.499.000,2026-02-28 10:15:00\n" +
		"Lenovo IdeaPad Slim 3,7.999.000,\n" +
		",1.000.000,\n"

	got, err := readCSV(context.Background(), strings.NewReader(in), testOpts())
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	want := []features.RawRecord{
		{Name: "ASUS VivoBook 14, i5-1235U 8GB 512GB", PriceText: "Rp 8.499.000", ScrapedAt: time.Date(2026, 2, 28, 10, 15, 0, 0, time.UTC)},
		{Name: "Lenovo IdeaPad Slim 3", PriceText: "7.999.000", ScrapedAt: fixedNow},
		{Name: "", PriceText: "1.000.000", ScrapedAt: fixedNow},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCSVRequiresNameColumn(t *testing.T) {
	_, err := readCSV(context.Background(), strings.NewReader("sku,price\n1,2\n"), testOpts())
	if err == nil {
		t.Fatal("readCSV without a name column succeeded, want error")
	}
}

func TestClean(t *testing.T) {
	rows := []features.RawRecord{{Name: " A "}, {Name: ""}, {Name: "  "}, {Name: "B"}}
	kept, dropped := Clean(rows)
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if diff := cmp.Diff([]features.RawRecord{{Name: "A"}, {Name: "B"}}, kept); diff != "" {
		t.Errorf("kept mismatch (-want +got):\n%s", diff)
	}
}

const tablePage = `<html><body>
<table>
  <tr><th>No</th><th>Nama Produk</th><th>Harga</th></tr>
  <tr><td>1</td><td>ASUS ROG Strix G16 <b>i7-13650HX</b><br>RTX 4060 16GB 1TB 16"</td><td>Rp 21.999.000</td></tr>
  <tr><td>2</td><td>  Acer Aspire 5   </td><td>Rp 7.299.000</td></tr>
  <tr><td colspan="3">Prices may change</td></tr>
</table>
<script>var x = "<td>not a row</td>";</script>
</body></html>`

func TestParseListingTable(t *testing.T) {
	got, err := parseListing(strings.NewReader(tablePage), fixedNow)
	if err != nil {
		t.Fatalf("parseListing: %v", err)
	}
	want := []features.RawRecord{
		{Name: `ASUS ROG Strix G16 i7-13650HX RTX 4060 16GB 1TB 16"`, PriceText: "Rp 21.999.000", ScrapedAt: fixedNow},
		{Name: "Acer Aspire 5", PriceText: "Rp 7.299.000", ScrapedAt: fixedNow},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestParseListingTableWithoutHeader(t *testing.T) {
	page := `<table><tr><td>HP Victus 15</td><td>12.000.000</td></tr></table>`
	got, err := parseListing(strings.NewReader(page), fixedNow)
	if err != nil {
		t.Fatalf("parseListing: %v", err)
	}
	want := []features.RawRecord{{Name: "HP Victus 15", PriceText: "12.000.000", ScrapedAt: fixedNow}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestParseListingTableHeaderColumns(t *testing.T) {
	tests := []struct {
		name string
		page string
	}{
		{
			name: "price keyword wins over item",
			page: `<table>
  <tr><th>Model</th><th>Price per item</th></tr>
  <tr><td>HP Victus 15</td><td>Rp 12.000.000</td></tr>
</table>`,
		},
		{
			name: "td header row",
			page: `<table>
  <tr><td>Harga</td><td>Nama Produk</td></tr>
  <tr><td>Rp 12.000.000</td><td>HP Victus 15</td></tr>
</table>`,
		},
	}
	want := []features.RawRecord{{Name: "HP Victus 15", PriceText: "Rp 12.000.000", ScrapedAt: fixedNow}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseListing(strings.NewReader(tt.page), fixedNow)
			if err != nil {
				t.Fatalf("parseListing: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("rows mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseListingCards(t *testing.T) {
	page := `<div class="grid">
  <div class="product-card"><h3>MacBook Air M2 8GB 256GB</h3><span class="price">Rp 14.999.000</span></div>
  <div data-product data-name="Dell XPS 13" data-price="25000000"><h3>ignored</h3></div>
  <div class="product-card"><span class="price">Rp 1</span></div>
</div>`
	got, err := parseListing(strings.NewReader(page), fixedNow)
	if err != nil {
		t.Fatalf("parseListing: %v", err)
	}
	want := []features.RawRecord{
		{Name: "MacBook Air M2 8GB 256GB", PriceText: "Rp 14.999.000", ScrapedAt: fixedNow},
		{Name: "Dell XPS 13", PriceText: "25000000", ScrapedAt: fixedNow},
		{Name: "", PriceText: "Rp 1", ScrapedAt: fixedNow},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`
		CREATE TABLE products_raw (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_name TEXT NOT NULL,
			price_raw INTEGER NOT NULL,
			scraped_at TEXT
		);
		INSERT INTO products_raw (product_name, price_raw, scraped_at) VALUES
			('Lenovo LOQ 15 i5-12450HX RTX 3050 8GB 512GB', 11999000, '2026-02-28T09:00:00Z'),
			('Axioo Hype 5', 5499000, NULL);`)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	src, err := Open("sqlite:"+path, testOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := src.Rows(context.Background())
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	want := []features.RawRecord{
		{Name: "Lenovo LOQ 15 i5-12450HX RTX 3050 8GB 512GB", PriceText: "11999000", ScrapedAt: time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)},
		{Name: "Axioo Hype 5", PriceText: "5499000", ScrapedAt: fixedNow},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	if _, err := (&sqliteSource{path: path, table: "missing", opts: testOpts()}).Rows(context.Background()); err == nil {
		t.Error("Rows on a missing table succeeded, want error")
	}
}

func TestHTMLFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notebook.html")
	if err := os.WriteFile(path, []byte(tablePage), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2026, 2, 27, 8, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	src, err := Open(path, testOpts())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := src.Rows(context.Background())
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(got) != 2 || !got[0].ScrapedAt.Equal(mtime) {
		t.Errorf("rows = %+v, want 2 rows stamped with the file time", got)
	}
}

func TestHTTPSource(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if r.URL.Path != "/notebook.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(tablePage))
	}))
	defer srv.Close()

	opts := testOpts()
	opts.UserAgent = "pricetrail-test"
	src, err := Open(srv.URL+"/notebook.html", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := src.Rows(context.Background())
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("rows = %d, want 2", len(got))
	}
	if gotUA != "pricetrail-test" {
		t.Errorf("User-Agent = %q, want pricetrail-test", gotUA)
	}

	missing, _ := Open(srv.URL+"/gone", opts)
	if _, err := missing.Rows(context.Background()); err == nil {
		t.Error("Rows on a 404 succeeded, want error")
	}
}

func TestParseScrapedAt(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-02-28T10:15:00+07:00", time.Date(2026, 2, 28, 3, 15, 0, 0, time.UTC)},
		{"2026-02-28 10:15:00.123456", time.Date(2026, 2, 28, 10, 15, 0, 123456000, time.UTC)},
		{"2026-02-28", time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{"yesterday", fixedNow},
		{"", fixedNow},
	}
	for _, tt := range tests {
		if got := parseScrapedAt(tt.in, fixedNow); !got.Equal(tt.want) {
			t.Errorf("parseScrapedAt(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
