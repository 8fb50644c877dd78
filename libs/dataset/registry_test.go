package dataset_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jax-backtest/libs/backtest/candle"
	"jax-backtest/libs/dataset"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeTempCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writeTempCSV: %v", err)
	}
	return path
}

const sampleCSV = `date,open,high,low,close,volume
2024-01-02,150.00,155.00,148.00,153.00,1000000
2024-01-03,153.00,158.00,151.00,156.00,1200000
2024-01-04,156.00,160.00,154.00,157.00,900000
2024-01-05,157.00,161.00,155.00,159.00,1100000
2024-01-08,159.00,163.00,157.00,162.00,1050000
`

// ─── Registry tests ───────────────────────────────────────────────────────────

func TestOpenCreatesDir(t *testing.T) {
	dir := t.TempDir()
	catalogDir := filepath.Join(dir, "new", "registry")
	_, err := dataset.Open(catalogDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(catalogDir); err != nil {
		t.Fatalf("catalog dir not created: %v", err)
	}
}

func TestRegisterAndGet(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "aapl.csv", sampleCSV)

	reg, err := dataset.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d, err := reg.Register(dataset.Dataset{
		Name:     "AAPL_2024_test",
		Symbol:   "AAPL",
		FilePath: csvPath,
		Source:   "csv",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if d.ID == "" {
		t.Error("expected non-empty ID")
	}
	if d.Hash == "" {
		t.Error("expected non-empty Hash")
	}
	if d.RecordCount != 5 {
		t.Errorf("RecordCount: got %d, want 5", d.RecordCount)
	}
	if d.SchemaVer == "" {
		t.Error("expected non-empty SchemaVer")
	}

	got, err := reg.Get(d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != d.Name {
		t.Errorf("Name mismatch: got %q want %q", got.Name, d.Name)
	}
}

func TestRegisterDuplicateNameReturnsError(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "spy.csv", sampleCSV)

	reg, _ := dataset.Open(dir)

	if _, err := reg.Register(dataset.Dataset{Name: "SPY_test", Symbol: "SPY", FilePath: csvPath}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := reg.Register(dataset.Dataset{Name: "SPY_test", Symbol: "SPY", FilePath: csvPath}); err == nil {
		t.Fatal("expected error for duplicate name, got nil")
	}
}

func TestRegisterMissingFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	reg, _ := dataset.Open(dir)

	_, err := reg.Register(dataset.Dataset{Name: "X", Symbol: "X", FilePath: "/nonexistent.csv"})
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestRegisterMissingNameReturnsError(t *testing.T) {
	dir := t.TempDir()
	reg, _ := dataset.Open(dir)

	_, err := reg.Register(dataset.Dataset{Symbol: "X", FilePath: "/any.csv"})
	if err == nil {
		t.Fatal("expected error for empty Name, got nil")
	}
}

func TestGetByName(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "msft.csv", sampleCSV)
	reg, _ := dataset.Open(dir)

	want, _ := reg.Register(dataset.Dataset{Name: "MSFT_Q1", Symbol: "MSFT", FilePath: csvPath})

	got, err := reg.GetByName("MSFT_Q1")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("ID mismatch: got %s want %s", got.ID, want.ID)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	csv1 := writeTempCSV(t, dir, "a.csv", sampleCSV)
	csv2 := writeTempCSV(t, dir, "b.csv", sampleCSV)
	reg, _ := dataset.Open(dir)

	reg.Register(dataset.Dataset{Name: "A", Symbol: "A", FilePath: csv1}) //nolint:errcheck
	reg.Register(dataset.Dataset{Name: "B", Symbol: "B", FilePath: csv2}) //nolint:errcheck

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List: got %d, want 2", len(list))
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "c.csv", sampleCSV)
	reg, _ := dataset.Open(dir)

	d, _ := reg.Register(dataset.Dataset{Name: "C", Symbol: "C", FilePath: csvPath})

	if err := reg.Remove(d.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := reg.Get(d.ID); err == nil {
		t.Fatal("expected error after Remove, got nil")
	}
}

func TestVerifyHashDetectsChange(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "chg.csv", sampleCSV)
	reg, _ := dataset.Open(dir)

	d, _ := reg.Register(dataset.Dataset{Name: "CHG", Symbol: "CHG", FilePath: csvPath})

	// Initially intact.
	if err := reg.VerifyHash(d.ID); err != nil {
		t.Fatalf("VerifyHash (intact): %v", err)
	}

	// Mutate the file.
	os.WriteFile(csvPath, []byte(sampleCSV+"2024-01-09,163,167,161,165,900000\n"), 0o644) //nolint:errcheck

	if err := reg.VerifyHash(d.ID); err == nil {
		t.Fatal("expected hash mismatch error, got nil")
	}
}

// TestPersistence verifies the catalog survives reopen.
func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "persist.csv", sampleCSV)

	reg1, _ := dataset.Open(dir)
	d, _ := reg1.Register(dataset.Dataset{Name: "PERSIST", Symbol: "P", FilePath: csvPath})

	// Reopen from the same directory.
	reg2, err := dataset.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reg2.Get(d.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Hash != d.Hash {
		t.Errorf("Hash changed across reopen: %s vs %s", got.Hash, d.Hash)
	}
}

// ─── CSVDataSource tests ──────────────────────────────────────────────────────

func TestLoadCSVGetCandles(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "candles.csv", sampleCSV)

	ds, err := dataset.LoadCSV(csvPath, "AAPL")
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}

	ctx := context.Background()

	// All candles.
	candles, err := ds.GetCandles(ctx, "AAPL", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 5 {
		t.Fatalf("GetCandles all: got %d, want 5", len(candles))
	}

	// Date-filtered.
	start := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 23, 59, 59, 0, time.UTC)
	sub, err := ds.GetCandles(ctx, "AAPL", start, end)
	if err != nil {
		t.Fatalf("GetCandles filtered: %v", err)
	}
	if len(sub) != 2 {
		t.Errorf("GetCandles filtered: got %d, want 2", len(sub))
	}

	// Wrong symbol.
	none, err := ds.GetCandles(ctx, "GOOG", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetCandles wrong symbol: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected 0 candles for GOOG, got %d", len(none))
	}
}

func TestSeedStoreLoadsCandlesIntoStore(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "seed.csv", sampleCSV)

	ds, err := dataset.LoadCSV(csvPath, "AAPL")
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}

	store := candle.NewStore()
	if err := ds.SeedStore(store, candle.D1, "AAPL", time.Time{}, time.Time{}); err != nil {
		t.Fatalf("SeedStore: %v", err)
	}

	store.AdvanceNow(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))
	got := store.GetCandles("AAPL", candle.D1, 10)
	if len(got) != 5 {
		t.Fatalf("GetCandles after seed: got %d, want 5", len(got))
	}
	if got[len(got)-1].Close != 162.00 {
		t.Errorf("last close: got %v want 162.00", got[len(got)-1].Close)
	}
}

func TestTicksSynthesizesOneTickPerCandle(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "ticks.csv", sampleCSV)

	ds, err := dataset.LoadCSV(csvPath, "AAPL")
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}

	src := ds.Ticks("AAPL", 0.01, 2, time.Time{}, time.Time{})
	if src.Remaining() != 5 {
		t.Fatalf("Remaining: got %d, want 5", src.Remaining())
	}

	first, ok, err := src.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if first.Ask <= first.Bid {
		t.Errorf("ask %v should exceed bid %v", first.Ask, first.Bid)
	}
	wantMid := (first.Ask + first.Bid) / 2
	if wantMid != 153.00 {
		t.Errorf("mid price: got %v want 153.00", wantMid)
	}
}

func TestLoadDataSourceBackfilledFillsMissingDay(t *testing.T) {
	dir := t.TempDir()
	// Missing 2024-01-09, which the archive will supply.
	csvPath := writeTempCSV(t, dir, "gap.csv", sampleCSV)

	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := []candle.Candle{{
			Time: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
			Open: 162, High: 165, Low: 160, Close: 164, Volume: 800000,
		}}
		json.NewEncoder(w).Encode(out) //nolint:errcheck
	}))
	defer archive.Close()

	reg, err := dataset.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg.WithBackfill(candle.NewCacheBackfill(nil, archive.URL))

	d, err := reg.Register(dataset.Dataset{Name: "GAP", Symbol: "X", FilePath: csvPath})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	ds, err := reg.LoadDataSourceBackfilled(context.Background(), d.ID, start, end)
	if err != nil {
		t.Fatalf("LoadDataSourceBackfilled: %v", err)
	}

	got, err := ds.GetCandles(context.Background(), "X", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	found := false
	for _, c := range got {
		if c.Timestamp.Equal(end) && c.Close == 164 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected backfilled 2024-01-09 candle in result, got %+v", got)
	}
}

func TestLoadDataSourceBackfilledNoBackfillConfigured(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "nobf.csv", sampleCSV)

	reg, err := dataset.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d, err := reg.Register(dataset.Dataset{Name: "NOBF", Symbol: "X", FilePath: csvPath})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	ds, err := reg.LoadDataSourceBackfilled(context.Background(), d.ID, start, end)
	if err != nil {
		t.Fatalf("LoadDataSourceBackfilled: %v", err)
	}
	got, _ := ds.GetCandles(context.Background(), "X", time.Time{}, time.Time{})
	if len(got) != 5 {
		t.Errorf("expected the original 5 rows unchanged, got %d", len(got))
	}
}

func TestLoadCSVMissingFile(t *testing.T) {
	_, err := dataset.LoadCSV("/no/such/file.csv", "X")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadCSVBadHeader(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeTempCSV(t, dir, "bad.csv", "ts,price\n2024-01-01,100\n")
	_, err := dataset.LoadCSV(csvPath, "X")
	if err == nil {
		t.Fatal("expected error for missing columns, got nil")
	}
}
