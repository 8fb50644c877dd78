package broker

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestJournal_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := OpenJournal(filepath.Join(dir, "positions.json"))

	positions := []Position{
		{Ticket: 1, Symbol: "EURUSD", Side: Buy, Volume: 0.1, OpenPrice: 1.1001, OpenTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), SL: 1.099, TP: 1.102, Magic: 7, Comment: "TB|buy"},
		{Ticket: 2, Symbol: "GBPUSD", Side: Sell, Volume: 0.2, OpenPrice: 1.27, OpenTime: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), Magic: 7, Comment: "FB|sell"},
	}

	if err := j.Write(positions); err != nil {
		t.Fatalf("Write: %v", err)
	}

	loaded, err := j.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded, positions) {
		t.Errorf("round trip mismatch:\nwant %+v\n got %+v", positions, loaded)
	}
}

func TestJournal_LoadMissingFileIsNotError(t *testing.T) {
	j := OpenJournal(filepath.Join(t.TempDir(), "does-not-exist.json"))
	loaded, err := j.Load()
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil positions, got %v", loaded)
	}
}
