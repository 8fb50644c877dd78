package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persistedPosition is the JSON shape of one row in the position
// persistence file, per the external interface contract.
type persistedPosition struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      Side    `json:"position_type"`
	Volume    float64 `json:"volume"`
	OpenPrice float64 `json:"open_price"`
	OpenTime  int64   `json:"open_time"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Magic     int64   `json:"magic_number"`
	Comment   string  `json:"comment"`
}

type persistenceDoc struct {
	Positions []persistedPosition `json:"positions"`
}

// Journal is the crash-survivable JSON mirror of the broker's open-position
// book. Every place_market_order and close_position call writes the full
// current book before returning, atomically (write-to-temp-then-rename), so
// the journal and the live book never observably diverge.
type Journal struct {
	path string
}

// OpenJournal prepares a journal at path. The file need not exist yet — the
// first Write call creates it.
func OpenJournal(path string) *Journal {
	return &Journal{path: path}
}

// Load reads the persisted position set. A missing file is not an error —
// it simply means there is nothing to reconcile.
func (j *Journal) Load() ([]Position, error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker.Journal.Load: %w", err)
	}
	var doc persistenceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("broker.Journal.Load: parse %s: %w", j.path, err)
	}
	out := make([]Position, 0, len(doc.Positions))
	for _, p := range doc.Positions {
		out = append(out, Position{
			Ticket:    p.Ticket,
			Symbol:    p.Symbol,
			Side:      p.Type,
			Volume:    p.Volume,
			OpenPrice: p.OpenPrice,
			OpenTime:  unixNanoUTC(p.OpenTime),
			SL:        p.SL,
			TP:        p.TP,
			Magic:     p.Magic,
			Comment:   p.Comment,
		})
	}
	return out, nil
}

// Write persists the given open-book snapshot atomically: it writes to a
// temp file in the same directory, then renames over the target so a
// crash mid-write never leaves a partially-written journal behind.
func (j *Journal) Write(positions []Position) error {
	doc := persistenceDoc{Positions: make([]persistedPosition, 0, len(positions))}
	for _, p := range positions {
		doc.Positions = append(doc.Positions, persistedPosition{
			Ticket:    p.Ticket,
			Symbol:    p.Symbol,
			Type:      p.Side,
			Volume:    p.Volume,
			OpenPrice: p.OpenPrice,
			OpenTime:  p.OpenTime.UnixNano(),
			SL:        p.SL,
			TP:        p.TP,
			Magic:     p.Magic,
			Comment:   p.Comment,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("broker.Journal.Write: marshal: %w", err)
	}

	dir := filepath.Dir(j.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("broker.Journal.Write: mkdir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".journal-*.tmp")
	if err != nil {
		return fmt.Errorf("broker.Journal.Write: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("broker.Journal.Write: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("broker.Journal.Write: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("broker.Journal.Write: rename: %w", err)
	}
	return nil
}
