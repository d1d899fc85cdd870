package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// LoadFile reads a persisted ledger. A missing or unreadable file yields an
// empty ledger.
func LoadFile(path string) *Ledger {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path).Msg("selections unreadable; starting empty")
		}
		return New()
	}
	l := New()
	if err := json.Unmarshal(data, l); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("selections corrupt; starting empty")
		return New()
	}
	return l
}

// SaveFile replaces the persisted snapshot with l.
func SaveFile(path string, l *Ledger) error {
	raw, err := l.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode selections: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("encode selections: %w", err)
	}
	buf.WriteByte('\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), ".selections-*.json")
	if err != nil {
		return fmt.Errorf("save selections: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("save selections: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save selections: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save selections: %w", err)
	}
	return nil
}
