package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/sorter/internal/bins"
)

const maxProfileSize = 4 * 1024 * 1024

// Profile assigns item ids to sorting categories.
type Profile struct {
	Name            string            `json:"name"`
	DefaultCategory string            `json:"default_category,omitempty"`
	Items           map[string]string `json:"items"`
}

// Category returns the item's category, the profile default for unknown
// items, and false only when there is no item id at all.
func (p *Profile) Category(itemID string) (string, bool) {
	if itemID == "" {
		return "", false
	}
	if c, ok := p.Items[itemID]; ok && c != "" {
		return c, true
	}
	if p.DefaultCategory != "" {
		return p.DefaultCategory, true
	}
	return bins.MiscCategory, true
}

// LoadProfile reads a sorting profile from a .json file.
func LoadProfile(path string) (*Profile, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("profile must have .json extension, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat profile: %w", err)
	}
	if info.Size() > maxProfileSize {
		return nil, fmt.Errorf("profile too large: %d bytes (max %d)", info.Size(), maxProfileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile JSON: %w", err)
	}
	return &p, nil
}
