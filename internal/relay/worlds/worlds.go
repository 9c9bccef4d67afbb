// Package worlds resolves world ids to display names.
//
// The catalog is precomputed and embedded in the binary; it is loaded once at
// startup and treated as read-only afterwards. Bridge clients that do not
// represent an in-game server connect through pseudo-world ids.
package worlds

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
)

//go:embed worlds.json
var catalogJSON []byte

// PseudoWorldDiscord identifies the Discord bridge.
const PseudoWorldDiscord = 9999

// pseudoWorldFloor separates game worlds from bridge pseudo-worlds.
const pseudoWorldFloor = 9000

// Catalog maps world ids to names.
type Catalog struct {
	names map[int]string
}

// Load parses the embedded world table.
func Load() (*Catalog, error) {
	var raw map[string]string
	if err := json.Unmarshal(catalogJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse world catalog: %w", err)
	}

	names := make(map[int]string, len(raw))
	for key, name := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parse world id %q: %w", key, err)
		}
		names[id] = name
	}
	return &Catalog{names: names}, nil
}

// Resolve returns the name for a world id.
func (c *Catalog) Resolve(worldID int) (string, error) {
	name, ok := c.names[worldID]
	if !ok {
		return "", apperrors.WithMetadata(apperrors.CodeUnknownWorld,
			fmt.Sprintf("world %d is not in the catalog", worldID),
			map[string]string{"world_id": strconv.Itoa(worldID)})
	}
	return name, nil
}

// IsPseudo reports whether a world id represents a bridge client rather than
// an in-game server.
func (c *Catalog) IsPseudo(worldID int) bool {
	return worldID >= pseudoWorldFloor
}

// Len returns the number of known worlds.
func (c *Catalog) Len() int {
	return len(c.names)
}
