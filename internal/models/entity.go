package models

import (
	"fmt"
	"strings"
)

// EntityKind separates the two scored namespaces.
type EntityKind string

const (
	KindCompany EntityKind = "company"
	KindProduct EntityKind = "product"
)

// ParseEntityKind validates a raw kind string.
func ParseEntityKind(raw string) (EntityKind, error) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindCompany:
		return KindCompany, nil
	case KindProduct:
		return KindProduct, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", raw)
	}
}

// EntityRef identifies a scored product or company.
// Category selects the weight profile used by the scoring engine.
type EntityRef struct {
	Kind     EntityKind `json:"kind"`
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Category string     `json:"category,omitempty"`
}

// Key returns the canonical identifier used for cache keys and store lookups.
func (e EntityRef) Key() string {
	return string(e.Kind) + ":" + e.ID
}

// ParseEntityKey splits a "<kind>:<id>" key back into a reference.
func ParseEntityKey(key string) (EntityRef, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return EntityRef{}, fmt.Errorf("malformed entity key %q", key)
	}
	k, err := ParseEntityKind(kind)
	if err != nil {
		return EntityRef{}, err
	}
	return EntityRef{Kind: k, ID: id}, nil
}
