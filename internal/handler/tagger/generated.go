package tagger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
)

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests document content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// UUIDConfig configures UUID.
type UUIDConfig struct {
	ToField string    `mapstructure:"toField"`
	OnSet   doc.OnSet `mapstructure:"onSet"`
}

// UUID adds a generated identifier to each document.
type UUID struct {
	cfg UUIDConfig
	ids IDGenerator
}

// NewUUID applies defaults to cfg.
func NewUUID(cfg UUIDConfig, ids IDGenerator) (*UUID, error) {
	if ids == nil {
		return nil, handler.Invalid("uuid", "id generator is required")
	}
	if cfg.ToField == "" {
		cfg.ToField = "document.uuid"
	}
	return &UUID{cfg: cfg, ids: ids}, nil
}

// Name implements handler.Named.
func (*UUID) Name() string { return "uuid" }

// Handle implements handler.Handler.
func (t *UUID) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	id, err := t.ids.NewID()
	if err != nil {
		return fmt.Errorf("uuid tagger: %w", err)
	}
	d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, id)
	return nil
}

// ChecksumConfig configures Checksum.
type ChecksumConfig struct {
	ToField     string    `mapstructure:"toField"`
	LengthField string    `mapstructure:"lengthField"`
	OnSet       doc.OnSet `mapstructure:"onSet"`
}

// Checksum records a content digest and, optionally, the content length.
type Checksum struct {
	cfg    ChecksumConfig
	hasher Hasher
}

// NewChecksum applies defaults to cfg.
func NewChecksum(cfg ChecksumConfig, hasher Hasher) (*Checksum, error) {
	if hasher == nil {
		return nil, handler.Invalid("checksum", "hasher is required")
	}
	if cfg.ToField == "" {
		cfg.ToField = doc.FieldChecksum
	}
	if cfg.OnSet == "" {
		cfg.OnSet = doc.OnSetReplace
	}
	return &Checksum{cfg: cfg, hasher: hasher}, nil
}

// Name implements handler.Named.
func (*Checksum) Name() string { return "checksum" }

// Handle implements handler.Handler.
func (t *Checksum) Handle(_ context.Context, d *doc.Document, _ doc.ParseState) error {
	sum, err := t.hasher.Hash(d.Content)
	if err != nil {
		return fmt.Errorf("checksum tagger: %w", err)
	}
	d.Metadata.SetWith(t.cfg.ToField, t.cfg.OnSet, sum)
	if t.cfg.LengthField != "" {
		d.Metadata.SetWith(t.cfg.LengthField, t.cfg.OnSet, strconv.Itoa(len(d.Content)))
	}
	return nil
}
