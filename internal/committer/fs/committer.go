// Package fs writes one file per committed entry under a root directory.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/webimporter/internal/committer"
	"github.com/JakeFAU/webimporter/internal/hash/sha256"
)

// Supported file formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Config controls where and how entries are written.
type Config struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

// Committer stores entries as <dir>/<sha256(reference)>.<format>.
type Committer struct {
	dir    string
	format string
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New creates the target directory and returns a Committer.
func New(cfg Config, logger *zap.Logger) (*Committer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("fs committer dir is required")
	}
	format := cfg.Format
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("unsupported fs committer format %q", cfg.Format)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create commit dir %s: %w", cfg.Dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{dir: cfg.Dir, format: format, hasher: sha256.New(), logger: logger.Named("committer.fs")}, nil
}

// Upsert writes or overwrites the file for entry.
func (c *Committer) Upsert(ctx context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	var (
		payload []byte
		err     error
	)
	if c.format == FormatYAML {
		payload, err = yaml.Marshal(entry)
	} else {
		payload, err = json.MarshalIndent(entry, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	target, err := c.Path(entry.Reference)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, payload, 0o600); err != nil {
		return fmt.Errorf("write entry %s: %w", target, err)
	}
	c.logger.Debug("entry written", zap.String("reference", entry.Reference), zap.String("path", target))
	return nil
}

// Delete removes the file for reference. Missing files are not an error.
func (c *Committer) Delete(_ context.Context, reference string) error {
	target, err := c.Path(reference)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove entry %s: %w", target, err)
	}
	return nil
}

// Close is a no-op.
func (c *Committer) Close(context.Context) error {
	return nil
}

// Path returns the file used for reference.
func (c *Committer) Path(reference string) (string, error) {
	name, err := c.hasher.Hash([]byte(reference))
	if err != nil {
		return "", fmt.Errorf("hash reference: %w", err)
	}
	return filepath.Join(c.dir, name+"."+c.format), nil
}
