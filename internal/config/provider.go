package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-delegate/internal/permission"
	"go.uber.org/zap"
)

// ErrInvalidAgents is wrapped by FileProvider when the agents document fails
// validation even after repair.
var ErrInvalidAgents = errors.New("invalid agents document")

// FormatForPath picks the document format from the file extension.
func FormatForPath(path string) (permission.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return permission.FormatJSON, nil
	case ".yaml", ".yml":
		return permission.FormatYAML, nil
	}
	return "", fmt.Errorf("agents file %s: unknown extension", path)
}

// FileProvider loads the agents document from disk. The document is
// migrated, validated with auto-repair and cached until the file changes.
type FileProvider struct {
	path      string
	format    permission.Format
	validator *permission.Validator
	logger    *zap.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  *permission.Configuration
}

// NewFileProvider creates a provider for path.
func NewFileProvider(path string, logger *zap.Logger) (*FileProvider, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileProvider{
		path:      path,
		format:    format,
		validator: permission.NewValidator(logger),
		logger:    logger.With(zap.String("component", "config")),
	}, nil
}

// LoadConfiguration returns a copy of the current configuration.
func (p *FileProvider) LoadConfiguration(ctx context.Context) (*permission.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("stat agents file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.cached.Clone(), nil
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	res, err := p.validator.ValidateDocument(raw, p.format, permission.Options{AutoRepair: true})
	if err != nil {
		return nil, fmt.Errorf("agents file %s: %w", p.path, err)
	}
	if !res.Valid {
		return nil, issuesError(p.path, res.Errors)
	}
	for _, w := range res.Warnings {
		p.logger.Warn("agents document", zap.String("path", p.path), zap.String("warning", w))
	}

	p.cached = res.Repaired
	p.modTime = info.ModTime()
	p.size = info.Size()
	p.logger.Info("agents document loaded",
		zap.String("path", p.path),
		zap.Int("agents", len(res.Repaired.Agents)),
		zap.String("entry", res.Repaired.EntryAgent))
	return p.cached.Clone(), nil
}

func issuesError(path string, issues []*permission.Issue) error {
	errs := []error{fmt.Errorf("%s: %w", path, ErrInvalidAgents)}
	for _, i := range issues {
		errs = append(errs, i)
	}
	return errors.Join(errs...)
}

// StaticProvider serves a fixed configuration.
type StaticProvider struct {
	cfg *permission.Configuration
}

// NewStaticProvider validates cfg with auto-repair and serves the result.
func NewStaticProvider(cfg *permission.Configuration, logger *zap.Logger) (*StaticProvider, error) {
	res := permission.NewValidator(logger).Validate(cfg, permission.Options{AutoRepair: true})
	if !res.Valid {
		return nil, issuesError("static configuration", res.Errors)
	}
	return &StaticProvider{cfg: res.Repaired}, nil
}

// LoadConfiguration returns a copy of the configuration.
func (p *StaticProvider) LoadConfiguration(context.Context) (*permission.Configuration, error) {
	return p.cfg.Clone(), nil
}
