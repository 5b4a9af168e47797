package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"finmodel/pkg/core/template"
)

// TemplateSaver persists a template.
type TemplateSaver interface {
	SaveTemplate(ctx context.Context, t *template.Template) error
}

// HybridLoader serves templates from the database first and the template
// directory second. A template found only on disk is written back to the
// database when the primary can save.
type HybridLoader struct {
	primary  template.Loader
	fallback template.Loader
	logger   *slog.Logger
}

// NewHybridLoader combines a database loader with a file loader. Either may
// be nil.
func NewHybridLoader(primary, fallback template.Loader, logger *slog.Logger) *HybridLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridLoader{primary: primary, fallback: fallback, logger: logger}
}

// LoadTemplate implements template.Loader.
func (h *HybridLoader) LoadTemplate(ctx context.Context, code string) (*template.Template, error) {
	// 1. Try DB
	if h.primary != nil {
		t, err := h.primary.LoadTemplate(ctx, code)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, template.ErrNotFound) || h.fallback == nil {
			return nil, err
		}
	}

	// 2. Try File System
	if h.fallback == nil {
		return nil, fmt.Errorf("%w: %s (no loader configured)", template.ErrNotFound, code)
	}
	t, err := h.fallback.LoadTemplate(ctx, code)
	if err != nil {
		return nil, err
	}
	if saver, ok := h.primary.(TemplateSaver); ok {
		if err := saver.SaveTemplate(ctx, t); err != nil {
			h.logger.Warn("failed to sync template to database", "template", t.Key(), "error", err)
		} else {
			h.logger.Debug("synced template to database", "template", t.Key())
		}
	}
	return t, nil
}
