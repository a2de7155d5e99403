// Package conversion derives PDF, text, image and metadata representations
// from stored content by dispatching to format handlers backed by external
// tools. Results are cached on disk by content digest; handler invocations
// are serialized host-wide through file locks.
package conversion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/virelle/corpus/internal/config"
	"github.com/virelle/corpus/internal/domain"
)

var tracer = otel.Tracer("conversion")

const mimePDF = "application/pdf"

// Engine is the conversion service. All entry points follow the same
// shape: consult the cache, find the first available handler accepting the
// source type, otherwise pivot through PDF, and cache whatever came out.
type Engine struct {
	cache       *Cache
	tmpDir      string
	lockDir     string
	lockTimeout time.Duration

	pdf   []PDFHandler
	text  []TextHandler
	image []ImageHandler
	meta  []MetadataHandler
}

func NewEngine(cfg config.Conversion) (*Engine, error) {
	cache, err := NewCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.TmpDir, cfg.LockDir} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, errors.Wrap(err, "create conversion dir")
		}
	}

	return &Engine{
		cache:       cache,
		tmpDir:      cfg.TmpDir,
		lockDir:     cfg.LockDir,
		lockTimeout: cfg.LockTimeout,
		pdf: []PDFHandler{
			newOfficeToPDFHandler(cfg.SofficePath, cfg.TmpDir, cfg.ToolTimeout),
			newImageToPDFHandler(cfg.ToolTimeout),
		},
		text: []TextHandler{
			newPDFToTextHandler(cfg.ToolTimeout),
		},
		image: []ImageHandler{
			newNativeImageHandler(),
			newPDFToImageHandler(cfg.TmpDir, cfg.ToolTimeout),
		},
		meta: []MetadataHandler{
			newPDFMetadataHandler(cfg.ToolTimeout),
			newEXIFMetadataHandler(),
		},
	}, nil
}

// ToPDF returns the PDF rendition of the content. PDF content passes
// through untouched.
func (e *Engine) ToPDF(ctx context.Context, digest string, content []byte, mimeType string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Engine.ToPDF")
	defer span.End()

	if isPDF(mimeType) {
		return content, nil
	}
	if cached := e.cache.Get("pdf", digest); cached != nil {
		return cached, nil
	}

	handler, ok := findHandler(e.pdf, mimeType)
	if !ok {
		return nil, domain.HandlerNotFound(mimeType, mimePDF)
	}

	var out []byte
	err := e.withSource(content, func(src string) error {
		return e.withLock(ctx, handler.Name(), func() error {
			var err error
			out, err = handler.ToPDF(ctx, src)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := e.cache.Set("pdf", digest, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToText extracts plain text from the content, pivoting through PDF when
// no handler reads the source type directly. Images yield the empty
// string.
func (e *Engine) ToText(ctx context.Context, digest string, content []byte, mimeType string) (string, error) {
	ctx, span := tracer.Start(ctx, "Engine.ToText")
	defer span.End()

	if strings.HasPrefix(mimeType, "image/") {
		return "", nil
	}
	if cached := e.cache.Get("txt", digest); cached != nil {
		return string(cached), nil
	}

	handler, ok := findHandler(e.text, mimeType)
	if !ok {
		pdf, err := e.ToPDF(ctx, digest, content, mimeType)
		if err != nil {
			return "", err
		}
		content, mimeType = pdf, mimePDF
		handler, ok = findHandler(e.text, mimeType)
	}
	if !ok {
		return "", domain.HandlerNotFound(mimeType, "text/plain")
	}

	var out string
	err := e.withSource(content, func(src string) error {
		return e.withLock(ctx, handler.Name(), func() error {
			var err error
			out, err = handler.ToText(ctx, src)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := e.cache.Set("txt", digest, []byte(out)); err != nil {
		return "", err
	}
	return out, nil
}

func imageKind(index, size int) string {
	return fmt.Sprintf("img:%d:%d", index, size)
}

// ToImage renders one page of the content as a PNG. Rendering produces the
// whole page series; every page lands in the cache so later pages are
// free.
func (e *Engine) ToImage(ctx context.Context, digest string, content []byte, mimeType string, index, size int) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Engine.ToImage")
	defer span.End()

	if cached := e.cache.Get(imageKind(index, size), digest); cached != nil {
		return cached, nil
	}

	handler, ok := findHandler(e.image, mimeType)
	if !ok {
		pdf, err := e.ToPDF(ctx, digest, content, mimeType)
		if err != nil {
			return nil, err
		}
		content, mimeType = pdf, mimePDF
		handler, ok = findHandler(e.image, mimeType)
	}
	if !ok {
		return nil, domain.HandlerNotFound(mimeType, "image/png")
	}

	var pages [][]byte
	err := e.withSource(content, func(src string) error {
		return e.withLock(ctx, handler.Name(), func() error {
			var err error
			pages, err = handler.ToImages(ctx, src, size)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i, page := range pages {
		if err := e.cache.Set(imageKind(i, size), digest, page); err != nil {
			return nil, err
		}
	}
	if index < 0 || index >= len(pages) {
		return nil, &domain.ConversionError{
			Reason: fmt.Sprintf("page %d out of range (%d pages)", index, len(pages)),
		}
	}
	return pages[index], nil
}

// HasImage reports whether the rendition is already cached.
func (e *Engine) HasImage(digest string, index, size int) bool {
	return e.cache.Has(imageKind(index, size), digest)
}

// Metadata runs every extractor accepting the source type and merges their
// results.
func (e *Engine) Metadata(ctx context.Context, digest string, content []byte, mimeType string) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "Engine.Metadata")
	defer span.End()

	if cached := e.cache.Get("meta", digest); cached != nil {
		meta := map[string]any{}
		if err := json.Unmarshal(cached, &meta); err == nil {
			return meta, nil
		}
	}

	merged := map[string]any{}
	err := e.withSource(content, func(src string) error {
		for _, handler := range e.meta {
			if !handler.Accepts(mimeType) || !handler.Available() {
				continue
			}
			err := e.withLock(ctx, handler.Name(), func() error {
				meta, err := handler.Metadata(ctx, src)
				if err != nil {
					return err
				}
				for k, v := range meta {
					merged[k] = v
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if encoded, err := json.Marshal(merged); err == nil {
		if err := e.cache.Set("meta", digest, encoded); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// Capabilities lists each handler with its availability on this host.
func (e *Engine) Capabilities() map[string]bool {
	caps := map[string]bool{}
	for _, h := range e.pdf {
		caps[h.Name()] = h.Available()
	}
	for _, h := range e.text {
		caps[h.Name()] = h.Available()
	}
	for _, h := range e.image {
		caps[h.Name()] = h.Available()
	}
	for _, h := range e.meta {
		caps[h.Name()] = h.Available()
	}
	return caps
}

// findHandler picks the first available handler accepting the source type.
func findHandler[H Handler](handlers []H, mimeType string) (H, bool) {
	for _, h := range handlers {
		if h.Accepts(mimeType) && h.Available() {
			return h, true
		}
	}
	var zero H
	return zero, false
}

func isPDF(mimeType string) bool {
	return mimeType == mimePDF || mimeType == "application/x-pdf"
}

// withSource materializes content as a temp file for tool consumption.
func (e *Engine) withSource(content []byte, fn func(src string) error) error {
	file, err := os.CreateTemp(e.tmpDir, "src-")
	if err != nil {
		return errors.Wrap(err, "create source file")
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(content); err != nil {
		file.Close()
		return errors.Wrap(err, "write source file")
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "close source file")
	}
	return fn(file.Name())
}

// withLock serializes handler invocations host-wide. External tools like
// LibreOffice cannot run concurrently against a shared profile.
func (e *Engine) withLock(ctx context.Context, name string, fn func() error) error {
	lock := flock.New(filepath.Join(e.lockDir, name+".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil || !ok {
		return &domain.ConversionError{Reason: "could not acquire " + name + " lock"}
	}
	defer lock.Unlock()

	return fn()
}
