package conversion

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/virelle/corpus/internal/domain"
)

type fakeHandler struct {
	name   string
	accept string
	calls  int
}

func (h *fakeHandler) Name() string                 { return h.name }
func (h *fakeHandler) Accepts(mimeType string) bool { return mimeType == h.accept }
func (h *fakeHandler) Available() bool              { return true }

type fakePDFHandler struct {
	fakeHandler
	out []byte
	err error
}

func (h *fakePDFHandler) ToPDF(ctx context.Context, src string) ([]byte, error) {
	h.calls++
	return h.out, h.err
}

type fakeTextHandler struct {
	fakeHandler
	out string
}

func (h *fakeTextHandler) ToText(ctx context.Context, src string) (string, error) {
	h.calls++
	return h.out, nil
}

type fakeImageHandler struct {
	fakeHandler
	pages [][]byte
}

func (h *fakeImageHandler) ToImages(ctx context.Context, src string, size int) ([][]byte, error) {
	h.calls++
	return h.pages, nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cache, err := NewCache(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	return &Engine{
		cache:       cache,
		tmpDir:      dir,
		lockDir:     dir,
		lockTimeout: 5 * time.Second,
	}
}

func TestToPDFPassthrough(t *testing.T) {
	e := newTestEngine(t)
	pdf := &fakePDFHandler{fakeHandler: fakeHandler{name: "fake_pdf", accept: "text/html"}}
	e.pdf = []PDFHandler{pdf}

	out, err := e.ToPDF(context.Background(), "d1", []byte("%PDF-1.4"), "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "%PDF-1.4" {
		t.Errorf("pdf content should pass through unchanged, got %q", out)
	}
	if pdf.calls != 0 {
		t.Errorf("handler should not run for pdf input, ran %d times", pdf.calls)
	}
}

func TestToPDFConvertsAndCaches(t *testing.T) {
	e := newTestEngine(t)
	pdf := &fakePDFHandler{
		fakeHandler: fakeHandler{name: "fake_pdf", accept: "text/html"},
		out:         []byte("rendered"),
	}
	e.pdf = []PDFHandler{pdf}

	for i := 0; i < 3; i++ {
		out, err := e.ToPDF(context.Background(), "d1", []byte("<html/>"), "text/html")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(out) != "rendered" {
			t.Errorf("got %q", out)
		}
	}
	if pdf.calls != 1 {
		t.Errorf("handler should run once, cache serving the rest; ran %d times", pdf.calls)
	}
}

func TestToPDFNoHandler(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ToPDF(context.Background(), "d1", []byte("x"), "application/unknown")
	if !stderrors.Is(err, domain.ErrHandlerNotFound) {
		t.Fatalf("expected handler-not-found, got %v", err)
	}
}

func TestToTextPivotsThroughPDF(t *testing.T) {
	e := newTestEngine(t)
	pdf := &fakePDFHandler{
		fakeHandler: fakeHandler{name: "fake_pdf", accept: "text/html"},
		out:         []byte("pdf bytes"),
	}
	text := &fakeTextHandler{
		fakeHandler: fakeHandler{name: "fake_text", accept: "application/pdf"},
		out:         "extracted",
	}
	e.pdf = []PDFHandler{pdf}
	e.text = []TextHandler{text}

	out, err := e.ToText(context.Background(), "d1", []byte("<html/>"), "text/html")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "extracted" {
		t.Errorf("got %q", out)
	}
	if pdf.calls != 1 || text.calls != 1 {
		t.Errorf("expected one pdf and one text invocation, got %d/%d", pdf.calls, text.calls)
	}

	// The pivot leaves both renditions cached.
	if e.cache.Get("pdf", "d1") == nil {
		t.Error("pdf rendition should be cached after pivot")
	}
	if string(e.cache.Get("txt", "d1")) != "extracted" {
		t.Error("text rendition should be cached")
	}
}

func TestToTextImagesYieldEmptyString(t *testing.T) {
	e := newTestEngine(t)

	out, err := e.ToText(context.Background(), "d1", []byte("png"), "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "" {
		t.Errorf("images carry no text, got %q", out)
	}
}

func TestToTextPropagatesPivotFailure(t *testing.T) {
	e := newTestEngine(t)
	pdf := &fakePDFHandler{
		fakeHandler: fakeHandler{name: "fake_pdf", accept: "text/html"},
		err:         &domain.ConversionError{Reason: "conversion timeout"},
	}
	e.pdf = []PDFHandler{pdf}
	e.text = []TextHandler{&fakeTextHandler{fakeHandler: fakeHandler{name: "fake_text", accept: "application/pdf"}}}

	_, err := e.ToText(context.Background(), "d1", []byte("<html/>"), "text/html")
	if !stderrors.Is(err, domain.ErrConversion) {
		t.Fatalf("expected conversion error, got %v", err)
	}
}

func TestToImageCachesWholeSeries(t *testing.T) {
	e := newTestEngine(t)
	image := &fakeImageHandler{
		fakeHandler: fakeHandler{name: "fake_image", accept: "application/pdf"},
		pages:       [][]byte{[]byte("p0"), []byte("p1"), []byte("p2")},
	}
	e.image = []ImageHandler{image}

	out, err := e.ToImage(context.Background(), "d1", []byte("%PDF"), "application/pdf", 1, 640)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "p1" {
		t.Errorf("got %q", out)
	}

	// Rendering once caches every page of the series.
	for i := 0; i < 3; i++ {
		if !e.HasImage("d1", i, 640) {
			t.Errorf("page %d should be cached", i)
		}
	}

	// A later page is served from cache without re-rendering.
	out, err = e.ToImage(context.Background(), "d1", []byte("%PDF"), "application/pdf", 2, 640)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "p2" {
		t.Errorf("got %q", out)
	}
	if image.calls != 1 {
		t.Errorf("handler should run once, ran %d times", image.calls)
	}
}

func TestToImagePageOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	e.image = []ImageHandler{&fakeImageHandler{
		fakeHandler: fakeHandler{name: "fake_image", accept: "application/pdf"},
		pages:       [][]byte{[]byte("p0")},
	}}

	_, err := e.ToImage(context.Background(), "d1", []byte("%PDF"), "application/pdf", 5, 640)
	if !stderrors.Is(err, domain.ErrConversion) {
		t.Fatalf("expected conversion error, got %v", err)
	}
}

func TestCacheKeyLayout(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Set("img:0:640", "abc", []byte("x")); err != nil {
		t.Fatal(err)
	}

	// The kind names the subdirectory verbatim, colons included.
	if _, err := os.Stat(filepath.Join(dir, "img:0:640", "abc.blob")); err != nil {
		t.Errorf("cache entry missing at expected path: %v", err)
	}
	if !cache.Has("img:0:640", "abc") {
		t.Error("Has should report the entry")
	}
	if cache.Get("img:0:640", "missing") != nil {
		t.Error("Get on a missing digest should return nil")
	}
}
