package conversion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/virelle/corpus/internal/domain"
)

// Handler is one conversion capability backed by an external tool or a
// native codec. Accepts matches source MIME types; Available reports
// whether the backing tool was found on this host.
type Handler interface {
	Name() string
	Accepts(mimeType string) bool
	Available() bool
}

// PDFHandler converts a source file to PDF.
type PDFHandler interface {
	Handler
	ToPDF(ctx context.Context, src string) ([]byte, error)
}

// TextHandler extracts plain text from a source file.
type TextHandler interface {
	Handler
	ToText(ctx context.Context, src string) (string, error)
}

// ImageHandler renders every page of a source file as PNGs of the given
// size.
type ImageHandler interface {
	Handler
	ToImages(ctx context.Context, src string, size int) ([][]byte, error)
}

// MetadataHandler extracts tool-specific metadata from a source file.
type MetadataHandler interface {
	Handler
	Metadata(ctx context.Context, src string) (map[string]any, error)
}

type baseHandler struct {
	name    string
	accepts []*regexp.Regexp
	tools   []string
}

func (h baseHandler) Name() string { return h.name }

func (h baseHandler) Accepts(mimeType string) bool {
	for _, re := range h.accepts {
		if re.MatchString(mimeType) {
			return true
		}
	}
	return false
}

func (h baseHandler) Available() bool {
	for _, tool := range h.tools {
		if !hasTool(tool) {
			return false
		}
	}
	return true
}

func acceptExact(mimes ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(mimes))
	for i, m := range mimes {
		res[i] = regexp.MustCompile("^" + regexp.QuoteMeta(m) + "$")
	}
	return res
}

// pdfToTextHandler extracts text from PDFs with poppler's pdftotext.
type pdfToTextHandler struct {
	baseHandler
	timeout time.Duration
}

func newPDFToTextHandler(timeout time.Duration) *pdfToTextHandler {
	return &pdfToTextHandler{
		baseHandler: baseHandler{
			name:    "pdftotext",
			accepts: acceptExact("application/pdf", "application/x-pdf"),
			tools:   []string{popplerTool("pdftotext")},
		},
		timeout: timeout,
	}
}

func (h *pdfToTextHandler) ToText(ctx context.Context, src string) (string, error) {
	out, err := runTool(ctx, h.timeout, popplerTool("pdftotext"), src, "-")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// officeToPDFHandler converts office documents with a headless LibreOffice.
type officeToPDFHandler struct {
	baseHandler
	soffice string
	tmpDir  string
	timeout time.Duration
}

var officeMimes = []*regexp.Regexp{
	regexp.MustCompile(`^application/vnd\.oasis\.opendocument\..*`),
	regexp.MustCompile(`^application/vnd\.openxmlformats-officedocument\..*`),
	regexp.MustCompile(`^application/vnd\.ms-(word|excel|powerpoint).*`),
	regexp.MustCompile(`^application/msword$`),
	regexp.MustCompile(`^application/rtf$`),
	regexp.MustCompile(`^text/rtf$`),
	regexp.MustCompile(`^text/plain$`),
	regexp.MustCompile(`^text/html$`),
	regexp.MustCompile(`^text/csv$`),
}

func newOfficeToPDFHandler(soffice, tmpDir string, timeout time.Duration) *officeToPDFHandler {
	if soffice == "" {
		soffice = "soffice"
	}
	return &officeToPDFHandler{
		baseHandler: baseHandler{
			name:    "soffice",
			accepts: officeMimes,
			tools:   []string{soffice},
		},
		soffice: soffice,
		tmpDir:  tmpDir,
		timeout: timeout,
	}
}

func (h *officeToPDFHandler) ToPDF(ctx context.Context, src string) ([]byte, error) {
	outDir, err := os.MkdirTemp(h.tmpDir, "soffice-")
	if err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}
	defer os.RemoveAll(outDir)

	// LibreOffice conversions take longer than poppler calls.
	_, err = runTool(ctx, 5*h.timeout, h.soffice,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, src)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out, err := os.ReadFile(filepath.Join(outDir, base+".pdf"))
	if err != nil {
		return nil, &domain.ConversionError{Reason: "soffice produced no output"}
	}
	return out, nil
}

// imageToPDFHandler wraps raster images into a PDF page with ImageMagick.
type imageToPDFHandler struct {
	baseHandler
	timeout time.Duration
}

func newImageToPDFHandler(timeout time.Duration) *imageToPDFHandler {
	return &imageToPDFHandler{
		baseHandler: baseHandler{
			name:    "imagemagick",
			accepts: []*regexp.Regexp{regexp.MustCompile(`^image/.*`)},
			tools:   []string{"convert"},
		},
		timeout: timeout,
	}
}

func (h *imageToPDFHandler) ToPDF(ctx context.Context, src string) ([]byte, error) {
	return runTool(ctx, h.timeout, "convert", src, "pdf:-")
}

// pdfToImageHandler renders the full page series of a PDF as PNGs with
// poppler's pdftoppm.
type pdfToImageHandler struct {
	baseHandler
	tmpDir  string
	timeout time.Duration
}

func newPDFToImageHandler(tmpDir string, timeout time.Duration) *pdfToImageHandler {
	return &pdfToImageHandler{
		baseHandler: baseHandler{
			name:    "pdftoppm",
			accepts: acceptExact("application/pdf", "application/x-pdf"),
			tools:   []string{popplerTool("pdftoppm")},
		},
		tmpDir:  tmpDir,
		timeout: timeout,
	}
}

func (h *pdfToImageHandler) ToImages(ctx context.Context, src string, size int) ([][]byte, error) {
	outDir, err := os.MkdirTemp(h.tmpDir, "pdftoppm-")
	if err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}
	defer os.RemoveAll(outDir)

	prefix := filepath.Join(outDir, "page")
	_, err = runTool(ctx, h.timeout, popplerTool("pdftoppm"),
		"-png", "-scale-to", strconv.Itoa(size), src, prefix)
	if err != nil {
		return nil, err
	}

	names, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(names) == 0 {
		return nil, &domain.ConversionError{Reason: "pdftoppm produced no output"}
	}
	// pdftoppm zero-pads page numbers, so the lexical order is the page
	// order.
	sort.Strings(names)
	pages := make([][]byte, 0, len(names))
	for _, name := range names {
		page, err := os.ReadFile(name)
		if err != nil {
			return nil, errors.Wrap(err, "read rendered page")
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// nativeImageHandler resizes raster images without shelling out.
type nativeImageHandler struct {
	baseHandler
}

func newNativeImageHandler() *nativeImageHandler {
	return &nativeImageHandler{
		baseHandler: baseHandler{
			name:    "image",
			accepts: acceptExact("image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff"),
		},
	}
}

func (h *nativeImageHandler) Available() bool { return true }

func (h *nativeImageHandler) ToImages(ctx context.Context, src string, size int) ([][]byte, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &domain.ConversionError{Reason: "decode image: " + err.Error()}
	}
	if img.Bounds().Dx() > size || img.Bounds().Dy() > size {
		img = imaging.Fit(img, size, size, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, "encode image")
	}
	return [][]byte{buf.Bytes()}, nil
}

// pdfMetadataHandler reads document properties with poppler's pdfinfo.
type pdfMetadataHandler struct {
	baseHandler
	timeout time.Duration
}

func newPDFMetadataHandler(timeout time.Duration) *pdfMetadataHandler {
	return &pdfMetadataHandler{
		baseHandler: baseHandler{
			name:    "pdfinfo",
			accepts: acceptExact("application/pdf", "application/x-pdf"),
			tools:   []string{popplerTool("pdfinfo")},
		},
		timeout: timeout,
	}
}

func (h *pdfMetadataHandler) Metadata(ctx context.Context, src string) (map[string]any, error) {
	return pdfInfo(ctx, h.timeout, src)
}

func pdfInfo(ctx context.Context, timeout time.Duration, src string) (map[string]any, error) {
	out, err := runTool(ctx, timeout, popplerTool("pdfinfo"), src)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if key == "Pages" {
			if n, err := strconv.Atoi(value); err == nil {
				meta["PDF:Pages"] = n
				continue
			}
		}
		meta["PDF:"+key] = value
	}
	return meta, nil
}

// exifMetadataHandler reads camera metadata from JPEG and TIFF images.
type exifMetadataHandler struct {
	baseHandler
}

func newEXIFMetadataHandler() *exifMetadataHandler {
	return &exifMetadataHandler{
		baseHandler: baseHandler{
			name:    "exif",
			accepts: acceptExact("image/jpeg", "image/tiff"),
		},
	}
}

func (h *exifMetadataHandler) Available() bool { return true }

func (h *exifMetadataHandler) Metadata(ctx context.Context, src string) (map[string]any, error) {
	file, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer file.Close()

	data, err := exif.Decode(file)
	if err != nil {
		// Most images simply carry no EXIF block.
		return map[string]any{}, nil
	}

	meta := map[string]any{}
	for _, field := range []exif.FieldName{
		exif.Make, exif.Model, exif.DateTime, exif.Software,
		exif.PixelXDimension, exif.PixelYDimension, exif.Orientation,
	} {
		tag, err := data.Get(field)
		if err != nil {
			continue
		}
		meta["EXIF:"+string(field)] = strings.Trim(tag.String(), `"`)
	}
	if lat, long, err := data.LatLong(); err == nil {
		meta["EXIF:GPSPosition"] = fmt.Sprintf("%f,%f", lat, long)
	}
	return meta, nil
}
