// Package pipeline keeps a document's derived state consistent with its
// content: antivirus verdict, preview image, PDF rendition, extracted
// text, metadata and language. Each stage is a broker actor with its own
// database session, so retries replay a stage in isolation.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/broker"
	"github.com/virelle/corpus/internal/infrastructure/database"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
	"github.com/virelle/corpus/internal/service/antivirus"
	"github.com/virelle/corpus/internal/service/conversion"
	"github.com/virelle/corpus/internal/service/signal"
)

var tracer = otel.Tracer("pipeline")

// Actor names.
const (
	ActorProcess   = "process_document"
	ActorAntivirus = "antivirus_scan"
	ActorPreview   = "preview_document"
	ActorConvert   = "convert_document_content"
)

// Message is the payload every document actor consumes.
type Message struct {
	ID uint `json:"id"`
}

// SessionFactory hands each actor invocation its own transactional
// session.
type SessionFactory func() *database.Session

// Pipeline wires the document actors.
type Pipeline struct {
	sessions SessionFactory
	engine   *conversion.Engine
	scanner  *antivirus.Scanner
	broker   *broker.Broker
	signals  *signal.Service
	mc       *memcache.Client

	previewSize int
}

func New(
	sessions SessionFactory,
	engine *conversion.Engine,
	scanner *antivirus.Scanner,
	b *broker.Broker,
	signals *signal.Service,
	mc *memcache.Client,
	previewSize int,
) *Pipeline {
	return &Pipeline{
		sessions:    sessions,
		engine:      engine,
		scanner:     scanner,
		broker:      b,
		signals:     signals,
		mc:          mc,
		previewSize: previewSize,
	}
}

// Register binds the actors and their retry budgets to the broker.
func (p *Pipeline) Register(b *broker.Broker) {
	processPolicy := broker.Policy{
		MaxRetries: 20,
		MinBackoff: 15 * time.Second,
		MaxBackoff: 24 * time.Hour,
	}
	stagePolicy := broker.Policy{
		MaxRetries: 5,
		MinBackoff: 15 * time.Second,
		MaxBackoff: time.Hour,
	}

	b.Register(ActorProcess, processPolicy, p.actor(p.ProcessDocument))
	b.Register(ActorAntivirus, stagePolicy, p.actor(p.AntivirusScan))
	b.Register(ActorPreview, stagePolicy, p.actor(p.PreviewDocument))
	b.Register(ActorConvert, stagePolicy, p.actor(p.ConvertDocumentContent))
}

func (p *Pipeline) actor(fn func(ctx context.Context, id uint) error) broker.ActorFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Error("dropping malformed pipeline message", slog.String("error", err.Error()))
			return nil
		}
		return fn(ctx, msg.ID)
	}
}

// Schedule enqueues the full pipeline for a document whose content
// changed. A memcache marker absorbs duplicate triggers while the first
// run is still pending.
func (p *Pipeline) Schedule(ctx context.Context, id uint) error {
	if p.mc != nil {
		key := fmt.Sprintf("corpus:processing:%d", id)
		err := p.mc.Add(&memcache.Item{Key: key, Value: []byte("1"), Expiration: 60})
		if stderrors.Is(err, memcache.ErrNotStored) {
			slog.Debug("document already scheduled", slog.Uint64("id", uint64(id)))
			return nil
		}
	}
	return p.broker.Send(ctx, ActorProcess, Message{ID: id})
}

func (p *Pipeline) clearMarker(id uint) {
	if p.mc != nil {
		_ = p.mc.Delete(fmt.Sprintf("corpus:processing:%d", id))
	}
}

// ProcessDocument is the pipeline entry: scan the content, then fan out
// preview and conversion unless the scanner said infected.
func (p *Pipeline) ProcessDocument(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "Pipeline.ProcessDocument")
	defer span.End()
	defer p.clearMarker(id)

	verdict, err := p.scanContent(ctx, id)
	if stderrors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	return p.fanOut(ctx, id, verdict)
}

// fanOut schedules the derivation stages unless the scan came back
// infected. An unknown verdict continues; refusing to serve unscanned
// content is the application boundary's call, not the pipeline's.
func (p *Pipeline) fanOut(ctx context.Context, id uint, verdict domain.Verdict) error {
	if verdict == domain.VerdictInfected {
		slog.Warn("document content infected, pipeline aborted", slog.Uint64("id", uint64(id)))
		return nil
	}

	if err := p.broker.Send(ctx, ActorPreview, Message{ID: id}); err != nil {
		return err
	}
	return p.broker.Send(ctx, ActorConvert, Message{ID: id})
}

// AntivirusScan re-runs just the scan stage.
func (p *Pipeline) AntivirusScan(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "Pipeline.AntivirusScan")
	defer span.End()

	_, err := p.scanContent(ctx, id)
	if stderrors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// scanContent loads the document, streams its content to the scanner and
// stamps the verdict into the content blob's metadata.
func (p *Pipeline) scanContent(ctx context.Context, id uint) (domain.Verdict, error) {
	session := p.sessions()
	if err := session.Begin(); err != nil {
		return domain.VerdictUnknown, err
	}
	defer session.Rollback()

	doc, content, err := p.loadContent(ctx, session, id)
	if err != nil {
		return domain.VerdictUnknown, err
	}

	verdict, signature := p.scanner.Scan(ctx, content)
	if signature != "" {
		slog.Warn("scanner matched a signature",
			slog.Uint64("id", uint64(id)), slog.String("signature", signature))
	}

	if doc.Content.Meta == nil {
		doc.Content.Meta = datatypes.JSONMap{}
	}
	doc.Content.Meta[domain.MetaAntivirus] = verdict.MetaValue()
	if err := session.DB(ctx).Save(doc.Content).Error; err != nil {
		return domain.VerdictUnknown, errors.Wrap(err, "save verdict")
	}
	if err := session.Commit(ctx); err != nil {
		return domain.VerdictUnknown, err
	}

	if err := p.signals.Publish(ctx, domain.Event{
		Kind:       domain.EventScanFinished,
		ObjectType: models.TypeDocument,
		ObjectID:   id,
		Detail:     map[string]any{"verdict": verdict.String()},
	}); err != nil {
		slog.Error("publish scan event failed", slog.String("error", err.Error()))
	}
	return verdict, nil
}

// PreviewDocument renders the first page at preview size, warming the
// conversion cache. Conversion failures are final for this stage.
func (p *Pipeline) PreviewDocument(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "Pipeline.PreviewDocument")
	defer span.End()

	session := p.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	doc, content, err := p.loadContent(ctx, session, id)
	if stderrors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := session.Commit(ctx); err != nil {
		return err
	}

	_, err = p.engine.ToImage(ctx, doc.ContentDigest, content, doc.ContentType, 0, p.previewSize)
	if stderrors.Is(err, domain.ErrConversion) {
		slog.Warn("preview rendering failed",
			slog.Uint64("id", uint64(id)), slog.String("error", err.Error()))
		return nil
	}
	return err
}

// ConvertDocumentContent derives the PDF rendition, extracted text,
// metadata, language and page count, and persists them on the document.
func (p *Pipeline) ConvertDocumentContent(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "Pipeline.ConvertDocumentContent")
	defer span.End()

	session := p.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	doc, content, err := p.loadContent(ctx, session, id)
	if stderrors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pdf, err := p.engine.ToPDF(ctx, doc.ContentDigest, content, doc.ContentType)
	if err != nil {
		if !stderrors.Is(err, domain.ErrConversion) {
			return err
		}
		slog.Warn("pdf conversion failed",
			slog.Uint64("id", uint64(id)), slog.String("error", err.Error()))
		pdf = nil
	}

	text, err := p.engine.ToText(ctx, doc.ContentDigest, content, doc.ContentType)
	if err != nil {
		if !stderrors.Is(err, domain.ErrConversion) {
			return err
		}
		slog.Warn("text extraction failed",
			slog.Uint64("id", uint64(id)), slog.String("error", err.Error()))
		text = ""
	}

	meta, err := p.engine.Metadata(ctx, doc.ContentDigest, content, doc.ContentType)
	if err != nil {
		if !stderrors.Is(err, domain.ErrConversion) {
			return err
		}
		slog.Warn("metadata extraction failed",
			slog.Uint64("id", uint64(id)), slog.String("error", err.Error()))
		meta = map[string]any{}
	}

	if err := p.storeRendition(ctx, session, &doc.PDFID, &doc.PDF, pdf); err != nil {
		return err
	}
	if err := p.storeRendition(ctx, session, &doc.TextID, &doc.Text, []byte(text)); err != nil {
		return err
	}

	doc.ExtraMeta = datatypes.JSONMap(meta)
	doc.PageNum = 1
	if pages, ok := meta["PDF:Pages"].(int); ok {
		doc.PageNum = pages
	} else if pages, ok := meta["PDF:Pages"].(float64); ok {
		doc.PageNum = int(pages)
	}
	if strings.TrimSpace(text) != "" {
		info := whatlanggo.Detect(text)
		doc.Language = whatlanggo.LangToString(info.Lang)
	}

	if err := session.DB(ctx).Save(doc).Error; err != nil {
		return errors.Wrap(err, "save document")
	}
	if err := session.Commit(ctx); err != nil {
		return err
	}

	if err := p.signals.Publish(ctx, domain.Event{
		Kind:       domain.EventContentChanged,
		ObjectType: models.TypeDocument,
		ObjectID:   id,
	}); err != nil {
		slog.Error("publish convert event failed", slog.String("error", err.Error()))
	}
	return nil
}

// storeRendition replaces a derived blob with new bytes, reusing the row
// when one exists.
func (p *Pipeline) storeRendition(ctx context.Context, session *database.Session, idField **uint, blobField **models.Blob, content []byte) error {
	blob := *blobField
	if blob == nil {
		blob = models.NewBlob()
		if err := session.DB(ctx).Create(blob).Error; err != nil {
			return errors.Wrap(err, "create rendition blob")
		}
		*blobField = blob
		*idField = &blob.ID
	}
	return session.SetBlob(blob.UUID, bytes.NewReader(content))
}

// loadContent fetches the document and its content bytes inside the given
// session.
func (p *Pipeline) loadContent(ctx context.Context, session *database.Session, id uint) (*models.Document, []byte, error) {
	var doc models.Document
	err := session.DB(ctx).
		Preload("Content").
		Preload("PDF").
		Preload("Text").
		First(&doc, id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, domain.NotFoundError{Resource: "document"}
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "load document")
	}
	if doc.Content == nil {
		return nil, nil, domain.NotFoundError{Resource: "document content"}
	}

	path := session.GetBlob(doc.Content.UUID)
	if path == "" {
		return nil, nil, domain.NotFoundError{Resource: "content blob"}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read content blob")
	}
	return &doc, content, nil
}
