package usecase

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	stderrors "errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

var tracer = otel.Tracer("usecase")

// ErrLocked is returned when another user holds a document's edit lock.
var ErrLocked = errors.New("document is locked by another user")

// ErrScanPending is returned when configuration demands a conclusive
// antivirus verdict and none exists yet.
var ErrScanPending = errors.New("content awaits an antivirus verdict")

// ErrInfected is returned when the scanner flagged the content.
var ErrInfected = errors.New("content flagged by antivirus")

// metaLock is the entity metadata key holding the edit lock.
const metaLock = "lock"

// Scheduler triggers the processing pipeline for changed content.
type Scheduler interface {
	Schedule(ctx context.Context, id uint) error
}

// Converter serves derived renditions from the conversion cache.
type Converter interface {
	ToImage(ctx context.Context, digest string, content []byte, mimeType string, index, size int) ([]byte, error)
	ToPDF(ctx context.Context, digest string, content []byte, mimeType string) ([]byte, error)
	ToText(ctx context.Context, digest string, content []byte, mimeType string) (string, error)
}

// AccessOracle answers the permission questions the usecase needs.
type AccessOracle interface {
	HasPermission(ctx context.Context, db *gorm.DB, p domain.Principal, perm domain.Permission, objectKey *string, creatorID, ownerID uint) (bool, error)
}

// ErrForbidden is returned when the caller lacks the needed permission.
var ErrForbidden = errors.New("permission denied")

type CreateDocumentInput struct {
	Name        string
	CommunityID *uint
	Filename    string
	ContentType string
	Content     []byte
}

type DocumentUsecase struct {
	sessions func() *database.Session
	oracle   AccessOracle
	engine   Converter
	pipeline Scheduler

	scanRequired bool
	previewSize  int
	lockLifetime time.Duration
}

func NewDocumentUsecase(
	sessions func() *database.Session,
	oracle AccessOracle,
	engine Converter,
	pipeline Scheduler,
	scanRequired bool,
	previewSize int,
	lockLifetime time.Duration,
) *DocumentUsecase {
	return &DocumentUsecase{
		sessions:     sessions,
		oracle:       oracle,
		engine:       engine,
		pipeline:     pipeline,
		scanRequired: scanRequired,
		previewSize:  previewSize,
		lockLifetime: lockLifetime,
	}
}

// Create stores a new document and its content, then schedules the
// processing pipeline.
func (uc *DocumentUsecase) Create(ctx context.Context, p domain.Principal, input CreateDocumentInput) (*models.Document, error) {
	ctx, span := tracer.Start(ctx, "DocumentUsecase.Create")
	defer span.End()

	if p.IsAnonymous() {
		return nil, ErrForbidden
	}
	if input.Name == "" {
		return nil, &domain.ValidationError{Reason: "document name is required"}
	}

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return nil, err
	}
	defer session.Rollback()

	doc := &models.Document{
		Entity: models.Entity{
			Name:      input.Name,
			CreatorID: p.UserID,
			OwnerID:   p.UserID,
			Meta:      datatypes.JSONMap{},
		},
		CommunityID: input.CommunityID,
	}
	if err := session.DB(ctx).Create(doc).Error; err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "create document")
	}
	if err := uc.grantDefaults(ctx, session, doc); err != nil {
		return nil, err
	}

	if err := uc.replaceContent(ctx, session, doc, input.Content, input.ContentType, input.Filename); err != nil {
		return nil, err
	}
	if err := session.Commit(ctx); err != nil {
		return nil, err
	}

	if err := uc.pipeline.Schedule(ctx, doc.ID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return doc, nil
}

// SetContent replaces a document's content and reschedules processing. The
// caller must hold write permission and must not be locked out.
func (uc *DocumentUsecase) SetContent(ctx context.Context, p domain.Principal, id uint, content []byte, contentType, filename string) error {
	ctx, span := tracer.Start(ctx, "DocumentUsecase.SetContent")
	defer span.End()

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	doc, err := uc.load(ctx, session, id)
	if err != nil {
		return err
	}
	if err := uc.authorize(ctx, session, p, doc, domain.PermissionWrite); err != nil {
		return err
	}
	if lock := uc.activeLock(doc); lock != nil && !lock.OwnedBy(p) {
		return ErrLocked
	}

	if err := uc.replaceContent(ctx, session, doc, content, contentType, filename); err != nil {
		return err
	}
	if err := session.Commit(ctx); err != nil {
		return err
	}
	return uc.pipeline.Schedule(ctx, id)
}

// grantDefaults installs the document's initial permissions: the creator
// may read and write, and community content opens up to the community's
// member and manager roles.
func (uc *DocumentUsecase) grantDefaults(ctx context.Context, session *database.Session, doc *models.Document) error {
	key := models.ObjectKey(models.TypeDocument, doc.ID)
	grants := []models.PermissionAssignment{
		{Role: domain.Creator.Name, Permission: string(domain.PermissionRead), ObjectKey: &key},
		{Role: domain.Creator.Name, Permission: string(domain.PermissionWrite), ObjectKey: &key},
	}
	if doc.CommunityID != nil {
		member := domain.CommunityMemberRole(*doc.CommunityID)
		manager := domain.CommunityManagerRole(*doc.CommunityID)
		grants = append(grants,
			models.PermissionAssignment{Role: member.Name, Permission: string(domain.PermissionRead), ObjectKey: &key},
			models.PermissionAssignment{Role: manager.Name, Permission: string(domain.PermissionRead), ObjectKey: &key},
			models.PermissionAssignment{Role: manager.Name, Permission: string(domain.PermissionWrite), ObjectKey: &key},
		)
	}
	for i := range grants {
		if err := session.DB(ctx).Create(&grants[i]).Error; err != nil {
			return errors.Wrap(err, "grant default permission")
		}
	}
	return nil
}

// replaceContent writes the content blob and refreshes the content
// columns. Derived renditions go stale and are dropped; the pipeline
// rebuilds them.
func (uc *DocumentUsecase) replaceContent(ctx context.Context, session *database.Session, doc *models.Document, content []byte, contentType, filename string) error {
	contentType = repairContentType(contentType, filename, content)
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])

	blob := models.NewBlob()
	blob.Meta = datatypes.JSONMap{
		domain.MetaFilename: filename,
		domain.MetaMimeType: contentType,
		domain.MetaMD5:      digest,
	}
	if err := session.DB(ctx).Create(blob).Error; err != nil {
		return errors.Wrap(err, "create content blob")
	}
	if err := session.SetBlob(blob.UUID, bytes.NewReader(content)); err != nil {
		return err
	}

	stale := []*models.Blob{doc.Content, doc.PDF, doc.Text}

	doc.Content = blob
	doc.ContentID = &blob.ID
	doc.ContentDigest = digest
	doc.ContentLength = int64(len(content))
	doc.ContentType = contentType
	doc.PDF, doc.PDFID = nil, nil
	doc.Text, doc.TextID = nil, nil
	doc.Language = ""
	doc.PageNum = 1
	doc.ExtraMeta = nil

	// Re-point the document before the old rows go so the blob FKs never
	// fire against a document that still references them.
	if err := session.DB(ctx).Save(doc).Error; err != nil {
		return errors.Wrap(err, "save document")
	}

	for _, old := range stale {
		if old == nil {
			continue
		}
		if err := session.DB(ctx).Delete(old).Error; err != nil {
			return errors.Wrap(err, "delete stale blob")
		}
	}
	return nil
}

// Get returns a document the caller may read.
func (uc *DocumentUsecase) Get(ctx context.Context, p domain.Principal, id uint) (*models.Document, error) {
	session := uc.sessions()
	doc, err := uc.load(ctx, session, id)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(ctx, session, p, doc, domain.PermissionRead); err != nil {
		return nil, err
	}
	return doc, nil
}

// Content returns the raw content bytes, refusing when a required verdict
// is missing or the content is known infected.
func (uc *DocumentUsecase) Content(ctx context.Context, p domain.Principal, id uint) (*models.Document, []byte, error) {
	ctx, span := tracer.Start(ctx, "DocumentUsecase.Content")
	defer span.End()

	session := uc.sessions()
	doc, err := uc.load(ctx, session, id)
	if err != nil {
		return nil, nil, err
	}
	if err := uc.authorize(ctx, session, p, doc, domain.PermissionRead); err != nil {
		return nil, nil, err
	}

	verdict := uc.verdict(doc)
	if verdict == domain.VerdictInfected {
		return nil, nil, ErrInfected
	}
	if uc.scanRequired && verdict == domain.VerdictUnknown {
		return nil, nil, ErrScanPending
	}

	content, err := uc.readBlob(session, doc.Content)
	if err != nil {
		return nil, nil, err
	}
	return doc, content, nil
}

// Preview renders the first page at the configured preview size.
func (uc *DocumentUsecase) Preview(ctx context.Context, p domain.Principal, id uint, size int) ([]byte, error) {
	doc, content, err := uc.Content(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = uc.previewSize
	}
	return uc.engine.ToImage(ctx, doc.ContentDigest, content, doc.ContentType, 0, size)
}

// PDF returns the PDF rendition, preferring the pipeline's stored blob.
func (uc *DocumentUsecase) PDF(ctx context.Context, p domain.Principal, id uint) ([]byte, error) {
	doc, content, err := uc.Content(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if doc.PDF != nil {
		if stored, err := uc.readBlob(uc.sessions(), doc.PDF); err == nil && len(stored) > 0 {
			return stored, nil
		}
	}
	return uc.engine.ToPDF(ctx, doc.ContentDigest, content, doc.ContentType)
}

// Text returns the extracted text, preferring the pipeline's stored blob.
func (uc *DocumentUsecase) Text(ctx context.Context, p domain.Principal, id uint) (string, error) {
	doc, content, err := uc.Content(ctx, p, id)
	if err != nil {
		return "", err
	}
	if doc.Text != nil {
		if stored, err := uc.readBlob(uc.sessions(), doc.Text); err == nil {
			return string(stored), nil
		}
	}
	return uc.engine.ToText(ctx, doc.ContentDigest, content, doc.ContentType)
}

// Lock takes or refreshes the edit lock for the caller.
func (uc *DocumentUsecase) Lock(ctx context.Context, p domain.Principal, id uint) (*domain.Lock, error) {
	ctx, span := tracer.Start(ctx, "DocumentUsecase.Lock")
	defer span.End()

	if p.IsAnonymous() {
		return nil, ErrForbidden
	}

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return nil, err
	}
	defer session.Rollback()

	doc, err := uc.load(ctx, session, id)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(ctx, session, p, doc, domain.PermissionWrite); err != nil {
		return nil, err
	}
	if existing := uc.activeLock(doc); existing != nil && !existing.OwnedBy(p) {
		return nil, ErrLocked
	}

	lock := domain.NewLock(p, time.Now())
	if doc.Meta == nil {
		doc.Meta = datatypes.JSONMap{}
	}
	doc.Meta[metaLock] = lock.AsMap()
	if err := session.DB(ctx).Save(doc).Error; err != nil {
		return nil, errors.Wrap(err, "save lock")
	}
	if err := session.Commit(ctx); err != nil {
		return nil, err
	}
	return &lock, nil
}

// Unlock releases the edit lock. Only the holder (or force) may release a
// live lock; expired locks release freely.
func (uc *DocumentUsecase) Unlock(ctx context.Context, p domain.Principal, id uint, force bool) error {
	ctx, span := tracer.Start(ctx, "DocumentUsecase.Unlock")
	defer span.End()

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	doc, err := uc.load(ctx, session, id)
	if err != nil {
		return err
	}
	if err := uc.authorize(ctx, session, p, doc, domain.PermissionWrite); err != nil {
		return err
	}
	if lock := uc.activeLock(doc); lock != nil && !lock.OwnedBy(p) && !force {
		return ErrLocked
	}

	delete(doc.Meta, metaLock)
	if err := session.DB(ctx).Save(doc).Error; err != nil {
		return errors.Wrap(err, "save unlock")
	}
	return session.Commit(ctx)
}

// CurrentLock reports the live lock, if any.
func (uc *DocumentUsecase) CurrentLock(ctx context.Context, p domain.Principal, id uint) (*domain.Lock, error) {
	doc, err := uc.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return uc.activeLock(doc), nil
}

// Delete removes the document and its blob rows; the blob files follow
// through the staged blob transaction.
func (uc *DocumentUsecase) Delete(ctx context.Context, p domain.Principal, id uint) error {
	ctx, span := tracer.Start(ctx, "DocumentUsecase.Delete")
	defer span.End()

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	doc, err := uc.load(ctx, session, id)
	if err != nil {
		return err
	}
	if err := uc.authorize(ctx, session, p, doc, domain.PermissionWrite); err != nil {
		return err
	}

	// Blob rows go through the delete callback so their file removals get
	// staged; the document FKs null out as each row goes.
	for _, blob := range []*models.Blob{doc.Content, doc.PDF, doc.Text} {
		if blob == nil {
			continue
		}
		if err := session.DB(ctx).Delete(blob).Error; err != nil {
			return errors.Wrap(err, "delete blob")
		}
	}
	if err := session.DB(ctx).Delete(doc).Error; err != nil {
		return errors.Wrap(err, "delete document")
	}
	return session.Commit(ctx)
}

func (uc *DocumentUsecase) load(ctx context.Context, session *database.Session, id uint) (*models.Document, error) {
	var doc models.Document
	err := session.DB(ctx).
		Preload("Content").
		Preload("PDF").
		Preload("Text").
		Preload("Community").
		First(&doc, id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundError{Resource: "document"}
	}
	if err != nil {
		return nil, errors.Wrap(err, "load document")
	}
	return &doc, nil
}

func (uc *DocumentUsecase) authorize(ctx context.Context, session *database.Session, p domain.Principal, doc *models.Document, perm domain.Permission) error {
	if p.Manager {
		return nil
	}
	key := models.ObjectKey(models.TypeDocument, doc.ID)
	ok, err := uc.oracle.HasPermission(ctx, session.DB(ctx), p, perm, &key, doc.CreatorID, doc.OwnerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (uc *DocumentUsecase) verdict(doc *models.Document) domain.Verdict {
	if doc.Content == nil {
		return domain.VerdictUnknown
	}
	value, present := doc.Content.Meta[domain.MetaAntivirus]
	return domain.VerdictFromMeta(value, present)
}

func (uc *DocumentUsecase) activeLock(doc *models.Document) *domain.Lock {
	raw, ok := doc.Meta[metaLock].(map[string]any)
	if !ok {
		return nil
	}
	lock, err := domain.LockFromMap(raw)
	if err != nil {
		// An unparseable lock entry means the document behaves as
		// unlocked; leave a trace so the bad metadata can be found.
		slog.Warn("discarding corrupt document lock",
			slog.Uint64("document_id", uint64(doc.ID)),
			slog.String("error", err.Error()))
		return nil
	}
	if lock.Expired(uc.lockLifetime, time.Now()) {
		return nil
	}
	return &lock
}

func (uc *DocumentUsecase) readBlob(session *database.Session, blob *models.Blob) ([]byte, error) {
	if blob == nil {
		return nil, domain.NotFoundError{Resource: "blob"}
	}
	path := session.GetBlob(blob.UUID)
	if path == "" {
		return nil, domain.NotFoundError{Resource: "blob"}
	}
	content, err := os.ReadFile(path)
	return content, errors.Wrap(err, "read blob")
}

func repairContentType(contentType, filename string, content []byte) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if ext := filepath.Ext(filename); ext != "" {
		if guessed := mime.TypeByExtension(ext); guessed != "" {
			if mediaType, _, err := mime.ParseMediaType(guessed); err == nil {
				return mediaType
			}
			return guessed
		}
	}
	if len(content) > 0 {
		if sniffed := http.DetectContentType(content); sniffed != "" {
			if mediaType, _, err := mime.ParseMediaType(sniffed); err == nil {
				return mediaType
			}
		}
	}
	return "application/octet-stream"
}
