package rest

import (
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/present/rest/middleware"
	"github.com/virelle/corpus/internal/present/rest/presenter"
	"github.com/virelle/corpus/internal/service/indexing"
	"github.com/virelle/corpus/internal/service/signal"
	"github.com/virelle/corpus/internal/usecase"
)

// Capabilities reports which conversion tools this host can run.
type Capabilities interface {
	Capabilities() map[string]bool
}

type Handler struct {
	document  *usecase.DocumentUsecase
	community *usecase.CommunityUsecase
	search    *usecase.SearchUsecase
	signal    *signal.Service
	caps      Capabilities
}

func NewHandler(
	document *usecase.DocumentUsecase,
	community *usecase.CommunityUsecase,
	search *usecase.SearchUsecase,
	signalService *signal.Service,
	caps Capabilities,
) *Handler {
	return &Handler{
		document:  document,
		community: community,
		search:    search,
		signal:    signalService,
		caps:      caps,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/v1/documents", h.handleCreateDocument)
	e.GET("/api/v1/documents/:id", h.handleGetDocument)
	e.DELETE("/api/v1/documents/:id", h.handleDeleteDocument)
	e.PUT("/api/v1/documents/:id/content", h.handleSetContent)
	e.GET("/api/v1/documents/:id/content", h.handleGetContent)
	e.GET("/api/v1/documents/:id/preview", h.handleGetPreview)
	e.GET("/api/v1/documents/:id/pdf", h.handleGetPDF)
	e.GET("/api/v1/documents/:id/text", h.handleGetText)
	e.GET("/api/v1/documents/:id/lock", h.handleGetLock)
	e.POST("/api/v1/documents/:id/lock", h.handleLock)
	e.DELETE("/api/v1/documents/:id/lock", h.handleUnlock)
	e.POST("/api/v1/communities", h.handleCreateCommunity)
	e.GET("/api/v1/communities/:id", h.handleGetCommunity)
	e.POST("/api/v1/communities/:id/members", h.handleAddMember)
	e.DELETE("/api/v1/communities/:id/members/:userID", h.handleRemoveMember)
	e.GET("/api/v1/search", h.handleSearch)
	e.POST("/api/v1/reindex", h.handleReindex)
	e.GET("/api/v1/capabilities", h.handleCapabilities)
	e.GET("/realtime", h.handleRealtime)
}

// fail maps domain errors onto status codes.
func fail(c echo.Context, err error) error {
	switch {
	case stderrors.Is(err, domain.ErrNotFound):
		return presenter.NotFound(c, err.Error())
	case stderrors.Is(err, domain.ErrValidation):
		return presenter.BadRequest(c, err)
	case stderrors.Is(err, usecase.ErrForbidden):
		return presenter.Forbidden(c, err.Error())
	case stderrors.Is(err, usecase.ErrLocked):
		return presenter.Locked(c, err.Error())
	case stderrors.Is(err, usecase.ErrInfected):
		return presenter.Forbidden(c, err.Error())
	case stderrors.Is(err, usecase.ErrScanPending):
		return presenter.Conflict(c, err.Error())
	case stderrors.Is(err, domain.ErrConversion):
		return presenter.Conflict(c, err.Error())
	default:
		return presenter.InternalError(c, err)
	}
}

func pathID(c echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Reason: "invalid id"}
	}
	return uint(id), nil
}

// formFile reads the uploaded "file" part of a multipart request.
func formFile(c echo.Context) (content []byte, filename, contentType string, err error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", "", &domain.ValidationError{Reason: "missing file upload"}
	}
	file, err := fh.Open()
	if err != nil {
		return nil, "", "", err
	}
	defer file.Close()
	content, err = io.ReadAll(file)
	if err != nil {
		return nil, "", "", err
	}
	return content, fh.Filename, fh.Header.Get("Content-Type"), nil
}

func (h *Handler) handleCreateDocument(c echo.Context) error {
	ctx := c.Request().Context()
	p := middleware.PrincipalFrom(ctx)

	content, filename, contentType, err := formFile(c)
	if err != nil {
		return fail(c, err)
	}

	input := usecase.CreateDocumentInput{
		Name:        c.FormValue("name"),
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	}
	if input.Name == "" {
		input.Name = filename
	}
	if raw := c.FormValue("communityId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return presenter.BadRequest(c, err)
		}
		cid := uint(id)
		input.CommunityID = &cid
	}

	doc, err := h.document.Create(ctx, p, input)
	if err != nil {
		return fail(c, err)
	}
	return presenter.Created(c, doc)
}

func (h *Handler) handleGetDocument(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	doc, err := h.document.Get(ctx, middleware.PrincipalFrom(ctx), id)
	if err != nil {
		return fail(c, err)
	}
	return presenter.OK(c, doc)
}

func (h *Handler) handleDeleteDocument(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	if err := h.document.Delete(ctx, middleware.PrincipalFrom(ctx), id); err != nil {
		return fail(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleSetContent(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	content, filename, contentType, err := formFile(c)
	if err != nil {
		return fail(c, err)
	}
	if err := h.document.SetContent(ctx, middleware.PrincipalFrom(ctx), id, content, contentType, filename); err != nil {
		return fail(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleGetContent(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	doc, content, err := h.document.Content(ctx, middleware.PrincipalFrom(ctx), id)
	if err != nil {
		return fail(c, err)
	}
	filename := doc.Name
	if doc.Content != nil {
		if v, ok := doc.Content.Meta[domain.MetaFilename].(string); ok && v != "" {
			filename = v
		}
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	return c.Blob(http.StatusOK, doc.ContentType, content)
}

func (h *Handler) handleGetPreview(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	size := 0
	if raw := c.QueryParam("size"); raw != "" {
		size, _ = strconv.Atoi(raw)
	}
	image, err := h.document.Preview(ctx, middleware.PrincipalFrom(ctx), id, size)
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(http.StatusOK, "image/png", image)
}

func (h *Handler) handleGetPDF(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	pdf, err := h.document.PDF(ctx, middleware.PrincipalFrom(ctx), id)
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(http.StatusOK, "application/pdf", pdf)
}

func (h *Handler) handleGetText(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	text, err := h.document.Text(ctx, middleware.PrincipalFrom(ctx), id)
	if err != nil {
		return fail(c, err)
	}
	return c.String(http.StatusOK, text)
}

func (h *Handler) handleGetLock(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	lock, err := h.document.CurrentLock(ctx, middleware.PrincipalFrom(ctx), id)
	if err != nil {
		return fail(c, err)
	}
	if lock == nil {
		return presenter.OK(c, map[string]any{"locked": false})
	}
	return presenter.OK(c, map[string]any{"locked": true, "lock": lock})
}

func (h *Handler) handleLock(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	lock, err := h.document.Lock(ctx, middleware.PrincipalFrom(ctx), id)
	if err != nil {
		return fail(c, err)
	}
	return presenter.OK(c, lock)
}

func (h *Handler) handleUnlock(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	force := c.QueryParam("force") == "true"
	if err := h.document.Unlock(ctx, middleware.PrincipalFrom(ctx), id, force); err != nil {
		return fail(c, err)
	}
	return presenter.NoContent(c)
}

type createCommunityRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) handleCreateCommunity(c echo.Context) error {
	ctx := c.Request().Context()
	var req createCommunityRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	community, err := h.community.Create(ctx, middleware.PrincipalFrom(ctx), usecase.CreateCommunityInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return fail(c, err)
	}
	return presenter.Created(c, community)
}

func (h *Handler) handleGetCommunity(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	community, err := h.community.Get(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	return presenter.OK(c, community)
}

type addMemberRequest struct {
	UserID uint   `json:"userId"`
	Role   string `json:"role"`
}

func (h *Handler) handleAddMember(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	var req addMemberRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequest(c, err)
	}
	if req.Role == "" {
		req.Role = domain.Member.Name
	}
	if err := h.community.AddMember(ctx, middleware.PrincipalFrom(ctx), id, req.UserID, req.Role); err != nil {
		return fail(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleRemoveMember(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	userID, err := pathID(c, "userID")
	if err != nil {
		return fail(c, err)
	}
	if err := h.community.RemoveMember(ctx, middleware.PrincipalFrom(ctx), id, userID); err != nil {
		return fail(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleSearch(c echo.Context) error {
	ctx := c.Request().Context()

	opts := indexing.Options{
		Query:  c.QueryParam("q"),
		Prefix: c.QueryParam("prefix") != "false",
	}
	if raw := c.QueryParam("types"); raw != "" {
		opts.ObjectTypes = strings.Split(raw, ",")
	}
	if raw := c.QueryParam("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}
	if raw := c.QueryParam("offset"); raw != "" {
		opts.Offset, _ = strconv.Atoi(raw)
	}
	opts.FacetByType = c.QueryParam("facets") == "true"

	results, err := h.search.Search(ctx, middleware.PrincipalFrom(ctx), opts)
	if err != nil {
		return fail(c, err)
	}
	return presenter.OK(c, results)
}

func (h *Handler) handleReindex(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.search.Reindex(ctx, middleware.PrincipalFrom(ctx)); err != nil {
		return fail(c, err)
	}
	return presenter.NoContent(c)
}

func (h *Handler) handleCapabilities(c echo.Context) error {
	return presenter.OK(c, h.caps.Capabilities())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleRealtime streams application events over a websocket.
func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer func() {
		ws.Close()
	}()

	ctx := c.Request().Context()

	sub := h.signal.Subscribe(ctx)
	defer sub.Close()

	quit := make(chan struct{})

	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}
				close(quit)
				return
			}
		}
	}()

	events := sub.Channel()
	for {
		select {
		case <-quit:
			return nil
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
