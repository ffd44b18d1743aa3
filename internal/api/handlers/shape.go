package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/api/services"
	"github.com/janovincze/shapesync/internal/shape"
)

// ShapeServer answers shape requests. *services.ShapeService implements it.
type ShapeServer interface {
	Serve(ctx context.Context, req services.ShapeRequest) (*services.ShapeResponse, error)
}

// LiveServer upgrades a request to a live websocket. *live.Hub implements it.
type LiveServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, table string) error
}

// ShapeHandler serves the shape endpoint.
type ShapeHandler struct {
	service ShapeServer
}

// NewShapeHandler creates a new ShapeHandler.
func NewShapeHandler(service ShapeServer) *ShapeHandler {
	return &ShapeHandler{service: service}
}

// Get serves one page of a shape.
// GET /v1/shape/:name?offset=&handle=&live=&limit=&where[col]=&columns=
func (h *ShapeHandler) Get(c *gin.Context) {
	req, problem := parseShapeRequest(c)
	if problem != nil {
		models.RespondWithError(c, problem)
		return
	}

	resp, err := h.service.Serve(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.Status(499)
			return
		}
		respondWithServiceError(c, err)
		return
	}

	body, err := shape.EncodeMessages(resp.Messages)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}

	status := http.StatusOK
	if resp.MustRefetch {
		status = http.StatusConflict
	}
	c.Header(shape.HeaderHandle, resp.Handle)
	c.Header(shape.HeaderOffset, resp.NextOffset.String())
	c.Header("Cache-Control", "no-store")
	c.Data(status, "application/json", body)
}

func parseShapeRequest(c *gin.Context) (services.ShapeRequest, *models.ProblemDetails) {
	path := c.Request.URL.Path
	q := c.Request.URL.Query()

	def, err := shape.ParseDefinition(c.Param("name"), q)
	if err != nil {
		return services.ShapeRequest{}, models.NewBadRequestError(path, err.Error())
	}

	offset, err := shape.ParseOffset(q.Get("offset"))
	if err != nil {
		return services.ShapeRequest{}, models.NewValidationError(path, []models.FieldError{
			{Field: "offset", Message: err.Error()},
		})
	}

	var limit int
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return services.ShapeRequest{}, models.NewValidationError(path, []models.FieldError{
				{Field: "limit", Message: "limit must be a non-negative integer"},
			})
		}
	}

	return services.ShapeRequest{
		Definition: def,
		Cursor:     shape.Cursor{Handle: q.Get("handle"), Offset: offset},
		Live:       q.Get("live") == "true",
		Limit:      limit,
	}, nil
}

// LiveHandler serves the websocket that announces log advances.
type LiveHandler struct {
	hub     LiveServer
	allowed func(table string) bool
}

// NewLiveHandler creates a new LiveHandler. allowed reports which tables may
// be subscribed to.
func NewLiveHandler(hub LiveServer, allowed func(table string) bool) *LiveHandler {
	return &LiveHandler{hub: hub, allowed: allowed}
}

// Subscribe upgrades to a websocket for one shape table.
// GET /v1/shape/:name/live
func (h *LiveHandler) Subscribe(c *gin.Context) {
	table := c.Param("name")
	if !h.allowed(table) {
		models.RespondWithError(c, models.NewNotFoundError(c.Request.URL.Path, "shape not found: "+table))
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, table); err != nil {
		// The upgrader has already written the failure response.
		c.Abort()
	}
}
