package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/api/models"
	"github.com/janovincze/shapesync/internal/api/services"
	"github.com/janovincze/shapesync/internal/shape"
)

// ItemHandler handles the demo items endpoints.
type ItemHandler struct {
	service *services.ItemService
}

// NewItemHandler creates a new ItemHandler.
func NewItemHandler(service *services.ItemService) *ItemHandler {
	return &ItemHandler{service: service}
}

// Create creates an item.
// POST /api/v1/items
func (h *ItemHandler) Create(c *gin.Context) {
	var req models.CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "invalid JSON body: "+err.Error()))
		return
	}

	item, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// List lists items.
// GET /api/v1/items
func (h *ItemHandler) List(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[models.Item]{Items: items, Total: len(items)})
}

// Delete deletes an item.
// DELETE /api/v1/items/:id
func (h *ItemHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Clear deletes every item.
// DELETE /api/v1/items
func (h *ItemHandler) Clear(c *gin.Context) {
	n, err := h.service.Clear(c.Request.Context())
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeleteResponse{Deleted: n})
}

// RowHandler exposes the configured shape tables for plain CRUD.
type RowHandler struct {
	service *services.RowService
}

// NewRowHandler creates a new RowHandler.
func NewRowHandler(service *services.RowService) *RowHandler {
	return &RowHandler{service: service}
}

// List lists the rows of a table.
// GET /api/v1/shapes/:shapeSlug
func (h *RowHandler) List(c *gin.Context) {
	rows, err := h.service.List(c.Request.Context(), c.Param("shapeSlug"))
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[shape.Row]{Items: rows, Total: len(rows)})
}

// Insert inserts the JSON body as a row.
// POST /api/v1/shapes/:shapeSlug
func (h *RowHandler) Insert(c *gin.Context) {
	var row shape.Row
	if err := c.ShouldBindJSON(&row); err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "invalid JSON body: "+err.Error()))
		return
	}

	stored, err := h.service.Insert(c.Request.Context(), c.Param("shapeSlug"), row)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// Delete deletes the row named by the key query parameter.
// DELETE /api/v1/shapes/:shapeSlug?key=
func (h *RowHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("shapeSlug"), c.Query("key")); err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
