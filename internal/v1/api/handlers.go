// Package api exposes the administrative HTTP surface for lectures and
// rooms. It is a thin JSON layer over the event coordinator; all lifecycle
// rules live there.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/lectures"
	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/store"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// Machine-readable error codes carried in the error envelope.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeLectureNotFound         = "LECTURE_NOT_FOUND"
	CodeRoomNotFound            = "ROOM_NOT_FOUND"
	CodeAlreadyExists           = "ALREADY_EXISTS"
	CodeStorageError            = "STORAGE_ERROR"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// UpdateStatusRequest is the body of PATCH /lectures/:lectureId/status.
type UpdateStatusRequest struct {
	Status types.LectureStatus `json:"status"`
}

// Handler serves the admin routes.
type Handler struct {
	coord *lectures.Coordinator
}

// NewHandler creates the admin API handler over the coordinator.
func NewHandler(coord *lectures.Coordinator) *Handler {
	return &Handler{coord: coord}
}

// Register mounts the admin routes on the given group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/lectures", h.CreateLecture)
	rg.GET("/lectures", h.ListLectures)
	rg.GET("/lectures/:lectureId", h.GetLecture)
	rg.PATCH("/lectures/:lectureId/status", h.UpdateLectureStatus)
	rg.DELETE("/lectures/:lectureId", h.CancelLecture)
	rg.POST("/rooms", h.CreateRoom)
	rg.GET("/rooms/:roomId", h.GetRoom)
}

// CreateLecture handles POST /lectures.
func (h *Handler) CreateLecture(c *gin.Context) {
	var lecture types.Lecture
	if err := c.ShouldBindJSON(&lecture); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	created, err := h.coord.CreateLecture(c.Request.Context(), lecture)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListLectures handles GET /lectures.
func (h *Handler) ListLectures(c *gin.Context) {
	all, err := h.coord.ListLectures()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

// GetLecture handles GET /lectures/:lectureId.
func (h *Handler) GetLecture(c *gin.Context) {
	lecture, err := h.coord.GetLecture(types.LectureIdType(c.Param("lectureId")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lecture)
}

// UpdateLectureStatus handles PATCH /lectures/:lectureId/status.
func (h *Handler) UpdateLectureStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "status is required", Code: CodeInvalidRequest})
		return
	}

	lecture, err := h.coord.UpdateLectureStatus(c.Request.Context(), types.LectureIdType(c.Param("lectureId")), req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lecture)
}

// CancelLecture handles DELETE /lectures/:lectureId. Cancelling is a
// lifecycle transition, so the lecture document survives as a record.
func (h *Handler) CancelLecture(c *gin.Context) {
	lecture, err := h.coord.CancelLecture(c.Request.Context(), types.LectureIdType(c.Param("lectureId")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lecture)
}

// CreateRoom handles POST /rooms.
func (h *Handler) CreateRoom(c *gin.Context) {
	var room types.Room
	if err := c.ShouldBindJSON(&room); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeInvalidRequest})
		return
	}

	created, err := h.coord.CreateRoom(c.Request.Context(), room)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// GetRoom handles GET /rooms/:roomId.
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.coord.GetRoom(types.RoomIdType(c.Param("roomId")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// writeError maps coordinator errors onto the HTTP error envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lectures.ErrLectureNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeLectureNotFound})
	case errors.Is(err, lectures.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeRoomNotFound})
	case errors.Is(err, lectures.ErrInvalidStatusTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeInvalidStatusTransition})
	case errors.Is(err, lectures.ErrAlreadyExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeAlreadyExists})
	case store.IsWriteError(err) || store.IsReadError(err):
		logging.Error(c.Request.Context(), "Admin request failed on storage", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "storage failure", Code: CodeStorageError})
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
	}
}
