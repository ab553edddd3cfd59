package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatrix/exam-marks-api/internal/service"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
	"github.com/edumatrix/exam-marks-api/pkg/response"
)

// MatrixHandler exposes the bulk mark entry grid.
type MatrixHandler struct {
	matrix *service.MatrixService
}

// NewMatrixHandler constructs handler.
func NewMatrixHandler(matrix *service.MatrixService) *MatrixHandler {
	return &MatrixHandler{matrix: matrix}
}

// Build godoc
// @Summary Build the marks matrix for an exam and class
// @Tags Matrix
// @Produce json
// @Param examId query int true "Exam id"
// @Param classId query int true "Class id"
// @Param section query string false "Section"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /matrix [get]
func (h *MatrixHandler) Build(c *gin.Context) {
	examID, ok1 := queryInt64(c, "examId")
	classID, ok2 := queryInt64(c, "classId")
	if !ok1 || !ok2 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "examId and classId are required"))
		return
	}
	matrix, err := h.matrix.BuildMatrix(c.Request.Context(), examID, classID, c.Query("section"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, matrix, nil)
}

// Save godoc
// @Summary Save a submitted marks matrix cell by cell
// @Tags Matrix
// @Accept json
// @Produce json
// @Param payload body service.SaveMatrixRequest true "Matrix payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /matrix [post]
func (h *MatrixHandler) Save(c *gin.Context) {
	var req service.SaveMatrixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.matrix.SaveMatrix(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
