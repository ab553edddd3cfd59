package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/internal/service"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
	"github.com/edumatrix/exam-marks-api/pkg/response"
)

// MarksHandler exposes mark capture endpoints.
type MarksHandler struct {
	marks *service.MarksService
}

// NewMarksHandler constructs handler.
func NewMarksHandler(marks *service.MarksService) *MarksHandler {
	return &MarksHandler{marks: marks}
}

// GetSummary godoc
// @Summary Get a student's captured marks for one exam subject
// @Tags Marks
// @Produce json
// @Param examId query int true "Exam id"
// @Param subjectId query int true "Subject id"
// @Param studentId query int true "Student id"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks [get]
func (h *MarksHandler) GetSummary(c *gin.Context) {
	examID, ok1 := queryInt64(c, "examId")
	subjectID, ok2 := queryInt64(c, "subjectId")
	studentID, ok3 := queryInt64(c, "studentId")
	if !ok1 || !ok2 || !ok3 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "examId, subjectId and studentId are required"))
		return
	}

	key := models.SummaryKey{ExamID: examID, SubjectID: subjectID, StudentID: studentID}
	summary, details, err := h.marks.GetSummary(c.Request.Context(), key)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"summary": summary, "details": details}, nil)
}

// ListFormats godoc
// @Summary List the question layout of one exam paper
// @Tags Marks
// @Produce json
// @Param examId query int true "Exam id"
// @Param subjectId query int true "Subject id"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks/formats [get]
func (h *MarksHandler) ListFormats(c *gin.Context) {
	examID, ok1 := queryInt64(c, "examId")
	subjectID, ok2 := queryInt64(c, "subjectId")
	if !ok1 || !ok2 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "examId and subjectId are required"))
		return
	}
	formats, err := h.marks.ListQuestionFormats(c.Request.Context(), examID, subjectID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, formats, nil)
}

// DefineFormats godoc
// @Summary Define the question layout of one exam paper
// @Tags Marks
// @Accept json
// @Produce json
// @Param payload body service.DefineFormatsRequest true "Question layout payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks/formats [post]
func (h *MarksHandler) DefineFormats(c *gin.Context) {
	var req service.DefineFormatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	formats, err := h.marks.DefineQuestionFormats(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, formats, nil)
}

// Upsert godoc
// @Summary Record or correct one question's marks
// @Tags Marks
// @Accept json
// @Produce json
// @Param payload body service.UpsertMarkRequest true "Marks payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks [post]
func (h *MarksHandler) Upsert(c *gin.Context) {
	var req service.UpsertMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	summary, err := h.marks.UpsertMark(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// MarkAbsent godoc
// @Summary Flag a student absent for one exam subject
// @Tags Marks
// @Accept json
// @Produce json
// @Param payload body service.MarkAbsentRequest true "Absence payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks/absent [post]
func (h *MarksHandler) MarkAbsent(c *gin.Context) {
	var req service.MarkAbsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	summary, err := h.marks.MarkAbsent(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Lock godoc
// @Summary Lock a batch of summaries
// @Tags Marks
// @Accept json
// @Produce json
// @Param payload body service.LockSummariesRequest true "Lock payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks/lock [post]
func (h *MarksHandler) Lock(c *gin.Context) {
	var req service.LockSummariesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.marks.LockSummaries(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Review godoc
// @Summary Review a locked summary
// @Tags Marks
// @Produce json
// @Param id path int true "Summary id"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /marks/{id}/review [post]
func (h *MarksHandler) Review(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid summary id"))
		return
	}
	summary, err := h.marks.ReviewSummary(c.Request.Context(), actorFromContext(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
