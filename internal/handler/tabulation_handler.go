package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatrix/exam-marks-api/internal/service"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
	"github.com/edumatrix/exam-marks-api/pkg/response"
)

// TabulationHandler exposes the ranked tabulation sheet and its exports.
type TabulationHandler struct {
	tabulation *service.TabulationService
}

// NewTabulationHandler constructs handler.
func NewTabulationHandler(tabulation *service.TabulationService) *TabulationHandler {
	return &TabulationHandler{tabulation: tabulation}
}

// Sheet godoc
// @Summary Build the ranked tabulation sheet
// @Tags Tabulation
// @Produce json
// @Param examId query int true "Exam id"
// @Param classId query int true "Class id"
// @Param section query string false "Section"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /tabulation [get]
func (h *TabulationHandler) Sheet(c *gin.Context) {
	examID, classID, section, ok := h.scope(c)
	if !ok {
		return
	}
	sheet, err := h.tabulation.BuildSheet(c.Request.Context(), examID, classID, section)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sheet, nil)
}

// ExportCSV godoc
// @Summary Export the tabulation sheet as CSV
// @Tags Tabulation
// @Produce text/csv
// @Param examId query int true "Exam id"
// @Param classId query int true "Class id"
// @Param section query string false "Section"
// @Success 200 {string} string
// @Security BearerAuth
// @Router /tabulation/export/csv [get]
func (h *TabulationHandler) ExportCSV(c *gin.Context) {
	examID, classID, section, ok := h.scope(c)
	if !ok {
		return
	}
	data, err := h.tabulation.ExportCSV(c.Request.Context(), examID, classID, section)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("tabulation_%d_%d.csv", examID, classID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/csv", data)
}

// ExportPDF godoc
// @Summary Export the tabulation sheet as PDF
// @Tags Tabulation
// @Produce application/pdf
// @Param examId query int true "Exam id"
// @Param classId query int true "Class id"
// @Param section query string false "Section"
// @Success 200 {string} string
// @Security BearerAuth
// @Router /tabulation/export/pdf [get]
func (h *TabulationHandler) ExportPDF(c *gin.Context) {
	examID, classID, section, ok := h.scope(c)
	if !ok {
		return
	}
	data, err := h.tabulation.ExportPDF(c.Request.Context(), examID, classID, section)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("tabulation_%d_%d.pdf", examID, classID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", data)
}

func (h *TabulationHandler) scope(c *gin.Context) (examID, classID int64, section string, ok bool) {
	examID, ok1 := queryInt64(c, "examId")
	classID, ok2 := queryInt64(c, "classId")
	if !ok1 || !ok2 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "examId and classId are required"))
		return 0, 0, "", false
	}
	return examID, classID, c.Query("section"), true
}
