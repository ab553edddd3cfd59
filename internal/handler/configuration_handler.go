package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/internal/service"
	appErrors "github.com/edumatrix/exam-marks-api/pkg/errors"
	"github.com/edumatrix/exam-marks-api/pkg/response"
)

// ConfigurationHandler exposes class subject configuration endpoints.
type ConfigurationHandler struct {
	configs *service.ConfigurationService
}

// NewConfigurationHandler constructs handler.
func NewConfigurationHandler(configs *service.ConfigurationService) *ConfigurationHandler {
	return &ConfigurationHandler{configs: configs}
}

// List godoc
// @Summary List class configurations
// @Tags Configurations
// @Produce json
// @Param className query string false "Class name filter"
// @Param academicYear query string false "Academic year filter"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /configurations [get]
func (h *ConfigurationHandler) List(c *gin.Context) {
	filter := models.ConfigurationFilter{
		ClassName:    c.Query("className"),
		Section:      c.Query("section"),
		AcademicYear: c.Query("academicYear"),
		Page:         queryInt(c, "page", 1),
		PageSize:     queryInt(c, "pageSize", 50),
	}
	if raw := c.Query("active"); raw != "" {
		active := raw == "true"
		filter.Active = &active
	}

	configs, total, err := h.configs.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, configs, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// Get godoc
// @Summary Get a configuration with its subjects
// @Tags Configurations
// @Produce json
// @Param id path int true "Configuration id"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /configurations/{id} [get]
func (h *ConfigurationHandler) Get(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid configuration id"))
		return
	}
	config, err := h.configs.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, config, nil)
}

// Create godoc
// @Summary Open a class configuration
// @Tags Configurations
// @Accept json
// @Produce json
// @Param payload body service.CreateConfigurationRequest true "Configuration payload"
// @Success 201 {object} response.Envelope
// @Security BearerAuth
// @Router /configurations [post]
func (h *ConfigurationHandler) Create(c *gin.Context) {
	var req service.CreateConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	config, err := h.configs.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, config)
}

// ConfigureSubject godoc
// @Summary Attach or update a subject in a configuration
// @Tags Configurations
// @Accept json
// @Produce json
// @Param id path int true "Configuration id"
// @Param payload body service.ConfigureSubjectRequest true "Subject configuration payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /configurations/{id}/subjects [post]
func (h *ConfigurationHandler) ConfigureSubject(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid configuration id"))
		return
	}
	var req service.ConfigureSubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	entry, err := h.configs.ConfigureSubject(c.Request.Context(), id, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// RemoveSubject godoc
// @Summary Detach a subject from a configuration
// @Tags Configurations
// @Produce json
// @Param id path int true "Configuration id"
// @Param subjectId path int true "Subject id"
// @Success 204
// @Security BearerAuth
// @Router /configurations/{id}/subjects/{subjectId} [delete]
func (h *ConfigurationHandler) RemoveSubject(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid configuration id"))
		return
	}
	subjectID, ok := paramInt64(c, "subjectId")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid subject id"))
		return
	}
	if err := h.configs.RemoveSubject(c.Request.Context(), id, subjectID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Deactivate godoc
// @Summary Retire a configuration
// @Tags Configurations
// @Produce json
// @Param id path int true "Configuration id"
// @Success 204
// @Security BearerAuth
// @Router /configurations/{id} [delete]
func (h *ConfigurationHandler) Deactivate(c *gin.Context) {
	id, ok := paramInt64(c, "id")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid configuration id"))
		return
	}
	if err := h.configs.Deactivate(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Copy godoc
// @Summary Copy subjects between configurations
// @Tags Configurations
// @Accept json
// @Produce json
// @Param payload body service.CopyConfigurationRequest true "Copy payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /configurations/copy [post]
func (h *ConfigurationHandler) Copy(c *gin.Context) {
	var req service.CopyConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.configs.Copy(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
