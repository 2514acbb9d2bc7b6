package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/seefan21/outpaint-batch/internal/model"
	"github.com/seefan21/outpaint-batch/internal/outpaint"
	"github.com/seefan21/outpaint-batch/internal/utils"
)

func (h *Handler) GetBackendStatus(c *gin.Context) {
	c.JSON(200, gin.H{
		"primary":  h.service.Primary(),
		"backends": h.service.BackendHealthAll(),
	})
}

// ProbeBackend forces a fresh health check, used when the operator wants the
// current state instead of the cached one.
func (h *Handler) ProbeBackend(c *gin.Context) {
	id, err := outpaint.ParseAdapterID(c.Param("id"))
	if err != nil {
		utils.GinFailedWithMessage(c, 400, err.Error())
		return
	}
	health, err := h.service.CheckBackend(c.Request.Context(), id)
	if err != nil {
		utils.GinFailedWithMessage(c, 404, err.Error())
		return
	}
	c.JSON(200, health)
}

func (h *Handler) SetPrimaryBackend(c *gin.Context) {
	var req model.SetPrimaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinFailedWithMessage(c, 400, err.Error())
		return
	}
	id, err := outpaint.ParseAdapterID(req.Backend)
	if err != nil {
		utils.GinFailedWithMessage(c, 400, err.Error())
		return
	}
	health, err := h.service.SetPrimary(c.Request.Context(), id)
	if err != nil {
		utils.GinFailedWithMessage(c, 404, err.Error())
		return
	}
	c.JSON(200, gin.H{"primary": id, "health": health})
}
