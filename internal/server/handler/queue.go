package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/seefan21/outpaint-batch/internal/outpaint"
	"github.com/seefan21/outpaint-batch/internal/utils"
)

func (h *Handler) GetQueueStats(c *gin.Context) {
	c.JSON(200, h.service.Stats())
}

func (h *Handler) GetQueueItems(c *gin.Context) {
	c.JSON(200, gin.H{"items": h.service.Items()})
}

// WithdrawQueueItem removes an item that has not been admitted yet. In-flight
// items cannot be cancelled.
func (h *Handler) WithdrawQueueItem(c *gin.Context) {
	err := h.service.Withdraw(c.Param("id"))
	switch err {
	case nil:
		c.JSON(200, gin.H{"withdrawn": c.Param("id")})
	case outpaint.ErrItemNotFound:
		utils.GinFailedWithMessage(c, 404, err.Error())
	case outpaint.ErrItemNotPending:
		utils.GinFailedWithMessage(c, 409, err.Error())
	default:
		utils.GinFailedWithMessage(c, 500, err.Error())
	}
}

func (h *Handler) RetryFailed(c *gin.Context) {
	c.JSON(200, gin.H{"requeued": h.service.RetryFailed()})
}

func (h *Handler) GetAdvisory(c *gin.Context) {
	advisory := h.service.PendingAdvisory()
	if advisory == nil {
		c.JSON(204, nil)
		return
	}
	c.JSON(200, advisory)
}

// AcceptAdvisory takes the failure-streak offer: swap the primary adapter for
// all remaining pending items.
func (h *Handler) AcceptAdvisory(c *gin.Context) {
	advisory, err := h.service.AcceptAdvisory()
	if err != nil {
		utils.GinFailedWithMessage(c, 409, err.Error())
		return
	}
	c.JSON(200, gin.H{"switched_to": advisory.To, "advisory": advisory})
}
