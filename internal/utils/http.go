package utils

import (
	"github.com/gin-gonic/gin"

	"github.com/seefan21/outpaint-batch/internal/model"
)

func GinFailedWithMessage(c *gin.Context, status int, message string) {
	c.JSON(status, model.OutpaintTaskResponse{
		Status:  "failed",
		Message: message,
	})
}

func GinFailedWithMessageAndTaskId(c *gin.Context, status int, taskId string, message string) {
	c.JSON(status, model.OutpaintTaskResponse{
		TaskId:  taskId,
		Status:  "failed",
		Message: message,
	})
}
