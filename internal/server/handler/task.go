package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seefan21/outpaint-batch/internal/model"
	"github.com/seefan21/outpaint-batch/internal/outpaint"
	"github.com/seefan21/outpaint-batch/internal/utils"
)

// submit blocks for up to one or two adapter attempts; the local backend can
// take minutes per image
const taskWaitTimeout = 30 * time.Minute

type Handler struct {
	service *outpaint.Service
}

func New(service *outpaint.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) CreateOutpaintTask(c *gin.Context) {
	var req model.OutpaintTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.GinFailedWithMessage(c, 400, err.Error())
		return
	}

	outReq := h.buildRequest(req)
	taskId, resultChan, err := h.service.Submit(outReq)
	if err != nil {
		if err == outpaint.ErrQueueFull {
			utils.GinFailedWithMessage(c, 429, err.Error())
		} else {
			utils.GinFailedWithMessage(c, 400, err.Error())
		}
		return
	}

	select {
	case outcome := <-resultChan:
		c.JSON(statusCode(outcome), outcomeResponse(taskId, outcome))
	case <-time.After(taskWaitTimeout):
		utils.GinFailedWithMessageAndTaskId(c, 408, taskId, "timeout")
	}
}

func (h *Handler) buildRequest(req model.OutpaintTaskRequest) outpaint.OutpaintRequest {
	outReq := h.service.NewRequest(req.ImagePath)
	if req.ZoomOutPercentage != nil {
		outReq.ZoomOutPercentage = *req.ZoomOutPercentage
	}
	if req.ExpandMode != "" {
		outReq.ExpandMode = req.ExpandMode
	}
	if req.ExpandPercentage != nil {
		outReq.ExpandPercentage = *req.ExpandPercentage
	}
	if req.ExpandLeft != nil {
		outReq.ExpandLeft = *req.ExpandLeft
		outReq.ExpandMode = outpaint.ExpandModePixels
	}
	if req.ExpandRight != nil {
		outReq.ExpandRight = *req.ExpandRight
		outReq.ExpandMode = outpaint.ExpandModePixels
	}
	if req.ExpandTop != nil {
		outReq.ExpandTop = *req.ExpandTop
		outReq.ExpandMode = outpaint.ExpandModePixels
	}
	if req.ExpandBottom != nil {
		outReq.ExpandBottom = *req.ExpandBottom
		outReq.ExpandMode = outpaint.ExpandModePixels
	}
	if req.NumImages != nil {
		outReq.NumImages = *req.NumImages
	}
	if req.Prompt != nil {
		outReq.Prompt = *req.Prompt
	}
	if req.OutputFormat != "" {
		outReq.OutputFormat = req.OutputFormat
	}
	if req.OutputSuffix != "" {
		outReq.OutputSuffix = req.OutputSuffix
	}
	if req.OutputFolder != "" {
		outReq.OutputFolder = req.OutputFolder
	}
	return outReq
}

func statusCode(outcome outpaint.DispatchOutcome) int {
	if outcome.Successful || outcome.Skipped {
		return 200
	}
	return 502
}

func outcomeResponse(taskId string, outcome outpaint.DispatchOutcome) model.OutpaintTaskResponse {
	resp := model.OutpaintTaskResponse{
		TaskId:       taskId,
		Adapter:      string(outcome.Adapter),
		UsedFallback: outcome.UsedFallback,
		Warning:      outcome.Warning,
		OutputPaths:  outcome.OutputPaths,
		Message:      outcome.ErrorMessage(),
	}
	switch {
	case outcome.Skipped:
		resp.Status = "skipped"
	case outcome.Successful:
		resp.Status = "completed"
	default:
		resp.Status = "failed"
	}
	for _, a := range outcome.Attempts {
		resp.Attempts = append(resp.Attempts, model.AttemptInfo{
			Adapter:  string(a.Adapter),
			Class:    string(a.Class),
			Message:  a.Message,
			Fallback: a.Fallback,
		})
	}
	return resp
}
