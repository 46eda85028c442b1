// Package controller exposes the engine over HTTP.
package controller

import (
	"context"
	"encoding/json"
	"strings"

	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/sandbox/result"
	"flowrunner/internal/engine/service"
	"flowrunner/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// EngineService is the part of service.Service the controller calls.
type EngineService interface {
	ExecuteFlow(ctx context.Context, req model.FlowExecutionRequest) (*model.RunRecord, error)
	TestCode(ctx context.Context, req model.CodeTestRequest) (result.ExecutionResult, error)
	TestUpload(ctx context.Context, u service.Upload) (*service.UploadResult, error)
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
}

// EngineController handles flow execution and code test endpoints.
type EngineController struct {
	svc EngineService
}

// NewEngineController creates a new controller.
func NewEngineController(svc EngineService) *EngineController {
	return &EngineController{svc: svc}
}

// ExecuteFlow runs a flow synchronously and returns the finished run.
func (h *EngineController) ExecuteFlow(c *gin.Context) {
	var req model.FlowExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	run, err := h.svc.ExecuteFlow(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, run)
}

// TestCode runs a snippet. A multipart body uploads a new archive in field
// "file" with JSON input in field "input"; a JSON body references an
// already-stored artifact.
func (h *EngineController) TestCode(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.testUpload(c)
		return
	}
	var req model.CodeTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	res, err := h.svc.TestCode(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (h *EngineController) testUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "Missing file")
		return
	}
	var input interface{}
	if raw := c.PostForm("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			response.BadRequest(c, "Invalid input JSON")
			return
		}
	}
	f, err := header.Open()
	if err != nil {
		response.BadRequest(c, "Unreadable file")
		return
	}
	defer f.Close()

	out, err := h.svc.TestUpload(c.Request.Context(), service.Upload{
		PreviousFileID: c.PostForm("previous_file_id"),
		Name:           header.Filename,
		Body:           f,
		Input:          input,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, out)
}

// GetRun returns one run record.
func (h *EngineController) GetRun(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	run, err := h.svc.GetRun(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, run)
}
