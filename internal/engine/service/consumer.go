package service

import (
	"context"
	"encoding/json"

	"flowrunner/internal/common/mq"
	"flowrunner/internal/engine/model"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// HandleMessage executes a flow run request received from the queue. Requests
// that can never succeed are dropped; transient failures return an error so
// the consumer retries them.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var req model.FlowExecutionRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		logger.Warn(ctx, "drop undecodable run request", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	// Retries of the same message upsert the same run.
	if req.RunID == "" {
		req.RunID = msg.ID
	}

	_, err := s.ExecuteFlow(ctx, req)
	if err == nil {
		return nil
	}
	if retryable(err) {
		return err
	}
	logger.Warn(ctx, "drop run request",
		zap.String("message_id", msg.ID),
		zap.String("run_id", req.RunID),
		zap.Int("code", int(appErr.GetCode(err))),
		zap.Error(err),
	)
	return nil
}

func retryable(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.EngineBusy, appErr.LockAcquireTimeout, appErr.LockFailed,
		appErr.DatabaseError, appErr.StorageError, appErr.CacheError, appErr.ServiceUnavailable:
		return true
	}
	return false
}
