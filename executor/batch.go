package executor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"subpilot/apperr"
	"subpilot/models"
)

// Outcome classifies the result of one batch item.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeForbidden Outcome = "forbidden"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult is the outcome for one requested action id.
type ItemResult struct {
	ActionID string              `json:"action_id"`
	Outcome  Outcome             `json:"outcome"`
	Reason   apperr.Kind         `json:"reason,omitempty"`
	Error    string              `json:"error,omitempty"`
	Status   models.ActionStatus `json:"status,omitempty"`
}

// BatchResult holds one ItemResult per input id, in input order.
type BatchResult struct {
	Results   []ItemResult `json:"results"`
	Executed  int          `json:"executed"`
	Skipped   int          `json:"skipped"`
	Forbidden int          `json:"forbidden"`
	Failed    int          `json:"failed"`
}

// BatchApprove approves and executes each action independently. The batch is
// not transactional: every id gets its own outcome and one item's failure
// never stops the others.
func (e *Executor) BatchApprove(ctx context.Context, ids []string, approverID uint) (*BatchResult, error) {
	const op = "executor.batch_approve"
	if approverID == 0 {
		return nil, apperr.Unauthorized(op, "missing caller identity")
	}
	if len(ids) == 0 {
		return nil, apperr.Validation(op, "action_ids must be a non-empty list")
	}
	if len(ids) > MaxBatchSize {
		return nil, apperr.Validation(op, fmt.Sprintf("at most %d actions per batch", MaxBatchSize))
	}

	results := make([]ItemResult, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = e.approveOne(ctx, id, approverID)
			return nil
		})
	}
	_ = g.Wait()

	out := &BatchResult{Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeExecuted:
			out.Executed++
		case OutcomeSkipped:
			out.Skipped++
		case OutcomeForbidden:
			out.Forbidden++
		default:
			out.Failed++
		}
	}

	e.logger.WithFields(logrus.Fields{
		"approver_id": approverID,
		"requested":   len(ids),
		"executed":    out.Executed,
		"skipped":     out.Skipped,
		"forbidden":   out.Forbidden,
		"failed":      out.Failed,
	}).Info("Batch approval finished")
	return out, nil
}

func (e *Executor) approveOne(ctx context.Context, id string, approverID uint) ItemResult {
	res := ItemResult{ActionID: id}
	if id == "" {
		res.Outcome = OutcomeSkipped
		res.Reason = apperr.KindValidation
		res.Error = "empty action id"
		return res
	}

	action, err := e.ApproveAndExecute(ctx, id, approverID)
	if action != nil {
		res.Status = action.Status
	}
	if err == nil {
		res.Outcome = OutcomeExecuted
		return res
	}

	res.Reason = apperr.KindOf(err)
	res.Error = err.Error()
	switch res.Reason {
	case apperr.KindInvalidState, apperr.KindNotFound:
		res.Outcome = OutcomeSkipped
	case apperr.KindForbidden:
		res.Outcome = OutcomeForbidden
	default:
		res.Outcome = OutcomeFailed
	}
	return res
}
