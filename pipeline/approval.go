package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/types"
)

// ApprovalSpec describes a risky action that needs a human decision.
type ApprovalSpec struct {
	// Step identifies the point in the analysis; a resumed run re-enters
	// the pending request of the same step instead of creating a new one.
	Step       string
	ActionType string
	Summary    string
	SessionID  string
	Context    map[string]any
	// Timeout overrides the configured approval wait.
	Timeout time.Duration
}

// AwaitApproval records a pending approval, emits a proposal carrying the
// request and resume token, and blocks the analysis (not the stream) until
// a decision arrives. It returns the signal on approval. Rejection and
// timeout return errors coded APPROVAL_REJECTED and APPROVAL_TIMEOUT.
// If ctx ends first the suspension stays resumable.
func (rc *RunContext) AwaitApproval(ctx context.Context, spec ApprovalSpec) (*hitl.Signal, error) {
	if rc.coordinator == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "approvals are not configured")
	}
	if spec.ActionType == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "approval action type is required")
	}

	sus, err := rc.suspend(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := rc.Emitter.Proposal(ctx, event.ProposalPayload{
		ActionType:  spec.ActionType,
		Summary:     spec.Summary,
		Status:      event.ProposalPendingApproval,
		RequestID:   sus.RequestID,
		SessionID:   sus.SessionID,
		ResumeToken: sus.Token,
	}); err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = rc.waitTimeout
	}

	rc.transitionState(StateSuspended)
	sig, err := rc.coordinator.WaitForApprovalSignal(ctx, sus.SessionID, timeout)
	rc.transitionState(StateRunning)

	switch {
	case err != nil:
		if sus.Status == SuspensionResuming {
			rc.markSuspension(sus, SuspensionSuspended)
		}
		return nil, err

	case sig == nil:
		rc.markSuspension(sus, SuspensionTimedOut)
		return nil, types.NewError(types.ErrApprovalTimeout,
			fmt.Sprintf("approval for %s timed out", spec.ActionType)).
			WithStage(string(event.TypeProposal))

	case !sig.Approved:
		rc.markSuspension(sus, SuspensionRejected)
		msg := fmt.Sprintf("approval for %s rejected", spec.ActionType)
		if sig.Reason != "" {
			msg += ": " + sig.Reason
		}
		return sig, types.NewError(types.ErrApprovalRejected, msg).
			WithStage(string(event.TypeProposal))

	default:
		rc.markSuspension(sus, SuspensionApproved)
		return sig, nil
	}
}

// suspend reuses the resumed suspension for the same step, or records a new
// approval request and suspension.
func (rc *RunContext) suspend(ctx context.Context, spec ApprovalSpec) (*Suspension, error) {
	var reused *Suspension
	rc.resumeOnce.Do(func() {
		if r := rc.ResumeFrom; r != nil && r.Step == spec.Step {
			reused = r
		}
	})
	if reused != nil {
		return reused, nil
	}

	req, err := rc.coordinator.SaveApprovalRequest(ctx, hitl.NewRequest{
		SessionID:  spec.SessionID,
		RunID:      rc.Run.RunID,
		ActionType: spec.ActionType,
		Context:    spec.Context,
		UserID:     rc.Run.UserID,
		TenantID:   rc.Run.TenantID,
	})
	if err != nil {
		return nil, err
	}

	sus := &Suspension{
		Token:      uuid.NewString(),
		RunID:      rc.Run.RunID,
		ResourceID: rc.Run.ResourceID,
		TenantID:   rc.Run.TenantID,
		UserID:     rc.Run.UserID,
		Stage:      string(rc.Emitter.Stage()),
		Step:       spec.Step,
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Status:     SuspensionSuspended,
	}
	if len(rc.Input) > 0 {
		if data, err := json.Marshal(rc.Input); err == nil {
			sus.Input = string(data)
		}
	}
	if rc.suspensions != nil {
		if err := rc.suspensions.Save(ctx, sus); err != nil {
			return nil, err
		}
	}
	return sus, nil
}

func (rc *RunContext) markSuspension(sus *Suspension, to SuspensionStatus) {
	if rc.suspensions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.suspensions.Transition(ctx, sus.Token, sus.Status, to); err != nil {
		rc.Logger.Warn("suspension transition failed",
			zap.String("token", sus.Token),
			zap.String("from", string(sus.Status)),
			zap.String("to", string(to)),
			zap.Error(err))
		return
	}
	sus.Status = to
}

func (rc *RunContext) transitionState(s State) {
	if rc.setState != nil {
		rc.setState(s)
	}
}
