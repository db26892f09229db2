package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/pipeline"
)

// scriptedAnalyzer 内置分析器：推理服务未接入时按固定步骤推进运行，
// 输入带 action 时在评估后挂起等待人工审批。
func scriptedAnalyzer(logger *zap.Logger) pipeline.Analyzer {
	return pipeline.AnalyzerFunc(func(ctx context.Context, rc *pipeline.RunContext) error {
		if rc.ResumeFrom == nil {
			if err := rc.Emitter.Step(ctx, "collect", 25, "collecting case data"); err != nil {
				return err
			}
			if err := rc.Emitter.Evidence(ctx, map[string]any{"resourceId": rc.Run.ResourceID}); err != nil {
				return err
			}
			if err := rc.Emitter.Step(ctx, "evaluate", 60, "evaluating findings"); err != nil {
				return err
			}
			if err := rc.Emitter.Confidence(ctx, 0.8, "baseline scoring"); err != nil {
				return err
			}
		}

		action, _ := rc.Input["action"].(string)
		if action != "" {
			summary, _ := rc.Input["summary"].(string)
			sig, err := rc.AwaitApproval(ctx, pipeline.ApprovalSpec{
				Step:       "act",
				ActionType: action,
				Summary:    summary,
			})
			if err != nil {
				return err
			}
			logger.Debug("action approved",
				zap.String("run_id", rc.Run.RunID),
				zap.String("action", action),
				zap.String("by", sig.DecidedBy))
		}

		if err := rc.Emitter.Step(ctx, "report", 100, "analysis finished"); err != nil {
			return err
		}
		return rc.Emitter.Complete(ctx, map[string]any{
			"resourceId": rc.Run.ResourceID,
			"action":     action,
		})
	})
}
