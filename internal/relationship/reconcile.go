package relationship

import (
	"context"
	"log/slog"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
)

// Reconciler 补齐所有已接受但缺少好友关系或会话的请求
type Reconciler struct {
	docs    backend.Documents
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// ReconcileResult 一次补齐的统计
type ReconcileResult struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// NewReconciler 创建补齐任务
func NewReconciler(docs backend.Documents, c clock.Clock, m *metrics.Metrics) *Reconciler {
	if c == nil {
		c = clock.New()
	}
	return &Reconciler{docs: docs, clock: c, metrics: m, logger: slog.Default()}
}

// Reconcile 扫描已接受的请求，单个请求失败不影响其他请求
func (rc *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	docs, err := rc.docs.QueryOnce(ctx, backend.CollectionFriendRequests, backend.Eq("status", string(RequestAccepted)))
	if err != nil {
		return res, appErrors.FromBackend(err)
	}

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		req := requestFromDocument(d, rc.clock.Now())
		if req.SenderID == "" || req.ReceiverID == "" {
			continue
		}
		res.Scanned++

		repaired, err := repairLinks(ctx, rc.docs, req, rc.clock.Now())
		if err != nil {
			res.Failed++
			rc.metrics.WriteResult("reconcile", err)
			rc.logger.Warn("Failed to repair friendship", "requestId", req.ID, "error", err)
			continue
		}
		if repaired {
			res.Repaired++
			rc.metrics.WriteResult("reconcile", nil)
			rc.metrics.FriendshipRepaired()
			rc.logger.Info("Friendship repaired",
				"requestId", req.ID,
				"senderId", req.SenderID,
				"receiverId", req.ReceiverID)
		}
	}

	rc.logger.Info("Relationship reconcile finished",
		"scanned", res.Scanned,
		"repaired", res.Repaired,
		"failed", res.Failed)
	return res, nil
}
