package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/recon"
	"gorm.io/gorm"
)

const (
	linkingPassLockKey = "LinkingPass"
	linkingPassLockTTL = 10 * time.Minute
	defaultBatchSize   = 500
)

// ErrPassAlreadyRunning reports that another process holds the linking pass
// lock. Callers treat it as "nothing to do", not a failure.
var ErrPassAlreadyRunning = errors.New("linking pass already running")

// PassStats summarizes one batch pass for the log stream and the trigger
// endpoint response.
type PassStats struct {
	Scanned    int `json:"scanned"`
	Linked     int `json:"linked"`
	Derived    int `json:"derived"`
	Ambiguous  int `json:"ambiguous"`
	Unresolved int `json:"unresolved"`
	Skipped    int `json:"skipped"`
}

// RunLinkingPass matches one batch of unlinked settlement lines, oldest
// first. A redis lock keeps scheduled and manually triggered passes from
// overlapping; when redis is unavailable the pass runs unguarded, which is
// safe because link writes are confidence-gated, just wasteful.
func RunLinkingPass(ctx context.Context, db *gorm.DB, logger *logrus.Logger, batchSize int) (PassStats, error) {
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, linkingPassLockKey, linkingPassLockTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return PassStats{}, ErrPassAlreadyRunning
			}
			return PassStats{}, err
		}
		// Release on the redis package context: the caller's ctx may already
		// be canceled by the time the deferred release runs.
		defer lock.Release(config.GetRedisContext())
	}

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	payments, err := models.ListUnlinkedPayments(ctx, db, batchSize)
	if err != nil {
		return PassStats{}, err
	}

	store := NewStore(db)
	stats := PassStats{Scanned: len(payments)}
	for _, payment := range payments {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		outcome, err := MatchPayment(ctx, store, payment)
		if err != nil {
			var amb *AmbiguousMatchError
			if errors.As(err, &amb) {
				stats.Ambiguous++
				logger.WithFields(logrus.Fields{
					"module":     "matcher",
					"payment_id": payment.ExternalId,
					"channel":    payment.Channel,
					"stage":      amb.Stage,
					"candidates": amb.CandidateOrderIds,
				}).Warn("ambiguous match left unresolved")
				continue
			}
			return stats, err
		}

		if outcome.Stage == StageUnresolved {
			stats.Unresolved++
			continue
		}

		applied, err := store.WriteLink(ctx, outcome.ErpOrderId, payment.ExternalId, payment.Channel, outcome.Confidence)
		if err != nil {
			return stats, err
		}
		if !applied {
			// An equal or higher confidence link already exists, typically a
			// manual correction. Leave it alone.
			stats.Skipped++
			continue
		}

		switch outcome.Stage {
		case StageDerived:
			stats.Derived++
		default:
			stats.Linked++
		}

		if err := recon.RecomputeOrder(ctx, db, logger, outcome.ErpOrderId); err != nil {
			config.LogError(logger, "pass.go", "RunLinkingPass", "recomputing after link", outcome.ErpOrderId, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"module":     "matcher",
		"scanned":    stats.Scanned,
		"linked":     stats.Linked,
		"derived":    stats.Derived,
		"ambiguous":  stats.Ambiguous,
		"unresolved": stats.Unresolved,
		"skipped":    stats.Skipped,
	}).Info("linking pass finished")
	return stats, nil
}
