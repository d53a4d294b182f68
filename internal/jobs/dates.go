package jobs

import (
	"time"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/reconcile"
)

// OpportunityExpiration expires active and inactive opportunities whose end date has passed.
func OpportunityExpiration(items reconcile.Repository, statuses reconcile.StatusResolver) reconcile.Job[models.OpportunityPayload] {
	return reconcile.Job[models.OpportunityPayload]{
		Name:       models.JobOpportunityExpiration,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusActive, models.StatusInactive},
		Success:    models.StatusExpired,
		Due:        func(now time.Time) time.Time { return now },
	}
}

// OpportunityDeletion deletes opportunities left inactive or expired for longer than interval.
func OpportunityDeletion(items reconcile.Repository, statuses reconcile.StatusResolver, interval time.Duration) reconcile.Job[models.OpportunityPayload] {
	return reconcile.Job[models.OpportunityPayload]{
		Name:       models.JobOpportunityDeletion,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusInactive, models.StatusExpired},
		Success:    models.StatusDeleted,
		Due:        func(now time.Time) time.Time { return now.Add(-interval) },
	}
}

// VerificationRejection rejects verifications nobody acted on within interval.
func VerificationRejection(items reconcile.Repository, statuses reconcile.StatusResolver, interval time.Duration) reconcile.Job[models.VerificationPayload] {
	return reconcile.Job[models.VerificationPayload]{
		Name:       models.JobVerificationRejection,
		Repository: items,
		Statuses:   statuses,
		Sources:    []string{models.StatusPending},
		Success:    models.StatusRejected,
		Due:        func(now time.Time) time.Time { return now.Add(-interval) },
	}
}
