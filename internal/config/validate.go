package config

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"yoma-reconciler/internal/models"
)

// Validate rejects settings the engine cannot run with. Called once at startup.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.PostgresDSN, validation.Required),
		validation.Field(&c.RedisAddr, validation.Required),
		validation.Field(&c.MaxRetryCount, validation.Required, validation.Min(1), validation.Max(models.MaxRetryCount)),
		validation.Field(&c.LockDuration, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.CallTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxRunDuration, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.CacheSlidingExpirationHours, validation.Min(0)),
		validation.Field(&c.CacheAbsoluteExpirationDays,
			validation.Min(0),
			validation.When(c.CacheEnabled, validation.Required, validation.Min(1))),
		validation.Field(&c.OpportunityDeletionIntervalDays, validation.Required, validation.Min(1)),
		validation.Field(&c.VerificationRejectionIntervalDays, validation.Required, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, name := range JobNames() {
		j, _ := c.Job(name)
		if err := j.validate(); err != nil {
			return fmt.Errorf("invalid configuration for job %s: %w", name, err)
		}
	}
	return nil
}

func (j *JobConfig) validate() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.Schedule, validation.Required),
		validation.Field(&j.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&j.Concurrency, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&j.RateLimitPerSec, validation.Min(0.0)),
	)
}

// JobNames lists every job in a stable order.
func JobNames() []string {
	return []string{
		models.JobWalletCreation,
		models.JobTenantCreation,
		models.JobCredentialIssuance,
		models.JobRewardTransaction,
		models.JobOpportunityExpiration,
		models.JobOpportunityDeletion,
		models.JobVerificationRejection,
	}
}
