package handler

import (
	"fmt"

	"domainhunter/internal/availability/checker"
	"domainhunter/internal/availability/models"
	dErrors "domainhunter/pkg/domain-errors"
)

// MaxDomainsPerRequest bounds a single check run.
const MaxDomainsPerRequest = 5000

// CheckRequest is the body of POST /api/check.
type CheckRequest struct {
	Domains     []string `json:"domains"`
	Concurrency int      `json:"concurrency,omitempty"`
	Mode        string   `json:"mode,omitempty"`

	mode models.Mode
}

// Validate normalizes the domain list and checks the run options. Zero
// concurrency means the server default.
func (r *CheckRequest) Validate() error {
	if len(r.Domains) == 0 {
		return dErrors.New(dErrors.CodeValidation, "domains is required")
	}
	if len(r.Domains) > MaxDomainsPerRequest {
		return dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("at most %d domains per request", MaxDomainsPerRequest))
	}
	r.Domains = models.NormalizeDomains(r.Domains)
	if len(r.Domains) == 0 {
		return dErrors.New(dErrors.CodeValidation, "domains contains no usable names")
	}

	if r.Concurrency < 0 || r.Concurrency > checker.MaxConcurrency {
		return dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("concurrency must be between %d and %d", checker.MinConcurrency, checker.MaxConcurrency))
	}

	mode, err := models.ParseMode(r.Mode)
	if err != nil {
		return err
	}
	r.mode = mode
	return nil
}

func (r *CheckRequest) runOptions() checker.RunOptions {
	return checker.RunOptions{Concurrency: r.Concurrency, Mode: r.mode}
}
