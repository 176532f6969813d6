package rdap

import (
	"fmt"
	"net/http"

	"domainhunter/internal/availability/models"
)

// Classify turns a raw RDAP outcome into an availability result.
//
//	200 → taken, confidence 1
//	404 → available, confidence 1
//	429 → unknown, confidence 0 (rate limiting is not authoritative)
//	*   → unknown, confidence 0, error "HTTP <code>" unless a more specific one is set
func Classify(domain string, fr FetchResult) models.Result {
	res := models.Result{
		Domain:         domain,
		Source:         models.SourceProtocol,
		ResponseTimeMs: fr.ResponseTimeMs,
		Error:          fr.Error,
	}

	switch fr.StatusCode {
	case http.StatusOK:
		res.Status = models.StatusTaken
		res.Confidence = 1
		res.RawPayload = fr.RawPayload
	case http.StatusNotFound:
		res.Status = models.StatusAvailable
		res.Confidence = 1
	default:
		res.Status = models.StatusUnknown
		if res.Error == "" {
			res.Error = fmt.Sprintf("HTTP %d", fr.StatusCode)
		}
	}
	return res
}
