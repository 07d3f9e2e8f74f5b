package precondition

import (
	"time"

	"fhir-gateway/internal/resource/models"
)

// Evaluate checks p against the current snapshot. It is a pure function.
//
// If-None-Match wins over If-Modified-Since; either yields NotModified.
// If-Match is only consulted when neither cache check applies.
func Evaluate(p models.Precondition, current *models.Resource) models.Outcome {
	if current == nil {
		return models.Proceed
	}
	if p.IfNoneMatch != nil && *p.IfNoneMatch == current.Version {
		return models.NotModified
	}
	if p.IfModifiedSince != nil && !current.LastUpdated.Truncate(time.Second).After(*p.IfModifiedSince) {
		return models.NotModified
	}
	if p.IfMatch != nil && *p.IfMatch != current.Version {
		return models.PreconditionFailed
	}
	return models.Proceed
}

// EvaluateWrite only applies If-Match. Cache validators are meaningless on
// writes and must not turn an update into a 304.
func EvaluateWrite(p models.Precondition, current *models.Resource) models.Outcome {
	if current == nil || p.IfMatch == nil {
		return models.Proceed
	}
	if *p.IfMatch != current.Version {
		return models.PreconditionFailed
	}
	return models.Proceed
}
