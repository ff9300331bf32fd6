package fhir

// ThrottleOutcome is returned with 429 by the rate limiter.
func ThrottleOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeThrottled, "rate limit exceeded, retry after a delay")
}

// TimeoutOutcome is returned with 504 when a request ran past its deadline.
func TimeoutOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, diagnostics)
}
