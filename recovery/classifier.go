// Package recovery re-enqueues dead-lettered jobs whose failures look
// transient. Failure reasons are classified by message pattern;
// permanent failures stay put and are reported instead of retried.
package recovery

import "regexp"

// Classification is the verdict for one failure reason.
type Classification struct {
	Retryable bool
	// Reason is a grouped label for reporting, e.g. "network_error"
	// or "authentication_error".
	Reason string
}

// Non-retryable patterns are checked first: a reason matching both
// sets (e.g. "authentication timeout") stays dead-lettered.
var nonRetryablePatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)(\b401\b|\b403\b|unauthorized|forbidden|authentication)`), "authentication_error"},
	{regexp.MustCompile(`(?i)permission denied`), "permission_denied"},
	{regexp.MustCompile(`(?i)(quota|budget)`), "quota_exceeded"},
	{regexp.MustCompile(`(?i)(invalid input|validation)`), "invalid_input"},
	{regexp.MustCompile(`(?i)(not found|\b404\b)`), "not_found"},
}

var retryablePatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)(timeout|timed out|deadline exceeded)`), "timeout"},
	{regexp.MustCompile(`(?i)(rate limit|too many requests|\b429\b)`), "rate_limited"},
	{regexp.MustCompile(`(?i)(econnrefused|econnreset|eai_again|network|connection)`), "network_error"},
	{regexp.MustCompile(`(?i)(\b502\b|\b503\b|\b504\b|temporarily unavailable|service unavailable)`), "upstream_unavailable"},
}

// Classify maps a failure reason to a retry verdict. Unrecognized
// reasons are conservatively treated as permanent.
func Classify(failedReason string) Classification {
	for _, p := range nonRetryablePatterns {
		if p.re.MatchString(failedReason) {
			return Classification{Retryable: false, Reason: p.reason}
		}
	}
	for _, p := range retryablePatterns {
		if p.re.MatchString(failedReason) {
			return Classification{Retryable: true, Reason: p.reason}
		}
	}
	return Classification{Retryable: false, Reason: "unclassified"}
}
