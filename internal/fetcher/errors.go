package fetcher

import "fmt"

// FetchError represents a retryable delivery failure: network errors,
// timeouts and non-2xx responses all land here and count against the retry
// budget equally.
type FetchError struct {
	Reference  string
	StatusCode int // 0 for non-HTTP failures
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch failed for %s (HTTP %d)", e.Reference, e.StatusCode)
	}

	return fmt.Sprintf("fetch failed for %s: %v", e.Reference, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
