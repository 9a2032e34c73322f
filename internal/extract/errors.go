package extract

import "fmt"

// FetchKind classifies provider fetch failures.
type FetchKind string

const (
	KindTransport FetchKind = "Transport" // network error or timeout
	KindProvider  FetchKind = "Provider"  // non-2xx status
	KindDecode    FetchKind = "Decode"    // body is not valid JSON
)

// FetchError is a classified provider fetch failure.
type FetchError struct {
	Kind       FetchKind
	StatusCode int // set for KindProvider
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindProvider {
		return fmt.Sprintf("fetch %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrorKind returns the taxonomy name of the error, e.g. "FetchError.Provider".
func (e *FetchError) ErrorKind() string { return "FetchError." + string(e.Kind) }

// Retryable is true for every fetch kind; the Extractor's policy bounds it.
func (e *FetchError) Retryable() bool { return true }
