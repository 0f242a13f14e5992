package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"trial-scout/providers"
)

// RetryPolicy beschreibt explizit, wie externe Aufrufe wiederholt werden:
// maximale Versuche, Backoff-Plan und ob bei Client-Fehlern auf
// Einzel-Requests heruntergebrochen wird ("Poison-Record isolieren").
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// IsolateOnBadRequest: Batch-Aufrufer wiederholen bei ErrBadRequest nicht
	// den ganzen Batch, sondern jedes Element einzeln.
	IsolateOnBadRequest bool
}

// DefaultRegistryPolicy ist die Policy für Register-Batch-Aufrufe.
func DefaultRegistryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          8 * time.Second,
		IsolateOnBadRequest: true,
	}
}

// DefaultTaggingPolicy ist die Policy für MoA-Engine-Aufrufe.
func DefaultTaggingPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Retryable meldet, ob ein Fehler einen weiteren Versuch rechtfertigt.
// Quota-Erschöpfung und Client-Fehler werden nie blind wiederholt.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, providers.ErrQuotaExhausted) || errors.Is(err, providers.ErrBadRequest) {
		return false
	}
	return errors.Is(err, providers.ErrRateLimited) || errors.Is(err, providers.ErrUnavailable)
}

// Do führt fn mit exponentiellem Backoff (plus Jitter) aus, bis ein Versuch
// gelingt, der Fehler nicht mehr retryable ist oder der Kontext abläuft.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !p.Retryable(err) || attempt >= p.MaxAttempts {
			return err
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
