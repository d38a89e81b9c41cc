package authority

import (
	"context"
	"errors"
	"net/http"

	"github.com/avast/retry-go/v4"
)

// TokenSource hands out bearer credentials. session.Supplier implements it.
type TokenSource interface {
	GetToken(ctx context.Context) (string, bool)
}

// Invalidator is implemented by token sources that cache. Invalidate drops
// the cached credential so the next GetToken asks the authority again.
type Invalidator interface {
	Invalidate()
}

// WithToken runs fn with a credential from src. If fn reports ErrUnauthorized
// the credential is fetched again through src and fn is retried exactly once;
// sources implementing Invalidator drop their cache before the retry.
func WithToken(ctx context.Context, src TokenSource, fn func(ctx context.Context, token string) error) error {
	return retry.Do(
		func() error {
			tok, ok := src.GetToken(ctx)
			if !ok {
				return retry.Unrecoverable(ErrNoToken)
			}
			return fn(ctx, tok)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrUnauthorized)
		}),
		retry.OnRetry(func(n uint, err error) {
			if inv, ok := src.(Invalidator); ok {
				inv.Invalidate()
			}
		}),
	)
}

// BearerTransport authorises outgoing API requests with credentials from
// Source and replays a request once when the API answers 401.
type BearerTransport struct {
	Source TokenSource
	Base   http.RoundTripper
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper. Requests whose body cannot be
// replayed are sent once and any 401 is returned to the caller as is.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var resp *http.Response
	attempt := 0

	err := WithToken(req.Context(), t.Source, func(ctx context.Context, tok string) error {
		attempt++
		out := req.Clone(ctx)
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			out.Body = body
		}
		out.Header.Set("Authorization", "Bearer "+tok)

		r, err := t.base().RoundTrip(out)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if r.StatusCode == http.StatusUnauthorized && attempt == 1 && replayable {
			r.Body.Close()
			return &StatusError{Op: "api", Status: r.StatusCode}
		}
		resp = r
		return nil
	})

	if resp != nil {
		return resp, nil
	}
	return nil, err
}
