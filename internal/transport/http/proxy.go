package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/opentrusty/workshop/internal/authority"
	"github.com/opentrusty/workshop/internal/observability/logger"
)

// NewAPIProxy forwards /api/v1/* to the workshop API with a bearer token from
// the caller's browsing context. An upstream 401 is retried once with a
// token fetched again through the supplier.
func NewAPIProxy(target string, base http.RoundTripper, loginPath string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid workshop api url %q", target)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			// Session cookies stay between the browser and this server
			pr.Out.Header.Del("Cookie")
		},
		Transport: contextTransport{base: base},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, authority.ErrNoToken) {
				if c := ControllerFrom(r.Context()); c != nil && !c.Ended() {
					respondRetry(w)
					return
				}
				respondJSON(w, http.StatusUnauthorized, redirectResponse{Error: "session ended", Redirect: loginPath})
				return
			}
			slog.WarnContext(r.Context(), "workshop api unreachable",
				logger.ContextID(GetContextID(r.Context())),
				logger.Path(r.URL.Path),
				logger.Error(err),
			)
			respondError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	return proxy, nil
}

// maxReplayBody bounds the request bodies buffered for a retry after 401.
// Larger or chunked bodies are streamed once.
const maxReplayBody = 1 << 20

// contextTransport authorises each request with the controller stored in its context
type contextTransport struct {
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := ControllerFrom(req.Context())
	if c == nil {
		return nil, authority.ErrNoToken
	}

	req, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	bt := &authority.BearerTransport{Source: c, Base: t.base}
	return bt.RoundTrip(req)
}

// bufferBody returns a copy of req whose body can be read again through GetBody
func bufferBody(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	if req.ContentLength <= 0 || req.ContentLength > maxReplayBody {
		return req, nil
	}

	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(buf))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return out, nil
}
