// Package router implements Bay's Operation Router (spec.md §4.7):
// resolves a Ship for an operation call and forwards the request to its
// upstream Ship HTTP surface, streaming the response back verbatim.
package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard/bay/pkg/affinity"
	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/log"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

// SessionHeader is the header the Router and every upstream Ship
// endpoint uses to identify the caller's Session.
const SessionHeader = "X-SESSION-ID"

// Router forwards an exec call to the Ship bound to its Session.
type Router struct {
	store    storage.Store
	affinity *affinity.Index
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewRouter creates a Router. timeout bounds each upstream proxy call.
func NewRouter(store storage.Store, affinityIdx *affinity.Index, timeout time.Duration) *Router {
	return &Router{
		store:    store,
		affinity: affinityIdx,
		logger:   log.WithComponent("router"),
		timeout:  timeout,
	}
}

// Forward implements spec.md §4.7 steps 3-5: resolve shipID, bind
// session if needed, and proxy the request to {address}/{operEndpoint},
// writing the upstream response (status, headers, body) to w verbatim.
func (r *Router) Forward(w http.ResponseWriter, req *http.Request, shipID, session, operEndpoint string) error {
	ship, err := r.store.Get(shipID)
	if err != nil {
		return err
	}
	if ship.Status != types.StatusRunning {
		return bayerr.New(bayerr.IllegalState, "ship %s is not running", shipID)
	}

	if bound, ok := r.affinity.Lookup(session); !ok || bound != shipID {
		if err := r.affinity.Bind(session, ship); err != nil {
			return err
		}
	}

	return r.proxy(w, req, ship.Address, operEndpoint, session)
}

// proxy forwards req to http://{address}/{operEndpoint}, adapted from
// the teacher's ingress Proxy.proxyRequest: a SingleHostReverseProxy
// with a custom Director that rewrites the path and propagates the
// Session header, and a custom ErrorHandler that classifies the
// transport failure into a Bay error kind instead of always answering
// 502.
func (r *Router) proxy(w http.ResponseWriter, req *http.Request, address, operEndpoint, session string) error {
	target := &url.URL{Scheme: "http", Host: address}
	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(out *http.Request) {
		originalDirector(out)
		out.URL.Path = "/" + operEndpoint
		out.Host = address
		out.Header.Set(SessionHeader, session)
	}

	var proxyErr error
	proxy.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, err error) {
		proxyErr = classifyUpstreamError(err)
		rw.WriteHeader(bayerr.Status(proxyErr))
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()

	proxy.ServeHTTP(w, req.WithContext(ctx))
	return proxyErr
}

// classifyUpstreamError maps a reverse-proxy transport error to a Bay
// error kind: a context deadline becomes DeadlineExceeded, anything
// else is an unreachable upstream.
func classifyUpstreamError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return bayerr.Wrap(bayerr.DeadlineExceeded, err, "upstream timed out")
	}
	return bayerr.Wrap(bayerr.Unavailable, err, "upstream unreachable")
}
