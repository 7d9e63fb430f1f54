// Package server provides the HTTP interface for archive delivery: cached
// delivery through the orchestrator, and direct streaming delivery.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/config"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/orchestrator"
	"github.com/shutterbay/bundler/rest"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/storage"
)

var disallowUnencryptedRequests = true

func init() {
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

// POST /v1/galleries/:id/archive
var archiveRoute = regexp.MustCompile(`^/v1/galleries/(gal_[^\s\/]+)/archive$`)

// POST /v1/galleries/:id/archive/regenerate
var regenerateRoute = regexp.MustCompile(`^/v1/galleries/(gal_[^\s\/]+)/archive/regenerate$`)

// GET /v1/galleries/:id/download
var downloadRoute = regexp.MustCompile(`^/v1/galleries/(gal_[^\s\/]+)/download$`)

// GET /v1/archives/:id
var getArchiveRoute = regexp.MustCompile(`^/v1/archives/(arch_[^\s\/]+)$`)

// Config wires together the server's collaborators.
type Config struct {
	Auth  Authorizer
	Gate  GalleryAuthorizer
	Orch  *orchestrator.Orchestrator
	Store storage.Storage

	// Fetch fan-out for direct streaming downloads. Zero selects the
	// fetcher default.
	StreamConcurrency int
}

// Get returns a http.Handler with all routes initialized using the given
// configuration.
func Get(cfg Config) http.Handler {
	if cfg.Auth == nil {
		cfg.Auth = DefaultAuthorizer
	}
	if cfg.Gate == nil {
		cfg.Gate = AllowAuthenticated
	}
	h := new(router)

	h.Handle(regenerateRoute, []string{"POST"}, authHandler(requestArchive(cfg, true), cfg.Auth))
	h.Handle(archiveRoute, []string{"POST"}, authHandler(requestArchive(cfg, false), cfg.Auth))
	h.Handle(getArchiveRoute, []string{"GET"}, authHandler(getArchive(cfg), cfg.Auth))
	h.Handle(downloadRoute, []string{"GET"}, authHandler(streamGallery(cfg), cfg.Auth))

	h.Handle(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), cfg.Auth))
	h.Handle(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), cfg.Auth))
	h.Handle(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), cfg.Auth))
	h.Handle(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), cfg.Auth))
	h.Handle(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), cfg.Auth))

	h.Handle(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), cfg.Auth))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h),
		),
	)
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else if !downloadRoute.MatchString(r.URL.Path) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("bundler/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a
// proxy over plain HTTP.
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				forbidden(w, insecure403(r))
				return
			}
		}
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(userId, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if
// the DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the
// output will be jumbled if the server is handling multiple requests at the
// same time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				b.WriteString(err.Error())
			} else {
				b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			res.HeaderMap.Write(b)
			for k, v := range res.HeaderMap {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			res.Body.WriteTo(writer)
			b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// An ArchiveResponse is the body returned by the archive request and archive
// status endpoints.
type ArchiveResponse struct {
	Status      orchestrator.Status `json:"status"`
	Archive     *models.Archive     `json:"archive,omitempty"`
	Job         *models.BuildJob    `json:"job,omitempty"`
	Stale       bool                `json:"stale,omitempty"`
	DownloadURL string              `json:"download_url,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// requestArchive returns the handler for cached archive delivery. The
// regenerate form forces a rebuild at elevated priority.
//
// POST /v1/galleries/:id/archive
// POST /v1/galleries/:id/archive/regenerate
func requestArchive(cfg Config, force bool) http.Handler {
	route := archiveRoute
	if force {
		route = regenerateRoute
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		galleryID, wroteResponse := getId(w, r, route.FindStringSubmatch(r.URL.Path)[1], galleries.Prefix)
		if wroteResponse {
			return
		}
		if restErr := cfg.Gate.CanAccess(galleryID, requester(r)); restErr != nil {
			forbidden(w, restErr)
			return
		}

		start := time.Now()
		var res orchestrator.Result
		if force {
			res = cfg.Orch.Regenerate(galleryID)
		} else {
			res = cfg.Orch.GetOrBuild(galleryID)
		}
		go metrics.Time("archive.request.latency", time.Since(start))
		writeResult(w, r, cfg, res)
	})
}

func writeResult(w http.ResponseWriter, r *http.Request, cfg Config, res orchestrator.Result) {
	switch res.Status {
	case orchestrator.StatusReady:
		resp := ArchiveResponse{
			Status:  res.Status,
			Archive: res.Archive,
			Job:     res.Job,
			Stale:   res.Stale,
		}
		signDownloadURL(cfg, res.Archive, &resp)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	case orchestrator.StatusPending:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(ArchiveResponse{
			Status:  res.Status,
			Archive: res.Archive,
			Job:     res.Job,
		})
	default:
		handleBuildError(w, r, res.Err)
	}
}

// getArchive returns the handler for polling an archive's status. Once the
// archive completes the response carries a signed download URL.
//
// GET /v1/archives/:id
func getArchive(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, wroteResponse := getId(w, r, getArchiveRoute.FindStringSubmatch(r.URL.Path)[1], archives.Prefix)
		if wroteResponse {
			return
		}
		a, err := archives.Get(id)
		if err == archives.ErrNotFound {
			notFound(w, new404(r))
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if restErr := cfg.Gate.CanAccess(a.GalleryID, requester(r)); restErr != nil {
			forbidden(w, restErr)
			return
		}
		resp := ArchiveResponse{Archive: a}
		switch a.Status {
		case models.StatusCompleted:
			resp.Status = orchestrator.StatusReady
			signDownloadURL(cfg, a, &resp)
		case models.StatusFailed:
			resp.Status = orchestrator.StatusFailed
			if a.ErrorMessage.Valid {
				resp.Error = a.ErrorMessage.String
			}
		default:
			resp.Status = orchestrator.StatusPending
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

// signDownloadURL attaches a time-limited URL for the archive's stored
// bundle, if it has one. Signing failures are logged by the storage layer
// and leave the field empty; the client can retry.
func signDownloadURL(cfg Config, a *models.Archive, resp *ArchiveResponse) {
	if a == nil || !a.StorageRef.Valid {
		return
	}
	url, err := cfg.Store.SignedURL(a.StorageRef.String, services.SignedURLTTL)
	if err != nil {
		metrics.Increment("storage.sign.error")
		return
	}
	resp.DownloadURL = url
}

// requester identifies the authenticated caller for gallery access checks.
func requester(r *http.Request) string {
	userId, _, _ := r.BasicAuth()
	return userId
}

func handleBuildError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case services.ErrEmptyGallery:
		badRequest(w, r, &rest.Error{
			Title:    "Gallery has no servable assets",
			ID:       "gallery_empty",
			Instance: r.URL.Path,
		})
	case galleries.ErrNotFound:
		notFound(w, &rest.Error{
			Title:      "Gallery not found",
			ID:         "gallery_not_found",
			Instance:   r.URL.Path,
			StatusCode: 404,
		})
	case nil:
		writeServerError(w, r, fmt.Errorf("server: build failed with no error"))
	default:
		writeServerError(w, r, err)
	}
}
