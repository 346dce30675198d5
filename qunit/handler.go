package qunit

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum-optimism/infra/op-pagetest/browser"
	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	DefaultPrefix = "/_/QUnit"
	PageURLHeader = "x-page-url"

	maxEventBytes = 256 << 20
)

// SessionLister reports the live browser sessions.
type SessionLister interface {
	Sessions() []browser.SessionInfo
}

type handler struct {
	hooks    *Hooks
	sessions SessionLister
}

type eventResponse struct {
	StatusCode int    `json:"-"`
	Details    string `json:"details,omitempty"`
	Code       int    `json:"code,omitempty"`
}

// Progress is served on GET <prefix>/progress.
type Progress struct {
	Status   string                `json:"status"`
	Failed   bool                  `json:"failed"`
	Pages    []PageProgress        `json:"pages"`
	Sessions []browser.SessionInfo `json:"sessions"`
}

// NewHandler routes the hook endpoints under prefix. Pages under test may be
// served from another origin, so CORS is enabled.
func NewHandler(hooks *Hooks, sessions SessionLister, prefix string) http.Handler {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	h := &handler{hooks: hooks, sessions: sessions}

	router := mux.NewRouter()
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/progress", h.handleProgress).Methods(http.MethodGet)
	sub.HandleFunc("/{event}", h.handleEvent).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

func writeEventResponse(w http.ResponseWriter, response eventResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.StatusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error("failed to send hook response", "error", err)
	}
}

// pageURL identifies the posting page: the x-page-url header, or the
// referrer of the request.
func pageURL(r *http.Request) string {
	if url := r.Header.Get(PageURLHeader); url != "" {
		return url
	}
	return r.Referer()
}

func (h *handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	event := mux.Vars(r)["event"]
	url := pageURL(r)
	if url == "" {
		writeEventResponse(w, eventResponse{StatusCode: http.StatusBadRequest, Details: "missing page url"})
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxEventBytes)
	dec := json.NewDecoder(body)
	ctx := r.Context()

	var err error
	switch event {
	case "begin":
		var e BeginEvent
		if err = dec.Decode(&e); err == nil {
			err = h.hooks.Begin(ctx, url, e)
		}
	case "testStart":
		var e TestStartEvent
		if err = dec.Decode(&e); err == nil {
			err = h.hooks.TestStart(ctx, url, e)
		}
	case "log":
		var e LogEvent
		if err = dec.Decode(&e); err == nil {
			err = h.hooks.Log(ctx, url, e)
		}
	case "testDone":
		var e TestDoneEvent
		if err = dec.Decode(&e); err == nil {
			err = h.hooks.TestDone(ctx, url, e)
		}
	case "done":
		var report map[string]any
		if err = dec.Decode(&report); err == nil {
			err = h.hooks.Done(ctx, url, report)
		}
	default:
		writeEventResponse(w, eventResponse{StatusCode: http.StatusNotFound, Details: "unknown event " + event})
		return
	}

	if err == nil {
		writeEventResponse(w, eventResponse{StatusCode: http.StatusOK})
		return
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		writeEventResponse(w, eventResponse{StatusCode: http.StatusInternalServerError, Details: err.Error(), Code: coded.Code()})
		return
	}
	h.hooks.log.Warn("Invalid hook payload", "event", event, "url", job.StripHash(url), "err", err)
	writeEventResponse(w, eventResponse{StatusCode: http.StatusBadRequest, Details: err.Error()})
}

func (h *handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress := Progress{
		Status:   h.hooks.job.Status(),
		Failed:   h.hooks.job.Failed(),
		Pages:    h.hooks.Progress(),
		Sessions: []browser.SessionInfo{},
	}
	if h.sessions != nil {
		progress.Sessions = h.sessions.Sessions()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(progress); err != nil {
		h.hooks.log.Error("Failed to write progress", "err", err)
	}
}
