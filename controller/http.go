package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sourcepark/testpark/internal/observability"
	"github.com/sourcepark/testpark/protocol"
	"github.com/sourcepark/testpark/state"
)

// NewHTTPHandler wires the controller's HTTP surface: runner-facing
// registration and heartbeat endpoints, the test lifecycle API, the plan
// catalog, and metrics.
func NewHTTPHandler(service *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("controller.http")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /runners/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRunnerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeActionError(w, http.StatusBadRequest, err)
			return
		}
		runner, err := service.RegisterRunner(r.Context(), req)
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.ActionResponse{
			Code:    http.StatusCreated,
			Message: fmt.Sprintf("Runner %s registered.", runner.ID),
		})
	})

	mux.HandleFunc("POST /runners/heartbeat/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var hb protocol.HeartbeatPush
		if err := decodeJSON(r, &hb); err != nil {
			writeActionError(w, http.StatusBadRequest, err)
			return
		}
		if err := service.IngestHeartbeat(r.Context(), id, hb); err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.ActionResponse{
			Code:    http.StatusOK,
			Message: fmt.Sprintf("Heartbeat acknowledged for runner %s.", id),
		})
	})

	mux.HandleFunc("POST /runners/{id}/probe-heartbeat", func(w http.ResponseWriter, r *http.Request) {
		runner, err := service.ProbeHeartbeat(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, runner)
	})

	mux.HandleFunc("GET /runners", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		runners, err := service.ListRunners(r.Context(), limit, offset)
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, runnerList(runners))
	})

	mux.HandleFunc("GET /runners/{id}", func(w http.ResponseWriter, r *http.Request) {
		runner, err := service.GetRunner(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, runner)
	})

	mux.HandleFunc("GET /runners/{planId}/available", func(w http.ResponseWriter, r *http.Request) {
		refs, err := service.EligibleRunners(r.Context(), r.PathValue("planId"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, refs)
	})

	mux.HandleFunc("POST /tests/start", func(w http.ResponseWriter, r *http.Request) {
		var req StartTestRequest
		if err := decodeJSON(r, &req); err != nil {
			writeActionError(w, http.StatusBadRequest, err)
			return
		}
		result, err := service.StartTest(r.Context(), req)
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /tests/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		result, err := service.RestartTest(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	stopHandler := func(w http.ResponseWriter, r *http.Request) {
		result, err := service.StopTest(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
	mux.HandleFunc("POST /tests/{id}/stop", stopHandler)
	mux.HandleFunc("GET /tests/{id}/stop", stopHandler)

	mux.HandleFunc("POST /tests/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		result, err := service.ResumeTest(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("DELETE /tests/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := service.DeleteTest(r.Context(), id); err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.ActionResponse{
			Code:    http.StatusOK,
			Message: fmt.Sprintf("Test %s deleted.", id),
		})
	})

	mux.HandleFunc("GET /tests/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		test, err := service.PullStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, test)
	})

	mux.HandleFunc("GET /tests/{id}/log", func(w http.ResponseWriter, r *http.Request) {
		logs, err := service.ListActionLogs(r.Context(), r.PathValue("id"), 0)
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	})

	mux.HandleFunc("GET /tests/{id}", func(w http.ResponseWriter, r *http.Request) {
		test, err := service.GetTest(r.Context(), r.PathValue("id"))
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, test)
	})

	mux.HandleFunc("GET /tests", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		tests, err := service.ListTests(r.Context(), limit, offset)
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		if tests == nil {
			tests = []state.TestSummary{}
		}
		writeJSON(w, http.StatusOK, tests)
	})

	mux.HandleFunc("POST /tests/{runId}/complete", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.CompleteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeActionError(w, http.StatusBadRequest, err)
			return
		}
		completed, err := service.CompleteTest(r.Context(), r.PathValue("runId"), req.Report)
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.ActionResponse{
			Code:    http.StatusOK,
			Message: fmt.Sprintf("Report received for test %s.", completed.ID),
		})
	})

	mux.HandleFunc("GET /plans", func(w http.ResponseWriter, r *http.Request) {
		plans, err := service.ListPlans(r.Context())
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		if plans == nil {
			plans = []state.TestPlan{}
		}
		writeJSON(w, http.StatusOK, plans)
	})

	mux.HandleFunc("POST /plans/reload", func(w http.ResponseWriter, r *http.Request) {
		at, err := service.ReloadPlans(r.Context())
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.ActionResponse{
			Code:    http.StatusOK,
			Message: fmt.Sprintf("Test plans reloaded. Last reload: %s", at.Format(time.RFC3339)),
		})
	})

	mux.HandleFunc("GET /plans/last-reload", func(w http.ResponseWriter, r *http.Request) {
		last, err := service.LastPlanReload(r.Context())
		if err != nil {
			writeMappedError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]*time.Time{"lastReload": last})
	})

	return mux
}

// runnerListEntry is the projection used by the paginated runner list.
type runnerListEntry struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Status        state.RunnerStatus `json:"status"`
	Platforms     []string           `json:"platform"`
	LastHeartbeat *time.Time         `json:"lastHeartbeat"`
}

func runnerList(runners []state.Runner) []runnerListEntry {
	entries := make([]runnerListEntry, 0, len(runners))
	for _, r := range runners {
		platforms := r.Platforms
		if platforms == nil {
			platforms = []string{}
		}
		entries = append(entries, runnerListEntry{
			ID:            r.ID,
			Name:          r.Name,
			Status:        r.Status,
			Platforms:     platforms,
			LastHeartbeat: r.LastHeartbeatAt,
		})
	}
	return entries
}

func pagination(r *http.Request) (limit, offset int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 10
	}
	return limit, (page - 1) * limit
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeActionError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ActionResponse{Code: status, Message: err.Error()})
}

// writeMappedError maps the error taxonomy to HTTP status codes. Storage
// errors are not leaked verbatim to clients.
func writeMappedError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var transition state.TransitionError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState):
		writeActionError(w, http.StatusBadRequest, err)
	case errors.Is(err, state.ErrNotFound):
		writeActionError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrConflict):
		writeActionError(w, http.StatusConflict, err)
	case errors.Is(err, ErrRateLimited):
		writeActionError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, ErrUpstreamUnreachable):
		writeActionError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrUpstreamProtocol):
		writeActionError(w, http.StatusInternalServerError, err)
	case errors.As(err, &transition):
		writeActionError(w, http.StatusConflict, err)
	default:
		logger.Error("request failed", "event", "request_failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.ActionResponse{
			Code:    http.StatusInternalServerError,
			Message: "Internal server error.",
		})
	}
}
