package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/tfsbridge/internal/api/response"
	"github.com/kiranshivaraju/tfsbridge/internal/cache"
	"github.com/kiranshivaraju/tfsbridge/internal/events"
	"github.com/kiranshivaraju/tfsbridge/internal/facade"
	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

const maxBodyBytes = 8 << 20

// NewPreChainHandler returns an http.HandlerFunc for POST /api/v1/hooks/pre-chain.
func NewPreChainHandler(runner hooks.Runner) http.HandlerFunc {
	return chainHandler(runner.PreChain)
}

// NewPostChainHandler returns an http.HandlerFunc for POST /api/v1/hooks/post-chain.
func NewPostChainHandler(runner hooks.Runner) http.HandlerFunc {
	return chainHandler(runner.PostChain)
}

// NewPreBuildHandler returns an http.HandlerFunc for POST /api/v1/hooks/pre-build.
func NewPreBuildHandler(runner hooks.Runner) http.HandlerFunc {
	return jobHandler(runner.PreBuild, true)
}

// NewPostBuildHandler returns an http.HandlerFunc for POST /api/v1/hooks/post-build.
func NewPostBuildHandler(runner hooks.Runner) http.HandlerFunc {
	return jobHandler(runner.PostBuild, false)
}

// NewPublishHandler returns an http.HandlerFunc for POST /api/v1/events. The
// event is handed to the broker and handled asynchronously.
func NewPublishHandler(pub events.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev models.HookEvent
		if !decode(w, r, &ev) {
			return
		}
		if err := events.Validate(ev); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if err := pub.Publish(r.Context(), ev); err != nil {
			slog.Error("publishing hook event failed", "type", ev.Type, "chain", ev.Key(), "error", err)
			response.Error(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE",
				"The event broker is not available", nil)
			return
		}
		response.Accepted(w, map[string]string{
			"type":      ev.Type,
			"chain_key": ev.Key(),
		})
	}
}

type chainFunc func(context.Context, models.ChainEvent) (hooks.Result, error)

type jobFunc func(context.Context, models.JobEvent) (hooks.Result, error)

func chainHandler(run chainFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev models.ChainEvent
		if !decode(w, r, &ev) {
			return
		}
		if ev.Plan == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "plan is required", nil)
			return
		}
		if ev.ChainKey == "" && ev.BuildID == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "chain_key is required", nil)
			return
		}

		res, err := run(r.Context(), ev)
		if err != nil {
			writeHookError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func jobHandler(run jobFunc, needsName bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev models.JobEvent
		if !decode(w, r, &ev) {
			return
		}
		if ev.Plan == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "plan is required", nil)
			return
		}
		if ev.JobKey == "" && ev.BuildID == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_key or build_id is required", nil)
			return
		}
		if ev.LogFile != "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"log_file is not accepted over HTTP, send log_lines instead", nil)
			return
		}
		if needsName && ev.ShortName == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "short_name is required", nil)
			return
		}

		res, err := run(r.Context(), ev)
		if err != nil {
			writeHookError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func writeHookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, facade.ErrInvalidArgument):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, facade.ErrLookup):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, cache.ErrLocked):
		response.Error(w, http.StatusConflict, "BUILD_LOCKED",
			"Another job is attaching to this build, retry later", nil)
	case errors.Is(err, tfs.ErrUnauthorized):
		response.Error(w, http.StatusBadGateway, "REMOTE_UNAUTHORIZED",
			"The build server rejected the configured credentials", nil)
	case tfs.IsServiceError(err):
		response.Error(w, http.StatusBadGateway, "REMOTE_ERROR", err.Error(), nil)
	default:
		slog.Error("hook failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
