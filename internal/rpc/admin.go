package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/0x4d31/rulesync/internal/state"
	"github.com/0x4d31/rulesync/internal/update"
)

// Updater runs a source update on demand.
type Updater interface {
	Run(ctx context.Context, source string) (*update.Outcome, error)
}

// UpdateResult answers an operator update request.
type UpdateResult struct {
	Status    bool   `json:"status"`
	Message   string `json:"message,omitempty"`
	Source    string `json:"source,omitempty"`
	Unchanged bool   `json:"unchanged"`
	Checksum  string `json:"checksum,omitempty"`
	Revisions int    `json:"revisions"`
}

// NewAdmin returns the operator API. It has no authentication and is only
// ever bound to a loopback address.
func NewAdmin(u Updater) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/sources/{name}/update", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		out, err := u.Run(req.Context(), name)
		if err != nil {
			code := http.StatusInternalServerError
			switch {
			case errors.Is(err, state.ErrSourceLocked):
				code = http.StatusConflict
			case errors.Is(err, state.ErrNotFound):
				code = http.StatusNotFound
			}
			slog.Warn("operator update failed", "source", name, "error", err)
			writeJSON(w, UpdateResult{Status: false, Message: err.Error(), Source: name}, code)
			return
		}
		writeJSON(w, UpdateResult{
			Status:    true,
			Source:    out.Source,
			Unchanged: out.Unchanged,
			Checksum:  out.Checksum,
			Revisions: len(out.Touched()),
		}, http.StatusOK)
	})
	return r
}

// TriggerUpdate asks the admin API at addr (host:port) to update source and
// waits for the run to finish.
func TriggerUpdate(ctx context.Context, client *http.Client, addr, source string) (*UpdateResult, error) {
	u := fmt.Sprintf("http://%s/sources/%s/update", addr, url.PathEscape(source))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact server at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var res UpdateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !res.Status {
		return &res, fmt.Errorf("update %s: %s", source, res.Message)
	}
	return &res, nil
}
