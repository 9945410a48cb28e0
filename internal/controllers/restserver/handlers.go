package restserver

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/manifest"
	"github.com/chrissnell/layerlapse/internal/monitor"
	"github.com/chrissnell/layerlapse/internal/storage"
	"github.com/gorilla/mux"
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Version string                    `json:"version"`
	Monitor *monitor.Status           `json:"monitor,omitempty"`
	Storage map[string]storage.Health `json:"storage,omitempty"`
}

// ManifestResponse is the body of GET /sessions/{session}/manifest
type ManifestResponse struct {
	Run    manifest.Run     `json:"run"`
	Layers []manifest.Entry `json:"layers"`
}

// GetStatus reports the monitor state and storage health
func (c *Controller) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Version: constants.Version}
	if c.status != nil {
		st := c.status.Status()
		resp.Monitor = &st
	}
	if c.health != nil {
		resp.Storage = c.health.Health()
	}
	c.write(w, r, http.StatusOK, resp)
}

// GetManifest returns the latest post-processing run of a session, with the
// selected frame of every layer in layer order
func (c *Controller) GetManifest(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	if session == "" || session == "." || session == ".." || strings.ContainsAny(session, `/\`) {
		c.writeError(w, r, http.StatusBadRequest, "invalid session name")
		return
	}

	path := filepath.Join(c.sessionsDir, session, constants.ManifestFile)
	if _, err := os.Stat(path); err != nil {
		c.writeError(w, r, http.StatusNotFound, "no manifest for session "+session)
		return
	}

	m, err := manifest.Open(path)
	if err != nil {
		c.logger.Errorw("failed to open manifest", "path", path, "error", err)
		c.writeError(w, r, http.StatusInternalServerError, "could not open manifest")
		return
	}
	defer m.Close()

	run, err := m.LatestRun(r.Context())
	if errors.Is(err, manifest.ErrNoRuns) {
		c.writeError(w, r, http.StatusNotFound, "session "+session+" has not been processed")
		return
	}
	if err != nil {
		c.logger.Errorw("failed to read manifest", "path", path, "error", err)
		c.writeError(w, r, http.StatusInternalServerError, "could not read manifest")
		return
	}

	entries, err := m.Entries(r.Context(), run.ID)
	if err != nil {
		c.logger.Errorw("failed to read manifest layers", "path", path, "error", err)
		c.writeError(w, r, http.StatusInternalServerError, "could not read manifest")
		return
	}
	if entries == nil {
		entries = []manifest.Entry{}
	}

	c.write(w, r, http.StatusOK, ManifestResponse{Run: run, Layers: entries})
}

func (c *Controller) write(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err := c.formatter.WriteStatus(w, r, status, data); err != nil {
		c.logger.Errorf("error writing response: %v", err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if err := c.formatter.WriteError(w, r, status, msg); err != nil {
		c.logger.Errorf("error writing response: %v", err)
	}
}
