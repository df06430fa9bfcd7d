package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bitserve/bitserve"
	"github.com/bitserve/bitserve/events"
	"github.com/bitserve/bitserve/lifecycle"
	"github.com/bitserve/bitserve/telemetry"
)

// maxDescriptorSize caps each uploaded .torrent file. Descriptors are
// metadata, not payload; anything larger is suspect.
const maxDescriptorSize = 16 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleAdd handles POST /torrents. The multipart form carries one or
// more files under the "torrents" field; each is added independently
// and reported in its own result.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrents.add")

	if err := r.ParseMultipartForm(maxDescriptorSize); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["torrents"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no torrent files in form field \"torrents\"")
		return
	}

	blobs := make([][]byte, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "opening upload "+fh.Filename+": "+err.Error())
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxDescriptorSize))
		_ = f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading upload "+fh.Filename+": "+err.Error())
			return
		}
		blobs = append(blobs, data)
	}

	results := s.controller.AddMany(r.Context(), blobs)

	resp := addResponse{Results: make([]addItemResult, len(results))}
	for i, res := range results {
		if res.Err != nil {
			resp.Results[i] = addItemResult{Error: res.Err.Error()}
			continue
		}
		resp.Results[i] = addItemResult{OK: true, Status: res.Status}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleList handles GET /torrents with optional offset and limit.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrents.list")

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 0)

	statuses, err := s.controller.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	if statuses == nil {
		statuses = []*lifecycle.Status{}
	}
	writeJSON(w, http.StatusOK, listResponse{Torrents: statuses, Count: len(statuses)})
}

// handleGet handles GET /torrents/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrents.get")

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	status, err := s.controller.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRemove handles POST /torrents/remove. Ids are removed
// independently; the response is 404 only when no id matched at all.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrents.remove")

	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "no ids given")
		return
	}

	resp := removeResponse{Results: make([]removeItemResult, len(req.IDs))}
	anyMatched := false
	for i, raw := range req.IDs {
		id, err := bitserve.ParseInfoHash(raw)
		if err != nil {
			resp.Results[i] = removeItemResult{ID: raw, Error: "invalid infohash"}
			continue
		}

		if err := s.controller.Remove(r.Context(), id, req.DeleteFiles); err != nil {
			resp.Results[i] = removeItemResult{ID: raw, Error: err.Error()}
			var nf *lifecycle.NotFoundError
			if !errors.As(err, &nf) {
				anyMatched = true
			}
			continue
		}
		resp.Results[i] = removeItemResult{ID: raw, OK: true}
		anyMatched = true
	}

	status := http.StatusOK
	if !anyMatched {
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp)
}

// handlePause handles POST /torrents/{id}/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrents.pause")

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.controller.Pause(r.Context(), id); err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume handles POST /torrents/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "torrents.resume")

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.controller.Resume(r.Context(), id); err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	statuses, err := s.controller.List(r.Context(), 0, 0)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Resident: s.controller.ResidentCount(),
		Capacity: s.controller.Capacity(),
		Total:    len(statuses),
	})
}

// handleSystem handles GET /system.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "system")

	snap, err := s.sysinfo.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAddWebhook handles POST /webhooks.
func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "webhooks.add")

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.webhooks.Register(req.Event, req.URL); err != nil {
		if errors.Is(err, events.ErrInvalidURL) || errors.Is(err, events.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, webhooksResponse{Webhooks: s.webhooks.Subscriptions()})
}

// handleListWebhooks handles GET /webhooks.
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "webhooks.list")
	writeJSON(w, http.StatusOK, webhooksResponse{Webhooks: s.webhooks.Subscriptions()})
}

// pathID parses the {id} path segment, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (bitserve.InfoHash, bool) {
	id, err := bitserve.ParseInfoHash(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid infohash: "+err.Error())
		return bitserve.InfoHash{}, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
