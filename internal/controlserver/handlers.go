package controlserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/controller"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/plzerr"
)

const maxRequestBody = 1 << 20

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return plzerr.Validation("invalid request body").Wrap(err)
	}
	return nil
}

func boolParam(r *http.Request, name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, plzerr.Validation("%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}

func indexParam(r *http.Request) (*int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("index"))
	if raw == "" {
		return nil, nil
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return nil, plzerr.Validation("index must be a non-negative integer, got %q", raw)
	}
	return &index, nil
}

// sinceParam reads unix seconds, possibly fractional.
func sinceParam(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return time.Time{}, plzerr.Validation("since must be unix seconds, got %q", raw)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))), nil
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctl.Ping(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runExecution(w http.ResponseWriter, r *http.Request) {
	var req controlapi.RunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.ctl.RunExecution(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamEvents(w, r, events)
}

func (s *Server) rerunExecution(w http.ResponseWriter, r *http.Request) {
	var req controlapi.RerunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.ctl.RerunExecution(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamEvents(w, r, events)
}

// streamEvents writes events as newline-delimited JSON. The channel is
// drained even after the client went away so the producer never blocks.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan controlapi.StreamEvent) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusAccepted)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue
		}
		if writeErr = enc.Encode(ev); writeErr != nil {
			if s.logger != nil {
				s.logger.Warn("client went away mid-stream; draining", "request_id", requestID(r.Context()), "error", writeErr)
			}
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	forAllUsers, err := boolParam(r, "for_all_users", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	infos, err := s.ctl.ListExecutions(r.Context(), r.URL.Query().Get("user"), forAllUsers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlapi.ListExecutionsResponse{Executions: infos})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, project := strings.TrimSpace(q.Get("user")), strings.TrimSpace(q.Get("project"))
	if user == "" || project == "" {
		s.writeError(w, r, plzerr.Validation("user and project are required"))
		return
	}
	entries, err := s.ctl.GetHistory(r.Context(), user, project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlapi.HistoryResponse{Executions: entries})
}

func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.Harvest(r.Context())
	resp := controlapi.HarvestResponse{}
	if err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = []string{err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) executionAction(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), r.PathValue("action")
	if id == "describe" {
		s.describe(w, r, action)
		return
	}
	switch action {
	case "status":
		s.status(w, r, id)
	case "logs":
		s.logs(w, r, id)
	case "measures":
		s.measures(w, r, id)
	case "composition":
		s.composition(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) describe(w http.ResponseWriter, r *http.Request, id string) {
	meta, err := s.ctl.DescribeExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlapi.DescribeResponse{StartMetadata: meta})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, id string) {
	status, err := s.ctl.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request, id string) {
	since, err := sinceParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := indexParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stdout, err := boolParam(r, "stdout", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stderr, err := boolParam(r, "stderr", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.ctl.GetLogs(r.Context(), id, controller.LogsOptions{
		Since:  since,
		Index:  index,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	s.copyStream(w, r, "application/octet-stream", rc)
}

func (s *Server) outputFiles(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.ctl.GetOutputFiles(r.Context(), r.PathValue("id"), r.URL.Query().Get("path"), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	s.copyStream(w, r, "application/x-tar", rc)
}

func (s *Server) measures(w http.ResponseWriter, r *http.Request, id string) {
	summary, err := boolParam(r, "summary", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := indexParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.ctl.GetMeasures(r.Context(), id, summary, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) composition(w http.ResponseWriter, r *http.Request, id string) {
	comp, err := s.ctl.GetExecutionComposition(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// copyStream flushes as it copies so followed logs reach the client while
// the execution runs.
func (s *Server) copyStream(w http.ResponseWriter, r *http.Request, contentType string, src io.Reader) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.logger != nil {
				s.logger.Warn("stream interrupted", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
			}
			return
		}
	}
}

func (s *Server) deleteExecution(w http.ResponseWriter, r *http.Request) {
	failIfRunning, err := boolParam(r, "fail_if_running", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	failIfDeleted, err := boolParam(r, "fail_if_deleted", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ctl.DeleteExecution(r.Context(), r.PathValue("id"), failIfRunning, failIfDeleted); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) killInstances(w http.ResponseWriter, r *http.Request) {
	var req controlapi.KillInstancesRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.ctl.KillInstances(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lastExecutionID(w http.ResponseWriter, r *http.Request) {
	id, err := s.ctl.LastExecutionID(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := controlapi.LastExecutionIDResponse{}
	if id != "" {
		resp.ExecutionID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildSnapshot reads one line of JSON build metadata followed by a tarred
// build context. Build output is streamed back as {"stream"} lines and the
// stream ends with {"id"} or {"error"}.
func (s *Server) buildSnapshot(w http.ResponseWriter, r *http.Request) {
	body := bufio.NewReader(r.Body)
	header, err := body.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, plzerr.Validation("read snapshot metadata").Wrap(err))
		return
	}
	var meta images.BuildMetadata
	if err := json.Unmarshal(header, &meta); err != nil {
		s.writeError(w, r, plzerr.Validation("snapshot metadata must be a JSON object on the first line").Wrap(err))
		return
	}
	if err := meta.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	send := func(ev controlapi.StreamEvent) {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	tag, err := s.ctl.BuildSnapshot(r.Context(), meta, body, func(line string) {
		send(controlapi.StreamEvent{Stream: line})
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("snapshot build failed", "request_id", requestID(r.Context()), "user", meta.User, "project", meta.Project, "error", err)
		}
		send(controlapi.StreamEvent{Error: err.Error()})
		return
	}
	send(controlapi.StreamEvent{ID: tag})
}
