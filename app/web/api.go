package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"buildq/app/history"
	"buildq/app/queue"
)

// StatusResponse is the JSON response for /api/v1/status
type StatusResponse struct {
	Host      string      `json:"host,omitempty"`
	Tool      string      `json:"tool"`
	Queue     QueueStats  `json:"queue"`
	Progress  RecordStats `json:"progress"`
	NextUp    []QueuedJob `json:"next_up"`
	Timestamp time.Time   `json:"timestamp"`
}

// QueueStats represents the pending side of the batch
type QueueStats struct {
	Remaining int `json:"remaining"`
}

// RecordStats represents the completed side of the batch
type RecordStats struct {
	Completed int `json:"completed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
}

// QueuedJob represents one pending job in JSON API responses
type QueuedJob struct {
	Identity string `json:"identity"`
	Target   string `json:"target"`
}

// ProgressRecord represents one completed attempt in JSON API responses
type ProgressRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Identity  string    `json:"identity"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
}

// ExecutionRecord represents one sqlite history row in JSON API responses
type ExecutionRecord struct {
	Identity   string    `json:"identity"`
	Target     string    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	LogFile    string    `json:"log_file,omitempty"`
}

// handleStatus returns aggregate batch state, designed for CLI/jq consumption
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pending, err := s.Queue.Pending()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "can't read queue")
		return
	}

	records := s.Ledger.Records()
	stats := RecordStats{Completed: len(records)}
	for _, rec := range records {
		if rec.Outcome == queue.Succeeded {
			stats.Success++
			continue
		}
		stats.Failed++
	}

	limit := s.PreviewLimit
	if limit <= 0 {
		limit = 10
	}
	nextUp := make([]QueuedJob, 0, limit)
	for _, job := range pending {
		if len(nextUp) >= limit {
			break
		}
		nextUp = append(nextUp, QueuedJob{Identity: job.Identity, Target: job.Target})
	}

	resp := StatusResponse{
		Host:      s.Hostname,
		Tool:      s.Tool,
		Queue:     QueueStats{Remaining: len(pending)},
		Progress:  stats,
		NextUp:    nextUp,
		Timestamp: time.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleProgress returns all completed attempt records from the ledger
func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	records := s.Ledger.Records()
	resp := make([]ProgressRecord, 0, len(records))
	for _, rec := range records {
		resp = append(resp, ProgressRecord{
			Timestamp: rec.TS,
			Identity:  rec.Job.Identity,
			Target:    rec.Job.Target,
			Outcome:   string(rec.Outcome),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleExecutions returns recent executions from the sqlite history
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.writeJSONError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	executions, err := s.History.RecentExecutions(limit)
	if err != nil {
		log.Printf("[ERROR] failed to get executions: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load executions")
		return
	}

	resp := make([]ExecutionRecord, 0, len(executions))
	for _, e := range executions {
		resp = append(resp, toExecutionRecord(e))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// toExecutionRecord converts history.Execution to ExecutionRecord
func toExecutionRecord(e history.Execution) ExecutionRecord {
	return ExecutionRecord{
		Identity:   e.Identity,
		Target:     e.Target,
		StartedAt:  e.Started(),
		FinishedAt: e.Finished(),
		Outcome:    e.Outcome,
		ExitCode:   e.ExitCode,
		TimedOut:   e.TimedOut,
		LogFile:    e.LogFile,
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
