package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr    string `json:"http_addr"`
	DataDir     string `json:"data_dir"`
	DBPath      string `json:"db_path"`
	WebDir      string `json:"web_dir"`
	LLMProvider string `json:"llm_provider"`
	LLMModel    string `json:"llm_model"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	LLMConfigured bool            `json:"llm_configured"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Subagents     map[string]any  `json:"subagents"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		LLMConfigured: s.Info.LLMProvider != "" && s.Info.LLMModel != "" && s.Engine != nil,
		Info:          s.Info,
		EventBus:      map[string]any{},
		Subagents:     map[string]any{},
	}
	if s.Bus != nil {
		resp.EventBus["subscribers"] = s.Bus.SubscriberCount()
	}
	if s.Subagents != nil {
		total, inUse := s.Subagents.Capacity()
		resp.Subagents["capacity"] = total
		resp.Subagents["in_use"] = inUse
	}
	writeJSON(w, http.StatusOK, resp)
}
