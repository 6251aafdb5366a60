package web

import (
	"context"
	"net/http"
	"strconv"

	"homesignal/internal/store"
)

// History is the read side of the store the API exposes.
type History interface {
	ListTriggers(ctx context.Context, deviceID string, limit int) ([]store.TriggerEvent, error)
	ListReadings(ctx context.Context, deviceID string, limit int) ([]store.SensorReading, error)
	ListAutomationRules(ctx context.Context) ([]*store.AutomationRule, error)
	ListAutomationLogs(ctx context.Context, ruleID string, limit int) ([]*store.AutomationLogEntry, error)
	ListCustomRules(ctx context.Context, deviceID, metric string) ([]*store.CustomTriggerRule, error)
	ListCustomRuleLogs(ctx context.Context, ruleID string, limit int) ([]*store.CustomRuleLog, error)
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// limitParam reads ?limit=, clamped to maxLimit.
func limitParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) handleAPIListTriggers(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	id := r.PathValue("id")
	triggers, err := s.history.ListTriggers(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list triggers", "err", err, "device_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if triggers == nil {
		triggers = []store.TriggerEvent{}
	}
	s.writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) handleAPIListReadings(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	id := r.PathValue("id")
	readings, err := s.history.ListReadings(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list readings", "err", err, "device_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if metric := r.URL.Query().Get("metric"); metric != "" {
		filtered := readings[:0]
		for _, rd := range readings {
			if rd.Metric == metric {
				filtered = append(filtered, rd)
			}
		}
		readings = filtered
	}
	if readings == nil {
		readings = []store.SensorReading{}
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	rules, err := s.history.ListAutomationRules(r.Context())
	if err != nil {
		s.logger.Error("list automations", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rules == nil {
		rules = []*store.AutomationRule{}
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAPIAutomationLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	id := r.PathValue("id")
	logs, err := s.history.ListAutomationLogs(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list automation logs", "err", err, "rule_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if execID := r.URL.Query().Get("execution_id"); execID != "" {
		filtered := logs[:0]
		for _, e := range logs {
			if e.ExecutionID == execID {
				filtered = append(filtered, e)
			}
		}
		logs = filtered
	}
	if logs == nil {
		logs = []*store.AutomationLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleAPIListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rules, err := s.history.ListCustomRules(r.Context(), q.Get("device_id"), q.Get("metric"))
	if err != nil {
		s.logger.Error("list custom rules", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rules == nil {
		rules = []*store.CustomTriggerRule{}
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleAPIRuleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	id := r.PathValue("id")
	logs, err := s.history.ListCustomRuleLogs(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list custom rule logs", "err", err, "rule_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if logs == nil {
		logs = []*store.CustomRuleLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}
