package automation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"homesignal/internal/store"
	"homesignal/internal/sun"
)

// scheduler arms cron entries for time and sun triggers. Entries are
// rebuilt whenever the rule set is reloaded.
type scheduler struct {
	cron   *cron.Cron
	cfg    Config
	fire   func(ruleID string, idx int)
	logger *slog.Logger

	mu      sync.Mutex
	entries []cron.EntryID
}

func newScheduler(cfg Config, fire func(ruleID string, idx int), logger *slog.Logger) *scheduler {
	return &scheduler{
		cron:   cron.New(cron.WithLocation(cfg.Location)),
		cfg:    cfg,
		fire:   fire,
		logger: logger,
	}
}

func (s *scheduler) start() { s.cron.Start() }

func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
}

func (s *scheduler) reload(rules []*store.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		for i, tr := range r.Triggers {
			ruleID, idx := r.ID, i
			job := cron.FuncJob(func() { s.fire(ruleID, idx) })

			switch tr.Type {
			case store.RuleTriggerTime:
				spec, err := cronSpec(tr)
				if err != nil {
					s.logger.Warn("invalid time trigger", "rule_id", r.ID, "trigger", i, "err", err)
					continue
				}
				id, err := s.cron.AddJob(spec, job)
				if err != nil {
					s.logger.Warn("invalid time trigger", "rule_id", r.ID, "trigger", i, "err", err)
					continue
				}
				s.entries = append(s.entries, id)

			case store.RuleTriggerSun:
				if !s.cfg.hasLocation() {
					s.logger.Warn("sun trigger needs latitude and longitude", "rule_id", r.ID)
					continue
				}
				if tr.Event != sun.Sunrise && tr.Event != sun.Sunset {
					s.logger.Warn("invalid sun trigger", "rule_id", r.ID, "event", tr.Event)
					continue
				}
				s.entries = append(s.entries, s.cron.Schedule(sunSchedule{
					event:  tr.Event,
					offset: time.Duration(tr.OffsetMinutes) * time.Minute,
					lat:    s.cfg.Latitude,
					lon:    s.cfg.Longitude,
				}, job))
			}
		}
	}
}

// cronSpec returns the cron expression for a time trigger. "HH:MM" means
// daily at that clock time.
func cronSpec(tr store.Trigger) (string, error) {
	if tr.Cron != "" {
		return tr.Cron, nil
	}
	m, ok, err := parseClock(tr.At)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("time trigger needs cron or at")
	}
	return fmt.Sprintf("%d %d * * *", m%60, m/60), nil
}

// sunSchedule is a cron.Schedule that recomputes the next sunrise or sunset
// after every run.
type sunSchedule struct {
	event  string
	offset time.Duration
	lat    float64
	lon    float64
}

func (s sunSchedule) Next(t time.Time) time.Time {
	return sun.Next(s.event, t, s.lat, s.lon, s.offset)
}
