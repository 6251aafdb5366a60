package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents          = []byte("events")
	bucketReadings        = []byte("readings")
	bucketTriggers        = []byte("triggers")
	bucketCustomRules     = []byte("custom_rules")
	bucketCustomRuleLogs  = []byte("custom_rule_logs")
	bucketAutomationRules = []byte("automation_rules")
	bucketAutomationLogs  = []byte("automation_logs")
)

var allBuckets = [][]byte{
	bucketEvents, bucketReadings, bucketTriggers,
	bucketCustomRules, bucketCustomRuleLogs,
	bucketAutomationRules, bucketAutomationLogs,
}

// BoltStore implements Store using BoltDB. Append-only records (readings,
// triggers, logs) are keyed by the bucket sequence so cursors walk them in
// insertion order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

// appendJSON stores v under the bucket's next sequence number.
func appendJSON(b *bolt.Bucket, v any) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return b.Put(key, data)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// scanNewest decodes records newest first until limit values were accepted.
// A limit <= 0 means no limit.
func scanNewest[T any](b *bolt.Bucket, limit int, keep func(*T) bool) ([]T, error) {
	var out []T
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		if !keep(&rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *BoltStore) SaveProjection(_ context.Context, p Projection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events, err := bucket(tx, bucketEvents)
		if err != nil {
			return err
		}
		if err := putJSON(events, p.Event.ID, p.Event); err != nil {
			return fmt.Errorf("put event: %w", err)
		}
		triggers, err := bucket(tx, bucketTriggers)
		if err != nil {
			return err
		}
		for i := range p.Triggers {
			if err := appendJSON(triggers, &p.Triggers[i]); err != nil {
				return fmt.Errorf("put trigger: %w", err)
			}
		}
		readings, err := bucket(tx, bucketReadings)
		if err != nil {
			return err
		}
		for i := range p.Readings {
			if err := appendJSON(readings, &p.Readings[i]); err != nil {
				return fmt.Errorf("put reading: %w", err)
			}
		}
		return nil
	})
}

func (s *BoltStore) ListReadings(_ context.Context, deviceID string, limit int) ([]SensorReading, error) {
	var out []SensorReading
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketReadings)
		if err != nil {
			return err
		}
		out, err = scanNewest(b, limit, func(r *SensorReading) bool {
			return deviceID == "" || r.DeviceID == deviceID
		})
		return err
	})
	return out, err
}

func (s *BoltStore) ListTriggers(_ context.Context, deviceID string, limit int) ([]TriggerEvent, error) {
	var out []TriggerEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketTriggers)
		if err != nil {
			return err
		}
		out, err = scanNewest(b, limit, func(t *TriggerEvent) bool {
			return deviceID == "" || t.DeviceID == deviceID
		})
		return err
	})
	return out, err
}

// ListCustomRules returns rules for deviceID and metric, both compared
// case-insensitively. Empty arguments match everything.
func (s *BoltStore) ListCustomRules(_ context.Context, deviceID, metric string) ([]*CustomTriggerRule, error) {
	var rules []*CustomTriggerRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRules)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var r CustomTriggerRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if deviceID != "" && !strings.EqualFold(r.DeviceID, deviceID) {
				return nil
			}
			if metric != "" && !strings.EqualFold(r.Metric, metric) {
				return nil
			}
			rules = append(rules, &r)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) GetCustomRule(_ context.Context, id string) (*CustomTriggerRule, error) {
	var r CustomTriggerRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRules)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("custom rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) SaveCustomRule(_ context.Context, r *CustomTriggerRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRules)
		if err != nil {
			return err
		}
		return putJSON(b, r.ID, r)
	})
}

func (s *BoltStore) DeleteCustomRule(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRules)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ClaimCustomRuleFire(_ context.Context, id string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRules)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("custom rule %s: %w", id, ErrNotFound)
		}
		var r CustomTriggerRule
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if !cooledDown(r.LastFiredAt, r.Cooldown(), now) {
			return nil
		}
		r.LastFiredAt = &now
		claimed = true
		return putJSON(b, r.ID, &r)
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *BoltStore) AppendCustomRuleLog(_ context.Context, l *CustomRuleLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRuleLogs)
		if err != nil {
			return err
		}
		return appendJSON(b, l)
	})
}

func (s *BoltStore) ListCustomRuleLogs(_ context.Context, ruleID string, limit int) ([]*CustomRuleLog, error) {
	var out []CustomRuleLog
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketCustomRuleLogs)
		if err != nil {
			return err
		}
		out, err = scanNewest(b, limit, func(l *CustomRuleLog) bool {
			return ruleID == "" || l.RuleID == ruleID
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	logs := make([]*CustomRuleLog, len(out))
	for i := range out {
		logs[i] = &out[i]
	}
	return logs, nil
}

func (s *BoltStore) ListAutomationRules(_ context.Context) ([]*AutomationRule, error) {
	var rules []*AutomationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationRules)
		if err != nil {
			return err
		}
		rules = make([]*AutomationRule, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var r AutomationRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rules = append(rules, &r)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) GetAutomationRule(_ context.Context, id string) (*AutomationRule, error) {
	var r AutomationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationRules)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) SaveAutomationRule(_ context.Context, r *AutomationRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationRules)
		if err != nil {
			return err
		}
		return putJSON(b, r.ID, r)
	})
}

func (s *BoltStore) DeleteAutomationRule(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationRules)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// updateAutomationRule reads, modifies and saves a rule in one transaction.
// fn returning false leaves the rule untouched.
func (s *BoltStore) updateAutomationRule(id string, fn func(r *AutomationRule) bool) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationRules)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
		}
		var r AutomationRule
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if !fn(&r) {
			return nil
		}
		changed = true
		return putJSON(b, r.ID, &r)
	})
	return changed, err
}

func (s *BoltStore) BeginAutomationRun(_ context.Context, id string, now time.Time) (bool, error) {
	return s.updateAutomationRule(id, func(r *AutomationRule) bool {
		if !cooledDown(r.LastTriggeredAt, r.Cooldown(), now) {
			return false
		}
		r.LastTriggeredAt = &now
		return true
	})
}

func (s *BoltStore) CompleteAutomationRun(_ context.Context, id string, at time.Time) error {
	_, err := s.updateAutomationRule(id, func(r *AutomationRule) bool {
		r.ExecutionCount++
		// Runs started through run_automation were never claimed.
		if r.LastTriggeredAt == nil {
			r.LastTriggeredAt = &at
		}
		return true
	})
	return err
}

func (s *BoltStore) AppendAutomationLog(_ context.Context, e *AutomationLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationLogs)
		if err != nil {
			return err
		}
		return appendJSON(b, e)
	})
}

func (s *BoltStore) ListAutomationLogs(_ context.Context, ruleID string, limit int) ([]*AutomationLogEntry, error) {
	var out []AutomationLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAutomationLogs)
		if err != nil {
			return err
		}
		out, err = scanNewest(b, limit, func(e *AutomationLogEntry) bool {
			return ruleID == "" || e.RuleID == ruleID
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*AutomationLogEntry, len(out))
	for i := range out {
		entries[i] = &out[i]
	}
	return entries, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
