package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

type auditRecord struct {
	entry *model.AuditEntry
}

type Audit struct {
	mu      sync.Mutex
	entries map[string]*auditRecord
	now     func() time.Time
}

func (s *Audit) Start(_ context.Context, entry *model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.now()
	}

	entry.Status = model.AuditStarted
	entry.CompletedAt = nil

	return s.insert(entry)
}

func (s *Audit) Append(_ context.Context, entry *model.AuditEntry) error {
	if entry.CompletedAt == nil {
		return errors.New("append requires a completed entry")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	return s.insert(entry)
}

func (s *Audit) insert(entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return errors.New("audit entry " + entry.ID + " exists")
	}

	s.entries[entry.ID] = &auditRecord{entry: clone(entry)}

	return nil
}

func (s *Audit) Complete(_ context.Context, entryID string, c model.AuditCompletion) (*model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[entryID]
	if !ok {
		return nil, errors.Wrap(model.ErrAuditEntryNotFound, entryID)
	}

	e := rec.entry
	if e.Closed() {
		return nil, errors.Wrap(model.ErrAuditEntryClosed, entryID)
	}

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	e.Status = c.Status
	e.Message = c.Message
	e.Detail = c.Detail
	e.CompletedAt = &completedAt
	e.Duration = completedAt.Sub(e.StartedAt)

	return clone(e), nil
}

func (s *Audit) ListOpen(_ context.Context, f model.OpenAuditFilter) ([]*model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*model.AuditEntry{}

	for _, rec := range s.entries {
		if f.Matches(rec.entry) {
			out = append(out, clone(rec.entry))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})

	return out, nil
}

func (s *Audit) Query(_ context.Context, q model.AuditQuery) ([]*model.AuditEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []*model.AuditEntry{}

	for _, rec := range s.entries {
		e := rec.entry

		if q.DeviceID != "" && e.DeviceID != q.DeviceID {
			continue
		}

		if q.Since != nil && e.StartedAt.Before(*q.Since) {
			continue
		}

		if q.Until != nil && !e.StartedAt.Before(*q.Until) {
			continue
		}

		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := int64(len(matched))

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	if offset >= len(matched) {
		return []*model.AuditEntry{}, total, nil
	}

	end := min(offset+q.PageSize(), len(matched))

	out := make([]*model.AuditEntry, 0, end-offset)
	for _, e := range matched[offset:end] {
		out = append(out, clone(e))
	}

	return out, total, nil
}
