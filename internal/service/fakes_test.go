package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/gateway"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// memDB backs the hand-written repository mocks. writes counts every
// mutation so tests can assert "no side effects".
type memDB struct {
	mu sync.Mutex

	now func() time.Time

	campaigns  map[int]*model.Campaign
	recipients map[int]*model.Recipient
	members    map[int][]int
	sends      map[int]*model.Send
	counters   map[string]int
	events     map[int]*model.InboundEvent
	archived   map[string]bool

	nextID int
	writes int
}

func newMemDB(now func() time.Time) *memDB {
	return &memDB{
		now:        now,
		campaigns:  map[int]*model.Campaign{},
		recipients: map[int]*model.Recipient{},
		members:    map[int][]int{},
		sends:      map[int]*model.Send{},
		counters:   map[string]int{},
		events:     map[int]*model.InboundEvent{},
		archived:   map[string]bool{},
	}
}

func (db *memDB) id() int {
	db.nextID++
	return db.nextID
}

func (db *memDB) Writes() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writes
}

func copyCampaign(c *model.Campaign) *model.Campaign { cp := *c; return &cp }
func copyRecipient(r *model.Recipient) *model.Recipient { cp := *r; return &cp }
func copySend(s *model.Send) *model.Send               { cp := *s; return &cp }
func copyEvent(e *model.InboundEvent) *model.InboundEvent {
	cp := *e
	return &cp
}

// ====================== Campaigns ======================

type mockCampaignRepo struct{ db *memDB }

func (m *mockCampaignRepo) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.db.campaigns {
		if channel != "" && c.Channel != channel {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		all = append(all, copyCampaign(c))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (m *mockCampaignRepo) GetStatus(ctx context.Context, id int) (model.CampaignStatus, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return c.Status, nil
}

func (m *mockCampaignRepo) UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	m.db.writes++
	c.Status = status
	if status == model.CampaignCompleted {
		now := m.db.now()
		c.CompletedAt = &now
	}
	return nil
}

func (m *mockCampaignRepo) Update(ctx context.Context, c *model.Campaign) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.campaigns[c.ID]; !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	m.db.writes++
	m.db.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (m *mockCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.writes++
	c.ID = m.db.id()
	c.CreatedAt = m.db.now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Channel == "" {
		c.Channel = "sms"
	}
	m.db.campaigns[c.ID] = copyCampaign(c)
	return nil
}

func (m *mockCampaignRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var ids []int
	for id, c := range m.db.campaigns {
		if c.Status == model.CampaignActive && c.NextRunAt != nil && !c.NextRunAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockCampaignRepo) SetNextRunAt(ctx context.Context, id int, at *time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	m.db.writes++
	if at == nil {
		c.NextRunAt = nil
		return nil
	}
	t := *at
	c.NextRunAt = &t
	return nil
}

func (m *mockCampaignRepo) AcquireLease(ctx context.Context, id int, ttl time.Duration) (string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	now := m.db.now()
	if c.LockToken != "" && c.LockExpiresAt != nil && c.LockExpiresAt.After(now) {
		return "", appErrors.ErrCycleInProgress
	}
	exp := now.Add(ttl)
	c.LockToken = fmt.Sprintf("lease-%d", m.db.id())
	c.LockExpiresAt = &exp
	return c.LockToken, nil
}

func (m *mockCampaignRepo) RefreshLease(ctx context.Context, id int, token string, ttl time.Duration) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok || c.LockToken != token {
		return appErrors.ErrLeaseLost
	}
	exp := m.db.now().Add(ttl)
	c.LockExpiresAt = &exp
	return nil
}

func (m *mockCampaignRepo) ReleaseLease(ctx context.Context, id int, token string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if c, ok := m.db.campaigns[id]; ok && c.LockToken == token {
		c.LockToken = ""
		c.LockExpiresAt = nil
	}
	return nil
}

var _ repository.CampaignRepositoryInterface = (*mockCampaignRepo)(nil)

// ====================== Recipients ======================

type mockRecipientRepo struct{ db *memDB }

func (m *mockRecipientRepo) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.recipients[id]
	if !ok {
		return nil, nil
	}
	return copyRecipient(r), nil
}

func (m *mockRecipientRepo) byPhone(phone string) *model.Recipient {
	for _, r := range m.db.recipients {
		if r.Phone == phone {
			return r
		}
	}
	return nil
}

func (m *mockRecipientRepo) GetByPhone(ctx context.Context, phone string) (*model.Recipient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if r := m.byPhone(phone); r != nil {
		return copyRecipient(r), nil
	}
	return nil, nil
}

func (m *mockRecipientRepo) GetOrCreate(ctx context.Context, in model.RecipientInput, source string) (*model.Recipient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.writes++
	if r := m.byPhone(in.Phone); r != nil {
		if r.FirstName == "" {
			r.FirstName = in.FirstName
		}
		if r.LastName == "" {
			r.LastName = in.LastName
		}
		if r.Address == "" {
			r.Address = in.Address
		}
		return copyRecipient(r), nil
	}
	r := &model.Recipient{
		ID:         m.db.id(),
		Phone:      in.Phone,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		Address:    in.Address,
		SourceList: source,
		CreatedAt:  m.db.now(),
	}
	m.db.recipients[r.ID] = r
	return copyRecipient(r), nil
}

func (m *mockRecipientRepo) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r := m.byPhone(phone)
	return r != nil && r.OptedOut, nil
}

func (m *mockRecipientRepo) MarkOptedOut(ctx context.Context, id int, source string, at time.Time) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.recipients[id]
	if !ok || r.OptedOut {
		return false, nil
	}
	m.db.writes++
	r.OptedOut = true
	r.OptedOutAt = &at
	r.OptOutSource = source
	return true, nil
}

func (m *mockRecipientRepo) AddToCampaign(ctx context.Context, campaignID, recipientID int) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, id := range m.db.members[campaignID] {
		if id == recipientID {
			return false, nil
		}
	}
	m.db.writes++
	m.db.members[campaignID] = append(m.db.members[campaignID], recipientID)
	return true, nil
}

func (m *mockRecipientRepo) pending(campaignID int) []*model.Recipient {
	var out []*model.Recipient
	for _, id := range m.db.members[campaignID] {
		s := m.db.campaignSend(campaignID, id)
		if s == nil || s.Status == model.SendQueued {
			out = append(out, copyRecipient(m.db.recipients[id]))
		}
	}
	return out
}

func (m *mockRecipientRepo) ListEligible(ctx context.Context, campaignID int) ([]*model.Recipient, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.pending(campaignID), nil
}

func (m *mockRecipientRepo) CountPending(ctx context.Context, campaignID int) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return len(m.pending(campaignID)), nil
}

var _ repository.RecipientRepositoryInterface = (*mockRecipientRepo)(nil)

// ====================== Sends ======================

type mockSendRepo struct{ db *memDB }

func (db *memDB) campaignSend(campaignID, recipientID int) *model.Send {
	for _, s := range db.sends {
		if s.Kind == model.KindCampaign && s.CampaignID == campaignID && s.RecipientID == recipientID {
			return s
		}
	}
	return nil
}

func (db *memDB) sortedSends(keep func(*model.Send) bool) []*model.Send {
	var out []*model.Send
	for _, s := range db.sends {
		if keep(s) {
			out = append(out, copySend(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockSendRepo) CreateCampaignSend(ctx context.Context, s *model.Send) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if existing := m.db.campaignSend(s.CampaignID, s.RecipientID); existing != nil {
		*s = *copySend(existing)
		return false, nil
	}
	m.db.writes++
	s.ID = m.db.id()
	s.Kind = model.KindCampaign
	if s.Status == "" {
		s.Status = model.SendQueued
	}
	s.QueuedAt = m.db.now()
	m.db.sends[s.ID] = copySend(s)
	return true, nil
}

func (m *mockSendRepo) CreateConfirmation(ctx context.Context, s *model.Send) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, existing := range m.db.sends {
		if existing.Kind == model.KindConfirmation && existing.RecipientID == s.RecipientID {
			return false, nil
		}
	}
	m.db.writes++
	s.ID = m.db.id()
	s.Kind = model.KindConfirmation
	s.Status = model.SendQueued
	s.QueuedAt = m.db.now()
	m.db.sends[s.ID] = copySend(s)
	return true, nil
}

func (m *mockSendRepo) GetByID(ctx context.Context, id int) (*model.Send, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if s, ok := m.db.sends[id]; ok {
		return copySend(s), nil
	}
	return nil, nil
}

func (m *mockSendRepo) GetByCampaignRecipient(ctx context.Context, campaignID, recipientID int) (*model.Send, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if s := m.db.campaignSend(campaignID, recipientID); s != nil {
		return copySend(s), nil
	}
	return nil, nil
}

func (m *mockSendRepo) GetByProviderMessageID(ctx context.Context, msgID string) (*model.Send, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, s := range m.db.sends {
		if s.ProviderMessageID != "" && s.ProviderMessageID == msgID {
			return copySend(s), nil
		}
	}
	return nil, nil
}

func (m *mockSendRepo) ListQueuedByCampaign(ctx context.Context, campaignID int) ([]*model.Send, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.sortedSends(func(s *model.Send) bool {
		return s.Kind == model.KindCampaign && s.CampaignID == campaignID && s.Status == model.SendQueued
	}), nil
}

func (m *mockSendRepo) ListDueConfirmations(ctx context.Context, now time.Time, limit int) ([]*model.Send, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := m.db.sortedSends(func(s *model.Send) bool {
		return s.Kind == model.KindConfirmation && s.Due(now)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockSendRepo) LatestCampaignSendForRecipient(ctx context.Context, recipientID int) (*model.Send, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var latest *model.Send
	for _, s := range m.db.sends {
		if s.Kind != model.KindCampaign || s.RecipientID != recipientID || s.SentAt == nil {
			continue
		}
		if latest == nil || s.SentAt.After(*latest.SentAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copySend(latest), nil
}

// update applies fn to the send when guard passes.
func (m *mockSendRepo) update(id int, guard func(*model.Send) bool, fn func(*model.Send)) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	s, ok := m.db.sends[id]
	if !ok || (guard != nil && !guard(s)) {
		return
	}
	m.db.writes++
	fn(s)
	s.UpdatedAt = m.db.now()
}

func queued(s *model.Send) bool { return s.Status == model.SendQueued }

func (m *mockSendRepo) UpdateContent(ctx context.Context, id int, content string) error {
	m.update(id, nil, func(s *model.Send) { s.RenderedContent = content })
	return nil
}

func (m *mockSendRepo) MarkSent(ctx context.Context, id int, msgID string, at time.Time) (model.SendStatus, error) {
	var prev model.SendStatus
	sendable := func(s *model.Send) bool {
		return s.Status == model.SendQueued || s.Status == model.SendSkippedOptOut
	}
	m.update(id, sendable, func(s *model.Send) {
		prev = s.Status
		s.Status = model.SendSent
		s.ProviderMessageID = msgID
		s.SentAt = &at
		s.AttemptCount++
		s.LastError = ""
		s.NextEligibleAt = nil
	})
	return prev, nil
}

func (m *mockSendRepo) Requeue(ctx context.Context, id int, next time.Time, attempts int, lastError string) error {
	m.update(id, queued, func(s *model.Send) {
		s.NextEligibleAt = &next
		s.AttemptCount = attempts
		s.LastError = lastError
	})
	return nil
}

func (m *mockSendRepo) MarkFailed(ctx context.Context, id int, reason string, source model.FailureSource, attempts int, at time.Time) error {
	m.update(id, queued, func(s *model.Send) {
		s.Status = model.SendFailed
		s.LastError = reason
		s.FailureSource = source
		s.AttemptCount = attempts
		s.FailedAt = &at
		s.NextEligibleAt = nil
	})
	return nil
}

func (m *mockSendRepo) MarkSkippedOptOut(ctx context.Context, id int) error {
	m.update(id, queued, func(s *model.Send) {
		s.Status = model.SendSkippedOptOut
		s.NextEligibleAt = nil
	})
	return nil
}

func (m *mockSendRepo) CancelQueuedForRecipient(ctx context.Context, recipientID int) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for _, s := range m.db.sends {
		if s.Kind == model.KindCampaign && s.RecipientID == recipientID && s.Status == model.SendQueued {
			s.Status = model.SendSkippedOptOut
			s.NextEligibleAt = nil
			n++
		}
	}
	if n > 0 {
		m.db.writes++
	}
	return n, nil
}

func (m *mockSendRepo) ConfirmSent(ctx context.Context, id int, at time.Time) error {
	m.update(id, nil, func(s *model.Send) {
		if s.SentAt == nil {
			s.SentAt = &at
		}
	})
	return nil
}

func (m *mockSendRepo) MarkDelivered(ctx context.Context, id int, at time.Time) error {
	m.update(id, func(s *model.Send) bool {
		return s.Status == model.SendSent || s.Status == model.SendDelivered
	}, func(s *model.Send) {
		s.Status = model.SendDelivered
		s.DeliveredAt = &at
	})
	return nil
}

func (m *mockSendRepo) MarkProviderFailed(ctx context.Context, id int, reason string, at time.Time) error {
	m.update(id, func(s *model.Send) bool {
		return s.Status == model.SendSent || s.Status == model.SendFailed
	}, func(s *model.Send) {
		s.Status = model.SendFailed
		s.FailureSource = model.FailureProvider
		s.LastError = reason
		s.FailedAt = &at
	})
	return nil
}

func (m *mockSendRepo) MarkResponded(ctx context.Context, id int, at time.Time) error {
	m.update(id, nil, func(s *model.Send) {
		if s.RespondedAt == nil {
			s.RespondedAt = &at
		}
	})
	return nil
}

func (m *mockSendRepo) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	stats := map[string]int{}
	for _, s := range m.db.sends {
		if s.Kind == model.KindCampaign && s.CampaignID == campaignID {
			stats[string(s.Status)]++
		}
	}
	return stats, nil
}

func (m *mockSendRepo) StatsByVariant(ctx context.Context, campaignID int) ([]model.VariantStatusCount, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	type key struct {
		v  model.Variant
		st model.SendStatus
	}
	agg := map[key]*model.VariantStatusCount{}
	for _, s := range m.db.sends {
		if s.Kind != model.KindCampaign || s.CampaignID != campaignID {
			continue
		}
		k := key{s.Variant, s.Status}
		row, ok := agg[k]
		if !ok {
			row = &model.VariantStatusCount{Variant: s.Variant, Status: s.Status}
			agg[k] = row
		}
		row.Count++
		if s.RespondedAt != nil {
			row.Responded++
		}
	}
	var out []model.VariantStatusCount
	for _, row := range agg {
		out = append(out, *row)
	}
	return out, nil
}

// statuses returns each campaign send status keyed by recipient id.
func (db *memDB) statuses(campaignID int) map[int]model.SendStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := map[int]model.SendStatus{}
	for _, s := range db.sends {
		if s.Kind == model.KindCampaign && s.CampaignID == campaignID {
			out[s.RecipientID] = s.Status
		}
	}
	return out
}

func (db *memDB) sendsWhere(keep func(*model.Send) bool) []*model.Send {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sortedSends(keep)
}

var _ repository.SendRepositoryInterface = (*mockSendRepo)(nil)

// ====================== Counters ======================

type mockCounterRepo struct{ db *memDB }

func counterKey(campaignID int, day string) string { return fmt.Sprintf("%d|%s", campaignID, day) }

func (m *mockCounterRepo) Get(ctx context.Context, campaignID int, day string) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.counters[counterKey(campaignID, day)], nil
}

func (m *mockCounterRepo) Increment(ctx context.Context, campaignID int, day string, dailyCap int) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	k := counterKey(campaignID, day)
	if m.db.counters[k] >= dailyCap {
		return 0, repository.ErrDailyCapReached
	}
	m.db.writes++
	m.db.counters[k]++
	return m.db.counters[k], nil
}

var _ repository.CounterRepositoryInterface = (*mockCounterRepo)(nil)

// ====================== Events ======================

type mockEventRepo struct{ db *memDB }

func (m *mockEventRepo) InsertIfAbsent(ctx context.Context, e *model.InboundEvent) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.archived[e.ProviderEventID] {
		return false, nil
	}
	for _, existing := range m.db.events {
		if existing.ProviderEventID == e.ProviderEventID {
			return false, nil
		}
	}
	m.db.writes++
	e.ID = m.db.id()
	e.Status = model.EventReceived
	m.db.events[e.ID] = copyEvent(e)
	return true, nil
}

func (m *mockEventRepo) GetByID(ctx context.Context, id int) (*model.InboundEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if e, ok := m.db.events[id]; ok {
		return copyEvent(e), nil
	}
	return nil, nil
}

func (m *mockEventRepo) Claim(ctx context.Context, id int, staleAfter time.Duration) (*model.InboundEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	e, ok := m.db.events[id]
	if !ok || e.Status != model.EventReceived {
		return nil, nil
	}
	now := m.db.now()
	if e.ClaimedAt != nil && e.ClaimedAt.After(now.Add(-staleAfter)) {
		return nil, nil
	}
	e.ClaimedAt = &now
	return copyEvent(e), nil
}

func (m *mockEventRepo) ReleaseClaim(ctx context.Context, id int) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if e, ok := m.db.events[id]; ok && e.Status == model.EventReceived {
		e.ClaimedAt = nil
	}
	return nil
}

func (m *mockEventRepo) MarkProcessed(ctx context.Context, id int, sendID *int, unmatched bool) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.writes++
	e := m.db.events[id]
	now := m.db.now()
	e.Status = model.EventProcessed
	e.SendID = sendID
	e.Unmatched = unmatched
	e.ProcessedAt = &now
	return nil
}

func (m *mockEventRepo) MarkFailed(ctx context.Context, id int, reason string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.writes++
	e := m.db.events[id]
	now := m.db.now()
	e.Status = model.EventFailed
	e.LastError = reason
	e.ProcessedAt = &now
	return nil
}

func (m *mockEventRepo) sorted(keep func(*model.InboundEvent) bool) []*model.InboundEvent {
	var out []*model.InboundEvent
	for _, e := range m.db.events {
		if keep(e) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockEventRepo) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var ids []int
	for _, e := range m.sorted(func(e *model.InboundEvent) bool {
		return e.Status == model.EventReceived && e.ReceivedAt.Before(olderThan) &&
			(e.ClaimedAt == nil || e.ClaimedAt.Before(olderThan))
	}) {
		ids = append(ids, e.ID)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockEventRepo) ListUnmatched(ctx context.Context, limit int) ([]*model.InboundEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sorted(func(e *model.InboundEvent) bool { return e.Unmatched }), nil
}

func (m *mockEventRepo) ResolveUnmatched(ctx context.Context, id int, sendID int) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.writes++
	e := m.db.events[id]
	e.Unmatched = false
	e.SendID = &sendID
	return nil
}

func (m *mockEventRepo) ListNeedsAttention(ctx context.Context, limit int) ([]*model.InboundEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.sorted(func(e *model.InboundEvent) bool {
		return e.Unmatched || e.Status == model.EventFailed
	}), nil
}

func (m *mockEventRepo) ArchiveProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for id, e := range m.db.events {
		if e.Status == model.EventProcessed && !e.Unmatched && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			m.db.archived[e.ProviderEventID] = true
			delete(m.db.events, id)
			n++
		}
	}
	return n, nil
}

var _ repository.EventRepositoryInterface = (*mockEventRepo)(nil)

// ====================== Collaborators ======================

type limiterFunc func(ctx context.Context) (time.Duration, error)

func (f limiterFunc) Acquire(ctx context.Context) (time.Duration, error) { return f(ctx) }

func openLimiter() Limiter {
	return limiterFunc(func(context.Context) (time.Duration, error) { return 0, nil })
}

// recordingGateway returns Sent with sequential ids unless fail says otherwise.
type recordingGateway struct {
	mu    sync.Mutex
	calls []string
	fail  func(to string) *gateway.Result
}

func (g *recordingGateway) Send(ctx context.Context, from, to, body string) gateway.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, to)
	if g.fail != nil {
		if res := g.fail(to); res != nil {
			return *res
		}
	}
	return gateway.Sent(fmt.Sprintf("msg-%d", len(g.calls)))
}

func (g *recordingGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// clock is a settable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// harness wires the services over memDB the way cmd/server does over Postgres.
type harness struct {
	clock      *clock
	db         *memDB
	campaigns  *mockCampaignRepo
	recipients *mockRecipientRepo
	sends      *mockSendRepo
	counters   *mockCounterRepo
	events     *mockEventRepo
	gw         *recordingGateway
	metrics    *metrics.Metrics
	optOut     *OptOutRegistry
	dispatcher *Dispatcher
	engine     *Engine
}

func newHarness(start time.Time) *harness {
	clk := &clock{t: start}
	db := newMemDB(clk.Now)
	h := &harness{
		clock:      clk,
		db:         db,
		campaigns:  &mockCampaignRepo{db: db},
		recipients: &mockRecipientRepo{db: db},
		sends:      &mockSendRepo{db: db},
		counters:   &mockCounterRepo{db: db},
		events:     &mockEventRepo{db: db},
		gw:         &recordingGateway{},
		metrics:    metrics.Nop(),
	}
	log := zap.NewNop()
	h.optOut = NewOptOutRegistry(h.recipients, h.sends, "US", h.metrics, log)
	h.dispatcher = &Dispatcher{
		Sends:          h.sends,
		Gateway:        h.gw,
		Limiter:        openLimiter(),
		From:           "+12025550100",
		MaxAttempts:    3,
		RetryBase:      time.Minute,
		RetryMax:       time.Hour,
		LimiterBackoff: 5 * time.Second,
		Metrics:        h.metrics,
		Log:            log,
		Now:            clk.Now,
	}
	h.engine = &Engine{
		Campaigns:    h.campaigns,
		Recipients:   h.recipients,
		Sends:        h.sends,
		Counters:     h.counters,
		OptOut:       h.optOut,
		Assigner:     NewVariantAssigner(h.sends),
		Dispatcher:   h.dispatcher,
		Locker:       &repository.PostgresLocker{Repo: h.campaigns, TTL: time.Minute},
		RefreshEvery: 20,
		Metrics:      h.metrics,
		Log:          log,
		Now:          clk.Now,
	}
	return h
}

// addCampaign stores an active campaign.
func (h *harness) addCampaign(name string, dailyCap int, w model.ServiceWindow) *model.Campaign {
	c := &model.Campaign{
		Name:      name,
		Status:    model.CampaignActive,
		TemplateA: "Hi {name}, spring deals are here.",
		TemplateB: "Hello {name}, spring deals are here.",
		DailyCap:  dailyCap,
		Timezone:  "UTC",
		Window:    w,
	}
	if err := h.campaigns.Create(context.Background(), c); err != nil {
		panic(err)
	}
	return c
}

// addRecipient creates a recipient with a valid US number and adds it to
// the campaign.
func (h *harness) addRecipient(campaignID int, n int, first string) *model.Recipient {
	ctx := context.Background()
	rc, err := h.recipients.GetOrCreate(ctx, model.RecipientInput{
		Phone:     fmt.Sprintf("+1202555%04d", n),
		FirstName: first,
	}, "test")
	if err != nil {
		panic(err)
	}
	if campaignID > 0 {
		if _, err := h.recipients.AddToCampaign(ctx, campaignID, rc.ID); err != nil {
			panic(err)
		}
	}
	return rc
}
