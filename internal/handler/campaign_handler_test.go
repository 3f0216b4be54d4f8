package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/handler"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

type mockCampaignRepo struct {
	repository.CampaignRepositoryInterface
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	if id != 1 {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &model.Campaign{ID: 1, Name: "Spring25", Status: model.CampaignActive, DailyCap: 2, Timezone: "Africa/Nairobi"}, nil
}

type mockSendRepo struct {
	repository.SendRepositoryInterface
	cancelled int64
}

func (m *mockSendRepo) StatsByVariant(ctx context.Context, campaignID int) ([]model.VariantStatusCount, error) {
	return []model.VariantStatusCount{
		{Variant: model.VariantA, Status: model.SendSent, Count: 3, Responded: 1},
		{Variant: model.VariantA, Status: model.SendDelivered, Count: 1},
		{Variant: model.VariantA, Status: model.SendSkippedOptOut, Count: 1},
		{Variant: model.VariantB, Status: model.SendQueued, Count: 2},
	}, nil
}

func (m *mockSendRepo) CancelQueuedForRecipient(ctx context.Context, recipientID int) (int64, error) {
	return m.cancelled, nil
}

type mockCounterRepo struct {
	repository.CounterRepositoryInterface
	days map[string]int
}

func (m *mockCounterRepo) Get(ctx context.Context, campaignID int, day string) (int, error) {
	return m.days[day], nil
}

type mockRecipientRepo struct {
	repository.RecipientRepositoryInterface
	optedOut map[int]bool
}

func (m *mockRecipientRepo) GetOrCreate(ctx context.Context, in model.RecipientInput, source string) (*model.Recipient, error) {
	return &model.Recipient{ID: 5, Phone: in.Phone}, nil
}

func (m *mockRecipientRepo) MarkOptedOut(ctx context.Context, id int, source string, at time.Time) (bool, error) {
	if m.optedOut[id] {
		return false, nil
	}
	m.optedOut[id] = true
	return true, nil
}

func newCampaignRouter(now time.Time) http.Handler {
	sends := &mockSendRepo{}
	recipients := &mockRecipientRepo{optedOut: map[int]bool{}}
	h := &handler.CampaignHandler{
		Service: &service.CampaignService{CampaignRepo: &mockCampaignRepo{}},
		Analytics: &service.AnalyticsService{
			Campaigns: &mockCampaignRepo{},
			Sends:     sends,
			// 23:30 UTC on the 17th is already the 18th in Nairobi.
			Counters: &mockCounterRepo{days: map[string]int{"2025-03-18": 2, "2025-03-17": 9}},
			Now:      func() time.Time { return now },
		},
		OptOut: service.NewOptOutRegistry(recipients, sends, "US", metrics.Nop(), zap.NewNop()),
		Log:    zap.NewNop(),
		Now:    func() time.Time { return now },
	}
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestGetCampaignAnalyticsHandler(t *testing.T) {
	router := newCampaignRouter(time.Date(2025, 3, 17, 23, 30, 0, 0, time.UTC))

	req := httptest.NewRequest("GET", "/campaigns/1/analytics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res model.CampaignAnalytics
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))

	assert.Equal(t, 2, res.SentToday)
	require.Len(t, res.Variants, 2)
	a := res.Variants[0]
	assert.Equal(t, model.VariantA, a.Variant)
	assert.Equal(t, 5, a.Total)
	assert.Equal(t, 3, a.Sent)
	assert.Equal(t, 1, a.Delivered)
	assert.Equal(t, 1, a.SkippedOptOut)
	assert.InDelta(t, 0.25, a.ResponseRate, 1e-9)
	b := res.Variants[1]
	assert.Equal(t, 2, b.Queued)
	assert.Zero(t, b.ResponseRate)
}

func TestGetCampaignAnalyticsHandler_NotFound(t *testing.T) {
	router := newCampaignRouter(time.Now())

	for path, status := range map[string]int{
		"/campaigns/2/analytics": http.StatusNotFound,
		"/campaigns/x/analytics": http.StatusBadRequest,
	} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, path)
	}
}

func TestRegisterOptOutHandler(t *testing.T) {
	router := newCampaignRouter(time.Now())

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/opt-outs", strings.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	var res struct {
		Registered bool `json:"registered"`
	}
	w := post(`{"phone":"202-555-0101"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Registered)

	w = post(`{"phone":"202-555-0101"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.False(t, res.Registered)

	w = post(`{"phone":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = post(`{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
