package service_test

import (
	"context"
	"testing"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

// Mock Campaign Repository for pagination. Methods the test does not need
// fall through to the nil embedded interface.
type MockCampaignPaginationRepo struct {
	repository.CampaignRepositoryInterface
	lastLimit int
}

func (m *MockCampaignPaginationRepo) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	m.lastLimit = limit
	all := []*model.Campaign{
		{ID: 5, Name: "C5"},
		{ID: 4, Name: "C4"},
		{ID: 3, Name: "C3"},
		{ID: 2, Name: "C2"},
		{ID: 1, Name: "C1"},
	}

	start := offset
	end := offset + limit

	if start >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	if end > len(all) {
		end = len(all)
	}

	return all[start:end], len(all), nil
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	svc := &service.CampaignService{
		CampaignRepo: &MockCampaignPaginationRepo{},
	}

	pageSize := 2

	page1, pagination1, _ := svc.ListCampaigns(ctx, 1, pageSize, "", "")
	page2, _, _ := svc.ListCampaigns(ctx, 2, pageSize, "", "")

	expectedTotal := 5
	if pagination1["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination1["total_count"])
	}
	if pagination1["total_pages"] != 3 {
		t.Errorf("expected 3 total pages, got %d", pagination1["total_pages"])
	}

	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected full pages, got %d and %d", len(page1), len(page2))
	}

	// Check descending order
	if page1[0].ID <= page1[1].ID {
		t.Errorf("expected descending order in page 1")
	}
	if page2[0].ID <= page2[1].ID {
		t.Errorf("expected descending order in page 2")
	}

	// Check no duplicates between pages
	if page1[1].ID == page2[0].ID {
		t.Errorf("duplicate entry between pages: %v", page1[1].ID)
	}

	page3, pagination3, _ := svc.ListCampaigns(ctx, 3, pageSize, "", "")
	if len(page3) != 1 {
		t.Errorf("expected last page to have 1 item, got %d", len(page3))
	}

	if pagination3["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination3["total_count"])
	}
}

func TestPaginationClampsPageSize(t *testing.T) {
	repo := &MockCampaignPaginationRepo{}
	svc := &service.CampaignService{CampaignRepo: repo}

	_, pagination, _ := svc.ListCampaigns(context.Background(), 0, 1000, "", "")
	if repo.lastLimit != 100 {
		t.Errorf("expected limit clamped to 100, got %d", repo.lastLimit)
	}
	if pagination["page"] != 1 {
		t.Errorf("expected page 1, got %d", pagination["page"])
	}

	_, pagination, _ = svc.ListCampaigns(context.Background(), 1, 0, "", "")
	if pagination["page_size"] != 20 {
		t.Errorf("expected default page size 20, got %d", pagination["page_size"])
	}
}
