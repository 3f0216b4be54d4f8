//cmd/seeder/main.go
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-messaging/internal/db"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

// Seeds the Spring25 demo: three recipients, one of them opted out, and a
// daily cap of two.
func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, dsn, logger)
	if err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		logger.Fatal("failed to migrate", zap.Error(err))
	}

	campaigns := &repository.CampaignRepository{DB: conn}
	recipients := &repository.RecipientRepository{DB: conn}
	sends := &repository.SendRepository{DB: conn}

	svc := &service.CampaignService{
		CampaignRepo:  campaigns,
		RecipientRepo: recipients,
		SendRepo:      sends,
		Region:        "US",
		Log:           logger,
	}
	optOut := service.NewOptOutRegistry(recipients, sends, "US", metrics.Nop(), logger)

	window := model.ServiceWindow{
		Start:            model.NewClockTime(9, 0),
		End:              model.NewClockTime(18, 0),
		ExcludedWeekdays: []time.Weekday{time.Saturday, time.Sunday},
	}
	campaign, err := svc.CreateCampaign(ctx, service.CreateCampaignInput{
		Name:      "Spring25",
		Channel:   "sms",
		TemplateA: "Hi {first_name}, our spring collection just landed. Visit us near {address}!",
		TemplateB: "Hello {name}, spring deals are live this week only.",
		DailyCap:  2,
		Timezone:  "America/New_York",
		Window:    &window,
	})
	if err != nil {
		logger.Fatal("failed to create campaign", zap.Error(err))
	}

	res, err := svc.AddRecipients(ctx, campaign.ID, []model.RecipientInput{
		{Phone: "+12025550101", FirstName: "Alice", LastName: "Smith", Address: "12 Elm St"},
		{Phone: "+12025550102", FirstName: "Bob", LastName: "Jones"},
		{Phone: "+12025550103", FirstName: "Carol", Address: "9 Oak Ave"},
	}, "seed")
	if err != nil {
		logger.Fatal("failed to add recipients", zap.Error(err))
	}

	if _, err := optOut.Register(ctx, "+12025550102", service.OptOutSourceOperator, time.Now()); err != nil {
		logger.Fatal("failed to opt out Bob", zap.Error(err))
	}

	if _, err := svc.Activate(ctx, campaign.ID); err != nil {
		logger.Fatal("failed to activate campaign", zap.Error(err))
	}

	logger.Info("database seeding completed",
		zap.Int("campaign_id", campaign.ID),
		zap.Int("recipients", res.Added))
}
