// Command emailer runs the scheduled batch jobs. Each subcommand is one
// cron-style invocation that runs to completion and exits:
//
//	emailer dispatch            send the next eligible mail item
//	emailer stats               roll trackers up into monthly stats
//	emailer purge-items         delete mail items past their deletion date
//	emailer purge-subscribers   delete membership-less subscribers past the grace period
//	emailer purge-stats         delete monthly stats past the retention window
//	emailer crm-sync            reconcile unsynced subscribers with the CRM
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/bulk-emailer/internal/config"
	"github.com/ignite/bulk-emailer/internal/crmsync"
	"github.com/ignite/bulk-emailer/internal/dispatch"
	"github.com/ignite/bulk-emailer/internal/emailer"
	"github.com/ignite/bulk-emailer/internal/events"
	"github.com/ignite/bulk-emailer/internal/pkg/distlock"
	"github.com/ignite/bulk-emailer/internal/retention"
	"github.com/ignite/bulk-emailer/internal/stats"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var publisher emailer.EventPublisher
	if redisClient != nil {
		publisher = events.NewPublisher(redisClient)
	}
	store := emailer.NewStore(db, publisher)
	store.ItemRetentionDays = cfg.Emailer.ItemRetentionDays

	ctx := context.Background()

	switch os.Args[1] {
	case "dispatch":
		err = runDispatch(ctx, cfg, store, redisClient, db)
	case "stats":
		err = stats.NewAggregator(store, cfg.Emailer.TrackingMonths).Run(ctx)
	case "purge-items":
		err = newSweeper(cfg, store).DeleteExpiredItems(ctx)
	case "purge-subscribers":
		err = newSweeper(cfg, store).DeleteStaleSubscribers(ctx)
	case "purge-stats":
		err = newSweeper(cfg, store).DeleteExpiredStats(ctx)
	case "crm-sync":
		err = runCRMSync(ctx, cfg, store, redisClient)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runDispatch(ctx context.Context, cfg *config.Config, store *emailer.Store, redisClient *redis.Client, db *sql.DB) error {
	sender, err := dispatch.NewSESSender(cfg.Mail.SES.AccessKey, cfg.Mail.SES.SecretKey, cfg.Mail.SES.Region)
	if err != nil {
		return err
	}

	var lock distlock.DistLock
	if cfg.Emailer.UseDispatchLock {
		lock = distlock.NewLock(redisClient, db, "emailer:dispatch", cfg.Emailer.DispatchTimeout())
	}

	job := dispatch.NewJob(store, sender, dispatch.NewRenderer(), lock, dispatch.Options{
		BaseURL:      cfg.Site.BaseURL(),
		TrackingPath: cfg.Emailer.TrackingPath,
		FromName:     cfg.Mail.FromName,
		FromAddress:  cfg.Mail.FromAddress,
		ReplyAddress: cfg.Mail.ReplyAddress,
		SendTimeout:  cfg.Emailer.SendTimeout(),
		JobTimeout:   cfg.Emailer.DispatchTimeout(),
	})

	result, err := job.Run(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		// Nothing eligible; silent success
		return nil
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("item %s: %d of %d sends failed", result.ItemID, len(result.Failed), result.Attempted)
	}
	return nil
}

func runCRMSync(ctx context.Context, cfg *config.Config, store *emailer.Store, redisClient *redis.Client) error {
	if redisClient == nil {
		return fmt.Errorf("crm-sync requires redis.addr (or REDIS_ADDR)")
	}

	var client crmsync.Client = logOnlyClient{}
	if cfg.CRM.BaseURL != "" {
		client = crmsync.NewHTTPClient(cfg.CRM.BaseURL)
	}

	// One bounded drain per invocation; the worker exits when the
	// deadline lapses with the queue empty.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	worker := crmsync.NewWorker(store, events.NewConsumer(redisClient), client)
	if err := worker.Run(ctx); err != nil {
		return err
	}
	return nil
}

// logOnlyClient stands in when no crm.base_url is configured, so the
// sync job still drains the queue and clears the unsynced flags.
type logOnlyClient struct{}

func (logOnlyClient) UpsertMember(ctx context.Context, list *emailer.MailingList, member crmsync.Member) error {
	log.Printf("[CRMSync] would upsert %s on list %q", member.EmailHash, list.Name)
	return nil
}

func (logOnlyClient) Unsubscribe(ctx context.Context, list *emailer.MailingList, emailHash string) error {
	log.Printf("[CRMSync] would unsubscribe %s from list %q", emailHash, list.Name)
	return nil
}

func newSweeper(cfg *config.Config, store *emailer.Store) *retention.Sweeper {
	sweeper := retention.NewSweeper(store)
	sweeper.GraceHours = cfg.Emailer.UnconfirmedGraceHours
	sweeper.StatsMonths = cfg.Emailer.StatsMonths
	return sweeper
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: emailer <dispatch|stats|purge-items|purge-subscribers|purge-stats|crm-sync>")
}
