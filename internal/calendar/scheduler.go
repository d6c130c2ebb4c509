package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/storage/models"
)

const defaultConnectionPollMinutes = 15

// Scheduler manages periodic sync jobs: one per active subscription at its
// own refresh interval, one shared poll over sync-enabled connections, and a
// refresh job that picks up subscription changes.
type Scheduler struct {
	cron          *cron.Cron
	syncService   *SyncService
	subscriptions *storage.SubscriptionRepository
	connections   *storage.ConnectionRepository

	jobs   map[string]cron.EntryID
	jobsMu sync.RWMutex

	connectionPoll time.Duration
}

// NewScheduler creates the sync scheduler. connectionPollMin controls how
// often provider connections are polled; zero or negative selects the
// default.
func NewScheduler(
	syncService *SyncService,
	subscriptions *storage.SubscriptionRepository,
	connections *storage.ConnectionRepository,
	connectionPollMin int,
) *Scheduler {
	if connectionPollMin <= 0 {
		connectionPollMin = defaultConnectionPollMinutes
	}
	return &Scheduler{
		cron:           cron.New(),
		syncService:    syncService,
		subscriptions:  subscriptions,
		connections:    connections,
		jobs:           make(map[string]cron.EntryID),
		connectionPoll: time.Duration(connectionPollMin) * time.Minute,
	}
}

// Start loads the active subscriptions, schedules them, and begins the cron
// loop.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Println("Starting calendar sync scheduler...")

	subs, err := s.subscriptions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active subscriptions: %w", err)
	}
	for _, sub := range subs {
		s.ScheduleSubscription(sub)
	}

	s.cron.AddFunc(fmt.Sprintf("@every %dm", int(s.connectionPoll.Minutes())), func() {
		s.syncConnections(context.Background())
	})

	// Pick up subscriptions added or changed since startup.
	s.cron.AddFunc("@every 5m", func() {
		s.refreshSchedules(context.Background())
	})

	s.cron.Start()
	log.Printf("Calendar scheduler started with %d subscriptions", len(subs))
	return nil
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	log.Println("Stopping calendar sync scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Calendar scheduler stopped")
}

// ScheduleSubscription adds or replaces the sync job for a subscription.
// Inactive subscriptions are unscheduled.
func (s *Scheduler) ScheduleSubscription(sub models.ExternalCalendarSubscription) {
	if !sub.IsActive {
		s.UnscheduleSubscription(sub.ID)
		return
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existingID, exists := s.jobs[sub.ID]; exists {
		s.cron.Remove(existingID)
		delete(s.jobs, sub.ID)
	}

	minutes := sub.RefreshInterval
	if minutes <= 0 {
		minutes = models.DefaultRefreshInterval
	}

	id := sub.ID
	name := sub.Name
	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", minutes), func() {
		s.syncSubscription(id, name)
	})
	if err != nil {
		log.Printf("Failed to schedule subscription %s: %v", sub.ID, err)
		return
	}

	s.jobs[sub.ID] = entryID
	log.Printf("Scheduled subscription %s (%s) every %d minutes", sub.ID, sub.Name, minutes)
}

// UnscheduleSubscription removes a subscription's sync job.
func (s *Scheduler) UnscheduleSubscription(subscriptionID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if entryID, exists := s.jobs[subscriptionID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, subscriptionID)
		log.Printf("Unscheduled subscription %s", subscriptionID)
	}
}

// TriggerSubscriptionSync runs an immediate sync for a subscription in the
// background.
func (s *Scheduler) TriggerSubscriptionSync(subscriptionID string) {
	go func() {
		ctx := context.Background()
		sub, err := s.subscriptions.GetByID(ctx, subscriptionID)
		if err != nil || sub == nil {
			log.Printf("Subscription not found for sync: %s", subscriptionID)
			return
		}
		s.syncSubscription(sub.ID, sub.Name)
	}()
}

func (s *Scheduler) syncSubscription(subscriptionID, name string) {
	ctx := context.Background()
	log.Printf("Syncing subscription: %s (%s)", subscriptionID, name)

	if _, err := s.syncService.SyncSubscription(ctx, subscriptionID); err != nil {
		if errors.Is(err, ErrSyncInFlight) {
			log.Printf("Subscription %s sync already running, skipping", subscriptionID)
			return
		}
		log.Printf("Subscription sync failed for %s: %v", subscriptionID, err)
	}
}

func (s *Scheduler) syncConnections(ctx context.Context) {
	conns, err := s.connections.ListSyncEnabled(ctx)
	if err != nil {
		log.Printf("Failed to list sync-enabled connections: %v", err)
		return
	}
	for _, conn := range conns {
		if !conn.ImportEnabled {
			continue
		}
		if _, err := s.syncService.SyncConnection(ctx, conn.ID); err != nil {
			if errors.Is(err, ErrSyncInFlight) {
				continue
			}
			log.Printf("Connection sync failed for %s: %v", conn.ID, err)
		}
	}
}

// refreshSchedules reconciles cron jobs with the subscription table.
func (s *Scheduler) refreshSchedules(ctx context.Context) {
	subs, err := s.subscriptions.ListActive(ctx)
	if err != nil {
		log.Printf("Failed to refresh subscription schedules: %v", err)
		return
	}

	currentIDs := make(map[string]bool)
	for _, sub := range subs {
		currentIDs[sub.ID] = true
		s.ScheduleSubscription(sub)
	}

	s.jobsMu.Lock()
	for subID := range s.jobs {
		if !currentIDs[subID] {
			s.cron.Remove(s.jobs[subID])
			delete(s.jobs, subID)
			log.Printf("Removed schedule for subscription %s (no longer active)", subID)
		}
	}
	s.jobsMu.Unlock()
}
