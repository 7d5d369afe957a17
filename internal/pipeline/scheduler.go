package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/queue"
)

// Scheduler polls active campaigns with a cron schedule and enqueues
// trigger jobs for due slots. Job ids encode the campaign and the slot
// time, so overlapping scheduler instances or a tight poll interval
// cannot double-trigger: the queue drops the duplicate enqueue and the
// trigger handler itself rejects a second run.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		logger:   service.logger.With("component", "scheduler"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (sc *Scheduler) Start(ctx context.Context) {
	go sc.loop(ctx)
}

func (sc *Scheduler) Stop() {
	close(sc.stop)
	<-sc.done
}

func (sc *Scheduler) loop(ctx context.Context) {
	defer close(sc.done)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stop:
			return
		case <-ticker.C:
			if err := sc.Tick(ctx, time.Now()); err != nil {
				sc.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick enqueues a trigger job for every scheduled campaign with a due
// cron slot.
func (sc *Scheduler) Tick(ctx context.Context, now time.Time) error {
	campaigns, err := sc.service.campaigns.ListActiveScheduled()
	if err != nil {
		return fmt.Errorf("listing scheduled campaigns: %w", err)
	}

	for i := range campaigns {
		c := &campaigns[i]
		slot, ok := dueSlot(c, now)
		if !ok {
			continue
		}

		job := &queue.Job{
			ID:          fmt.Sprintf("trigger-%s-%d", c.ID, slot.Unix()),
			Queue:       queue.QueueTrigger,
			Payload:     mustJSON(TriggerPayload{CampaignID: c.ID}),
			MaxAttempts: 3,
		}
		if err := sc.service.enqueuer.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueueing trigger for campaign %s: %w", c.ID, err)
		}
		sc.logger.Info("campaign due", "campaign_id", c.ID, "slot", slot)
	}
	return nil
}

// dueSlot returns the most recent schedule slot at or before now that
// the campaign has not been triggered for. Missed slots collapse into
// the latest one; a campaign that was down over three slots sends once,
// not three times.
func dueSlot(c *models.Campaign, now time.Time) (time.Time, bool) {
	sched, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return time.Time{}, false
	}

	base := c.CreatedAt
	if c.LastTriggeredAt != nil {
		base = *c.LastTriggeredAt
	}

	var slot time.Time
	next := sched.Next(base)
	for !next.After(now) {
		slot = next
		next = sched.Next(next)
	}
	return slot, !slot.IsZero()
}
