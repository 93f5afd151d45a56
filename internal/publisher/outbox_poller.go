package publisher

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	r "github.com/gocart/checkout/internal/repository"
)

// SessionResumer re-drives a non-terminal session to a terminal state.
// Implemented by the checkout service.
type SessionResumer interface {
	ResumeSession(ctx context.Context, session *r.CheckoutSession) error
}

// MessageWriter is the kafka surface the poller needs; *kafka.Writer
// satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OutboxPoller does two jobs on independent tickers: it publishes
// completed-checkout events from the outbox (at-least-once), and it sweeps
// stuck sessions — sagas that crashed mid-flight or whose compensation
// keeps failing — back through the orchestrator.
type OutboxPoller struct {
	eventTick    time.Duration
	recoveryTick time.Duration
	stuckAfter   time.Duration
	repo         r.RepoInterface
	resumer      SessionResumer
	writer       MessageWriter
}

func NewOutboxPoller(repo r.RepoInterface, resumer SessionResumer, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  "checkout-outbox",
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &OutboxPoller{
		eventTick:    time.Second,
		recoveryTick: 5 * time.Second,
		stuckAfter:   time.Minute,
		repo:         repo,
		resumer:      resumer,
		writer:       w,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, 100)
	if err != nil {
		log.Printf("failed to fetch events %v", err)
		return
	}

	for _, event := range events {
		errPublish := p.publishToKafka(ctx, event)
		if errPublish != nil {
			log.Printf("failed to publish event id = %v with error %v", event.ID, errPublish)
			continue
		}

		errMark := p.repo.MarkEventAsProcessed(ctx, event.ID)
		if errMark != nil {
			log.Printf("failed to mark event as processed id = %v with error %v", event.ID, errMark)
			continue
		}
	}
}

// recoverStuckSessions finds sessions that have not advanced for a while
// and hands them back to the orchestrator. A session past PAYMENT_COMPLETED
// rolls forward without a second charge; one in COMPENSATING retries its
// refund/release until both succeed.
func (p *OutboxPoller) recoverStuckSessions(ctx context.Context) {
	sessions, err := p.repo.GetStuckSessions(ctx, p.stuckAfter)
	if err != nil {
		log.Printf("failed to get stuck sessions: %v", err)
		return
	}
	for _, session := range sessions {
		log.Printf("recovering stuck session: %v (status %v)", session.ID, session.Status)

		if err := p.resumer.ResumeSession(ctx, session); err != nil {
			log.Printf("failed to recover session %v: %v", session.ID, err)
			continue
		}

		log.Printf("session recovered: %v (status %v)", session.ID, session.Status)
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *r.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // checkout_id for ordering
		Value: event.Payload,             // Already JSON from database
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	return p.writer.WriteMessages(ctx, msg)
}
