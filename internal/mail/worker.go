package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vidyavaradhi/apiserver/internal/logging"
	"github.com/vidyavaradhi/apiserver/internal/metrics"
	"github.com/vidyavaradhi/apiserver/internal/mq"
	"github.com/vidyavaradhi/apiserver/internal/storage"
)

const sendTimeout = 15 * time.Second

// Worker drains the mail channel, sends each message and archives a copy.
type Worker struct {
	queue   *mq.MQ
	channel string
	from    string
	sender  Sender
	archive storage.ObjectStorage
	log     logging.Logger
}

// NewWorker builds a worker. archive may be nil.
func NewWorker(queue *mq.MQ, channel, from string, sender Sender, archive storage.ObjectStorage, log logging.Logger) *Worker {
	return &Worker{
		queue:   queue,
		channel: channel,
		from:    from,
		sender:  sender,
		archive: archive,
		log:     log.With("component", "mailer"),
	}
}

// Run blocks until ctx is cancelled or the broker fails.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info(ctx, "mail worker started", "channel", w.channel)
	err := w.queue.Subscribe(ctx, w.channel, w.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one delivery. Undecodable or unrenderable messages are
// dropped; send failures are retried by the broker.
func (w *Worker) Handle(ctx context.Context, delivery mq.Message) error {
	var msg Message
	if err := json.Unmarshal(delivery.Data, &msg); err != nil {
		w.log.Error(ctx, "dropping undecodable mail", "delivery", delivery.ID, "error", err)
		metrics.RecordMail("unknown", "dropped")
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}

	rendered, err := Render(w.from, msg)
	if err != nil {
		w.log.Error(ctx, "dropping unrenderable mail", "id", msg.ID, "kind", msg.Kind, "error", err)
		metrics.RecordMail(string(msg.Kind), "dropped")
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := w.sender.Send(sendCtx, rendered); err != nil {
		w.log.Warn(ctx, "mail send failed", "id", msg.ID, "kind", msg.Kind, "error", err)
		metrics.RecordMail(string(msg.Kind), "failed")
		return err
	}
	metrics.RecordMail(string(msg.Kind), "sent")

	if w.archive != nil {
		if err := w.store(ctx, msg, rendered); err != nil {
			w.log.Warn(ctx, "mail archive failed", "id", msg.ID, "error", err)
		}
	}
	return nil
}

type archived struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	HTML    string    `json:"html,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// ArchiveKey is where a sent message is stored.
func ArchiveKey(msg Message, sentAt time.Time) string {
	return fmt.Sprintf("mail/%s/%s/%s.json", sentAt.UTC().Format("2006/01/02"), msg.Kind, msg.ID)
}

func (w *Worker) store(ctx context.Context, msg Message, rendered Rendered) error {
	sentAt := time.Now().UTC()
	rec := archived{
		ID:      msg.ID,
		Kind:    msg.Kind,
		From:    rendered.From,
		To:      rendered.To,
		Subject: rendered.Subject,
		SentAt:  sentAt,
	}
	// OTP bodies hold a live code and stay out of the archive.
	if msg.Kind != KindOTP {
		rec.HTML = rendered.HTML
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return storage.PutBytes(ctx, w.archive, ArchiveKey(msg, sentAt), data, "application/json")
}
