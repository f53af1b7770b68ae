package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vidyavaradhi/apiserver/internal/metrics"
	"github.com/vidyavaradhi/apiserver/internal/mq"
)

// Queue publishes messages for the mailer worker.
type Queue struct {
	mq      *mq.MQ
	channel string
}

func NewQueue(q *mq.MQ, channel string) *Queue {
	return &Queue{mq: q, channel: channel}
}

func (q *Queue) Dispatch(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := q.mq.Publish(ctx, q.channel, data, map[string]string{"kind": string(msg.Kind)}); err != nil {
		metrics.RecordMail(string(msg.Kind), "publish_failed")
		return fmt.Errorf("publish mail: %w", err)
	}
	metrics.RecordMail(string(msg.Kind), "queued")
	return nil
}

// Direct renders and sends inline, for deployments without a queue.
type Direct struct {
	from   string
	sender Sender
}

func NewDirect(from string, sender Sender) *Direct {
	return &Direct{from: from, sender: sender}
}

func (d *Direct) Dispatch(ctx context.Context, msg Message) error {
	rendered, err := Render(d.from, msg)
	if err != nil {
		return err
	}
	if err := d.sender.Send(ctx, rendered); err != nil {
		metrics.RecordMail(string(msg.Kind), "failed")
		return err
	}
	metrics.RecordMail(string(msg.Kind), "sent")
	return nil
}
