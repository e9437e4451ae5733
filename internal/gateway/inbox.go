package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
)

const pushHandleTimeout = 30 * time.Second

// pushInbox turns messages of an NSQ topic into push events. Messages are
// always finished: a push that fails to display is dropped, never requeued.
type pushInbox struct {
	consumer *nsq.Consumer
	dispatch func(ctx context.Context, payload []byte)
}

func newPushInbox(cfg Config, dispatch func(ctx context.Context, payload []byte)) (*pushInbox, error) {
	nc := nsq.NewConfig()
	nc.UserAgent = "tagflow-gateway"
	nc.MaxAttempts = 1

	consumer, err := nsq.NewConsumer(cfg.Push.NSQ.Topic, cfg.Push.NSQ.Channel, nc)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(log.New(os.Stdout, "[nsq] ", log.LstdFlags), nsq.LogLevelInfo)

	in := &pushInbox{consumer: consumer, dispatch: dispatch}
	consumer.AddHandler(in)
	return in, nil
}

func (in *pushInbox) HandleMessage(m *nsq.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), pushHandleTimeout)
	defer cancel()
	in.dispatch(ctx, m.Body)
	return nil
}

func (in *pushInbox) connect(nsqd, lookupd []string) error {
	if len(lookupd) > 0 {
		return in.consumer.ConnectToNSQLookupds(lookupd)
	}
	return in.consumer.ConnectToNSQDs(nsqd)
}

func (in *pushInbox) stop() {
	in.consumer.Stop()
	<-in.consumer.StopChan
}
