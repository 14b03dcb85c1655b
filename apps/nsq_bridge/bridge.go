package main

import (
	"fmt"
	"log"
	"time"

	"github.com/bitly/timer_metrics"

	nsq "github.com/nsqio/go-nsqcore"
	"github.com/nsqio/go-nsqcore/internal/lg"
	"github.com/nsqio/go-nsqcore/internal/version"
)

// Bridge consumes a topic/channel and republishes each message body to a
// destination topic on another set of nsqd
type Bridge struct {
	opts   *Options
	reader *nsq.Reader
	writer *nsq.Writer

	aggregateStatus *timer_metrics.TimerMetrics

	doneChan chan struct{}
}

func NewBridge(opts *Options) (*Bridge, error) {
	logLevel, err := lg.ParseLogLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	cfg := nsq.NewConfig()
	cfg.UserAgent = fmt.Sprintf("nsq_bridge/%s go-nsqcore/%s", version.Binary, nsq.VERSION)
	cfg.MaxInFlight = opts.MaxInFlight
	cfg.LookupdPollInterval = opts.LookupdPollInterval
	cfg.LogLevel = logLevel

	reader, err := nsq.NewReader(opts.Topic, opts.Channel, cfg)
	if err != nil {
		return nil, err
	}

	writer, err := nsq.NewWriter(opts.DestNSQDTCPAddrs, cfg)
	if err != nil {
		return nil, err
	}

	switch opts.Mode {
	case "round-robin":
		writer.SetMode(nsq.ModeRoundRobin)
	case "hostpool":
		writer.SetMode(nsq.ModeHostPool)
	default:
		return nil, fmt.Errorf("invalid mode %q", opts.Mode)
	}

	return &Bridge{
		opts:            opts,
		reader:          reader,
		writer:          writer,
		aggregateStatus: timer_metrics.NewTimerMetrics(opts.StatusEvery, "[aggregate]:"),
		doneChan:        make(chan struct{}),
	}, nil
}

func (b *Bridge) Main() error {
	err := b.writer.Ping()
	if err != nil {
		return err
	}

	err = b.reader.ConnectToNSQDs(b.opts.NSQDTCPAddrs)
	if err != nil {
		return err
	}
	err = b.reader.ConnectToNSQLookupds(b.opts.LookupdHTTPAddrs)
	if err != nil {
		return err
	}

	go b.pump()
	return nil
}

func (b *Bridge) pump() {
	defer close(b.doneChan)

	for msg := range b.reader.Messages() {
		startTime := time.Now()

		err := b.writer.Publish(b.opts.DestinationTopic, msg.Body)
		if err != nil {
			log.Printf("ERROR: publish of %s failed - %s", msg.ID, err)
			msg.Requeue(b.opts.RequeueDelay)
			continue
		}

		msg.Finish()
		b.aggregateStatus.Status(startTime)
	}
}

func (b *Bridge) Exit() {
	b.reader.Stop()
	<-b.doneChan
	b.writer.Stop()
}
