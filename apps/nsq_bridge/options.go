package main

import (
	"flag"
	"time"

	"github.com/nsqio/go-nsqcore/internal/app"
)

type Options struct {
	LogLevel string `flag:"log-level"`

	Topic            string `flag:"topic"`
	Channel          string `flag:"channel"`
	DestinationTopic string `flag:"destination-topic"`

	NSQDTCPAddrs     []string `flag:"nsqd-tcp-address" cfg:"nsqd_tcp_addresses"`
	LookupdHTTPAddrs []string `flag:"lookupd-http-address" cfg:"lookupd_http_addresses"`
	DestNSQDTCPAddrs []string `flag:"destination-nsqd-tcp-address" cfg:"destination_nsqd_tcp_addresses"`

	MaxInFlight         int           `flag:"max-in-flight"`
	Mode                string        `flag:"mode"`
	StatusEvery         int           `flag:"status-every"`
	RequeueDelay        time.Duration `flag:"requeue-delay"`
	LookupdPollInterval time.Duration `flag:"lookupd-poll-interval"`
}

func NewOptions() *Options {
	return &Options{
		LogLevel:            "info",
		Channel:             "nsq_bridge",
		MaxInFlight:         200,
		Mode:                "round-robin",
		StatusEvery:         250,
		RequeueDelay:        15 * time.Second,
		LookupdPollInterval: 60 * time.Second,
	}
}

func bridgeFlagSet(opts *Options) *flag.FlagSet {
	flagSet := flag.NewFlagSet("nsq_bridge", flag.ExitOnError)

	flagSet.String("config", "", "path to config file")
	flagSet.Bool("version", false, "print version string")
	flagSet.String("log-level", opts.LogLevel, "set log verbosity: debug, info, warn, error, or fatal")

	flagSet.String("topic", opts.Topic, "nsq topic to consume")
	flagSet.String("channel", opts.Channel, "nsq channel")
	flagSet.String("destination-topic", opts.DestinationTopic, "destination nsq topic")

	nsqdTCPAddrs := app.StringArray{}
	flagSet.Var(&nsqdTCPAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
	lookupdHTTPAddrs := app.StringArray{}
	flagSet.Var(&lookupdHTTPAddrs, "lookupd-http-address", "lookupd HTTP address (may be given multiple times)")
	destNsqdTCPAddrs := app.StringArray{}
	flagSet.Var(&destNsqdTCPAddrs, "destination-nsqd-tcp-address", "destination nsqd TCP address (may be given multiple times)")

	flagSet.Int("max-in-flight", opts.MaxInFlight, "max number of messages to allow in flight")
	flagSet.String("mode", opts.Mode, "the destination selection mode: round-robin or hostpool")
	flagSet.Int("status-every", opts.StatusEvery, "the # of requests between logging aggregate status, 0 disables")
	flagSet.Duration("requeue-delay", opts.RequeueDelay, "requeue delay on failed publishes")
	flagSet.Duration("lookupd-poll-interval", opts.LookupdPollInterval, "duration between polling lookupd for producers")

	return flagSet
}
