// This is an NSQ client that consumes the specified topic/channel
// and writes each message body to stdout.

package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	nsq "github.com/nsqio/go-nsqcore"
	"github.com/nsqio/go-nsqcore/internal/app"
	"github.com/nsqio/go-nsqcore/internal/version"
)

var (
	showVersion = flag.Bool("version", false, "print version string")

	topic         = flag.String("topic", "", "nsq topic")
	channel       = flag.String("channel", "", "nsq channel")
	maxInFlight   = flag.Int("max-in-flight", 200, "max number of messages to allow in flight")
	totalMessages = flag.Int("n", 0, "total messages to show (will wait if starved)")

	nsqdTCPAddrs     = app.StringArray{}
	lookupdHTTPAddrs = app.StringArray{}
)

func init() {
	flag.Var(&nsqdTCPAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
	flag.Var(&lookupdHTTPAddrs, "lookupd-http-address", "lookupd HTTP address (may be given multiple times)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("nsq_tail"))
		return
	}

	if *channel == "" {
		rand.Seed(time.Now().UnixNano())
		*channel = fmt.Sprintf("tail%06d#ephemeral", rand.Int()%999999)
	}

	if *topic == "" {
		log.Fatal("--topic is required")
	}

	if len(nsqdTCPAddrs) == 0 && len(lookupdHTTPAddrs) == 0 {
		log.Fatal("--nsqd-tcp-address or --lookupd-http-address required")
	}
	if len(nsqdTCPAddrs) > 0 && len(lookupdHTTPAddrs) > 0 {
		log.Fatal("use --nsqd-tcp-address or --lookupd-http-address not both")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Don't ask for more messages than we want
	if *totalMessages > 0 && *totalMessages < *maxInFlight {
		*maxInFlight = *totalMessages
	}

	cfg := nsq.NewConfig()
	cfg.UserAgent = fmt.Sprintf("nsq_tail/%s go-nsqcore/%s", version.Binary, nsq.VERSION)
	cfg.MaxInFlight = *maxInFlight

	reader, err := nsq.NewReader(*topic, *channel, cfg)
	if err != nil {
		log.Fatal(err)
	}

	err = reader.ConnectToNSQDs(nsqdTCPAddrs)
	if err != nil {
		log.Fatal(err)
	}
	err = reader.ConnectToNSQLookupds(lookupdHTTPAddrs)
	if err != nil {
		log.Fatal(err)
	}

	shown := 0
	for {
		select {
		case msg, ok := <-reader.Messages():
			if !ok {
				return
			}
			_, err := os.Stdout.Write(msg.Body)
			if err != nil {
				log.Fatalf("ERROR: failed to write to os.Stdout - %s", err)
			}
			_, err = os.Stdout.WriteString("\n")
			if err != nil {
				log.Fatalf("ERROR: failed to write to os.Stdout - %s", err)
			}
			msg.Finish()
			shown++
			if *totalMessages > 0 && shown >= *totalMessages {
				reader.Stop()
				return
			}
		case <-sigChan:
			reader.Stop()
			return
		}
	}
}
