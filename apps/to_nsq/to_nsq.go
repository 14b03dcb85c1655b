// This is an NSQ client that publishes incoming messages from
// stdin to the specified topic.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	nsq "github.com/nsqio/go-nsqcore"
	"github.com/nsqio/go-nsqcore/internal/app"
	"github.com/nsqio/go-nsqcore/internal/version"
)

var (
	showVersion = flag.Bool("version", false, "print version string")

	topic     = flag.String("topic", "", "NSQ topic to publish to")
	delimiter = flag.String("delimiter", "\n", "character to split input from stdin")

	destNsqdTCPAddrs = app.StringArray{}
)

func init() {
	flag.Var(&destNsqdTCPAddrs, "nsqd-tcp-address", "destination nsqd TCP address (may be given multiple times)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("to_nsq"))
		return
	}

	if len(*topic) == 0 {
		log.Fatal("--topic required")
	}

	if len(*delimiter) != 1 {
		log.Fatal("--delimiter must be a single byte")
	}

	if len(destNsqdTCPAddrs) == 0 {
		log.Fatal("--nsqd-tcp-address required")
	}

	cfg := nsq.NewConfig()
	cfg.UserAgent = fmt.Sprintf("to_nsq/%s go-nsqcore/%s", version.Binary, nsq.VERSION)

	writer, err := nsq.NewWriter(destNsqdTCPAddrs, cfg)
	if err != nil {
		log.Fatalf("failed to create writer - %s", err)
	}
	defer writer.Stop()

	if err := writer.Ping(); err != nil {
		log.Fatalf("failed to connect - %s", err)
	}

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	lineChan := make(chan []byte)
	errChan := make(chan error, 1)
	go func() {
		r := bufio.NewReader(os.Stdin)
		delim := (*delimiter)[0]
		for {
			line, err := r.ReadBytes(delim)
			if len(line) > 0 && line[len(line)-1] == delim {
				line = line[:len(line)-1]
			}
			if len(line) > 0 {
				lineChan <- line
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	for {
		select {
		case line := <-lineChan:
			err := writer.Publish(*topic, line)
			if err != nil {
				log.Fatalf("failed to publish - %s", err)
			}
		case err := <-errChan:
			if err != io.EOF {
				log.Fatalf("failed reading stdin - %s", err)
			}
			return
		case <-termChan:
			return
		}
	}
}
