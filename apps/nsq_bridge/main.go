package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/judwhite/go-svc/svc"
	"github.com/mreiferson/go-options"

	"github.com/nsqio/go-nsqcore/internal/version"
)

type program struct {
	once   sync.Once
	bridge *Bridge
}

func main() {
	prg := &program{}
	if err := svc.Run(prg, syscall.SIGINT, syscall.SIGTERM); err != nil {
		log.Fatal(err)
	}
}

func (p *program) Init(env svc.Environment) error {
	if env.IsWindowsService() {
		dir := filepath.Dir(os.Args[0])
		return os.Chdir(dir)
	}
	return nil
}

func (p *program) Start() error {
	opts := NewOptions()

	flagSet := bridgeFlagSet(opts)
	flagSet.Parse(os.Args[1:])

	if flagSet.Lookup("version").Value.(flag.Getter).Get().(bool) {
		fmt.Println(version.String("nsq_bridge"))
		os.Exit(0)
	}

	var cfg map[string]interface{}
	configFile := flagSet.Lookup("config").Value.String()
	if configFile != "" {
		_, err := toml.DecodeFile(configFile, &cfg)
		if err != nil {
			log.Fatalf("failed to load config file %s - %s", configFile, err)
		}
	}

	options.Resolve(opts, flagSet, cfg)

	if opts.Topic == "" || opts.DestinationTopic == "" {
		log.Fatal("--topic and --destination-topic are required")
	}
	if len(opts.DestNSQDTCPAddrs) == 0 {
		log.Fatal("--destination-nsqd-tcp-address required")
	}
	if len(opts.NSQDTCPAddrs) == 0 && len(opts.LookupdHTTPAddrs) == 0 {
		log.Fatal("--nsqd-tcp-address or --lookupd-http-address required")
	}

	bridge, err := NewBridge(opts)
	if err != nil {
		log.Fatal(err)
	}
	p.bridge = bridge

	return bridge.Main()
}

func (p *program) Stop() error {
	p.once.Do(func() {
		p.bridge.Exit()
	})
	return nil
}
