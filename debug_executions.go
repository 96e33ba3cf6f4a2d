package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jobs/tracker/internal/execution"
	"github.com/jobs/tracker/internal/queue"
	"github.com/jobs/tracker/internal/store"
	"github.com/jobs/tracker/pkg/config"
)

type executionDump struct {
	CompositeKey  string
	CreatedAt     time.Time
	LastHeartbeat time.Time
	TTL           time.Duration
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	dump := flag.Bool("dump", false, "dump every execution")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	conn, cleanup, err := store.ProvideClient(cfg.Redis)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	ctx := context.Background()
	queues, err := queue.All(ctx, conn)
	if err != nil {
		log.Fatal(err)
	}

	for _, q := range queues {
		keys, err := q.StartedJobRegistry().CompositeKeys(ctx)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("queue %s: %d started execution(s)\n", q.Name(), len(keys))
		for _, key := range keys {
			e, err := execution.FromCompositeKey(conn, key)
			if err != nil {
				fmt.Printf("  %s: %v\n", key, err)
				continue
			}
			if err := e.Refresh(ctx); err != nil {
				fmt.Printf("  %s: %v\n", key, err)
				continue
			}
			ttl, _ := e.TTL(ctx)
			if *dump {
				spew.Dump(executionDump{
					CompositeKey:  key,
					CreatedAt:     e.CreatedAt,
					LastHeartbeat: e.LastHeartbeat,
					TTL:           ttl,
				})
				continue
			}
			fmt.Printf("  %s created=%s last_heartbeat=%s ttl=%s\n",
				key, store.FormatTime(e.CreatedAt), store.FormatTime(e.LastHeartbeat), ttl)
		}
	}
}
