package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"datagate/internal/config"
	"datagate/internal/ingest"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Exit codes: 0 success, 1 transient failure, 2 configuration error.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	peek := flag.Int64("peek", 0, "print the N most recent DLQ entries")
	depth := flag.Bool("depth", false, "print the DLQ depth")
	flag.Parse()

	config.LoadDotEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(2)
	}
	if cfg.Redis.URL == "" {
		log.Println("REDIS_URL is not set; no DLQ to inspect")
		os.Exit(2)
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Printf("redis url: %v", err)
		os.Exit(2)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("redis unreachable: %v", err)
		os.Exit(1)
	}

	quiet := logrus.New()
	quiet.SetLevel(logrus.ErrorLevel)
	dlq := ingest.NewDeadLetterQueue(client, cfg.Tuning.DLQMaxLen, quiet.WithField("cmd", "replay"))

	if *depth {
		fmt.Println(dlq.Depth(ctx))
	}
	if *peek > 0 {
		entries, err := dlq.Recent(ctx, *peek)
		if err != nil {
			log.Printf("read dlq: %v", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				log.Printf("encode: %v", err)
				os.Exit(1)
			}
		}
	}
}
