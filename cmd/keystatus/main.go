// Command keystatus prints the configured credential pool with masked keys,
// optionally probing each key against the API, and can hash an admin token
// for admin.token_hash.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ncecere/gemini_chat_gateway/internal/auth"
	"github.com/ncecere/gemini_chat_gateway/internal/config"
	"github.com/ncecere/gemini_chat_gateway/internal/providers/gemini"
	"github.com/ncecere/gemini_chat_gateway/internal/rotator"
)

func main() {
	configFile := flag.String("config", "", "path to chatd.yaml (defaults to the normal lookup)")
	probe := flag.Bool("probe", false, "check each key against the API")
	hashToken := flag.String("hash-token", "", "print an argon2id hash for the given admin token and exit")
	flag.Parse()

	if *hashToken != "" {
		encoded, err := auth.HashToken(*hashToken)
		if err != nil {
			log.Fatalf("hash token: %v", err)
		}
		fmt.Println(encoded)
		return
	}

	cfg, err := config.Load(config.Options{ConfigFile: *configFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	results := make([]string, len(cfg.Gemini.APIKeys))
	if *probe {
		client, err := gemini.New(gemini.Options{
			BaseURL:    cfg.Gemini.BaseURL,
			APIVersion: cfg.Gemini.APIVersion,
			Timeout:    cfg.Gemini.RequestTimeout,
		})
		if err != nil {
			log.Fatalf("init gemini client: %v", err)
		}
		timeout := cfg.Health.ProbeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		var wg sync.WaitGroup
		for i, key := range cfg.Gemini.APIKeys {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := client.Probe(ctx, key); err != nil {
					results[i] = "error: " + err.Error()
					return
				}
				results[i] = "ok"
			}(i, key)
		}
		wg.Wait()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tKEY\tSTATUS")
	for i, key := range cfg.Gemini.APIKeys {
		status := results[i]
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", i, rotator.Mask(key), status)
	}
	_ = w.Flush()
	fmt.Printf("\n%d keys, default model %s, amnesty interval %s\n",
		len(cfg.Gemini.APIKeys), cfg.Gemini.DefaultModel, cfg.Rotation.AmnestyInterval)
}
