package main

// issue_token prints a bearer token for the API's write routes, signed with
// API_AUTH_SECRET.
//
// Usage:
//
//	go run ./scripts/issue_token -operator alice -ttl 1h

import (
	"flag"
	"fmt"
	"os"
	"time"

	"grid-core/internal/api"
	"grid-core/pkg/config"
)

func main() {
	operator := flag.String("operator", "operator", "name recorded on shutdown requests")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.APIAuthSecret == "" {
		fmt.Fprintln(os.Stderr, "API_AUTH_SECRET is not set")
		os.Exit(1)
	}
	token, err := api.IssueToken(cfg.APIAuthSecret, *operator, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
