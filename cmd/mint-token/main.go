// mint-token creates (or finds) an organization and prints a signed
// access token for it. Operators run it once per tenant.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"llm_proxy/internal/auth"
	"llm_proxy/internal/config"
	"llm_proxy/internal/storage"
)

func main() {
	orgName := flag.String("org-name", "", "organization name (created if missing)")
	flag.Parse()

	if *orgName == "" {
		fmt.Fprintln(os.Stderr, "usage: mint-token -org-name <name>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orgs := storage.NewOrganizationRepository(db)
	org, err := orgs.GetOrCreateByName(ctx, *orgName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve organization: %v\n", err)
		os.Exit(1)
	}

	token, expiresAt, err := auth.GenerateOrgToken(org.ID, org.Name, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("organization: %s\n", org.Name)
	fmt.Printf("org_id:       %s\n", org.ID)
	fmt.Printf("expires_at:   %s\n", expiresAt.UTC().Format(time.RFC3339))
	fmt.Printf("token:        %s\n", token)
}
