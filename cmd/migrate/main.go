// Command migrate manages the Postgres schema, which ships embedded in the
// binary, and optional operator seed data read from a directory:
//
//	migrate --dsn $DSN up
//	migrate --dsn $DSN --seeds ./seeds seed
//	migrate --dsn $DSN status
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"vendorverify.io/internal/migrate"
	"vendorverify.io/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = pflag.String("dsn", os.Getenv("VENDORVERIFY_DATABASE_DSN"), "PostgreSQL DSN")
		seedsPath = pflag.String("seeds", "", "Directory of SQL seed files")
		timeout   = pflag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|seed|status")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or VENDORVERIFY_DATABASE_DSN")
	}
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}
	cmd := pflag.Arg(0)

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	} else if cmd == "seed" {
		log.Fatal("seed requires --seeds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn, 2)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations(), seeds)

	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}
