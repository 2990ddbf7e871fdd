package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
)

// Operator tool to inspect a tenant's dead-lettered sync mutations, and
// optionally delete one that should never be replayed (replaying goes
// through the API so the queue manager can reset the retry count).
func main() {
	cachePath := flag.String("cache", "", "Path to the local cache database (defaults to LOCAL_CACHE_PATH)")
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	deleteID := flag.String("delete", "", "Dead letter id to delete (no replay)")
	confirm := flag.String("confirm", "", "Type DELETE to proceed with --delete")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		os.Exit(1)
	}
	if *deleteID != "" && strings.TrimSpace(*confirm) != "DELETE" {
		fmt.Fprintln(os.Stderr, "set --confirm=DELETE to proceed")
		os.Exit(1)
	}

	path := strings.TrimSpace(*cachePath)
	if path == "" {
		path = os.Getenv("LOCAL_CACHE_PATH")
	}
	if path == "" {
		path = "possync.db"
	}

	db, err := config.OpenLocalCacheAt(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open local cache: "+err.Error())
		os.Exit(1)
	}

	ctx := context.Background()
	store := models.NewQueueStore(db, config.GetLogger())

	if *deleteID != "" {
		existed, err := store.DeleteDeadLetter(ctx, *tenantID, *deleteID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "delete dead letter: "+err.Error())
			os.Exit(1)
		}
		if !existed {
			fmt.Fprintln(os.Stderr, "dead letter not found")
			os.Exit(1)
		}
		fmt.Println("deleted", *deleteID)
		return
	}

	recs, err := store.DeadLetters(ctx, *tenantID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load dead letters: "+err.Error())
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("no dead letters for tenant", *tenantID)
		return
	}

	for _, rec := range recs {
		item, err := rec.Item()
		if err != nil {
			fmt.Printf("%s  failed_at=%s  reason=%q  (payload unreadable: %v)\n",
				rec.Id, rec.FailedAt.Format("2006-01-02 15:04:05"), rec.FailureReason, err)
			continue
		}
		fmt.Printf("%s  failed_at=%s  op=%s  collection=%s  doc=%s  retries=%d  reason=%q\n",
			rec.Id, rec.FailedAt.Format("2006-01-02 15:04:05"),
			item.Type, item.Collection, item.DocId, item.RetryCount, rec.FailureReason)
	}
	fmt.Printf("%d dead letter(s)\n", len(recs))
}
