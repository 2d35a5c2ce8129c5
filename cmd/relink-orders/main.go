package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/matcher"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/recon"
)

// Operator tool to re-run auto-linking and reconciliation outside the
// scheduled pass: after a fee config import, after clearing bad links, or to
// drain a large unlinked backlog in bigger batches than the cron pass uses.
func main() {
	batchSize := flag.Int("batch-size", 2000, "Max unlinked settlement lines per pass")
	passes := flag.Int("passes", 1, "Number of consecutive passes to run")
	channel := flag.String("recompute-channel", "", "Also recompute every linked order of this channel")
	clearExternalID := flag.String("clear-link", "", "Clear the link for this payment external id before matching")
	clearChannel := flag.String("clear-channel", "", "Channel of --clear-link")
	resetCursor := flag.String("reset-cursor", "", "Reset the sync cursor for stream/channel (e.g. orders/shopmall) so the next run starts over")
	dryRun := flag.Bool("dry-run", false, "Print unlinked count only (no writes)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()
	ctx := context.Background()

	if *dryRun {
		unlinked, err := models.ListUnlinkedPayments(ctx, db, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "listing unlinked payments:", err)
			os.Exit(1)
		}
		fmt.Printf("unlinked settlement lines: %d\n", len(unlinked))
		return
	}

	if strings.TrimSpace(*resetCursor) != "" {
		stream, channel, ok := strings.Cut(strings.TrimSpace(*resetCursor), "/")
		if !ok || stream == "" || channel == "" {
			fmt.Fprintln(os.Stderr, "--reset-cursor expects stream/channel")
			os.Exit(1)
		}
		if err := models.ResetSyncCursor(ctx, db, stream, channel); err != nil {
			fmt.Fprintln(os.Stderr, "resetting cursor:", err)
			os.Exit(1)
		}
		fmt.Printf("reset cursor for %s/%s\n", stream, channel)
	}

	if strings.TrimSpace(*clearExternalID) != "" {
		if strings.TrimSpace(*clearChannel) == "" {
			fmt.Fprintln(os.Stderr, "--clear-channel is required with --clear-link")
			os.Exit(1)
		}
		if err := models.ClearOrderLink(ctx, db, strings.TrimSpace(*clearExternalID), strings.TrimSpace(*clearChannel)); err != nil {
			fmt.Fprintln(os.Stderr, "clearing link:", err)
			os.Exit(1)
		}
		fmt.Printf("cleared link for %s/%s\n", *clearChannel, *clearExternalID)
	}

	for i := 1; i <= *passes; i++ {
		stats, err := matcher.RunLinkingPass(ctx, db, logger, *batchSize)
		if err != nil {
			fmt.Fprintln(os.Stderr, "linking pass:", err)
			os.Exit(1)
		}
		fmt.Printf("pass %d: scanned=%d linked=%d derived=%d ambiguous=%d unresolved=%d skipped=%d\n",
			i, stats.Scanned, stats.Linked, stats.Derived, stats.Ambiguous, stats.Unresolved, stats.Skipped)
		if stats.Scanned == 0 {
			break
		}
	}

	if strings.TrimSpace(*channel) != "" {
		recon.InvalidateFeeConfigCache(*channel)
		n, err := recon.RecomputeChannel(ctx, db, logger, strings.TrimSpace(*channel))
		if err != nil {
			fmt.Fprintln(os.Stderr, "recomputing channel:", err)
			os.Exit(1)
		}
		fmt.Printf("recomputed %d orders on channel %s\n", n, *channel)
	}
}
