// Command admin manages buildq queue state between runs: rebuilds a queue
// from retained failure logs, shows progress without touching anything, and
// clears state after an explicit confirmation.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"

	"buildq/app/queue"
	"buildq/app/requeue"
)

var opts struct {
	Create   bool   `short:"c" long:"create" description:"rebuild the queue from failure logs (default action)"`
	Status   bool   `short:"s" long:"status" description:"show queue and progress counts, read-only"`
	Clear    bool   `long:"clear" description:"backup and reset queue and progress files"`
	StateDir string `long:"state" env:"BUILDQ_STATE" default:"." description:"directory with queue and progress files"`
	LogDir   string `long:"logs" env:"BUILDQ_LOGS" default:"logs" description:"directory with per-job logs"`
	Dbg      bool   `long:"dbg" env:"BUILDQ_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs(opts.Dbg)

	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func run(stdin io.Reader, stdout io.Writer) error {
	store := queue.NewStore(opts.StateDir)

	switch {
	case opts.Status:
		return showStatus(store, stdout)
	case opts.Clear:
		return clearState(store, stdin, stdout)
	default: // create is the default action
		return createQueue(store, stdout)
	}
}

// createQueue rebuilds the queue from failure logs in the log directory
func createQueue(store *queue.Store, stdout io.Writer) error {
	extractor := requeue.Extractor{LogDir: opts.LogDir, Store: store}
	stats, err := extractor.Rebuild()
	if err != nil {
		return fmt.Errorf("can't rebuild queue from %s: %w", opts.LogDir, err)
	}

	for _, backup := range stats.Backups {
		fmt.Fprintf(stdout, "backed up %s\n", backup)
	}
	fmt.Fprintf(stdout, "queued %d job(s), skipped %d unrecoverable log(s)\n", stats.Valid, stats.Invalid)
	for _, job := range stats.Preview {
		fmt.Fprintf(stdout, "  %s -> %s\n", job.Identity, job.Target)
	}
	if stats.Valid > len(stats.Preview) {
		fmt.Fprintf(stdout, "  ... and %d more\n", stats.Valid-len(stats.Preview))
	}
	return nil
}

// showStatus prints remaining and completed counts with short previews,
// reading files only
func showStatus(store *queue.Store, stdout io.Writer) error {
	pending, err := store.Pending()
	if err != nil {
		return fmt.Errorf("can't read queue: %w", err)
	}
	ledger := queue.NewLedger(store.LedgerFile)
	records := ledger.Records()

	fmt.Fprintf(stdout, "remaining: %d, completed: %d (success: %d, failed: %d)\n",
		len(pending), len(records), ledger.SuccessCount(), ledger.FailedCount())

	if len(pending) > 0 {
		fmt.Fprintf(stdout, "next up:\n")
		for i, job := range pending {
			if i >= previewLimit {
				fmt.Fprintf(stdout, "  ... and %d more\n", len(pending)-previewLimit)
				break
			}
			fmt.Fprintf(stdout, "  %s -> %s\n", job.Identity, job.Target)
		}
	}

	if len(records) > 0 {
		fmt.Fprintf(stdout, "recently completed:\n")
		tail := records
		if len(tail) > previewLimit {
			tail = tail[len(tail)-previewLimit:]
		}
		for _, rec := range tail {
			fmt.Fprintf(stdout, "  %s %s %s\n", rec.TS.Format("2006-01-02 15:04:05"), rec.Job.Identity, rec.Outcome)
		}
	}
	return nil
}

const previewLimit = 10

// clearState backs up and truncates queue and progress files after an
// explicit interactive confirmation
func clearState(store *queue.Store, stdin io.Reader, stdout io.Writer) error {
	fmt.Fprintf(stdout, "this will reset the queue and progress files in %s (backups kept), proceed? [y/N] ", opts.StateDir)

	answer, _ := bufio.NewReader(stdin).ReadString('\n')
	if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
		fmt.Fprintf(stdout, "aborted\n")
		return nil
	}

	backups, err := store.Clear(true)
	if err != nil {
		return fmt.Errorf("can't clear state: %w", err)
	}
	for _, backup := range backups {
		fmt.Fprintf(stdout, "backed up %s\n", backup)
	}
	fmt.Fprintf(stdout, "queue and progress cleared\n")
	return nil
}

func setupLogs(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return
	}
	log.Setup(log.Msec)
}
