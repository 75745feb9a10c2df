package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/hearthware/homesync/homesync"
)

const HomeSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Home sync control.

Inspects and repairs the local mutation log, and runs a headless replica
for debugging. The default api_url is https://api.hearthware.com and the
default feed_url is wss://feed.hearthware.com/feed.

Usage:
    homesyncctl status --db=<db>
    homesyncctl pending --db=<db>
    homesyncctl conflicts --db=<db>
    homesyncctl resolve --db=<db> (--mine | --theirs | --discard) <conflict_id>
    homesyncctl reset-failed --db=<db> <mutation_id>
    homesyncctl discard-failed --db=<db> <mutation_id>
    homesyncctl login [--api_url=<api_url>] --user_auth=<user_auth>
    homesyncctl client-id --jwt=<jwt>
    homesyncctl watch --db=<db> --jwt=<jwt>
        [--api_url=<api_url>] [--feed_url=<feed_url>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --db=<db>              Path to the local mutation log.
    --api_url=<api_url>
    --feed_url=<feed_url>
    --user_auth=<user_auth>
    --jwt=<jwt>            Your session JWT.
    --mine                 Resolve by re-sending the local write.
    --theirs               Resolve by accepting the server state.
    --discard              Resolve by dropping the local write.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], HomeSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if conflicts_, _ := opts.Bool("conflicts"); conflicts_ {
		conflicts(opts)
	} else if resolve_, _ := opts.Bool("resolve"); resolve_ {
		resolve(opts)
	} else if resetFailed_, _ := opts.Bool("reset-failed"); resetFailed_ {
		resetFailed(opts)
	} else if discardFailed_, _ := opts.Bool("discard-failed"); discardFailed_ {
		discardFailed(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func openStore(opts docopt.Opts) *homesync.SqliteMutationStore {
	path, _ := opts.String("--db")
	store, err := homesync.OpenSqliteMutationStore(path)
	if err != nil {
		Err.Fatalf("Could not open mutation log (%s).", err)
	}
	return store
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "https://api.hearthware.com"
}

func feedUrl(opts docopt.Opts) string {
	if feedUrl_, err := opts.String("--feed_url"); err == nil && feedUrl_ != "" {
		return feedUrl_
	}
	return "wss://feed.hearthware.com/feed"
}

func status(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	counts, err := store.Counts()
	if err != nil {
		Err.Fatalf("Could not read counts (%s).", err)
	}
	records, err := store.ListConflicts()
	if err != nil {
		Err.Fatalf("Could not read conflicts (%s).", err)
	}

	Out.Printf("pending:   %d", counts.Pending+counts.InFlight+counts.Conflicted)
	Out.Printf("failed:    %d", counts.Failed)
	Out.Printf("conflicts: %d", len(records))
}

func pending(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	entityKeys, err := store.PendingEntities()
	if err != nil {
		Err.Fatalf("Could not read pending entities (%s).", err)
	}
	for _, entityKey := range entityKeys {
		head, err := store.PeekNext(entityKey)
		if err != nil || head == nil {
			continue
		}
		Out.Printf(
			"%s %s %s %s base=%d retries=%d",
			head.MutationId,
			head.Status,
			head.Operation,
			entityKey,
			head.BaseVersion,
			head.RetryCount,
		)
	}

	failed, err := store.ListFailed()
	if err != nil {
		Err.Fatalf("Could not read failed mutations (%s).", err)
	}
	for _, mutation := range failed {
		Out.Printf(
			"%s %s %s %s base=%d retries=%d",
			mutation.MutationId,
			mutation.Status,
			mutation.Operation,
			mutation.EntityKey(),
			mutation.BaseVersion,
			mutation.RetryCount,
		)
	}
}

func conflicts(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	records, err := store.ListConflicts()
	if err != nil {
		Err.Fatalf("Could not read conflicts (%s).", err)
	}
	for _, record := range records {
		Out.Printf(
			"%s %s %s local=%v server=%v v%d",
			record.ConflictId,
			record.Outcome,
			record.Mutation.EntityKey(),
			record.Mutation.Payload,
			record.ServerFields,
			record.ServerVersion,
		)
	}
}

// repairs the log directly. the running replica picks the change up on its
// next evaluation
func resolve(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	conflictIdStr, _ := opts.String("<conflict_id>")
	conflictId, err := homesync.ParseId(conflictIdStr)
	if err != nil {
		Err.Fatalf("Invalid conflict_id (%s).", err)
	}

	record, err := store.GetConflict(conflictId)
	if err != nil {
		Err.Fatalf("Unknown conflict (%s).", err)
	}

	mine, _ := opts.Bool("--mine")
	theirs, _ := opts.Bool("--theirs")

	switch {
	case record.Outcome != homesync.ConflictOutcomeNeedsUser:
		// merged records only need dismissal
	case mine:
		err := store.Requeue(
			record.Mutation.MutationId,
			record.Mutation.Payload,
			record.ServerFields,
			record.ServerVersion,
		)
		if err != nil {
			Err.Fatalf("Could not requeue mutation (%s).", err)
		}
		Out.Printf("Requeued %s at base v%d.", record.Mutation.MutationId, record.ServerVersion)
	case theirs:
		if err := store.Remove(record.Mutation.MutationId); err != nil {
			Err.Fatalf("Could not remove mutation (%s).", err)
		}
		Out.Printf("Dropped %s. The server state stands.", record.Mutation.MutationId)
	default:
		if err := store.Remove(record.Mutation.MutationId); err != nil {
			Err.Fatalf("Could not remove mutation (%s).", err)
		}
		Out.Printf("Dropped %s.", record.Mutation.MutationId)
	}

	if err := store.RemoveConflict(conflictId); err != nil {
		Err.Fatalf("Could not remove conflict (%s).", err)
	}
}

func resetFailed(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	mutationIdStr, _ := opts.String("<mutation_id>")
	mutationId, err := homesync.ParseId(mutationIdStr)
	if err != nil {
		Err.Fatalf("Invalid mutation_id (%s).", err)
	}

	mutation, err := store.Get(mutationId)
	if err != nil {
		Err.Fatalf("Could not read mutation (%s).", err)
	}
	if err := store.Mark(mutationId, homesync.MutationStatusPending); err != nil {
		Err.Fatalf("Could not reset mutation (%s).", err)
	}
	// resetting a parked mutation dismisses its conflict record
	if mutation.ConflictId != nil {
		store.RemoveConflict(*mutation.ConflictId)
		store.SetConflictId(mutationId, nil)
	}
	store.SetRetry(mutationId, 0, time.Time{})
	Out.Printf("Reset %s to pending.", mutationId)
}

func discardFailed(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	mutationIdStr, _ := opts.String("<mutation_id>")
	mutationId, err := homesync.ParseId(mutationIdStr)
	if err != nil {
		Err.Fatalf("Invalid mutation_id (%s).", err)
	}

	mutation, err := store.Get(mutationId)
	if err != nil {
		Err.Fatalf("Unknown mutation (%s).", err)
	}
	if mutation.Status != homesync.MutationStatusFailed {
		Err.Fatalf("Mutation is %s, not Failed.", mutation.Status)
	}
	if err := store.Remove(mutationId); err != nil {
		Err.Fatalf("Could not remove mutation (%s).", err)
	}
	Out.Printf("Discarded %s.", mutationId)
}

// login and print the session jwt
func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")

	fmt.Fprintf(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		Err.Fatalf("Could not read password (%s).", err)
	}

	api := homesync.NewHomeApi(apiUrl(opts))
	defer api.Close()

	callback, callbackResults := homesync.NewBlockingApiCallback[*homesync.AuthLoginWithPasswordResult]()
	api.AuthLoginWithPassword(&homesync.AuthLoginWithPasswordArgs{
		UserAuth: userAuth,
		Password: string(passwordBytes),
	}, callback)
	callbackResult := <-callbackResults
	if callbackResult.Error != nil {
		Err.Fatalf("Login failed (%s).", callbackResult.Error)
	}
	result := callbackResult.Result
	if result.Error != nil {
		Err.Fatalf("Login failed (%s).", result.Error.Message)
	}

	Out.Printf("%s", result.Session.ByJwt)
}

// print the identity baked into a session jwt
func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	byJwt, err := homesync.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid JWT (%s).", err)
	}

	Out.Printf("user_id:        %s", byJwt.UserId)
	Out.Printf("household_id:   %s", byJwt.HouseholdId)
	Out.Printf("household_name: %s", byJwt.HouseholdName)
	Out.Printf("device_id:      %s", byJwt.DeviceId)
}

// run a headless replica and print read model changes as they land
func watch(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	store := openStore(opts)
	defer store.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := homesync.NewEngineWithDefaults(
		cancelCtx,
		apiUrl(opts),
		feedUrl(opts),
		jwt,
		store,
	)
	if err != nil {
		Err.Fatalf("Could not start engine (%s).", err)
	}
	defer engine.Close()

	unsubEntries := engine.SubscribeAll(func(entry *homesync.ReadModelEntry) {
		if entry.Deleted {
			Out.Printf("%s/%s v%d deleted", entry.EntityType, entry.EntityId, entry.Version)
		} else {
			Out.Printf("%s/%s v%d %v", entry.EntityType, entry.EntityId, entry.Version, entry.Fields)
		}
	})
	defer unsubEntries()

	unsubConflicts := engine.AddConflictCallback(func(record *homesync.ConflictRecord) {
		Out.Printf(
			"conflict %s %s %s",
			record.ConflictId,
			record.Outcome,
			record.Mutation.EntityKey(),
		)
	})
	defer unsubConflicts()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
