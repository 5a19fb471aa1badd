// Command moderator is the operator tool for content policy and appeals.
//
//	moderator check [-policy file] [-classify] text...
//	moderator appeals list [-status pending]
//	moderator appeals show <id>
//	moderator appeals resolve <id> approved|rejected
//	moderator unban <user-id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/records"
	"github.com/whisper/strangers/internal/store"
)

const usage = `usage:
  moderator check [-policy file] [-classify] text...
  moderator appeals list [-status pending|approved|rejected]
  moderator appeals show <id>
  moderator appeals resolve <id> approved|rejected
  moderator unban <user-id>`

var errUsage = errors.New(usage)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := run(context.Background(), cfg, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatalf("[moderator] %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "check":
		return runCheck(ctx, cfg, args[1:], out)
	case "appeals":
		return runAppeals(ctx, cfg, args[1:], out)
	case "unban":
		if len(args) != 2 {
			return errUsage
		}
		return withRedis(ctx, cfg, func(rdb *redis.Client) error {
			if err := ban.NewStore(rdb).Unban(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(out, "unbanned %s\n", args[1])
			return nil
		})
	}
	return errUsage
}

type checkResult struct {
	Text       string                     `json:"text"`
	Accepted   bool                       `json:"accepted"`
	Reason     string                     `json:"reason,omitempty"`
	Sanitized  string                     `json:"sanitized"`
	Violation  *moderation.Violation      `json:"violation,omitempty"`
	Classifier *moderation.Classification `json:"classifier,omitempty"`
}

func runCheck(_ context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	policyFile := fs.String("policy", cfg.Moderation.PolicyFile, "YAML policy file")
	classify := fs.Bool("classify", false, "also ask the external classifier")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return errUsage
	}

	policy := moderation.DefaultPolicy()
	if *policyFile != "" {
		var err error
		if policy, err = moderation.LoadPolicy(*policyFile); err != nil {
			return err
		}
	}
	filter, err := moderation.NewFilter(policy)
	if err != nil {
		return err
	}

	var adapter *moderation.Adapter
	if *classify {
		if !cfg.Moderation.ClassifierEnabled() {
			return errors.New("-classify needs OPENAI_API_KEY")
		}
		adapter = moderation.NewAdapter(moderation.NewOpenAIClassifier(cfg.Moderation.Classifier), cfg.Moderation.Adapter)
	}

	text := strings.Join(fs.Args(), " ")
	ev := filter.Evaluate(text)
	res := checkResult{
		Text:      text,
		Accepted:  ev.Accepted,
		Reason:    ev.Reason(),
		Sanitized: ev.SanitizedText,
		Violation: ev.Violation,
	}
	if adapter != nil && ev.Accepted {
		v := adapter.Classify(text)
		if v.Err != nil {
			return fmt.Errorf("classifier: %w", v.Err)
		}
		res.Classifier = &v.Classification
	}
	return writeJSON(out, res)
}

func runAppeals(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	return withRecords(ctx, cfg, func(recs *records.Store) error {
		switch args[0] {
		case "list":
			fs := flag.NewFlagSet("list", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			status := fs.String("status", records.AppealPending, "appeal status")
			if err := fs.Parse(args[1:]); err != nil {
				return errUsage
			}
			appeals, err := recs.ListAppeals(ctx, *status)
			if err != nil {
				return err
			}
			return writeJSON(out, appeals)

		case "show":
			if len(args) != 2 {
				return errUsage
			}
			a, err := recs.GetAppeal(ctx, args[1])
			if err != nil {
				return err
			}
			return writeJSON(out, a)

		case "resolve":
			if len(args) != 3 {
				return errUsage
			}
			return resolveAppeal(ctx, cfg, recs, args[1], args[2], out)
		}
		return errUsage
	})
}

// resolveAppeal closes an appeal; an approved appeal also lifts the ban.
func resolveAppeal(ctx context.Context, cfg *config.Config, recs *records.Store, id, status string, out io.Writer) error {
	a, err := recs.GetAppeal(ctx, id)
	if err != nil {
		return err
	}
	if err := recs.ResolveAppeal(ctx, id, status); err != nil {
		return err
	}
	fmt.Fprintf(out, "appeal %s %s\n", id, status)

	if status != records.AppealApproved {
		return nil
	}
	return withRedis(ctx, cfg, func(rdb *redis.Client) error {
		if err := ban.NewStore(rdb).Unban(ctx, a.UserID); err != nil {
			return err
		}
		fmt.Fprintf(out, "unbanned %s\n", a.UserID)
		return nil
	})
}

func withRedis(ctx context.Context, cfg *config.Config, fn func(*redis.Client) error) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	return fn(rdb)
}

func withRecords(ctx context.Context, cfg *config.Config, fn func(*records.Store) error) error {
	db, err := store.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(records.NewStore(db))
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
