// Command postconfirmctl bundles the maintenance operations of the
// postconfirm database: purging stale stash entries, loading the offline
// sender and challenge lists, and dumping confirmed addresses.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	postconfirm "github.com/ietf-tools/postconfirm"
	"github.com/ietf-tools/postconfirm/config"
	"github.com/ietf-tools/postconfirm/repo/sqlstore"
)

func main() {
	app := &cli.App{
		Name:  "postconfirmctl",
		Usage: "maintain the postconfirm database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "read the configuration from `FILE`",
				Value: "/etc/postconfirm/postconfirm.toml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "purge-stash",
				Usage: "delete stash entries past their TTL and expire senders with nothing left to release",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "ttl-days",
						Usage: "override the configured retention in `DAYS`",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "report what would be removed without changing anything",
					},
				},
				Action: purgeStash,
			},
			{
				Name:  "load-static",
				Usage: "replace the static sender and challenge lists from plain text files",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "accept", Usage: "`FILE` of addresses to always accept"},
					&cli.StringSliceFlag{Name: "reject", Usage: "`FILE` of addresses to always reject"},
					&cli.StringSliceFlag{Name: "discard", Usage: "`FILE` of addresses to always discard"},
					&cli.StringSliceFlag{Name: "accept-patterns", Usage: "`FILE` of patterns to always accept"},
					&cli.StringSliceFlag{Name: "reject-patterns", Usage: "`FILE` of patterns to always reject"},
					&cli.StringSliceFlag{Name: "discard-patterns", Usage: "`FILE` of patterns to always discard"},
					&cli.StringSliceFlag{Name: "challenge", Usage: "`FILE` of recipient addresses requiring confirmed senders"},
					&cli.StringSliceFlag{Name: "ignore", Usage: "`FILE` of recipient addresses exempt from confirmation"},
					&cli.StringSliceFlag{Name: "challenge-patterns", Usage: "`FILE` of recipient patterns requiring confirmed senders"},
					&cli.StringSliceFlag{Name: "ignore-patterns", Usage: "`FILE` of recipient patterns exempt from confirmation"},
				},
				Action: loadStatic,
			},
			{
				Name:   "dump-confirmed",
				Usage:  "write all confirmed sender addresses to stdout",
				Action: dumpConfirmed,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openStore(c *cli.Context) (*sqlstore.Store, config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cfg, err
	}
	store, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN())
	if err != nil {
		return nil, cfg, fmt.Errorf("opening database: %w", err)
	}
	return store, cfg, nil
}

func purgeStash(c *cli.Context) error {
	store, cfg, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	ttl := cfg.Purge.TTL()
	if days := c.Int("ttl-days"); days != 0 {
		ttl = time.Duration(days) * 24 * time.Hour
	}

	purged, expired, err := store.PurgeStash(context.Background(), ttl, c.Bool("dry-run"))
	if err != nil {
		return err
	}
	if c.Bool("dry-run") {
		fmt.Printf("would purge %d stash entries and expire %d senders\n", purged, expired)
	} else {
		fmt.Printf("purged %d stash entries, expired %d senders\n", purged, expired)
	}
	return nil
}

// readList returns the non-empty, non-comment lines of a file.
func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func loadStatic(c *cli.Context) error {
	store, _, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	senderFlags := []struct {
		flag       string
		action     postconfirm.Action
		recordType string
	}{
		{"accept", postconfirm.Accept, "E"},
		{"reject", postconfirm.Reject, "E"},
		{"discard", postconfirm.Discard, "E"},
		{"accept-patterns", postconfirm.Accept, "P"},
		{"reject-patterns", postconfirm.Reject, "P"},
		{"discard-patterns", postconfirm.Discard, "P"},
	}

	var records []sqlstore.StaticRecord
	for _, sf := range senderFlags {
		for _, path := range c.StringSlice(sf.flag) {
			lines, err := readList(path)
			if err != nil {
				return err
			}
			for _, line := range lines {
				if sf.recordType == "P" {
					if _, err := postconfirm.NewPattern(line, sf.action, nil); err != nil {
						log.Printf("warning: %s: skipping pattern %q: %v", path, line, err)
						continue
					}
				}
				records = append(records, sqlstore.StaticRecord{
					Sender:     line,
					Action:     sf.action,
					RecordType: sf.recordType,
					Source:     path,
				})
			}
		}
	}

	ctx := context.Background()
	if err := store.LoadStatic(ctx, records); err != nil {
		return err
	}
	fmt.Printf("loaded %d static sender records\n", len(records))

	challengeFlags := []struct {
		flag       string
		action     postconfirm.ChallengeAction
		recordType string
	}{
		{"challenge", postconfirm.ChallengeRequired, "E"},
		{"ignore", postconfirm.ChallengeIgnore, "E"},
		{"challenge-patterns", postconfirm.ChallengeRequired, "P"},
		{"ignore-patterns", postconfirm.ChallengeIgnore, "P"},
	}

	rules := 0
	for _, cf := range challengeFlags {
		for _, path := range c.StringSlice(cf.flag) {
			lines, err := readList(path)
			if err != nil {
				return err
			}
			for _, line := range lines {
				if cf.recordType == "P" {
					if _, err := postconfirm.NewChallengePattern(line, cf.action); err != nil {
						log.Printf("warning: %s: skipping pattern %q: %v", path, line, err)
						continue
					}
				}
				if err := store.SetChallengeRule(ctx, line, cf.action, cf.recordType); err != nil {
					return err
				}
				rules++
			}
		}
	}
	if rules > 0 {
		fmt.Printf("loaded %d challenge rules\n", rules)
	}
	return nil
}

func dumpConfirmed(c *cli.Context) error {
	store, _, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.DumpConfirmed(context.Background(), func(sender string) error {
		_, err := fmt.Println(sender)
		return err
	})
}
