// Command monocle is an operator CLI over the three subsystems this
// repository implements: the cached RPKI/pfx2as store (internal/store,
// internal/rtr), the MRT search pipeline (internal/mrtsearch), and the
// prefix codec that backs both (internal/prefix).
//
// Argument parsing, TOML config loading, and table rendering are
// explicitly out of scope per spec.md's Non-goals; this is the thinnest
// dispatcher that exercises the packages above, in the teacher's
// pflag-driven style (core/bgpipe.go's addFlags/Configure split). Like
// the teacher, the entrypoint lives at the module root rather than
// under a cmd/ directory.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/bgpkit/monocle/internal/broker"
	"github.com/bgpkit/monocle/internal/config"
	"github.com/bgpkit/monocle/internal/merr"
	"github.com/bgpkit/monocle/internal/mrtsearch"
	"github.com/bgpkit/monocle/internal/prefix"
	"github.com/bgpkit/monocle/internal/rtr"
	"github.com/bgpkit/monocle/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code per spec §6.4: 0 on success, 1 on
// any unrecovered error.
func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	cmd, rest := args[0], args[1:]

	f := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	config.Flags(f)
	if err := f.Parse(rest); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(f, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cmdErr error
	switch cmd {
	case "validate":
		cmdErr = runValidate(ctx, cfg, log, f.Args())
	case "rpki":
		cmdErr = runRpki(ctx, cfg, log, f.Args())
	case "database":
		cmdErr = runDatabase(ctx, cfg, log, f.Args())
	case "search":
		cmdErr = runSearch(ctx, cfg, log, f.Args())
	case "info":
		cmdErr = runInfo(ctx, cfg, log, f.Args())
	default:
		usage()
		return 1
	}

	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, cmdErr)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: monocle COMMAND [OPTIONS] ARGS

Commands:
  validate PREFIX ASN      RFC 6811 validate (prefix, origin ASN) against the cached ROA store
  rpki refresh             fetch ROAs from an RTR server (--rtr-addr) and replace the cache
  database reset           force a schema reset of the embedded store
  search ORIGIN_ASN        search broker-indexed MRT updates for announcements by ORIGIN_ASN
  info ASN                 print cached AS-name enrichment and inferred relationships for ASN`)
}

func openStore(cfg config.Config, log zerolog.Logger) (*store.Manager, error) {
	path := cfg.DataDir + "/monocle-data.db"
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", merr.ErrStorage, err)
	}
	return store.Open(path, log)
}

func runValidate(ctx context.Context, cfg config.Config, log zerolog.Logger, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: usage: monocle validate PREFIX ASN", merr.ErrInvalidInput)
	}
	r, err := prefix.Encode(args[0])
	if err != nil {
		return err
	}
	var asn uint64
	if _, err := fmt.Sscanf(args[1], "%d", &asn); err != nil {
		return fmt.Errorf("%w: invalid ASN %q", merr.ErrInvalidInput, args[1])
	}

	m, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	res, err := m.Roa().Validate(ctx, r, uint32(asn))
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s", args[0], res.Result)
	if res.Reason != "" {
		fmt.Printf(" (%s)", res.Reason)
	}
	fmt.Println()
	return nil
}

func runRpki(ctx context.Context, cfg config.Config, log zerolog.Logger, args []string) error {
	if len(args) == 0 || args[0] != "refresh" {
		return fmt.Errorf("%w: usage: monocle rpki refresh", merr.ErrInvalidInput)
	}
	if cfg.RtrAddr == "" {
		return fmt.Errorf("%w: --rtr-addr is required", merr.ErrInvalidInput)
	}

	m, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	client := rtr.New(cfg.RtrAddr, cfg.RtrTLS, cfg.RtrTimeout, log)
	roas, session, err := client.Fetch(ctx)
	if err != nil {
		return err
	}

	source := fmt.Sprintf("RTR (%s)", cfg.RtrAddr)
	if err := m.Roa().Store(ctx, roas, nil, source, ""); err != nil {
		return err
	}
	log.Info().
		Int("roas", len(roas)).
		Uint16("session", session.SessionID).
		Uint32("serial", session.Serial).
		Msg("rpki: refreshed from RTR")
	return nil
}

func runSearch(ctx context.Context, cfg config.Config, log zerolog.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: monocle search ORIGIN_ASN", merr.ErrInvalidInput)
	}
	var asn uint64
	if _, err := fmt.Sscanf(args[0], "%d", &asn); err != nil {
		return fmt.Errorf("%w: invalid ASN %q", merr.ErrInvalidInput, args[0])
	}

	now := time.Now()
	filter := mrtsearch.SearchFilter{
		OriginASN:    uint32(asn),
		HasOriginASN: true,
		TimeStart:    now.Add(-time.Hour),
		TimeEnd:      now,
	}

	engine := &mrtsearch.Engine{
		Broker:      broker.New(cfg.BrokerURL, cfg.BrokerRate),
		Parallelism: cfg.Parallelism,
		Log:         log,
	}

	summary, err := engine.Search(ctx, filter, func(el mrtsearch.MrtElement) {
		fmt.Printf("%s %s %s origin=%d path=%v\n", el.Timestamp.Format(time.RFC3339), el.Type, el.Prefix, el.OriginASN(), el.AsPath)
	}, false, func(ev mrtsearch.Event) {
		if ev.Kind == mrtsearch.EventFilesFound {
			log.Info().Int("files", ev.FilesFound).Msg("search: broker files found")
		}
	})
	if err != nil {
		return err
	}
	log.Info().
		Int("files", summary.TotalFiles).
		Uint64("messages", summary.TotalMessages).
		Dur("duration", summary.Duration).
		Msg("search: complete")
	return nil
}

func runInfo(ctx context.Context, cfg config.Config, log zerolog.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: monocle info ASN", merr.ErrInvalidInput)
	}
	var asn uint64
	if _, err := fmt.Sscanf(args[0], "%d", &asn); err != nil {
		return fmt.Errorf("%w: invalid ASN %q", merr.ErrInvalidInput, args[0])
	}

	m, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	stale, err := m.Asinfo().NeedsRefresh(ctx, cfg.AsinfoTTL)
	if err != nil {
		return err
	}
	if stale {
		return fmt.Errorf("%w: asinfo cache never populated or past its TTL", merr.ErrStale)
	}

	record, ok, err := m.Asinfo().Get(ctx, uint32(asn))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no asinfo record for AS%d", merr.ErrNotFound, asn)
	}
	fmt.Printf("AS%d: %s (%s, %s)\n", asn, record.Name, record.Country, record.Org)

	rels, err := m.As2rel().GetByASN(ctx, uint32(asn))
	if err != nil {
		return err
	}
	if len(rels) == 0 {
		fmt.Println("  no inferred relationships")
		return nil
	}
	for _, r := range rels {
		fmt.Printf("  AS%d %s AS%d\n", r.ASN1, r.Relationship, r.ASN2)
	}
	return nil
}

func runDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger, args []string) error {
	if len(args) == 0 || args[0] != "reset" {
		return fmt.Errorf("%w: usage: monocle database reset", merr.ErrInvalidInput)
	}
	m, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Reset(ctx); err != nil {
		return err
	}
	log.Info().Msg("database: reset complete")
	return nil
}
