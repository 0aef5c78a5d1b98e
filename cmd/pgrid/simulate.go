package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/internal/store"
	"github.com/zde37/pgrid/internal/transport"
	"github.com/zde37/pgrid/pkg"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Build an in-process overlay and print the resulting trie",
	Long: `Create N peers connected by an in-memory network, seed M items at random
peers, run R rounds in which every peer exchanges with a random partner, and
print each peer's path, item count and replica group. A sample of exact
queries is run at the end.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.Int("peers", 16, "Number of peers")
	f.Int("items", 256, "Number of items")
	f.Int("rounds", 20, "Exchange rounds")
	f.Int("key-bits", 16, "Bits per generated item key")
	f.Int("min-storage", config.DefaultConfig().MinStorage, "Items each side must hold before a split")
	f.Int("max-recursion", config.DefaultConfig().MaxRecursion, "Recursion budget of one exchange")
	f.Int("queries", 32, "Exact queries run after the last round")
	f.Int64("seed", 1, "Seed of every random choice")
}

type simOptions struct {
	Peers        int
	Items        int
	Rounds       int
	KeyBits      int
	MinStorage   int
	MaxRecursion int
	Queries      int
	Seed         int64
}

type simResult struct {
	Peers    []*pgrid.Peer
	Keys     []string
	Found    int
	Partial  int
	MaxHops  int
	Exchange int
	Failed   int
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	var opts simOptions
	opts.Peers, _ = f.GetInt("peers")
	opts.Items, _ = f.GetInt("items")
	opts.Rounds, _ = f.GetInt("rounds")
	opts.KeyBits, _ = f.GetInt("key-bits")
	opts.MinStorage, _ = f.GetInt("min-storage")
	opts.MaxRecursion, _ = f.GetInt("max-recursion")
	opts.Queries, _ = f.GetInt("queries")
	opts.Seed, _ = f.GetInt64("seed")

	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	if !cmd.Flags().Changed("log-level") {
		level = "warn"
	}
	logger, err := newLogger(cmd, level, format)
	if err != nil {
		return err
	}
	defer logger.Close()

	res, err := simulate(cmd.Context(), opts, logger)
	if err != nil {
		return err
	}
	defer shutdownAll(res.Peers)

	printTrie(cmd.OutOrStdout(), res)
	return nil
}

// simulate builds the overlay and drives it to completion.
func simulate(ctx context.Context, opts simOptions, logger *pkg.Logger) (*simResult, error) {
	if opts.Peers < 2 {
		return nil, fmt.Errorf("at least 2 peers are needed, got %d", opts.Peers)
	}
	if opts.KeyBits <= 0 {
		return nil, fmt.Errorf("key bits must be positive, got %d", opts.KeyBits)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	net := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	res := &simResult{}

	for i := 0; i < opts.Peers; i++ {
		cfg := config.DefaultConfig()
		cfg.PeerID = fmt.Sprintf("peer-%03d", i)
		cfg.Port = 10000 + i
		cfg.MinStorage = opts.MinStorage
		cfg.MaxRecursion = opts.MaxRecursion
		cfg.ExchangeRate = 1e6

		p, err := pgrid.NewPeer(cfg, logger,
			pgrid.WithFs(afero.NewMemMapFs()),
			pgrid.WithClock(clock),
			pgrid.WithSeed(opts.Seed+int64(i)))
		if err != nil {
			shutdownAll(res.Peers)
			return nil, err
		}
		p.SetRemote(net)
		net.Listen(p.Local().Addr, p)
		if err := p.Start(ctx); err != nil {
			shutdownAll(append(res.Peers, p))
			return nil, err
		}
		res.Peers = append(res.Peers, p)
	}

	for i := 0; i < opts.Items; i++ {
		key := keyspace.Hash([]byte(fmt.Sprintf("item-%d", i)), opts.KeyBits)
		owner := res.Peers[rng.Intn(len(res.Peers))]
		item := store.Item{Key: key, Owner: owner.Local(), Type: "text", Data: []byte(fmt.Sprintf("value-%d", i))}
		if _, err := owner.Store().Add(ctx, item); err != nil {
			shutdownAll(res.Peers)
			return nil, err
		}
		res.Keys = append(res.Keys, key)
	}

	for round := 0; round < opts.Rounds; round++ {
		for _, i := range rng.Perm(len(res.Peers)) {
			p := res.Peers[i]
			j := rng.Intn(len(res.Peers) - 1)
			if j >= i {
				j++
			}
			res.Exchange++
			if _, err := p.ExchangeWith(ctx, res.Peers[j].Local()); err != nil {
				res.Failed++
			}
		}
		waitIdle(ctx, res.Peers)
	}

	for q := 0; q < opts.Queries && len(res.Keys) > 0; q++ {
		key := res.Keys[rng.Intn(len(res.Keys))]
		origin := res.Peers[rng.Intn(len(res.Peers))]
		reply, err := origin.Lookup(ctx, key)
		if err != nil {
			continue
		}
		if reply.Found {
			res.Found++
		}
		if reply.Partial {
			res.Partial++
		}
		if reply.Hops > res.MaxHops {
			res.MaxHops = reply.Hops
		}
	}
	return res, nil
}

// waitIdle waits until no peer has distribution work left.
func waitIdle(ctx context.Context, peers []*pgrid.Peer) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		busy := false
		for _, p := range peers {
			s := p.Stats()
			if s.QueuedDistributions > 0 || s.InFlightRequests > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func shutdownAll(peers []*pgrid.Peer) {
	for _, p := range peers {
		p.Shutdown()
	}
}

func printTrie(w io.Writer, res *simResult) {
	peers := append([]*pgrid.Peer(nil), res.Peers...)
	sort.Slice(peers, func(i, j int) bool {
		pi, pj := peers[i].Local(), peers[j].Local()
		if pi.Path != pj.Path {
			return pi.Path < pj.Path
		}
		return pi.ID < pj.ID
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tPEER\tITEMS\tRESPONSIBLE\tLEVEL REFS\tREPLICAS")
	for _, p := range peers {
		s := p.Stats()
		path := s.Path
		if path == "" {
			path = "(root)"
		}
		levels := make([]string, len(s.Table.Levels))
		for i, n := range s.Table.Levels {
			levels[i] = fmt.Sprint(n)
		}
		replicas := make([]string, 0)
		for _, r := range p.Table().Replicas() {
			replicas = append(replicas, r.ID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t[%s]\t%s\n",
			path, s.PeerID, s.Store.Items, s.Responsible, strings.Join(levels, " "), strings.Join(replicas, ","))
	}
	tw.Flush()

	fmt.Fprintf(w, "\nexchanges: %d (failed %d)\n", res.Exchange, res.Failed)
	fmt.Fprintf(w, "queries: %d found, %d partial, max hops %d\n", res.Found, res.Partial, res.MaxHops)
}
