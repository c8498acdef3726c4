package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/metrics"
	"github.com/markus-barta/routedeck/internal/protocol"
	"github.com/markus-barta/routedeck/internal/routes"
	"github.com/markus-barta/routedeck/internal/telemetry"
)

// subscriber is the part of telemetry.Client that watch needs.
type subscriber interface {
	Subscribe(ctx context.Context, routeID string, h telemetry.Handler) (*telemetry.Subscription, error)
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	count := fs.Int("count", 0, "exit after N snapshots (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: routectl watch [-count N] <route>")
	}

	route, err := a.api.GetRoute(ctx, fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to fetch route data: %w", err)
	}

	stats := telemetry.NewClient(telemetry.Config{
		SocketURL:         a.cfg.SocketURL,
		Tokens:            a.cfg.TokenProvider(),
		HeartbeatInterval: a.cfg.HeartbeatInterval,
	}, a.log)

	w := &watcher{
		stats:   stats,
		route:   route,
		buf:     history.New(a.cfg.HistorySize, nil),
		out:     a.out,
		count:   *count,
		backoff: backoff.NewExponentialBackOff(),
	}
	return w.run(ctx)
}

type watcher struct {
	stats   subscriber
	route   *routes.Route
	buf     *history.Buffer
	out     io.Writer
	count   int
	backoff *backoff.ExponentialBackOff
}

// run follows the route until ctx ends or count snapshots were printed.
func (w *watcher) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snaps := make(chan protocol.Snapshot, 16)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.follow(gctx, snaps)
	})
	g.Go(func() error {
		printed := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-snaps:
				w.print(w.buf.Append(s))
				printed++
				if w.count > 0 && printed >= w.count {
					cancel()
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// follow keeps one subscription open, resubscribing with exponential
// backoff whenever the socket goes away.
func (w *watcher) follow(ctx context.Context, snaps chan<- protocol.Snapshot) error {
	w.backoff.MaxElapsedTime = 0
	w.backoff.MaxInterval = 30 * time.Second
	b := backoff.WithContext(w.backoff, ctx)

	handler := func(s protocol.Snapshot) {
		select {
		case snaps <- s:
		case <-ctx.Done():
		}
	}

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		sub, err := w.stats.Subscribe(ctx, w.route.ID, handler)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Close() }()
		b.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return errors.New("live updates closed")
		}
	}

	notify := func(err error, wait time.Duration) {
		fmt.Fprintf(w.out, "! %v, retrying in %s\n", err, wait.Round(time.Millisecond))
	}

	err := backoff.RetryNotify(op, b, notify)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *watcher) print(e history.Entry) {
	s := &e.Snapshot
	kpi := metrics.Overview(s)

	fmt.Fprintf(w.out, "%s  source %s  worst %s  callers %d  in %s  [%d/%d]\n",
		e.Label,
		kpi.SourceBitrateText,
		kpi.WorstDestinationText,
		kpi.ConnectedCallers,
		totalIn(s),
		w.buf.Len(), w.buf.Cap(),
	)

	dests := append([]routes.Destination(nil), w.route.Destinations...)
	sort.SliceStable(dests, func(i, j int) bool { return dests[i].Name < dests[j].Name })
	for _, d := range dests {
		live := metrics.LookupDestination(s, d.ID)
		fmt.Fprintf(w.out, "    %-24s %s  out %s\n",
			d.Name,
			metrics.FormatBitsPerSecond(live.Bitrate),
			metrics.FormatBytesValue(live.BytesOutTotal),
		)
	}
}

func totalIn(s *protocol.Snapshot) string {
	return metrics.FormatBytesValue(metrics.FromPtr(s.Source.BytesInTotal))
}
