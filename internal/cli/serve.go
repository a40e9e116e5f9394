package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/finagent/delivery"
	"github.com/PipeOpsHQ/finagent/delivery/ws"
	"github.com/PipeOpsHQ/finagent/internal/schedule"
)

const shutdownTimeout = 10 * time.Second

// serve runs the websocket event server, the approval expiry sweeper and,
// with redis, the event bus subscriber until ctx is cancelled.
func serve(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	rt, err := buildRuntime(ctx, runtimeOptions{configPath: opts.configPath, live: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	handlerOpts := []ws.Option{ws.WithLogger(rt.logger)}
	if rt.events != nil {
		handlerOpts = append(handlerOpts, ws.WithHistory(rt.events))
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", delivery.RequireUser(delivery.HeaderAuth, ws.NewHandler(rt.hub, handlerOpts...)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              rt.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := schedule.New(rt.logger)
	if err := sched.Add("expire-approvals", rt.cfg.Server.ExpirySchedule, rt.sweepApprovals); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(out, "finagent listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if rt.bus != nil {
		g.Go(func() error {
			return rt.bus.Forward(ctx, rt.hub)
		})
	}
	return g.Wait()
}

func (rt *runtime) sweepApprovals(ctx context.Context) error {
	n, err := rt.gate.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("approval expiry sweep: %w", err)
	}
	if n > 0 {
		rt.logger.Info("expired approvals", "count", n)
	}
	return nil
}
