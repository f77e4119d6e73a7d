package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sys/unix"

	"sohio.net/snowgen/internal/broadcast"
	"sohio.net/snowgen/internal/config"
	"sohio.net/snowgen/internal/guid"
	"sohio.net/snowgen/internal/journal"
	"sohio.net/snowgen/internal/log"
	"sohio.net/snowgen/internal/metrics"
	"sohio.net/snowgen/internal/server"
	"sohio.net/snowgen/internal/snowflake"
	"sohio.net/snowgen/internal/token"
)

func main() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the id API (configured from the environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root := &cobra.Command{
		Use:           "snowgen",
		Short:         "Coordination free, time ordered 64 bit ids",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.AddCommand(serveCmd, mintCommand(), decodeCommand(), tokenCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "snowgen:", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := log.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM, unix.SIGHUP)
	defer cancel()

	gen, err := snowflake.NewWithEpoch(cfg.PartitionID, cfg.WorkerID, cfg.EpochMs)
	if err != nil {
		logger.Errorw("generator init", zap.Error(err))
		return err
	}
	logger.Infow("generator ready", "partition_id", cfg.PartitionID, "worker_id", cfg.WorkerID, "epoch_ms", cfg.EpochMs)

	subs := broadcast.NewSet[string](256)
	defer subs.CloseAll()

	opts := server.Options{
		Generator:   gen,
		Subscribers: subs,
		Metrics:     metrics.New(gen, subs.Len),
		Logger:      logger,
		MaxBatch:    cfg.MaxBatch,
		RateLimit:   cfg.RateLimit,
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Errorw("pool init", zap.Error(err))
			return err
		}
		defer pool.Close()

		j, err := journal.New(ctx, pool, cfg.EpochMs)
		if err != nil {
			logger.Errorw("journal init", zap.Error(err))
			return err
		}
		opts.Journal = j

		// Subscribers depend on notifications, so losing the listener takes
		// the process down.
		go func() {
			defer cancel()

			if err := j.Listen(ctx, subs); err != nil {
				logger.Errorw("notification listener", zap.Error(err))
			}
		}()
	}

	if cfg.JWTSecret != "" {
		opts.Signer, err = newSigner(cfg, gen)
		if err != nil {
			return err
		}
	}

	h, err := server.NewHandler(opts)
	if err != nil {
		return err
	}

	srv := http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     h2c.NewHandler(h, &http2.Server{}),
	}

	l, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Errorw("server init", zap.Error(err))
		return err
	}
	logger.Infow("listening", "addr", l.Addr().String(), "journal", opts.Journal != nil, "auth", opts.Signer != nil)

	shutdownFinished := make(chan struct{})
	context.AfterFunc(ctx, func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Errorw("server shutdown", zap.Error(err))
		}
		close(shutdownFinished)
	})

	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		logger.Errorw("server", zap.Error(err))
		cancel()
	}

	<-shutdownFinished
	logger.Info("shut down")
	return nil
}

func newSigner(cfg *config.Config, gen *snowflake.Generator) (*token.Signer, error) {
	var jti guid.Creator[string] = guid.Decimal(gen)
	if cfg.JTI == config.JTIUUID {
		jti = guid.UUID{}
	}
	return token.NewSigner([]byte(cfg.JWTSecret), cfg.TokenTTL, jti)
}

type topologyFlags struct {
	partition uint8
	worker    uint8
	epoch     int64
}

func (f *topologyFlags) register(cmd *cobra.Command, withIDs bool) {
	if withIDs {
		cmd.Flags().Uint8Var(&f.partition, "partition", 0, "partition id (0-31)")
		cmd.Flags().Uint8Var(&f.worker, "worker", 0, "worker id (0-31)")
	}
	cmd.Flags().Int64Var(&f.epoch, "epoch", snowflake.DefaultEpochMs, "epoch in unix milliseconds")
}

func mintCommand() *cobra.Command {
	var (
		topo   topologyFlags
		count  int
		base62 bool
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Print new ids without starting a server",
		Long: "Print new ids without starting a server. The partition and worker ids must not be " +
			"in use by any running generator.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count %d must be positive", count)
			}
			gen, err := snowflake.NewWithEpoch(topo.partition, topo.worker, topo.epoch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for range count {
				id, err := gen.NextID()
				if err != nil {
					return err
				}
				if base62 {
					fmt.Fprintln(out, snowflake.FormatBase62(id))
				} else {
					fmt.Fprintln(out, id)
				}
			}
			return nil
		},
	}
	topo.register(cmd, true)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of ids")
	cmd.Flags().BoolVar(&base62, "base62", false, "print base62 instead of decimal")
	return cmd
}

func decodeCommand() *cobra.Command {
	var topo topologyFlags
	cmd := &cobra.Command{
		Use:   "decode ID...",
		Short: "Split decimal or base62 ids into their fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, s := range args {
				id, err := snowflake.Parse(s)
				if err != nil {
					return err
				}
				p := snowflake.Decompose(id, topo.epoch)
				fmt.Fprintf(out, "%d\ttime=%s partition=%d worker=%d sequence=%d\n",
					id, time.UnixMilli(p.TimestampMs).UTC().Format(time.RFC3339Nano), p.PartitionID, p.WorkerID, p.Sequence)
			}
			return nil
		},
	}
	topo.register(cmd, false)
	return cmd
}

func tokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token using JWT_SECRET and the generator settings from the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			gen, err := snowflake.NewWithEpoch(cfg.PartitionID, cfg.WorkerID, cfg.EpochMs)
			if err != nil {
				return err
			}
			s, err := newSigner(cfg, gen)
			if err != nil {
				return err
			}
			signed, claims, err := s.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintln(cmd.ErrOrStderr(), "jti", claims.ID, "expires", claims.ExpiresAt.Time.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.MarkFlagRequired("sub")
	return cmd
}

