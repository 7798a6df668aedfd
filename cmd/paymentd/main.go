// Command paymentd serves the payment authorization edge core: a
// line-delimited JSON listener in front of the bounded-concurrency
// pipeline, plus a small set of operational HTTP endpoints. This is
// the one pipeline with transport adapters above it that spec section
// 9's Design Notes asks for, replacing the original's duplicated
// HTTP/line handler code paths.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estuary/paymentedge/internal/buildinfo"
	"github.com/estuary/paymentedge/internal/clearing"
	"github.com/estuary/paymentedge/internal/dbgateway"
	"github.com/estuary/paymentedge/internal/metrics"
	"github.com/estuary/paymentedge/internal/pipeline"
	"github.com/estuary/paymentedge/internal/reversal"
	"github.com/estuary/paymentedge/internal/workerpool"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

func main() {
	var cfg Config
	var parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fatal("parsing configuration: %v", err)
	}

	if cfg.Workers <= 0 || cfg.QueueCap <= 0 {
		fatal("WORKERS and QUEUE_CAP must both be > 0, got workers=%d queue_cap=%d", cfg.Workers, cfg.QueueCap)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	db, err := dbgateway.Open(ctx, cfg.DBURI)
	if err != nil {
		fatal("opening database: %v", err)
	}
	defer db.Close()

	var reg = metrics.New()

	var clearingClient clearing.Client
	if cfg.ClearingURL != "" {
		u, err := url.Parse(cfg.ClearingURL)
		if err != nil {
			fatal("parsing CLEARING_URL: %v", err)
		}
		clearingClient = clearing.NewHTTPClient(u)
	} else {
		clearingClient = &clearing.FakeClient{}
		log.Warn("CLEARING_URL unset: running against the in-memory fake clearing client")
	}

	var rev = reversal.New(cfg.reversalConfig(), clearingClient, reg)
	go rev.Run(ctx)
	defer rev.Stop()

	var pcfg = pipeline.Config{
		RiskEnabled: cfg.RiskEnabled,
		Risk:        cfg.riskConfig(),
		Coordinator: cfg.coordinatorConfig(),
		Retry:       cfg.retryConfig(),
		Breaker:     cfg.breakerConfig(),
		Reversal:    cfg.reversalConfig(),
	}
	var pl = pipeline.New(pcfg, reg, db, clearingClient, rev)
	defer pl.Close()

	var pool = workerpool.New(cfg.Workers, cfg.QueueCap)
	defer pool.Shutdown()

	var auth = pipeline.Authenticator{Secret: cfg.APIToken}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		fatal("binding listen port %d: %v", cfg.ListenPort, err)
	}
	lis = netutil.LimitListener(lis, cfg.QueueCap+cfg.Workers)

	var adminMux = newAdminMux(pl, reg, auth)
	var adminAddr = fmt.Sprintf(":%d", cfg.ListenPort+1)
	var adminLis, adminErr = net.Listen("tcp", adminAddr)
	if adminErr != nil {
		fatal("binding admin port %s: %v", adminAddr, adminErr)
	}
	var adminSrv = &http.Server{Handler: adminMux}
	go func() {
		if err := adminSrv.Serve(adminLis); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server exited")
		}
	}()

	printBanner(cfg, pl.Ready(ctx))

	go acceptLoop(ctx, lis, pool, pl)

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Info("shutdown signal received, draining")
	cancel()
	lis.Close()
	var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	adminSrv.Shutdown(shutdownCtx)
	pool.Shutdown()
}

// acceptLoop accepts connections on the line-framed listener and reads
// one JSON request per line, submitting each as a job to the worker
// pool. A job that finds the pool busy (ErrBusy) writes the
// server_busy response directly, without ever touching the pipeline.
func acceptLoop(ctx context.Context, lis net.Listener, pool *workerpool.Pool, pl *pipeline.Pipeline) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		go serveConn(ctx, conn, pool, pl)
	}
}

func serveConn(ctx context.Context, conn net.Conn, pool *workerpool.Pool, pl *pipeline.Pipeline) {
	defer conn.Close()
	var scanner = bufio.NewScanner(conn)
	for scanner.Scan() {
		var line = append([]byte(nil), scanner.Bytes()...)
		var done = make(chan pipeline.Response, 1)

		var err = pool.Submit(func(jobCtx context.Context, workerID int) {
			done <- pl.Handle(jobCtx, workerID, line)
		})
		var resp pipeline.Response
		if err == workerpool.ErrBusy {
			resp = pipeline.Response{Status: "DECLINED", Reason: pipeline.ReasonServerBusy}
		} else {
			resp = <-done
		}

		var out, marshalErr = json.Marshal(resp)
		if marshalErr != nil {
			log.WithError(marshalErr).Error("marshaling response")
			continue
		}
		out = append(out, '\n')
		if _, writeErr := conn.Write(out); writeErr != nil {
			return
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.RedString(format, args...))
	os.Exit(1)
}

func printBanner(cfg Config, ready bool) {
	var statusColor = color.New(color.FgGreen).SprintFunc()
	if !ready {
		statusColor = color.New(color.FgYellow).SprintFunc()
	}
	fmt.Printf("paymentd %s listening on :%d (%d workers, queue %d) — %s\n",
		buildinfo.String(), cfg.ListenPort, cfg.Workers, cfg.QueueCap,
		statusColor(readyWord(ready)))
}

func readyWord(ready bool) string {
	if ready {
		return "ready"
	}
	return "degraded"
}

// newAdminMux serves the operational endpoints of spec section 6.4.
// `metrics` and `tx` are gated by the Authenticator when API_TOKEN is
// configured; `health` and `version` are always open.
func newAdminMux(pl *pipeline.Pipeline, reg *metrics.Registry, auth pipeline.Authenticator) *http.ServeMux {
	var mux = http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pl.Ready(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.String()))
	})

	mux.Handle("/metrics", requireAuth(auth, reg.Handler()))

	mux.Handle("/tx", requireAuth(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestID = r.URL.Query().Get("request_id")
		if requestID == "" {
			http.Error(w, "missing request_id", http.StatusBadRequest)
			return
		}
		maskedPAN, amount, status, found, err := pl.LookupTransaction(r.Context(), requestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"request_id": requestID,
			"pan_masked": maskedPAN,
			"amount":     amount,
			"status":     string(status),
		})
	})))

	return mux
}

func requireAuth(auth pipeline.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Authorize(r.Header.Get("Authorization")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
