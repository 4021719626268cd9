// farmd is the print-farm controller daemon. It loads the fleet state
// documents, opens the vendor drivers, and runs the reconcile, ejection,
// and distribution loops until signaled to exit (via SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/printfarm/farmd/go/bambu"
	"github.com/printfarm/farmd/go/broadcast"
	"github.com/printfarm/farmd/go/dispatch"
	"github.com/printfarm/farmd/go/eject"
	"github.com/printfarm/farmd/go/fleet"
	"github.com/printfarm/farmd/go/keychain"
	"github.com/printfarm/farmd/go/prusa"
	"github.com/printfarm/farmd/go/reconcile"
)

const (
	dedupInterval      = 5 * time.Minute
	orderCountInterval = 15 * time.Minute
)

// Config is the top-level configuration object of farmd.
var Config = new(struct {
	Farm struct {
		DataDir     string `long:"data-dir" env:"DATA_DIR" default:"data" description:"Directory holding the fleet state documents and keychain"`
		MetricsPort uint16 `long:"metrics-port" env:"METRICS_PORT" default:"9090" description:"Port to serve Prometheus metrics on, 0 to disable"`
	} `group:"Farm" namespace:"farm" env-namespace:"FARM"`

	Fleet struct {
		HoldOnReset bool `long:"hold-on-reset" env:"HOLD_ON_RESET" description:"Keep a manually reset printer out of rotation until explicitly marked ready"`
	} `group:"Fleet" namespace:"fleet" env-namespace:"FLEET"`

	Bambu struct {
		CACert string `long:"ca-cert" env:"CA_CERT" description:"PEM bundle for printer TLS verification; printers present self-signed certificates when empty"`
	} `group:"Bambu" namespace:"bambu" env-namespace:"BAMBU"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()
	log.WithFields(log.Fields{
		"dataDir":     Config.Farm.DataDir,
		"holdOnReset": Config.Fleet.HoldOnReset,
	}).Info("farmd configuration")

	store, err := fleet.NewStore(Config.Farm.DataDir)
	if err != nil {
		return fmt.Errorf("loading fleet state: %w", err)
	}
	codec, err := keychain.Open(Config.Farm.DataDir)
	if err != nil {
		return fmt.Errorf("opening keychain: %w", err)
	}

	var prusaClient = prusa.NewClient()
	defer prusaClient.Close()
	var bambuMgr = bambu.NewManager(Config.Bambu.CACert)
	defer bambuMgr.Close()

	var observe = buildObserver(codec, prusaClient, bambuMgr)
	var observePrusa = func(ctx context.Context, p fleet.Printer) *fleet.Observation {
		if p.Type == fleet.TypeBambu {
			return nil
		}
		return observe(ctx, p)
	}

	var bcast = broadcast.New(store)
	var ejectMgr = eject.NewManager(store, bambuMgr, observePrusa)
	var distributor = dispatch.New(store,
		prusaAdapter{prusaClient}, bambuAdapter{bambuMgr}, bcast,
		func(p fleet.Printer) (string, bool) {
			if p.Type == fleet.TypeBambu {
				return codec.Decrypt(p.AccessCode)
			}
			return codec.Decrypt(p.APIKey)
		})
	ejectMgr.RequestDistribution = distributor.Request

	var reconciler = reconcile.New(store, observe, ejectMgr, bcast,
		func(ctx context.Context, p fleet.Printer, pe fleet.PendingEjection) error {
			var key, ok = codec.Decrypt(p.APIKey)
			if !ok {
				return fmt.Errorf("no usable API key for %s", p.Name)
			}
			var t = prusa.Target{Name: p.Name, IP: p.IP, APIKey: key}
			return prusaClient.SendEjection(ctx, t, pe.GcodeFileName, pe.GcodeContent)
		})
	reconciler.AutoReadyOnReset = !Config.Fleet.HoldOnReset

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { reconciler.Run(groupCtx); return nil })
	group.Go(func() error { distributor.Run(groupCtx); return nil })
	group.Go(func() error { ejectMgr.Watchdog(groupCtx); return nil })
	group.Go(func() error { runEvery(groupCtx, bambu.MaintainInterval, bambuMgr.Maintain); return nil })
	group.Go(func() error { runEvery(groupCtx, dedupInterval, store.Dedup); return nil })
	group.Go(func() error { runEvery(groupCtx, orderCountInterval, store.ReconcileOrderCounts); return nil })

	if Config.Farm.MetricsPort != 0 {
		group.Go(func() error { return serveMetrics(groupCtx, Config.Farm.MetricsPort) })
	}

	log.WithField("printers", len(store.Printers())).Info("farmd started")
	if err = group.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

// buildObserver returns the per-printer polling function. Credentials are
// decrypted here, at the point of use, and never stored in the clear.
func buildObserver(codec *keychain.Codec, prusaClient *prusa.Client, bambuMgr *bambu.Manager) reconcile.Observer {
	return func(ctx context.Context, p fleet.Printer) *fleet.Observation {
		if p.Type == fleet.TypeBambu {
			var code, ok = codec.Decrypt(p.AccessCode)
			if !ok {
				log.WithField("printer", p.Name).Warn("no usable access code")
				return nil
			}
			if err := bambuMgr.Ensure(p.Name, p.IP, p.SerialNumber, code); err != nil {
				log.WithFields(log.Fields{"printer": p.Name, "error": err}).Debug("session unavailable")
				return nil
			}
			return bambuMgr.Observation(p.Name)
		}

		var key, ok = codec.Decrypt(p.APIKey)
		if !ok {
			log.WithField("printer", p.Name).Warn("no usable API key")
			return nil
		}
		return prusaClient.Observe(ctx, prusa.Target{Name: p.Name, IP: p.IP, APIKey: key})
	}
}

// prusaAdapter narrows *prusa.Client to the distributor's driver surface.
type prusaAdapter struct{ c *prusa.Client }

func (a prusaAdapter) UploadAndStart(ctx context.Context, ip, apiKey, filename string, content []byte) error {
	return a.c.UploadAndStart(ctx, prusa.Target{IP: ip, APIKey: apiKey}, filename, content)
}

func (a prusaAdapter) Delete(ctx context.Context, ip, apiKey, filename string) error {
	return a.c.Delete(ctx, prusa.Target{IP: ip, APIKey: apiKey}, filename)
}

func (a prusaAdapter) VerifyPrinting(ctx context.Context, ip, apiKey string) (fleet.State, string, bool) {
	return a.c.VerifyPrinting(ctx, prusa.Target{IP: ip, APIKey: apiKey})
}

// bambuAdapter narrows the session manager to the distributor's surface.
type bambuAdapter struct{ m *bambu.Manager }

func (a bambuAdapter) Upload(ctx context.Context, ip, accessCode, filename string, content io.Reader, size int64) error {
	return bambu.Upload(ctx, ip, accessCode, filename, content, size)
}

func (a bambuAdapter) StartProject(name, filename string) error {
	return a.m.StartProject(name, filename)
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func serveMetrics(ctx context.Context, port uint16) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	var srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", port).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the farm controller", `
Run the farm controller with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
