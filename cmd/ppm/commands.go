package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ppm "github.com/chris-wood/ppm-go"
	"github.com/chris-wood/ppm-go/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markkurossi/tabulate"
	"github.com/urfave/cli"
)

func setupTask(c *cli.Context) error {
	bits := c.Int(optionBits)
	if bits == 0 {
		params, err := ppm.LoadParametersFile(c.String(optionParams))
		if err != nil {
			return err
		}
		bits = params.Bits()
	}
	vdaf, err := ppm.NewPrio3Sum(bits)
	if err != nil {
		return err
	}

	setup, err := ppm.NewTaskSetup(vdaf)
	if err != nil {
		return err
	}
	if err := setup.WriteFiles(c.String(optionHpkeFile), c.String(optionVerifyFile)); err != nil {
		return err
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Role").SetAlign(tabulate.ML)
	tab.Header("Config").SetAlign(tabulate.MR)
	tab.Header("Public key").SetAlign(tabulate.ML)
	for _, role := range []ppm.Role{ppm.RoleLeader, ppm.RoleHelper, ppm.RoleCollector} {
		config, _ := setup.Hpke.ForRole(role)
		row := tab.Row()
		row.Column(role.String())
		row.Column(fmt.Sprintf("%d", config.ID))
		row.Column(fmt.Sprintf("%x", []byte(config.PublicKey)))
	}
	tab.Print(os.Stdout)
	return nil
}

func runAggregator(c *cli.Context, role string) error {
	cfg, err := loadServerConfig(c.String(optionConfig), role)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	svc, store, err := cfg.NewService(&http.Client{})
	if err != nil {
		return err
	}
	defer store.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout()))
	svc.RegisterRoutes(r)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.RequestTimeout(),
		WriteTimeout: cfg.RequestTimeout(),
	}

	log := logger.With("role", cfg.Role)
	errCh := make(chan error, 1)
	go func() {
		log.Info("aggregator listening", "addr", cfg.ListenAddr, "store", cfg.Store.Backend)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

// loadServerConfig falls back to the defaults when the config file is
// absent. The command line decides the role.
func loadServerConfig(path, role string) (*ppm.ServerConfig, error) {
	cfg := ppm.DefaultServerConfig()
	if _, err := os.Stat(path); err == nil {
		if cfg, err = ppm.LoadServerConfig(path); err != nil {
			return nil, err
		}
	}
	cfg.Role = role
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func uploadReports(c *cli.Context) error {
	params, err := ppm.LoadParametersFile(c.String(optionParams))
	if err != nil {
		return err
	}
	client, err := ppm.NewClient(params, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}

	start := ppm.Time(c.Uint64(optionTime))
	if start == 0 {
		start = ppm.Time(time.Now().Unix())
	}
	ctx := context.Background()
	began := time.Now()
	for i := 0; i < c.Int(optionReports); i++ {
		t := start + ppm.Time(i)
		if err := client.Upload(ctx, t, c.Uint64(optionValue)); err != nil {
			return fmt.Errorf("report %d: %w", i, err)
		}
		logger.Debug("report uploaded", "time", t)
	}
	logger.Info("upload complete", "reports", c.Int(optionReports), logger.Timed(began))
	return nil
}

func collectInterval(c *cli.Context) error {
	params, err := ppm.LoadParametersFile(c.String(optionParams))
	if err != nil {
		return err
	}
	collector := ppm.NewCollector(params, &http.Client{Timeout: 60 * time.Second})
	interval := ppm.Interval{
		Start:    ppm.Time(c.Uint64(optionStart)),
		Duration: ppm.Duration(c.Uint64(optionDuration)),
	}
	result, err := collector.Collect(context.Background(), interval)
	if err != nil {
		return err
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Interval").SetAlign(tabulate.ML)
	tab.Header("Reports").SetAlign(tabulate.MR)
	tab.Header("Sum").SetAlign(tabulate.MR)
	row := tab.Row()
	row.Column(result.Interval.String())
	row.Column(fmt.Sprintf("%d", result.Count))
	row.Column(fmt.Sprintf("%d", result.Sum))
	tab.Print(os.Stdout)
	return nil
}
