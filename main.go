package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/authlab/snoop/snoop-srv/audit"
	"github.com/authlab/snoop/snoop-srv/config"
	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/mint"
	"github.com/authlab/snoop/snoop-srv/proxy"
)

var version string

// overrides holds the command line values that replace configuration
// settings. Only flags given on the command line are applied.
type overrides struct {
	set map[string]bool

	backlog        int
	listenAddress  string
	inspectTunnels bool
	port           int
	threadPool     int
}

func (o *overrides) apply(cfg *config.Config) {
	if o.set["b"] {
		cfg.Backlog = o.backlog
	}
	if o.set["i"] {
		cfg.ListenAddress = o.listenAddress
	}
	if o.set["I"] {
		cfg.InspectTunnels = o.inspectTunnels
	}
	if o.set["p"] {
		cfg.Port = o.port
	}
	if o.set["t"] {
		cfg.ThreadPool = o.threadPool
	}
}

func main() {
	cfg, configPath, flags := parseFlagsAndConfig()
	runProxy(cfg, configPath, flags)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, string, *overrides) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Path to configuration file (.json, .yaml or .hcl)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")

	flags := &overrides{set: map[string]bool{}}
	flag.IntVar(&flags.backlog, "b", 0, "Listen backlog")
	flag.StringVar(&flags.listenAddress, "i", "", "Interface address to listen on")
	flag.BoolVar(&flags.inspectTunnels, "I", false, "Inspect CONNECT tunnels")
	flag.IntVar(&flags.port, "p", 0, "Port to listen on")
	flag.IntVar(&flags.threadPool, "t", 0, "Number of connections served at once")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	if *versionFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("snoop version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting snoop proxy")
	cfg, err := loadConfig(*configPath, flags)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	logger.Debug("Listen address: %s", cfg.Address())
	logger.Debug("Backlog: %d, thread pool: %d", cfg.Backlog, cfg.ThreadPool)
	logger.Debug("Inspect tunnels: %v, encrypted: %v", cfg.InspectTunnels, cfg.Encrypted)

	return cfg, *configPath, flags
}

// loadConfig loads and validates the configuration with command line
// overrides applied.
func loadConfig(configPath string, flags *overrides) (*config.Config, error) {
	if configPath != "" {
		logger.Debug("Using configuration file: %s", configPath)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// instance is a service with the recorder it owns.
type instance struct {
	service  *proxy.Service
	recorder audit.Recorder
}

// newInstance builds everything the service needs from cfg. Configuration
// errors surface here, before anything listens.
func newInstance(cfg *config.Config) (*instance, error) {
	var m *mint.Mint
	if cfg.Certificates.CAFile != "" {
		ca, err := mint.LoadAuthority(cfg.Certificates.CAFile, cfg.Certificates.CAKeyFile, cfg.Certificates.CAPassword)
		if err != nil {
			return nil, err
		}
		m, err = mint.New(ca, mint.Options{
			KeyBits:            cfg.Certificates.KeyBits,
			SignatureAlgorithm: cfg.Certificates.SignatureAlgorithm,
			DefaultHostname:    cfg.Certificates.DefaultHostname,
			StoreDir:           cfg.Certificates.StoreDir,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded certificate authority %s", ca.Certificate.Subject.CommonName)
	}

	named, err := proxy.CompileClassifiersMap(cfg.Classifiers)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.NewForwardDialer(cfg.Forwards, named, 0)
	if err != nil {
		return nil, err
	}
	var noInspect proxy.Classifier
	if cfg.NoInspect != nil {
		if noInspect, err = proxy.CompileClassifier(cfg.NoInspect, named); err != nil {
			return nil, fmt.Errorf("failed to compile no-inspect classifier: %w", err)
		}
	}

	recorder, err := audit.New(&cfg.Audit)
	if err != nil {
		return nil, err
	}

	service, err := proxy.NewService(proxy.ServiceConfig{
		Address:       cfg.Address(),
		Backlog:       cfg.Backlog,
		ThreadPool:    cfg.ThreadPool,
		Encrypted:     cfg.Encrypted,
		ShutdownGrace: cfg.ShutdownGrace(),
		Recorder:      recorder,
		Engine: proxy.EngineConfig{
			Dialer:           dialer,
			Mint:             m,
			InspectTunnels:   cfg.InspectTunnels,
			NoInspect:        noInspect,
			TrustAllUpstream: cfg.TrustAllUpstream,
			TunnelInactivity: cfg.TunnelInactivity(),
		},
	})
	if err != nil {
		_ = recorder.Close()
		return nil, err
	}
	return &instance{service: service, recorder: recorder}, nil
}

// start runs the service in the background. done receives once Serve
// returns.
func (i *instance) start(done chan<- error) {
	go func() {
		done <- i.service.ListenAndServe()
	}()
}

// stop closes the service, waiting for open connections up to the grace
// period, then flushes the recorder.
func (i *instance) stop() error {
	return errors.Join(i.service.Close(), i.recorder.Close())
}

// runProxy starts and manages the proxy service, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string, flags *overrides) {
	current, err := newInstance(cfg)
	if err != nil {
		logger.Fatal("Failed to set up proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan error, 1)
	current.start(done)
	currentCfg := cfg

	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Fatal("Proxy service error: %v", err)
			}
			logger.Info("Proxy service stopped")
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := loadConfig(configPath, flags)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(currentCfg, newCfg) {
					logger.Info("Config unchanged after reload; not restarting proxy.")
					continue
				}
				next, err := newInstance(newCfg)
				if err != nil {
					logger.Error("Failed to apply new config: %v (keeping current config)", err)
					continue
				}
				logger.Info("Config changed. Restarting proxy...")
				if err := current.stop(); err != nil {
					logger.Error("Error stopping proxy for reload: %v", err)
				}
				<-done
				current = next
				currentCfg = newCfg
				current.start(done)
				logger.Info("Proxy restarted with new configuration.")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy...", sig)
				if err := current.stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
