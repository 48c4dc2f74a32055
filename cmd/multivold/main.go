package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"multivol/internal/config"
)

const version = "1.0.0"

const defaultConfigPath = "/etc/multivol/multivold.yaml"

func printVersion() {
	fmt.Printf("multivold v%s\n", version)
	fmt.Println("Volume coordinator for direct and multiroom audio outputs")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  multivold [OPTIONS]")
	fmt.Println("  multivold ctl [OPTIONS] COMMAND [ARG]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Owns the one display volume (0-100) of the appliance and maps it onto")
	fmt.Println("  either the local output (CamillaDSP or an ALSA mixer) or every Snapcast")
	fmt.Println("  client while keeping their relative balance.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default %q; optional unless given)\n", defaultConfigPath)
	fmt.Println("  -output string")
	fmt.Println("        Direct output: camilladsp|alsa")
	fmt.Println("  -camilladsp-ws-url string")
	fmt.Println("        CamillaDSP websocket URL")
	fmt.Println("  -alsa-card string, -alsa-control string")
	fmt.Println("        ALSA card and simple mixer control")
	fmt.Println("  -routing string")
	fmt.Println("        Startup routing mode: direct|multiroom")
	fmt.Println("  -snapcast-host string, -snapcast-port int")
	fmt.Println("        Snapcast server control endpoint (empty host browses mDNS)")
	fmt.Println("  -volume-file string")
	fmt.Println("        Last-volume persistence file")
	fmt.Println("  -pending-db string")
	fmt.Println("        SQLite database for settings queued for offline clients")
	fmt.Println("  -api-listen string")
	fmt.Println("        HTTP API listen address")
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC")
	fmt.Println("  -input-device string")
	fmt.Println("        Linux input event device for a rotary encoder or volume keys")
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug")
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  ctl")
	fmt.Println("        Send a command to a running daemon (see: multivold ctl -h)")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(runCtlSubcommand(os.Args[2:]))
	}

	var (
		configPath   = flag.String("config", defaultConfigPath, "YAML config file")
		outputType   = flag.String("output", "", "Direct output: camilladsp|alsa")
		camillaWsURL = flag.String("camilladsp-ws-url", "", "CamillaDSP websocket URL")
		alsaCard     = flag.String("alsa-card", "", "ALSA card")
		alsaControl  = flag.String("alsa-control", "", "ALSA simple mixer control")
		routing      = flag.String("routing", "", "Startup routing mode: direct|multiroom")
		snapHost     = flag.String("snapcast-host", "", "Snapcast server host")
		snapPort     = flag.Int("snapcast-port", 0, "Snapcast server control port")
		volumeFile   = flag.String("volume-file", "", "Last-volume persistence file")
		pendingDB    = flag.String("pending-db", "", "Pending-settings SQLite database")
		apiListen    = flag.String("api-listen", "", "HTTP API listen address")
		ipcSocket    = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		inputDevice  = flag.String("input-device", "", "Linux input event device")
		logLevelStr  = flag.String("log-level", "", "Log level: error, warn, info, debug")
		showVersion  = flag.Bool("version", false, "Print version and exit")
		showHelp     = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Only flags given on the command line override the file.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	strOverride := func(name string, v *string) *string {
		if set[name] {
			return v
		}
		return nil
	}
	var overrides config.FlagOverrides
	overrides.OutputType = strOverride("output", outputType)
	overrides.CamillaWsURL = strOverride("camilladsp-ws-url", camillaWsURL)
	overrides.ALSACard = strOverride("alsa-card", alsaCard)
	overrides.ALSAControl = strOverride("alsa-control", alsaControl)
	overrides.RoutingMode = strOverride("routing", routing)
	overrides.SnapcastHost = strOverride("snapcast-host", snapHost)
	if set["snapcast-port"] {
		overrides.SnapcastPort = snapPort
	}
	overrides.VolumeFile = strOverride("volume-file", volumeFile)
	overrides.PendingDB = strOverride("pending-db", pendingDB)
	overrides.APIListen = strOverride("api-listen", apiListen)
	overrides.IPCSocketPath = strOverride("ipc-socket", ipcSocket)
	overrides.InputDevice = strOverride("input-device", inputDevice)
	overrides.LogLevel = strOverride("log-level", logLevelStr)

	cfg, cfgFile, err := loadConfig(*configPath, set["config"])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)
	logger.Debug("starting multivold", "version", version, "config", cfgFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, cfg, cfgFile, logger); err != nil {
		logger.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// loadConfig reads the config file. A missing default file means built-in
// defaults; a missing file named explicitly is an error. The returned path
// is empty when no file was read.
func loadConfig(path string, explicit bool) (config.Config, string, error) {
	cfg, err := config.LoadConfigFile(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), "", nil
	}
	return config.Config{}, "", err
}
