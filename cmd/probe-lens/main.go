package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/probe-lens/internal/log"
	"github.com/CZERTAINLY/probe-lens/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/probe-lens on given OS
	configPath     string // actual config file used (if loaded)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

var rootCmd = &cobra.Command{
	Use:          "probe-lens",
	Short:        "Network service probe reporting reachability, banners and certificates",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and probes all targets",
	RunE:  doRun,
}

var probeCmd = &cobra.Command{
	Use:   "probe host[:port]...",
	Short: "probe command checks the given targets once and prints the report",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doProbe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides a version of probe-lens",
	RunE:  doVersion,
}

func init() {
	// user configuration
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "probe-lens")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is probe-lens.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	probeCmd.Flags().StringVar(&flagProtocol, "protocol", "tcp", "protocol of the targets")
	probeCmd.Flags().BoolVar(&flagTLS, "tls", false, "wrap the connection in TLS")
	probeCmd.Flags().IntVar(&flagTimeout, "timeout", model.DefaultTimeout, "per target timeout in seconds")

	// never print messages and usage
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, err := rootCmd.ExecuteContextC(ctx)
	stop()
	if err != nil {
		slog.Error("probe-lens failed", "err", err)
		if strings.HasPrefix(err.Error(), "unknown command") {
			_ = rootCmd.Help() // ./cmd bflmp
		} else if cmd != probeCmd {
			_ = cmd.Help() // ./cmd run gfagf (extra arg)
		}
		os.Exit(1)
	}
}

func doVersion(cmd *cobra.Command, args []string) error {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return fmt.Errorf("probe-lens: version info not available")
	}

	if configPath != "" {
		fmt.Printf("config: %s\n", configPath)
	}
	fmt.Printf("probe-lens: %s\n", info.Main.Version)
	fmt.Printf("go:         %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Printf("commit:     %s\n", s.Value)
		case "vcs.time":
			fmt.Printf("date:       %s\n", s.Value)
		case "vcs.modified":
			fmt.Printf("dirty:      %s\n", s.Value)
		}
	}
	fmt.Println()

	return nil
}

func loadConfig(_ *cobra.Command, _ []string) (model.Config, io.Closer, error) {
	if envConfig, ok := os.LookupEnv("PROBELENSCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "probe-lens.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var config model.Config

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "probe-lens.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return config, nil, err
		}
	} else {
		var err error
		config, err = model.LoadConfigFromPath(configPath)
		if err != nil {
			return config, nil, err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closer, err := logWriter(config.Service.Log)
	if err != nil {
		return config, nil, err
	}
	slog.SetDefault(log.NewTo(w, config.Service.Verbose))

	slog.Debug("probe-lens run", "configPath", configPath)
	slog.Debug("probe-lens run", "config", config)
	return config, closer, nil
}

func storeConfig(path string, config model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(config); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// logWriter opens the destination of service.log
func logWriter(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", model.LogStderr:
		return os.Stderr, nopCloser{}, nil
	case model.LogStdout:
		return os.Stdout, nopCloser{}, nil
	case model.LogDiscard:
		return io.Discard, nopCloser{}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
