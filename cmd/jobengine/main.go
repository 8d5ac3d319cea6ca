package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/secureailabs/jobengine/internal/log"
	"github.com/secureailabs/jobengine/internal/model"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "JOBENGINE"

var (
	userConfigPath string // /default/config/path/jobengine on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCleanup     = func() error { return nil }

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "jobengine")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is jobengine.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("workdir", "", "directory holding the data, signal and jobstop directories")
	rootCmd.PersistentFlags().String("socket", "", "unix socket the orchestrator connects to")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initEngine

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if cerr := logCleanup(); cerr != nil {
		fmt.Fprintf(os.Stderr, "closing log file: %v\n", cerr)
	}
	if err != nil {
		slog.Error("jobengine failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "jobengine",
	Short:        "Job engine running safe objects inside a secure enclave",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve waits for the orchestrator on the socket and processes its requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), config)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a jobengine",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("jobengine: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("jobengine: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initEngine(cmd *cobra.Command, _ []string) error {
	configPath = lookupConfig(flagConfigFilePath, userConfigPath, ".")

	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "jobengine.yaml")
		config, err = storeDefaultConfig(configPath)
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// flags and JOBENGINE_* variables have a precedence over config file
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	for _, name := range []string{"verbose", "workdir", "socket"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	config = overlay(config, v)

	logger, cleanup, err := log.NewOutput(config.Verbose, config.Log)
	if err != nil {
		return err
	}
	logCleanup = cleanup
	slog.SetDefault(logger)

	slog.Debug("jobengine run", "configPath", configPath)
	slog.Debug("jobengine run", "config", config)
	return nil
}

// lookupConfig returns the JOBENGINECONFIG variable, the --config flag or the
// first jobengine.yaml found in dirs. Empty string means no config exists.
func lookupConfig(flagPath string, dirs ...string) string {
	if envConfig, ok := os.LookupEnv("JOBENGINECONFIG"); ok {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range dirs {
		path := filepath.Join(d, "jobengine.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func storeDefaultConfig(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	err = enc.Encode(cfg)
	if err != nil {
		return cfg, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, enc.Close()
}

// overlay applies values set by flags or environment variables. A changed
// workdir moves the default socket along with it.
func overlay(cfg model.Config, v *viper.Viper) model.Config {
	if v.IsSet("verbose") {
		cfg.Verbose = v.GetBool("verbose")
	}
	if v.IsSet("workdir") {
		if cfg.Socket == filepath.Join(cfg.Workdir, model.DefaultSocketName) {
			cfg.Socket = ""
		}
		cfg.Workdir = v.GetString("workdir")
	}
	if v.IsSet("socket") {
		cfg.Socket = v.GetString("socket")
	}
	return cfg.WithDefaults()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
