package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rexliu/porthole/pkg/config"
	"github.com/rexliu/porthole/pkg/jsonrpc"
	"github.com/rexliu/porthole/pkg/logging"
	"github.com/rexliu/porthole/pkg/porthole"
	"github.com/rexliu/porthole/pkg/session"
	"github.com/rexliu/porthole/pkg/storage/sqlite"
)

const (
	version        = "porthole 0.1.0"
	defaultProfile = "./_dev_profile"
)

const (
	exitOK = iota
	exitFailure
	exitNotRunning
	exitTimeout
	exitRPC
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFailure)
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = initCommand(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "call":
		err = callCommand(os.Args[2:], false)
	case "raw":
		err = callCommand(os.Args[2:], true)
	case "servers":
		err = serversCommand(os.Args[2:])
	case "history":
		err = historyCommand(os.Args[2:])
	case "diag":
		err = diagCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(exitFailure)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Println("Usage: porthole <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init      Initialize a local profile (writes config.toml)")
	fmt.Println("  call      Call METHOD on SERVER and print the result")
	fmt.Println("  raw       Call METHOD on SERVER and print the whole response")
	fmt.Println("  servers   List servers that published a session file")
	fmt.Println("  history   Show recently journaled calls")
	fmt.Println("  diag      Print profile configuration paths")
	fmt.Println("  version   Print CLI version")
}

// exitCode maps a call error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, porthole.ErrServerNotRunning):
		return exitNotRunning
	case errors.Is(err, porthole.ErrTimeout):
		return exitTimeout
	case errors.Is(err, porthole.ErrRPC):
		return exitRPC
	default:
		return exitFailure
	}
}

func initCommand(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profilePath := fs.String("profile", defaultProfile, "Profile directory")
	name := fs.String("name", "dev", "Profile name")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	_ = fs.Parse(args)
	if err := os.MkdirAll(*profilePath, 0o700); err != nil {
		return err
	}
	configPath := filepath.Join(*profilePath, config.FileName)
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}
	cfg := config.Default(*name)
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Printf("initialized profile %s at %s\n", cfg.ProfileName, *profilePath)
	return nil
}

func callCommand(args []string, raw bool) error {
	name := "call"
	if raw {
		name = "raw"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	profile := fs.String("profile", defaultProfile, "Profile directory")
	timeout := fs.Duration("timeout", 0, "Override the configured call timeout")
	output := fs.String("output", "json", "Output format (json|yaml)")
	paramsFile := fs.String("params-file", "", "Read params from a file (- for stdin)")
	_ = fs.Parse(args)

	if fs.NArg() < 2 || fs.NArg() > 3 {
		return fmt.Errorf("usage: porthole %s [options] SERVER METHOD [PARAMS]", name)
	}
	server, method := fs.Arg(0), fs.Arg(1)
	var source string
	switch {
	case fs.NArg() == 3:
		source = fs.Arg(2)
	case *paramsFile == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		source = string(data)
	case *paramsFile != "":
		data, err := os.ReadFile(*paramsFile)
		if err != nil {
			return err
		}
		source = string(data)
	}
	params, err := parseParams(source)
	if err != nil {
		return err
	}

	env, err := openEnv(*profile)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := env.log.WithContext(context.Background())
	var opts []porthole.CallOption
	if *timeout > 0 {
		opts = append(opts, porthole.Timeout(*timeout))
	}

	if raw {
		resp, err := env.client.CallRaw(ctx, server, method, params, opts...)
		if err != nil {
			return err
		}
		return writeOutput(os.Stdout, *output, resp)
	}
	result, err := env.client.Call(ctx, server, method, params, opts...)
	if err != nil {
		return err
	}
	return writeOutput(os.Stdout, *output, result)
}

func serversCommand(args []string) error {
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	profile := fs.String("profile", defaultProfile, "Profile directory")
	_ = fs.Parse(args)

	cfg, err := loadOrDefault(*profile)
	if err != nil {
		return err
	}
	reg, err := session.NewRegistry(config.ResolvePath(*profile, cfg.Client.SessionDir), 0)
	if err != nil {
		return err
	}
	names, err := reg.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("no servers found in %s\n", reg.Dir())
		return nil
	}
	for _, name := range names {
		info, err := reg.Read(name)
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", name, err)
			continue
		}
		fmt.Printf("%s\t%s\n", name, info.Endpoint().Address)
	}
	return nil
}

func historyCommand(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	profile := fs.String("profile", defaultProfile, "Profile directory")
	limit := fs.Int("limit", 20, "Maximum entries")
	server := fs.String("server", "", "Only show calls to this server")
	prune := fs.Duration("prune", 0, "Delete entries older than this before listing")
	_ = fs.Parse(args)

	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config not found in %s (run 'porthole init --profile %s')", *profile, *profile)
		}
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in %s", filepath.Join(*profile, config.FileName))
	}
	ctx := context.Background()
	store, err := openHistory(ctx, *profile, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if *prune > 0 {
		removed, err := store.Prune(ctx, time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d entries\n", removed)
	}
	entries, err := store.Recent(ctx, *server, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-16s %-24s %-18s %8s", e.Started.Format(time.RFC3339), e.Server, e.Method, e.State, e.Duration.Round(time.Microsecond))
		if e.Kind != "" {
			line += "  " + e.Kind
		}
		fmt.Println(line)
	}
	return nil
}

func diagCommand(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	profile := fs.String("profile", defaultProfile, "Profile directory")
	_ = fs.Parse(args)
	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		return err
	}
	sessionDir := config.ResolvePath(*profile, cfg.Client.SessionDir)
	if sessionDir == "" {
		if sessionDir, err = session.DefaultDir(); err != nil {
			sessionDir = fmt.Sprintf("unavailable (%v)", err)
		}
	}
	fmt.Printf("Profile: %s\n", cfg.ProfileName)
	fmt.Printf("Config: %s\n", filepath.Join(*profile, config.FileName))
	fmt.Printf("Timeout: %s\n", cfg.Client.TimeoutDuration())
	fmt.Printf("ID Scheme: %s\n", cfg.Client.IDScheme)
	fmt.Printf("Session Dir: %s\n", sessionDir)
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(*profile, cfg.Logging.FilePath))
	}
	fmt.Printf("History: %s (enabled=%t)\n", config.ResolvePath(*profile, cfg.History.DBPath), cfg.History.Enabled)
	return nil
}

// env is the client wiring shared by call and raw.
type env struct {
	client  *porthole.Client
	log     *logging.Logger
	history *sqlite.Store
}

func (e *env) Close() {
	if e.history != nil {
		e.history.Close()
	}
	e.log.Close()
}

func loadOrDefault(profile string) (*config.ProfileConfig, error) {
	cfg, err := config.LoadProfile(profile)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default("default")
		cfg.Logging.FilePath = ""
		cfg.History.Enabled = false
		return cfg, nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func openEnv(profile string) (*env, error) {
	cfg, err := loadOrDefault(profile)
	if err != nil {
		return nil, err
	}
	log := logging.New("porthole")
	logCfg := cfg.Logging
	logCfg.FilePath = config.ResolvePath(profile, logCfg.FilePath)
	if err := log.Configure(logCfg); err != nil {
		return nil, err
	}

	ids, err := jsonrpc.NewIDGenerator(cfg.Client.IDScheme)
	if err != nil {
		log.Close()
		return nil, err
	}
	reg, err := session.NewRegistry(config.ResolvePath(profile, cfg.Client.SessionDir), cfg.Client.CacheSize)
	if err != nil {
		log.Close()
		return nil, err
	}
	opts := []porthole.Option{
		porthole.WithResolver(reg),
		porthole.WithTimeout(cfg.Client.TimeoutDuration()),
		porthole.WithIDGenerator(ids),
		porthole.WithLogger(log.Logger),
	}

	e := &env{log: log}
	if cfg.History.Enabled {
		store, err := openHistory(context.Background(), profile, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Call history unavailable")
		} else {
			e.history = store
			opts = append(opts, porthole.WithObserver(store.Observer(log.Logger)))
		}
	}
	e.client = porthole.New(opts...)
	return e, nil
}

func openHistory(ctx context.Context, profile string, cfg *config.ProfileConfig) (*sqlite.Store, error) {
	store, err := sqlite.Open(config.ResolvePath(profile, cfg.History.DBPath))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
