package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"offsync/bus"
	"offsync/bus/spool"
	"offsync/client"
	"offsync/internal/config"
	"offsync/internal/credentials"
	"offsync/internal/daemon"
	"offsync/internal/monitor"
	"offsync/internal/utils"
	"offsync/store"
	"offsync/store/sqlite"
	"offsync/syncer"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds application configuration
type Config struct {
	NoPrompt    bool
	Verbose     bool
	OfflineMode string
	ConfigPath  string // Path to config file (for testing)
	DBPath      string // Path to database file (for testing)
	SpoolDir    string // Path to event spool directory (for testing)
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewOffsync(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		// Check if --json flag was passed to output error as JSON
		jsonOutput := containsJSONFlag(args)
		if jsonOutput {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			var se *utils.ErrorWithSuggestion
			if errors.As(err, &se) && se.GetSuggestion() != "" {
				_, _ = fmt.Fprintln(stderr, "Suggestion:", se.GetSuggestion())
			}
			// Emit ERROR result code in no-prompt mode
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewOffsync creates the root command with injectable IO
func NewOffsync(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "offsync",
		Short:   "An offline-first sync engine",
		Long:    "offsync queues mutations while offline and replays them against the configured server when connectivity returns.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
				cfg.NoPrompt = true
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				cfg.Verbose = true
				utils.SetVerboseMode(true)
			}
			if mode, _ := cmd.Flags().GetString("offline-mode"); mode != "" {
				cfg.OfflineMode = mode
			}
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				cfg.ConfigPath = path
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add global flags
	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("config", "", "Path to config file")
	cmd.PersistentFlags().String("offline-mode", "", "Connectivity mode (auto, online, offline)")

	cmd.AddCommand(newStatusCmd(stdout, cfg))
	cmd.AddCommand(newQueueCmd(stdout, cfg))
	cmd.AddCommand(newFlushCmd(stdout, cfg))
	cmd.AddCommand(newRetryCmd(stdout, cfg))
	cmd.AddCommand(newCancelCmd(stdout, cfg))
	cmd.AddCommand(newLoginCmd(stdout, stderr, cfg))
	cmd.AddCommand(newLogoutCmd(stdout, cfg))
	cmd.AddCommand(newDaemonCmd(stdout, cfg))
	cmd.AddCommand(newWatchCmd(stdout, cfg))
	cmd.AddCommand(newConfigCmd(stdout, cfg))

	return cmd
}

// engine bundles the wired-up components behind one CLI invocation.
type engine struct {
	app    *config.Config
	store  store.Store
	bus    bus.Bus
	spool  *spool.Bus
	client *client.Client
	sync   *syncer.Manager
}

func (e *engine) Close() {
	if e.spool != nil {
		e.spool.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

// getEngine loads configuration and wires store, bus, client and sync manager.
func getEngine(ctx context.Context, cfg *Config) (*engine, error) {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	appCfg.ApplyFlags("", cfg.OfflineMode)
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}

	dbPath := appCfg.Storage.Path
	if cfg.DBPath != "" {
		dbPath = cfg.DBPath
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	st, err := sqlite.New(dbPath)
	if err != nil {
		return nil, err
	}

	e := &engine{app: appCfg, store: st}

	spoolDir := appCfg.Bus.SpoolDir
	if cfg.SpoolDir != "" {
		spoolDir = cfg.SpoolDir
	}
	if spoolDir != "" {
		sp, err := spool.New(config.ExpandPath(spoolDir))
		if err != nil {
			e.Close()
			return nil, err
		}
		e.spool = sp
		e.bus = sp
	} else {
		e.bus = bus.NewLocal()
	}

	var rq syncer.Requester
	var probe syncer.Probe
	if appCfg.Server.BaseURL != "" {
		token := ""
		if info, err := credentials.NewManager(appCfg.GetTokenService()).Get(ctx); err == nil && info.Found {
			token = info.Token
		}
		e.client = client.New(client.Config{
			BaseURL:      appCfg.Server.BaseURL,
			Token:        token,
			EnableJitter: true,
		})
		rq = e.client
		probe = probeFor(e.client)
	}

	mon := syncer.NewMonitor(syncer.Mode(appCfg.GetOfflineMode()), probe, appCfg.GetConnectivityTimeout())
	e.sync = syncer.New(st, rq, e.bus, mon, syncer.Options{
		MaxRetries:     appCfg.GetMaxRetries(),
		RetryBaseDelay: appCfg.GetRetryBaseDelay(),
		RetryMaxDelay:  appCfg.GetRetryMaxDelay(),
	})

	return e, nil
}

// probeFor builds a connectivity probe from the HTTP client. Any HTTP
// response, success or error status, means the endpoint is reachable.
func probeFor(c *client.Client) syncer.Probe {
	return func(ctx context.Context) error {
		_, err := c.Do(ctx, http.MethodGet, "/", nil)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			return nil
		}
		return err
	}
}

// newStatusCmd creates the 'status' subcommand
func newStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and connectivity",
		Long:  "Display pending and failed mutation counts, the connectivity state, and the background daemon state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doStatus(ctx, e, cfg, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

type statusResponse struct {
	Pending   int    `json:"pending"`
	Failed    int    `json:"failed"`
	Online    bool   `json:"online"`
	Mode      string `json:"mode"`
	Daemon    bool   `json:"daemon"`
	Circuit   string `json:"circuit,omitempty"`
	LastFlush string `json:"last_flush,omitempty"`
	Result    string `json:"result"`
}

// doStatus reports queue counts, connectivity and daemon state
func doStatus(ctx context.Context, e *engine, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	stats, err := e.sync.GetMutationStats(ctx)
	if err != nil {
		return err
	}

	resp := statusResponse{
		Pending: stats.Pending,
		Failed:  stats.Failed,
		Online:  e.sync.Monitor().Online(),
		Mode:    string(e.sync.Monitor().Mode()),
		Result:  ResultInfoOnly,
	}

	sockPath, pidPath := daemon.GetSocketPath(), daemon.GetPIDPath()
	if daemon.IsRunning(pidPath, sockPath) {
		resp.Daemon = true
		if dresp, err := daemon.NewClient(sockPath).Status(); err == nil {
			resp.Circuit = dresp.Circuit
			resp.LastFlush = dresp.LastFlush
		}
	}

	if jsonOutput {
		jsonBytes, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, string(jsonBytes))
		return nil
	}

	state := "offline"
	if resp.Online {
		state = "online"
	}
	_, _ = fmt.Fprintf(stdout, "Connectivity: %s (%s)\n", state, resp.Mode)
	_, _ = fmt.Fprintf(stdout, "Queue:        %d pending, %d failed\n", resp.Pending, resp.Failed)
	if resp.Daemon {
		line := fmt.Sprintf("Daemon:       running (pid %d", daemon.ReadPID(daemon.GetPIDPath()))
		if resp.Circuit != "" {
			line += ", circuit " + resp.Circuit
		}
		if resp.LastFlush != "" {
			line += ", last flush " + resp.LastFlush
		}
		_, _ = fmt.Fprintln(stdout, line+")")
	} else {
		_, _ = fmt.Fprintln(stdout, "Daemon:       not running")
	}

	if cfg != nil && cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// newQueueCmd creates the 'queue' subcommand
func newQueueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued mutations",
		Long:  "List pending and failed mutations in delivery order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doQueueView(ctx, e, cfg, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	queueCmd.AddCommand(newQueueClearCmd(stdout, cfg))

	return queueCmd
}

type mutationJSON struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Method     string `json:"method"`
	Endpoint   string `json:"endpoint"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	LastError  string `json:"last_error,omitempty"`
	QueuedAt   string `json:"queued_at"`
}

type queueResponse struct {
	Mutations []mutationJSON `json:"mutations"`
	Count     int            `json:"count"`
	Result    string         `json:"result"`
}

func mutationToJSON(m *store.Mutation) mutationJSON {
	return mutationJSON{
		ID:         m.ID,
		Kind:       string(m.Kind),
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Method:     m.Method,
		Endpoint:   m.Endpoint,
		Status:     string(m.Status),
		Retries:    m.RetryCount,
		LastError:  m.LastError,
		QueuedAt:   m.Timestamp.UTC().Format(time.RFC3339),
	}
}

// doQueueView lists pending and failed mutations
func doQueueView(ctx context.Context, e *engine, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	pending, err := e.sync.GetPendingMutations(ctx)
	if err != nil {
		return err
	}
	failed, err := e.sync.GetFailedMutations(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		output := []mutationJSON{}
		for i := range pending {
			output = append(output, mutationToJSON(&pending[i]))
		}
		for i := range failed {
			output = append(output, mutationToJSON(&failed[i]))
		}
		jsonBytes, err := json.Marshal(queueResponse{Mutations: output, Count: len(output), Result: ResultInfoOnly})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, string(jsonBytes))
		return nil
	}

	if len(pending) == 0 && len(failed) == 0 {
		_, _ = fmt.Fprintln(stdout, "Queue is empty.")
		if cfg != nil && cfg.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	_, _ = fmt.Fprintf(stdout, "Queued mutations (%d):\n\n", len(pending)+len(failed))
	_, _ = fmt.Fprintf(stdout, "%-36s %-8s %-8s %-24s %s\n", "ID", "KIND", "STATUS", "ENTITY", "RETRIES")
	printRow := func(m *store.Mutation) {
		entity := m.EntityType + "/" + m.EntityID
		_, _ = fmt.Fprintf(stdout, "%-36s %-8s %-8s %-24s %d\n", m.ID, m.Kind, m.Status, entity, m.RetryCount)
		if m.LastError != "" {
			_, _ = fmt.Fprintf(stdout, "    last error: %s\n", m.LastError)
		}
	}
	for i := range pending {
		printRow(&pending[i])
	}
	for i := range failed {
		printRow(&failed[i])
	}

	if cfg != nil && cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// newQueueClearCmd creates the 'queue clear' subcommand
func newQueueClearCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued mutation",
		Long:  "Remove all pending, syncing and failed mutations without delivering them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.sync.ClearQueue(ctx)
			if err != nil {
				return err
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				jsonBytes, err := json.Marshal(map[string]interface{}{
					"cleared": n,
					"result":  ResultActionCompleted,
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			_, _ = fmt.Fprintf(stdout, "Cleared %d mutations.\n", n)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

type flushResponse struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
	Result  string   `json:"result"`
}

// newFlushCmd creates the 'flush' subcommand
func newFlushCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver pending mutations now",
		Long:  "Run one flush cycle, delivering pending mutations to the configured server in queue order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doFlush(ctx, e, cfg, stdout, jsonOutput, false)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newRetryCmd creates the 'retry' subcommand
func newRetryCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed mutations and flush",
		Long:  "Move failed mutations back to pending and run one flush cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doFlush(ctx, e, cfg, stdout, jsonOutput, true)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doFlush runs one flush cycle, optionally requeueing failed mutations first
func doFlush(ctx context.Context, e *engine, cfg *Config, stdout io.Writer, jsonOutput, retryFailed bool) error {
	if !e.sync.Monitor().Online() {
		stats, err := e.sync.GetMutationStats(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			jsonBytes, err := json.Marshal(map[string]interface{}{
				"offline": true,
				"pending": stats.Pending,
				"result":  ResultInfoOnly,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, string(jsonBytes))
			return nil
		}
		_, _ = fmt.Fprintf(stdout, "Offline; %d mutations remain queued.\n", stats.Pending)
		if cfg != nil && cfg.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	if e.client == nil {
		return utils.ErrServerNotConfigured()
	}

	var res syncer.Result
	var err error
	if retryFailed {
		res, err = e.sync.RetryFailedMutations(ctx)
	} else {
		res = e.sync.SyncPendingMutations(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		jsonBytes, err := json.Marshal(flushResponse{
			Success: res.Success,
			Failed:  res.Failed,
			Errors:  res.Errors,
			Result:  ResultActionCompleted,
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, string(jsonBytes))
		return nil
	}

	_, _ = fmt.Fprintf(stdout, "Flushed: %d synced, %d failed.\n", res.Success, res.Failed)
	for _, msg := range res.Errors {
		_, _ = fmt.Fprintf(stdout, "  %s\n", msg)
	}
	if cfg != nil && cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// newCancelCmd creates the 'cancel' subcommand
func newCancelCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [id]",
		Short: "Remove one queued mutation",
		Long:  "Remove a mutation from the queue by ID. An in-flight delivery result for the mutation is discarded.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			id := args[0]
			if _, err := e.store.GetMutation(ctx, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return utils.ErrMutationNotFound(id)
				}
				return err
			}
			if err := e.sync.CancelMutation(ctx, id); err != nil {
				return err
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				jsonBytes, err := json.Marshal(map[string]string{
					"cancelled": id,
					"result":    ResultActionCompleted,
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			_, _ = fmt.Fprintf(stdout, "Cancelled mutation %s.\n", id)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newLoginCmd creates the 'login' subcommand
func newLoginCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the API token in the system keyring",
		Long:  "Prompt for an API token and store it securely in the system keyring (macOS Keychain, Windows Credential Manager, or Linux Secret Service).",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			appCfg, err := config.Load(cfg.ConfigPath)
			if err != nil {
				return err
			}

			token, err := credentials.PromptToken(cmd.InOrStdin(), stderr)
			if err != nil {
				return err
			}

			if err := credentials.NewManager(appCfg.GetTokenService()).Set(ctx, token); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(stdout, "Token stored in system keyring.")
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newLogoutCmd creates the 'logout' subcommand
func newLogoutCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the API token from the system keyring",
		Long:  "Remove the stored API token. The OFFSYNC_TOKEN environment variable is not affected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			appCfg, err := config.Load(cfg.ConfigPath)
			if err != nil {
				return err
			}

			if err := credentials.NewManager(appCfg.GetTokenService()).Delete(ctx); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(stdout, "Token removed.")
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDaemonCmd creates the 'daemon' subcommand tree
func newDaemonCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background flush daemon",
		Long:  "Start, stop, or inspect the background daemon that flushes the mutation queue on an interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonCmd.AddCommand(newDaemonStartCmd(stdout, cfg))
	daemonCmd.AddCommand(newDaemonStopCmd(stdout, cfg))
	daemonCmd.AddCommand(newDaemonStatusCmd(stdout, cfg))
	daemonCmd.AddCommand(newDaemonRunCmd(cfg))

	return daemonCmd
}

// daemonConfig builds daemon paths and intervals from application config
func daemonConfig(appCfg *config.Config, cfg *Config) *daemon.Config {
	return &daemon.Config{
		PIDPath:     daemon.GetPIDPath(),
		SocketPath:  daemon.GetSocketPath(),
		LogPath:     filepath.Join(filepath.Dir(daemon.GetPIDPath()), "offsync-daemon.log"),
		Interval:    time.Duration(appCfg.GetDaemonInterval()) * time.Second,
		IdleTimeout: time.Duration(appCfg.GetDaemonIdleTimeout()) * time.Second,
		ConfigPath:  cfg.ConfigPath,
	}
}

// newDaemonStartCmd creates the 'daemon start' subcommand
func newDaemonStartCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := config.Load(cfg.ConfigPath)
			if err != nil {
				return err
			}

			pidPath, sockPath := daemon.GetPIDPath(), daemon.GetSocketPath()
			if daemon.IsRunning(pidPath, sockPath) {
				return utils.ErrDaemonAlreadyRunning(daemon.ReadPID(pidPath))
			}

			if err := daemon.Fork(daemonConfig(appCfg, cfg)); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(stdout, "Daemon started.")
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDaemonStopCmd creates the 'daemon stop' subcommand
func newDaemonStopCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, sockPath := daemon.GetPIDPath(), daemon.GetSocketPath()
			if !daemon.IsRunning(pidPath, sockPath) {
				return utils.ErrDaemonNotRunning()
			}

			if err := daemon.NewClient(sockPath).Stop(); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(stdout, "Daemon stopped.")
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDaemonStatusCmd creates the 'daemon status' subcommand
func newDaemonStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			pidPath, sockPath := daemon.GetPIDPath(), daemon.GetSocketPath()

			if !daemon.IsRunning(pidPath, sockPath) {
				if jsonOutput {
					jsonBytes, err := json.Marshal(map[string]interface{}{
						"running": false,
						"result":  ResultInfoOnly,
					})
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(stdout, string(jsonBytes))
					return nil
				}
				_, _ = fmt.Fprintln(stdout, "Daemon is not running.")
				if cfg != nil && cfg.NoPrompt {
					_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
				}
				return nil
			}

			resp, err := daemon.NewClient(sockPath).Status()
			if err != nil {
				return err
			}

			if jsonOutput {
				jsonBytes, err := json.Marshal(resp)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			_, _ = fmt.Fprintf(stdout, "Daemon:  running (pid %d)\n", daemon.ReadPID(pidPath))
			_, _ = fmt.Fprintf(stdout, "Queue:   %d pending, %d failed\n", resp.Pending, resp.Failed)
			_, _ = fmt.Fprintf(stdout, "Flushes: %d", resp.FlushCount)
			if resp.LastFlush != "" {
				_, _ = fmt.Fprintf(stdout, " (last %s)", resp.LastFlush)
			}
			_, _ = fmt.Fprintln(stdout)
			if resp.Circuit != "" {
				_, _ = fmt.Fprintf(stdout, "Circuit: %s\n", resp.Circuit)
			}
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDaemonRunCmd creates the hidden 'daemon run' subcommand. This is the
// daemon process entry point; Fork execs the binary with these flags.
func newDaemonRunCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _ := cmd.Flags().GetString("pid-path")
			sockPath, _ := cmd.Flags().GetString("socket-path")
			logPath, _ := cmd.Flags().GetString("log-path")
			interval, _ := cmd.Flags().GetInt("interval")
			idleTimeout, _ := cmd.Flags().GetInt("idle-timeout")
			configPath, _ := cmd.Flags().GetString("config")

			if configPath != "" {
				cfg.ConfigPath = configPath
			}

			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			d := daemon.New(&daemon.Config{
				PIDPath:     pidPath,
				SocketPath:  sockPath,
				LogPath:     logPath,
				Interval:    time.Duration(interval) * time.Second,
				IdleTimeout: time.Duration(idleTimeout) * time.Second,
				ConfigPath:  configPath,
			})
			d.SetFlushFunc(func() syncer.Result {
				return e.sync.SyncPendingMutations(ctx)
			})
			d.SetStatsFunc(func() (syncer.Stats, error) {
				return e.sync.GetMutationStats(ctx)
			})

			return d.Start()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("pid-path", "", "Path to PID file")
	cmd.Flags().String("socket-path", "", "Path to Unix socket")
	cmd.Flags().String("log-path", "", "Path to log file")
	cmd.Flags().Int("interval", 300, "Flush interval in seconds")
	cmd.Flags().Int("idle-timeout", 0, "Idle timeout in seconds (0 = never)")

	return cmd
}

// newWatchCmd creates the 'watch' subcommand
func newWatchCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live queue monitor",
		Long:  "Open an interactive terminal view of the mutation queue with manual flush and retry controls.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := getEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			p := tea.NewProgram(monitor.New(e.sync), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newConfigCmd creates the 'config' subcommand
func newConfigCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := config.Load(cfg.ConfigPath)
			if err != nil {
				return err
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				jsonBytes, err := json.Marshal(map[string]interface{}{
					"server":       appCfg.Server.BaseURL,
					"storage":      appCfg.Storage.Path,
					"offline_mode": appCfg.GetOfflineMode(),
					"max_retries":  appCfg.GetMaxRetries(),
					"stale_after":  appCfg.GetStaleAfter().String(),
					"result":       ResultInfoOnly,
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(jsonBytes))
				return nil
			}

			server := appCfg.Server.BaseURL
			if server == "" {
				server = "(not configured)"
			}
			_, _ = fmt.Fprintf(stdout, "Server:       %s\n", server)
			_, _ = fmt.Fprintf(stdout, "Storage:      %s\n", appCfg.Storage.Path)
			_, _ = fmt.Fprintf(stdout, "Offline mode: %s\n", appCfg.GetOfflineMode())
			_, _ = fmt.Fprintf(stdout, "Max retries:  %d\n", appCfg.GetMaxRetries())
			_, _ = fmt.Fprintf(stdout, "Stale after:  %s\n", appCfg.GetStaleAfter())
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.ConfigPath
			if path == "" {
				path = filepath.Join(config.GetConfigDir(), "config.yaml")
			}
			_, _ = fmt.Fprintln(stdout, path)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return configCmd
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}
