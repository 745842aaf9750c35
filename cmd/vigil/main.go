package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"vigil-go/internal/app"
	"vigil-go/internal/audit"
	"vigil-go/internal/config"
	"vigil-go/internal/guard"
	"vigil-go/internal/vigil"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// readConfig loads the config named by the environment defaults.
func readConfig() (*config.Config, map[string]string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults, nil
}

// newApp reads the config and creates a VigilApp. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Run", "Restore").
func newApp(operation, parameters string) (*app.VigilApp, error) {
	cfg, defaults, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewVigilApp(cfg, operation, parameters, app.Options{
		LogLevel: defaults["log_level"],
		Stderr:   verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readSecret reads a value without echo from a terminal, or one line from
// piped stdin.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printLicense(s vigil.LicenseState) {
	fmt.Printf("Status:         %s\n", s.Status)
	if s.Status == vigil.LicenseUnactivated {
		return
	}
	fmt.Printf("Activation ID:  %s\n", s.ActivationID)
	fmt.Printf("Expiry:         %s (%d days left)\n", fmtTime(s.Expiry), app.DaysLeft(s, time.Now()))
	fmt.Printf("Seats:          %d/%d\n", s.SeatCount, s.SeatLimit)
	fmt.Printf("Auto-renew:     %t\n", s.AutoRenew)
	fmt.Printf("Last validated: %s\n", fmtTime(s.LastValidated))
	if !s.OfflineSince.IsZero() {
		fmt.Printf("Offline since:  %s (%d failed checks)\n", fmtTime(s.OfflineSince), s.FailureCount)
	}
}

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Real-time file protection agent",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])
		cfg.LogDir = defaults["log_dir"]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, defaults, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID:      %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:       %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:        %s\n", cfg.LogDir)
		fmt.Printf("Watch roots:    %s\n", strings.Join(cfg.Watch.Roots, ", "))
		fmt.Printf("Installer dirs: %s\n", strings.Join(cfg.Install.Dirs, ", "))
		fmt.Printf("License server: %s\n", cfg.License.ServerURL)
		fmt.Printf("Rule source:    %s\n", cfg.Rules.Source.Type)
		fmt.Printf("Metrics:        %s\n", cfg.Metrics.ListenAddr)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage quarantine encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the quarantine key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := readSecret("Passphrase: ")
		if err != nil {
			return err
		}
		if pass == "" {
			return errors.New("passphrase must not be empty")
		}
		if err := app.SetupKeys(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s\n", filepath.Dir(cfg.Encryption.PublicKeyPath))
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the protection agent in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Run", "")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = a.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return a.Fail(err)
	},
}

// probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check for a running agent (exit status 1 if one is running)",
	Long: `Check whether an agent holds the instance lock in the base directory.

Exits 0 and prints "not running" when the lock is free, or prints the holder's
PID and exits 1. The lock is an flock, so detection only works on Unix
systems; elsewhere probe always reports "not running".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		running, pid, err := guard.IsAlreadyRunning(guard.New(cfg.BaseDir).Path())
		if err != nil {
			return err
		}
		if running {
			fmt.Printf("running (pid %d)\n", pid)
			os.Exit(1)
		}
		fmt.Println("not running")
		return nil
	},
}

// activate command
var activateCmd = &cobra.Command{
	Use:   "activate [KEY]",
	Short: "Activate this device with a license key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			k, err := readSecret("License key: ")
			if err != nil {
				return err
			}
			key = k
		}
		if key == "" {
			return errors.New("license key must not be empty")
		}

		a, err := newApp("Activate", "")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Activate(cmd.Context(), key)
		if err != nil {
			return a.Fail(err)
		}
		printLicense(st)
		return nil
	},
}

// license command
var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Inspect and manage the license",
}

var licenseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored license state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("LicenseStatus", "")
		if err != nil {
			return err
		}
		defer a.Close()
		printLicense(a.LicenseStatus())
		return nil
	},
}

var licenseValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the license with the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("LicenseValidate", "")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.ValidateLicense(cmd.Context())
		printLicense(st)
		return a.Fail(err)
	},
}

var licenseAutoRenewCmd = &cobra.Command{
	Use:       "auto-renew on|off",
	Short:     "Switch automatic renewal",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}

		a, err := newApp("AutoRenew", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetAutoRenew(cmd.Context(), enabled); err != nil {
			return a.Fail(err)
		}
		fmt.Printf("Auto-renew %s\n", args[0])
		return nil
	},
}

// rules command
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and update detection rules",
}

var rulesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RulesStatus", "")
		if err != nil {
			return err
		}
		defer a.Close()

		v, ok, err := a.RulesStatus()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("No rule set installed.")
			return nil
		}
		fmt.Printf("Version: %s\n", v.Version)
		fmt.Printf("Rules:   %d\n", v.RuleCount)
		fmt.Printf("SHA-256: %s\n", v.Hash)
		fmt.Printf("Loaded:  %s\n", fmtTime(v.LoadedAt))
		return nil
	},
}

var rulesUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch the latest rule set now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RulesUpdate", "")
		if err != nil {
			return err
		}
		defer a.Close()

		v, changed, err := a.UpdateRules(cmd.Context())
		if err != nil {
			return a.Fail(err)
		}
		if changed {
			fmt.Printf("Installed rule set %s (%d rules)\n", v.Version, v.RuleCount)
		} else {
			fmt.Printf("Rule set %s is current\n", v.Version)
		}
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan PATH",
	Short: "Scan a file or directory now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")

		a, err := newApp("Scan", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		var total, flagged int
		err = a.Scan(args[0], recursive, func(v vigil.Verdict) {
			total++
			if v.Kind == vigil.VerdictClean {
				return
			}
			flagged++
			detail := strings.Join(v.MatchedRules, ",")
			if v.Error != "" {
				detail = v.Error
			}
			fmt.Printf("%-18s %s  %s\n", v.Kind, v.Path, detail)
		})
		if err != nil {
			return a.Fail(err)
		}
		fmt.Printf("Scanned %d file(s), %d not clean.\n", total, flagged)
		return nil
	},
}

// quarantine command
var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Manage quarantined files",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("QuarantineList", "")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.ListQuarantine()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("Quarantine is empty.")
			return nil
		}
		for _, r := range recs {
			flag := ""
			if !r.Restorable {
				flag = "  (not restorable)"
			}
			fmt.Printf("%s  %s  %8d  %s  [%s]%s\n",
				r.ID,
				fmtTime(r.QuarantinedAt),
				r.Size,
				r.OriginalPath,
				strings.Join(r.MatchedRules, ","),
				flag,
			)
		}
		return nil
	},
}

var quarantineRestoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Restore a quarantined file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("to")
		if dest != "" {
			abs, err := filepath.Abs(dest)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			dest = abs
		}

		pass, err := readSecret("Passphrase: ")
		if err != nil {
			return err
		}

		a, err := newApp("Restore", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.Restore(args[0], dest, pass)
		if err != nil {
			return a.Fail(err)
		}
		fmt.Printf("Restored %s\n", path)
		return nil
	},
}

var quarantinePurgeCmd = &cobra.Command{
	Use:   "purge ID",
	Short: "Permanently delete a quarantined file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Purge", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Purge(args[0]); err != nil {
			return a.Fail(err)
		}
		fmt.Printf("Purged %s\n", args[0])
		return nil
	},
}

// verdicts command
var verdictsCmd = &cobra.Command{
	Use:   "verdicts",
	Short: "Show recent scan verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("Verdicts", "")
		if err != nil {
			return err
		}
		defer a.Close()

		vs, err := a.Verdicts(limit)
		if err != nil {
			return err
		}
		if len(vs) == 0 {
			fmt.Println("No verdicts recorded.")
			return nil
		}
		for _, v := range vs {
			fmt.Printf("%s  %-18s %-8s %s\n", fmtTime(v.ScannedAt), v.Kind, v.RuleVersion, v.Path)
		}
		return nil
	},
}

// installs command
var installsCmd = &cobra.Command{
	Use:   "installs",
	Short: "Show recent install sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("Installs", "")
		if err != nil {
			return err
		}
		defer a.Close()

		rs, err := a.Installs(limit)
		if err != nil {
			return err
		}
		if len(rs) == 0 {
			fmt.Println("No install sessions recorded.")
			return nil
		}
		for _, r := range rs {
			fmt.Printf("#%d  %s  %-12s  scanned=%d flagged=%d  %s\n",
				r.ID,
				fmtTime(r.StartedAt),
				r.Installer,
				r.Scanned,
				r.Flagged,
				r.Root,
			)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View command history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History", "")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %s  %s\n",
				op.ID,
				op.Operation,
				fmtTime(op.StartedAt),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		kinds, _ := cmd.Flags().GetStringSlice("kind")

		a, err := newApp("Events", "")
		if err != nil {
			return err
		}
		defer a.Close()

		filter := audit.Filter{Limit: limit}
		for _, k := range kinds {
			filter.Kinds = append(filter.Kinds, vigil.EventKind(k))
		}
		evs, skipped, err := a.Events(filter)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			var fields []string
			for k, v := range ev.Fields {
				fields = append(fields, k+"="+v)
			}
			fmt.Printf("%s  %-20s %s  %s  %s\n",
				fmtTime(ev.Time),
				ev.Kind,
				ev.Path,
				ev.Message,
				strings.Join(fields, " "),
			)
		}
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "%d unreadable line(s) skipped\n", skipped)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Mirror the log to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	// license subcommands
	licenseCmd.AddCommand(licenseStatusCmd)
	licenseCmd.AddCommand(licenseValidateCmd)
	licenseCmd.AddCommand(licenseAutoRenewCmd)

	rulesCmd.AddCommand(rulesStatusCmd)
	rulesCmd.AddCommand(rulesUpdateCmd)

	// quarantine subcommands
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineRestoreCmd)
	quarantineRestoreCmd.Flags().String("to", "", "Restore to this path instead of the original location")
	quarantineCmd.AddCommand(quarantinePurgeCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(verdictsCmd)
	verdictsCmd.Flags().IntP("limit", "n", 50, "Maximum number of verdicts to show")
	rootCmd.AddCommand(installsCmd)
	installsCmd.Flags().IntP("limit", "n", 20, "Maximum number of install sessions to show")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntP("limit", "n", 100, "Show only the last N events")
	eventsCmd.Flags().StringSlice("kind", nil, "Only these event kinds; a trailing '.' matches a prefix")
}
