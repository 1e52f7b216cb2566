package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"passfiles/internal/app"
	"passfiles/internal/config"
	"passfiles/internal/pf"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a PFApp. The caller must call done
// with the command's error, which marks the operation and closes the app.
func newApp(ctx context.Context, operation string) (*app.PFApp, func(error), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	prompt := app.NewTerminalPrompt(openTTY(), os.Stderr)
	a, err := app.NewPFApp(ctx, cfg, operation, prompt, app.NewConsoleNotifier(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}
	done := func(err error) {
		if err != nil {
			a.Fail()
		}
		a.Close()
	}
	return a, done, nil
}

// openTTY returns the controlling terminal for passphrase prompts, so that
// stdin stays free for record content.
func openTTY() io.Reader {
	if tty, err := os.Open("/dev/tty"); err == nil {
		return tty
	}
	return os.Stdin
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func recordType(cmd *cobra.Command) (pf.Type, error) {
	name, _ := cmd.Flags().GetString("type")
	return pf.ParseType(name)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

// readContent reads record content from path, or stdin for "-".
func readContent(t pf.Type, path string) (pf.Value, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return app.ParseValue(t, data)
}

var (
	faint  = color.New(color.Faint).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:          "pf",
	Short:        "Encrypted passfile store with server sync",
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

		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			userID = uuid.New().String()
		}

		cfg, err := defaults.NewConfig(userID)
		if err != nil {
			return err
		}
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("User ID:  %s\n", userID)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		if cfg.Remote.Type != "none" {
			fmt.Printf("Remote:   %s %s\n", cfg.Remote.Type, cfg.Remote.HTTPURL)
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("User ID:  %s\n", cfg.UserID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.Log.Dir)
		fmt.Printf("Storage:  %s %s\n", cfg.Storage.Type, cfg.Storage.Dir)
		fmt.Printf("Counter:  %s %s\n", cfg.Counter.Type, cfg.Counter.Path)
		switch cfg.Remote.Type {
		case "http":
			fmt.Printf("Remote:   http %s\n", cfg.Remote.HTTPURL)
		case "s3":
			fmt.Printf("Remote:   s3 %s/%s\n", cfg.Remote.S3Bucket, cfg.Remote.S3Prefix)
		default:
			fmt.Printf("Remote:   %s\n", cfg.Remote.Type)
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		a, done, err := newApp(cmd.Context(), "list")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		records, err := a.List(t)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Printf("No %s records.\n", t)
			return nil
		}
		sort.SliceStable(records, func(i, j int) bool {
			return strings.ToLower(records[i].Name) < strings.ToLower(records[j].Name)
		})
		for _, r := range records {
			var flags []string
			if r.IsLocalOnly() {
				flags = append(flags, yellow("local"))
			}
			if r.IsDeleted() {
				flags = append(flags, red("deleted"))
			}
			if r.Marks != 0 {
				flags = append(flags, red(r.Marks.String()))
			}
			fmt.Printf("%6d  v%-3d  %-30s %s %s\n", r.ID, r.Version, r.Name, faint(r.Color), strings.Join(flags, " "))
		}
		return nil
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Decrypt and print a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, done, err := newApp(cmd.Context(), "show")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		_, v, err := a.Show(cmd.Context(), t, id)
		if err != nil {
			return err
		}
		return app.FormatValue(os.Stdout, v)
	},
}

// add command
var addCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a record",
	Long:  "Add a record. Password content is a JSON array of sections, note content is plain text.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		v, err := readContent(t, file)
		if err != nil {
			return err
		}
		a, done, err := newApp(cmd.Context(), "add")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		rec, err := a.Add(cmd.Context(), args[0], v)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s %d %q\n", t, rec.ID, rec.Name)
		return nil
	},
}

// edit command
var editCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Replace the content of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		v, err := readContent(t, file)
		if err != nil {
			return err
		}
		a, done, err := newApp(cmd.Context(), "edit")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		rec, err := a.Edit(cmd.Context(), t, id, v)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %q version %d\n", rec.Name, rec.Version)
		return nil
	},
}

// rename command
var renameCmd = &cobra.Command{
	Use:   "rename ID NAME",
	Short: "Rename a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		colorName, _ := cmd.Flags().GetString("color")
		a, done, err := newApp(cmd.Context(), "rename")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		return a.Rename(t, id, args[1], colorName)
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a record here and, on the next sync, on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, done, err := newApp(cmd.Context(), "delete")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		return a.Delete(t, id)
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions ID",
	Short: "List the content versions kept locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		a, done, err := newApp(cmd.Context(), "versions")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		versions, err := a.Versions(t, id)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	},
}

// rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback ID VERSION",
	Short: "Make an older local version current again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		a, done, err := newApp(cmd.Context(), "rollback")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		rec, err := a.RestoreVersion(cmd.Context(), t, id, version)
		if err != nil {
			return err
		}
		fmt.Printf("Restored version %d of %q as version %d\n", version, rec.Name, rec.Version)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize records with the server",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		watch, _ := cmd.Flags().GetBool("watch")

		ctx, cancel := signalContext()
		defer cancel()

		a, done, err := newApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		if watch {
			fmt.Println("Watching for changes, press Ctrl-C to stop.")
			return a.Watch(ctx, printSyncResults)
		}
		results, err := a.SyncAll(ctx)
		printSyncResults(results, err)
		return err
	},
}

func printSyncResults(results map[pf.Type]*pf.SyncResult, err error) {
	types := make([]pf.Type, 0, len(results))
	for t := range results {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	stamp := time.Now().Format("15:04:05")
	for _, t := range types {
		res := results[t]
		if res.Offline {
			fmt.Printf("%s %-9s %s\n", stamp, t, yellow("offline"))
			continue
		}
		fmt.Printf("%s %-9s %s down, %s up, %d restored, %d deleted, %d removed",
			stamp, t,
			green(len(res.Downloaded)), green(len(res.Uploaded)),
			len(res.Restored), len(res.DeletedRemote), len(res.RemovedLocal))
		if len(res.NeedsMerge) > 0 {
			fmt.Printf(", %s", yellow(fmt.Sprintf("%d need merge %v", len(res.NeedsMerge), res.NeedsMerge)))
		}
		if len(res.Failed) > 0 {
			fmt.Printf(", %s", red(fmt.Sprintf("%d failed %v", len(res.Failed), res.Failed)))
		}
		fmt.Println()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("%s %s\n", stamp, red(err.Error()))
	}
}

// merge command
var mergeCmd = &cobra.Command{
	Use:   "merge ID",
	Short: "Resolve a record edited both here and on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		t, err := recordType(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, done, err := newApp(ctx, "merge")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		plan, err := a.PrepareMerge(ctx, t, id)
		if err != nil {
			return err
		}
		fmt.Printf("%d section(s) agree, %d conflict(s).\n", len(plan.Result), len(plan.Conflicts))

		in := bufio.NewReader(openTTY())
		choices := make([]pf.Resolution, len(plan.Conflicts))
		for i, c := range plan.Conflicts {
			fmt.Printf("\nConflict %d of %d\n", i+1, len(plan.Conflicts))
			printSide("local", c.Local)
			printSide("server", c.Remote)
			for {
				fmt.Print("Keep [l]ocal, [r]emote, [b]oth or [d]rop? ")
				line, readErr := in.ReadString('\n')
				if readErr != nil {
					return fmt.Errorf("merge aborted: %w", readErr)
				}
				r, perr := app.ParseResolution(line)
				if perr == nil {
					choices[i] = r
					break
				}
				fmt.Println(perr)
			}
		}

		if err := a.ApplyMerge(t, plan, choices); err != nil {
			return err
		}
		fmt.Println("Merged. Run `pf sync` to upload the result.")
		return nil
	},
}

func printSide(label string, s *pf.Section) {
	if s == nil {
		fmt.Printf("  %-7s %s\n", label+":", faint("(absent)"))
		return
	}
	fmt.Printf("  %-7s %s %s\n", label+":", s.Name, faint(s.URL))
	for _, it := range s.Items {
		fmt.Printf("           %s = %s\n", it.Name, it.Value)
	}
}

// purge command
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove old content versions and quarantined manifests",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, done, err := newApp(cmd.Context(), "purge")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		stats, err := a.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d old version(s) and %d quarantined manifest(s)\n", stats.Versions, stats.Quarantined)
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Write a sealed archive of the local store",
	Args: func(cmd *cobra.Command, args []string) error {
		if setup, _ := cmd.Flags().GetBool("setup"); setup {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		a, done, err := newApp(ctx, "export")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		if setup, _ := cmd.Flags().GetBool("setup"); setup {
			prompt := app.NewTerminalPrompt(openTTY(), os.Stderr)
			first, ok := prompt.Ask(ctx, "Export passphrase: ")
			if !ok {
				return pf.ErrPassphraseRequired
			}
			second, ok := prompt.Ask(ctx, "Repeat passphrase: ")
			if !ok {
				return pf.ErrPassphraseRequired
			}
			if first != second {
				return app.ErrPassphraseMismatch
			}
			if err := a.ExportSetup(first); err != nil {
				return err
			}
			fmt.Println("Export keys created.")
			return nil
		}

		f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("creating archive: %w", err)
		}
		stats, err := a.Export(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(args[0])
			return err
		}
		fmt.Printf("Exported %d record(s), %d version(s) to %s\n", stats.Records, stats.Versions, args[0])
		return nil
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Restore a sealed archive into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		ctx := cmd.Context()
		a, done, err := newApp(ctx, "import")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer f.Close()

		pass, ok := app.NewTerminalPrompt(openTTY(), os.Stderr).Ask(ctx, "Export passphrase: ")
		if !ok {
			return pf.ErrPassphraseRequired
		}
		stats, err := a.Import(f, pass, overwrite)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d record(s), %d version(s)\n", stats.Records, stats.Versions)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync history",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		limit, _ := cmd.Flags().GetInt("limit")

		a, done, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer func() { done(err) }()

		runs, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}
		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-9s  %s  %-9s  %3d down  %3d up  %3d merge  %3d failed  %s\n",
				r.ID,
				r.RecordType,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.Downloaded, r.Uploaded, r.NeedsMerge, r.Failed,
				duration,
			)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development record server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Remote.ServeAddr
		}

		ctx, cancel := signalContext()
		defer cancel()

		srv, err := app.NewServer(ctx, cfg, addr)
		if err != nil {
			return err
		}
		fmt.Printf("Serving records on http://%s\n", srv.Addr())
		return srv.Serve(ctx)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("user", "", "User ID (default: random)")

	// record commands take a type
	for _, c := range []*cobra.Command{listCmd, showCmd, addCmd, editCmd, renameCmd, deleteCmd, versionsCmd, rollbackCmd, mergeCmd} {
		c.Flags().StringP("type", "t", "password", "Record type: password or note")
		rootCmd.AddCommand(c)
	}
	addCmd.Flags().StringP("file", "f", "-", "Read content from file (- for stdin)")
	editCmd.Flags().StringP("file", "f", "-", "Read content from file (- for stdin)")
	renameCmd.Flags().String("color", "", "Record color")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolP("watch", "w", false, "Keep syncing on changes and on a timer")
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().Bool("setup", false, "Create the export key pair")
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Bool("overwrite", false, "Import into a store that already has records")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of sync runs to show")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default: remote.serve_addr)")
}
