package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"wsync-go/internal/app"
	"wsync-go/internal/config"
	"wsync-go/internal/workspace"
	"wsync-go/internal/wsync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// Global flags.
var (
	flagOrg      string
	flagProject  string
	flagCampaign string
	flagVault    string
	flagVerbose  bool
)

func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates a WSApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "import", "sync").
func newApp(ctx context.Context, operation string) (*app.WSApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	a, err := app.NewWSApp(ctx, cfg, operation, app.Options{
		Scope:        wsync.Scope{Organization: flagOrg, Project: flagProject, Campaign: flagCampaign},
		Vault:        flagVault,
		Passphrase:   func() (string, error) { return readPassphrase("Passphrase: ") },
		Console:      os.Stderr,
		ConsoleLevel: level,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// apply pushes ops and reports whether they reached the authority.
func apply(cmd *cobra.Command, operation string, ops ...workspace.Operation) error {
	ctx, cancel := app.WithWait(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, operation)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Apply(ctx, ops...); err != nil {
		return err
	}
	printSyncState(cmd.OutOrStdout(), a.Status())
	return nil
}

func printSyncState(w io.Writer, s wsync.Status) {
	if s.Pending {
		fmt.Fprintln(w, pendingStyle.Render("Saved locally; changes will sync when the authority is reachable."))
		return
	}
	fmt.Fprintln(w, syncedStyle.Render("Synced."))
}

var rootCmd = &cobra.Command{
	Use:          "wsync",
	Short:        "Replicated workspace documents",
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

		replicaID := uuid.New().String()
		cfg := config.NewConfig(replicaID, defaults["base_dir"])
		cfg.Scope = config.ScopeConfig{Organization: flagOrg, Project: flagProject, Campaign: flagCampaign}
		cfg.Vaults = []config.VaultConfig{{
			Type:        "filesystem",
			Name:        "local",
			FSVaultRoot: filepath.Join(defaults["base_dir"], "vault"),
		}}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Replica ID: %s\n", replicaID)
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Replica ID: %s\n", cfg.ReplicaID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Scope:      %s/%s/%s\n", cfg.Scope.Organization, cfg.Scope.Project, cfg.Scope.Campaign)
		fmt.Printf("Store:      %s %s\n", cfg.Store.Type, cfg.Store.DataDir)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:      %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vault",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that the vault is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "vault-check")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckVault(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Vault OK")
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair used to encrypt vault documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg, passphrase); err != nil {
			return fmt.Errorf("initializing keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// tree command
var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the workspace tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "tree")
		if err != nil {
			return err
		}
		defer a.Close()

		nodes, err := a.Tree(cmd.Context())
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println("Workspace is empty.")
			return nil
		}
		renderTree(cmd.OutOrStdout(), nodes, false)
		return nil
	},
}

// diff command
var diffCmd = &cobra.Command{
	Use:   "diff [PATH]",
	Short: "Show local changes not yet confirmed by the authority",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "diff")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			out, err := a.ContentDiff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		}

		nodes, err := a.Changes(cmd.Context())
		if err != nil {
			return err
		}
		if !hasChanges(nodes) {
			fmt.Println("No local changes.")
			return nil
		}
		renderTree(cmd.OutOrStdout(), nodes, true)
		return nil
	},
}

// cat command
var catCmd = &cobra.Command{
	Use:   "cat PATH",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "cat")
		if err != nil {
			return err
		}
		defer a.Close()

		content, err := a.Cat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), content)
		return nil
	},
}

// write command
var writeCmd = &cobra.Command{
	Use:   "write PATH",
	Short: "Write a file from --file or stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, _ := cmd.Flags().GetString("file")

		var data []byte
		var err error
		if src != "" {
			data, err = os.ReadFile(src)
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("reading content: %w", err)
		}
		return apply(cmd, "write", workspace.WriteFileOp(args[0], string(data)))
	},
}

// meta command
var metaCmd = &cobra.Command{
	Use:   "meta PATH KEY=VALUE...",
	Short: "Set metadata fields; KEY= removes a field",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseMetadata(args[1:])
		if err != nil {
			return err
		}
		return apply(cmd, "meta", workspace.UpdateMetadataOp(args[0], fields))
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apply(cmd, "mkdir", workspace.Operation{Kind: workspace.OpMkdir, Path: args[0]})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv PATH DIR",
	Short: "Move a node into a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apply(cmd, "mv", workspace.Operation{Kind: workspace.OpMove, Path: args[0], Target: args[1]})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename PATH NAME",
	Short: "Rename a node in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apply(cmd, "rename", workspace.Operation{Kind: workspace.OpRename, Path: args[0], Name: args[1]})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Remove a node and everything below it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apply(cmd, "rm", workspace.Operation{Kind: workspace.OpRemove, Path: args[0]})
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send local changes and fetch remote ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := app.WithWait(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Sync(ctx); err != nil {
			return err
		}
		printSyncState(cmd.OutOrStdout(), a.Status())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"open"},
	Short:   "Show the sync status of the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "status")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Document(cmd.Context()); err != nil {
			return err
		}
		s := a.Status()
		fmt.Printf("Scope:       %s\n", a.Scope())
		fmt.Printf("Online:      %v\n", s.Online)
		fmt.Printf("Pending:     %v\n", s.Pending)
		if s.LastSyncedAt.IsZero() {
			fmt.Println("Last synced: never")
		} else {
			fmt.Printf("Last synced: %s\n", s.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import DIR",
	Short: "Make the workspace match a local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prune, _ := cmd.Flags().GetBool("prune")

		ctx, cancel := app.WithWait(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, "import")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Import(ctx, args[0], prune)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("Applied %d operation(s)\n", n)
		if n > 0 {
			printSyncState(cmd.OutOrStdout(), a.Status())
		}
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export DIR",
	Short: "Write the workspace to a local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "export")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Export(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("Exported %d file(s)\n", n)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history")
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
			fmt.Printf("#%d  %-10s  %s  %-8s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				statusStyle(op.Status).Render(op.Status),
				duration,
				strings.TrimSpace(op.Parameters),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagOrg, "org", "", "Organization of the workspace scope")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project of the workspace scope")
	rootCmd.PersistentFlags().StringVar(&flagCampaign, "campaign", "", "Optional campaign of the workspace scope")
	rootCmd.PersistentFlags().StringVar(&flagVault, "vault", "", "Name of the configured vault to use")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)

	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(writeCmd)
	writeCmd.Flags().StringP("file", "f", "", "Read content from a local file instead of stdin")
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Bool("prune", false, "Remove workspace nodes missing from the directory")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
