package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"measureforge/internal/config"
	"measureforge/internal/library"
	"measureforge/internal/logging"
	"measureforge/internal/measures"
	"measureforge/internal/persist"
	"measureforge/internal/remote"
	"measureforge/internal/types"
	"measureforge/internal/watcher"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration
	asJSON    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "measureforge",
	Short: "measureforge - component library consistency engine for quality measures",
	Long: `measureforge keeps a library of reusable clinical-measure components
consistent with the measures that use them.

It links measure data elements to library components by structural identity,
maintains a usage index over the links, merges duplicate components with
reference rewriting, and replays failed remote-catalogue writes through a
bounded sync queue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize measureforge in the current workspace",
	Long: `Creates the .measureforge/ directory with a default config, the local
SQLite cache, and the measures directory. Run once per workspace.`,
	RunE: runInit,
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Inspect and manage library components",
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all library components",
	RunE:  runLibraryList,
}

var libraryShowCmd = &cobra.Command{
	Use:   "show [component-id]",
	Short: "Show one component in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryShow,
}

var libraryApproveCmd = &cobra.Command{
	Use:   "approve [component-id]",
	Short: "Promote a draft component to approved",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryApprove,
}

var libraryArchiveCmd = &cobra.Command{
	Use:   "archive [component-id]",
	Short: "Archive a component (refused while any measure still uses it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryArchive,
}

var libraryDeleteCmd = &cobra.Command{
	Use:   "delete [component-id]",
	Short: "Delete a component (refused while any measure still uses it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLibraryDelete,
}

var linkCmd = &cobra.Command{
	Use:   "link [measure-id]",
	Short: "Link a measure's data elements to library components",
	Long: `Walks the measure's data elements and links each to a library
component by structural identity, creating draft components for elements
with value set information that match nothing. Elements without value set
information are marked unlinkable. With --all, links every measure.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLink,
}

var mergeCmd = &cobra.Command{
	Use:   "merge [component-id]...",
	Short: "Merge duplicate components into one",
	Long: `Merges two or more atomic, non-archived components into a new
component, archives the inputs, and rewrites every measure reference to the
merged component. The whole operation is refused if any precondition fails.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMerge,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Usage index maintenance",
}

var usageRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the usage index from measure links",
	RunE:  runUsageRebuild,
}

var usageRecalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Re-resolve stale links by matching, then rebuild the usage index",
	RunE:  runUsageRecalc,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync queue inspection and retry",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List pending sync entries",
	RunE:  runSyncStatus,
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry every pending sync entry once",
	RunE:  runSyncRetry,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull the remote catalogue into the local store",
	RunE:  runRefresh,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store, sync-queue, and database statistics",
	RunE:  runStats,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the measures directory and re-link on changes",
	RunE:  runWatch,
}

var (
	approvedBy  string
	archiveNote string
	mergedBy    string
	linkAll     bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")

	libraryApproveCmd.Flags().StringVar(&approvedBy, "by", "", "Approver name (required)")
	libraryApproveCmd.MarkFlagRequired("by")
	libraryArchiveCmd.Flags().StringVar(&archiveNote, "note", "archived via CLI", "Archive note")
	mergeCmd.Flags().StringVar(&mergedBy, "by", "", "Author of the merge (required)")
	mergeCmd.MarkFlagRequired("by")
	linkCmd.Flags().BoolVar(&linkAll, "all", false, "Link every measure in the collection")

	libraryCmd.AddCommand(libraryListCmd)
	libraryCmd.AddCommand(libraryShowCmd)
	libraryCmd.AddCommand(libraryApproveCmd)
	libraryCmd.AddCommand(libraryArchiveCmd)
	libraryCmd.AddCommand(libraryDeleteCmd)

	usageCmd.AddCommand(usageRebuildCmd)
	usageCmd.AddCommand(usageRecalcCmd)

	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncRetryCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(libraryCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired-up runtime for one CLI invocation.
type app struct {
	cfg         *config.Config
	store       *persist.Store
	client      *remote.Client
	svc         *library.Service
	coll        *measures.Collection
	measuresDir string
}

// resolvePath anchors workspace-relative config paths at the -w flag.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// openApp loads config, opens local state, connects the remote client when
// configured, and hydrates the service and the measure collection.
func openApp() (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load config (run 'measureforge init'?): %w", err)
	}
	if err := logging.Initialize(workspace); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}

	store, err := persist.Open(resolvePath(cfg.Storage.DatabasePath))
	if err != nil {
		return nil, err
	}

	var client *remote.Client
	var remoteStore types.RemoteStore
	if cfg.Remote.BaseURL != "" {
		opts := []remote.Option{
			remote.WithLogger(logger),
			remote.WithFetchConcurrency(cfg.Remote.FetchConcurrency),
		}
		if d, err := cfg.RemoteTimeout(); err == nil {
			opts = append(opts, remote.WithTimeout(d))
		} else {
			logger.Warn("Invalid remote timeout, using default", zap.Error(err))
		}
		client = remote.NewClient(cfg.Remote.BaseURL, opts...)
		remoteStore = client
	}

	svc := library.NewService(remoteStore, store, library.Options{RetryDelay: cfg.RetryDelay()})
	if err := svc.LoadLocal(); err != nil {
		store.Close()
		return nil, err
	}

	measuresDir := resolvePath(cfg.Storage.MeasuresDir)
	coll := measures.NewCollection()
	if n, err := coll.LoadDir(measuresDir); err != nil {
		logger.Warn("Failed to load measures directory", zap.Error(err))
	} else {
		logger.Debug("Loaded measures", zap.Int("count", n))
	}

	return &app{cfg: cfg, store: store, client: client, svc: svc, coll: coll, measuresDir: measuresDir}, nil
}

// close flushes outstanding remote calls and releases the database.
func (a *app) close() {
	a.svc.Flush()
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close local state", zap.Error(err))
	}
}

// saveMeasures writes the collection back to the measures directory.
func (a *app) saveMeasures() error {
	return a.coll.SaveDir(a.measuresDir)
}

func emit(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.Save(workspace); err != nil {
		return err
	}
	if err := os.MkdirAll(resolvePath(cfg.Storage.MeasuresDir), 0755); err != nil {
		return err
	}
	store, err := persist.Open(resolvePath(cfg.Storage.DatabasePath))
	if err != nil {
		return err
	}
	store.Close()
	fmt.Printf("Initialized measureforge workspace (config at %s)\n", config.Path(workspace))
	return nil
}

func runLibraryList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	comps := a.svc.List()
	if asJSON {
		return emit(comps)
	}
	fmt.Printf("%-38s %-9s %-9s %-5s %s\n", "ID", "KIND", "STATUS", "USES", "NAME")
	for _, c := range comps {
		fmt.Printf("%-38s %-9s %-9s %-5d %s\n",
			c.ID, c.Kind, c.VersionInfo.Status, c.Usage.UsageCount, c.Name)
	}
	fmt.Printf("\n%d components\n", len(comps))
	return nil
}

func runLibraryShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	c := a.svc.Get(args[0])
	if c == nil {
		return fmt.Errorf("component %s not found", args[0])
	}
	return emit(c)
}

func runLibraryApprove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	return reportOperation(a.svc.Approve(args[0], approvedBy), "approved", args[0])
}

func runLibraryArchive(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	return reportOperation(a.svc.ArchiveComponent(args[0], archiveNote), "archived", args[0])
}

func runLibraryDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	return reportOperation(a.svc.DeleteComponent(args[0]), "deleted", args[0])
}

func reportOperation(res types.OperationResult, verb, id string) error {
	if asJSON {
		return emit(res)
	}
	if !res.Success {
		if len(res.MeasureIDs) > 0 {
			return fmt.Errorf("%s: still used by measures: %s", res.Error, strings.Join(res.MeasureIDs, ", "))
		}
		return fmt.Errorf("%s", res.Error)
	}
	fmt.Printf("Component %s %s\n", id, verb)
	return nil
}

func runLink(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	var reports []*types.LinkReport
	if linkAll {
		reports, err = a.svc.LinkAll(a.coll)
	} else {
		if len(args) != 1 {
			return fmt.Errorf("provide a measure id or --all")
		}
		var one *types.LinkReport
		one, err = a.svc.LinkMeasure(a.coll, args[0])
		if one != nil {
			reports = append(reports, one)
		}
	}
	if err != nil {
		return err
	}
	if err := a.saveMeasures(); err != nil {
		return fmt.Errorf("failed to save measures: %w", err)
	}

	if asJSON {
		return emit(reports)
	}
	for _, r := range reports {
		fmt.Printf("measure %s: %d linked, %d created, %d unlinkable\n",
			r.MeasureID, r.Linked, r.Created, r.Unlinked)
	}
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.svc.MergeComponents(args, mergedBy, a.coll)
	if res.Success {
		if err := a.saveMeasures(); err != nil {
			return fmt.Errorf("merge succeeded but saving measures failed: %w", err)
		}
	}

	if asJSON {
		return emit(res)
	}
	if !res.Success {
		return fmt.Errorf("merge refused: %s", res.Error)
	}
	fmt.Printf("Merged %s into %s (%d references rewritten)\n",
		strings.Join(res.ArchivedIDs, ", "), res.NewComponentID, res.RewrittenRefs)
	for _, d := range res.Diagnostics {
		fmt.Printf("  integrity: measure %s element %s -> %s: %s\n",
			d.MeasureID, d.ElementID, d.ComponentID, d.Problem)
	}
	return nil
}

func runUsageRebuild(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	report := a.svc.RebuildUsageIndex(a.coll)
	if asJSON {
		return emit(report)
	}
	fmt.Printf("Usage rebuild: %d seen, %d changed, %d restored\n",
		report.ComponentsSeen, report.ComponentsChanged, report.Restored)
	return nil
}

func runUsageRecalc(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.svc.RecalculateUsage(a.coll)
	if err != nil {
		return err
	}
	if err := a.saveMeasures(); err != nil {
		return fmt.Errorf("failed to save measures: %w", err)
	}
	if asJSON {
		return emit(report)
	}
	fmt.Printf("Usage recalc: %d seen, %d changed, %d restored, %d re-linked\n",
		report.ComponentsSeen, report.ComponentsChanged, report.Restored, report.Relinked)
	return nil
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	entries := a.svc.PendingEntries()
	if asJSON {
		return emit(entries)
	}
	if len(entries) == 0 {
		fmt.Println("Sync queue is empty")
		return nil
	}
	fmt.Printf("%-38s %-8s %-7s %s\n", "COMPONENT", "OP", "RETRIES", "LAST ERROR")
	for _, e := range entries {
		state := fmt.Sprintf("%d/%d", e.RetryCount, types.MaxSyncRetries)
		fmt.Printf("%-38s %-8s %-7s %s\n", e.ComponentID, e.Operation, state, e.LastError)
	}
	return nil
}

func runSyncRetry(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	report := a.svc.RetryPendingSync(ctx)
	if asJSON {
		return emit(report)
	}
	fmt.Printf("Retry pass: %d attempted, %d succeeded, %d failed, %d skipped, %d cleared\n",
		report.Attempted, report.Succeeded, report.Failed, report.Skipped, report.Cleared)
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.client == nil {
		return fmt.Errorf("no remote configured (set remote.base_url in %s)", config.Path(workspace))
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := a.svc.RefreshFromRemote(ctx, a.client)
	if err != nil {
		return err
	}
	fmt.Printf("Refreshed %d components from remote catalogue\n", n)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	svcStats := a.svc.GetStats()
	dbStats, err := a.store.GetStats()
	if err != nil {
		logger.Warn("Failed to read database stats", zap.Error(err))
	}

	if asJSON {
		return emit(map[string]interface{}{
			"library":  svcStats,
			"database": dbStats,
			"measures": a.coll.Len(),
		})
	}
	fmt.Printf("Components: %d total, %d pending sync (%d exhausted)\n",
		svcStats.Total, svcStats.PendingSync, svcStats.ExhaustedSync)
	for status, n := range svcStats.ByStatus {
		fmt.Printf("  %-9s %d\n", status, n)
	}
	fmt.Printf("Measures:   %d loaded\n", a.coll.Len())
	for table, n := range dbStats {
		fmt.Printf("  db %-20s %d rows\n", table, n)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mw, err := watcher.New(a.measuresDir, a.coll, a.svc)
	if err != nil {
		return err
	}
	if err := mw.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Watching %s (Ctrl-C to stop)\n", a.measuresDir)

	<-ctx.Done()
	mw.Stop()

	if err := a.saveMeasures(); err != nil {
		logger.Warn("Failed to save measures on shutdown", zap.Error(err))
	}

	stats := mw.GetStats()
	fmt.Printf("Watcher stopped: %d created, %d modified, %d deleted, %d re-links, %d errors\n",
		stats.FilesCreated, stats.FilesModified, stats.FilesDeleted, stats.Relinks, stats.Errors)
	return nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM or the global
// timeout, whichever fires first.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
