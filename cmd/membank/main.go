package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/app"
	"github.com/lcrawford/membank/internal/lifecycle"
	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/resolve"
	"github.com/lcrawford/membank/internal/schedule"
	"github.com/lcrawford/membank/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "membank",
	Short: "membank - versioned memory store for coding agents",
	Long:  `membank stores versioned, scoped key/value memories with rollback, diffs, advisory locks, quotas and lifecycle policies.`,
}

var (
	flagOrg     string
	flagProject string
	flagActor   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagOrg, "org", "", "Organization scope (defaults to configured org)")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project scope (defaults to configured project)")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "Actor recorded on mutations")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(unpinCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(relateCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(completionCmd)
}

// scope resolves the effective org/project, letting flags override config.
func scope(a *app.App) (org, project string) {
	org, project = a.Config.OrgID, a.Config.ProjectID
	if flagOrg != "" {
		org = flagOrg
	}
	if flagProject != "" {
		project = flagProject
	}
	return org, project
}

var completionCmd = &cobra.Command{
	Use:                   "completion [bash|zsh|fish|powershell]",
	Short:                 "Generate the autocompletion script for the specified shell",
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.ExactValidArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating completion script: %v\n", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
}

func runVersionCmd(a *app.App, cmd *cobra.Command, args []string) {
	fmt.Println(version.String())
}

var storeCmd = &cobra.Command{
	Use:   "store <key> <content>",
	Short: "Store or update a memory",
	Long: `Store a memory under a key. An existing memory (active or archived) is
snapshotted as a new version and updated; a new key is checked against quota.

With --if-unmodified-since the write is guarded against intervening changes
and --strategy picks how a conflict is resolved
(reject, last_write_wins, append, return_both).`,
	Args: cobra.ExactArgs(2),
}

var (
	storeTags      []string
	storePriority  int
	storeScope     string
	storeExpiresIn time.Duration
	storeSince     string
	storeStrategy  string
)

func init() {
	storeCmd.Flags().StringSliceVar(&storeTags, "tags", nil, "Tags to attach")
	storeCmd.Flags().IntVar(&storePriority, "priority", -1, "Priority 0-100 (default 50 on creation)")
	storeCmd.Flags().StringVar(&storeScope, "scope", "", "Scope: project or shared")
	storeCmd.Flags().DurationVar(&storeExpiresIn, "expires-in", 0, "Relative expiry, e.g. 72h")
	storeCmd.Flags().StringVar(&storeSince, "if-unmodified-since", "", "RFC3339 timestamp last observed; guards against lost updates")
	storeCmd.Flags().StringVar(&storeStrategy, "strategy", "", "Conflict strategy: reject, last_write_wins, append, return_both")
}

func runStoreCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	org, project := scope(a)

	in := memory.StoreInput{
		OrgID:     org,
		ProjectID: project,
		Key:       args[0],
		Content:   args[1],
		Tags:      storeTags,
		Scope:     memory.Scope(storeScope),
		Actor:     flagActor,
	}
	if storePriority >= 0 {
		p := storePriority
		in.Priority = &p
	}
	if storeExpiresIn > 0 {
		t := time.Now().Add(storeExpiresIn)
		in.ExpiresAt = &t
	}

	if storeSince != "" {
		since, err := time.Parse(time.RFC3339, storeSince)
		if err != nil {
			fmt.Printf("❌ Invalid --if-unmodified-since: %v\n", err)
			os.Exit(1)
		}
		res, err := a.Resolver.StoreSafe(ctx, resolve.SafeStoreInput{
			StoreInput:        in,
			IfUnmodifiedSince: since,
			Strategy:          resolve.Strategy(storeStrategy),
		})
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		if res.Store == nil {
			fmt.Printf("! Conflict on %q (server updated %s)\n", args[0], res.ServerUpdatedAt.Format(time.RFC3339))
			fmt.Printf("--- yours ---\n%s\n--- server ---\n%s\n", res.ClientContent, res.ServerContent)
			fmt.Println(res.Hint)
			return
		}
		printStoreResult(res.Store, res.Conflicted)
		return
	}

	res, err := a.Records.Store(ctx, in)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	printStoreResult(res, false)

	if warn := a.Records.DedupWarning(ctx, project, args[1]); warn != "" {
		fmt.Printf("! Similar content already stored under %q\n", warn)
	}
}

func printStoreResult(res *memory.StoreResult, merged bool) {
	verb := "updated"
	if res.Created {
		verb = "created"
	}
	if merged {
		verb = "merged"
	}
	fmt.Printf("✅ Memory %q %s (version %d)\n", res.Memory.Key, verb, res.Version)
	if res.Quota != nil {
		if res.Quota.IsSoftFull {
			fmt.Printf("! Project quota full: %d/%d memories\n", res.Quota.ProjectUsed, res.Quota.SoftLimit)
		} else if res.Quota.IsApproaching {
			fmt.Printf("! Project quota approaching: %d/%d memories\n", res.Quota.ProjectUsed, res.Quota.SoftLimit)
		}
	}
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Retrieve a memory and record the access",
	Args:  cobra.ExactArgs(1),
}

var getArchived bool

func init() {
	getCmd.Flags().BoolVar(&getArchived, "archived", false, "Include archived memories")
}

func runGetCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	m, err := a.Records.Get(ctx, project, args[0], getArchived)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	printMemory(m)
	fmt.Printf("token: %s\n", resolve.Token(m))
}

func printMemory(m *memory.Memory) {
	fmt.Printf("%s (%s)\n", m.Key, m.Scope)
	fmt.Println(m.Content)
	fmt.Printf("priority=%d accesses=%d helpful=%d unhelpful=%d\n",
		m.Priority, m.AccessCount, m.HelpfulCount, m.UnhelpfulCount)
	if len(m.Tags) > 0 {
		fmt.Printf("tags: %s\n", strings.Join(m.Tags, ", "))
	}
	if len(m.RelatedKeys) > 0 {
		fmt.Printf("related: %s\n", strings.Join(m.RelatedKeys, ", "))
	}
	if m.Pinned() {
		fmt.Println("pinned")
	}
	if m.ArchivedAt != nil {
		fmt.Printf("archived: %s\n", m.ArchivedAt.Format(time.RFC3339))
	}
	if m.ExpiresAt != nil {
		fmt.Printf("expires: %s\n", m.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("updated: %s\n", m.UpdatedAt.Format(time.RFC3339))
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories in the project",
}

var listArchived bool

func init() {
	listCmd.Flags().BoolVar(&listArchived, "archived", false, "Include archived memories")
}

func runListCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	memories, err := a.Records.List(ctx, project, listArchived)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d memories in project %s:\n", len(memories), project)
	for _, m := range memories {
		marker := " "
		if m.Pinned() {
			marker = "*"
		}
		state := ""
		if m.ArchivedAt != nil {
			state = " [archived]"
		}
		fmt.Printf("%s %-30s p%-3d %s%s\n", marker, m.Key, m.Priority, m.UpdatedAt.Format("2006-01-02 15:04"), state)
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Hard-delete a memory and its version history",
	Args:  cobra.ExactArgs(1),
}

var deleteToken string

func init() {
	deleteCmd.Flags().StringVar(&deleteToken, "token", "", "Precondition token from a prior get; refuses if the memory changed")
}

func runDeleteCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	var err error
	if deleteToken != "" {
		err = a.Resolver.DeleteGuarded(ctx, project, args[0], deleteToken)
	} else {
		err = a.Records.Delete(ctx, project, args[0])
	}
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Memory %q deleted\n", args[0])
}

var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Show a memory's version history",
	Args:  cobra.ExactArgs(1),
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum versions to show")
}

func runHistoryCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	versions, err := a.Records.History(ctx, project, args[0], historyLimit)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	for _, v := range versions {
		by := v.ChangedBy
		if by == "" {
			by = "-"
		}
		fmt.Printf("v%-4d %-9s by %-12s %s\n", v.Version, v.ChangeType, by, v.CreatedAt.Format(time.RFC3339))
	}
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <key>",
	Short: "Restore a memory to an earlier version",
	Long: `Restore a memory's content to how it was N store operations ago. The
current state is snapshotted first, so a rollback can itself be rolled back.`,
	Args: cobra.ExactArgs(1),
}

var rollbackSteps int

func init() {
	rollbackCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "How many store operations to undo")
}

func runRollbackCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	res, err := a.Records.Rollback(ctx, project, args[0], rollbackSteps, flagActor)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Memory %q restored to version %d\n", args[0], res.RestoredVersion)
	fmt.Println(res.Content)
}

var diffCmd = &cobra.Command{
	Use:   "diff <key>",
	Short: "Show a line diff between two versions",
	Args:  cobra.ExactArgs(1),
}

var (
	diffFrom int
	diffTo   int
)

func init() {
	diffCmd.Flags().IntVar(&diffFrom, "from", 0, "Older version number (required)")
	diffCmd.Flags().IntVar(&diffTo, "to", 0, "Newer version number (default: current content)")
	_ = diffCmd.MarkFlagRequired("from")
}

func runDiffCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	diff, err := a.Records.Diff(ctx, project, args[0], diffFrom, diffTo)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	for _, line := range diff {
		switch line.Type {
		case memory.DiffAdd:
			fmt.Printf("+ %s\n", line.Line)
		case memory.DiffRemove:
			fmt.Printf("- %s\n", line.Line)
		default:
			fmt.Printf("  %s\n", line.Line)
		}
	}
}

var pinCmd = &cobra.Command{
	Use:   "pin <key>",
	Short: "Pin a memory, exempting it from automatic archival",
	Args:  cobra.ExactArgs(1),
}

func runPinCmd(a *app.App, cmd *cobra.Command, args []string) {
	runSetPinned(a, args[0], true)
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <key>",
	Short: "Unpin a memory",
	Args:  cobra.ExactArgs(1),
}

func runUnpinCmd(a *app.App, cmd *cobra.Command, args []string) {
	runSetPinned(a, args[0], false)
}

func runSetPinned(a *app.App, key string, pinned bool) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	var err error
	if pinned {
		err = a.Records.Pin(ctx, project, key)
	} else {
		err = a.Records.Unpin(ctx, project, key)
	}
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	if pinned {
		fmt.Printf("✅ Memory %q pinned\n", key)
	} else {
		fmt.Printf("✅ Memory %q unpinned\n", key)
	}
}

var archiveCmd = &cobra.Command{
	Use:   "archive <key>",
	Short: "Archive a memory (soft delete, revivable by store)",
	Args:  cobra.ExactArgs(1),
}

func runArchiveCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	if err := a.Records.Archive(ctx, project, args[0]); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Memory %q archived\n", args[0])
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <key>",
	Short: "Record whether a memory was helpful",
	Args:  cobra.ExactArgs(1),
}

var feedbackHelpful bool

func init() {
	feedbackCmd.Flags().BoolVar(&feedbackHelpful, "helpful", true, "Whether the memory helped (--helpful=false to downvote)")
}

func runFeedbackCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	if err := a.Records.Feedback(ctx, project, args[0], feedbackHelpful); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Feedback recorded for %q\n", args[0])
}

var relateCmd = &cobra.Command{
	Use:   "relate <key> <other-key>",
	Short: "Link two memories bidirectionally",
	Args:  cobra.ExactArgs(2),
}

func runRelateCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	if err := a.Records.Relate(ctx, project, args[0], args[1]); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Linked %q and %q\n", args[0], args[1])
}

var lockCmd = &cobra.Command{
	Use:   "lock <key>",
	Short: "Acquire an advisory TTL lock on a memory key",
	Args:  cobra.ExactArgs(1),
}

var lockTTL time.Duration

func init() {
	lockCmd.Flags().DurationVar(&lockTTL, "ttl", 0, "Lock lifetime (default from configuration)")
}

func runLockCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	ttl := lockTTL
	if ttl == 0 {
		ttl = time.Duration(a.Config.LockTTLSeconds) * time.Second
	}

	res, err := a.Locks.Acquire(ctx, project, args[0], flagActor, ttl)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	if !res.Acquired {
		fmt.Printf("! Key %q is locked by %s until %s\n",
			args[0], res.Lock.LockedBy, res.Lock.ExpiresAt.Format(time.RFC3339))
		os.Exit(1)
	}
	fmt.Printf("✅ Locked %q until %s\n", args[0], res.Lock.ExpiresAt.Format(time.RFC3339))
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <key>",
	Short: "Release an advisory lock",
	Args:  cobra.ExactArgs(1),
}

func runUnlockCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	if err := a.Locks.Release(ctx, project, args[0], flagActor); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Unlocked %q\n", args[0])
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show quota usage for the current scope",
}

func runQuotaCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	org, project := scope(a)

	usage, err := a.Quota.CurrentUsage(ctx, org, project)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Project %s: %d active memories (soft limit %d)\n",
		project, usage.ProjectUsed, a.Config.SoftLimitPerProject)
	fmt.Printf("Org %s: %d active memories (hard limit %d)\n",
		org, usage.OrgUsed, a.Config.HardLimitOrg)
}

var maintainCmd = &cobra.Command{
	Use:   "maintain [policy...]",
	Short: "Run lifecycle policies once against the current project",
	Long: `Run the named lifecycle policies, or the configured maintenance set when
none are given. Each policy reports its own result; one failing never stops
the others.`,
}

var maintainBranches []string

func init() {
	maintainCmd.Flags().StringSliceVar(&maintainBranches, "merged-branches", nil, "Branch names whose memories archive_merged_branches should retire")
}

func runMaintainCmd(a *app.App, cmd *cobra.Command, args []string) {
	ctx := a.ContextWithLogger(a.Ctx)
	_, project := scope(a)

	policies := args
	if len(policies) == 0 {
		policies = a.Config.MaintenancePolicies
	}
	params := lifecycle.ParamsFromConfig(a.Config)
	params.MergedBranches = maintainBranches

	results := a.Runner.Run(ctx, project, policies, params)
	for _, name := range policies {
		res := results[name]
		if res.Error != "" {
			fmt.Printf("❌ %-28s %s (%s)\n", name, res.Details, res.Error)
			continue
		}
		fmt.Printf("✅ %-28s affected=%-4d %s\n", name, res.Affected, res.Details)
	}
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the maintenance scheduler in the foreground",
	Long:  `Run the configured lifecycle policies for every known project on the configured cron spec until interrupted.`,
}

func runScheduleCmd(a *app.App, cmd *cobra.Command, args []string) {
	params := lifecycle.ParamsFromConfig(a.Config)

	sched, err := schedule.New(a.Runner, a.Records, a.Logger,
		a.Config.MaintenanceSpec, a.Config.MaintenancePolicies, params)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	sched.Start()
	fmt.Printf("Maintenance scheduler running on spec %q. Ctrl-C to stop.\n", a.Config.MaintenanceSpec)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	sched.Stop()
	fmt.Println("Scheduler stopped.")
}

// newAppRunner creates a Cobra Run function closure with the app.App instance.
func newAppRunner(a *app.App, runFunc func(*app.App, *cobra.Command, []string)) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		runFunc(a, cmd, args)
	}
}

func main() {
	appInstance, err := app.NewApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer appInstance.Close()

	versionCmd.Run = newAppRunner(appInstance, runVersionCmd)
	storeCmd.Run = newAppRunner(appInstance, runStoreCmd)
	getCmd.Run = newAppRunner(appInstance, runGetCmd)
	listCmd.Run = newAppRunner(appInstance, runListCmd)
	deleteCmd.Run = newAppRunner(appInstance, runDeleteCmd)
	historyCmd.Run = newAppRunner(appInstance, runHistoryCmd)
	rollbackCmd.Run = newAppRunner(appInstance, runRollbackCmd)
	diffCmd.Run = newAppRunner(appInstance, runDiffCmd)
	pinCmd.Run = newAppRunner(appInstance, runPinCmd)
	unpinCmd.Run = newAppRunner(appInstance, runUnpinCmd)
	archiveCmd.Run = newAppRunner(appInstance, runArchiveCmd)
	feedbackCmd.Run = newAppRunner(appInstance, runFeedbackCmd)
	relateCmd.Run = newAppRunner(appInstance, runRelateCmd)
	lockCmd.Run = newAppRunner(appInstance, runLockCmd)
	unlockCmd.Run = newAppRunner(appInstance, runUnlockCmd)
	quotaCmd.Run = newAppRunner(appInstance, runQuotaCmd)
	maintainCmd.Run = newAppRunner(appInstance, runMaintainCmd)
	scheduleCmd.Run = newAppRunner(appInstance, runScheduleCmd)

	if err := rootCmd.Execute(); err != nil {
		appInstance.Logger.Error("Root command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
