// Command xbps is the transaction-engine front-end: install, update and
// remove operations against a rootdir's package database and a pool of
// repositories, following the eight-step planning algorithm of
// internal/resolver and applying the result through internal/unpack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/void-linux/xbps-sub002/internal/alternatives"
	"github.com/void-linux/xbps-sub002/internal/archive"
	"github.com/void-linux/xbps-sub002/internal/config"
	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/fetch"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/repopool"
	"github.com/void-linux/xbps-sub002/internal/resolver"
	"github.com/void-linux/xbps-sub002/internal/unpack"
)

// arrayFlags collects a repeated flag (e.g. multiple --repository) into a
// slice, in the order given on the command line.
type arrayFlags []string

func (a *arrayFlags) String() string { return strings.Join(*a, ", ") }
func (a *arrayFlags) Set(value string) error {
	*a = append(*a, value)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "install":
		runTransaction(resolver.OpInstall, os.Args[2:])
	case "update":
		runTransaction(resolver.OpUpdate, os.Args[2:])
	case "update-all":
		runTransaction(resolver.OpUpdateAll, os.Args[2:])
	case "remove":
		runTransaction(resolver.OpRemove, os.Args[2:])
	case "reinstall":
		runTransaction(resolver.OpReinstall, os.Args[2:])
	case "hold":
		runTransaction(resolver.OpHold, os.Args[2:])
	case "unhold":
		runTransaction(resolver.OpUnhold, os.Args[2:])
	case "version":
		fmt.Println("xbps (void-linux/xbps-sub002)")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: xbps <command> [targets...] [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  install <pkg...>    install packages or local archives")
	fmt.Println("  update <pkg...>     update the named packages")
	fmt.Println("  update-all          update every installed package")
	fmt.Println("  remove <pkg...>     remove packages")
	fmt.Println("  reinstall <pkg...>  reinstall packages at their current version")
	fmt.Println("  hold <pkg...>       exclude packages from update-all")
	fmt.Println("  unhold <pkg...>     clear a hold")
	fmt.Println("  version             print the tool version")
}

// commonFlags are accepted by every transaction subcommand.
type commonFlags struct {
	rootDir         string
	confDir         string
	repositories    arrayFlags
	ignoreConfRepos bool
	dryRun          bool
	force           bool
	downloadOnly    bool
	ignoreConflicts bool
	strict          bool
	verbose         bool
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.rootDir, "rootdir", "/", "target root directory")
	fs.StringVar(&cf.confDir, "config", "/etc/xbps.d", "configuration directory or file")
	fs.Var(&cf.repositories, "repository", "extra repository URL (repeatable)")
	fs.BoolVar(&cf.ignoreConfRepos, "ignore-conf-repos", false, "ignore repositories listed in the configuration")
	fs.BoolVar(&cf.dryRun, "dry-run", false, "print the transaction without applying it")
	fs.BoolVar(&cf.force, "force", false, "overwrite unowned existing files and weaken conf-file preservation and run_depends checks")
	fs.BoolVar(&cf.downloadOnly, "download-only", false, "fetch archives into the cache without unpacking")
	fs.BoolVar(&cf.ignoreConflicts, "ignore-conflicts", false, "skip checks of packages' declared conflicts")
	fs.BoolVar(&cf.strict, "strict", false, "fail on unresolved shared-library requirements")
	fs.BoolVar(&cf.verbose, "verbose", false, "print progress events to stderr")
	return cf
}

func runTransaction(op resolver.Operation, args []string) {
	fs := flag.NewFlagSet(string(op), flag.ExitOnError)
	cf := bindCommonFlags(fs)
	fs.Parse(args)
	targets := fs.Args()

	if op != resolver.OpUpdateAll && len(targets) == 0 {
		log.Fatalf("%s: at least one target is required", op)
	}

	cfg, err := loadConfig(cf.confDir)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	sink := eventSink(cf.verbose)

	db, err := pkgdb.Open(pkgdbPath(cf.rootDir), sink)
	if err != nil {
		log.Fatalf("opening package database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Lock(ctx); err != nil {
		log.Fatalf("locking package database: %v", err)
	}
	defer db.Unlock()

	pool, err := buildPool(cfg, cf)
	if err != nil {
		log.Fatalf("building repository pool: %v", err)
	}

	requests := make([]resolver.Request, 0, len(targets))
	if op == resolver.OpUpdateAll {
		requests = append(requests, resolver.Request{Operation: op})
	}
	for _, t := range targets {
		requests = append(requests, resolver.Request{Operation: op, Target: t})
	}

	planner := resolver.NewPlanner(db, pool, sink, archiveRecordLoader)
	txn, err := planner.Plan(requests, resolver.Flags{
		Force:           cf.force,
		DryRun:          cf.dryRun,
		DownloadOnly:    cf.downloadOnly,
		IgnoreConflicts: cf.ignoreConflicts,
		Strict:          cf.strict,
	})
	if err != nil {
		log.Fatalf("planning transaction: %v", err)
	}

	printTransaction(txn)

	if len(txn.MissingDeps) > 0 && !cf.strict {
		for _, dep := range txn.MissingDeps {
			fmt.Fprintf(os.Stderr, "warning: unresolved dependency or shared-library requirement: %s\n", dep)
		}
	}

	if cf.dryRun || cf.downloadOnly || len(txn.Entries) == 0 {
		return
	}

	alt := alternatives.New(db, cf.rootDir, sink)
	up := unpack.New(db, alt, unpack.Options{RootDir: cf.rootDir, MetaDir: "var/db/xbps", Force: cf.force, Sink: sink})
	if err := up.ApplyTransaction(txn); err != nil {
		log.Fatalf("applying transaction: %v", err)
	}

	if err := db.Update(true, false); err != nil {
		log.Fatalf("flushing package database: %v", err)
	}

	fmt.Println("Transaction complete.")
}

func loadConfig(confDir string) (*config.Config, error) {
	if info, err := os.Stat(confDir); err == nil && !info.IsDir() {
		return config.LoadFile(confDir)
	}
	return config.Load(confDir)
}

func pkgdbPath(rootDir string) string {
	return filepath.Join(rootDir, "var/db/xbps/pkgdb.plist")
}

func buildPool(cfg *config.Config, cf *commonFlags) (*repopool.Pool, error) {
	pool := repopool.NewPool(runtimeArch(), eventSink(cf.verbose))
	for _, repoURL := range cfg.Repositories(cf.repositories, cf.ignoreConfRepos) {
		dir, err := localRepoDir(repoURL, cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("syncing repository %s: %w", repoURL, err)
		}
		repo, err := repopool.LoadIndex(dir)
		if err != nil {
			return nil, fmt.Errorf("loading repository %s: %w", repoURL, err)
		}
		repo.URL = repoURL
		pool.Add(repo)
	}
	return pool, nil
}

// localRepoDir resolves a repository URL to a local directory holding its
// index: a filesystem path is used as-is, while an http(s) URL is synced
// into a per-repository subdirectory of cacheDir first.
func localRepoDir(repoURL, cacheDir string) (string, error) {
	if !strings.HasPrefix(repoURL, "http://") && !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	dir := filepath.Join(cacheDir, "repos", repoCacheKey(repoURL))
	c, err := fetch.New(repoURL, dir)
	if err != nil {
		return "", err
	}
	return c.SyncIndex()
}

func repoCacheKey(repoURL string) string {
	return strings.NewReplacer("://", "_", "/", "_", ":", "_").Replace(repoURL)
}

// archiveRecordLoader resolves a local .xbps archive path request target
// to its embedded package record, consulted by the planner only when a
// request target looks like a filesystem path rather than a pkgname.
func archiveRecordLoader(path string) (*pkgdb.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := archive.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading archive %s: %w", path, err)
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("archive %s has no props.plist member: %w", path, err)
		}
		if hdr.Name == "props.plist" {
			doc, err := r.ReadDocument()
			if err != nil {
				return nil, err
			}
			return pkgdb.RecordFromValue(doc.GetString("pkgname"), doc)
		}
	}
}

func printTransaction(t *resolver.Transaction) {
	if len(t.Entries) == 0 {
		fmt.Println("Nothing to do.")
		return
	}
	fmt.Println("Transaction:")
	for _, e := range t.Entries {
		fmt.Printf("  %-10s %s (%s)\n", e.Action, e.Record.Pkgver(), e.Repository)
	}
	fmt.Printf("%d package(s), %d byte(s) to install, %d byte(s) to download\n",
		len(t.Entries), t.TotalInstalledSize, t.TotalDownloadSize)
	if len(t.Conflicts) > 0 {
		fmt.Println("Conflicts:")
		for _, c := range t.Conflicts {
			fmt.Printf("  %s\n", c)
		}
	}
}

func eventSink(verbose bool) events.Sink {
	if !verbose {
		return nil
	}
	return func(ev fmt.Stringer) {
		fmt.Fprintln(os.Stderr, ev.String())
	}
}

func runtimeArch() string {
	if a := os.Getenv("XBPS_ARCH"); a != "" {
		return a
	}
	return "x86_64"
}
