// Command xbps-repodb is the repository-consistency admin tool: it loads
// every repository in a pool's public and staged indexes, runs the
// SAT-based promotion check, and rewrites the public index with whatever
// the solver promoted, signing the result.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/repopool"
	"github.com/void-linux/xbps-sub002/internal/satengine"
	"github.com/void-linux/xbps-sub002/internal/signer"
)

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
	case "promote":
		runPromote(os.Args[2:])
	case "keygen":
		runKeygen(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: xbps-repodb <command> [flags]")
	fmt.Println("\nCommands:")
	fmt.Println("  promote   solve and promote staged packages into the published index")
	fmt.Println("  keygen    generate a new minisign-style repository signing key")
}

func runPromote(args []string) {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	var repos arrayFlags
	fs.Var(&repos, "repository", "repository directory to include in the pool (repeatable)")
	var arch string
	fs.StringVar(&arch, "arch", "x86_64", "architecture of the pool being solved")
	var secretKeyPath string
	fs.StringVar(&secretKeyPath, "secret-key", "", "minisign-style secret key to sign the rewritten index with")
	var signerID string
	fs.StringVar(&signerID, "signed-by", "", "identity recorded as the index's signature-by field")
	var dryRun bool
	fs.BoolVar(&dryRun, "dry-run", false, "solve and report without rewriting any index")
	fs.Parse(args)

	if len(repos) == 0 {
		log.Fatal("at least one --repository is required")
	}

	sink := events.Sink(func(ev fmt.Stringer) { fmt.Fprintln(os.Stderr, ev.String()) })

	pool := repopool.NewPool(arch, sink)
	loaded := make(map[string]*repopool.Repository, len(repos))
	for _, dir := range repos {
		repo, err := repopool.LoadIndex(dir)
		if err != nil {
			log.Fatalf("loading repository %s: %v", dir, err)
		}
		pool.Add(repo)
		loaded[dir] = repo
	}

	promo, err := satengine.New(pool, sink).Solve()
	if err != nil {
		log.Fatalf("solving repository consistency: %v", err)
	}

	if len(promo.UnsatCore) > 0 {
		fmt.Println("Published indexes are inconsistent; no promotion is possible.")
		for _, c := range promo.UnsatCore {
			fmt.Printf("  %s: %s\n", c.Label, strings.Join(c.Lits, ", "))
		}
		os.Exit(1)
	}

	fmt.Printf("Promoted %d package(s), dropped %d.\n", len(promo.Promoted), len(promo.Dropped))
	for _, pv := range promo.Dropped {
		fmt.Printf("  dropped: %s\n", pv)
	}

	if dryRun {
		return
	}

	var sk *signer.SecretKey
	var pub *signer.PublicKey
	if secretKeyPath != "" {
		sk, pub, err = loadSecretKey(secretKeyPath)
		if err != nil {
			log.Fatalf("loading secret key: %v", err)
		}
	}

	promotedPkgvers := make(map[string]bool, len(promo.Promoted))
	for _, pv := range promo.Promoted {
		promotedPkgvers[pv] = true
	}

	for dir, repo := range loaded {
		for name, rec := range repo.Stage {
			if !promotedPkgvers[rec.Pkgver()] {
				continue
			}
			repo.Idx[name] = rec
			delete(repo.Stage, name)
		}
		if sk != nil {
			if err := signIndex(repo, sk, pub, signerID); err != nil {
				log.Fatalf("signing repository %s: %v", dir, err)
			}
		}
		if err := repopool.SaveIndex(repo, dir); err != nil {
			log.Fatalf("writing repository %s: %v", dir, err)
		}
	}

	fmt.Println("Promotion complete.")
}

func signIndex(repo *repopool.Repository, sk *signer.SecretKey, pub *signer.PublicKey, signerID string) error {
	digest, err := indexDigest(repo)
	if err != nil {
		return err
	}
	wire, err := signer.Sign(sk, signer.NoPassphrase(), digest, "repository index signature", "repodb index for "+repo.URL)
	if err != nil {
		return err
	}
	repo.IdxMeta = &repopool.IndexMeta{
		Signer:      signerID,
		PublicKey:   pub.Key[:],
		SignatureBy: signerID,
		Signature:   wire,
	}
	return nil
}

func indexDigest(repo *repopool.Repository) ([]byte, error) {
	names := make([]string, 0, len(repo.Idx))
	for name := range repo.Idx {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf strings.Builder
	for _, n := range names {
		buf.WriteString(repo.Idx[n].Pkgver())
		buf.WriteByte('\n')
	}
	return []byte(buf.String()), nil
}

func loadSecretKey(path string) (*signer.SecretKey, *signer.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	sk, err := signer.ParseSecretKey(data)
	if err != nil {
		return nil, nil, err
	}
	pubData, err := os.ReadFile(path + ".pub")
	if err != nil {
		return nil, nil, err
	}
	pub, err := signer.ParsePublicKey(pubData)
	if err != nil {
		return nil, nil, err
	}
	return sk, pub, nil
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	var out string
	fs.StringVar(&out, "out", "repodb", "output path prefix (writes <out> and <out>.pub)")
	fs.Parse(args)

	pub, sk, err := signer.Generate(signer.NoPassphrase())
	if err != nil {
		log.Fatalf("generating key: %v", err)
	}
	if err := os.WriteFile(out, signer.MarshalSecretKey(sk, "repodb secret key"), 0600); err != nil {
		log.Fatalf("writing secret key: %v", err)
	}
	if err := os.WriteFile(out+".pub", signer.MarshalPublicKey(pub, "repodb public key"), 0644); err != nil {
		log.Fatalf("writing public key: %v", err)
	}
	fmt.Printf("Wrote %s and %s.pub\n", out, out)
}
