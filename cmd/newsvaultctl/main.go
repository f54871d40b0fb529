// newsvaultctl is the control CLI for newsvault.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"newsvault/internal/config"
	"newsvault/internal/crypto"
	"newsvault/internal/health"
	"newsvault/internal/index"
	"newsvault/internal/publish"
	"newsvault/internal/retrieval"
	"newsvault/internal/store"
	"newsvault/internal/transport"
	"newsvault/internal/versioning"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "folders":
		cmdFolders(args)
	case "index":
		cmdIndex(args)
	case "publish":
		cmdPublish(args)
	case "shares":
		cmdShares(args)
	case "revoke":
		cmdRevoke(args)
	case "download":
		cmdDownload(args)
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `newsvaultctl - Control utility for newsvault

Usage: newsvaultctl [options] <command> [args]

Commands:
  folders add <path>       Register a folder and run its first index
  folders list             List registered folders
  index <path>             Re-index a registered folder
  publish <path>           Publish a folder as a share
  shares [path]            List shares (all folders when no path given)
  revoke <share-id>        Revoke a share locally
  download <access-string> Download a published share
  status                   Show database and server status
  help                     Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

/// buildClients mirrors the daemon's transport wiring: one retry-wrapped
// NNTP client per configured server, in config order.
func buildClients(cfg *config.Config) []transport.Client {
	clients := make([]transport.Client, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		nntp := transport.NewNNTPClient(transport.NNTPConfig{
			Name:     srv.Name,
			Host:     srv.Host,
			Port:     srv.Port,
			TLS:      srv.TLS,
			Username: srv.Username,
			Password: srv.Password,
		})
		clients = append(clients, transport.NewRetryClient(nntp, nil))
	}
	return clients
}

func requireClients(cfg *config.Config) []transport.Client {
	clients := buildClients(cfg)
	if len(clients) == 0 {
		fmt.Fprintln(os.Stderr, "No servers configured; add a [[servers]] entry to the config file.")
		os.Exit(1)
	}
	return clients
}

func folderByPath(st *store.Store, path string) *store.Folder {
	abs, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving path: %v\n", err)
		os.Exit(1)
	}
	folder, err := st.GetFolderByPath(abs)
	if err != nil {
		if errors.Is(err, store.ErrFolderNotFound) {
			fmt.Fprintf(os.Stderr, "Folder not registered: %s\n", abs)
			fmt.Fprintln(os.Stderr, "Register it first with: newsvaultctl folders add "+abs)
		} else {
			fmt.Fprintf(os.Stderr, "Error loading folder: %v\n", err)
		}
		os.Exit(1)
	}
	return folder
}

func cmdFolders(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: newsvaultctl folders <add|list> [path]")
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	switch args[0] {
	case "add":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: newsvaultctl folders add <path>")
			os.Exit(1)
		}
		abs, err := filepath.Abs(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving path: %v\n", err)
			os.Exit(1)
		}
		if _, err := st.GetFolderByPath(abs); err == nil {
			fmt.Fprintf(os.Stderr, "Folder already registered: %s\n", abs)
			os.Exit(1)
		}

		pub, priv, err := crypto.GenerateSigningKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating signing key: %v\n", err)
			os.Exit(1)
		}
		folder := &store.Folder{
			FolderID:   uuid.NewString(),
			Path:       abs,
			PrivateKey: priv,
			PublicKey:  pub,
		}
		if _, err := st.InsertFolder(folder); err != nil {
			fmt.Fprintf(os.Stderr, "Error registering folder: %v\n", err)
			os.Exit(1)
		}

		res := runIndex(st, folder)
		fmt.Printf("Registered folder %s\n", abs)
		fmt.Printf("  Folder ID:  %s\n", folder.FolderID)
		fmt.Printf("  Public key: %s...\n", hex.EncodeToString(pub[:8]))
		fmt.Printf("  Version:    %d (%d files)\n", res.Version, res.FilesAdded)

	case "list":
		folders, err := st.ListFolders()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing folders: %v\n", err)
			os.Exit(1)
		}
		if len(folders) == 0 {
			fmt.Println("No folders registered.")
			return
		}
		fmt.Printf("%-38s %-8s %s\n", "Folder ID", "Version", "Path")
		fmt.Println(strings.Repeat("-", 70))
		for _, f := range folders {
			fmt.Printf("%-38s %-8d %s\n", f.FolderID, f.CurrentVersion, f.Path)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown folders subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runIndex(st *store.Store, folder *store.Folder) *versioning.RunResult {
	indexer := versioning.NewIndexer(st, versioning.NewFolderLocker(), nil, nil)
	res, err := indexer.Run(context.Background(), folder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error indexing folder: %v\n", err)
		os.Exit(1)
	}
	return res
}

func cmdIndex(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: newsvaultctl index <path>")
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	folder := folderByPath(st, args[0])
	res := runIndex(st, folder)
	if res.Unchanged {
		fmt.Printf("No changes; folder stays at version %d.\n", folder.CurrentVersion)
		return
	}
	fmt.Printf("Indexed version %d: +%d ~%d -%d (%d segments, %s)\n",
		res.Version, res.FilesAdded, res.FilesModified, res.FilesDeleted,
		res.SegmentCount, res.Duration.Round(time.Millisecond))
}

func cmdPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	shareType := fs.String("type", "open", "share type: open, allow_listed, password_protected")
	identities := fs.String("identities", "", "comma-separated authorized identities (allow_listed)")
	password := fs.String("password", "", "share password (password_protected)")
	hint := fs.String("hint", "", "cleartext password hint (password_protected)")
	expiryDays := fs.Int("expiry-days", 0, "mark the share inactive after N days (0 = never)")
	copies := fs.Int("copies", -1, "redundancy copies per segment (-1 = config default)")
	newsgroup := fs.String("newsgroup", "", "target newsgroup (default from config)")
	update := fs.Bool("update", false, "revoke and replace an existing active share of the same type")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: newsvaultctl publish <path> [options]")
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	clients := requireClients(cfg)
	folder := folderByPath(st, fs.Arg(0))

	group := cfg.Publishing.Newsgroup
	if *newsgroup != "" {
		group = *newsgroup
	}
	redundancy := cfg.Publishing.RedundancyCopies
	if *copies >= 0 {
		redundancy = *copies
	}

	coordinator := publish.NewCoordinator(st, clients[0], &publish.Options{
		ChunkSize: cfg.Publishing.IndexChunkSize,
		MaxChunks: cfg.Publishing.MaxIndexChunks,
		ScryptN:   cfg.Crypto.ScryptN,
	})

	req := &publish.Request{
		Folder:           folder,
		ShareType:        index.ShareType(*shareType),
		Newsgroup:        group,
		Password:         *password,
		PasswordHint:     *hint,
		ExpiryDays:       *expiryDays,
		RedundancyCopies: redundancy,
		UpdateExisting:   *update,
		Progress: func(job publish.Job) {
			fmt.Printf("  %s (%d segments posted)\n", job.State, job.SegmentsPosted)
		},
	}
	if *identities != "" {
		req.AuthorizedIdentities = strings.Split(*identities, ",")
	}

	job, err := coordinator.Publish(context.Background(), req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting publish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Publishing %s as %s share %s...\n", folder.Path, *shareType, job.ShareID)

	coordinator.Wait()
	job, err = coordinator.Job(job.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading job: %v\n", err)
		os.Exit(1)
	}
	if job.State != publish.JobPublished {
		fmt.Fprintf(os.Stderr, "Publish failed: %s\n", job.Error)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Published!")
	fmt.Printf("  Share ID:      %s\n", job.ShareID)
	fmt.Printf("  Version:       %d\n", job.Version)
	fmt.Printf("  Access string: %s\n", job.AccessString)
	if *shareType == string(index.SharePasswordProtected) {
		fmt.Println("  Recipients also need the password (share it out of band).")
	}
}

func cmdShares(args []string) {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	var folders []store.Folder
	if len(args) > 0 {
		folders = append(folders, *folderByPath(st, args[0]))
	} else {
		var err error
		folders, err = st.ListFolders()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing folders: %v\n", err)
			os.Exit(1)
		}
	}

	total := 0
	for _, f := range folders {
		shares, err := st.ListShares(f.FolderID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing shares: %v\n", err)
			os.Exit(1)
		}
		if len(shares) == 0 {
			continue
		}
		fmt.Printf("%s\n", f.Path)
		for _, sh := range shares {
			state := "active"
			if !sh.IsActive {
				state = "inactive"
			}
			fmt.Printf("  %-42s %-20s v%-4d %s\n", sh.ShareID, sh.ShareType, sh.Version, state)
		}
		total += len(shares)
	}
	if total == 0 {
		fmt.Println("No shares recorded.")
	}
}

func cmdRevoke(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: newsvaultctl revoke <share-id>")
		os.Exit(1)
	}

	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	if err := st.RevokeShare(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking share: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Share %s revoked locally.\n", args[0])
	fmt.Println("Note: articles already posted to the network cannot be deleted;")
	fmt.Println("revocation only stops this installation from honoring the share.")
}

func cmdDownload(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	output := fs.String("o", ".", "output directory")
	identity := fs.String("identity", "", "identity for allow_listed shares")
	password := fs.String("password", "", "password for password_protected shares")
	workers := fs.Int("workers", 0, "retrieval workers (default from config)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: newsvaultctl download <access-string> [options]")
		os.Exit(1)
	}

	cfg := loadConfig()
	clients := requireClients(cfg)

	env, err := publish.DecodeAccessString(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding access string: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Share %s (%s), folder %s\n", env.ShareID, env.ShareType, env.FolderID)

	ctx := context.Background()

	compressed, err := publish.FetchIndex(ctx, clients[0], &env.Index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching index: %v\n", err)
		os.Exit(1)
	}

	creds := &index.Credentials{Identity: *identity, Password: *password}
	payload, err := index.Decrypt(compressed, creds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decrypting index: %v\n", err)
		if errors.Is(err, index.ErrAccessDenied) {
			fmt.Fprintln(os.Stderr, "Check the -identity or -password option for this share type.")
		}
		os.Exit(1)
	}
	fmt.Printf("Index decrypted: %d files\n", len(payload.Files))

	st := openStore(cfg)
	defer st.Close()

	registry := transport.NewRegistry()
	for _, c := range clients {
		registry.Register(c)
	}
	tracker := health.NewTracker()
	restoreTracker(st, tracker)

	descs, copies := buildDescriptors(payload)
	var retriever retrieval.Retriever = retrieval.NewEngine(registry, tracker, copies, &retrieval.Options{
		ScanLimit: cfg.Retrieval.HeaderScanLimit,
	})
	if cfg.Retrieval.CacheSizeBytes > 0 {
		retriever = retrieval.NewCachingEngine(retriever, retrieval.NewMemoryCache(cfg.Retrieval.CacheSizeBytes), nil)
	}

	workerCount := cfg.Retrieval.Workers
	if *workers > 0 {
		workerCount = *workers
	}

	batch := retrieval.BatchRetrieve(ctx, retriever, descs, workerCount, func(p retrieval.Progress) {
		mark := "ok"
		if !p.Success {
			mark = "FAILED"
		}
		fmt.Printf("  [%d/%d] %s %s\n", p.Current, p.Total, p.SegmentID[:12], mark)
	})

	persistTracker(st, tracker)

	if batch.Failed > 0 {
		fmt.Fprintf(os.Stderr, "\n%d of %d segments could not be retrieved; no files written.\n",
			batch.Failed, len(descs))
		os.Exit(1)
	}

	written, err := assembleFiles(payload, batch, *output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing files: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDownloaded %d files to %s\n", written, *output)
}

// memCopies is the manifest-backed redundancy source: sibling copies come
// from the decrypted segment map, not from the local database.
type memCopies map[string][]retrieval.RedundancyCopy

func (m memCopies) Copies(segmentID string) ([]retrieval.RedundancyCopy, error) {
	return m[segmentID], nil
}

// buildDescriptors splits the manifest's segment map into primary
// descriptors and a redundancy-copy lookup.
func buildDescriptors(payload *index.Payload) ([]*retrieval.Descriptor, memCopies) {
	copies := make(memCopies)
	var descs []*retrieval.Descriptor

	for path, segments := range payload.SegmentMap {
		for _, seg := range segments {
			if seg.RedundancyIndex > 0 {
				if seg.MessageID != "" {
					copies[seg.SegmentID] = append(copies[seg.SegmentID], retrieval.RedundancyCopy{
						MessageID:       seg.MessageID,
						Newsgroup:       seg.Newsgroup,
						RedundancyIndex: seg.RedundancyIndex,
					})
				}
				continue
			}
			descs = append(descs, &retrieval.Descriptor{
				SegmentID:          seg.SegmentID,
				FilePath:           path,
				SegmentIndex:       seg.Index,
				MessageID:          seg.MessageID,
				SubjectFingerprint: seg.SubjectFingerprint,
				Newsgroup:          seg.Newsgroup,
				ExpectedHash:       seg.Hash,
				ExpectedSize:       seg.Size,
			})
		}
	}

	for _, d := range descs {
		if _, ok := copies[d.SegmentID]; ok {
			d.RedundancyAvailable = true
		}
	}
	return descs, copies
}

// assembleFiles reassembles each file from its verified segments, writing
// through a .partial name so an interrupted run never leaves a file that
// looks complete.
func assembleFiles(payload *index.Payload, batch *retrieval.BatchResult, outDir string) (int, error) {
	written := 0
	for _, file := range payload.Files {
		segments := append([]index.SegmentEntry(nil), payload.SegmentMap[file.Path]...)
		sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })

		target := filepath.Join(outDir, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, err
		}
		partial := target + ".partial"
		f, err := os.Create(partial)
		if err != nil {
			return written, err
		}

		hasher := sha256.New()
		for _, seg := range segments {
			if seg.RedundancyIndex > 0 {
				continue
			}
			res := batch.Results[seg.SegmentID]
			if res == nil || !res.Success {
				f.Close()
				return written, fmt.Errorf("segment %s missing from batch result", seg.SegmentID)
			}
			if _, err := f.Write(res.Data); err != nil {
				f.Close()
				return written, err
			}
			hasher.Write(res.Data)
		}
		if err := f.Close(); err != nil {
			return written, err
		}

		if got := hex.EncodeToString(hasher.Sum(nil)); got != file.Hash {
			return written, fmt.Errorf("file %s hash mismatch after reassembly", file.Path)
		}
		if err := os.Rename(partial, target); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// restoreTracker seeds the health tracker from persisted server stats.
func restoreTracker(st *store.Store, tracker *health.Tracker) {
	stats, err := st.GetServerStats()
	if err != nil {
		return
	}
	snaps := make([]health.Snapshot, 0, len(stats))
	for _, s := range stats {
		snaps = append(snaps, health.Snapshot{
			Server:            s.Server,
			Strategy:          s.Strategy,
			Attempts:          s.Attempts,
			Successes:         s.Successes,
			TotalResponseTime: s.TotalResponseTime,
			LastSuccess:       s.LastSuccess,
			LastFailure:       s.LastFailure,
		})
	}
	tracker.Restore(snaps)
}

// persistTracker writes the tracker's counters back for the next run.
func persistTracker(st *store.Store, tracker *health.Tracker) {
	for _, s := range tracker.Snapshots() {
		st.UpsertServerStat(&store.ServerStat{
			Server:            s.Server,
			Strategy:          s.Strategy,
			Attempts:          s.Attempts,
			Successes:         s.Successes,
			TotalResponseTime: s.TotalResponseTime,
			LastSuccess:       s.LastSuccess,
			LastFailure:       s.LastFailure,
		})
	}
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("=== newsvault status ===")
	fmt.Println()

	fmt.Println("Database:")
	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Printf("  Not created yet: %s\n", cfg.Storage.Path)
	} else {
		st := openStore(cfg)
		defer st.Close()

		folders, _ := st.ListFolders()
		fmt.Printf("  Path:    %s\n", cfg.Storage.Path)
		fmt.Printf("  Folders: %d\n", len(folders))
		for _, f := range folders {
			shares, _ := st.ListShares(f.FolderID)
			active := 0
			for _, sh := range shares {
				if sh.IsActive {
					active++
				}
			}
			fmt.Printf("    %s  v%d  %d active shares\n", f.Path, f.CurrentVersion, active)
		}

		stats, _ := st.GetServerStats()
		if len(stats) > 0 {
			fmt.Println()
			fmt.Println("Server statistics:")
			fmt.Printf("  %-24s %-14s %-10s %-10s\n", "Server", "Strategy", "Attempts", "Successes")
			for _, s := range stats {
				strategy := s.Strategy
				if strategy == "" {
					strategy = "(overall)"
				}
				fmt.Printf("  %-24s %-14s %-10d %-10d\n", s.Server, strategy, s.Attempts, s.Successes)
			}
		}
	}

	fmt.Println()
	fmt.Println("Servers:")
	if len(cfg.Servers) == 0 {
		fmt.Println("  (none configured)")
	}
	for _, srv := range cfg.Servers {
		scheme := "nntp"
		if srv.TLS {
			scheme = "nntps"
		}
		fmt.Printf("  %s (%s://%s:%d)\n", srv.Name, scheme, srv.Host, srv.Port)
	}
}
