// newsvaultd is the newsvault background daemon: it watches registered
// folders, re-indexes them after change bursts settle, republishes open
// shares so recipients see the new version, and serves metrics.
//
//	newsvaultd -config /etc/newsvault/config.toml
//
// Folders are registered with newsvaultctl; the daemon only watches the
// ones listed under [daemon] folders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"newsvault/internal/config"
	"newsvault/internal/crypto"
	"newsvault/internal/index"
	"newsvault/internal/logging"
	"newsvault/internal/metrics"
	"newsvault/internal/publish"
	"newsvault/internal/store"
	"newsvault/internal/transport"
	"newsvault/internal/versioning"
	"newsvault/internal/watcher"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logging.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := metrics.NewRegistry("newsvault", "daemon")
	m := metrics.NewNewsvaultMetrics(registry)

	clients := buildClients(cfg)
	m.KnownServers.Set(int64(len(clients)))

	var coordinator *publish.Coordinator
	if len(clients) > 0 {
		coordinator = publish.NewCoordinator(st, clients[0], &publish.Options{
			ChunkSize: cfg.Publishing.IndexChunkSize,
			MaxChunks: cfg.Publishing.MaxIndexChunks,
			ScryptN:   cfg.Crypto.ScryptN,
			Logger:    log.WithComponent("publish"),
			Metrics:   m,
		})
	} else {
		log.Warn("no servers configured; shares will not be republished on change")
	}

	indexer := versioning.NewIndexer(st, versioning.NewFolderLocker(), log.WithComponent("indexer"), m)

	w, err := watcher.New(cfg.Daemon.ReindexQuiet(), log.WithComponent("watcher"))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Stop()

	for _, root := range cfg.Daemon.Folders {
		folder, err := registerFolder(st, root)
		if err != nil {
			return fmt.Errorf("register folder %s: %w", root, err)
		}
		if _, err := indexer.Run(ctx, folder); err != nil {
			log.Error("initial index failed", "folder_id", folder.FolderID, "error", err)
		}
		if err := w.AddFolder(folder.FolderID, folder.Path); err != nil {
			return fmt.Errorf("watch folder %s: %w", root, err)
		}
		log.Info("watching folder", "folder_id", folder.FolderID, "path", folder.Path)
	}
	w.Start()

	var metricsSrv *http.Server
	if cfg.Daemon.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.HTTPHandler())
		metricsSrv = &http.Server{Addr: cfg.Daemon.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics endpoint listening", "addr", cfg.Daemon.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	housekeeping := time.NewTicker(time.Hour)
	defer housekeeping.Stop()

	log.Info("daemon started", "folders", len(cfg.Daemon.Folders), "servers", len(clients))

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			if coordinator != nil {
				coordinator.Wait()
			}
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return nil

		case ev := <-w.Events():
			folder, err := st.GetFolder(ev.FolderID)
			if err != nil {
				log.Error("reindex trigger for unknown folder", "folder_id", ev.FolderID, "error", err)
				continue
			}
			res, err := indexer.Run(ctx, folder)
			if err != nil {
				log.Error("reindex failed", "folder_id", folder.FolderID, "error", err)
				continue
			}
			if res.Unchanged {
				continue
			}
			log.Info("folder reindexed",
				"folder_id", folder.FolderID, "version", res.Version,
				"added", res.FilesAdded, "modified", res.FilesModified, "deleted", res.FilesDeleted)
			if coordinator != nil {
				folder.CurrentVersion = res.Version
				republishOpenShares(ctx, coordinator, st, folder, cfg, log)
			}

		case err := <-w.Errors():
			log.Warn("watcher error", "error", err)

		case <-housekeeping.C:
			m.UpdateUptime()
			log.Sync()
			if coordinator != nil {
				retention := time.Duration(cfg.Daemon.JobRetentionHours) * time.Hour
				if n := coordinator.CleanupJobs(retention); n > 0 {
					log.Debug("cleaned up finished publish jobs", "count", n)
				}
			}
		}
	}
}

// buildLogger maps the file config onto the logging package config.
func buildLogger(cfg *config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Output = cfg.Output
	lc.Component = "newsvaultd"
	if cfg.Format == "json" {
		lc.Format = logging.FormatJSON
	}
	if cfg.FilePath != "" {
		lc.FilePath = cfg.FilePath
	}
	return logging.New(lc)
}

// buildClients turns the configured servers into retry-wrapped NNTP
// clients, in config order. The first server is the posting primary.
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

// registerFolder looks up the folder row for a watched root, creating it
// with a fresh identity and signing keypair on first sight.
func registerFolder(st *store.Store, root string) (*store.Folder, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	folder, err := st.GetFolderByPath(abs)
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, store.ErrFolderNotFound) {
		return nil, err
	}

	pub, priv, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	folder = &store.Folder{
		FolderID:   uuid.NewString(),
		Path:       abs,
		PrivateKey: priv,
		PublicKey:  pub,
	}
	if _, err := st.InsertFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// republishOpenShares refreshes active open shares after a version bump.
// Open shares carry no credentials, so the daemon can rebuild them alone;
// allow-listed and password-protected shares need their credentials and
// are only flagged.
func republishOpenShares(ctx context.Context, co *publish.Coordinator, st *store.Store, folder *store.Folder, cfg *config.Config, log *logging.Logger) {
	shares, err := st.ListShares(folder.FolderID)
	if err != nil {
		log.Error("list shares failed", "folder_id", folder.FolderID, "error", err)
		return
	}

	for _, sh := range shares {
		if !sh.IsActive {
			continue
		}
		if sh.ShareType != string(index.ShareOpen) {
			log.Warn("share is stale after reindex; republish with newsvaultctl",
				"share_id", sh.ShareID, "share_type", sh.ShareType, "version", sh.Version)
			continue
		}

		job, err := co.Publish(ctx, &publish.Request{
			Folder:           folder,
			ShareType:        index.ShareOpen,
			Newsgroup:        cfg.Publishing.Newsgroup,
			RedundancyCopies: cfg.Publishing.RedundancyCopies,
			UpdateExisting:   true,
		})
		if err != nil {
			log.Error("republish failed", "share_id", sh.ShareID, "error", err)
			continue
		}
		log.Info("open share republished",
			"old_share_id", sh.ShareID, "new_share_id", job.ShareID,
			"job_id", job.ID, "version", folder.CurrentVersion)
	}
}
