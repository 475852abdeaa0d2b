package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/backend/cloud"
	"media-intelligence/pkg/backend/local"
	"media-intelligence/pkg/config"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/media"
	"media-intelligence/pkg/pipeline"
	"media-intelligence/pkg/secrets"
	"media-intelligence/pkg/storage"
)

// app holds everything a command needs once the config is loaded.
type app struct {
	cfg     *config.Config
	log     *logrus.Entry
	backend backend.Backend
	runs    storage.MemoryStore
	ledger  storage.DiskStore
	manager *pipeline.Manager
	checks  map[string]backend.Checker
}

func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*app, error) {
	tax := fusion.DefaultTaxonomy()
	if cfg.Backend.TaxonomyFile != "" {
		t, err := fusion.LoadTaxonomy(cfg.Backend.TaxonomyFile)
		if err != nil {
			return nil, err
		}
		tax = t
	}

	creds, err := resolveCredentials(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	be, err := newBackend(cfg, creds, tax, log)
	if err != nil {
		return nil, err
	}

	sources := backend.NewRouter(&local.FileSource{
		Root:        cfg.Backend.Local.InputRoot,
		HashContent: cfg.Backend.Local.HashContent,
	})
	artifacts := storage.NewStoreRouter(&storage.FSStore{Root: cfg.Storage.ArtifactRoot})
	checks := map[string]backend.Checker{"source": sources}
	if c, ok := be.(backend.Checker); ok {
		checks["backend"] = c
	}

	blob := cfg.Backend.Cloud.Blob
	if blob.ConnectionString != "" || blob.ServiceURL != "" {
		api, err := cloud.NewAzureBlobs(blob.ConnectionString, blob.ServiceURL)
		if err != nil {
			return nil, err
		}
		sources.Handle(cloud.Scheme, &cloud.BlobSource{API: api, TempDir: blob.TempDir, Log: log.WithField("component", "blob")})
		artifacts.Handle(cloud.Scheme, &cloud.BlobStore{API: api})
		log.Info("blob storage enabled for az:// refs")
	}

	ledger, err := storage.NewDiskStore(cfg.Storage.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}
	runs := storage.NewMemoryStore()

	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Backend:   be,
		Source:    sources,
		Prober:    media.NewProber(cfg.Backend.FFProbe, log.WithField("component", "probe")),
		Artifacts: artifacts,
		Ledger:    ledger,
		Runs:      runs,
		Log:       log,
	}, cfg.Pipeline)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"backend":    be.Name(),
		"workers":    cfg.Pipeline.Workers,
		"output":     cfg.Pipeline.OutputLocation,
		"situations": len(tax.Situations()),
	}).Info("pipeline configured")

	return &app{
		cfg:     cfg,
		log:     log,
		backend: be,
		runs:    runs,
		ledger:  ledger,
		manager: pipeline.NewManager(cfg.Pipeline, orch, log),
		checks:  checks,
	}, nil
}

// credentials are the secrets the backends need, resolved once at startup.
type credentials struct {
	transcribeKey string
	serviceKey    string
	hfToken       string
}

func resolveCredentials(ctx context.Context, cfg *config.Config, log *logrus.Entry) (credentials, error) {
	m, err := secrets.Open(cfg.Secrets, log)
	if err != nil {
		return credentials{}, fmt.Errorf("failed to open secrets store: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var c credentials
	switch cfg.Backend.Kind {
	case "cloud":
		if c.transcribeKey, err = m.Resolve(ctx, secrets.TranscribeKey, cfg.Backend.Cloud.TranscribeKey); err != nil {
			return credentials{}, err
		}
		if c.serviceKey, err = m.Resolve(ctx, secrets.ServiceKey, cfg.Backend.Cloud.ServiceKey); err != nil {
			return credentials{}, err
		}
	default:
		if c.hfToken, err = m.Resolve(ctx, secrets.HuggingFaceToken, ""); err != nil {
			return credentials{}, err
		}
		if c.hfToken == "" {
			log.Warn("no huggingface token found, speaker diarization helpers may fail to load models")
		}
	}
	log.WithField("secrets_backend", m.Backend()).Debug("credentials resolved")
	return c, nil
}

func newBackend(cfg *config.Config, creds credentials, tax *fusion.Taxonomy, log *logrus.Entry) (backend.Backend, error) {
	windows := backend.Windows{Length: cfg.Backend.WindowLength, Stride: cfg.Backend.WindowStride}

	switch cfg.Backend.Kind {
	case "cloud":
		cc := cfg.Backend.Cloud
		client := &http.Client{Timeout: cc.HTTPTimeout}
		return cloud.New(cloud.Config{
			TranscribeURL:   cc.TranscribeURL,
			TranscribeKey:   creds.transcribeKey,
			TranscribeModel: cc.TranscribeModel,
			DiarizeURL:      cc.DiarizeURL,
			ClassifyURL:     cc.ClassifyURL,
			ServiceKey:      creds.serviceKey,
			Windows:         windows,
			Taxonomy:        tax,
			Rates:           cc.Rates,
		}, client, log)
	default:
		lc := cfg.Backend.Local
		var env []string
		if creds.hfToken != "" {
			env = append(env, "HF_TOKEN="+creds.hfToken)
		}
		return local.New(local.Config{
			TranscribeCmd: lc.TranscribeCmd,
			DiarizeCmd:    lc.DiarizeCmd,
			ClassifyCmd:   lc.ClassifyCmd,
			Model:         lc.Model,
			Device:        lc.Device,
			Windows:       windows,
			Taxonomy:      tax,
			Env:           env,
		}, log)
	}
}

func (a *app) Close() {
	if err := a.ledger.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close run ledger")
	}
}
