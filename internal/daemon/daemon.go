package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/csearch-dev/csearch/internal/config"
	"github.com/csearch-dev/csearch/internal/embed"
	"github.com/csearch-dev/csearch/internal/search"
	"github.com/csearch-dev/csearch/internal/store"
)

// projectState holds the live stores and engine for one loaded project.
type projectState struct {
	rootPath string
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	engine   *search.Engine

	loadedAt time.Time
	lastUsed time.Time
}

// Close releases every store held by the project. Safe to call on a
// partially-initialized state (nil fields are skipped).
func (p *projectState) Close() error {
	var errs []error
	if p.bm25 != nil {
		if err := p.bm25.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bm25: %w", err))
		}
	}
	if p.vector != nil {
		if err := p.vector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector: %w", err))
		}
	}
	if p.metadata != nil {
		if err := p.metadata.Close(); err != nil {
			errs = append(errs, fmt.Errorf("metadata: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Daemon keeps an embedding model and per-project search stores loaded in
// memory, serving search requests over the Unix socket Server. Projects are
// loaded lazily on first search and evicted LRU-style once Config.MaxProjects
// is exceeded, so one daemon can serve many repositories without holding
// every index open at once.
type Daemon struct {
	cfg      Config
	embedder embed.Embedder
	server   *Server
	pidFile  *PIDFile
	compact  *CompactionManager

	mu       sync.RWMutex
	projects map[string]*projectState

	started time.Time
}

// Option configures optional Daemon behavior.
type Option func(*Daemon)

// WithEmbedder supplies a pre-built embedder instead of loading one from
// configuration at Start. Primarily used by tests to avoid a real model load.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// NewDaemon creates a daemon bound to cfg. It does not load the embedder or
// start listening; call Start to do that.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		projects: make(map[string]*projectState),
		pidFile:  NewPIDFile(cfg.PIDPath),
	}
	for _, opt := range opts {
		opt(d)
	}

	server, err := NewServer(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	server.SetHandler(d)
	d.server = server
	d.compact = NewCompactionManager(d, config.NewConfig().Compaction)

	return d, nil
}

// Start loads the embedder (if not already set), writes the PID file, and
// blocks serving requests on the Unix socket until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}

	// Overwrite any stale PID file unconditionally; we are the daemon now.
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	if d.embedder == nil {
		embedder, err := d.loadDefaultEmbedder(ctx)
		if err != nil {
			slog.Warn("daemon_embedder_unavailable",
				slog.String("error", err.Error()),
				slog.String("fallback", "searches will run BM25-only until an embedder is available"))
		} else {
			d.embedder = embedder
		}
	}

	d.started = time.Now()
	d.compact.Start(ctx)
	defer d.compact.Stop()
	defer d.cleanup()

	return d.server.ListenAndServe(ctx)
}

// loadDefaultEmbedder builds the shared embedder from the global config's
// embeddings section, the same provider/model resolution the CLI search
// path uses.
func (d *Daemon) loadDefaultEmbedder(ctx context.Context) (embed.Embedder, error) {
	cfg := config.NewConfig()
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	return embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
}

// cleanup releases every loaded project and the shared embedder. Called once
// Start's serve loop returns (ctx cancelled or listener error).
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, p := range d.projects {
		if err := p.Close(); err != nil {
			slog.Warn("project_close_failed", slog.String("project", path), slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}

// evictLRU removes the single least-recently-used project. Called before
// loading a new project once the map is at capacity. No-op on an empty map.
func (d *Daemon) evictLRU() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.projects) == 0 {
		return
	}

	var oldestPath string
	var oldestTime time.Time
	first := true
	for path, p := range d.projects {
		if first || p.lastUsed.Before(oldestTime) {
			oldestPath, oldestTime, first = path, p.lastUsed, false
		}
	}

	if p, ok := d.projects[oldestPath]; ok {
		if err := p.Close(); err != nil {
			slog.Warn("evicted_project_close_failed", slog.String("project", oldestPath), slog.String("error", err.Error()))
		}
		delete(d.projects, oldestPath)
	}
}

// getOrLoadProject returns the cached project state for rootPath, opening
// its stores on first use. The daemon-wide embedder is shared read-only
// across every project's engine.
func (d *Daemon) getOrLoadProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.RLock()
	p, ok := d.projects[rootPath]
	d.mu.RUnlock()
	if ok {
		d.mu.Lock()
		p.lastUsed = time.Now()
		d.mu.Unlock()
		return p, nil
	}

	dataDir := filepath.Join(rootPath, ".csearch")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found for %s: run 'csearch index' first", rootPath)
	}

	loaded, err := d.openProject(rootPath, dataDir, metadataPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if len(d.projects) >= d.cfg.MaxProjects {
		d.mu.Unlock()
		d.evictLRU()
		d.mu.Lock()
	}
	d.projects[rootPath] = loaded
	d.mu.Unlock()

	return loaded, nil
}

// openProject opens the metadata, BM25, and vector stores for rootPath and
// wires them into a search.Engine using the daemon's shared embedder.
func (d *Daemon) openProject(rootPath, dataDir, metadataPath string) (*projectState, error) {
	projectCfg, err := config.Load(rootPath)
	if err != nil {
		projectCfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), projectCfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	dimensions := 768
	if d.embedder != nil {
		dimensions = d.embedder.Dimensions()
	} else if existing, err := store.ReadHNSWStoreDimensions(filepath.Join(dataDir, "vectors.hnsw")); err == nil && existing > 0 {
		dimensions = existing
	}

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dimensions))
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, err := os.Stat(vectorPath); err == nil {
		if err := vector.Load(vectorPath); err != nil {
			slog.Warn("vector_load_failed", slog.String("project", rootPath), slog.String("error", err.Error()))
		}
	}

	embedder := d.embedder
	if embedder == nil {
		embedder = embed.NewStaticEmbedder768()
	}

	engineCfg := search.DefaultConfig()
	if projectCfg.Search.MaxResults > 0 {
		engineCfg.DefaultLimit = projectCfg.Search.MaxResults
	}
	if projectCfg.Search.BM25Weight > 0 || projectCfg.Search.SemanticWeight > 0 {
		engineCfg.DefaultWeights = search.Weights{
			BM25:     projectCfg.Search.BM25Weight,
			Semantic: projectCfg.Search.SemanticWeight,
		}
	}
	if projectCfg.Search.RRFConstant > 0 {
		engineCfg.RRFConstant = projectCfg.Search.RRFConstant
	}

	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineCfg,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))
	if err != nil {
		_ = vector.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to build search engine: %w", err)
	}

	now := time.Now()
	return &projectState{
		rootPath: rootPath,
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		engine:   engine,
		loadedAt: now,
		lastUsed: now,
	}, nil
}

// HandleSearch implements RequestHandler. It resolves rootPath to a loaded
// (or newly-opened) project and runs the hybrid search pipeline against it.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	root, err := filepath.Abs(params.RootPath)
	if err != nil {
		return nil, fmt.Errorf("invalid root path: %w", err)
	}

	proj, err := d.getOrLoadProject(ctx, root)
	if err != nil {
		return nil, err
	}

	d.compact.InterruptCompaction(root)

	opts := search.SearchOptions{
		Limit:    params.Limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		Explain:  params.Explain,
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	results, err := proj.engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	d.compact.OnSearchComplete(root)

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		sr := SearchResult{
			FilePath:  r.Chunk.Path,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
			VecScore:  r.VecScore,
			BM25Rank:  r.BM25Rank,
			VecRank:   r.VecRank,
		}
		if r.Explain != nil {
			sr.Explain = &ExplainData{
				Query:                r.Explain.Query,
				BM25ResultCount:      r.Explain.BM25ResultCount,
				VectorResultCount:    r.Explain.VectorResultCount,
				BM25Weight:           r.Explain.Weights.BM25,
				SemanticWeight:       r.Explain.Weights.Semantic,
				RRFConstant:          r.Explain.RRFConstant,
				BM25Only:             r.Explain.BM25Only,
				DimensionMismatch:    r.Explain.DimensionMismatch,
				MultiQueryDecomposed: r.Explain.MultiQueryDecomposed,
				SubQueries:           r.Explain.SubQueries,
			}
		}
		out = append(out, sr)
	}

	return out, nil
}

// GetStatus implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	projectsLoaded := len(d.projects)
	d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		ProjectsLoaded: projectsLoaded,
	}

	if d.embedder == nil {
		status.EmbedderType = "unavailable"
		status.EmbedderStatus = "unavailable"
	} else {
		status.EmbedderType = d.embedder.ModelName()
		status.EmbedderStatus = "ready"
	}

	return status
}
