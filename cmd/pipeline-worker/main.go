// Command pipeline-worker wires together every production-pipeline
// collaborator (C1-C11) into a Pipeline (C12) and exposes it behind a
// small HTTP trigger API. It follows the root main.go's wiring shape: a
// flag.NewFlagSet populated through peterbourgon/ff/v3 (env vars take the
// PIPELINE_WORKER_ prefix), golang/glog for startup logging, an
// errgroup.WithContext supervising every long-running goroutine, and a
// handleSignals goroutine that cancels the shared context on
// SIGINT/SIGTERM/SIGQUIT so every server gets a chance to shut down
// cleanly, the same as api.ListenAndServe does for the HTTP API server.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/livepeer/listing-pipeline/c2pa"
	"github.com/livepeer/listing-pipeline/cache"
	"github.com/livepeer/listing-pipeline/clipvalidate"
	"github.com/livepeer/listing-pipeline/config"
	"github.com/livepeer/listing-pipeline/domain"
	xerrors "github.com/livepeer/listing-pipeline/errors"
	"github.com/livepeer/listing-pipeline/ffmpegmux"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/livepeer/listing-pipeline/jobrepo/memoryrepo"
	"github.com/livepeer/listing-pipeline/jobrepo/postgres"
	"github.com/livepeer/listing-pipeline/listinglock"
	"github.com/livepeer/listing-pipeline/log"
	"github.com/livepeer/listing-pipeline/mapclip"
	"github.com/livepeer/listing-pipeline/metrics"
	"github.com/livepeer/listing-pipeline/middleware"
	"github.com/livepeer/listing-pipeline/motionclip"
	"github.com/livepeer/listing-pipeline/pipeline"
	pprofserver "github.com/livepeer/listing-pipeline/pprof"
	"github.com/livepeer/listing-pipeline/resources"
	"github.com/livepeer/listing-pipeline/templates"
	"github.com/livepeer/listing-pipeline/video"
	"github.com/livepeer/listing-pipeline/visioncrop"
)

type cliConfig struct {
	HTTPAddr  string
	PromPort  int
	BlobStore string
	PostgresDSN string

	MotionBaseURL string
	MotionAPIKey  string
	MapBaseURL    string
	MapAPIKey     string

	WatermarkKey     string
	WatermarkOpacity float64

	C2PAAlg        string
	C2PAPrivateKey string
	C2PASignCert   string

	APIToken  string
	PprofPort int
}

func main() {
	fs := flag.NewFlagSet("pipeline-worker", flag.ExitOnError)
	var cli cliConfig

	fs.StringVar(&cli.HTTPAddr, "http-addr", "0.0.0.0:8990", "Address to bind the job-trigger HTTP API to")
	fs.IntVar(&cli.PromPort, "prom-port", 9090, "Port to serve Prometheus metrics on")
	fs.StringVar(&cli.BlobStore, "blob-store", "", "Blob store base URL (s3://bucket or https://bucket.s3.region.amazonaws.com)")
	fs.StringVar(&cli.PostgresDSN, "postgres-dsn", "", "Postgres connection string for JobRepository. Empty uses an in-memory repository (development/testing only)")
	fs.StringVar(&cli.MotionBaseURL, "motion-base-url", "", "Base URL of the motion-clip generation API")
	fs.StringVar(&cli.MotionAPIKey, "motion-api-key", "", "API key for the motion-clip generation API")
	fs.StringVar(&cli.MapBaseURL, "map-base-url", "", "Base URL of the map-clip generation API")
	fs.StringVar(&cli.MapAPIKey, "map-api-key", "", "API key for the map-clip generation API")
	fs.StringVar(&cli.WatermarkKey, "watermark-key", "", "Blob store key of the watermark image to burn into rendered templates. Empty disables watermarking")
	fs.Float64Var(&cli.WatermarkOpacity, "watermark-opacity", 0.8, "Opacity of the watermark overlay, 0-1")
	fs.StringVar(&cli.C2PAAlg, "c2pa-alg", "es256", "Signing algorithm for C2PA content-credentials manifests")
	fs.StringVar(&cli.C2PAPrivateKey, "c2pa-private-key", "", "Path to the C2PA signing private key. Empty disables content-credential signing")
	fs.StringVar(&cli.C2PASignCert, "c2pa-sign-cert", "", "Path to the C2PA signing certificate")
	fs.StringVar(&cli.APIToken, "api-token", "IAmAuthorized", "Bearer token required on the job-trigger endpoint")
	fs.IntVar(&cli.PprofPort, "pprof-port", 0, "Port to serve pprof debug endpoints on. 0 disables it")
	version := fs.Bool("version", false, "print application version")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("PIPELINE_WORKER")); err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}

	if *version {
		fmt.Printf("pipeline-worker version: %s", config.Version)
		return
	}

	if cli.BlobStore == "" {
		glog.Fatal("-blob-store is required")
	}

	pipe, err := buildPipeline(cli)
	if err != nil {
		glog.Fatalf("error wiring pipeline: %s", err)
	}

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return serveTriggerAPI(ctx, cli.HTTPAddr, cli.APIToken, pipe)
	})
	group.Go(func() error {
		return metrics.ListenAndServe(cli.PromPort)
	})
	if cli.PprofPort != 0 {
		group.Go(func() error {
			return pprofserver.ListenAndServe(cli.PprofPort)
		})
	}
	group.Go(func() error {
		return handleSignals(ctx)
	})

	if err := group.Wait(); err != nil {
		glog.Infof("shutting down: %s", err)
	}
}

// buildPipeline constructs every C1-C11 collaborator and wires them into a
// Pipeline, mirroring main.go's "construct real adapters, pass them into
// the orchestrator" wiring shape.
func buildPipeline(cli cliConfig) (*pipeline.Pipeline, error) {
	store, err := blobstore.NewDriverStore(cli.BlobStore)
	if err != nil {
		return nil, fmt.Errorf("failed to build blob store: %w", err)
	}

	var repo jobrepo.Repository
	if cli.PostgresDSN != "" {
		db, err := sql.Open("postgres", cli.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
		repo = postgres.New(db)
	} else {
		glog.Warning("no -postgres-dsn set, falling back to an in-memory JobRepository (state is lost on restart)")
		repo = memoryrepo.New()
	}

	tracker := resources.New()
	muxer := ffmpegmux.New(video.Probe{})
	validator := clipvalidate.New(store, muxer, tracker)
	motion := motionclip.New(cli.MotionBaseURL, cli.MotionAPIKey, store, repo, validator)
	mapProvider := mapclip.New(cli.MapBaseURL, cli.MapAPIKey, store)
	cropper := visioncrop.New(store)
	catalog := templates.New()
	locks := listinglock.New(repo)
	assets := cache.NewAssetCache()

	pipe := pipeline.New(store, motion, mapProvider, muxer, cropper, catalog, validator, locks, repo, tracker, assets)
	pipe.WatermarkKey = cli.WatermarkKey
	pipe.WatermarkOpacity = cli.WatermarkOpacity
	if cli.C2PAPrivateKey != "" {
		provenance := c2pa.NewC2PA(cli.C2PAAlg, cli.C2PAPrivateKey, cli.C2PASignCert)
		pipe.Provenance = &provenance
	}
	return pipe, nil
}

// createJobRequest is the job-trigger endpoint's body, grounded on
// handlers.UploadVOD's read-body/validate/respond shape.
type createJobRequest struct {
	ListingID          string              `json:"listingId"`
	InputFiles         []string            `json:"inputFiles"`
	Template           string              `json:"template"`
	AllowedTemplates   []string            `json:"allowedTemplates,omitempty"`
	Coordinates        *mapclip.Coordinates `json:"coordinates,omitempty"`
	SkipMotion         bool                `json:"skipMotion,omitempty"`
	SkipMotionIfCached bool                `json:"skipMotionIfCached,omitempty"`
}

type createJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// serveTriggerAPI runs the job-trigger HTTP server until ctx is cancelled,
// then gives it 5 seconds to drain in-flight requests before returning.
// Grounded on api.ListenAndServe's own http.Server+context.WithCancel
// shutdown dance.
func serveTriggerAPI(ctx context.Context, addr, apiToken string, pipe *pipeline.Pipeline) error {
	router := httprouter.New()
	router.GET("/ok", middleware.LogRequest()(func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}))
	router.POST("/api/production/jobs", middleware.LogRequest()(middleware.AllowCORS()(middleware.IsAuthorized(apiToken, createJobHandler(pipe)))))

	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID("starting pipeline-worker trigger API", "host", addr)

	var serveErr error
	go func() {
		serveErr = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if serveErr != nil && serveErr != http.ErrServerClosed {
		return serveErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// createJobHandler accepts a production job and runs it asynchronously:
// Execute can run for minutes (spec §4.1's templates each carry their own
// multi-minute timeout), so the HTTP response only confirms the job was
// accepted and persisted, not that it finished.
func createJobHandler(pipe *pipeline.Pipeline) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			xerrors.WriteHTTPBadRequest(w, "invalid request body", err)
			return
		}
		if len(req.InputFiles) == 0 {
			xerrors.WriteHTTPBadRequest(w, "inputFiles must not be empty", nil)
			return
		}

		jobID := uuid.NewString()
		allowed := make([]domain.TemplateKey, 0, len(req.AllowedTemplates))
		for _, t := range req.AllowedTemplates {
			allowed = append(allowed, domain.TemplateKey(t))
		}

		input := pipeline.ExecuteInput{
			JobID:              jobID,
			ListingID:          req.ListingID,
			InputFiles:         req.InputFiles,
			Template:           domain.TemplateKey(req.Template),
			AllowedTemplates:   allowed,
			Coordinates:        req.Coordinates,
			SkipMotion:         req.SkipMotion,
			SkipMotionIfCached: req.SkipMotionIfCached,
		}

		go func() {
			if _, err := pipe.Execute(context.Background(), input); err != nil {
				log.LogError(jobID, "production job failed", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(createJobResponse{JobID: jobID, Status: "accepted"})
	}
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
