package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	postprocess "github.com/menta2k/detection-postprocess"
	"github.com/menta2k/detection-postprocess/internal/config"
	"github.com/menta2k/detection-postprocess/internal/ledger"
	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/log"

	// operations must be registered in worker processes too
	_ "github.com/menta2k/detection-postprocess/pkg/crop"
	_ "github.com/menta2k/detection-postprocess/pkg/render"
)

const usage = `usage: %s <command> [flags]

commands:
  render     draw detections onto copies of the source images
  crop       cut every detection above threshold into its own image
  reconcile  map crop-level classifications back onto image results
  runs       list recorded runs
  worker     serve jobs over stdin/stdout (started by -parallelism process)
  version    print the version
`

// common holds the flags every batch command accepts
type common struct {
	configPath  string
	envFile     string
	logLevel    string
	logFile     string
	ledgerPath  string
	parallelism string
	workers     int
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (json or yaml)")
	fs.StringVar(&c.envFile, "env", ".env", "env file with MDPP_* overrides")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&c.logFile, "log-file", "", "also write logs to this file")
	fs.StringVar(&c.ledgerPath, "ledger", "", "record runs in this sqlite database")
	fs.StringVar(&c.parallelism, "parallelism", "", "sequential|thread|process")
	fs.IntVar(&c.workers, "workers", -1, "number of workers, 0 = one per CPU")
}

// load builds the configuration: defaults, then the config file, then the
// environment, then explicit flags
func (c *common) load() (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		loaded, err := config.LoadFromFile(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(c.envFile); err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFile != "" {
		cfg.Logging.File = c.logFile
	}
	if c.ledgerPath != "" {
		cfg.Ledger.Path = c.ledgerPath
	}
	if c.parallelism != "" {
		cfg.Execution.Parallelism = c.parallelism
	}
	if c.workers >= 0 {
		cfg.Execution.Workers = c.workers
	}
	return cfg, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "render":
		err = runRender(ctx, args)
	case "crop":
		err = runCrop(ctx, args)
	case "reconcile":
		err = runReconcile(args)
	case "runs":
		err = runRuns(ctx, args)
	case "worker":
		err = runWorker(ctx)
	case "version":
		fmt.Println(postprocess.GetVersion())
	case "-h", "--help", "help":
		fmt.Printf(usage, filepath.Base(os.Args[0]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runRender(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	var c common
	c.register(fs)
	var in, images, out string
	var threshold float64
	var sample int
	var seed int64
	var detectionsOnly, preserve, noIndex bool
	var width int
	fs.StringVar(&in, "in", "", "detector output json")
	fs.StringVar(&images, "images", "", "folder the detector ran on")
	fs.StringVar(&out, "out", "", "output folder for annotated images")
	fs.Float64Var(&threshold, "threshold", 0, "confidence threshold, default derived from the detector")
	fs.IntVar(&sample, "sample", -1, "render a random sample of this many images, -1 = all")
	fs.Int64Var(&seed, "seed", 0, "random seed for -sample")
	fs.BoolVar(&detectionsOnly, "detections-only", false, "skip images without detections above threshold")
	fs.IntVar(&width, "width", 700, "output image width, -1 = original size")
	fs.BoolVar(&preserve, "preserve-paths", false, "mirror the input folder structure")
	fs.BoolVar(&noIndex, "no-index", false, "do not write index.html")
	fs.Parse(args)

	if in == "" || images == "" || out == "" {
		return fmt.Errorf("render requires -in, -images and -out")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold":
			cfg.Selection.ConfidenceThreshold = &threshold
		case "sample":
			cfg.Selection.SampleSize = sample
		case "seed":
			cfg.Selection.RandomSeed = &seed
		case "detections-only":
			cfg.Selection.RenderDetectionsOnly = detectionsOnly
		case "width":
			cfg.Render.OutputImageWidth = width
		case "preserve-paths":
			cfg.Render.PreservePathStructure = preserve
		case "no-index":
			cfg.Render.WriteIndex = !noIndex
		}
	})

	p, cleanup, err := newPostprocessor(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := p.Visualize(ctx, in, out, images)
	if err != nil {
		return err
	}
	fmt.Println(res.Summary)
	if res.IndexPath != "" {
		fmt.Println("index:", res.IndexPath)
	}
	return nil
}

func runCrop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("crop", flag.ExitOnError)
	var c common
	c.register(fs)
	var in, images, out, withIDs, cropResults string
	var threshold float64
	var expansion int
	fs.StringVar(&in, "in", "", "detector output json")
	fs.StringVar(&images, "images", "", "folder the detector ran on")
	fs.StringVar(&out, "out", "", "output folder for crops")
	fs.StringVar(&withIDs, "with-ids", "", "write the input results with crop ids to this file")
	fs.StringVar(&cropResults, "crop-results", "", "write crop-level results to this file")
	fs.Float64Var(&threshold, "threshold", 0.1, "crop detections above this confidence")
	fs.IntVar(&expansion, "expansion", 0, "grow every crop by this many pixels per side")
	fs.Parse(args)

	if in == "" || images == "" || out == "" {
		return fmt.Errorf("crop requires -in, -images and -out")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold":
			cfg.Crop.ConfidenceThreshold = threshold
		case "expansion":
			cfg.Crop.Expansion = expansion
		}
	})

	p, cleanup, err := newPostprocessor(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := p.CreateCropFolder(ctx, in, images, out, withIDs, cropResults)
	if err != nil {
		return err
	}
	fmt.Printf("%d crops: %s\n", res.CropCount, res.Summary)
	return nil
}

func runReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	var c common
	c.register(fs)
	var withIDs, cropResults, out string
	fs.StringVar(&withIDs, "with-ids", "", "image-level results with crop ids")
	fs.StringVar(&cropResults, "crop-results", "", "classified crop-level results")
	fs.StringVar(&out, "out", "", "output file for merged image-level results")
	fs.Parse(args)

	if withIDs == "" || cropResults == "" || out == "" {
		return fmt.Errorf("reconcile requires -with-ids, -crop-results and -out")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	p, cleanup, err := newPostprocessor(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	merged, err := p.CropResultsToImageResults(withIDs, cropResults, out)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d images to %s\n", len(merged.Images), out)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	var c common
	c.register(fs)
	var limit int
	var id string
	fs.IntVar(&limit, "limit", 20, "number of runs to list")
	fs.StringVar(&id, "id", "", "show the job results of one run")
	fs.Parse(args)

	cfg, err := c.load()
	if err != nil {
		return err
	}
	if cfg.Ledger.Path == "" {
		return fmt.Errorf("no ledger configured, use -ledger or %sLEDGER", config.EnvPrefix)
	}
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer l.Close()

	if id != "" {
		res, err := l.Results(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range res {
			fmt.Printf("%5d  %-15s %s %s\n", r.Index, r.Kind, r.File, r.Error)
		}
		return nil
	}

	runs, err := l.Runs(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "running"
		if r.FinishedAt != nil {
			status = fmt.Sprintf("ok=%d skipped=%d missing=%d failed=%d", r.OK, r.Skipped, r.Missing, r.Failed)
		}
		fmt.Printf("%s  %-6s %s  %s -> %s  %s\n", r.ID, r.Operation, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Input, r.Output, status)
	}
	return nil
}

// runWorker serves jobs for a parent using the process strategy. Stdout
// carries frames, so logs go to stderr without colors for the parent to pick up.
func runWorker(ctx context.Context) error {
	logger, err := log.New(log.Options{Level: os.Getenv(config.EnvPrefix + "LOG_LEVEL"), NoColors: true, Output: os.Stderr})
	if err != nil {
		logger = log.Default()
	}
	log.SetDefault(logger)
	return executor.ServeWorker(ctx, os.Stdin, os.Stdout)
}

func newPostprocessor(cfg *config.Config) (*postprocess.Postprocessor, func(), error) {
	logger, err := log.New(log.Options{
		Level:    cfg.Logging.Level,
		File:     cfg.Logging.File,
		NoColors: cfg.Logging.NoColors,
	})
	if err != nil {
		return nil, nil, err
	}
	log.SetDefault(logger)

	opts := []postprocess.Option{
		postprocess.WithLogger(logger),
		postprocess.WithProgress(progressLogger(logger)),
	}
	cleanup := func() {}
	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, postprocess.WithLedger(l))
		cleanup = func() { l.Close() }
	}

	p, err := postprocess.New(cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return p, cleanup, nil
}

// progressLogger logs roughly every tenth of the batch
func progressLogger(logger logrus.FieldLogger) func(done, total int) {
	return func(done, total int) {
		step := max(total/10, 1)
		if done%step == 0 || done == total {
			logger.WithFields(log.Fields{"done": done, "total": total}).Debug("Progress")
		}
	}
}
