package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reticulum/internal/catalog"
	"reticulum/internal/filters"
	"reticulum/internal/fsutil"
	"reticulum/internal/lightcurve"
	"reticulum/internal/pipeline"
	"reticulum/internal/skygrid"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reticulum",
		Short: "Reticulum calibrates astronomical frames against reference catalogs",
		Long: `Reticulum calibrates the instrumental photometry of astrometrically solved
frames against sky catalogs and assembles color-corrected light curves.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newLightcurveCmd(root))
	rootCmd.AddCommand(newQuantizeCmd(root))
	rootCmd.AddCommand(newResolveCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		reprocess bool
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "calibrate <frame|directory>...",
		Short: "Calibrate frame documents against the reference catalog",
		Long: `Calibrate every frame document given directly or found below the given
directories. Frames with an existing artifact are skipped unless --reprocess is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []pipeline.Job
			for _, arg := range args {
				paths, err := fsutil.ListFrames(arg)
				if err != nil {
					return err
				}
				for _, p := range paths {
					jobs = append(jobs, pipeline.NewJob(pipeline.JobCalibrate, p, map[string]any{
						"reprocess": reprocess,
						"source":    "cli",
					}))
				}
			}
			if len(jobs) == 0 {
				return fmt.Errorf("no frame documents found in %s", strings.Join(args, ", "))
			}

			sum, err := root.enqueueAndWait(cmd.Context(), jobs, func(res pipeline.Result) {
				root.reportFrame(res, verbose)
			})
			if err != nil {
				return err
			}
			root.printf("%d frames: %s\n", len(jobs), sum)
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d frames failed", sum.Failed, len(jobs))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&reprocess, "reprocess", "r", false, "recalibrate frames that already have an artifact")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print per-frame calibration details")
	return cmd
}

func (r *Root) reportFrame(res pipeline.Result, verbose bool) {
	switch res.Status {
	case pipeline.StatusFailed:
		r.printf("FAIL  %s: %v\n", res.Job.InputPath, res.Error)
		return
	case pipeline.StatusSkipped:
		r.printf("SKIP  %s: %v\n", res.Job.InputPath, res.Meta["detail"])
		return
	}
	r.printf("OK    %s -> %v\n", res.Job.InputPath, res.Meta["artifact"])
	if !verbose {
		return
	}
	m := res.Meta
	r.printf("      filter %v (raw %q, fallback %v)\n", m["filter"], m["raw_filter"], m["filter_fallback"])
	r.printf("      fwhm %.2f px, aperture %v\n", toFloat(m["fwhm"]), m["aperture"])
	r.printf("      catalog %v: %v with color %v\n", m["catalog"], m["mag_filter_name"], m["mag_color_name"])
	r.printf("      %v sources, %v matched, rms %.3f, color terms %.4f %.4f\n",
		m["sources"], m["matched"], toFloat(m["rms"]), toFloat(m["color_term"]), toFloat(m["color_term2"]))
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	}
	return 0
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [directory]...",
		Short: "Calibrate new frame documents as they appear",
		Long: `Watch directories recursively and queue a calibration job for every frame
document once it has stopped changing. Defaults to paths.frames_dir.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{root.cfg.Paths.FramesDir}
			}
			return root.watchFn(cmd.Context(), dirs)
		},
	}
}

func newLightcurveCmd(root *Root) *cobra.Command {
	var (
		q      lightcurve.Query
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "lightcurve",
		Short: "Assemble the color-corrected light curve of a position",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("ra") || !cmd.Flags().Changed("dec") {
				return fmt.Errorf("--ra and --dec are required")
			}
			if format != "json" && format != "mjd" {
				return fmt.Errorf("unknown format %q (json|mjd)", format)
			}
			curve, err := root.curves.Build(cmd.Context(), q)
			if err != nil {
				return err
			}

			w := root.out
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if format == "mjd" {
				return curve.WriteMJD(w)
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(curve)
		},
	}

	cmd.Flags().Float64Var(&q.RA, "ra", 0, "right ascension in degrees")
	cmd.Flags().Float64Var(&q.Dec, "dec", 0, "declination in degrees")
	cmd.Flags().Float64Var(&q.Radius, "sr", root.cfg.Color.SearchRadiusArcsec, "search radius in arcsec")
	cmd.Flags().Float64Var(&q.MaxMagErr, "magerr", root.cfg.Color.MaxMagErr, "reject points with calibrated error at or above this value (0 disables)")
	cmd.Flags().StringVar(&q.Filter, "filter", "", "restrict to one canonical filter")
	cmd.Flags().StringVar(&q.Name, "name", "", "object name for the title")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json|mjd)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newQuantizeCmd(root *Root) *cobra.Command {
	var nside int64

	cmd := &cobra.Command{
		Use:   "quantize <ra> <dec> <radius>",
		Short: "Snap a query region onto the sky grid",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals := make([]float64, 3)
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("invalid number %q", a)
				}
				vals[i] = v
			}
			q, err := skygrid.Quantize(vals[0], vals[1], vals[2], nside)
			if err != nil {
				return err
			}
			root.printf("ra %.10g dec %.10g radius %.10g nside %d pixel %d\nkey %s\n",
				q.RA, q.Dec, q.Radius, q.Nside, q.Pixel, q.Key())
			return nil
		},
	}

	cmd.Flags().Int64Var(&nside, "nside", 0, "grid resolution, a power of two (0 derives it from the radius)")
	return cmd
}

func newResolveCmd(root *Root) *cobra.Command {
	var (
		columns   string
		ra, dec   float64
		radius    float64
		policyArg string
	)

	cmd := &cobra.Command{
		Use:   "resolve <catalog> <filter>",
		Short: "Show which catalog columns calibrate a filter",
		Long: `Normalize an instrument filter name and resolve the catalog magnitude,
error and color anchor columns. The column set is taken from --columns or,
when absent, from a catalog query around --ra/--dec.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			catName, raw := args[0], args[1]
			desc, ok := root.registry.Catalog(catName)
			if !ok {
				return fmt.Errorf("%w: unknown catalog %q", catalog.ErrConfiguration, catName)
			}
			policy, err := catalog.ParseAnchorPolicy(policyArg)
			if err != nil {
				return err
			}

			var cols catalog.ColumnSet
			if columns != "" {
				cols = catalog.NewColumnSet(strings.Split(columns, ",")...)
			} else {
				if !cmd.Flags().Changed("ra") || !cmd.Flags().Changed("dec") {
					return fmt.Errorf("either --columns or --ra and --dec are required")
				}
				table, err := root.fetcher.Fetch(cmd.Context(), catalog.Request{Catalog: catName, RA: ra, Dec: dec, Radius: radius})
				if err != nil {
					return err
				}
				cols = table.ColumnSet()
			}

			norm := filters.NewNormalizer(root.registry, root.cfg.Calibration.FallbackFilter, root.log).Normalize(raw)
			if !desc.Supplies(norm.Code) {
				root.printf("warning: catalog %s does not list filter %s\n", catName, norm.Code)
			}
			res, err := catalog.Resolver{Policy: policy}.Resolve(catName, norm.Code, cols)
			if err != nil {
				return err
			}

			root.printf("filter  %s -> %s", raw, norm.Code)
			if norm.Fallback {
				root.printf(" (fallback)")
			}
			root.printf("\nfamily  %s\nmag     %s\n", res.Family, res.Mag)
			if res.Err != "" {
				root.printf("err     %s\n", res.Err)
			}
			root.printf("color   %s\n", res.Anchors.Color())
			return nil
		},
	}

	cmd.Flags().StringVar(&columns, "columns", "", "comma separated catalog column names")
	cmd.Flags().Float64Var(&ra, "ra", 0, "query center right ascension in degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "query center declination in degrees")
	cmd.Flags().Float64Var(&radius, "radius", 0.05, "query radius in degrees")
	cmd.Flags().StringVar(&policyArg, "anchors", root.cfg.Calibration.AnchorPolicy, "color anchor policy (johnson|family)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var watchDirs []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs",
		Long: `Serve the job, light curve and sky grid APIs over HTTP (server.addr) and
gRPC (server.grpc_addr). With --watch, new frames in the given directories are
calibrated as they arrive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := make([]string, 0, len(watchDirs))
			for _, d := range watchDirs {
				abs, err := filepath.Abs(d)
				if err != nil {
					return err
				}
				dirs = append(dirs, abs)
			}
			return root.serveFn(cmd.Context(), dirs)
		},
	}

	cmd.Flags().StringSliceVar(&watchDirs, "watch", nil, "directories to watch for new frames")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.jobs.RecentJobs(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				root.printf("no jobs\n")
				return nil
			}
			for _, rec := range recs {
				root.printf("%-36s  %-10s  %-9s  %s", rec.ID, rec.JobType, rec.Status, rec.InputPath)
				if rec.Error != "" {
					root.printf("  (%s)", rec.Error)
				}
				root.printf("\n")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}
