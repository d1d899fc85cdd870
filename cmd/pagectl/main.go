// Command pagectl works on job directories directly, without the queue or
// the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	cfgpkg "github.com/local/pagesorter/internal/config"
	"github.com/local/pagesorter/internal/ledger"
	logpkg "github.com/local/pagesorter/internal/logger"
	"github.com/local/pagesorter/internal/workflow"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	app := &cli.App{
		Name:  "pagectl",
		Usage: "sort scanned pages into a printable PDF",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "jobs-root", Value: cfg.Storage.JobsRoot, EnvVars: []string{"JOBS_ROOT"}, Usage: "job directories"},
			&cli.StringFlag{Name: "outputs-root", Value: cfg.Storage.OutputsRoot, EnvVars: []string{"OUTPUTS_ROOT"}, Usage: "assembled PDFs"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "log level"},
		},
		Before: func(c *cli.Context) error {
			cfg.Storage.JobsRoot = c.String("jobs-root")
			cfg.Storage.OutputsRoot = c.String("outputs-root")
			return logpkg.Init(logpkg.Options{Service: "pagectl", Level: c.String("log-level"), Pretty: true, Console: os.Stderr})
		},
		After: func(c *cli.Context) error {
			logpkg.Close()
			return nil
		},
		Commands: commands(func() *workflow.Service { return workflow.FromConfig(cfg, nil) }),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func commands(service func() *workflow.Service) []*cli.Command {
	return []*cli.Command{
		{
			Name:      "create",
			Usage:     "create a job from a PDF or ZIP of PDFs",
			ArgsUsage: "<file>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Usage: "display name, unique among jobs"},
				&cli.BoolFlag{Name: "convert", Usage: "rasterize right away"},
				&cli.IntFlag{Name: "dpi", Usage: "forced dpi, 0 picks one from the file size"},
			},
			Action: func(c *cli.Context) error {
				src := c.Args().First()
				if src == "" {
					return errors.New("missing file")
				}
				svc := service()
				job, err := svc.CreateJob(src, "", c.String("name"))
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, job.JobID)
				if c.Bool("convert") {
					return convert(c, svc, job.JobID, c.Int("dpi"))
				}
				return nil
			},
		},
		{
			Name:      "convert",
			Usage:     "rasterize a job's source into images",
			ArgsUsage: "<job>",
			Flags:     []cli.Flag{&cli.IntFlag{Name: "dpi", Usage: "forced dpi, 0 picks one from the file size"}},
			Action: func(c *cli.Context) error {
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				return convert(c, service(), id, c.Int("dpi"))
			},
		},
		{
			Name:  "list",
			Usage: "list jobs, newest first",
			Action: func(c *cli.Context) error {
				list, err := service().ListJobs()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB\tNAME\tCREATED\tIMAGES\tPROGRESS\tOUTPUT")
				for _, j := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1f%%\t%v\n", j.JobID, j.DisplayName(), j.Created, j.ImageCount, j.Progress, j.HasOutput)
				}
				return tw.Flush()
			},
		},
		{
			Name:      "info",
			Usage:     "show a job summary",
			ArgsUsage: "<job>",
			Action: func(c *cli.Context) error {
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				info, err := service().Jobs().Info(id)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, info)
			},
		},
		{
			Name:      "batches",
			Usage:     "show review batches and the first incomplete one",
			ArgsUsage: "<job>",
			Flags:     []cli.Flag{&cli.IntFlag{Name: "size", Usage: "images per batch"}},
			Action: func(c *cli.Context) error {
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				list, first, err := service().Batches(id, c.Int("size"))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BATCH\tDONE\tPERCENT")
				for i, b := range list {
					mark := ""
					if i == first {
						mark = " <"
					}
					fmt.Fprintf(tw, "%d/%d\t%d/%d\t%d%%%s\n", b.BatchNum, b.TotalBatches, b.BatchComplete, b.BatchTotal, b.BatchPercent, mark)
				}
				return tw.Flush()
			},
		},
		{
			Name:      "assign",
			Usage:     "assign images to output pages",
			ArgsUsage: "<job> <images>=<page|x> ...",
			Description: "Images are numbers or ranges (3, 5-8, 1,4). A page of 0 or x excludes them.\n" +
				"Example: pagectl assign job_20240101_120000_ab12cd34 1-4=1 5=x 6,7=2",
			Action: func(c *cli.Context) error {
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				editor, err := parseAssignments(c.Args().Tail())
				if err != nil {
					return err
				}
				svc := service()
				if _, err := svc.SaveSelections(id, editor); err != nil {
					return err
				}
				d, err := svc.Distribution(id)
				if err != nil {
					return err
				}
				return printDistribution(c.App.Writer, d)
			},
		},
		{
			Name:      "distribution",
			Usage:     "show images per output page",
			ArgsUsage: "<job>",
			Action: func(c *cli.Context) error {
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				d, err := service().Distribution(id)
				if err != nil {
					return err
				}
				return printDistribution(c.App.Writer, d)
			},
		},
		{
			Name:      "build",
			Usage:     "assemble the output PDF",
			ArgsUsage: "<job>",
			Action: func(c *cli.Context) error {
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				res, err := service().Generate(c.Context, id, nil, func(done, total int) {
					log.Debug().Str("job_id", id).Msgf("page %d of %d", done, total)
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, res.Message)
				for _, m := range res.Missing {
					fmt.Fprintf(c.App.Writer, "missing image: %s\n", m)
				}
				fmt.Fprintln(c.App.Writer, res.OutputPath)
				return nil
			},
		},
		{
			Name:      "delete",
			Usage:     "delete a job and its output",
			ArgsUsage: "<job>",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "all", Usage: "delete every job"}},
			Action: func(c *cli.Context) error {
				svc := service()
				if c.Bool("all") {
					n, err := svc.DeleteAll()
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "deleted %d jobs\n", n)
					return nil
				}
				id, err := jobArg(c)
				if err != nil {
					return err
				}
				return svc.DeleteJob(id)
			},
		},
	}
}

func jobArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", errors.New("missing job id")
	}
	return id, nil
}

func convert(c *cli.Context, svc *workflow.Service, id string, dpi int) error {
	res, err := svc.Convert(c.Context, id, dpi, func(done, total int) {
		fmt.Fprintf(c.App.ErrWriter, "\rconverted %d/%d", done, total)
	})
	fmt.Fprintln(c.App.ErrWriter)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, res.Message)
	return nil
}

// parseAssignments turns "1-4=1 5=x 6,7=2" into an editor state.
func parseAssignments(args []string) (ledger.EditorState, error) {
	if len(args) == 0 {
		return nil, errors.New("nothing to assign")
	}
	editor := ledger.EditorState{}
	for _, arg := range args {
		lhs, rhs, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%q: expected <images>=<page>", arg)
		}
		var entry ledger.EditorEntry
		switch rhs = strings.TrimSpace(rhs); strings.ToLower(rhs) {
		case "x", "0", "exclude":
			entry = ledger.Exclude()
		default:
			page, err := strconv.Atoi(rhs)
			if err != nil || page < 0 {
				return nil, fmt.Errorf("%q: page must be a positive number or x", arg)
			}
			entry = ledger.PageField(page)
		}
		indices, err := parseIndices(lhs)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		for _, i := range indices {
			editor[i.Key()] = entry
		}
	}
	return editor, nil
}

func parseIndices(s string) ([]ledger.Index, error) {
	var out []ledger.Index
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(from)
		if err != nil || a < 1 {
			return nil, fmt.Errorf("bad image number %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(to); err != nil || b < a {
				return nil, fmt.Errorf("bad image range %q", part)
			}
		}
		for i := a; i <= b; i++ {
			out = append(out, ledger.Index(i))
		}
	}
	return out, nil
}

func printDistribution(w io.Writer, d workflow.Distribution) error {
	fmt.Fprintf(w, "%d of %d images classified (%d%%)\n", d.Classified, d.ImageCount, d.Progress)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tIMAGES")
	for _, p := range d.Pages {
		over := ""
		if p.Count > ledger.MaxImagesPerPage {
			over = "  too many"
		}
		fmt.Fprintf(tw, "%d\t%d%s\n", p.Page, p.Count, over)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
