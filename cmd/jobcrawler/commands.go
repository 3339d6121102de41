package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobcrawler/internal/app"
	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (jobs.ID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, jobs.Invalid("invalid job id %q", raw)
	}
	return jobs.ID(id), nil
}

// ---- jobs ----

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage crawl jobs",
}

type jobFlags struct {
	title    string
	url      string
	keywords []string
	at       string
	days     string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "site title")
	cmd.Flags().StringVar(&f.url, "url", "", "board URL to crawl")
	cmd.Flags().StringSliceVar(&f.keywords, "keywords", nil, "keywords, comma separated")
	cmd.Flags().StringVar(&f.at, "time", "", "local time of day, HH:MM")
	cmd.Flags().StringVar(&f.days, "days", "", "weekdays, e.g. Mon,Wed,Fri")
}

// apply copies the flags the user set onto j.
func (f *jobFlags) apply(cmd *cobra.Command, j *jobs.Job) error {
	fl := cmd.Flags()
	if fl.Changed("title") {
		j.Title = f.title
	}
	if fl.Changed("url") {
		j.TargetURL = f.url
	}
	if fl.Changed("keywords") {
		j.Keywords = f.keywords
	}
	if fl.Changed("time") {
		t, err := recurrence.ParseTimeOfDay(f.at)
		if err != nil {
			return jobs.Invalid("--time: %v", err)
		}
		j.Time = t
	}
	if fl.Changed("days") {
		d, err := recurrence.ParseDays(f.days)
		if err != nil {
			return jobs.Invalid("--days: %v", err)
		}
		j.Days = d
	}
	return nil
}

func printJobs(list []jobs.Job) error {
	if jsonOutput {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSCHEDULE\tKEYWORDS\tURL")
	for _, j := range list {
		fmt.Fprintf(w, "%d\t%s\t%s %s\t%s\t%s\n", j.ID, j.Title, strings.Join(j.Days.Tags(), ","), j.Time, strings.Join(j.Keywords, ","), j.TargetURL)
	}
	return w.Flush()
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			list, err := a.Scheduler().List(ctx)
			if err != nil {
				return err
			}
			return printJobs(list)
		})
	},
}

var addFlags jobFlags

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var j jobs.Job
		if err := addFlags.apply(cmd, &j); err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			created, err := a.Scheduler().Add(ctx, j)
			if err != nil {
				return err
			}
			return printJobs([]jobs.Job{created})
		})
	},
}

var updateFlags jobFlags

var jobsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a job; unset flags keep their value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			j, err := a.Scheduler().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := updateFlags.apply(cmd, &j); err != nil {
				return err
			}
			updated, err := a.Scheduler().Update(ctx, id, j)
			if err != nil {
				return err
			}
			return printJobs([]jobs.Job{updated})
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Scheduler().Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("deleted job %d\n", id)
			return nil
		})
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Crawl a job now and print the run record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Scheduler().Trigger(ctx, id)
			if perr := printJSON(rec); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if !rec.Success {
				return errors.Newf("crawl failed: %s", rec.Error)
			}
			return nil
		})
	},
}

// ---- stats ----

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print dashboard statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			snap, err := a.Stats().Snapshot(ctx)
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

// ---- digest ----

var digestTimeCmd = &cobra.Command{
	Use:   "digest-time",
	Short: "Show or change the daily digest time",
}

var digestTimeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the digest time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App) error {
			fmt.Println(a.DigestTime().Current())
			return nil
		})
	},
}

var digestTimeSetCmd = &cobra.Command{
	Use:   "set <HH:MM>",
	Short: "Change the digest time; an unchanged value is not written",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := recurrence.ParseTimeOfDay(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			saved, err := a.DigestTime().Observe(ctx, t)
			if err != nil {
				return err
			}
			if saved {
				fmt.Printf("digest time set to %s\n", t)
			} else {
				fmt.Printf("digest time already %s\n", t)
			}
			return nil
		})
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Digest operations",
}

var digestSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Build today's digest and send it to every sink now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Dispatcher().Send(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			fmt.Print(report.Text(a.Scheduler().Location()))
			return nil
		})
	},
}

func init() {
	addFlags.register(jobsAddCmd)
	updateFlags.register(jobsUpdateCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsAddCmd, jobsUpdateCmd, jobsDeleteCmd, jobsRunCmd)
	digestTimeCmd.AddCommand(digestTimeGetCmd, digestTimeSetCmd)
	digestCmd.AddCommand(digestSendCmd)
}
