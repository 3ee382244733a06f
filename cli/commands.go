package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"listing_harvester/models"
	"listing_harvester/services"
	"listing_harvester/storage"
)

const dateLayout = "2006-01-02"

func newCreateJobCmd(opts *rootOptions) *cobra.Command {
	var (
		req        services.JobRequest
		from, to   string
		grid       string
		recurrence string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "create-job",
		Short: "Decompose a harvesting request into tasks and persist it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.DateStart, err = time.Parse(dateLayout, from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if req.DateEnd, err = time.Parse(dateLayout, to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			req.GridUnit = models.GridUnit(grid)
			req.Recurrence = models.Recurrence(recurrence)
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobService().CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %s with %d tasks\n", job.ID, job.TotalTasks)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "job name")
	f.StringVar(&req.SourceID, "source", "", "source id")
	f.StringSliceVar(&req.SellerIDs, "seller", nil, "seller id (repeatable or comma-separated)")
	f.StringSliceVar(&req.Keywords, "keyword", nil, "keyword (repeatable or comma-separated)")
	f.StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	f.StringVar(&to, "to", "", "last day (inclusive), YYYY-MM-DD")
	f.StringVar(&grid, "grid", string(models.GridDay), "date slice size: day or week")
	f.StringVar(&req.StatusFilter, "status", "", "listing status filter")
	f.StringVar(&req.ListingTypeFilter, "listing-type", "", "listing type filter")
	f.IntVar(&req.ItemsPerPage, "per-page", 0, "items per page (0 = configured default)")
	f.IntVar(&req.Priority, "priority", 0, "task priority, higher runs first")
	f.IntVar(&maxRetries, "max-retries", 0, "task retries before failing")
	f.StringVar(&recurrence, "recurrence", string(models.RecurrenceOnce), "once, daily, weekly or monthly")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs with their task counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show")
	return cmd
}

func renderJobs(out io.Writer, jobs []models.Job) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Name", "Source", "Dates", "Status", "Tasks", "Pending", "Running", "Done", "Failed", "Paused", "Saved", "Recurrence"})
	for i := range jobs {
		j := &jobs[i]
		t.AppendRow(table.Row{
			j.ID, j.Name, j.SourceID,
			j.DateStart.Format(dateLayout) + " .. " + j.DateEnd.Format(dateLayout),
			j.Status, j.TotalTasks, j.TasksPending, j.TasksProcessing,
			j.TasksCompleted, j.TasksFailed, j.TasksPaused, j.TotalItemsSaved,
			j.Recurrence,
		})
	}
	t.Render()
}

func newTasksCmd(opts *rootOptions) *cobra.Command {
	var (
		filter storage.TaskFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks and their pagination progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = models.TaskStatus(status)

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			renderTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.JobID, "job", "", "only tasks of this job")
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 200, "maximum tasks to show")
	return cmd
}

func renderTasks(out io.Writer, tasks []models.Task) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Seller", "Keyword", "Dates", "Status", "Page", "Items", "Retries", "Last Error"})
	for i := range tasks {
		task := &tasks[i]
		keyword := ""
		if task.Keyword != nil {
			keyword = *task.Keyword
		}
		page := strconv.Itoa(task.CurrentPage)
		if task.TotalPages != nil {
			page += "/" + strconv.Itoa(*task.TotalPages)
		}
		t.AppendRow(table.Row{
			task.ID, task.SellerID, keyword,
			task.DateStart.Format(dateLayout) + " .. " + task.DateEnd.Format(dateLayout),
			task.Status, page, task.ItemsRetrieved,
			fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries),
			task.LastError,
		})
	}
	t.Render()
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return commandCmd(opts, "pause", "Ask the scheduler to pause a job or task", models.CmdPauseJob, models.CmdPauseTask)
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return commandCmd(opts, "resume", "Ask the scheduler to resume a job or task", models.CmdResumeJob, models.CmdResumeTask)
}

// commandCmd queues an operator command; the running scheduler applies it
// on its next command poll.
func commandCmd(opts *rootOptions, use, short string, jobCmd, taskCmd models.CommandType) *cobra.Command {
	var params models.CommandParams
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ct := jobCmd
			switch {
			case params.JobID != "" && params.TaskID != "":
				return fmt.Errorf("pass either --job or --task, not both")
			case params.TaskID != "":
				ct = taskCmd
			case params.JobID == "":
				return fmt.Errorf("--job or --task is required")
			}

			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.store.InsertCommand(cmd.Context(), ct, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s command %d\n", ct, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.JobID, "job", "", "job id")
	cmd.Flags().StringVar(&params.TaskID, "task", "", "task id")
	return cmd
}

func newBudgetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show per-source call budgets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			budgets, err := a.store.ListBudgets(cmd.Context())
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Source", "Quota", "Window", "Used", "Last Call", "Backoff"})
			for i := range budgets {
				b := &budgets[i]
				last := "-"
				if b.LastCallAt != nil {
					last = b.LastCallAt.Local().Format(time.DateTime)
				}
				t.AppendRow(table.Row{b.SourceID, b.Quota, b.Window, b.CallsInWindow, last, b.Backoff})
			}
			t.Render()
			return nil
		},
	}
}
