package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
	"github.com/kiranshivaraju/tfsbridge/pkg/models"
)

// chainFlags are the flags shared by the chain-level hooks.
type chainFlags struct {
	event      string
	plan       string
	chain      string
	buildID    int
	name       string
	successful bool
	stopping   bool
	start      string
	elapsed    time.Duration
	branch     string
	revisions  []string
	agent      string
	jobs       []string
	jsonOut    bool
}

func (f *chainFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.event, "event", "", "read the chain event as JSON from `file` (- for stdin); flags override its fields")
	fl.StringVar(&f.plan, "plan", "", "CI plan key")
	fl.StringVar(&f.chain, "chain", "", "chain result key")
	fl.IntVar(&f.buildID, "build-id", 0, "remote build id, instead of the one kept for the chain")
	fl.StringVar(&f.name, "name", "", "chain display name")
	fl.BoolVar(&f.successful, "successful", false, "the chain succeeded")
	fl.BoolVar(&f.stopping, "stopping", false, "the chain is being stopped")
	fl.StringVar(&f.start, "start", "", "chain start time (RFC3339)")
	fl.DurationVar(&f.elapsed, "elapsed", 0, "chain duration")
	fl.StringVar(&f.branch, "branch", "", "source branch")
	fl.StringSliceVar(&f.revisions, "revision", nil, "repository revision, repeatable; the first non-empty one is reported")
	fl.StringVar(&f.agent, "agent", "", "agent name")
	fl.StringArrayVar(&f.jobs, "job", nil, "job key in the chain as KEY or KEY=STAGE, repeatable")
	fl.BoolVar(&f.jsonOut, "json", false, "print the full result as JSON")
}

func (f *chainFlags) toEvent(cmd *cobra.Command) (models.ChainEvent, error) {
	var ev models.ChainEvent
	if f.event != "" {
		if err := readEvent(cmd, f.event, &ev); err != nil {
			return ev, err
		}
	}

	fl := cmd.Flags()
	setString(&ev.Plan, f.plan)
	setString(&ev.ChainKey, f.chain)
	setString(&ev.BuildName, f.name)
	setString(&ev.Branch, f.branch)
	setString(&ev.Agent, f.agent)
	if f.buildID > 0 {
		ev.BuildID = f.buildID
	}
	if fl.Changed("successful") {
		ev.Successful = f.successful
	}
	if fl.Changed("stopping") {
		ev.Stopping = f.stopping
	}
	if f.start != "" {
		t, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return ev, fmt.Errorf("--start must be an RFC3339 timestamp: %w", err)
		}
		ev.StartTime = t
	}
	if fl.Changed("elapsed") {
		ev.ElapsedMillis = f.elapsed.Milliseconds()
	}
	if len(f.revisions) > 0 {
		ev.Revisions = f.revisions
	}
	for _, j := range f.jobs {
		key, stage, _ := strings.Cut(j, "=")
		ev.Jobs = append(ev.Jobs, models.JobRef{Key: key, Stage: stage})
	}

	if ev.Plan == "" {
		return ev, fmt.Errorf("--plan is required")
	}
	return ev, nil
}

// jobFlags are the flags shared by the job-level hooks.
type jobFlags struct {
	event   string
	plan    string
	chain   string
	job     string
	buildID int
	taskID  string
	name    string
	agent   string
	start   string
	state   string
	logFile string
	jsonOut bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.event, "event", "", "read the job event as JSON from `file` (- for stdin); flags override its fields")
	fl.StringVar(&f.plan, "plan", "", "CI plan key")
	fl.StringVar(&f.chain, "chain", "", "chain result key")
	fl.StringVar(&f.job, "job", "", "job result key")
	fl.IntVar(&f.buildID, "build-id", 0, "remote build id, instead of the one kept for the job")
	fl.StringVar(&f.name, "name", "", "job short name, used as the task record name")
	fl.StringVar(&f.agent, "agent", "", "agent the job runs on")
	fl.StringVar(&f.start, "start", "", "job start time (RFC3339), defaults to now")
	fl.BoolVar(&f.jsonOut, "json", false, "print the full result as JSON")
}

func (f *jobFlags) registerFinish(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.taskID, "task-id", "", "task record id, instead of the one kept for the job")
	fl.StringVar(&f.state, "state", "", "job state: SUCCESS, FAILED or UNKNOWN")
	fl.StringVar(&f.logFile, "log-file", "", "job log to upload")
}

func (f *jobFlags) toEvent(cmd *cobra.Command) (models.JobEvent, error) {
	var ev models.JobEvent
	if f.event != "" {
		if err := readEvent(cmd, f.event, &ev); err != nil {
			return ev, err
		}
	}

	setString(&ev.Plan, f.plan)
	setString(&ev.ChainKey, f.chain)
	setString(&ev.JobKey, f.job)
	setString(&ev.ShortName, f.name)
	setString(&ev.Agent, f.agent)
	setString(&ev.TaskID, f.taskID)
	setString(&ev.State, f.state)
	setString(&ev.LogFile, f.logFile)
	if f.buildID > 0 {
		ev.BuildID = f.buildID
	}
	if f.start != "" {
		t, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return ev, fmt.Errorf("--start must be an RFC3339 timestamp: %w", err)
		}
		ev.StartTime = &t
	}

	if ev.Plan == "" {
		return ev, fmt.Errorf("--plan is required")
	}
	if ev.JobKey == "" && ev.BuildID == 0 {
		return ev, fmt.Errorf("--job or --build-id is required")
	}
	return ev, nil
}

func newPreChainCmd(a *app) *cobra.Command {
	var f chainFlags
	cmd := &cobra.Command{
		Use:   "pre-chain",
		Short: "Create and start the remote build for a chain; prints the build id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := f.toEvent(cmd)
			if err != nil {
				return err
			}
			res, err := a.service().PreChain(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return a.print(cmd, res, f.jsonOut, buildIDOut(res))
		},
	}
	f.register(cmd)
	return cmd
}

func newPostChainCmd(a *app) *cobra.Command {
	var f chainFlags
	cmd := &cobra.Command{
		Use:   "post-chain",
		Short: "Finish the remote build of a chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := f.toEvent(cmd)
			if err != nil {
				return err
			}
			res, err := a.service().PostChain(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return a.print(cmd, res, f.jsonOut, "")
		},
	}
	f.register(cmd)
	return cmd
}

func newPreBuildCmd(a *app) *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "pre-build",
		Short: "Create and start the task record of a job; prints the task id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := f.toEvent(cmd)
			if err != nil {
				return err
			}
			if ev.ShortName == "" {
				return fmt.Errorf("--name is required")
			}
			res, err := a.service().PreBuild(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return a.print(cmd, res, f.jsonOut, res.TaskID)
		},
	}
	f.register(cmd)
	return cmd
}

func newPostBuildCmd(a *app) *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "post-build",
		Short: "Finish the task record of a job and upload its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := f.toEvent(cmd)
			if err != nil {
				return err
			}
			res, err := a.service().PostBuild(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return a.print(cmd, res, f.jsonOut, "")
		},
	}
	f.register(cmd)
	f.registerFinish(cmd)
	return cmd
}

// print writes the result: the id a host should keep, or the whole result
// with --json. Skips are logged so stdout stays empty.
func (a *app) print(cmd *cobra.Command, res hooks.Result, jsonOut bool, id string) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		return enc.Encode(res)
	}
	if res.Skipped {
		a.logger.Info("hook skipped", "command", cmd.Name(), "reason", res.Reason)
		return nil
	}
	if id != "" {
		_, err := fmt.Fprintln(out, id)
		return err
	}
	return nil
}

func buildIDOut(res hooks.Result) string {
	if res.BuildID == 0 {
		return ""
	}
	return fmt.Sprint(res.BuildID)
}

func readEvent(cmd *cobra.Command, path string, v any) error {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
