// Package cmd implements the §6 CLI surface with cobra, grounded on
// armada's cmd/simulator/cmd/root.go: a single RootCmd building a *cobra.Command,
// flags read back inside RunE rather than bound to package-level globals.
package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/batsim-go/batsim/internal/checkpoint"
	"github.com/batsim-go/batsim/internal/config"
	"github.com/batsim-go/batsim/internal/executor"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/jobsource"
	"github.com/batsim-go/batsim/internal/logging"
	"github.com/batsim-go/batsim/internal/metrics"
	"github.com/batsim-go/batsim/internal/platform"
	"github.com/batsim-go/batsim/internal/profile"
	"github.com/batsim-go/batsim/internal/protocol"
	"github.com/batsim-go/batsim/internal/server"
	"github.com/batsim-go/batsim/internal/simcontext"
	"github.com/batsim-go/batsim/internal/tracer"
	"github.com/batsim-go/batsim/internal/workload"
)

// Exit bit-mask codes for errors discovered before the simulation starts,
// per spec.md §6.
const (
	exitPlatform           = 0x01
	exitWorkload           = 0x02
	exitWorkflow           = 0x04
	exitWorkflowStartParse = 0x08
	exitCutWorkflowFile    = 0x10
	exitStartTimeNegative  = 0x20
	exitStartTimeParse     = 0x40
)

// Execute builds and runs RootCmd, returning the process exit code rather
// than calling os.Exit itself so tests can drive it directly.
func Execute() int {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		return exitWorkload
	}
	return 0
}

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

// RootCmd assembles the batsim command line, per spec.md §6.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batsim",
		Short: "Discrete-event simulator for resource-and-job management systems.",
		RunE:  runSimulation,
	}

	cmd.Flags().String("platform", "", "Path to the platform description consumed by the core (host count and speeds).")
	cmd.Flags().StringArray("workload", nil, "Path to a workload JSON file. Repeatable.")
	cmd.Flags().StringArray("workflow", nil, "Path to a workflow file. Repeatable.")
	cmd.Flags().StringArray("events", nil, "Path to an external events file. Repeatable.")

	cmd.Flags().String("socket-endpoint", "/tmp/batsim.sock", "Unix socket the scheduler connects to.")
	cmd.Flags().Bool("enable-redis", false, "Resolve $redis:<key> job/profile references against a Redis store.")
	cmd.Flags().String("redis-hostname", "127.0.0.1", "Redis hostname.")
	cmd.Flags().Int("redis-port", 6379, "Redis port.")
	cmd.Flags().String("redis-prefix", "batsim", "Redis key prefix.")

	cmd.Flags().String("export", "out", "Export prefix for *_jobs.csv, *_extra_info.csv and checkpoint_N/ folders.")

	cmd.Flags().Bool("allow-compute-sharing", false, "Allow more than one job to run on the same host at once.")
	cmd.Flags().Bool("enable-dynamic-jobs", false, "Allow REGISTER_JOB/REGISTER_PROFILE from the scheduler.")
	cmd.Flags().Bool("acknowledge-dynamic-jobs", false, "Parsed but not acted on: dynamic registrations are not acknowledged.")
	cmd.Flags().Bool("enable-profile-reuse", false, "Parsed but not acted on: REGISTER_JOB always references an already-registered profile.")
	cmd.Flags().Bool("forward-profiles-on-submission", false, "Include the full profile JSON on every JOB_SUBMITTED.")

	cmd.Flags().String("copy", "", "Copy transform: K:OP:DIST[:SCOPE], e.g. 2:+:3:fixed.")
	cmd.Flags().String("submission-time-before", "", "Submission-time transform applied before copy.")
	cmd.Flags().String("submission-time-after", "", "Submission-time transform applied after copy.")
	cmd.Flags().Float64("performance-factor", 1, "Multiply Delay.seconds / ParallelHomogeneous.cpu by this factor.")

	cmd.Flags().Float64("MTBF", 0, "Mean time between failures, seconds.")
	cmd.Flags().Float64("SMTBF", 0, "System MTBF, seconds (overrides MTBF when set).")
	cmd.Flags().Float64("MTTR", 0, "Mean time to repair, seconds.")
	cmd.Flags().Float64("repair-time", 0, "Fixed repair time, seconds.")
	cmd.Flags().Int("fixed-failures", 0, "Number of fixed failure events; parsed but not acted on.")
	cmd.Flags().Bool("checkpointing-on", false, "Enable checkpoint-interval profile augmentation (§4.3 step 5).")
	cmd.Flags().Float64("checkpointing-interval", 0, "Global checkpoint interval; 0 selects compute-optimal.")
	cmd.Flags().Bool("compute_checkpointing", false, "Parsed but not acted on: the compute-optimal formula applies whenever --checkpointing-interval is 0.")
	cmd.Flags().Float64("compute_checkpointing_error", 1, "The err factor in I = err*sqrt(2*D*M) - D.")
	cmd.Flags().Float64("checkpoint-dump-time", 0, "D, the checkpoint dump time in seconds.")

	cmd.Flags().String("checkpoint-batsim-interval", "", `Batsim-level checkpoint setting "(real|simulated):D-HH:MM:SS[:keep]"; any non-empty value enables NOTIFY-driven checkpoints, no periodic checkpoint is taken.`)
	cmd.Flags().Int("checkpoint-batsim-keep", 3, "Number of rotating checkpoint_N folders to keep.")
	cmd.Flags().Int("start-from-checkpoint", 0, "Resume from checkpoint_N instead of --workload. 0 disables.")
	cmd.Flags().Int("checkpoint-batsim-signal", 0, "OS signal number for an immediate checkpoint; parsed but not acted on (no signal handler is installed).")

	cmd.Flags().String("reservations-start", "", `Reservation offsets: "ord:{+|-}secs[, ...]".`)
	cmd.Flags().String("reschedule-policy", "", "Reschedule policy name, forwarded to the scheduler as configuration.")
	cmd.Flags().String("impact-policy", "", "Impact policy name, forwarded to the scheduler as configuration.")

	cmd.Flags().String("metrics-listen", "", "If set, serve Prometheus metrics on this address (e.g. :9100).")

	return cmd
}

func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	get := func(name string) string { s, _ := cmd.Flags().GetString(name); return s }
	getArr := func(name string) []string { s, _ := cmd.Flags().GetStringArray(name); return s }
	getBool := func(name string) bool { b, _ := cmd.Flags().GetBool(name); return b }
	getFloat := func(name string) float64 { f, _ := cmd.Flags().GetFloat64(name); return f }
	getInt := func(name string) int { i, _ := cmd.Flags().GetInt(name); return i }

	return &config.Config{
		Platform: get("platform"),
		Workload: getArr("workload"),
		Workflow: getArr("workflow"),
		Events:   getArr("events"),

		SocketEndpoint: get("socket-endpoint"),
		Redis: jobsource.RedisConfig{
			Enabled:  getBool("enable-redis"),
			Hostname: get("redis-hostname"),
			Port:     getInt("redis-port"),
			Prefix:   get("redis-prefix"),
		},

		ExportPrefix: get("export"),

		AllowComputeSharing:         getBool("allow-compute-sharing"),
		EnableDynamicJobs:           getBool("enable-dynamic-jobs"),
		AcknowledgeDynamicJobs:      getBool("acknowledge-dynamic-jobs"),
		EnableProfileReuse:          getBool("enable-profile-reuse"),
		ForwardProfilesOnSubmission: getBool("forward-profiles-on-submission"),

		Copy:                 get("copy"),
		SubmissionTimeBefore: get("submission-time-before"),
		SubmissionTimeAfter:  get("submission-time-after"),
		PerformanceFactor:    getFloat("performance-factor"),

		MTBF:                      getFloat("MTBF"),
		SMTBF:                     getFloat("SMTBF"),
		MTTR:                      getFloat("MTTR"),
		RepairTime:                getFloat("repair-time"),
		FixedFailures:             getInt("fixed-failures"),
		CheckpointingOn:           getBool("checkpointing-on"),
		CheckpointingInterval:     getFloat("checkpointing-interval"),
		ComputeCheckpointing:      getBool("compute_checkpointing"),
		ComputeCheckpointingError: getFloat("compute_checkpointing_error"),

		CheckpointBatsimInterval: get("checkpoint-batsim-interval"),
		CheckpointBatsimKeep:     getInt("checkpoint-batsim-keep"),
		StartFromCheckpoint:      getInt("start-from-checkpoint"),
		CheckpointBatsimSignal:   getInt("checkpoint-batsim-signal"),

		ReservationsStart: get("reservations-start"),
		ReschedulePolicy:  get("reschedule-policy"),
		ImpactPolicy:      get("impact-policy"),
	}, nil
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	log := logging.NewLogger()

	cfg, err := buildConfig(cmd)
	if err != nil {
		return &exitError{code: exitWorkload, err: err}
	}
	if err := config.Validate(log, cfg); err != nil {
		return &exitError{code: exitWorkload, err: err}
	}

	dumpTime, _ := cmd.Flags().GetFloat64("checkpoint-dump-time")
	metricsListen, _ := cmd.Flags().GetString("metrics-listen")

	plat, err := platform.Load(cfg.Platform)
	if err != nil {
		return &exitError{code: exitPlatform, err: err}
	}

	if len(cfg.Workflow) > 0 {
		// Workflow files (DAG-of-jobs workflows) are named in §6's CLI surface
		// but their DAG-unrolling logic belongs to the workflow collaborator
		// this core does not implement (spec.md §1 Non-goals); reject rather
		// than silently ignoring the flag.
		return &exitError{code: exitWorkflow, err: errors.New("--workflow is not supported by this build: workflow DAG unrolling is an external collaborator")}
	}

	registry := profile.NewRegistry()

	var jobs []*job.Job
	nbOriginalJobs := 0
	nbExpectedSubmissions := 0
	var checkpointer *checkpoint.Checkpointer
	if cfg.CheckpointBatsimInterval != "" || cfg.StartFromCheckpoint > 0 {
		checkpointer = checkpoint.New(cfg.ExportPrefix, cfg.CheckpointBatsimKeep)
	}

	if cfg.StartFromCheckpoint > 0 {
		dir := checkpoint.RestoreDir(cfg.ExportPrefix, cfg.StartFromCheckpoint)
		raw, err := os.ReadFile(dir + "/workload.json")
		if err != nil {
			return &exitError{code: exitWorkload, err: errors.WithStack(err)}
		}
		w, err := workload.Load("checkpoint", raw, registry, workload.LoadOptions{FromCheckpoint: true, RestartInstant: 0})
		if err != nil {
			return &exitError{code: exitWorkload, err: err}
		}
		jobs = w.Jobs
		if w.Checkpoint != nil {
			nbOriginalJobs = w.Checkpoint.NbOriginalJobs
			nbExpectedSubmissions = len(w.Checkpoint.ExpectedSubmissions)
		}
		if plat.NbRes != w.NbRes {
			log.Warnf("checkpoint workload nb_res=%d differs from platform nb_res=%d", w.NbRes, plat.NbRes)
		}
	} else {
		for _, path := range cfg.Workload {
			raw, err := os.ReadFile(path)
			if err != nil {
				return &exitError{code: exitWorkload, err: errors.WithStack(err)}
			}
			w, err := workload.Load(path, raw, registry, workload.LoadOptions{})
			if err != nil {
				return &exitError{code: exitWorkload, err: err}
			}
			jobs = append(jobs, w.Jobs...)
			nbOriginalJobs += len(w.Jobs)
		}
	}

	jobs, err = applyTransformPipeline(cfg, jobs, registry, dumpTime, plat)
	if err != nil {
		return &exitError{code: exitWorkload, err: err}
	}

	if err := markReservations(cfg.ReservationsStart, jobs); err != nil {
		return &exitError{code: exitWorkload, err: err}
	}

	for _, wname := range distinctWorkloadNames(jobs) {
		if err := registry.ValidateSequences(wname); err != nil {
			return &exitError{code: exitWorkload, err: err}
		}
	}

	redisStore, err := jobsource.NewStore(cfg.Redis)
	if err != nil {
		return &exitError{code: exitWorkload, err: err}
	}
	defer redisStore.Close()
	if redisStore != nil {
		// Pre-populate the side channel with every profile up front (§3): a
		// scheduler resolving a "$redis:<id>" job reference still needs the
		// profile it names, and profiles have no per-submission event of
		// their own to piggyback a write-through on the way jobs do.
		if err := seedRedisProfiles(redisStore, registry, distinctWorkloadNames(jobs)); err != nil {
			return &exitError{code: exitWorkload, err: err}
		}
	}

	if err := os.MkdirAll(dirOf(cfg.ExportPrefix), 0o755); err != nil {
		return &exitError{code: exitWorkload, err: errors.WithStack(err)}
	}
	jobsWriter, err := tracer.NewJobsWriter(cfg.ExportPrefix + "_jobs.csv")
	if err != nil {
		return &exitError{code: exitWorkload, err: err}
	}
	defer jobsWriter.Close()
	extraInfoWriter, err := tracer.NewExtraInfoWriter(cfg.ExportPrefix + "_extra_info.csv")
	if err != nil {
		return &exitError{code: exitWorkload, err: err}
	}
	defer extraInfoWriter.Close()

	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsListen, mux); err != nil {
				log.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}

	exec := executor.New(log, plat.HostSpeed)

	for {
		restart, err := runOneAttempt(log, cfg, plat, registry, exec, jobs, nbOriginalJobs, nbExpectedSubmissions, checkpointer, jobsWriter, extraInfoWriter, redisStore)
		if err != nil {
			return &exitError{code: exitWorkload, err: err}
		}
		if restart == nil {
			return nil
		}
		n := *restart
		if n == 0 {
			// 0 names the newest rotating folder, checkpoint_1.
			n = 1
		}
		dir := checkpoint.RestoreDir(cfg.ExportPrefix, n)
		raw, err := os.ReadFile(dir + "/workload.json")
		if err != nil {
			return &exitError{code: exitWorkload, err: errors.WithStack(err)}
		}
		registry = profile.NewRegistry()
		w, err := workload.Load("checkpoint", raw, registry, workload.LoadOptions{FromCheckpoint: true})
		if err != nil {
			return &exitError{code: exitWorkload, err: err}
		}
		jobs = w.Jobs
		nbExpectedSubmissions = 0
		if w.Checkpoint != nil {
			nbOriginalJobs = w.Checkpoint.NbOriginalJobs
			nbExpectedSubmissions = len(w.Checkpoint.ExpectedSubmissions)
		}
		if redisStore != nil {
			if err := seedRedisProfiles(redisStore, registry, distinctWorkloadNames(jobs)); err != nil {
				return &exitError{code: exitWorkload, err: err}
			}
		}
		log.Infof("resuming from checkpoint_%d", n)
	}
}

// runOneAttempt drives one full simulator run to completion (or to a
// NOTIFY recover_from_checkpoint restart request) over one accepted socket
// connection, per §4.5/§4.7.
func runOneAttempt(
	log logging.Logger,
	cfg *config.Config,
	plat *platform.Platform,
	registry *profile.Registry,
	exec *executor.Executor,
	jobs []*job.Job,
	nbOriginalJobs int,
	nbExpectedSubmissions int,
	checkpointer *checkpoint.Checkpointer,
	jobsWriter *tracer.JobsWriter,
	extraInfoWriter *tracer.ExtraInfoWriter,
	redisStore *jobsource.Store,
) (*int, error) {
	os.Remove(cfg.SocketEndpoint)
	listener, err := net.Listen("unix", cfg.SocketEndpoint)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer listener.Close()
	log.Infof("waiting for scheduler on %s", cfg.SocketEndpoint)

	conn, err := listener.Accept()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	dispatcher := server.New(log, enc, dec, registry, exec, server.Config{
		DynamicRegistrationEnabled:  cfg.EnableDynamicJobs,
		Checkpointer:                checkpointer,
		HostSpeed:                   executor.HostSpeed(plat.HostSpeed),
		JobsWriter:                  jobsWriter,
		NbRes:                       plat.NbRes,
		NbOriginalJobs:              nbOriginalJobs,
		RedisStore:                  redisStore,
		ForwardProfilesOnSubmission: cfg.ForwardProfilesOnSubmission,
	})

	for _, j := range jobs {
		dispatcher.StageSubmission(j)
	}
	dispatcher.NotifyNoMoreSubmissions()
	dispatcher.WaitForExpectedSubmissions(nbExpectedSubmissions)

	opts := server.BeginOptions{
		Resources:     plat.Describe(),
		AllowSharing:  cfg.AllowComputeSharing,
		WorkloadFiles: cfg.Workload,
	}
	if simConfig, err := json.Marshal(map[string]interface{}{
		"redis": map[string]interface{}{
			"enabled": cfg.Redis.Enabled,
		},
		"reschedule-policy": cfg.ReschedulePolicy,
		"impact-policy":     cfg.ImpactPolicy,
	}); err == nil {
		opts.Config = simConfig
	}
	if redisStore == nil {
		if raw, err := server.DescribeJobs(jobs); err == nil {
			opts.Jobs = raw
		}
		if raw, err := server.DescribeProfiles(registry, distinctWorkloadNames(jobs)); err == nil {
			opts.Profiles = raw
		}
	}

	if _, err := dispatcher.Begin(plat.NbRes, opts); err != nil {
		return nil, err
	}

	for {
		running, util, utilNoRes := dispatcher.Stats()
		metrics.Tick(dispatcher.Now(), running, util, utilNoRes)
		_ = extraInfoWriter.Write(tracer.ExtraInfoRow{
			SimulationTime:            dispatcher.Now(),
			NbJobsRunning:             running,
			Utilization:               util,
			UtilizationNoReservations: utilNoRes,
		})

		more, err := dispatcher.Step()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		if n, ok := dispatcher.RestartRequested(); ok {
			return &n, nil
		}
	}

	if n, ok := dispatcher.RestartRequested(); ok {
		return &n, nil
	}
	return nil, nil
}

// applyTransformPipeline runs the five §4.3 steps in order, each only when
// its corresponding flag is set, mirroring workload.cpp's confirmation that
// every step consumes the entire job set the previous step produced.
func applyTransformPipeline(cfg *config.Config, jobs []*job.Job, registry *profile.Registry, dumpTime float64, plat *platform.Platform) ([]*job.Job, error) {
	tr := workload.NewTransformer(1)

	if cfg.SubmissionTimeBefore != "" {
		d, err := workload.ParseDist(cfg.SubmissionTimeBefore)
		if err != nil {
			return nil, err
		}
		jobs = tr.ApplySubmissionTime(jobs, d)
	}

	if cfg.Copy != "" {
		spec, err := workload.ParseCopySpec(cfg.Copy)
		if err != nil {
			return nil, err
		}
		// ApplyCopy interns its clones under one workload namespace; with a
		// single --workload file (the common case) that is simply its name.
		names := distinctWorkloadNames(jobs)
		if len(names) != 1 {
			return nil, errors.New("--copy requires exactly one workload to be loaded")
		}
		jobs, err = tr.ApplyCopy(jobs, spec, registry, names[0])
		if err != nil {
			return nil, err
		}
	}

	if cfg.SubmissionTimeAfter != "" {
		d, err := workload.ParseDist(cfg.SubmissionTimeAfter)
		if err != nil {
			return nil, err
		}
		jobs = tr.ApplySubmissionTime(jobs, d)
	}

	if cfg.PerformanceFactor != 1 && cfg.PerformanceFactor != 0 {
		workload.ApplyPerformanceScaling(jobs, cfg.PerformanceFactor)
	}

	if cfg.CheckpointingOn {
		spec := workload.CheckpointSpec{
			GlobalInterval: cfg.CheckpointingInterval,
			DumpTime:       dumpTime,
			ErrFactor:      cfg.ComputeCheckpointingError,
			MTBF:           cfg.MTBF,
			SMTBF:          cfg.SMTBF,
			HostsTotal:     plat.NbRes,
			// The workload transform runs before any job is allocated, so no
			// concrete host is yet known; host 0 stands in for "the" platform
			// speed the same way checkpoint.jobRecord falls back to a single
			// host's speed once a real allocation exists.
			HostSpeed: plat.HostSpeed(0),
		}
		if err := workload.ApplyCheckpointAugmentation(jobs, spec); err != nil {
			return nil, err
		}
	}

	return jobs, nil
}

// markReservations parses --reservations-start and flags the ordinal-th
// job (by submission order, 1-indexed) as a reservation, per §6/§3. The
// scheduler still decides the reservation's actual future allocation via
// EXECUTE_JOB; this only records which jobs are reservations up front so
// Dispatcher.Stats can exclude their held hosts from utilisation-without-
// reservations.
func markReservations(spec string, jobs []*job.Job) error {
	if spec == "" {
		return nil
	}
	starts, err := config.ParseReservationsStart(spec)
	if err != nil {
		return err
	}
	ordered := append([]*job.Job(nil), jobs...)
	sort.SliceStable(ordered, func(i, k int) bool {
		if ordered[i].SubmitTime != ordered[k].SubmitTime {
			return ordered[i].SubmitTime < ordered[k].SubmitTime
		}
		return ordered[i].ID.Number < ordered[k].ID.Number
	})
	for _, rs := range starts {
		if rs.Ordinal < 1 || rs.Ordinal > len(ordered) {
			return errors.Errorf("--reservations-start: ordinal %d out of range for %d jobs", rs.Ordinal, len(ordered))
		}
		ordered[rs.Ordinal-1].Purpose = job.PurposeReservation
	}
	return nil
}

// seedRedisProfiles writes every interned profile through to store up
// front, keyed by name, so a scheduler resolving a "$redis:<name>" profile
// reference finds it there regardless of whether its owning job has been
// submitted yet.
func seedRedisProfiles(store *jobsource.Store, reg *profile.Registry, workloads []string) error {
	kvs := make(map[string][]byte)
	for _, w := range workloads {
		for _, p := range reg.All(w) {
			raw, err := p.ToJSON()
			if err != nil {
				return err
			}
			kvs[p.Name] = raw
		}
	}
	if len(kvs) == 0 {
		return nil
	}
	return store.Store(simcontext.Background(), kvs)
}

func distinctWorkloadNames(jobs []*job.Job) []string {
	seen := map[string]bool{}
	var out []string
	for _, j := range jobs {
		if !seen[j.Workload] {
			seen[j.Workload] = true
			out = append(out, j.Workload)
		}
	}
	return out
}

func dirOf(prefix string) string {
	idx := -1
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] == '/' {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "."
	}
	return prefix[:idx]
}
