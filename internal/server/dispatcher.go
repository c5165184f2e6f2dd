package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/batsim-go/batsim/internal/batsimerrors"
	"github.com/batsim-go/batsim/internal/checkpoint"
	"github.com/batsim-go/batsim/internal/executor"
	"github.com/batsim-go/batsim/internal/intervalset"
	"github.com/batsim-go/batsim/internal/job"
	"github.com/batsim-go/batsim/internal/jobsource"
	"github.com/batsim-go/batsim/internal/logging"
	"github.com/batsim-go/batsim/internal/metrics"
	"github.com/batsim-go/batsim/internal/profile"
	"github.com/batsim-go/batsim/internal/protocol"
	"github.com/batsim-go/batsim/internal/simcontext"
	"github.com/batsim-go/batsim/internal/tracer"
)

// KillReason mirrors batsim_tools::CALL_TYPE's forWhat tagging: a small
// closed enum rather than virtual dispatch, per the design notes.
type KillReason int

const (
	KillReasonRequested KillReason = iota
	KillReasonWalltimeReached
)

func (r KillReason) String() string {
	if r == KillReasonWalltimeReached {
		return "WALLTIME_REACHED"
	}
	return "KILL"
}

// Dispatcher is the single actor owning the protocol socket (§5: "the
// protocol socket is owned exclusively by the dispatcher"). It decides when
// a synchronisation point fires and drives exactly one round-trip per point.
type Dispatcher struct {
	log logging.Logger

	enc *protocol.Encoder
	dec *protocol.Decoder

	now float64
	wake *wakeQueue
	cml  *callMeLaterStore

	registry *profile.Registry
	exec     *executor.Executor
	jobs     map[string]*job.Job

	dynamicRegistrationEnabled bool
	dynamicRegistrationClosed  bool

	pendingOut []protocol.Event

	allWorkloadsExhausted bool
	ended                 bool

	checkpointer            *checkpoint.Checkpointer
	hostSpeed               executor.HostSpeed
	jobsWriter              *tracer.JobsWriter
	jobsCSVPath             string
	nbRes                   int
	nbOriginalJobs          int
	restartRequested        bool
	restartCheckpointNumber int

	// number of checkpoint-resume jobs (§4.7) whose JOB_SUBMITTED must ride
	// along in the very first batch, alongside SIMULATION_BEGINS.
	expectedSubmissions int

	// redis is the optional job/profile description side channel (§3): when
	// set, JOB_SUBMITTED carries a "$redis:<id>" reference instead of the
	// inline job JSON, and the description is written through to the store
	// first. Nil disables the side channel entirely.
	redis           *jobsource.Store
	forwardProfiles bool
}

// Config bundles the options that vary per run. Checkpointer, HostSpeed
// and NbOriginalJobs are only needed to service the Batsim-level
// checkpoint NOTIFY commands (§4.7/§7); leave Checkpointer nil to disable
// them entirely. NbRes is also the bound for SET_RESOURCE_STATE's resource
// ids and the denominator of Stats' utilisation.
type Config struct {
	DynamicRegistrationEnabled bool

	Checkpointer   *checkpoint.Checkpointer
	HostSpeed      executor.HostSpeed
	JobsWriter     *tracer.JobsWriter
	NbRes          int
	NbOriginalJobs int

	// RedisStore, when non-nil, is used to write through every submitted
	// job's description instead of inlining it on JOB_SUBMITTED (§3's
	// "redis handle" side channel, gated on --enable-redis).
	RedisStore *jobsource.Store
	// ForwardProfilesOnSubmission mirrors the CLI flag of the same purpose:
	// attach the submitted job's profile JSON to every JOB_SUBMITTED.
	ForwardProfilesOnSubmission bool
}

func New(log logging.Logger, enc *protocol.Encoder, dec *protocol.Decoder, reg *profile.Registry, exec *executor.Executor, cfg Config) *Dispatcher {
	return &Dispatcher{
		log:                        log,
		enc:                        enc,
		dec:                        dec,
		wake:                       newWakeQueue(),
		cml:                        newCallMeLaterStore(),
		registry:                   reg,
		exec:                       exec,
		jobs:                       make(map[string]*job.Job),
		dynamicRegistrationEnabled: cfg.DynamicRegistrationEnabled,
		checkpointer:               cfg.Checkpointer,
		hostSpeed:                  cfg.HostSpeed,
		jobsWriter:                 cfg.JobsWriter,
		jobsCSVPath:                jobsCSVPath(cfg.JobsWriter),
		nbRes:                      cfg.NbRes,
		nbOriginalJobs:             cfg.NbOriginalJobs,
		redis:                      cfg.RedisStore,
		forwardProfiles:            cfg.ForwardProfilesOnSubmission,
	}
}

func jobsCSVPath(w *tracer.JobsWriter) string {
	if w == nil {
		return ""
	}
	return w.Path()
}

// RestartRequested reports whether a NOTIFY recover_from_checkpoint command
// has been received, and which rotating folder (0 meaning "newest") it
// asked to resume from. The caller (cmd/batsim) is responsible for actually
// tearing down and relaunching a fresh run against that folder once Step
// returns false.
func (d *Dispatcher) RestartRequested() (int, bool) {
	return d.restartCheckpointNumber, d.restartRequested
}

// StageSubmission enqueues a job for JOB_SUBMITTED at (or after) its
// SubmitTime, and wakes the dispatcher at that instant.
func (d *Dispatcher) StageSubmission(j *job.Job) {
	d.jobs[j.ID.String()] = j
	d.wake.push(j.SubmitTime, causeSubmission, j)
}

// NotifyNoMoreSubmissions records that every workload/workflow/dynamic
// submitter has signalled completion, letting the dispatcher end the
// simulation once no job remains in flight.
func (d *Dispatcher) NotifyNoMoreSubmissions() {
	d.allWorkloadsExhausted = true
}

// WaitForExpectedSubmissions records how many checkpoint-resume jobs (§4.7)
// were submitted at the restart instant. Begin holds those JOB_SUBMITTED
// events for its own first batch instead of releasing SIMULATION_BEGINS
// alone and making the scheduler wait a whole extra synchronisation point
// for them to appear.
func (d *Dispatcher) WaitForExpectedSubmissions(n int) {
	d.expectedSubmissions = n
}

// BeginOptions carries SIMULATION_BEGINS's payload beyond the bare resource
// count: resource descriptions, the sharing flag, the forwarded config
// object, the workload file list, and (when the redis side channel is
// disabled) the full job/profile JSON, per §4.4.
type BeginOptions struct {
	Resources     json.RawMessage
	AllowSharing  bool
	Config        json.RawMessage
	WorkloadFiles []string
	Jobs          json.RawMessage
	Profiles      json.RawMessage
}

// Begin sends SIMULATION_BEGINS, decodes the first reply, applies its
// commands the same way Step does for every later round-trip, and advances
// the clock to the reply's now.
func (d *Dispatcher) Begin(nbResources int, opts BeginOptions) (protocol.CommandBatch, error) {
	data, err := json.Marshal(protocol.SimulationBeginsData{
		NbResources:   nbResources,
		Resources:     opts.Resources,
		AllowSharing:  opts.AllowSharing,
		Config:        opts.Config,
		WorkloadFiles: opts.WorkloadFiles,
		Jobs:          opts.Jobs,
		Profiles:      opts.Profiles,
	})
	if err != nil {
		return protocol.CommandBatch{}, errors.WithStack(err)
	}
	events := []protocol.Event{{Timestamp: d.now, Type: protocol.EventSimulationBegins, Data: data}}
	if d.expectedSubmissions > 0 {
		due := d.wake.popDue(d.now)
		events = append(events, d.drainSubmissions(due)...)
		for _, w := range due {
			if w.cause != causeSubmission {
				d.wake.push(w.time, w.cause, w.payload)
			}
		}
	}
	batch := protocol.Batch{Now: d.now, Events: events}
	if err := d.enc.Encode(batch); err != nil {
		return protocol.CommandBatch{}, err
	}
	reply, err := d.dec.Decode()
	if err != nil {
		return protocol.CommandBatch{}, err
	}
	for i, cmd := range reply.Events {
		if err := d.applyCommand(i, cmd); err != nil {
			return protocol.CommandBatch{}, err
		}
	}
	d.now = reply.Now
	return reply, nil
}

// nextSyncTime computes the earliest instant a synchronisation point is due,
// per §4.5's five causes, excluding the idle-wait cause which only applies
// when nothing else is pending.
func (d *Dispatcher) nextSyncTime() (float64, bool) {
	best, ok := d.wake.peekTime()
	if t, has := d.cml.nextTargetTime(); has && (!ok || t < best) {
		best, ok = t, true
	}
	return best, ok
}

// Step runs one synchronisation point: collects everything due, composes and
// sends a non-empty batch, decodes the reply, applies its commands, and
// advances the clock to the reply's now. It returns true while the
// simulation should keep running.
func (d *Dispatcher) Step() (bool, error) {
	if d.ended {
		return false, nil
	}

	t, has := d.nextSyncTime()
	if !has {
		if d.allWorkloadsExhausted && activeJobCount(d.jobs) == 0 && len(d.pendingOut) == 0 {
			return d.finish()
		}
		// Idle-wait: nothing scheduled, but a kill produced events that still
		// need to reach the scheduler, or the caller has more work to stage.
	}
	if has && t > d.now {
		d.now = t
	}

	due := d.wake.popDue(d.now)

	var events []protocol.Event
	events = append(events, d.pendingOut...)
	d.pendingOut = nil
	events = append(events, d.drainSubmissions(due)...)
	events = append(events, d.drainExternalEvents(due)...)
	events = append(events, d.drainCompletions()...)
	events = append(events, d.drainCallMeLater()...)

	if len(events) == 0 {
		// No-op NOTIFY keeps the batch non-empty per §4.5 rather than ever
		// sending an empty SCHED_READY.
		events = append(events, protocol.Event{Timestamp: d.now, Type: protocol.EventNotify,
			Data: mustJSON(protocol.NotifyData{Type: "no_op"})})
	}

	if err := d.enc.Encode(protocol.Batch{Now: d.now, Events: events}); err != nil {
		return false, err
	}
	reply, err := d.dec.Decode()
	if err != nil {
		return false, err
	}
	for i, cmd := range reply.Events {
		if err := d.applyCommand(i, cmd); err != nil {
			return false, err
		}
	}
	d.now = reply.Now

	if d.allWorkloadsExhausted && activeJobCount(d.jobs) == 0 && d.wake.empty() {
		return d.finish()
	}
	return true, nil
}

// Now reports the dispatcher's current simulated time, for callers driving
// the extra-info tracer/metrics tick loop alongside Step.
func (d *Dispatcher) Now() float64 {
	return d.now
}

// Ended reports whether SIMULATION_ENDS has already been sent.
func (d *Dispatcher) Ended() bool {
	return d.ended
}

// Stats reports the figures §6's *_extra_info.csv records on each tick:
// how many jobs are currently running, and resource utilisation with and
// without hosts held only by a reservation's future allocation.
func (d *Dispatcher) Stats() (running int, utilization, utilizationNoReservations float64) {
	running = d.exec.RunningCount()
	if d.nbRes == 0 {
		return running, 0, 0
	}
	var usedAll, usedNoReservations int
	for _, j := range d.jobs {
		if j.State != job.Running {
			continue
		}
		usedAll += len(j.Allocation)
		if j.Purpose != job.PurposeReservation {
			usedNoReservations += len(j.Allocation)
		}
	}
	return running, float64(usedAll) / float64(d.nbRes), float64(usedNoReservations) / float64(d.nbRes)
}

func activeJobCount(jobs map[string]*job.Job) int {
	n := 0
	for _, j := range jobs {
		if !j.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (d *Dispatcher) finish() (bool, error) {
	d.ended = true
	err := d.enc.Encode(protocol.Batch{
		Now:    d.now,
		Events: []protocol.Event{{Timestamp: d.now, Type: protocol.EventSimulationEnds}},
	})
	return false, err
}

// ScheduleExternalEvent arranges for ev to be relayed to the scheduler at
// (or after) time t, for an externally supplied resource/event timeline
// (the --events CLI files) rather than one the dispatcher generates itself.
func (d *Dispatcher) ScheduleExternalEvent(t float64, ev protocol.Event) {
	d.wake.push(t, causeResourceEvent, ev)
}

func (d *Dispatcher) drainExternalEvents(due []*wakeEvent) []protocol.Event {
	var events []protocol.Event
	for _, w := range due {
		if w.cause != causeResourceEvent {
			continue
		}
		ev := w.payload.(protocol.Event)
		ev.Timestamp = d.now
		events = append(events, ev)
	}
	return events
}

func (d *Dispatcher) drainSubmissions(due []*wakeEvent) []protocol.Event {
	var events []protocol.Event
	for _, w := range due {
		if w.cause != causeSubmission {
			continue
		}
		j := w.payload.(*job.Job)
		if err := j.MarkSubmitted(); err != nil {
			d.log.WithError(err).Warnf("job %s already submitted", j.ID.String())
			continue
		}

		submitted := protocol.JobSubmittedData{JobID: j.ID.String()}
		if d.redis != nil {
			raw, err := json.Marshal(DescribeJob(j))
			if err != nil {
				d.log.WithError(err).Warn("failed to marshal job description for redis")
			} else if err := d.redis.Store(simcontext.Background(), map[string][]byte{j.ID.String(): raw}); err != nil {
				d.log.WithError(err).Warn("failed to write job description through to redis")
			}
			ref, _ := json.Marshal(jobsource.RedisPrefix + j.ID.String())
			submitted.Job = ref
		} else if raw, err := json.Marshal(DescribeJob(j)); err != nil {
			d.log.WithError(err).Warn("failed to marshal job description")
		} else {
			submitted.Job = raw
		}
		if d.forwardProfiles && j.Profile != nil {
			if raw, err := j.Profile.ToJSON(); err != nil {
				d.log.WithError(err).Warn("failed to marshal profile for forwarding")
			} else {
				submitted.Profile = raw
			}
		}
		ckpt, _ := json.Marshal(buildCheckpointJobData(j))
		submitted.CheckpointJobData = ckpt

		data, _ := json.Marshal(submitted)
		events = append(events, protocol.Event{Timestamp: d.now, Type: protocol.EventJobSubmitted, Data: data})
		metrics.JobSubmitted()
	}
	return events
}

func (d *Dispatcher) drainCompletions() []protocol.Event {
	var events []protocol.Event
	for _, due := range d.exec.Due(d.now) {
		// Walltime expiry is a kill with forWhat = WALLTIME_REACHED (§5): it
		// gets a JOB_KILLED progress report in addition to the standard
		// JOB_COMPLETED, unlike a natural completion.
		if due.Outcome.State == job.CompletedWalltimeReached {
			progress := due.Job.Tree.ProgressAt(d.now)
			progressJSON, _ := json.Marshal(progress)
			killedData, _ := json.Marshal(protocol.JobKilledData{
				JobIDs: []string{due.Job.ID.String()},
				Jobs: []protocol.KilledJobProgress{{
					ID: due.Job.ID.String(), ForWhat: int(KillReasonWalltimeReached), JobProgress: progressJSON,
				}},
			})
			events = append(events, protocol.Event{Timestamp: d.now, Type: protocol.EventJobKilled, Data: killedData})
		}
		due.Job.Complete(due.Outcome.State, due.Outcome.ReturnCode)
		data, _ := json.Marshal(protocol.JobCompletedData{
			JobID:      due.Job.ID.String(),
			JobState:   due.Job.State.String(),
			ReturnCode: due.Outcome.ReturnCode,
		})
		events = append(events, protocol.Event{Timestamp: d.now, Type: protocol.EventJobCompleted, Data: data})
		metrics.JobCompleted(due.Job.State.String())
		d.traceCompletion(due.Job, due.Outcome.ReturnCode)
	}
	return events
}

// traceCompletion appends a *_jobs.csv row for a job that just left the
// executor, successfully or not. A no-op when no JobsWriter is configured.
func (d *Dispatcher) traceCompletion(j *job.Job, returnCode int) {
	if d.jobsWriter == nil {
		return
	}
	var start, exec float64
	if j.StartTime != nil {
		start = *j.StartTime
		exec = d.now - start
	}
	success := "0"
	if j.State == job.CompletedSuccessfully {
		success = "1"
	}
	row := tracer.JobRow{
		JobID:          j.ID.String(),
		WorkloadName:   j.Workload,
		Profile:        j.ProfileName,
		SubmissionTime: j.SubmitTime,
		RequestedHosts: j.RequestedHosts,
		Success:        success,
		StartingTime:   start,
		ExecutionTime:  exec,
		FinishTime:     d.now,
		Allocation:     intervalset.Format(j.Allocation),
		ReturnCode:     returnCode,
		Metadata:       j.Metadata,
	}
	if err := d.jobsWriter.Write(row); err != nil {
		d.log.WithError(err).Warn("failed to write jobs CSV row")
	}
}

func (d *Dispatcher) drainCallMeLater() []protocol.Event {
	var events []protocol.Event
	for _, e := range d.cml.harvest(d.now) {
		data, _ := json.Marshal(protocol.RequestedCallData{ID: e.ID, ForWhat: e.ForWhat})
		events = append(events, protocol.Event{Timestamp: d.now, Type: protocol.EventRequestedCall, Data: data})
	}
	return events
}

func (d *Dispatcher) applyCommand(index int, cmd protocol.Command) error {
	switch cmd.Type {
	case protocol.CommandRejectJob:
		var data protocol.RejectJobData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed REJECT_JOB"})
		}
		j, ok := d.jobs[data.JobID]
		if !ok {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "job", Value: data.JobID})
		}
		j.Reject(job.RejectedNoResources)
		return nil

	case protocol.CommandExecuteJob:
		var data protocol.ExecuteJobData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed EXECUTE_JOB"})
		}
		j, ok := d.jobs[data.JobID]
		if !ok {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "job", Value: data.JobID})
		}
		alloc, err := intervalset.Parse(data.Alloc)
		if err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed alloc: " + err.Error()})
		}
		resolve := func(name string) *profile.Profile {
			p, err := d.registry.Lookup(j.Workload, name)
			if err != nil {
				return nil
			}
			return p
		}
		ioOverlay, err := d.resolveAdditionalIOJob(j.Workload, data.AdditionalIOJob)
		if err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed additional_io_job: " + err.Error()})
		}
		// A sequence overlay must match the job's own sequence in length; the
		// children themselves are not compared.
		if ioOverlay != nil && ioOverlay.Kind == profile.KindSequence && j.Profile.Kind == profile.KindSequence &&
			len(ioOverlay.Children) != len(j.Profile.Children) {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "additional_io_job sequence length does not match the job's sequence"})
		}
		target, err := d.exec.Start(d.now, j, alloc, resolve, ioOverlay)
		if err != nil {
			return err
		}
		// Wake at the job's completion/walltime deadline (§4.5 cause (b): "a
		// running job reached a terminal state") so nextSyncTime sees it even
		// when nothing else is scheduled in between.
		d.wake.push(target, causeCompletion, nil)
		return nil

	case protocol.CommandChangeJobState:
		var data protocol.ChangeJobStateData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed CHANGE_JOB_STATE"})
		}
		j, ok := d.jobs[data.JobID]
		if !ok {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "job", Value: data.JobID})
		}
		j.Complete(job.StateFromString(data.State), 0)
		return nil

	case protocol.CommandCallMeLater:
		var data protocol.CallMeLaterData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed CALL_ME_LATER"})
		}
		if data.TargetTime < d.now {
			d.log.WithError(&batsimerrors.ErrSemanticWarning{Message: "CALL_ME_LATER for a past time fires immediately"}).Warn("call_me_later in the past")
			data.TargetTime = d.now
		}
		d.cml.register(data.ID, data.TargetTime, data.ForWhat)
		return nil

	case protocol.CommandKillJob:
		var data protocol.KillJobData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed KILL_JOB"})
		}
		return d.killJobs(data.Jobs)

	case protocol.CommandRegisterJob:
		if !d.dynamicRegistrationEnabled || d.dynamicRegistrationClosed {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "REGISTER_JOB received with dynamic registration disabled or closed"})
		}
		var data protocol.RegisterJobData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed REGISTER_JOB"})
		}
		if _, exists := d.jobs[data.JobID]; exists {
			return errors.WithStack(&batsimerrors.ErrConfiguration{Field: "job_id", Value: data.JobID, Message: "REGISTER_JOB for an already-known job id"})
		}
		id, err := job.ParseIdentifier(data.JobID)
		if err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed job_id in REGISTER_JOB: " + err.Error()})
		}
		var doc registeredJobDoc
		if err := json.Unmarshal(data.Job, &doc); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed job body in REGISTER_JOB"})
		}
		if !d.registry.Exists(id.Workload, doc.Profile) {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "profile", Value: doc.Profile})
		}
		p, err := d.registry.Lookup(id.Workload, doc.Profile)
		if err != nil {
			return err
		}
		if err := d.registry.Retain(id.Workload, doc.Profile); err != nil {
			return err
		}
		hosts := doc.Res
		if hosts <= 0 {
			hosts = 1
		}
		nj, err := job.New(id, id.Workload, doc.Profile, p, doc.Subtime, doc.Walltime, hosts, doc.Cores)
		if err != nil {
			return err
		}
		if nj.SubmitTime < d.now {
			nj.SubmitTime = d.now
		}
		d.StageSubmission(nj)
		return nil

	case protocol.CommandRegisterProfile:
		if !d.dynamicRegistrationEnabled || d.dynamicRegistrationClosed {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "REGISTER_PROFILE received with dynamic registration disabled or closed"})
		}
		var data protocol.RegisterProfileData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed REGISTER_PROFILE"})
		}
		_, err := d.registry.Load(data.WorkloadName, data.ProfileName, data.Profile)
		return err

	case protocol.CommandSetJobMetadata:
		var data protocol.SetJobMetadataData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed SET_JOB_METADATA"})
		}
		j, ok := d.jobs[data.JobID]
		if !ok {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "job", Value: data.JobID})
		}
		j.Metadata = data.Metadata
		return nil

	case protocol.CommandSetResourceState:
		var data protocol.SetResourceStateData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed SET_RESOURCE_STATE"})
		}
		hosts, err := intervalset.Parse(data.Resources)
		if err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed resources: " + err.Error()})
		}
		if _, err := strconv.Atoi(data.State); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "state must be a numeric power state"})
		}
		if d.nbRes > 0 {
			for _, h := range hosts {
				if h < 0 || h >= d.nbRes {
					return errors.WithStack(&batsimerrors.ErrReferential{Kind: "resource", Value: data.Resources})
				}
			}
		}
		// The simulation kernel that actually models power states is out of
		// scope (spec.md §1 Non-goals); the core only echoes back what it was
		// told, the way it reports whatever the kernel would have reported.
		changed, _ := json.Marshal(protocol.ResourceStateChangedData{Resources: data.Resources, State: data.State})
		d.pendingOut = append(d.pendingOut, protocol.Event{Timestamp: d.now, Type: protocol.EventResourceStateChanged, Data: changed})
		d.wake.push(d.now, causeCompletion, nil)
		return nil

	case protocol.CommandQuery:
		var data protocol.QueryData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed QUERY"})
		}
		if _, wantsEnergy := data.Requests["consumed_energy"]; wantsEnergy {
			total := 0.0
			for _, j := range d.jobs {
				total += j.AccumulatedEnergy
			}
			answer, _ := json.Marshal(protocol.AnswerData{ConsumedEnergy: &total})
			d.pendingOut = append(d.pendingOut, protocol.Event{Timestamp: d.now, Type: protocol.EventAnswer, Data: answer})
			d.wake.push(d.now, causeCompletion, nil)
		}
		return nil

	case protocol.CommandAnswer:
		// A reply to a simulator-initiated QUERY; this core never issues one
		// today, so only the shape is validated.
		var data protocol.AnswerData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed ANSWER"})
		}
		return nil

	case protocol.CommandToJobMsg:
		var data protocol.ToJobMsgData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed TO_JOB_MSG"})
		}
		if _, ok := d.jobs[data.JobID]; !ok {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "job", Value: data.JobID})
		}
		return nil

	case protocol.CommandNotify:
		var data protocol.NotifyCommandData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "malformed NOTIFY"})
		}
		switch data.Type {
		case "registration_finished":
			d.dynamicRegistrationClosed = true
		case "checkpoint":
			if d.checkpointer == nil {
				d.log.Warn("NOTIFY checkpoint received but no checkpointer is configured")
				return nil
			}
			if _, err := d.performCheckpoint(); err != nil {
				d.log.WithError(err).Warn("batsim-level checkpoint failed")
			}
		case "recover_from_checkpoint":
			d.restartRequested = true
			d.restartCheckpointNumber = data.CheckpointNumber
		}
		return nil

	default:
		return errors.WithStack(&batsimerrors.ErrProtocol{EventIndex: index, Message: "unhandled command type " + string(cmd.Type)})
	}
}

func (d *Dispatcher) killJobs(entries []protocol.KillJobEntry) error {
	var killed []protocol.KilledJobProgress
	var ids []string
	for _, e := range entries {
		j, ok := d.jobs[e.ID]
		if !ok {
			return errors.WithStack(&batsimerrors.ErrReferential{Kind: "job", Value: e.ID})
		}
		progress, running := d.exec.Kill(d.now, j.ID.String())
		if running {
			j.Complete(job.CompletedKilled, 0)
			progressJSON, _ := json.Marshal(progress)
			killed = append(killed, protocol.KilledJobProgress{ID: e.ID, ForWhat: e.ForWhat, JobProgress: progressJSON})
			ids = append(ids, e.ID)
			metrics.JobCompleted(j.State.String())
			d.traceCompletion(j, 0)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	data, _ := json.Marshal(protocol.JobKilledData{JobIDs: ids, Jobs: killed})
	d.pendingOut = append(d.pendingOut, protocol.Event{Timestamp: d.now, Type: protocol.EventJobKilled, Data: data})
	d.wake.push(d.now, causeCompletion, nil)
	return nil
}

// performCheckpoint freezes the current run per §4.7: every tracked job
// (sorted for deterministic wire output), the call-me-later entries not
// already strictly past, and (if configured) a verbatim copy of the job
// tracer's CSV so far.
func (d *Dispatcher) performCheckpoint() (string, error) {
	jobs := maps.Values(d.jobs)
	slices.SortFunc(jobs, func(a, b *job.Job) int { return strings.Compare(a.ID.String(), b.ID.String()) })

	nbCompleted := 0
	for _, j := range jobs {
		if j.State.IsTerminal() {
			nbCompleted++
		}
	}

	pruned := d.cml.prune(d.now)
	pending := make([]checkpoint.CallMeLaterEntry, 0, len(pruned))
	for _, e := range pruned {
		pending = append(pending, checkpoint.CallMeLaterEntry{ID: e.ID, TargetTime: e.TargetTime, ForWhat: e.ForWhat})
	}

	dir, err := d.checkpointer.Snapshot(d.now, d.nbRes, d.nbOriginalJobs, nbCompleted, jobs, d.jobsCSVPath, pending, d.hostSpeed)
	if err == nil {
		metrics.CheckpointTaken()
	}
	return dir, err
}

// registeredJobDoc mirrors the job wire shape carried inline by REGISTER_JOB
// (§4.4): the same fields a workload file's "jobs" entries use, minus the
// checkpoint-only extensions those never need for a dynamic submission.
type registeredJobDoc struct {
	Subtime  float64  `json:"subtime"`
	Res      int      `json:"res"`
	Cores    int      `json:"cores"`
	Profile  string   `json:"profile"`
	Walltime *float64 `json:"walltime"`
}

// resolveAdditionalIOJob turns EXECUTE_JOB's optional additional_io_job into
// a profile to merge additively into the leaf being dispatched (§4.6). A nil
// io carries no overlay. Its profile body may be inlined or, if omitted,
// looked up by name in the job's own workload namespace.
func (d *Dispatcher) resolveAdditionalIOJob(workload string, io *protocol.AdditionalIOJob) (*profile.Profile, error) {
	if io == nil {
		return nil, nil
	}
	if len(io.Profile) > 0 {
		return profile.FromJSON(workload, io.ProfileName, io.Profile)
	}
	return d.registry.Lookup(workload, io.ProfileName)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
