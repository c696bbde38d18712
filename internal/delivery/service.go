// Package delivery coordinates pipeline runs from trigger to release. A run
// walks a fixed sequence of stages; the first failing stage ends the run and
// the deployed version from the previous successful run keeps serving.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slipway-sh/slipway/internal/descriptor"
	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/notify"
	"github.com/slipway-sh/slipway/internal/pipeline"
	"github.com/slipway-sh/slipway/internal/registry"
	"github.com/slipway-sh/slipway/internal/release"
	"github.com/slipway-sh/slipway/internal/run"
	"github.com/slipway-sh/slipway/internal/source"
	"github.com/slipway-sh/slipway/internal/store"
	"github.com/slipway-sh/slipway/internal/workspace"
	"github.com/slipway-sh/slipway/internal/ws"
)

// ErrRunInProgress indicates a trigger was rejected because another run
// holds the single execution slot.
var ErrRunInProgress = errors.New("delivery: another run is already in progress")

// ErrInvalidCommit indicates the trigger did not carry a full commit sha.
var ErrInvalidCommit = errors.New("delivery: commit must be a full 40-character hex sha")

// Fetcher materializes a commit of the service repository into a directory.
type Fetcher interface {
	Fetch(ctx context.Context, commit, dest string) (string, error)
}

// ImageBuilder builds, tags, and pushes container images.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput docker.OutputCallback) error
	TagImage(ctx context.Context, source, ref string) error
	PushImage(ctx context.Context, ref, registryAuth string, onOutput docker.OutputCallback) error
}

// Authenticator exchanges configured keys for short-lived registry
// credentials. Credentials live only for the duration of a run.
type Authenticator interface {
	Authenticate(ctx context.Context) (registry.Credentials, error)
}

// Config bounds run execution.
type Config struct {
	Registry         string
	ImageRepo        string
	DockerfilePath   string
	DescriptorPath   string
	GitTimeout       time.Duration
	BuildTimeout     time.Duration
	PushTimeout      time.Duration
	StabilityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GitTimeout <= 0 {
		c.GitTimeout = time.Minute
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 10 * time.Minute
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Minute
	}
	if c.StabilityTimeout <= 0 {
		c.StabilityTimeout = 3 * time.Minute
	}
	if c.DockerfilePath == "" {
		c.DockerfilePath = "deploy/Dockerfile"
	}
	if c.DescriptorPath == "" {
		c.DescriptorPath = "deploy/slipway.yaml"
	}
	return c
}

// TriggerRequest describes a requested run.
type TriggerRequest struct {
	Commit      string `json:"commit"`
	Branch      string `json:"branch,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// Service owns the run lifecycle: persistence, stage execution, event
// streaming, and completion notification. At most one run executes at a
// time; concurrent triggers are rejected with ErrRunInProgress.
type Service struct {
	cfg       Config
	store     store.Runs
	hub       *ws.Hub
	notifier  *notify.Notifier
	workspace *workspace.Manager
	fetcher   Fetcher
	images    ImageBuilder
	auth      Authenticator
	target    release.Target
	executor  *pipeline.Executor
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	active string
}

// New wires a delivery Service.
func New(cfg Config, st store.Runs, hub *ws.Hub, notifier *notify.Notifier, wsm *workspace.Manager, fetcher Fetcher, images ImageBuilder, auth Authenticator, target release.Target, logger *slog.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("run store required")
	}
	if wsm == nil {
		return nil, errors.New("workspace manager required")
	}
	if fetcher == nil {
		return nil, errors.New("source fetcher required")
	}
	if images == nil {
		return nil, errors.New("image builder required")
	}
	if auth == nil {
		return nil, errors.New("registry authenticator required")
	}
	if target == nil {
		return nil, errors.New("release target required")
	}
	if cfg.ImageRepo == "" {
		return nil, errors.New("image repository required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     st,
		hub:       hub,
		notifier:  notifier,
		workspace: wsm,
		fetcher:   fetcher,
		images:    images,
		auth:      auth,
		target:    target,
		executor:  pipeline.NewExecutor(logger),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Trigger validates the request, claims the run slot, records the run, and
// executes it in the background. The returned record is a snapshot taken
// before execution starts.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	r, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run accepted", "run_id", r.ID, "commit", r.Commit, "branch", r.Branch, "triggered_by", r.TriggeredBy)

	accepted := *r
	go func() {
		defer s.releaseSlot(r.ID)
		_ = s.execute(context.Background(), r)
	}()
	return &accepted, nil
}

// RunOnce executes a run synchronously and returns the completed record
// along with the pipeline error, if any.
func (s *Service) RunOnce(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	r, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.releaseSlot(r.ID)
	err = s.execute(ctx, r)
	return r, err
}

// Active returns the ID of the run currently executing, or empty when idle.
func (s *Service) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) begin(ctx context.Context, req TriggerRequest) (*run.Run, error) {
	commit := strings.ToLower(strings.TrimSpace(req.Commit))
	if !source.IsCommitSHA(commit) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommit, req.Commit)
	}

	s.mu.Lock()
	if s.active != "" {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	id := s.newID()
	s.active = id
	s.mu.Unlock()

	now := s.now().UTC()
	r := &run.Run{
		ID:          id,
		Commit:      commit,
		Branch:      strings.TrimSpace(req.Branch),
		Status:      run.StatusPending,
		TriggeredBy: strings.TrimSpace(req.TriggeredBy),
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRun(ctx, r); err != nil {
		s.releaseSlot(id)
		return nil, fmt.Errorf("record run: %w", err)
	}
	return r, nil
}

func (s *Service) releaseSlot(id string) {
	s.mu.Lock()
	if s.active == id {
		s.active = ""
	}
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, r *run.Run) error {
	state := &runState{}
	defer func() {
		if state.workdir == "" {
			return
		}
		if err := s.workspace.Cleanup(state.workdir); err != nil {
			s.logger.Error("workspace cleanup failed", "run_id", r.ID, "error", err)
		}
	}()

	err := s.executor.Execute(ctx, r, s.stages(state), statusReporter{svc: s})
	s.finish(ctx, r, err)
	return err
}

// runState carries artifacts between stages of a single run.
type runState struct {
	workdir    string
	localImage string
	auth       string
	desc       descriptor.Descriptor
}

func (s *Service) stages(state *runState) []pipeline.Stage {
	rep := statusReporter{svc: s}
	return []pipeline.Stage{
		{Name: run.StageFetch, Run: func(ctx context.Context, r *run.Run) error {
			dir, err := s.workspace.Prepare(r.ID)
			if err != nil {
				return fmt.Errorf("prepare workspace: %w", err)
			}
			state.workdir = dir

			fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.GitTimeout)
			defer cancel()
			resolved, err := s.fetcher.Fetch(fetchCtx, r.Commit, dir)
			if err != nil {
				return err
			}
			r.Commit = resolved
			return nil
		}},
		{Name: run.StageAuthenticate, Run: func(ctx context.Context, r *run.Run) error {
			creds, err := s.auth.Authenticate(ctx)
			if err != nil {
				return err
			}
			encoded, err := registry.EncodeAuth(creds)
			if err != nil {
				return err
			}
			state.auth = encoded
			return nil
		}},
		{Name: run.StageBuild, Run: func(ctx context.Context, r *run.Run) error {
			r.Tag = source.ShortSHA(r.Commit)
			state.localImage = fmt.Sprintf("%s:%s", s.cfg.ImageRepo, r.Tag)

			out := newOutputAggregator(func(line string) { rep.Log(ctx, r, run.StageBuild, line) })
			defer out.Flush()

			buildCtx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
			defer cancel()
			return s.images.BuildImage(buildCtx, state.workdir, s.cfg.DockerfilePath, state.localImage, out.Add)
		}},
		{Name: run.StagePublish, Run: func(ctx context.Context, r *run.Run) error {
			r.ImageRef = fmt.Sprintf("%s/%s:%s", s.cfg.Registry, s.cfg.ImageRepo, r.Tag)
			if err := s.images.TagImage(ctx, state.localImage, r.ImageRef); err != nil {
				return err
			}

			out := newOutputAggregator(func(line string) { rep.Log(ctx, r, run.StagePublish, line) })
			defer out.Flush()

			pushCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
			defer cancel()
			return s.images.PushImage(pushCtx, r.ImageRef, state.auth, out.Add)
		}},
		{Name: run.StageRender, Run: func(ctx context.Context, r *run.Run) error {
			desc, err := descriptor.Load(filepath.Join(state.workdir, s.cfg.DescriptorPath))
			if err != nil {
				return err
			}
			rendered, err := desc.Render(r.ImageRef)
			if err != nil {
				return err
			}
			state.desc = rendered
			return nil
		}},
		{Name: run.StageRelease, Run: func(ctx context.Context, r *run.Run) error {
			return s.target.Submit(ctx, state.desc)
		}},
		{Name: run.StageAwaitStable, Run: func(ctx context.Context, r *run.Run) error {
			err := s.target.AwaitStable(ctx, state.desc, s.cfg.StabilityTimeout)
			if errors.Is(err, release.ErrRolloutTimeout) {
				if st, ok := s.rolloutStatus(ctx, state.desc); ok {
					return fmt.Errorf("%w; %d/%d replicas available", err, st.Replicas, state.desc.Replicas)
				}
			}
			return err
		}},
	}
}

// rolloutStatus snapshots the target's view of the rollout, when the target
// can report one, to enrich timeout errors.
func (s *Service) rolloutStatus(ctx context.Context, desc descriptor.Descriptor) (release.Status, bool) {
	insp, ok := s.target.(release.Inspector)
	if !ok {
		return release.Status{}, false
	}
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	st, err := insp.Status(statusCtx, desc)
	if err != nil {
		s.logger.Warn("rollout status unavailable", "error", err)
		return release.Status{}, false
	}
	return st, true
}

// finish records the terminal status, broadcasts the final event, and posts
// the completion notification.
func (s *Service) finish(ctx context.Context, r *run.Run, execErr error) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	completed := s.now().UTC()
	r.CompletedAt = &completed
	r.UpdatedAt = completed

	update := run.StatusUpdate{
		RunID:       r.ID,
		Tag:         r.Tag,
		ImageRef:    r.ImageRef,
		CompletedAt: &completed,
	}
	if execErr != nil {
		r.Status = run.StatusFailed
		r.Error = execErr.Error()
		update.Status = run.StatusFailed
		update.Error = r.Error
		s.logger.Error("run failed", "run_id", r.ID, "stage", r.Stage, "error", execErr)
	} else {
		r.Status = run.StatusSucceeded
		update.Status = run.StatusSucceeded
		s.logger.Info("run succeeded", "run_id", r.ID, "commit", r.Commit, "image", r.ImageRef)
	}

	if err := s.store.UpdateRunStatus(finishCtx, update); err != nil {
		s.logger.Error("failed to persist run outcome", "run_id", r.ID, "error", err)
	}
	if s.hub != nil {
		s.hub.PublishEvent(run.Event{RunID: r.ID, Stage: r.Stage, Status: r.Status, Message: r.Error, At: completed})
	}
	if err := s.notifier.Notify(finishCtx, *r); err != nil {
		s.logger.Warn("run notification failed", "run_id", r.ID, "error", err)
	}
}

// statusReporter persists stage transitions and fans them out to stream
// subscribers.
type statusReporter struct {
	svc *Service
}

var _ pipeline.Reporter = statusReporter{}

func (rep statusReporter) StageStarted(ctx context.Context, r *run.Run, stage string) {
	s := rep.svc
	s.logger.Info("stage started", "run_id", r.ID, "stage", stage)
	update := run.StatusUpdate{RunID: r.ID, Status: run.StatusRunning, Stage: stage}
	if err := s.store.UpdateRunStatus(ctx, update); err != nil {
		s.logger.Warn("failed to persist stage start", "run_id", r.ID, "stage", stage, "error", err)
	}
	rep.publish(r, stage, run.StatusRunning, "stage started")
}

func (rep statusReporter) StageFinished(ctx context.Context, r *run.Run, stage string, err error) {
	s := rep.svc
	if err != nil {
		rep.publish(r, stage, run.StatusFailed, err.Error())
		return
	}
	s.logger.Info("stage completed", "run_id", r.ID, "stage", stage)
	update := run.StatusUpdate{RunID: r.ID, Status: run.StatusRunning, Stage: stage, Tag: r.Tag, ImageRef: r.ImageRef}
	if storeErr := s.store.UpdateRunStatus(ctx, update); storeErr != nil {
		s.logger.Warn("failed to persist stage completion", "run_id", r.ID, "stage", stage, "error", storeErr)
	}
	rep.publish(r, stage, run.StatusRunning, "stage completed")
}

func (rep statusReporter) Log(ctx context.Context, r *run.Run, stage, line string) {
	rep.svc.logger.Debug("stage output", "run_id", r.ID, "stage", stage, "line", line)
	rep.publish(r, stage, run.StatusRunning, line)
}

func (rep statusReporter) publish(r *run.Run, stage, status, message string) {
	if rep.svc.hub == nil {
		return
	}
	rep.svc.hub.PublishEvent(run.Event{
		RunID:   r.ID,
		Stage:   stage,
		Status:  status,
		Message: message,
		At:      rep.svc.now().UTC(),
	})
}
