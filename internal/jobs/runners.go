package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DPIHub/internal/capture"
	"DPIHub/internal/model"
	"DPIHub/internal/sched"
	"DPIHub/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payload documents, one per job class. Tagged fields keep the wire format
// stable for API clients.

type FeatureExtractionPayload struct {
	// Exactly one of PCAPFile and DatasetDir is set.
	PCAPFile   string `json:"pcapFile,omitempty"`
	DatasetDir string `json:"datasetDir,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

type PredictionPayload struct {
	ModelID      string `json:"modelId"`
	FeaturesPath string `json:"featuresPath"`
	SessionID    string `json:"sessionId,omitempty"`
}

type TrainingPayload struct {
	ModelID     string `json:"modelId"`
	DatasetPath string `json:"datasetPath"`
}

type RuleBasedPayload struct {
	ReportPath string `json:"reportPath"`
	RulesPath  string `json:"rulesPath,omitempty"`
}

type XAIPayload struct {
	ModelID      string `json:"modelId"`
	FeaturesPath string `json:"featuresPath"`
	SampleIndex  int    `json:"sampleIndex"`
	Method       string `json:"method"`
	SessionID    string `json:"sessionId,omitempty"`
}

type AttackPayload struct {
	ModelID     string `json:"modelId"`
	DatasetPath string `json:"datasetPath"`
	Attack      string `json:"attack"`
	SessionID   string `json:"sessionId,omitempty"`
}

type RetrainPayload struct {
	ModelID     string `json:"modelId"`
	DatasetPath string `json:"datasetPath"`
}

// AnalysisState is the session state attached to prediction, explanation,
// and attack sessions.
type AnalysisState struct {
	ModelID string          `json:"modelId"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// FeatureExtractionResult is the result document of a finished
// feature-extraction job.
type FeatureExtractionResult struct {
	SessionID   string   `json:"sessionId"`
	OutputDir   string   `json:"outputDir"`
	FailedFiles []string `json:"failedFiles,omitempty"`
}

// Runners binds every job class to its executor: feature extraction drives
// the capture controller, everything else shells out to an analysis script.
type Runners struct {
	capture *capture.Controller
	reg     *session.Registry
	script  *ScriptRunner
	log     *zap.SugaredLogger
}

// New wires the runners to their collaborators.
func New(capture *capture.Controller, reg *session.Registry, script *ScriptRunner, log *zap.SugaredLogger) *Runners {
	return &Runners{capture: capture, reg: reg, script: script, log: log}
}

// RegisterAll registers every job class on the scheduler, creating one
// store per class via storeFor.
func (r *Runners) RegisterAll(s *sched.Scheduler, storeFor func(class sched.Class) (sched.Store, error)) error {
	runners := map[sched.Class]sched.RunnerFunc{
		sched.ClassFeatureExtraction: r.featureExtraction,
		sched.ClassModelTraining:     r.training,
		sched.ClassPrediction:        r.prediction,
		sched.ClassRuleBased:         r.ruleBased,
		sched.ClassXAI:               r.explanation,
		sched.ClassAdversarial:       r.attack,
		sched.ClassRetraining:        r.retraining,
	}
	for _, class := range sched.Classes {
		store, err := storeFor(class)
		if err != nil {
			return fmt.Errorf("failed to open %s job store: %w", class, err)
		}
		s.Register(class, store, runners[class])
	}
	return nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrInvalidPayload)
	}
	return nil
}

func (r *Runners) featureExtraction(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p FeatureExtractionPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}

	var (
		sess model.Session
		done <-chan error
		err  error
	)
	switch {
	case p.DatasetDir != "":
		files, lerr := r.capture.ListPCAPFiles(p.DatasetDir)
		if lerr != nil {
			return nil, lerr
		}
		sess, done, err = r.capture.StartOfflineBatch(p.DatasetDir, files, p.SessionID, true)
	case p.PCAPFile != "":
		sess, done, err = r.capture.StartOffline(p.PCAPFile, p.SessionID, true)
	default:
		return nil, fmt.Errorf("neither pcapFile nor datasetDir given: %w", model.ErrInvalidPayload)
	}
	if err != nil {
		return nil, err
	}
	progress(10)

	select {
	case runErr := <-done:
		if runErr != nil {
			return nil, runErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	progress(95)

	result := FeatureExtractionResult{SessionID: sess.ID}
	if final, err := r.reg.Get(model.ModuleCapture, sess.ID); err == nil {
		if st, ok := final.State.(*model.CaptureState); ok {
			result.OutputDir = st.OutputDir
			result.FailedFiles = st.FailedFiles
		}
	}
	return json.Marshal(result)
}

func (r *Runners) prediction(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p PredictionPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.ModelID == "" || p.FeaturesPath == "" {
		return nil, fmt.Errorf("modelId and featuresPath are required: %w", model.ErrInvalidPayload)
	}
	args := []string{"--model", p.ModelID, "--features", p.FeaturesPath}
	return r.runAnalysis(ctx, model.ModulePrediction, p.SessionID, p.ModelID, "predict.py", args, progress)
}

func (r *Runners) explanation(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p XAIPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.ModelID == "" || p.FeaturesPath == "" {
		return nil, fmt.Errorf("modelId and featuresPath are required: %w", model.ErrInvalidPayload)
	}
	method := p.Method
	if method == "" {
		method = "shap"
	}
	args := []string{
		"--model", p.ModelID,
		"--features", p.FeaturesPath,
		"--sample", fmt.Sprint(p.SampleIndex),
		"--method", method,
	}
	return r.runAnalysis(ctx, model.ModuleExplain, p.SessionID, p.ModelID, "explain.py", args, progress)
}

func (r *Runners) attack(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p AttackPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.ModelID == "" || p.DatasetPath == "" {
		return nil, fmt.Errorf("modelId and datasetPath are required: %w", model.ErrInvalidPayload)
	}
	attack := p.Attack
	if attack == "" {
		attack = "fgsm"
	}
	args := []string{"--model", p.ModelID, "--dataset", p.DatasetPath, "--attack", attack}
	return r.runAnalysis(ctx, model.ModuleAttack, p.SessionID, p.ModelID, "attack.py", args, progress)
}

// runAnalysis wraps a script invocation in a registry session so clients
// can poll for the output after the job itself has been cleaned up.
func (r *Runners) runAnalysis(ctx context.Context, module model.ModuleType, sessionID, modelID, script string, args []string, progress func(int)) ([]byte, error) {
	sid := sessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	state := &AnalysisState{ModelID: modelID}
	if _, err := r.reg.Create(module, sid, model.ModeOffline, state); err != nil {
		// A retried job finds the session from its previous attempt; take
		// it over with a clean state instead of failing the retry.
		if !errors.Is(err, model.ErrDuplicateSession) {
			return nil, err
		}
		if err := r.reg.Update(module, sid, func(s *model.Session) {
			s.State = state
			s.IsRunning = true
			s.CompletedAt = time.Time{}
		}); err != nil {
			return nil, err
		}
	}

	out, runErr := r.script.Run(ctx, script, args, progress)
	r.reg.Update(module, sid, func(s *model.Session) {
		st := s.State.(*AnalysisState)
		if runErr != nil {
			st.Error = runErr.Error()
		} else {
			st.Output = json.RawMessage(out)
		}
	})
	r.reg.Complete(module, sid)
	if runErr != nil {
		return nil, runErr
	}
	return out, nil
}

func (r *Runners) training(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p TrainingPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.ModelID == "" || p.DatasetPath == "" {
		return nil, fmt.Errorf("modelId and datasetPath are required: %w", model.ErrInvalidPayload)
	}
	return r.script.Run(ctx, "train.py", []string{"--model", p.ModelID, "--dataset", p.DatasetPath}, progress)
}

func (r *Runners) retraining(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p RetrainPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.ModelID == "" || p.DatasetPath == "" {
		return nil, fmt.Errorf("modelId and datasetPath are required: %w", model.ErrInvalidPayload)
	}
	return r.script.Run(ctx, "retrain.py", []string{"--model", p.ModelID, "--dataset", p.DatasetPath}, progress)
}

func (r *Runners) ruleBased(ctx context.Context, job *sched.Job, progress func(int)) ([]byte, error) {
	var p RuleBasedPayload
	if err := decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if p.ReportPath == "" {
		return nil, fmt.Errorf("reportPath is required: %w", model.ErrInvalidPayload)
	}
	args := []string{"--report", p.ReportPath}
	if p.RulesPath != "" {
		args = append(args, "--rules", p.RulesPath)
	}
	return r.script.Run(ctx, "rule_based.py", args, progress)
}
