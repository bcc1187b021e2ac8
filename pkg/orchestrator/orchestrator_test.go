// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	stderrors "errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
	"github.com/jllopis/ensemble/pkg/journal"
	"github.com/jllopis/ensemble/pkg/llm"
	"github.com/jllopis/ensemble/pkg/telemetry"
	ktesting "github.com/jllopis/ensemble/pkg/testing"
)

const (
	analyzePrefix   = "Analyze the following task"
	decomposePrefix = "Break down the following task"
	assignPrefix    = "Assign the following subtask"
	aggregatePrefix = "Aggregate and synthesize"
	workerPrefix    = "You are a "
)

// stubService answers by prompt prefix and echoes "done:<task>" for worker prompts.
type stubService struct {
	mu        sync.Mutex
	prompts   []string
	analyze   string
	decompose string
	assign    string
	aggregate string
	failOn    string
}

func (s *stubService) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if s.failOn != "" && strings.HasPrefix(prompt, s.failOn) {
		return "", stderrors.New("connection refused")
	}
	switch {
	case strings.HasPrefix(prompt, analyzePrefix):
		return s.analyze, nil
	case strings.HasPrefix(prompt, decomposePrefix):
		return s.decompose, nil
	case strings.HasPrefix(prompt, assignPrefix):
		return s.assign, nil
	case strings.HasPrefix(prompt, aggregatePrefix):
		return s.aggregate, nil
	case strings.HasPrefix(prompt, workerPrefix):
		return "done:" + taskOf(prompt), nil
	}
	return "", stderrors.New("unexpected prompt")
}

func (s *stubService) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func taskOf(prompt string) string {
	_, rest, _ := strings.Cut(prompt, "Your task: ")
	return strings.TrimSuffix(rest, ". Provide your response.")
}

func TestAnalyzeTaskMalformedFallsBack(t *testing.T) {
	for _, resp := range []string{"Just do it", "roles: planner", "{not json", "true"} {
		o := New(&stubService{analyze: resp})
		roles, err := o.AnalyzeTask(context.Background(), "task")
		if err != nil {
			t.Fatalf("AnalyzeTask(%q) failed: %v", resp, err)
		}
		if len(roles) != 1 || roles[0].Role != GeneralAssistant {
			t.Fatalf("AnalyzeTask(%q) = %+v, want single General Assistant", resp, roles)
		}
		if roles[0].Responsibilities[0] != resp {
			t.Fatalf("expected raw text as responsibility, got %q", roles[0].Responsibilities[0])
		}
	}
}

func TestAnalyzeTaskSingleRecord(t *testing.T) {
	svc := &stubService{analyze: `{"role":"Planner","responsibilities":["organize"]}`}
	o := New(svc)

	roles, err := o.AnalyzeTask(context.Background(), "Plan a party")
	if err != nil {
		t.Fatalf("AnalyzeTask failed: %v", err)
	}
	want := []RoleDescriptor{{Role: "Planner", Responsibilities: []string{"organize"}}}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("got %+v, want %+v", roles, want)
	}
	if svc.prompts[0] != "Analyze the following task and suggest necessary roles to complete it, along with their responsibilities: Plan a party" {
		t.Fatalf("unexpected analyze prompt %q", svc.prompts[0])
	}
}

func TestCreateWorkersCollapsesDuplicateRoles(t *testing.T) {
	o := New(&stubService{})
	ctx := context.Background()
	o.CreateWorkers(ctx, []RoleDescriptor{
		{Role: "Planner", Responsibilities: []string{"first"}},
		{Role: "Chef", Responsibilities: []string{"cook"}},
	})
	o.CreateWorkers(ctx, []RoleDescriptor{{Role: "Planner", Responsibilities: []string{"second"}}})

	if roles := o.Roles(); !reflect.DeepEqual(roles, []string{"Planner", "Chef"}) {
		t.Fatalf("unexpected roles %v", roles)
	}
	w, _ := o.Worker("Planner")
	if got := w.Responsibilities(); !reflect.DeepEqual(got, []string{"second"}) {
		t.Fatalf("expected last write to win, got %v", got)
	}
}

func TestBreakDownTaskUnparseableReturnsTask(t *testing.T) {
	svc := &stubService{decompose: "Step one: pick a venue. Step two: invite people."}
	o := New(svc)

	subtasks, err := o.BreakDownTask(context.Background(), "Plan a party")
	if err != nil {
		t.Fatalf("BreakDownTask failed: %v", err)
	}
	if !reflect.DeepEqual(subtasks, []string{"Plan a party"}) {
		t.Fatalf("got %q", subtasks)
	}
	if svc.prompts[0] != "Break down the following task into subtasks. Respond with a JSON array of strings: Plan a party" {
		t.Fatalf("unexpected decompose prompt %q", svc.prompts[0])
	}
}

func TestAssignSubtaskEmptyRegistryReturnsSentinel(t *testing.T) {
	svc := &stubService{assign: "Chef"}
	o := New(svc)

	for _, subtask := range []string{"", "cook", "Assign to Chef"} {
		role, err := o.AssignSubtask(context.Background(), subtask)
		if err != nil {
			t.Fatalf("AssignSubtask failed: %v", err)
		}
		if role != GeneralAssistant {
			t.Fatalf("got %q, want %q", role, GeneralAssistant)
		}
	}
	if n := len(svc.prompts); n != 0 {
		t.Fatalf("expected no completion calls, got %d", n)
	}
}

func TestAssignSubtaskUnknownRoleUsesFirstInserted(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"Chef", "Chef"},
		{"  Chef \n", "Chef"},
		{"chef", "Planner"},
		{"The Chef should do it", "Planner"},
		{"", "Planner"},
	}

	for _, tt := range tests {
		svc := &stubService{assign: tt.answer}
		o := New(svc)
		o.CreateWorkers(context.Background(), []RoleDescriptor{
			{Role: "Planner", Responsibilities: []string{"organize"}},
			{Role: "Chef", Responsibilities: []string{"cook"}},
		})

		role, err := o.AssignSubtask(context.Background(), "Bake cake")
		if err != nil {
			t.Fatalf("AssignSubtask failed: %v", err)
		}
		if role != tt.want {
			t.Errorf("answer %q: got %q, want %q", tt.answer, role, tt.want)
		}
		if svc.prompts[0] != "Assign the following subtask to the most appropriate role: Bake cake. Available roles: Planner, Chef" {
			t.Fatalf("unexpected assign prompt %q", svc.prompts[0])
		}
	}
}

func TestShareKnowledgeAppendsToEveryWorker(t *testing.T) {
	o := New(&stubService{})
	ctx := context.Background()
	o.CreateWorkers(ctx, []RoleDescriptor{
		{Role: "A", Responsibilities: []string{"a"}},
		{Role: "B", Responsibilities: []string{"b"}},
	})
	a, _ := o.Worker("A")
	a.AddKnowledge("private")

	o.ShareKnowledge(ctx, "shared")

	if got := a.Knowledge(); !reflect.DeepEqual(got, []string{"private", "shared"}) {
		t.Fatalf("A knowledge = %q", got)
	}
	b, _ := o.Worker("B")
	if got := b.Knowledge(); !reflect.DeepEqual(got, []string{"shared"}) {
		t.Fatalf("B knowledge = %q", got)
	}
}

func TestAggregateResultsPrompt(t *testing.T) {
	svc := &stubService{aggregate: " FINAL "}
	o := New(svc)

	out, err := o.AggregateResults(context.Background(), []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("AggregateResults failed: %v", err)
	}
	if out != " FINAL " {
		t.Fatalf("expected raw response, got %q", out)
	}
	if svc.prompts[0] != "Aggregate and synthesize the following results into a coherent output: r1 r2" {
		t.Fatalf("unexpected aggregate prompt %q", svc.prompts[0])
	}
}

func TestRunBirthdayParty(t *testing.T) {
	provider := ktesting.NewScenarioProvider().
		RespondTo(analyzePrefix, `[{"role":"Planner","responsibilities":["organize"]}]`).
		RespondTo(decomposePrefix, `["Choose venue","Send invites"]`).
		RespondTo(assignPrefix, "Planner").
		RespondTo(aggregatePrefix, "FINAL").
		AddScriptedResponse(ktesting.ScriptedResponse{Content: "done:Choose venue", Usage: llm.Usage{TotalTokens: 5}}).
		AddScriptedResponse(ktesting.ScriptedResponse{Content: "done:Send invites", Usage: llm.Usage{TotalTokens: 7}})

	collector := ktesting.NewEventCollector()
	store := journal.NewMemoryStore()
	o := New(llm.NewCompleter(provider, llm.WithProviderName("scenario")),
		WithEmitter(core.MultiEmitter{collector, journal.NewEmitter(store, nil)}))

	res, err := o.Run(context.Background(), "Plan a birthday party")
	ktesting.RequireNoError(t, err, "run")

	a := ktesting.NewAssertions(t)
	a.AssertEqual("FINAL", res.Output, "output")
	a.AssertStrings([]string{"Planner"}, o.Roles(), "workers")
	a.AssertStrings([]string{"Choose venue", "Send invites"}, res.Subtasks, "subtasks")
	a.AssertStrings([]string{"Planner", "Planner"}, res.Assignments(), "assignments")
	a.AssertStrings([]string{"done:Choose venue", "done:Send invites"}, res.Results(), "results")
	a.AssertEqual(12, res.Usage.TotalTokens, "usage")
	a.AssertTrue(strings.HasPrefix(res.RunID, "run-"), "run id prefix")

	workerPrompts := provider.PromptsWithPrefix(workerPrefix)
	a.AssertStrings([]string{
		"You are a Planner. Your responsibilities are organize. Your current knowledge: . Your task: Choose venue. Provide your response.",
		"You are a Planner. Your responsibilities are organize. Your current knowledge: done:Choose venue. Your task: Send invites. Provide your response.",
	}, workerPrompts, "worker prompts")
	a.AssertStrings([]string{
		"Aggregate and synthesize the following results into a coherent output: done:Choose venue done:Send invites",
	}, provider.PromptsWithPrefix(aggregatePrefix), "aggregate prompt")

	w, _ := o.Worker("Planner")
	a.AssertStrings([]string{"done:Choose venue", "done:Send invites"}, w.Knowledge(), "knowledge")

	for i, task := range res.Tasks {
		a.AssertEqual(core.TaskStatusCompleted, task.Status, "task status")
		a.AssertEqual(i, task.Index, "task index")
	}

	wantEvents := []core.EventType{
		core.EventRunStarted,
		core.EventRolesAnalyzed,
		core.EventWorkerCreated,
		core.EventSubtasksDecomposed,
		core.EventSubtaskAssigned,
		core.EventSubtaskCompleted,
		core.EventKnowledgeShared,
		core.EventSubtaskAssigned,
		core.EventSubtaskCompleted,
		core.EventKnowledgeShared,
		core.EventRunCompleted,
	}
	if got := collector.EventTypes(); !reflect.DeepEqual(got, wantEvents) {
		t.Fatalf("events = %v, want %v", got, wantEvents)
	}
	for _, ev := range collector.Events() {
		if ev.RunID != res.RunID {
			t.Fatalf("event %s has run id %q, want %q", ev.Type, ev.RunID, res.RunID)
		}
	}

	summaries, err := store.Summaries(context.Background(), 10)
	ktesting.RequireNoError(t, err, "summaries")
	if len(summaries) != 1 || summaries[0].Status != journal.StatusCompleted || summaries[0].Task != "Plan a birthday party" {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
}

func TestRunUnparseableAnalysis(t *testing.T) {
	svc := &stubService{
		analyze:   "Just do it",
		decompose: `["only step"]`,
		assign:    "whoever",
		aggregate: "ok",
	}
	o := New(svc)

	res, err := o.Run(context.Background(), "Clean the house")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []RoleDescriptor{{Role: GeneralAssistant, Responsibilities: []string{"Just do it"}}}
	if !reflect.DeepEqual(res.Roles, want) {
		t.Fatalf("roles = %+v, want %+v", res.Roles, want)
	}
	w, ok := o.Worker(GeneralAssistant)
	if !ok || !reflect.DeepEqual(w.Responsibilities(), []string{"Just do it"}) {
		t.Fatalf("expected General Assistant worker with raw responsibility")
	}
	if got := res.Assignments(); !reflect.DeepEqual(got, []string{GeneralAssistant}) {
		t.Fatalf("assignments = %v", got)
	}
}

func TestRunEmptyAnalysisCreatesDefaultWorker(t *testing.T) {
	svc := &stubService{analyze: "[]", decompose: `["a","b"]`, aggregate: "merged"}
	collector := ktesting.NewEventCollector()
	o := New(svc, WithEmitter(collector))

	scenario := ktesting.NewScenario("empty analysis").
		WithTask("Do things").
		WithEvents(collector).
		ExpectNoError().
		ExpectOutput(ktesting.Equals("merged")).
		ExpectEventCount(core.EventWorkerCreated, 1).
		ExpectEventCount(core.EventSubtaskCompleted, 2)
	scenario.Run(t, o).Assert(t, scenario)

	// The first assignment finds no workers; the second sees the default worker.
	if n := svc.count(assignPrefix); n != 1 {
		t.Fatalf("expected one assign call, got %d", n)
	}
	if roles := o.Roles(); !reflect.DeepEqual(roles, []string{GeneralAssistant}) {
		t.Fatalf("roles = %v", roles)
	}
	w, _ := o.Worker(GeneralAssistant)
	if !reflect.DeepEqual(w.Responsibilities(), []string{DefaultResponsibility}) {
		t.Fatalf("unexpected responsibilities %v", w.Responsibilities())
	}
}

func TestRunCompletionFailureAborts(t *testing.T) {
	tests := []struct {
		name   string
		failOn string
		step   string
	}{
		{"analyze", analyzePrefix, core.StepAnalyze},
		{"decompose", decomposePrefix, core.StepDecompose},
		{"assign", assignPrefix, core.StepAssign},
		{"execute", workerPrefix, core.StepExecute},
		{"aggregate", aggregatePrefix, core.StepAggregate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				analyze:   `[{"role":"Planner"}]`,
				decompose: `["a","b"]`,
				assign:    "Planner",
				aggregate: "FINAL",
				failOn:    tt.failOn,
			}
			collector := ktesting.NewEventCollector()
			o := New(svc, WithEmitter(collector))

			out, err := o.ExecuteTask(context.Background(), "task")
			if err == nil {
				t.Fatalf("expected error, got output %q", out)
			}
			ee, ok := errors.Find(err)
			if !ok || ee.Code != errors.CodeUnavailable {
				t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
			}
			if ee.Context["step"] != tt.step {
				t.Fatalf("step = %v, want %s", ee.Context["step"], tt.step)
			}
			if tt.step == core.StepExecute && ee.Context["role"] != "Planner" {
				t.Fatalf("expected role context on execute failure, got %v", ee.Context)
			}
			if !collector.HasEvent(core.EventRunFailed) || collector.HasEvent(core.EventRunCompleted) {
				t.Fatalf("unexpected events %v", collector.EventTypes())
			}
			if n := svc.count(tt.failOn); n != 1 {
				t.Fatalf("expected a single failing call, got %d", n)
			}
		})
	}
}

func TestRunKeepsCauseCode(t *testing.T) {
	provider := ktesting.NewScenarioProvider().
		FailOn(analyzePrefix, errors.New(errors.CodeRateLimit, "slow down", nil).WithRecoverable(true))
	o := New(llm.NewCompleter(provider))

	_, err := o.Run(context.Background(), "task")
	ee, ok := errors.Find(err)
	if !ok || ee.Code != errors.CodeUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
	if ee.Context["cause_code"] != string(errors.CodeRateLimit) {
		t.Fatalf("expected cause code RATE_LIMITED, got %v", ee.Context["cause_code"])
	}
}

func TestRunCanceledContext(t *testing.T) {
	provider := ktesting.NewScenarioProvider().AddResponse("never")
	o := New(llm.NewCompleter(provider))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, "task")
	if !errors.HasCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}

func TestRunDiscardsPreviousWorkers(t *testing.T) {
	svc := &stubService{analyze: `[{"role":"A"}]`, decompose: `["x"]`, assign: "A", aggregate: "done"}
	o := New(svc)

	if _, err := o.Run(context.Background(), "first"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	svc.analyze = `[{"role":"B"}]`
	svc.assign = "B"
	if _, err := o.Run(context.Background(), "second"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if roles := o.Roles(); !reflect.DeepEqual(roles, []string{"B"}) {
		t.Fatalf("roles = %v", roles)
	}
	w, _ := o.Worker("B")
	if got := w.Knowledge(); !reflect.DeepEqual(got, []string{"done:x"}) {
		t.Fatalf("knowledge leaked across runs: %v", got)
	}
}

func TestRunUsesRunIDFromContext(t *testing.T) {
	svc := &stubService{analyze: `[{"role":"A"}]`, decompose: `["x"]`, assign: "A", aggregate: "done"}
	o := New(svc)

	res, err := o.Run(core.WithRunID(context.Background(), "run-fixed"), "task")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RunID != "run-fixed" {
		t.Fatalf("run id = %q", res.RunID)
	}
}

func TestConcurrentRunsAreSerialized(t *testing.T) {
	var inFlight, maxInFlight int32
	svc := CompletionFunc(func(ctx context.Context, prompt string) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		switch {
		case strings.HasPrefix(prompt, analyzePrefix):
			return `{"role":"A"}`, nil
		case strings.HasPrefix(prompt, decomposePrefix):
			return `["x"]`, nil
		case strings.HasPrefix(prompt, assignPrefix):
			return "A", nil
		}
		return "ok", nil
	})
	o := New(svc)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.ExecuteTask(context.Background(), "task"); err != nil {
				t.Errorf("ExecuteTask failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected serialized completions, saw %d in flight", maxInFlight)
	}
}

func TestRunRecordsFallbackMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	pm, err := telemetry.NewPipelineMetrics(mp)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	svc := &stubService{analyze: "free text", decompose: "also free text", assign: "nobody", aggregate: "done"}
	o := New(svc, WithMetrics(pm))
	if _, err := o.Run(context.Background(), "task"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	// analyze, decompose and assign each fell back once.
	if totals["ensemble.fallbacks.total"] != 3 {
		t.Fatalf("fallbacks = %d, want 3", totals["ensemble.fallbacks.total"])
	}
	if totals["ensemble.runs.total"] != 1 || totals["ensemble.subtasks.total"] != 1 {
		t.Fatalf("unexpected totals %v", totals)
	}
}
