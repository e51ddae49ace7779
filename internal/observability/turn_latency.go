package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stages the session controller times for every turn.
const (
	StageTranscribe   = "transcribe"
	StageComplete     = "complete"
	StageSynthesize   = "synthesize"
	StagePlaybackLag  = "playback_lag"
	StageInputToReply = "input_to_reply"
	StageInputToAudio = "input_to_audio"
)

// Outcomes counted once per finished turn step. Interruptions are counted as
// "interrupted_<phase>" and failures as "failed_<kind>".
const (
	OutcomeCompleted  = "completed"
	OutcomeExitPhrase = "exit_phrase"
)

// stageBudgets are the p95 latencies a responsive conversation should stay
// under. playback_lag is time spent in the player beyond the audio duration.
var stageBudgets = map[string]time.Duration{
	StageTranscribe:   1500 * time.Millisecond,
	StageComplete:     3 * time.Second,
	StageSynthesize:   1200 * time.Millisecond,
	StagePlaybackLag:  time.Second,
	StageInputToReply: 4 * time.Second,
	StageInputToAudio: 5 * time.Second,
}

// StageLatency summarizes the recent samples of one stage.
type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	Total      uint64  `json:"total"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

// LatencyReport is served by /v1/perf/latency.
type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Window      int            `json:"window"`
	Stages      []StageLatency `json:"stages"`
	Outcomes    map[string]int `json:"outcomes"`
}

// turnLatency keeps the last window samples per stage and lifetime outcome counts.
type turnLatency struct {
	mu       sync.Mutex
	window   int
	stages   map[string]*latencyRing
	outcomes map[string]int
}

type latencyRing struct {
	samples []float64
	head    int
	total   uint64
	last    float64
}

func newTurnLatency(window int) *turnLatency {
	if window <= 0 {
		window = 256
	}
	l := &turnLatency{window: window}
	l.reset()
	return l
}

func (l *turnLatency) reset() {
	l.stages = make(map[string]*latencyRing)
	l.outcomes = make(map[string]int)
}

func (l *turnLatency) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.stages[stage]
	if r == nil {
		r = &latencyRing{samples: make([]float64, 0, l.window)}
		l.stages[stage] = r
	}
	if len(r.samples) < l.window {
		r.samples = append(r.samples, ms)
	} else {
		r.samples[r.head] = ms
		r.head = (r.head + 1) % l.window
	}
	r.total++
	r.last = ms
}

func (l *turnLatency) outcome(name string) {
	if name == "" {
		return
	}
	l.mu.Lock()
	l.outcomes[name]++
	l.mu.Unlock()
}

func (l *turnLatency) report() LatencyReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	rep := LatencyReport{
		GeneratedAt: time.Now().UTC(),
		Window:      l.window,
		Stages:      make([]StageLatency, 0, len(l.stages)),
		Outcomes:    make(map[string]int, len(l.outcomes)),
	}
	for name, n := range l.outcomes {
		rep.Outcomes[name] = n
	}
	for stage, r := range l.stages {
		sorted := append([]float64(nil), r.samples...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		s := StageLatency{
			Stage:   stage,
			Samples: len(sorted),
			Total:   r.total,
			LastMS:  roundMS(r.last),
			MeanMS:  roundMS(sum / float64(len(sorted))),
			P50MS:   nearestRank(sorted, 50),
			P95MS:   nearestRank(sorted, 95),
			P99MS:   nearestRank(sorted, 99),
		}
		if budget, ok := stageBudgets[stage]; ok {
			s.BudgetMS = float64(budget.Milliseconds())
			s.OverBudget = len(sorted) - sort.SearchFloat64s(sorted, math.Nextafter(s.BudgetMS, math.Inf(1)))
		}
		rep.Stages = append(rep.Stages, s)
	}
	sort.Slice(rep.Stages, func(i, j int) bool { return rep.Stages[i].Stage < rep.Stages[j].Stage })
	return rep
}

// nearestRank returns the pth percentile of sorted samples.
func nearestRank(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return roundMS(sorted[rank-1])
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
