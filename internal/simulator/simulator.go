package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"healthsense/internal/logger"
)

// Scenario selects the value ranges a simulated device reports
type Scenario string

const (
	ScenarioRandom     Scenario = "random"
	ScenarioHealthy    Scenario = "healthy"
	ScenarioDiabetes   Scenario = "diabetes"
	ScenarioHeartIssue Scenario = "heart_issue"
	ScenarioHypoxia    Scenario = "hypoxia"
)

// Scenarios lists every supported scenario
var Scenarios = []Scenario{ScenarioRandom, ScenarioHealthy, ScenarioDiabetes, ScenarioHeartIssue, ScenarioHypoxia}

// ParseScenario validates a scenario name
func ParseScenario(name string) (Scenario, error) {
	s := Scenario(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Scenarios {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown scenario %q", name)
}

// span is an inclusive integer range
type span struct{ lo, hi int }

type profile struct {
	glucose, systolic, diastolic, spo2, heartRate span
}

var profiles = map[Scenario]profile{
	ScenarioRandom:     {span{70, 200}, span{90, 160}, span{60, 110}, span{88, 100}, span{50, 110}},
	ScenarioHealthy:    {span{80, 120}, span{110, 120}, span{70, 80}, span{95, 100}, span{60, 80}},
	ScenarioDiabetes:   {span{180, 250}, span{120, 140}, span{80, 90}, span{94, 98}, span{70, 90}},
	ScenarioHeartIssue: {span{80, 140}, span{150, 180}, span{95, 110}, span{92, 97}, span{90, 120}},
	ScenarioHypoxia:    {span{80, 130}, span{110, 150}, span{70, 90}, span{85, 92}, span{90, 120}},
}

// timestampLayout matches what wearable firmware sends: ISO-8601 UTC without a zone
const timestampLayout = "2006-01-02T15:04:05.000000"

// Payload is one simulated device submission
type Payload struct {
	DeviceID    string `json:"device_id"`
	Glucose     int    `json:"glucose"`
	BPSystolic  int    `json:"bp_systolic"`
	BPDiastolic int    `json:"bp_diastolic"`
	SpO2        int    `json:"spo2"`
	HeartRate   int    `json:"heart_rate"`
	Timestamp   string `json:"timestamp"`
}

// Generate draws a payload for scenario. Unknown scenarios fall back to random.
func Generate(rng *rand.Rand, deviceID string, scenario Scenario, now time.Time) Payload {
	p, ok := profiles[scenario]
	if !ok {
		p = profiles[ScenarioRandom]
	}
	draw := func(s span) int { return s.lo + rng.IntN(s.hi-s.lo+1) }

	return Payload{
		DeviceID:    deviceID,
		Glucose:     draw(p.glucose),
		BPSystolic:  draw(p.systolic),
		BPDiastolic: draw(p.diastolic),
		SpO2:        draw(p.spo2),
		HeartRate:   draw(p.heartRate),
		Timestamp:   now.UTC().Format(timestampLayout),
	}
}

// Config controls a simulation run
type Config struct {
	Server   string
	DeviceID string
	// Devices > 1 runs that many devices named <DeviceID>-01, -02, ...
	Devices  int
	Interval time.Duration
	Scenario Scenario
	// Duration 0 runs until the context is cancelled
	Duration time.Duration
	Timeout  time.Duration
}

// Result summarises a run
type Result struct {
	Sent   uint64
	Failed uint64
}

// Simulator posts generated readings to the ingestion API
type Simulator struct {
	cfg    Config
	client *resty.Client
	now    func() time.Time

	sent   atomic.Uint64
	failed atomic.Uint64
}

type apiError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// New creates a simulator
func New(cfg Config) (*Simulator, error) {
	if cfg.Server == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "HEALTH01"
	}
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if cfg.Scenario == "" {
		cfg.Scenario = ScenarioRandom
	}
	if _, ok := profiles[cfg.Scenario]; !ok {
		return nil, fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Server, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Simulator{cfg: cfg, client: client, now: time.Now}, nil
}

// DeviceIDs returns the identifiers the run reports as
func (s *Simulator) DeviceIDs() []string {
	if s.cfg.Devices == 1 {
		return []string{s.cfg.DeviceID}
	}
	ids := make([]string, s.cfg.Devices)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%02d", s.cfg.DeviceID, i+1)
	}
	return ids
}

// Run sends one reading per device every interval until the duration
// elapses or ctx is cancelled
func (s *Simulator) Run(ctx context.Context) Result {
	if s.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Duration)
		defer cancel()
	}

	log := logger.WithComponent("simulator")
	log.Info().
		Str("server", s.cfg.Server).
		Int("devices", s.cfg.Devices).
		Str("scenario", string(s.cfg.Scenario)).
		Dur("interval", s.cfg.Interval).
		Msg("starting device simulator")

	var wg sync.WaitGroup
	for i, id := range s.DeviceIDs() {
		wg.Add(1)
		go func(seed uint64, deviceID string) {
			defer wg.Done()
			s.runDevice(ctx, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), seed)), deviceID)
		}(uint64(i), id)
	}
	wg.Wait()

	res := Result{Sent: s.sent.Load(), Failed: s.failed.Load()}
	log.Info().Uint64("sent", res.Sent).Uint64("failed", res.Failed).Msg("simulation finished")
	return res
}

func (s *Simulator) runDevice(ctx context.Context, rng *rand.Rand, deviceID string) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		p := Generate(rng, deviceID, s.cfg.Scenario, s.now())
		if err := s.Send(ctx, p); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failed.Add(1)
			logger.WithDevice("simulator", deviceID).Warn().Err(err).Msg("failed to send reading")
		} else {
			s.sent.Add(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Send posts a single payload
func (s *Simulator) Send(ctx context.Context, p Payload) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(p).
		SetError(&apiError{}).
		Post("/api/healthdata")
	if err != nil {
		return fmt.Errorf("post reading: %w", err)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode(), e.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode())
	}

	logger.WithDevice("simulator", p.DeviceID).Debug().
		Int("glucose", p.Glucose).
		Int("bp_systolic", p.BPSystolic).
		Int("bp_diastolic", p.BPDiastolic).
		Int("spo2", p.SpO2).
		Int("heart_rate", p.HeartRate).
		Msg("reading sent")
	return nil
}
