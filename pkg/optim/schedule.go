package optim

import (
	"encoding/json"
	"fmt"
	"os"
)

// LinearSchedule warms the learning rate up linearly from 0 to the base rate
// over WarmupSteps, then decays it linearly to 0 at TotalSteps.
type LinearSchedule struct {
	BaseLR      float64 `json:"base_lr"`
	WarmupSteps int     `json:"warmup_steps"`
	TotalSteps  int     `json:"total_steps"`
	// Step is the number of optimizer steps taken so far.
	Step int `json:"last_epoch"`
}

// NewLinearSchedule returns a schedule positioned at step 0.
func NewLinearSchedule(baseLR float64, warmupSteps, totalSteps int) *LinearSchedule {
	return &LinearSchedule{BaseLR: baseLR, WarmupSteps: warmupSteps, TotalSteps: totalSteps}
}

// Factor returns the multiplier of the base rate at step.
func (s *LinearSchedule) Factor(step int) float64 {
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	return max(0, float64(s.TotalSteps-step)/float64(max(1, s.TotalSteps-s.WarmupSteps)))
}

// LR returns the learning rate of the current step.
func (s *LinearSchedule) LR() float32 {
	return float32(s.BaseLR * s.Factor(s.Step))
}

// Advance moves the schedule to the next step.
func (s *LinearSchedule) Advance() {
	s.Step++
}

// Save writes the schedule as JSON.
func (s *LinearSchedule) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadLinearSchedule reads a schedule written by Save.
func LoadLinearSchedule(path string) (*LinearSchedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduler state: %w", err)
	}
	var s LinearSchedule
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler state %s: %w", path, err)
	}
	return &s, nil
}
