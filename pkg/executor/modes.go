// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/ralphx-dev/ralphx/pkg/config"
	"github.com/ralphx-dev/ralphx/pkg/types"
)

// phaseOne tags the modes the phase_aware strategy runs first.
const phaseOne = "phase_1"

// selectMode picks the mode for the next iteration according to the loop's
// selection strategy.
func (e *Executor) selectMode() (string, config.Mode, error) {
	names := e.cfg.Modes.Names()
	if len(names) == 0 {
		return "", config.Mode{}, errors.New("loop has no modes")
	}

	switch e.cfg.ModeSelection.Strategy {
	case types.StrategyFixed, "":
		return e.fixedMode()

	case types.StrategyRandom:
		name := names[e.rng.Intn(len(names))]
		mode, _ := e.cfg.Modes.Get(name)
		return name, mode, nil

	case types.StrategyWeightedRandom:
		name := pickWeighted(e.rng, names, e.cfg.ModeSelection.Weights)
		mode, _ := e.cfg.Modes.Get(name)
		return name, mode, nil

	case types.StrategyPhaseAware:
		if !e.phase1Done {
			for _, name := range names {
				mode, _ := e.cfg.Modes.Get(name)
				if mode.Phase == phaseOne && !e.phase1Succeeded[name] {
					return name, mode, nil
				}
			}
			e.phase1Done = true
			e.logger.Info("phase one complete, switching to fixed mode",
				zap.String("loop", e.cfg.Name),
				zap.String("fixed_mode", e.cfg.ModeSelection.FixedMode))
		}
		return e.fixedMode()
	}

	return "", config.Mode{}, fmt.Errorf("unknown mode selection strategy %q", e.cfg.ModeSelection.Strategy)
}

// markModeSuccess records a successful iteration for phase-aware tracking:
// each phase-one mode needs one success before the strategy falls through
// to the fixed mode.
func (e *Executor) markModeSuccess(name string, mode config.Mode) {
	if e.cfg.ModeSelection.Strategy != types.StrategyPhaseAware || e.phase1Done {
		return
	}
	if mode.Phase == phaseOne {
		e.phase1Succeeded[name] = true
	}
}

// fixedMode resolves the configured fixed mode, tolerating an omitted
// fixed_mode for single-mode loops.
func (e *Executor) fixedMode() (string, config.Mode, error) {
	name := e.cfg.ModeSelection.FixedMode
	if name == "" {
		names := e.cfg.Modes.Names()
		if len(names) != 1 {
			return "", config.Mode{}, errors.New("fixed selection requires fixed_mode when a loop has several modes")
		}
		name = names[0]
	}
	mode, ok := e.cfg.Modes.Get(name)
	if !ok {
		return "", config.Mode{}, fmt.Errorf("fixed mode %q is not defined", name)
	}
	return name, mode, nil
}

// pickWeighted spins a wheel over the mode weights. Config validation
// guarantees the weights sum to 100; the final fallback only guards against
// rounding slop.
func pickWeighted(rng *rand.Rand, names []string, weights map[string]int) string {
	n := rng.Intn(100)
	acc := 0
	for _, name := range names {
		acc += weights[name]
		if n < acc {
			return name
		}
	}
	return names[len(names)-1]
}
