package bootstrap

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"intake/internal/logging"
)

// Stage is one startup step.
type Stage struct {
	Name     string
	Required bool // failure aborts startup; otherwise the component runs degraded
	Init     func() error
}

// Degraded tracks optional components that failed to start.
type Degraded struct {
	mu         sync.RWMutex
	components map[string]string
}

func NewDegraded() *Degraded {
	return &Degraded{components: make(map[string]string)}
}

// Record marks name as degraded.
func (d *Degraded) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Map returns a copy of the degraded components.
func (d *Degraded) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.components))
	for k, v := range d.components {
		out[k] = v
	}
	return out
}

func (d *Degraded) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.components) == 0
}

// String lists degraded component names in order.
func (d *Degraded) String() string {
	names := make([]string, 0)
	for name := range d.Map() {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// RunStages runs stages in order. A required stage failure stops the run;
// optional failures are recorded and skipped.
func RunStages(stages []Stage, degraded *Degraded, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		logger.Debug("[Bootstrap] stage %s (required=%v)", stage.Name, stage.Required)
		if err := stage.Init(); err != nil {
			if stage.Required {
				return fmt.Errorf("required stage %q failed: %w", stage.Name, err)
			}
			logger.Warn("[Bootstrap] optional stage %q failed: %v (continuing degraded)", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}
