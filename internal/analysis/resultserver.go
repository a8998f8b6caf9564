package analysis

import (
	"fmt"
	"sync"

	"github.com/cochaviz/cellar/internal/models"
)

// ResultServer tracks which task a guest reports results for. Registration
// failures leave the scheduler in an inconsistent state and are fatal.
type ResultServer interface {
	Add(task models.Task, machine models.Machine) error
	Remove(task models.Task, machine models.Machine)
}

// TaskRegistry is a ResultServer keyed by machine IP address.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]int64
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]int64)}
}

func (r *TaskRegistry) Add(task models.Task, machine models.Machine) error {
	if machine.IP == "" {
		return fmt.Errorf("machine %s has no ip address", machine.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tasks[machine.IP]; ok && current != task.ID {
		return fmt.Errorf("result server already has task #%d for ip %s", current, machine.IP)
	}
	r.tasks[machine.IP] = task.ID
	return nil
}

func (r *TaskRegistry) Remove(task models.Task, machine models.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tasks[machine.IP]; ok && current == task.ID {
		delete(r.tasks, machine.IP)
	}
}

// Lookup returns the task registered for ip.
func (r *TaskRegistry) Lookup(ip string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tasks[ip]
	return id, ok
}
