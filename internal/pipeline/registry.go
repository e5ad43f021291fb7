package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"casegraph/internal/services"
)

type registryKey struct {
	class Class
	stage Stage
}

// Registry binds executors to (class, stage) pairs.
type Registry struct {
	mu        sync.RWMutex
	executors map[registryKey]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[registryKey]Executor)}
}

// Register binds exec to the stage of a class, replacing any prior binding.
func (r *Registry) Register(c Class, stage Stage, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[registryKey{class: c, stage: stage}] = exec
}

// RegisterAll binds exec to the stage for every class whose table includes it.
func (r *Registry) RegisterAll(stage Stage, exec Executor) {
	for _, c := range AllClasses {
		for _, s := range stageTable[c] {
			if s == stage {
				r.Register(c, stage, exec)
			}
		}
	}
}

// Executor returns the executor bound to (class, stage).
func (r *Registry) Executor(c Class, stage Stage) (Executor, error) {
	r.mu.RLock()
	exec, ok := r.executors[registryKey{class: c, stage: stage}]
	r.mu.RUnlock()
	if !ok || exec == nil {
		return nil, services.Wrap(services.ErrConfiguration, string(stage), "lookup executor",
			fmt.Sprintf("no executor registered for %s/%s", c, stage), nil)
	}
	return exec, nil
}

// Validate reports every stage of the given classes that lacks an executor.
func (r *Registry) Validate(classes ...Class) error {
	var missing []string
	for _, c := range classes {
		for _, stage := range stageTable[c] {
			if _, err := r.Executor(c, stage); err != nil {
				missing = append(missing, string(c)+"/"+string(stage))
			}
		}
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrConfiguration, "", "validate registry",
			"missing executors: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// GraphExecutor returns the graph_building executor for artifacts of class c.
// A binding for (c, graph_building) wins over the generic graph binding.
func (r *Registry) GraphExecutor(c Class) (Executor, error) {
	r.mu.RLock()
	exec, ok := r.executors[registryKey{class: c, stage: StageGraphBuilding}]
	r.mu.RUnlock()
	if ok && exec != nil {
		return exec, nil
	}
	return r.Executor(ClassGraph, StageGraphBuilding)
}
