package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/rampup"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the consistency of the campaign.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (f *CampaignFile) Validate() error {
	errs := &ValidationErrors{}

	if f.Key == "" {
		errs.Add("campaign", "is required")
	}
	if f.SpeedFactor < 0 {
		errs.Add("speedFactor", "must not be negative")
	}
	if f.StartOffset < 0 {
		errs.Add("startOffset", "must not be negative")
	}
	if f.Timeout < 0 {
		errs.Add("timeout", "must not be negative")
	}
	if len(f.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	scenarios := make(map[campaign.ScenarioName]*campaign.Scenario, len(f.Scenarios))
	for i := range f.Scenarios {
		s := &f.Scenarios[i]
		prefix := fmt.Sprintf("scenarios[%d]", i)
		if _, dup := scenarios[s.Name]; dup {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate scenario %q", s.Name))
			continue
		}
		scenarios[s.Name] = &s.Scenario
		validateScenario(prefix, s, errs)
	}

	nodes := make(map[campaign.NodeID]bool, len(f.Factories))
	covered := make(map[campaign.ScenarioName]map[campaign.DAGName]bool)
	for i, factory := range f.Factories {
		prefix := fmt.Sprintf("factories[%d]", i)
		if factory.Node == "" {
			errs.Add(prefix+".node", "is required")
		} else if nodes[factory.Node] {
			errs.Add(prefix+".node", fmt.Sprintf("duplicate factory %q", factory.Node))
		}
		nodes[factory.Node] = true

		for j, a := range factory.Assignments {
			field := fmt.Sprintf("%s.assignments[%d]", prefix, j)
			s, ok := scenarios[a.Scenario]
			if !ok {
				errs.Add(field+".scenario", fmt.Sprintf("unknown scenario %q", a.Scenario))
				continue
			}
			if covered[a.Scenario] == nil {
				covered[a.Scenario] = make(map[campaign.DAGName]bool)
			}
			for _, dag := range a.DAGs {
				if _, ok := s.DAG(dag); !ok {
					errs.Add(field+".dags", fmt.Sprintf("unknown DAG %q of scenario %q", dag, a.Scenario))
					continue
				}
				covered[a.Scenario][dag] = true
			}
		}
	}
	if len(f.Factories) > 0 {
		for i, s := range f.Scenarios {
			for _, dag := range s.DAGs {
				if !covered[s.Name][dag.Name] {
					errs.Add(fmt.Sprintf("scenarios[%d].dags", i), fmt.Sprintf("DAG %q is executed by no factory", dag.Name))
				}
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateScenario checks the DAG graph and the load of a scenario.
func validateScenario(prefix string, s *ScenarioSpec, errs *ValidationErrors) {
	if s.Name == "" {
		errs.Add(prefix+".name", "is required")
	}
	if len(s.DAGs) == 0 {
		errs.Add(prefix+".dags", "at least one DAG is required")
		return
	}

	dags := make(map[campaign.DAGName]campaign.DAG, len(s.DAGs))
	underLoad := false
	for i, dag := range s.DAGs {
		field := fmt.Sprintf("%s.dags[%d]", prefix, i)
		if dag.Name == "" {
			errs.Add(field+".name", "is required")
			continue
		}
		if _, dup := dags[dag.Name]; dup {
			errs.Add(field+".name", fmt.Sprintf("duplicate DAG %q", dag.Name))
			continue
		}
		dags[dag.Name] = dag
		underLoad = underLoad || dag.IsUnderLoad
	}

	var roots []campaign.DAGName
	for i, dag := range s.DAGs {
		for _, next := range dag.Successors {
			if _, ok := dags[next]; !ok {
				errs.Add(fmt.Sprintf("%s.dags[%d].successors", prefix, i), fmt.Sprintf("unknown DAG %q", next))
			}
		}
		if dag.IsRoot {
			roots = append(roots, dag.Name)
		}
	}
	if len(roots) == 0 {
		errs.Add(prefix+".dags", "at least one root DAG is required")
	}

	// A DAG under load that no root leads to would never complete its minions.
	reachable := make(map[campaign.DAGName]bool, len(dags))
	pending := append([]campaign.DAGName(nil), roots...)
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		if reachable[name] {
			continue
		}
		reachable[name] = true
		pending = append(pending, dags[name].Successors...)
	}
	for i, dag := range s.DAGs {
		if dag.IsUnderLoad && !dag.IsRoot && !reachable[dag.Name] {
			errs.Add(fmt.Sprintf("%s.dags[%d]", prefix, i), fmt.Sprintf("DAG %q under load is not reachable from a root DAG", dag.Name))
		}
	}

	if s.MinionsCount < 0 {
		errs.Add(prefix+".minionsCount", "must not be negative")
	}
	if underLoad && s.MinionsCount == 0 {
		errs.Add(prefix+".minionsCount", "must be positive when a DAG is under load")
	}
	if underLoad {
		if err := s.ExecutionProfile.Validate(); err != nil {
			var verr *rampup.ValidationError
			if errors.As(err, &verr) {
				errs.Add(prefix+".executionProfile."+verr.Field, verr.Message)
			} else {
				errs.Add(prefix+".executionProfile", err.Error())
			}
		}
	}
}
