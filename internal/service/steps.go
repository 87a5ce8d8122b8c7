package service

import "github.com/cloudsentry/api/internal/model"

var defaultSteps = []model.JobStep{
	{Name: "Preparing inspection", Weight: 5, Phase: model.StepPhaseSetup},
	{Name: "Acquiring credentials", Weight: 10, Phase: model.StepPhaseCredentials},
	{Name: "Inspecting resources", Weight: 75, Phase: model.StepPhaseInspect},
	{Name: "Saving results", Weight: 10, Phase: model.StepPhasePersist},
}

// stepTables holds the weighted steps per service type. Service types without an
// entry use defaultSteps.
var stepTables = map[string][]model.JobStep{
	model.ServiceTypeS3: {
		{Name: "Preparing inspection", Weight: 5, Phase: model.StepPhaseSetup},
		{Name: "Acquiring credentials", Weight: 10, Phase: model.StepPhaseCredentials},
		{Name: "Listing buckets", Weight: 15, Phase: model.StepPhaseInspect},
		{Name: "Resolving bucket regions", Weight: 60, Phase: model.StepPhaseInspect},
		{Name: "Saving results", Weight: 10, Phase: model.StepPhasePersist},
	},
	model.ServiceTypeEC2: {
		{Name: "Preparing inspection", Weight: 5, Phase: model.StepPhaseSetup},
		{Name: "Acquiring credentials", Weight: 10, Phase: model.StepPhaseCredentials},
		{Name: "Describing instances", Weight: 30, Phase: model.StepPhaseInspect},
		{Name: "Analyzing security groups", Weight: 45, Phase: model.StepPhaseInspect},
		{Name: "Saving results", Weight: 10, Phase: model.StepPhasePersist},
	},
	model.ServiceTypeIAM: {
		{Name: "Preparing inspection", Weight: 5, Phase: model.StepPhaseSetup},
		{Name: "Acquiring credentials", Weight: 10, Phase: model.StepPhaseCredentials},
		{Name: "Listing principals", Weight: 25, Phase: model.StepPhaseInspect},
		{Name: "Evaluating policies", Weight: 50, Phase: model.StepPhaseInspect},
		{Name: "Saving results", Weight: 10, Phase: model.StepPhasePersist},
	},
}

// StepsFor returns a copy of the step table for serviceType.
func StepsFor(serviceType string) []model.JobStep {
	table, ok := stepTables[serviceType]
	if !ok {
		table = defaultSteps
	}
	out := make([]model.JobStep, len(table))
	copy(out, table)
	return out
}

// phaseSpan returns the index of the first step in phase and how many steps it has.
// A phase missing from the table yields (-1, 0).
func phaseSpan(steps []model.JobStep, phase model.StepPhase) (first, count int) {
	first = -1
	for i, s := range steps {
		if s.Phase != phase {
			continue
		}
		if first < 0 {
			first = i
		}
		count++
	}
	return first, count
}
