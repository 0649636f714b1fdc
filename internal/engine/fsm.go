package engine

import (
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// ValidInstanceTransitions is the instance lifecycle transition table.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstancePending: {
		schema.InstanceRunning,
		schema.InstanceCancelled,
	},
	schema.InstanceRunning: {
		schema.InstanceCompleted,
		schema.InstanceFailed,
		schema.InstanceCancelled,
	},
	schema.InstanceCompleted: {},
	schema.InstanceFailed:    {},
	schema.InstanceCancelled: {},
}

// ValidTemplateTransitions is the template lifecycle transition table.
var ValidTemplateTransitions = map[schema.TemplateStatus][]schema.TemplateStatus{
	schema.TemplateDraft:    {schema.TemplateActive},
	schema.TemplateActive:   {schema.TemplateInactive},
	schema.TemplateInactive: {schema.TemplateActive},
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	for _, allowed := range ValidInstanceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func isValidTemplateTransition(from, to schema.TemplateStatus) bool {
	for _, allowed := range ValidTemplateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkInstanceTransition validates an instance lifecycle transition.
func checkInstanceTransition(instanceID string, from, to schema.InstanceStatus) error {
	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}
	return nil
}

// checkTemplateTransition validates a template lifecycle transition.
func checkTemplateTransition(templateID string, from, to schema.TemplateStatus) error {
	if !isValidTemplateTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid template transition: %s -> %s", from, to).
			WithDetails(map[string]any{"template_id": templateID, "from": string(from), "to": string(to)})
	}
	return nil
}
