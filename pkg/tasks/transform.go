package tasks

import (
	"context"
	"fmt"

	"github.com/stepflow-io/stepflow/pkg/registry"
)

// TransformTask reshapes already-resolved values. Inputs: value (any,
// required) plus an optional operation:
//
//	pick:    keep only the named keys of an object (keys: array of strings)
//	omit:    drop the named keys of an object (keys: array of strings)
//	merge:   overlay an object onto value (with: object)
//	default: substitute a fallback when value is nil (fallback: any)
//
// Without an operation the value passes through unchanged, which is the
// idiom for re-binding an expression result under a new output name.
type TransformTask struct{}

func NewTransformTask() *TransformTask {
	return &TransformTask{}
}

func (t *TransformTask) Invoke(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
	value, ok := inputs["value"]
	if !ok {
		return nil, registry.Permanent(fmt.Errorf("transform: input %q is required", "value"))
	}

	operation, _ := inputs["operation"].(string)

	switch operation {
	case "":

	case "pick":
		object, keys, err := objectAndKeys(value, inputs)
		if err != nil {
			return nil, err
		}

		picked := make(map[string]any, len(keys))

		for _, key := range keys {
			if v, ok := object[key]; ok {
				picked[key] = v
			}
		}

		value = picked

	case "omit":
		object, keys, err := objectAndKeys(value, inputs)
		if err != nil {
			return nil, err
		}

		omitted := make(map[string]any, len(object))

		for k, v := range object {
			omitted[k] = v
		}

		for _, key := range keys {
			delete(omitted, key)
		}

		value = omitted

	case "merge":
		object, ok := value.(map[string]any)
		if !ok {
			return nil, registry.Permanent(fmt.Errorf("transform merge: value must be an object, got %T", value))
		}

		overlay, ok := inputs["with"].(map[string]any)
		if !ok {
			return nil, registry.Permanent(fmt.Errorf("transform merge: input %q must be an object", "with"))
		}

		merged := make(map[string]any, len(object)+len(overlay))

		for k, v := range object {
			merged[k] = v
		}

		for k, v := range overlay {
			merged[k] = v
		}

		value = merged

	case "default":
		if value == nil {
			value = inputs["fallback"]
		}

	default:
		return nil, registry.Permanent(fmt.Errorf("transform: unknown operation %q", operation))
	}

	return map[string]any{"result": value}, nil
}

func objectAndKeys(value any, inputs map[string]any) (map[string]any, []string, error) {
	object, ok := value.(map[string]any)
	if !ok {
		return nil, nil, registry.Permanent(fmt.Errorf("transform: value must be an object, got %T", value))
	}

	raw, ok := inputs["keys"].([]any)
	if !ok {
		return nil, nil, registry.Permanent(fmt.Errorf("transform: input %q must be an array of strings", "keys"))
	}

	keys := make([]string, 0, len(raw))

	for _, item := range raw {
		key, ok := item.(string)
		if !ok {
			return nil, nil, registry.Permanent(fmt.Errorf("transform: key %v is not a string", item))
		}

		keys = append(keys, key)
	}

	return object, keys, nil
}
