/*
Package factory converts external task and batch definitions into ledger
records.

PURPOSE:
  Production planning tools describe tasks as JSON and warehouses hand
  over receipts as spreadsheets. The factory validates both and produces
  ledger.Task and ledger.Batch values; it never talks to a store.

JSON SCHEMA (task):
  {
    "id": "bake-2025-03-01",
    "name": "Morning bake",
    "lines": [
      {"id": "dough-flour", "item_id": "flour", "name": "Flour for dough", "required": 30},
      {"id": "dust-flour",  "item_id": "flour", "required": "0.250"}
    ]
  }

  Every line names its item explicitly; lines are never matched to items
  by name. Quantities may be JSON numbers or strings and are rounded to
  three decimals.

USAGE:
  f := factory.NewTaskFactory()
  task, err := f.ParseTask(body)
  if err != nil {
      return err // errors.Is(err, ledger.ErrValidationFailed)
  }
  task, err = svc.DefineTask(ctx, task)

SEE ALSO:
  - factory/xlsx.go: batch receipt import, report export
  - ledger/task.go: state machine and definition checks
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/warp/lot-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TaskJSON is the JSON representation of a task definition.
type TaskJSON struct {
	ID    string     `json:"id" validate:"required,max=128"`
	Name  string     `json:"name" validate:"max=256"`
	Lines []LineJSON `json:"lines" validate:"required,min=1,unique=ID,dive"`
}

// LineJSON is one requirement line.
type LineJSON struct {
	ID       string          `json:"id" validate:"required,max=128"`
	ItemID   string          `json:"item_id" validate:"required,max=128"`
	Name     string          `json:"name" validate:"max=256"`
	Required ledger.Quantity `json:"required" validate:"gt=0"`
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator. Quantity fields validate as numbers.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
			if q, ok := v.Interface().(ledger.Quantity); ok {
				return q.InexactFloat64()
			}
			return nil
		}, ledger.Quantity{})
	})
	return validate
}

// Validate checks v's validate tags. The first failing field is returned
// as a *ledger.ValidationError.
func Validate(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ledger.ValidationError{Field: fieldPath(fe.Namespace()), Reason: describe(fe)}
	}
	return fmt.Errorf("%w: %v", ledger.ErrValidationFailed, err)
}

// FieldErrors lists every failing field, keyed by path.
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fieldPath(fe.Namespace())] = describe(fe)
	}
	return out
}

// fieldPath drops the root struct name: "TaskJSON.lines[0].id" -> "lines[0].id".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "unique":
		return "must not repeat " + strings.ToLower(fe.Param())
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// =============================================================================
// TASK FACTORY
// =============================================================================

// TaskFactory converts JSON task definitions to ledger tasks.
type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

// ParseTask parses and validates one task definition.
func (f *TaskFactory) ParseTask(data []byte) (ledger.Task, error) {
	var tj TaskJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return ledger.Task{}, fmt.Errorf("%w: failed to parse task JSON: %v", ledger.ErrValidationFailed, err)
	}
	return f.FromJSON(tj)
}

// ParseTasks parses a JSON array of task definitions.
func (f *TaskFactory) ParseTasks(data []byte) ([]ledger.Task, error) {
	var tjs []TaskJSON
	if err := json.Unmarshal(data, &tjs); err != nil {
		return nil, fmt.Errorf("%w: failed to parse task JSON: %v", ledger.ErrValidationFailed, err)
	}
	tasks := make([]ledger.Task, 0, len(tjs))
	for i, tj := range tjs {
		t, err := f.FromJSON(tj)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// FromJSON converts a TaskJSON to a ledger.Task in the planned state.
func (f *TaskFactory) FromJSON(tj TaskJSON) (ledger.Task, error) {
	if err := Validate(tj); err != nil {
		return ledger.Task{}, err
	}
	task := ledger.Task{
		ID:     ledger.TaskID(tj.ID),
		Name:   tj.Name,
		Status: ledger.TaskPlanned,
	}
	for _, lj := range tj.Lines {
		name := lj.Name
		if name == "" {
			name = lj.ID
		}
		task.Requirements = append(task.Requirements, ledger.RequirementLine{
			ID:       ledger.LineID(lj.ID),
			ItemID:   ledger.ItemID(lj.ItemID),
			Name:     name,
			Required: lj.Required,
		})
	}
	return task, nil
}

// ToJSON is the inverse of FromJSON.
func ToJSON(t ledger.Task) TaskJSON {
	tj := TaskJSON{ID: string(t.ID), Name: t.Name}
	for _, l := range t.Requirements {
		tj.Lines = append(tj.Lines, LineJSON{
			ID:       string(l.ID),
			ItemID:   string(l.ItemID),
			Name:     l.Name,
			Required: l.Required,
		})
	}
	return tj
}
