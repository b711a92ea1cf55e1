package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/go-playground/validator/v10"
)

// Request is the body of POST /webhook.
type Request struct {
	Event         string          `json:"event" validate:"required,settlement_event"`
	EventId       string          `json:"event_id" validate:"omitempty,max=100"`
	CorrelationId string          `json:"correlation_id" validate:"omitempty,max=100"`
	Params        json.RawMessage `json:"params" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("settlement_event", func(fl validator.FieldLevel) bool {
		return isKnownEvent(fl.Field().String())
	})
	v.RegisterStructValidation(validateParamsShape, Request{})
	return v
}

func isKnownEvent(event string) bool {
	for _, e := range workflow.KnownEvents {
		if e == event {
			return true
		}
	}
	return false
}

func validateParamsShape(sl validator.StructLevel) {
	req := sl.Current().Interface().(Request)
	trimmed := bytes.TrimSpace(req.Params)
	if len(trimmed) == 0 {
		return
	}
	want := byte('{')
	if req.Event == workflow.EventNewTransactionBatch {
		want = '['
	}
	if trimmed[0] != want {
		sl.ReportError(req.Params, "params", "Params", "params_shape", req.Event)
	}
}

// validationMessage turns validator errors into one short client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "settlement_event":
			msgs = append(msgs, fmt.Sprintf("unknown event %q", fe.Value()))
		case "params_shape":
			if fe.Param() == workflow.EventNewTransactionBatch {
				msgs = append(msgs, "params must be an array")
			} else {
				msgs = append(msgs, "params must be an object")
			}
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// checkBatchElements requires every batch element to be a JSON object.
// Element ids are assigned by the consumer when the batch is expanded.
func checkBatchElements(params json.RawMessage) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(params, &elems); err != nil {
		return err
	}
	for i, raw := range elems {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			return fmt.Errorf("params[%d] must be an object", i)
		}
	}
	return nil
}
