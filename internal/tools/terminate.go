package tools

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// TerminateName is the name of the tool that ends a run.
const TerminateName = "terminate"

// Terminate statuses.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCompleted = "completed"
)

// DefaultCompletion is returned when terminate carries no message.
const DefaultCompletion = "Task completed."

// NewTerminate returns the terminate tool. Its message argument is the
// final answer shown to the user.
func NewTerminate() *Tool {
	return &Tool{
		Name: TerminateName,
		Description: "Finish the task. Call this once you have the final answer, " +
			"passing the complete answer for the user as message.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"status": {
					Type:        jsonschema.String,
					Description: "Outcome of the task.",
					Enum:        []string{StatusSuccess, StatusFailure, StatusCompleted},
				},
				"message": {
					Type:        jsonschema.String,
					Description: "The final answer for the user.",
				},
			},
			Required: []string{"message"},
		},
		Handler: handleTerminate,
	}
}

func handleTerminate(_ context.Context, args map[string]any) (string, error) {
	status := StringArg(args, "status")
	switch status {
	case "":
		status = StatusCompleted
	case StatusSuccess, StatusFailure, StatusCompleted:
	default:
		return "", fmt.Errorf("invalid status %q (valid: success, failure, completed)", status)
	}
	args["status"] = status

	if msg := StringArg(args, "message"); msg != "" {
		return msg, nil
	}
	return DefaultCompletion, nil
}
