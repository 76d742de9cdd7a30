package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewStepCmd создаёт группу команд для управления steps.
func NewStepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Manage steps",
	}

	cmd.AddCommand(
		newStepCreateCmd(clientFn, outputFn),
		newStepShowCmd(clientFn, outputFn),
		newStepCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newStepCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var args []string
	var argsJSON string
	var maxRetries int
	var resolveAction string

	cmd := &cobra.Command{
		Use:   "create ACTION",
		Short: "Create a root step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			client := clientFn()
			out := outputFn()

			stepArgs, err := parseArgs(args, argsJSON)
			if err != nil {
				return err
			}

			step, err := client.CreateStep(CreateStepRequest{
				Action:        cmdArgs[0],
				Args:          stepArgs,
				MaxRetries:    maxRetries,
				ResolveAction: resolveAction,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Step %s created in lane %s", step.ID, step.Lane))
			out.JSON(step)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&args, "arg", nil, "Step argument as key=value (repeatable)")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "Step arguments as raw JSON object")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum retry attempts")
	cmd.Flags().StringVar(&resolveAction, "resolve-action", "", "Resolution action (creates the step parked)")

	return cmd
}

func newStepShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show STEP_ID",
		Short: "Show step details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			step, err := client.GetStep(args[0])
			if err != nil {
				return err
			}

			headers := []string{"FIELD", "VALUE"}
			rows := [][]string{
				{"ID", step.ID},
				{"Action", step.Action},
				{"Status", step.Status},
				{"Lane", step.Lane},
				{"Index", strconv.Itoa(step.Index)},
				{"Retries", fmt.Sprintf("%d/%d", step.RetryCount, step.MaxRetries)},
				{"Created", step.CreatedAt},
			}
			if step.ErrorMessage != "" {
				rows = append(rows, []string{"Error", step.ErrorMessage})
			}

			out.Print(headers, rows, step)
			return nil
		},
	}
}

func newStepCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel STEP_ID",
		Short: "Cancel a step that has not started yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			step, err := client.CancelStep(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Step %s cancelled", step.ID))
			return nil
		},
	}
}

// parseArgs собирает аргументы step из key=value пар либо JSON.
func parseArgs(pairs []string, rawJSON string) (map[string]any, error) {
	if rawJSON != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(rawJSON), &args); err != nil {
			return nil, fmt.Errorf("invalid --args-json: %w", err)
		}
		return args, nil
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --arg %q, expected key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}
