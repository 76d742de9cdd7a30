package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDispatchCmd создаёт группу команд управления circuit breaker'ом.
func NewDispatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Control the dispatch circuit breaker",
	}

	cmd.AddCommand(
		newDispatchStatusCmd(clientFn, outputFn),
		newDispatchOnCmd(clientFn, outputFn),
		newDispatchOffCmd(clientFn, outputFn),
	)

	return cmd
}

func newDispatchStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show dispatch status and restart safety",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetDispatchStatus()
			if err != nil {
				return err
			}

			headers := []string{"FIELD", "VALUE"}
			rows := [][]string{
				{"Enabled", strconv.FormatBool(status.Enabled)},
				{"Can safely restart", strconv.FormatBool(status.CanSafelyRestart)},
				{"Running steps", strconv.Itoa(status.RunningSteps)},
				{"Dispatched steps", strconv.Itoa(status.DispatchedSteps)},
			}

			out.Print(headers, rows, status)
			return nil
		},
	}
}

func newDispatchOnCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "on",
		Short: "Enable dispatching",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().EnableDispatch(); err != nil {
				return err
			}
			outputFn().Success("Dispatch enabled")
			return nil
		},
	}
}

func newDispatchOffCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "off",
		Short: "Disable dispatching (in-flight steps keep running)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DisableDispatch(); err != nil {
				return err
			}
			out.Success("Dispatch disabled")

			status, err := client.GetDispatchStatus()
			if err != nil {
				return nil
			}
			if !status.CanSafelyRestart {
				out.Success(fmt.Sprintf(
					"Waiting to drain: %d running, %d dispatched — check `dispatch status` before restarting",
					status.RunningSteps, status.DispatchedSteps,
				))
			}
			return nil
		},
	}
}
