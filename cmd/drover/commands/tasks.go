package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
	"github.com/droverhq/drover/task"
)

// TasksCmd groups task inspection commands.
var TasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect tasks",
	Long: `Inspect tasks in the state store.

Examples:
  drover tasks ls                      # Everything that is not terminal
  drover tasks ls --state FAILED       # Failed tasks
  drover tasks show fix-parser         # One task in full
  drover tasks show fix-parser --json  # Machine-readable`,
}

var tasksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	RunE:  runTasksLs,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var (
	tasksStateFlag string
	tasksLimitFlag int
	tasksJSONFlag  bool
)

func init() {
	tasksLsCmd.Flags().StringVar(&tasksStateFlag, "state", "", "Filter by state (QUEUED, RUNNING, REVIEW, ...)")
	tasksLsCmd.Flags().IntVar(&tasksLimitFlag, "limit", 50, "Maximum rows per state")
	tasksShowCmd.Flags().BoolVar(&tasksJSONFlag, "json", false, "Output the task as JSON")

	TasksCmd.AddCommand(tasksLsCmd)
	TasksCmd.AddCommand(tasksShowCmd)
}

func runTasksLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	events, err := event.NewLog(database, "")
	if err != nil {
		return err
	}
	tasks := task.NewStore(database, events)

	var states []task.State
	if tasksStateFlag != "" {
		state := task.State(strings.ToUpper(tasksStateFlag))
		if !task.IsValidState(string(state)) {
			return errors.Newf("unknown state %q", tasksStateFlag)
		}
		states = []task.State{state}
	} else {
		states = []task.State{task.StateQueued, task.StateRunning, task.StateReview, task.StateApproved, task.StateRejected}
	}

	rows := pterm.TableData{{"ID", "Name", "State", "Priority", "Phase", "Retries", "Model", "Age"}}
	for _, state := range states {
		list, err := tasks.List(state, tasksLimitFlag)
		if err != nil {
			return err
		}
		for _, t := range list {
			rows = append(rows, []string{
				t.ID, t.Name, string(t.State), string(t.Priority), string(t.Phase),
				fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
				t.AssignedModel,
				time.Since(t.CreatedAt).Round(time.Second).String(),
			})
		}
	}
	if len(rows) == 1 {
		pterm.Info.Println("No matching tasks")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	events, err := event.NewLog(database, "")
	if err != nil {
		return err
	}
	tasks := task.NewStore(database, events)

	t, err := tasks.Get(args[0])
	if err != nil {
		return err
	}

	if tasksJSONFlag {
		out, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal task")
		}
		fmt.Println(string(out))
		return nil
	}

	pterm.DefaultSection.Printf("Task %s", t.ID)
	printField("Name", t.Name)
	printField("State", string(t.State))
	printField("Type", string(t.Type))
	printField("Priority", string(t.Priority))
	printField("Phase", string(t.Phase))
	printField("Trace", t.TraceID)
	printField("Retries", fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries))
	printField("Worker", t.AssignedWorker)
	printField("Model", t.AssignedModel)
	printField("Shard", t.Shard)
	printField("Lane", t.Lane)
	printField("Error kind", t.ErrorKind)
	printField("Error", t.Error)
	printField("Created", t.CreatedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		printField("Completed", t.CompletedAt.Format(time.RFC3339))
	}
	if d := t.Duration(); d > 0 {
		printField("Duration", d.Round(time.Second).String())
	}

	if t.Payload != "" {
		pterm.DefaultSection.Println("Payload")
		fmt.Println(t.Payload)
	}
	if t.Feedback != "" {
		pterm.DefaultSection.Println("Review feedback")
		fmt.Println(t.Feedback)
	}
	if t.Result != "" {
		pterm.DefaultSection.Println("Result")
		fmt.Println(t.Result)
	}
	return nil
}

func printField(name, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-12s %s\n", name+":", value)
}
