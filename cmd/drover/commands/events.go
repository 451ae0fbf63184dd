package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/errors"
	"github.com/droverhq/drover/event"
)

// EventsCmd prints the audit trail.
var EventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the event log",
	Long: `Print events from the append-only audit log, newest last.

Examples:
  drover events                        # Most recent events
  drover events --task fix-parser      # One task's history
  drover events --trace 4f1c...        # Everything under one trace id
  drover events --json                 # One JSON object per line`,
	RunE: runEvents,
}

var (
	eventsTaskFlag  string
	eventsTraceFlag string
	eventsLimitFlag int
	eventsJSONFlag  bool
)

func init() {
	EventsCmd.Flags().StringVar(&eventsTaskFlag, "task", "", "Filter by task id")
	EventsCmd.Flags().StringVar(&eventsTraceFlag, "trace", "", "Filter by trace id")
	EventsCmd.Flags().IntVar(&eventsLimitFlag, "limit", 50, "Maximum events without a filter")
	EventsCmd.Flags().BoolVar(&eventsJSONFlag, "json", false, "Emit one JSON object per line")
}

func runEvents(cmd *cobra.Command, args []string) error {
	if eventsTaskFlag != "" && eventsTraceFlag != "" {
		return errors.New("use either --task or --trace, not both")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	log, err := event.NewLog(database, "")
	if err != nil {
		return err
	}

	var events []*event.Event
	switch {
	case eventsTaskFlag != "":
		events, err = log.ListByTask(eventsTaskFlag)
	case eventsTraceFlag != "":
		events, err = log.ListByTrace(eventsTraceFlag)
	default:
		events, err = log.ListRecent(eventsLimitFlag)
		// ListRecent returns newest first; flip for chronological reading.
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	if err != nil {
		return err
	}

	for _, e := range events {
		if eventsJSONFlag {
			line, err := json.Marshal(e)
			if err != nil {
				return errors.Wrap(err, "failed to marshal event")
			}
			fmt.Println(string(line))
			continue
		}
		printEvent(e)
	}
	if len(events) == 0 {
		fmt.Println("No events")
	}
	return nil
}

func printEvent(e *event.Event) {
	line := fmt.Sprintf("%s  %-20s %-12s", e.CreatedAt.Format(time.RFC3339), e.Type, e.Actor)
	if e.TaskID != "" {
		line += "  task=" + e.TaskID
	}
	if len(e.Payload) > 0 {
		if payload, err := json.Marshal(e.Payload); err == nil {
			line += "  " + string(payload)
		}
	}
	fmt.Println(line)
}
