package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/scheduler"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/store"
)

var scheduleListStatus string

var destinationsCmd = &cobra.Command{
	Use:   "destinations",
	Short: "Inspect saved destinations",
}

var destinationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	RunE:  runDestinationsList,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the dispatch queue",
	RunE:  runQueueShow,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect scheduled dispatches",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled entries",
	RunE:  runScheduleList,
}

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Show the last bulk job",
	RunE:  runBulkShow,
}

func init() {
	scheduleListCmd.Flags().StringVar(&scheduleListStatus, "status", "", "Filter by status (pending, sent, cancelled)")

	destinationsCmd.AddCommand(destinationsListCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	rootCmd.AddCommand(destinationsCmd, queueCmd, scheduleCmd, bulkCmd)
}

// openState opens the state database read-only. The running server
// holds the write lock, so these commands work while it is stopped.
func openState() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.OpenReadOnly(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state (is the server running?): %w", err)
	}
	return st, nil
}

func runDestinationsList(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	var items []destination.Destination
	if _, err := st.Load(destination.DocumentKey, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No destinations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tADDRESS\tENABLED")
	fmt.Fprintln(w, "--\t----\t----\t-------\t-------")
	for _, d := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", truncateID(d.ID), d.Name, d.Kind, d.Address, d.Enabled)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d destinations\n", len(items))
	return nil
}

// queueState mirrors the persisted queue document
type queueState struct {
	Items  []dispatch.Item `json:"items"`
	Cursor int             `json:"cursor"`
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	var q queueState
	if _, err := st.Load(dispatch.QueueDocumentKey, &q); err != nil {
		return err
	}
	if len(q.Items) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tTITLE\tSTATE")
	fmt.Fprintln(w, "-\t--\t-----\t-----")
	for i, item := range q.Items {
		state := "pending"
		if i < q.Cursor {
			state = "sent"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, truncateID(item.ID), truncate(item.Title, 40), state)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d items, %d remaining\n", len(q.Items), len(q.Items)-q.Cursor)
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	var entries []scheduler.Entry
	if _, err := st.Load(scheduler.DocumentKey, &entries); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSCHEDULED\tTITLE\tREPEAT")
	fmt.Fprintln(w, "--\t------\t---------\t-----\t------")
	shown := 0
	for _, e := range entries {
		if scheduleListStatus != "" && string(e.Status) != scheduleListStatus {
			continue
		}
		repeat := "-"
		if r := e.Recurrence; r != nil {
			repeat = fmt.Sprintf("every %d %s", r.Interval, r.Unit)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(e.ID),
			e.Status,
			e.ScheduledFor.Format("2006-01-02 15:04"),
			truncate(e.Payload.Title, 40),
			repeat,
		)
		shown++
	}
	w.Flush()
	fmt.Printf("\nTotal: %d entries\n", shown)
	return nil
}

func runBulkShow(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	var job bulk.Job
	found, err := st.Load(bulk.DocumentKey, &job)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("No bulk job")
		return nil
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Started:    %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Recipients: %d (at %d)\n", job.Stats.Total, job.Stats.CurrentIndex)
	fmt.Printf("  Sent:       %d\n", job.Stats.Sent)
	fmt.Printf("  Errors:     %d\n", job.Stats.Errors)
	switch {
	case job.Interrupted:
		fmt.Println("  State:      interrupted")
	case job.Stopped:
		fmt.Println("  State:      stopped")
	case job.Running:
		fmt.Println("  State:      running")
	default:
		fmt.Println("  State:      finished")
	}
	return nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
