package main

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/card-art-studio/internal/store"
)

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Key     string         `json:"key"`
	Current *store.Record  `json:"current,omitempty"`
	History []historyEntry `json:"history"`
}

type historyEntry struct {
	StorageKey string       `json:"storageKey"`
	Record     store.Record `json:"record"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <key>",
		Short: "Show the current art record and stored versions for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			report := buildStatusReport(st.ListAll(store.KindArt), args[0])

			if ctx.jsonOutput {
				return writeJSON(cmd, report)
			}

			out := cmd.OutOrStdout()
			if report.Current == nil && len(report.History) == 0 {
				fmt.Fprintf(out, "No art recorded for %s\n", report.Key)
				return nil
			}
			if cur := report.Current; cur != nil {
				fmt.Fprintf(out, "Key:      %s\n", report.Key)
				fmt.Fprintf(out, "Status:   %s (%d%%)\n", cur.Status, cur.ProgressPercent)
				fmt.Fprintf(out, "Version:  %d\n", cur.Version)
				if cur.URL != "" {
					fmt.Fprintf(out, "URL:      %s\n", cur.URL)
				}
				if cur.Backend != "" {
					fmt.Fprintf(out, "Backend:  %s\n", cur.Backend)
				}
				if cur.TaskID != "" {
					fmt.Fprintf(out, "Job:      %s\n", cur.TaskID)
				}
				if cur.IsFallback {
					fmt.Fprintln(out, "Fallback: yes")
				}
				if cur.ErrorMessage != "" {
					fmt.Fprintf(out, "Error:    %s\n", cur.ErrorMessage)
				}
			}
			if len(report.History) == 0 {
				return nil
			}

			rows := make([][]string, 0, len(report.History))
			for _, h := range report.History {
				ref := h.Record.Ref
				variantCol := ""
				if ref.VariantIndex > 0 {
					variantCol = strconv.Itoa(ref.VariantIndex)
				}
				rows = append(rows, []string{
					strconv.Itoa(ref.Version),
					variantCol,
					formatTime(h.Record.CreatedAt),
					h.Record.Backend,
					h.Record.URL,
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Version", "Variant", "Created", "Backend", "URL"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

// buildStatusReport collects the bare record for key and every versioned
// entry derived from it, oldest version first.
func buildStatusReport(records map[string]store.Record, key string) statusReport {
	report := statusReport{Key: key, History: []historyEntry{}}
	for storageKey, rec := range records {
		if storageKey == key {
			cur := rec
			report.Current = &cur
			continue
		}
		ref := rec.Ref
		if ref.Timestamp == 0 {
			ref = store.ParseCompositeKey(storageKey)
		}
		if ref.BaseKey != key || ref.Timestamp == 0 {
			continue
		}
		rec.Ref = ref
		report.History = append(report.History, historyEntry{StorageKey: storageKey, Record: rec})
	}
	slices.SortFunc(report.History, func(a, b historyEntry) int {
		ra, rb := a.Record.Ref, b.Record.Ref
		return cmp.Or(
			cmp.Compare(ra.Version, rb.Version),
			cmp.Compare(ra.Timestamp, rb.Timestamp),
			cmp.Compare(ra.VariantIndex, rb.VariantIndex),
		)
	})
	return report
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}
