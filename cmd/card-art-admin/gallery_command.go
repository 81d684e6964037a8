package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fpang/card-art-studio/internal/gallery"
)

func newGalleryCommand(ctx *commandContext) *cobra.Command {
	var (
		page   int
		limit  int
		filter string
		search string
	)

	cmd := &cobra.Command{
		Use:   "gallery",
		Short: "List generated card art the way the gallery endpoint does",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := gallery.ParseFilter(filter)
			if err != nil {
				return err
			}
			st, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			result := gallery.New(st).List(page, limit, f, search)

			if ctx.jsonOutput {
				return writeJSON(cmd, result)
			}

			out := cmd.OutOrStdout()
			if result.TotalItems == 0 {
				fmt.Fprintln(out, "No generated art")
				return nil
			}
			rows := make([][]string, 0, len(result.Items))
			for _, item := range result.Items {
				fallback := ""
				if item.IsFallback {
					fallback = "yes"
				}
				rows = append(rows, []string{
					item.Key,
					strconv.Itoa(item.Version),
					strconv.Itoa(len(item.Variants)),
					formatTime(item.CreatedAt),
					fallback,
					item.PrimaryURL,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Key", "Version", "Variants", "Created", "Fallback", "URL"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
			))
			fmt.Fprintf(out, "Page %d of %d (%d items)\n", result.Page, result.TotalPages, result.TotalItems)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&limit, "limit", gallery.DefaultLimit, "Items per page")
	cmd.Flags().StringVar(&filter, "filter", string(gallery.FilterAll), "Ordering: all, recent or popular")
	cmd.Flags().StringVar(&search, "search", "", "Only keys containing this text")
	return cmd
}
