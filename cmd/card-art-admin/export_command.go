package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/fpang/card-art-studio/internal/store"
)

// snapshot is the exported form of the whole cache.
type snapshot struct {
	ExportedAt time.Time                              `json:"exportedAt"`
	Kinds      map[store.Kind]map[string]store.Record `json:"kinds"`
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every cache record to a zstd-compressed JSON snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			snap := takeSnapshot(st, time.Now())

			if outPath == "-" {
				return writeSnapshot(cmd.OutOrStdout(), snap)
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			if err := writeSnapshot(f, snap); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", outPath, err)
			}

			total := 0
			for _, recs := range snap.Kinds {
				total += len(recs)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", total, outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "card-art-cache.json.zst", "Output file, or - for stdout")
	return cmd
}

func takeSnapshot(st *store.Store, now time.Time) snapshot {
	snap := snapshot{
		ExportedAt: now.UTC(),
		Kinds:      make(map[store.Kind]map[string]store.Record, len(store.Kinds)),
	}
	for _, kind := range store.Kinds {
		snap.Kinds[kind] = st.ListAll(kind)
	}
	return snap
}

func writeSnapshot(w io.Writer, snap snapshot) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush zstd writer: %w", err)
	}
	return nil
}
