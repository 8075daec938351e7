package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/instrument-index/internal/model"
	"github.com/sells-group/instrument-index/internal/registry"
)

var instrumentCmd = &cobra.Command{
	Use:   "instrument",
	Short: "Create instruments and align duplicates",
}

// -- instrument add --

var instrumentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an instrument, reusing derived fields of an existing identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("registry"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		variant, _ := cmd.Flags().GetString("variant")
		target, _ := cmd.Flags().GetString("translation")

		inst, err := registry.NewService(st).Create(ctx, model.Instrument{
			NameSource:  name,
			NameVariant: variant,
			NameTarget:  target,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(inst)
	},
}

// -- instrument propagate --

var instrumentPropagateCmd = &cobra.Command{
	Use:   "propagate <id>",
	Short: "Copy an instrument's derived fields to every record with the same identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid instrument id %q", args[0])
		}
		if err := cfg.Validate("registry"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := registry.NewService(st).PropagateToDuplicates(ctx, id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated %d duplicate(s).\n", n)
		return nil
	},
}

// -- instrument update --

var instrumentUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Correct an instrument's translation and refresh its embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid instrument id %q", args[0])
		}
		translation, _ := cmd.Flags().GetString("translation")
		propagate, _ := cmd.Flags().GetBool("propagate")
		return updateInstrument(cmd.Context(), cmd.OutOrStdout(), id, translation, propagate)
	},
}

func updateInstrument(ctx context.Context, out io.Writer, id int64, translation string, propagate bool) error {
	env, err := initEnv(ctx, "registry")
	if err != nil {
		return err
	}
	defer env.Close()

	svc := registry.NewService(env.Store, registry.WithEmbedder(env.Semantic, cfg.Embedding.Dimensions))
	inst, n, err := svc.UpdateTranslation(ctx, id, translation, propagate)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(inst); err != nil {
		return err
	}
	if propagate {
		_, _ = fmt.Fprintf(out, "Updated %d duplicate(s).\n", n)
	}
	return nil
}

func init() {
	instrumentAddCmd.Flags().String("name", "", "instrument name in the source language")
	instrumentAddCmd.Flags().String("variant", "", "model or brand qualifier")
	instrumentAddCmd.Flags().String("translation", "", "English name, when already known")
	_ = instrumentAddCmd.MarkFlagRequired("name")

	instrumentUpdateCmd.Flags().String("translation", "", "corrected English name")
	instrumentUpdateCmd.Flags().Bool("propagate", false, "copy the edit to every record with the same identity")
	_ = instrumentUpdateCmd.MarkFlagRequired("translation")

	instrumentCmd.AddCommand(instrumentAddCmd)
	instrumentCmd.AddCommand(instrumentUpdateCmd)
	instrumentCmd.AddCommand(instrumentPropagateCmd)
	rootCmd.AddCommand(instrumentCmd)
}
