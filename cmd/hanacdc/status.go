package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/redbco/hana-cdc/internal/codegen"
	"github.com/redbco/hana-cdc/internal/engine"
	"github.com/redbco/hana-cdc/internal/hana"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table status and lag of the client",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		if err := checkOutput(format); err != nil {
			return err
		}
		f, log, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		eng, err := engine.Open(ctx, f.Config, log)
		if err != nil {
			return err
		}
		defer eng.Close()

		lags, err := eng.GetStatus(ctx)
		if err != nil {
			return err
		}
		return renderStatus(cmd.OutOrStdout(), format, f.ClientID, lags)
	},
}

// codegenCmd represents the codegen command
var codegenCmd = &cobra.Command{
	Use:   "codegen",
	Short: "Generate Go row models for the monitored tables",
	Long: `Introspects the monitored tables and writes one Go struct per table, with fields typed
after each column's logical kind. The generated file is not used by the engine.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		pkg, _ := cmd.Flags().GetString("package")

		f, log, err := setup()
		if err != nil {
			return err
		}
		tables, err := f.MonitoredTables()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		pool, err := openPool(ctx, f.Config, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		return writeModels(ctx, hana.NewIntrospector(pool), tables, out, pkg)
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", outputTable, "output format: table, json or yaml")

	codegenCmd.Flags().String("out", "models.go", "output file, - for stdout")
	codegenCmd.Flags().String("package", "models", "package name of the generated file")
}

type describer interface {
	Describe(ctx context.Context, tables []cdc.TableRef) (map[cdc.TableRef]*cdc.TableMeta, error)
}

// writeModels describes tables and writes their generated models to out.
func writeModels(ctx context.Context, intro describer, tables []cdc.TableRef, out, pkg string) error {
	metas, err := intro.Describe(ctx, tables)
	if err != nil {
		return err
	}
	list := make([]*cdc.TableMeta, 0, len(metas))
	for _, m := range metas {
		list = append(list, m)
	}

	src, err := codegen.Generate(list, codegen.Options{Package: pkg})
	if err != nil {
		return err
	}
	if out == "-" {
		_, err = os.Stdout.Write(src)
		return err
	}
	if err := os.WriteFile(out, src, 0o644); err != nil {
		return fmt.Errorf("write models: %w", err)
	}
	fmt.Printf("wrote %d models to %s\n", len(list), out)
	return nil
}
