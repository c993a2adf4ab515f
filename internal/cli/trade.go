package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"terminal-trader/internal/broker"
	"terminal-trader/internal/execution"
	"terminal-trader/internal/models"
	"terminal-trader/internal/store"
	"terminal-trader/pkg/utils"
)

func newTradeCmd(app *App) *cobra.Command {
	var (
		symbol     string
		takeProfit float64
		stopLoss   float64
		showLogs   bool
	)

	cmd := &cobra.Command{
		Use:   "trade <long|short|buy|sell> [size|auto]",
		Short: "Place one market order and wait for the fill",
		Example: `  trader trade long 1 --symbol EX:ETHUSDT.P --tp 3500 --sl 3000
  trader trade sell auto`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			req, err := parseTradeArgs(args)
			if err != nil {
				return err
			}
			req.Symbol = symbol
			if takeProfit > 0 {
				req.TakeProfit = models.Float(takeProfit)
			}
			if stopLoss > 0 {
				req.StopLoss = models.Float(stopLoss)
			}
			if err := req.Validate(); err != nil {
				return err
			}

			exec, err := broker.New(app.Config, broker.Deps{
				Logger:   app.Logger,
				Audit:    app.Audit,
				Operator: operatorSignal(cmd.InOrStdin()),
			})
			if err != nil {
				return err
			}
			defer exec.Close()

			ctx := cmd.Context()
			if !output.IsJSON() {
				output.Info("Starting %s backend...", app.Config.Backend.Kind)
			}
			if err := exec.Start(ctx); err != nil {
				return fmt.Errorf("backend start failed: %w", err)
			}

			start := time.Now()
			res := exec.PlaceMarketOrder(ctx, req)
			journalTrade(ctx, app, req, res, time.Since(start), start)

			if output.IsJSON() {
				return output.JSON(res)
			}
			printResult(output, res, showLogs)
			if !res.Success {
				return fmt.Errorf("order not filled")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "instrument (default: terminal.default_symbol)")
	cmd.Flags().Float64Var(&takeProfit, "tp", 0, "take-profit price")
	cmd.Flags().Float64Var(&stopLoss, "sl", 0, "stop-loss price")
	cmd.Flags().BoolVar(&showLogs, "logs", false, "print the execution trace")
	return cmd
}

func parseTradeArgs(args []string) (models.OrderRequest, error) {
	dir, err := models.ParseDirection(args[0])
	if err != nil {
		return models.OrderRequest{}, err
	}
	req := models.OrderRequest{Direction: dir, Quantity: 1}
	if len(args) == 2 {
		if strings.EqualFold(args[1], "auto") {
			req.Quantity = models.AutoSize
		} else {
			q, err := strconv.ParseFloat(args[1], 64)
			if err != nil || q <= 0 {
				return models.OrderRequest{}, fmt.Errorf("size must be a positive number or auto, got %q", args[1])
			}
			req.Quantity = q
		}
	}
	return req, nil
}

func journalTrade(ctx context.Context, app *App, req models.OrderRequest, res models.ExecutionResult, elapsed time.Duration, at time.Time) {
	journal, err := store.NewSQLiteJournal(app.Config.Backend.JournalPath)
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Journal unavailable")
		return
	}
	defer journal.Close()

	if req.Symbol == "" {
		req.Symbol = app.Config.Terminal.DefaultSymbol
	}
	rec := models.NewExecutionRecord(uuid.NewString(), app.Config.Backend.Kind, "cli", execution.OutcomeLabel(res), req, res, elapsed, at.UTC())
	if err := journal.SaveExecution(ctx, rec); err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to journal execution")
	}
}

func printResult(output *Output, res models.ExecutionResult, showLogs bool) {
	if res.Success {
		d := res.ExecutionDetails
		output.Success("✓ %s %s filled", d.Side, d.Symbol)
		output.Field("Entry price", utils.FormatPrice(d.EntryPrice))
		output.Field("Quantity", utils.FormatQuantity(d.Quantity))
		output.Field("Margin", utils.FormatUSD(d.MarginUsed))
		if d.Fee != nil {
			output.Field("Fee", utils.FormatUSD(*d.Fee))
		}
		if d.TakeProfit != nil {
			output.Field("Take profit", utils.FormatPrice(*d.TakeProfit))
		}
		if d.StopLoss != nil {
			output.Field("Stop loss", utils.FormatPrice(*d.StopLoss))
		}
		if d.LowConfidence {
			output.Warning("! Fill seen in order history only; entry price could not be read back")
		}
	} else {
		output.Error("✗ %s", res.Error)
	}

	if showLogs || !res.Success {
		output.Println()
		for _, line := range res.ExecutionLogs {
			output.Dim("%s", line)
		}
	}
}
