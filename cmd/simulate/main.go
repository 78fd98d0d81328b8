// Package main projects PnL for a concentrated-liquidity position with
// optional stop-loss and take-profit protection across a price axis.
// The projection is offline; no chain or feed access is involved.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"lpguard/internal/simulation"
	chstore "lpguard/internal/storage/clickhouse"
	"lpguard/internal/storage/migrations"
)

func main() {
	_ = godotenv.Load()

	liquidity := flag.Float64("liquidity", 0, "Position liquidity")
	priceLower := flag.Float64("price-lower", 0, "Lower bound of the position's price range")
	priceUpper := flag.Float64("price-upper", 0, "Upper bound of the position's price range")
	entryPrice := flag.Float64("entry-price", 0, "Price the position was opened at")
	stopLoss := flag.Float64("stop-loss", 0, "Stop-loss trigger price (0 disables)")
	takeProfit := flag.Float64("take-profit", 0, "Take-profit trigger price (0 disables)")
	axisLow := flag.Float64("axis-low", 0, "Low end of the price axis (0 derives from the range)")
	axisHigh := flag.Float64("axis-high", 0, "High end of the price axis (0 derives from the range)")
	axisPoints := flag.Int("axis-points", 101, "Number of points on the price axis")
	path := flag.String("path", "", "Comma-separated price path (empty walks the axis)")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "Store the curve in ClickHouse when set")
	runID := flag.String("run-id", "", "Run id for the stored curve (default: random)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *liquidity <= 0 || *priceLower <= 0 || *priceUpper <= *priceLower {
		logger.Fatal("--liquidity and an ordered --price-lower/--price-upper are required")
	}
	if *entryPrice <= 0 {
		logger.Fatal("--entry-price is required")
	}

	params := simulation.PositionParams{
		Liquidity:  *liquidity,
		PriceLower: *priceLower,
		PriceUpper: *priceUpper,
		EntryPrice: *entryPrice,
	}
	components := []simulation.Component{&simulation.PositionComponent{Params: params}}
	if *stopLoss > 0 {
		components = append(components, &simulation.StopLossComponent{
			Position:     params,
			TriggerPrice: *stopLoss,
		})
	}
	if *takeProfit > 0 {
		components = append(components, &simulation.TakeProfitComponent{
			Position:     params,
			TriggerPrice: *takeProfit,
		})
	}

	low, high := *axisLow, *axisHigh
	if low <= 0 {
		low = *priceLower / 2
	}
	if high <= 0 {
		high = *priceUpper * 3 / 2
	}
	axis := simulation.PriceAxis(low, high, *axisPoints)

	prices := axis
	if *path != "" {
		prices, err = parsePath(*path)
		if err != nil {
			logger.Fatal("parse price path", zap.Error(err))
		}
	}

	engine, err := simulation.New(simulation.Options{
		Components: components,
		Axis:       axis,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("create engine", zap.Error(err))
	}
	result, err := engine.Run(prices)
	if err != nil {
		logger.Fatal("run projection", zap.Error(err))
	}

	final := result.Steps[len(result.Steps)-1]
	fmt.Println("price,pnl")
	for i, p := range result.Axis {
		fmt.Printf("%g,%g\n", p, final.Curve[i])
	}
	logger.Info("projection complete",
		zap.Int("steps", len(result.Steps)),
		zap.Float64("final_price", final.Price),
		zap.Float64("final_pnl", final.PnL))

	if *clickhouseDSN == "" {
		return
	}
	id := *runID
	if id == "" {
		id = uuid.NewString()
	}
	if err := storeCurve(*clickhouseDSN, id, result.Axis, final.Curve); err != nil {
		logger.Fatal("store curve", zap.Error(err))
	}
	logger.Info("curve stored", zap.String("run_id", id))
}

// parsePath parses a comma-separated price list.
func parsePath(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	prices := make([]float64, 0, len(parts))
	for _, part := range parts {
		p, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", part, err)
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// storeCurve writes the aggregate curve to the analytics store.
func storeCurve(dsn, runID string, axis, curve []float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := migrations.RunClickhouseMigrations(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	points := make([]chstore.CurvePoint, len(axis))
	for i, p := range axis {
		points[i] = chstore.CurvePoint{Price: p, PnL: curve[i]}
	}
	return chstore.NewPnLCurveStore(conn).InsertRun(ctx, runID, time.Now().UTC(), points)
}
