// Command analyze_trades prints a performance report over the trade
// journal: per-symbol and per-exit-reason breakdowns, grade performance
// and tuning hints. Usage: analyze_trades [days] (default 30). Database
// settings come from the same DB_* environment the engine uses.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/database"
	"github.com/nsebot/tradeengine/internal/logging"
	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/state"
)

type symbolStats struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	TotalWins     float64
	TotalLosses   float64
	WinRate       float64
	AvgPnL        float64
}

type reasonStats struct {
	Reason   string
	Trades   int
	Wins     int
	TotalPnL float64
}

type gradeStats struct {
	Grade    string
	Trades   int
	Wins     int
	TotalPnL float64
}

func main() {
	days := 30
	if len(os.Args) > 1 {
		if n, err := strconv.Atoi(os.Args[1]); err == nil && n > 0 {
			days = n
		}
	}

	cfg := database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		Database: getEnv("DB_NAME", "tradeengine"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}

	logger := logging.New(logging.Config{Level: "warn", Output: "stderr"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("❌ Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	divider := strings.Repeat("=", 80)
	fmt.Println(divider)
	fmt.Printf("📊 TRADE JOURNAL ANALYSIS — last %d days\n", days)
	fmt.Println(divider)

	since := time.Now().AddDate(0, 0, -days)
	rows, err := db.Pool.Query(ctx, `
		SELECT symbol, pnl, exit_reason, setup_grade, is_orphaned, risk_amount, exit_price
		FROM trades
		WHERE closed_at >= $1
		ORDER BY closed_at`, since)
	if err != nil {
		fmt.Printf("❌ Failed to query trades: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	symbolMap := make(map[string]*symbolStats)
	reasonMap := make(map[string]*reasonStats)
	gradeMap := make(map[string]*gradeStats)

	var totalTrades, totalWins, totalLosses, orphans, unknownExits int
	var totalPnL, totalR float64
	var rCount int

	for rows.Next() {
		var symbol, reason, grade string
		var pnl, riskAmount, exitPrice float64
		var isOrphaned bool
		if err := rows.Scan(&symbol, &pnl, &reason, &grade, &isOrphaned, &riskAmount, &exitPrice); err != nil {
			fmt.Printf("❌ Failed to read trade row: %v\n", err)
			os.Exit(1)
		}

		totalTrades++
		totalPnL += pnl
		if isOrphaned {
			orphans++
		}
		if exitPrice == 0 {
			unknownExits++
		}
		if riskAmount > 0 && exitPrice > 0 {
			totalR += pnl / riskAmount
			rCount++
		}

		s, ok := symbolMap[symbol]
		if !ok {
			s = &symbolStats{Symbol: symbol}
			symbolMap[symbol] = s
		}
		s.TotalTrades++
		s.TotalPnL += pnl
		switch {
		case pnl > 0:
			s.WinningTrades++
			s.TotalWins += pnl
			totalWins++
		case pnl < 0:
			s.LosingTrades++
			s.TotalLosses += pnl
			totalLosses++
		}

		r, ok := reasonMap[reason]
		if !ok {
			r = &reasonStats{Reason: reason}
			reasonMap[reason] = r
		}
		r.Trades++
		r.TotalPnL += pnl
		if pnl > 0 {
			r.Wins++
		}

		if grade != "" {
			g, ok := gradeMap[grade]
			if !ok {
				g = &gradeStats{Grade: grade}
				gradeMap[grade] = g
			}
			g.Trades++
			g.TotalPnL += pnl
			if pnl > 0 {
				g.Wins++
			}
		}
	}
	if err := rows.Err(); err != nil {
		fmt.Printf("❌ Trade scan failed: %v\n", err)
		os.Exit(1)
	}

	if totalTrades == 0 {
		fmt.Println("\n❌ No journaled trades in the window")
		return
	}

	winRate := float64(totalWins) / float64(totalTrades) * 100
	fmt.Printf("\n📈 Trades: %d | Wins: %d | Losses: %d | Win rate: %.1f%%\n",
		totalTrades, totalWins, totalLosses, winRate)
	fmt.Printf("💰 Net P&L: ₹%.2f | Avg per trade: ₹%.2f\n", totalPnL, totalPnL/float64(totalTrades))
	if rCount > 0 {
		fmt.Printf("📐 Avg R multiple: %+.2f (over %d trades with known risk)\n", totalR/float64(rCount), rCount)
	}
	if orphans > 0 {
		fmt.Printf("👻 Orphan imports closed: %d\n", orphans)
	}
	if unknownExits > 0 {
		fmt.Printf("⚠️  Exits with unknown price (reconciliation ghosts): %d — P&L understated\n", unknownExits)
	}

	printSymbolTable(symbolMap)
	printReasonTable(reasonMap)
	printGradeLine(gradeMap)
	printInsights(symbolMap, reasonMap, winRate, totalTrades)
	printRecentDays(ctx, db, logger)
}

func printSymbolTable(symbolMap map[string]*symbolStats) {
	sorted := make([]*symbolStats, 0, len(symbolMap))
	for _, s := range symbolMap {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
		s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalPnL > sorted[j].TotalPnL
	})

	divider := strings.Repeat("=", 80)
	fmt.Println("\n" + divider)
	fmt.Println("📈 PERFORMANCE BY SYMBOL")
	fmt.Println(divider)

	fmt.Println("┌──────────────┬────────┬─────────┬─────────┬──────────────┬──────────────┬──────────┐")
	fmt.Println("│ Symbol       │ Trades │ Winners │ Losers  │ Total P&L    │ Avg P&L      │ Win Rate │")
	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")

	for _, s := range sorted {
		emoji := "🟢"
		if s.TotalPnL < 0 {
			emoji = "🔴"
		}
		fmt.Printf("│ %s %-10s │ %6d │ %7d │ %7d │ %+12.2f │ %+12.2f │ %7.1f%% │\n",
			emoji, truncate(s.Symbol, 10),
			s.TotalTrades, s.WinningTrades, s.LosingTrades,
			s.TotalPnL, s.AvgPnL, s.WinRate)
	}
	fmt.Println("└──────────────┴────────┴─────────┴─────────┴──────────────┴──────────────┴──────────┘")
}

func printReasonTable(reasonMap map[string]*reasonStats) {
	sorted := make([]*reasonStats, 0, len(reasonMap))
	for _, r := range reasonMap {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Trades > sorted[j].Trades
	})

	divider := strings.Repeat("=", 80)
	fmt.Println("\n" + divider)
	fmt.Println("🚪 EXITS BY REASON")
	fmt.Println(divider)

	for _, r := range sorted {
		winRate := 0.0
		if r.Trades > 0 {
			winRate = float64(r.Wins) / float64(r.Trades) * 100
		}
		fmt.Printf("   %-24s %4d trades │ P&L %+10.2f │ %5.1f%% profitable\n",
			r.Reason, r.Trades, r.TotalPnL, winRate)
	}
}

func printGradeLine(gradeMap map[string]*gradeStats) {
	if len(gradeMap) == 0 {
		return
	}
	sorted := make([]*gradeStats, 0, len(gradeMap))
	for _, g := range gradeMap {
		sorted = append(sorted, g)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Grade < sorted[j].Grade
	})

	fmt.Println("\n🎓 SETUP GRADES")
	for _, g := range sorted {
		winRate := float64(g.Wins) / float64(g.Trades) * 100
		fmt.Printf("   %-8s %4d trades │ P&L %+10.2f │ %5.1f%% win rate\n",
			g.Grade, g.Trades, g.TotalPnL, winRate)
	}
}

func printInsights(symbolMap map[string]*symbolStats, reasonMap map[string]*reasonStats, winRate float64, totalTrades int) {
	divider := strings.Repeat("=", 80)
	fmt.Println("\n" + divider)
	fmt.Println("💡 INSIGHTS")
	fmt.Println(divider)

	if winRate < 50 {
		fmt.Printf("\n   ⚠️  Win rate %.1f%% is below 50%% — review entry conditions before sizing up\n", winRate)
	} else {
		fmt.Printf("\n   ✅ Win rate %.1f%%\n", winRate)
	}

	if r, ok := reasonMap[state.ExitStagnation]; ok && totalTrades > 0 {
		share := float64(r.Trades) / float64(totalTrades) * 100
		if share > 40 {
			fmt.Printf("   ⏱️  %.0f%% of exits are %s — entries are going nowhere; consider a tighter setup filter\n",
				share, state.ExitStagnation)
		}
	}
	if r, ok := reasonMap[state.ExitReconciliation]; ok && r.Trades > 0 {
		fmt.Printf("   👻 %d %s closes — positions vanished at the broker outside the engine; check the order flow\n",
			r.Trades, state.ExitReconciliation)
	}

	fmt.Println("\n   🚫 BLACKLIST CANDIDATES (negative P&L, low win rate, 3+ trades):")
	blacklisted := 0
	for _, s := range symbolMap {
		if s.TotalPnL < 0 && s.WinRate < 45 && s.TotalTrades >= 3 {
			fmt.Printf("      - %s (P&L: ₹%.2f, win rate: %.1f%%, trades: %d)\n",
				s.Symbol, s.TotalPnL, s.WinRate, s.TotalTrades)
			blacklisted++
		}
	}
	if blacklisted == 0 {
		fmt.Println("      None identified")
	}
}

// printRecentDays walks back over the last five NSE trading days and
// prints the journal's daily summaries.
func printRecentDays(ctx context.Context, db *database.DB, logger zerolog.Logger) {
	journal := database.NewJournal(db, logger)

	fmt.Println("\n📅 RECENT TRADING DAYS")

	day := market.Now()
	printed := 0
	for printed < 5 {
		if ok, _ := market.IsTradingDay(day); !ok {
			day = day.AddDate(0, 0, -1)
			continue
		}
		summary, err := journal.DailySummary(ctx, market.DayKey(day))
		if err != nil {
			fmt.Printf("   %s: summary unavailable (%v)\n", market.DayKey(day), err)
		} else if summary.Trades == 0 {
			fmt.Printf("   %s: no trades\n", summary.Day)
		} else {
			fmt.Printf("   %s: %d trades │ %.1f%% wins │ P&L %+10.2f │ best %+.2f worst %+.2f\n",
				summary.Day, summary.Trades, summary.WinRate, summary.GrossPnL,
				summary.Best, summary.Worst)
		}
		printed++
		day = day.AddDate(0, 0, -1)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
