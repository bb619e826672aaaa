// Command wavectl prints the persisted state of a wavebot instance.
//
//	wavectl -config config/config.yaml status
//	wavectl -config config/config.yaml intents -limit 50
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"wavebot/internal/config"
	"wavebot/internal/intent"
	"wavebot/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Symbol, cfg.InstanceID)

	args := flag.Args()
	cmd := "status"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	ctx := context.Background()
	switch cmd {
	case "status":
		st, err := store.New(stateDir)
		if err != nil {
			fatal(err.Error())
		}
		if err := printStatus(os.Stdout, st); err != nil {
			fatal(err.Error())
		}
	case "intents":
		fs := flag.NewFlagSet("intents", flag.ExitOnError)
		limit := fs.Int("limit", 20, "rows to print")
		_ = fs.Parse(args)
		journal, err := intent.OpenJournal(filepath.Join(stateDir, "intents.db"))
		if err != nil {
			fatal(err.Error())
		}
		defer journal.Close()
		if err := printIntents(ctx, os.Stdout, journal, *limit); err != nil {
			fatal(err.Error())
		}
	default:
		fatal(fmt.Sprintf("unknown command %q (want status or intents)", cmd))
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

var errNoSnapshot = errors.New("no wave snapshot yet")

func printStatus(w io.Writer, st *store.Store) error {
	snap, ok, err := st.LoadWaveSnapshot()
	if err != nil {
		return err
	}
	if !ok {
		return errNoSnapshot
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("wave_id", strconv.FormatInt(snap.WaveID, 10))
	table.Append("phase / mode", snap.Phase+" / "+snap.Mode)
	table.Append("center / gap", snap.PCenter.String()+" / "+snap.PGap.String())
	table.Append("atr", snap.ATRValue.StringFixed(2))
	table.Append("k long / short", fmt.Sprintf("%d / %d", snap.KLong, snap.KShort))
	table.Append("unit long / short", snap.UnitSeedLong.StringFixed(2)+" / "+snap.UnitSeedShort.StringFixed(2))
	table.Append("escape long / short", snap.EscapeLongStatus+" / "+snap.EscapeShortStatus)
	if snap.HedgeSide != "" {
		table.Append("hedge", snap.HedgeSide+" "+snap.HedgeSize.String())
	}
	table.Append("balance total / free", snap.TotalBalance.StringFixed(2)+" / "+snap.FreeBalance.StringFixed(2))
	table.Append("last price", snap.LastPrice.String())
	table.Append("last fill", formatTime(snap.LastFillAt))
	table.Append("paused until", formatTime(snap.PausedUntil))
	table.Append("updated", snap.UpdatedAt.UTC().Format(time.RFC3339))
	table.Append("snapshot", snap.SnapshotID)

	if status, ok, err := st.LoadRuntimeStatus(); err == nil && ok {
		table.Append("runtime", fmt.Sprintf("%s pid=%d since %s", status.State, status.PID, status.StartedAt.UTC().Format(time.RFC3339)))
		if status.LastError != "" {
			table.Append("last error", status.LastError)
		}
		if status.ReconnectAttempts > 0 {
			table.Append("reconnect attempts", strconv.Itoa(status.ReconnectAttempts))
		}
	}
	if pending, ok, err := st.LoadPendingOrders(); err == nil && ok {
		table.Append("pending maker orders", strconv.Itoa(len(pending.Orders)))
	}
	return table.Render()
}

func printIntents(ctx context.Context, w io.Writer, journal *intent.Journal, limit int) error {
	recs, err := journal.Recent(ctx, limit)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Updated", "Order", "Link", "Source", "Auth", "Tag")
	for _, rec := range recs {
		table.Append(
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.OrderID,
			rec.LinkID,
			string(rec.Source),
			strconv.FormatBool(rec.Authoritative),
			rec.Tag,
		)
	}
	return table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
