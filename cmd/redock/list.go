package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/sandbox"
)

var headerStyle = lipgloss.NewStyle().Bold(true)

func listCmd() *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ps", "ls"},
		Short:   "List known sandboxes",
		Long: `List the sandboxes redock knows about. Each one is re-inspected against
the engine first unless --cached is given; when the engine cannot be
reached the last recorded state is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				records := a.mgr.List()
				if !cached {
					records = refresh(ctx, a.mgr, records)
				}
				if jsonOutput() {
					return writeJSON(logging.Stdout, records)
				}
				return writeTable(logging.Stdout, records, time.Now(), interactive())
			})
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "Show recorded state without asking the engine")
	return cmd
}

type statusSource interface {
	Status(ctx context.Context, addr address.Address) (*sandbox.Record, error)
}

// refresh re-inspects every record. Records whose sandbox no longer
// exists are dropped.
func refresh(ctx context.Context, src statusSource, records []sandbox.Record) []sandbox.Record {
	out := make([]sandbox.Record, 0, len(records))
	for _, rec := range records {
		fresh, err := src.Status(ctx, rec.Address)
		if err != nil {
			if errors.IsKind(err, errors.KindEngineUnavailable) {
				logging.UserWarning("engine unavailable, showing recorded state")
				return records
			}
			logging.Warn("status failed", "address", rec.Address.String(), "error", err)
			out = append(out, rec)
			continue
		}
		if fresh.State == sandbox.StateAbsent {
			continue
		}
		out = append(out, *fresh)
	}
	return out
}

type listEntry struct {
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Alias     string    `json:"alias"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Container string    `json:"container,omitempty"`
	Image     string    `json:"image,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func entryFor(rec sandbox.Record) listEntry {
	e := listEntry{
		Address:   rec.Address.String(),
		State:     string(rec.State),
		Alias:     rec.Alias(),
		Container: string(rec.ContainerHandle),
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Endpoint != nil {
		e.Endpoint = fmt.Sprintf("%s:%d", rec.Endpoint.Host, rec.Endpoint.Port)
	}
	if rec.ImageHandle != "" {
		e.Image = rec.Address.ImageRef()
	}
	return e
}

func writeJSON(w io.Writer, records []sandbox.Record) error {
	entries := make([]listEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entryFor(rec))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeTable(w io.Writer, records []sandbox.Record, now time.Time, styled bool) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No sandboxes. Start one with 'redock start NAME'.")
		return err
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tALIAS\tENDPOINT\tCONTAINER\tIMAGE\tUPDATED")
	for _, rec := range records {
		e := entryFor(rec)
		updated := "-"
		if !rec.UpdatedAt.IsZero() {
			updated = humanize.RelTime(rec.UpdatedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Address, e.State, e.Alias,
			dash(e.Endpoint), dash(engine.Short(rec.ContainerHandle)), dash(e.Image), updated)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	header, rest, _ := strings.Cut(buf.String(), "\n")
	if styled {
		header = headerStyle.Render(header)
	}
	_, err := fmt.Fprint(w, header+"\n"+rest)
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
