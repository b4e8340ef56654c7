// Package cli implements the interactive operator console of querycache.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/querycache/internal/cache"
	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/db"
	"github.com/energizer-project/querycache/internal/events"
)

// RulesCache is the cache view the console works with.
type RulesCache interface {
	Get(ctx context.Context, addr string) (*cache.Entry, error)
	Refresh(ctx context.Context, addr string) (*cache.Entry, error)
	Invalidate(addr string) bool
	Purge()
	Stats() cache.Stats
}

// History is the snapshot store view the console reads.
type History interface {
	ListSnapshots(ctx context.Context, addr string, limit int) ([]db.Snapshot, error)
}

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	cache    RulesCache
	history  History
	in       io.Reader
	out      io.Writer
	onQuit   func()
}

// NewCLI creates a console reading commands from in and writing to out.
// history and eventBus may be nil; onQuit is called when the operator quits.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, rules RulesCache, history History,
	in io.Reader, out io.Writer, onQuit func()) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		cache:    rules,
		history:  history,
		in:       in,
		out:      out,
		onQuit:   onQuit,
	}
}

// Start runs the command loop until ctx is cancelled, input ends or the operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nquerycache console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "querycache> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// Execute runs a single command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "rules", "r":
		return c.cmdRules(ctx, args)
	case "mods", "m":
		return c.cmdMods(ctx, args)
	case "history":
		return c.cmdHistory(ctx, args)
	case "stats":
		c.cmdStats()
	case "targets":
		c.cmdTargets()
	case "flush":
		return c.cmdFlush(args)
	case "set":
		return c.cmdSet(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down querycache...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		if c.onQuit != nil {
			c.onQuit()
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := c.table("Command", "Description")
	tw.AppendBulk([][]string{
		{"rules <addr> [refresh]", "Show the decoded rules of a server"},
		{"mods <addr> [refresh]", "Show the mod list of a server"},
		{"history <addr> [n]", "List the last n snapshots of a server"},
		{"stats", "Show cache counters"},
		{"targets", "List polled servers"},
		{"flush <addr>|all", "Evict a server or everything from the cache"},
		{"set <section.key> <value>", "Update and save a configuration value"},
		{"quit", "Shut down querycache"},
		{"help", "Show this help message"},
	})
	tw.Render()
}

func (c *CLI) table(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) fetch(ctx context.Context, args []string) (*cache.Entry, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("server address required")
	}
	if len(args) > 1 && args[1] == "refresh" {
		return c.cache.Refresh(ctx, args[0])
	}
	return c.cache.Get(ctx, args[0])
}

func (c *CLI) cmdRules(ctx context.Context, args []string) error {
	entry, err := c.fetch(ctx, args)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\n  %s  fetched %s ago, %d rules\n",
		entry.Address, entry.Age().Truncate(time.Millisecond), len(entry.Reply.Rules))

	tw := c.table("#", "Name", "Value")
	for i, r := range entry.Reply.Rules {
		tw.Append([]string{strconv.Itoa(i + 1), r.Name, r.Value})
	}
	tw.Render()

	if entry.Reply.HasModRecord {
		fmt.Fprintf(c.out, "  %d mods in manifest (see 'mods %s')\n", len(entry.Reply.Mods), args[0])
	}
	return nil
}

func (c *CLI) cmdMods(ctx context.Context, args []string) error {
	entry, err := c.fetch(ctx, args)
	if err != nil {
		return err
	}
	if !entry.Reply.HasModRecord {
		fmt.Fprintf(c.out, "%s carries no mod manifest\n", entry.Address)
		return nil
	}

	tw := c.table("#", "ID", "Name")
	for i, m := range entry.Reply.Mods {
		tw.Append([]string{strconv.Itoa(i + 1), strconv.FormatUint(uint64(m.ID), 10), m.Name})
	}
	tw.Render()

	dlc := entry.Reply.DLC
	if dlc.Flags[0] != 0 || dlc.Flags[1] != 0 {
		fmt.Fprintf(c.out, "  DLC flags %d/%d values %d/%d\n",
			dlc.Flags[0], dlc.Flags[1], dlc.Values[0], dlc.Values[1])
	}
	return nil
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	if c.history == nil {
		return fmt.Errorf("history storage is disabled")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: history <addr> [n]")
	}

	limit := 10
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[1])
		}
		limit = n
	}

	snaps, err := c.history.ListSnapshots(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintf(c.out, "No snapshots recorded for %s\n", args[0])
		return nil
	}

	tw := c.table("ID", "Fetched", "Rules", "Mods", "Latency")
	for _, s := range snaps {
		tw.Append([]string{
			strconv.FormatInt(s.ID, 10),
			s.FetchedAt.Local().Format(time.DateTime),
			strconv.Itoa(s.RuleCount),
			strconv.Itoa(s.ModCount),
			fmt.Sprintf("%dms", s.LatencyMs),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdStats() {
	st := c.cache.Stats()
	tw := c.table("Entries", "Capacity", "Hits", "Misses", "Failures", "TTL")
	tw.Append([]string{
		strconv.Itoa(st.Entries),
		strconv.Itoa(st.Capacity),
		strconv.FormatUint(st.Hits, 10),
		strconv.FormatUint(st.Misses, 10),
		strconv.FormatUint(st.Failures, 10),
		fmt.Sprintf("%ds", st.TTLSec),
	})
	tw.Render()
}

func (c *CLI) cmdTargets() {
	targets := c.cfg.GetTargets()
	if len(targets.Addresses) == 0 {
		fmt.Fprintln(c.out, "No polled targets configured")
		return
	}
	tw := c.table("#", "Address")
	for i, addr := range targets.Addresses {
		tw.Append([]string{strconv.Itoa(i + 1), addr})
	}
	tw.Render()
	fmt.Fprintf(c.out, "  polled every %s\n", targets.PollInterval())
}

func (c *CLI) cmdFlush(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flush <addr>|all")
	}
	if args[0] == "all" {
		c.cache.Purge()
		fmt.Fprintln(c.out, "Cache purged")
		return nil
	}
	if c.cache.Invalidate(args[0]) {
		fmt.Fprintf(c.out, "Flushed %s\n", args[0])
	} else {
		fmt.Fprintf(c.out, "%s was not cached\n", args[0])
	}
	return nil
}

// cmdSet updates one config field. Values are parsed as JSON when possible,
// so numbers, booleans and lists work; anything else is taken as a string.
// An update that fails validation is rolled back.
func (c *CLI) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <section.key> <value>")
	}
	section, key, ok := strings.Cut(args[0], ".")
	if !ok {
		return fmt.Errorf("field must be section.key, got %q", args[0])
	}

	raw := strings.Join(args[1:], " ")
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	previous, err := c.cfg.GetField(section, key)
	if err != nil {
		return err
	}
	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}

	if result := config.Validate(c.cfg); !result.IsValid() {
		if err := c.cfg.UpdateField(section, key, previous); err != nil {
			log.Error().Err(err).Str("field", args[0]).Msg("failed to roll back config field")
		}
		return fmt.Errorf("invalid value: %s", result.Errors[0].Error())
	}

	if err := c.cfg.Save(); err != nil {
		return err
	}

	if c.eventBus != nil {
		c.eventBus.Emit(ctx, events.Event{
			Type:    events.EventConfigChanged,
			Source:  "cli",
			Payload: events.ConfigChangedPayload{Section: section, Key: key},
		})
	}
	fmt.Fprintf(c.out, "Config updated: %s = %s\n", args[0], raw)
	return nil
}
