package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/supervisor"
)

// Supervisor is the set of operations the control socket exposes.
type Supervisor interface {
	List(ctx context.Context) ([]supervisor.Status, error)
	Start(ctx context.Context, name string) (int, error)
	Stop(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Restart(ctx context.Context, name string, force bool) (int, error)
	PID(name string) (int, error)
	Info(ctx context.Context, name string) (supervisor.ProcessInfo, error)

	StartAll(ctx context.Context) supervisor.BulkResult
	StartWhitelist(ctx context.Context) supervisor.BulkResult
	StopAll(ctx context.Context) supervisor.BulkResult
	KillAll(ctx context.Context) supervisor.BulkResult
	PauseAll(ctx context.Context) supervisor.BulkResult
	UnpauseAll(ctx context.Context) supervisor.BulkResult

	AddToList(ctx context.Context, list, name string) error
	RemoveFromList(ctx context.Context, list, name string) error
}

var _ Supervisor = (*supervisor.Supervisor)(nil)

// ListHeader is the header of both tables returned by list.
// An inprocess plugin shares the agent's pid.
var ListHeader = []string{"plugin", "pid", "active", "signal", "whitelist", "blacklist", "hosting"}

const defaultEventLimit = 20

type command struct {
	args        string
	description string
	// arity is the exact argument count, or -1 for a variable count.
	arity int
	run   func(ctx context.Context, args []string) *Response
}

// Handler executes control commands against a Supervisor.
type Handler struct {
	sup      Supervisor
	events   *observability.EventStream
	logger   *zap.Logger
	commands map[string]command
}

// NewHandler creates a Handler. events may be nil, in which case the events
// command reports an error.
func NewHandler(sup Supervisor, events *observability.EventStream, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{sup: sup, events: events, logger: logger}
	h.commands = map[string]command{
		"help":           {"", "list the available commands", 0, h.help},
		"list":           {"", "list plugins with their state", 0, h.list},
		"start":          {"<plugin>", "start a plugin", 1, h.single(h.start)},
		"stop":           {"<plugin>", "ask a plugin to stop", 1, h.single(h.stop)},
		"kill":           {"<plugin>", "terminate a plugin, forcibly if needed", 1, h.single(h.kill)},
		"pause":          {"<plugin>", "pause a plugin", 1, h.single(h.pause)},
		"unpause":        {"<plugin>", "resume a paused plugin", 1, h.single(h.unpause)},
		"restart":        {"<plugin> [force]", "stop, or kill with force, then start a plugin", -1, h.restart},
		"get_pid":        {"<plugin>", "print the pid of a plugin", 1, h.single(h.pid)},
		"info":           {"<plugin>", "print resource usage of a plugin", 1, h.single(h.info)},
		"startall":       {"", "start every plugin not on the blacklist", 0, h.bulk(Supervisor.StartAll)},
		"startwhitelist": {"", "start every whitelisted plugin", 0, h.bulk(Supervisor.StartWhitelist)},
		"stopall":        {"", "stop every running user plugin", 0, h.bulk(Supervisor.StopAll)},
		"killall":        {"", "kill every running user plugin", 0, h.bulk(Supervisor.KillAll)},
		"pauseall":       {"", "pause every running user plugin", 0, h.bulk(Supervisor.PauseAll)},
		"unpauseall":     {"", "resume every paused user plugin", 0, h.bulk(Supervisor.UnpauseAll)},
		"blacklist":      {"add|rm <plugin>", "edit the blacklist", 2, h.editList(supervisor.ListBlack)},
		"whitelist":      {"add|rm <plugin>", "edit the whitelist", 2, h.editList(supervisor.ListWhite)},
		"events":         {"[limit]", "show recent audit events", -1, h.recentEvents},
	}
	return h
}

// Execute runs one command line.
func (h *Handler) Execute(ctx context.Context, line string) *Response {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return failure("empty command")
	}
	name, args := fields[0], fields[1:]
	cmd, ok := h.commands[name]
	if !ok {
		observability.ControlCommandsTotal.WithLabelValues("unknown", StatusError).Inc()
		return failure("command %s is unknown", name)
	}
	if cmd.arity >= 0 && len(args) != cmd.arity {
		observability.ControlCommandsTotal.WithLabelValues(name, StatusError).Inc()
		return failure("%s", strings.TrimSpace("usage: "+name+" "+cmd.args))
	}

	ctx = observability.WithRequestID(ctx, observability.GenerateRequestID())
	h.logger.Debug("Executing control command",
		zap.String("command", name),
		zap.Strings("args", args),
		zap.String("request_id", observability.GetRequestID(ctx)),
	)
	resp := cmd.run(ctx, args)
	observability.ControlCommandsTotal.WithLabelValues(name, resp.Status).Inc()
	return resp
}

func (h *Handler) help(context.Context, []string) *Response {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([][]any, 0, len(names))
	for _, name := range names {
		c := h.commands[name]
		data = append(data, []any{name, c.args, c.description})
	}
	return tables(table("help overview", []string{"command", "arguments", "description"}, data))
}

func (h *Handler) list(ctx context.Context, _ []string) *Response {
	statuses, err := h.sup.List(ctx)
	if err != nil {
		return failure("%v", err)
	}
	var system, user [][]any
	for _, st := range statuses {
		pid := ""
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
		}
		signal := ""
		if st.HasSignal {
			signal = st.Signal.String()
		}
		row := []any{st.Name, pid, st.Active, signal, st.Whitelisted, st.Blacklisted, st.Hosting.String()}
		if st.System {
			system = append(system, row)
		} else {
			user = append(user, row)
		}
	}
	return tables(
		table("System plugins", ListHeader, system),
		table("User plugins", ListHeader, user),
	)
}

// single adapts a one-plugin operation.
func (h *Handler) single(fn func(ctx context.Context, name string) *Response) func(context.Context, []string) *Response {
	return func(ctx context.Context, args []string) *Response {
		return fn(ctx, args[0])
	}
}

func (h *Handler) start(ctx context.Context, name string) *Response {
	pid, err := h.sup.Start(ctx, name)
	if err != nil {
		if errors.Is(err, supervisor.ErrBlacklisted) {
			return failure("Cannot start plugin %s because it is blacklisted.", name)
		}
		return failure("%v", err)
	}
	return success("Plugin %s started with pid %d", name, pid)
}

func (h *Handler) stop(ctx context.Context, name string) *Response {
	if err := h.sup.Stop(ctx, name); err != nil {
		return failure("%v", err)
	}
	return success("Plugin %s stopped", name)
}

func (h *Handler) kill(ctx context.Context, name string) *Response {
	if err := h.sup.Kill(ctx, name); err != nil {
		return failure("%v", err)
	}
	return success("Plugin %s killed", name)
}

func (h *Handler) pause(ctx context.Context, name string) *Response {
	if err := h.sup.Pause(ctx, name); err != nil {
		return failure("%v", err)
	}
	return success("Plugin %s paused", name)
}

func (h *Handler) unpause(ctx context.Context, name string) *Response {
	if err := h.sup.Resume(ctx, name); err != nil {
		return failure("%v", err)
	}
	return success("Plugin %s resumed", name)
}

func (h *Handler) restart(ctx context.Context, args []string) *Response {
	if len(args) < 1 || len(args) > 2 || (len(args) == 2 && args[1] != "force") {
		return failure("usage: restart <plugin> [force]")
	}
	force := len(args) == 2
	pid, err := h.sup.Restart(ctx, args[0], force)
	if err != nil {
		return failure("%v", err)
	}
	return success("Plugin %s restarted with pid %d", args[0], pid)
}

func (h *Handler) pid(_ context.Context, name string) *Response {
	pid, err := h.sup.PID(name)
	if err != nil {
		return failure("%v", err)
	}
	return success("%d", pid)
}

func (h *Handler) info(ctx context.Context, name string) *Response {
	info, err := h.sup.Info(ctx, name)
	if err != nil {
		return failure("%v", err)
	}
	if !info.Alive {
		return success("Plugin %s (pid %d) is not alive", name, info.PID)
	}
	return success("Plugin %s: pid %d, memory %.2f%%, cpu %.2f%%, rss %d bytes, threads %d",
		name, info.PID, info.MemoryPercent, info.CPUPercent, info.RSSBytes, info.NumThreads)
}

func (h *Handler) bulk(fn func(Supervisor, context.Context) supervisor.BulkResult) func(context.Context, []string) *Response {
	return func(ctx context.Context, _ []string) *Response {
		res := fn(h.sup, ctx)
		if res.OK() {
			return success("%s: %d plugins processed", res.Op, res.Total)
		}
		return failure("%s: failed for %d of %d plugins: %s",
			res.Op, res.Failed, res.Total, strings.Join(res.Failures(), ", "))
	}
}

func (h *Handler) editList(list string) func(context.Context, []string) *Response {
	return func(ctx context.Context, args []string) *Response {
		action, name := args[0], args[1]
		var err error
		switch action {
		case "add":
			err = h.sup.AddToList(ctx, list, name)
		case "rm":
			err = h.sup.RemoveFromList(ctx, list, name)
		default:
			return failure("usage: %s add|rm <plugin>", list)
		}
		if err != nil {
			return failure("%v", err)
		}
		if action == "add" {
			return success("Added %s to the %s", name, list)
		}
		return success("Removed %s from the %s", name, list)
	}
}

func (h *Handler) recentEvents(_ context.Context, args []string) *Response {
	if h.events == nil {
		return failure("event stream is disabled")
	}
	limit := defaultEventLimit
	if len(args) > 1 {
		return failure("usage: events [limit]")
	}
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return failure("invalid limit %q", args[0])
		}
		limit = n
	}

	events := h.events.GetEvents(observability.EventFilter{Limit: limit})
	data := make([][]any, 0, len(events))
	for _, e := range events {
		data = append(data, []any{
			e.Timestamp.Format(time.RFC3339),
			string(e.Type),
			string(e.Severity),
			e.ResourceID,
			e.Description,
		})
	}
	return tables(table(fmt.Sprintf("Last %d events", len(data)),
		[]string{"time", "type", "severity", "resource", "description"}, data))
}
