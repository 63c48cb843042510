package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"wsync-go/internal/changeset"
	"wsync-go/internal/wsync"
)

var (
	dirStyle     = lipgloss.NewStyle().Bold(true)
	createdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	updatedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	deletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Strikethrough(true)
	movedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	syncedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

var changeMarkers = map[changeset.Action]string{
	changeset.ActionCreated: "+",
	changeset.ActionUpdated: "~",
	changeset.ActionDeleted: "-",
	changeset.ActionMoved:   ">",
}

func actionStyle(a changeset.Action) lipgloss.Style {
	switch a {
	case changeset.ActionCreated:
		return createdStyle
	case changeset.ActionUpdated:
		return updatedStyle
	case changeset.ActionDeleted:
		return deletedStyle
	case changeset.ActionMoved:
		return movedStyle
	}
	return lipgloss.NewStyle()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case wsync.StatusSuccess:
		return syncedStyle
	case wsync.StatusPending, wsync.StatusRunning:
		return pendingStyle
	case wsync.StatusError:
		return deletedStyle.Strikethrough(false)
	}
	return lipgloss.NewStyle()
}

// renderTree prints nodes as an indented tree. With changes set, each
// changed node gets a marker and unchanged leaves are dimmed.
func renderTree(w io.Writer, nodes []*changeset.Node, changes bool) {
	var walk func(nodes []*changeset.Node, depth int)
	walk = func(nodes []*changeset.Node, depth int) {
		for _, n := range nodes {
			fmt.Fprintln(w, treeLine(n, depth, changes))
			walk(n.Children, depth+1)
		}
	}
	walk(nodes, 0)
}

func treeLine(n *changeset.Node, depth int, changes bool) string {
	indent := strings.Repeat("  ", depth)
	name := n.Name
	if n.IsDir() {
		name = dirStyle.Render(name + "/")
	}
	if !changes {
		return indent + name
	}
	if n.Changes == nil {
		return indent + "  " + dimStyle.Render(n.Name)
	}

	style := actionStyle(n.Changes.Action)
	line := indent + style.Render(changeMarkers[n.Changes.Action]) + " " + name
	if p := n.Changes.Path; p != nil && p.Old != "" && p.Old != p.New {
		line += dimStyle.Render(" (from " + p.Old + ")")
	}
	if len(n.Changes.Metadata) > 0 {
		line += dimStyle.Render(" [metadata: " + strconv.Itoa(len(n.Changes.Metadata)) + "]")
	}
	return line
}

func hasChanges(nodes []*changeset.Node) bool {
	for _, n := range nodes {
		if n.Changes != nil || hasChanges(n.Children) {
			return true
		}
	}
	return false
}

// parseMetadata turns KEY=VALUE arguments into metadata fields. Numbers
// and booleans keep their type and an empty value removes the key.
func parseMetadata(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata must be KEY=VALUE, got %q", arg)
		}
		switch {
		case value == "":
			fields[key] = nil
		case value == "true" || value == "false":
			fields[key] = value == "true"
		default:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				fields[key] = f
			} else {
				fields[key] = value
			}
		}
	}
	return fields, nil
}
