// Package utils provides utility functions for conductor CLI commands.
package utils

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"

	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/domain"
)

// HandleCommandError provides consistent error handling for CLI commands
func HandleCommandError(operation string, err error, context ...any) {
	slog.Error("Command failed", append([]any{"operation", operation, "error", err}, context...)...)
	fmt.Fprint(os.Stderr, output.PrintMessage(output.Error, "Error: %s failed: %v", operation, err))
	os.Exit(1)
}

// ParseID parses a command argument that must be a UUID
func ParseID(kind, input string) (uuid.UUID, error) {
	id, err := uuid.Parse(input)
	if err != nil {
		slog.Warn("Invalid UUID provided", "kind", kind, "input", input)
		return uuid.Nil, fmt.Errorf("invalid %s ID '%s': must be a valid UUID", kind, input)
	}
	return id, nil
}

// ParseVariables turns repeated key=value flags into a submission payload.
// Values stay strings; the form schema coerces them.
func ParseVariables(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q: expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// CLIActor identifies the local operator. Shell access to the data directory implies admin rights.
func CLIActor() domain.Actor {
	name := "cli"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = "cli:" + u.Username
	}
	return domain.Actor{Username: name, Role: domain.RoleAdmin}
}
