package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// preCommandMarker is the last line of output when the pre-command failed
const preCommandMarker = "conductor: pre-command failed"

type commandSpec struct {
	Binary       string
	PreCommand   string
	PlaybookPath string
	Variables    map[string]any
	PasswordPath string
	SecretsPath  string
}

// buildCommand renders the single shell script run for a job. The
// pre-command runs in the same shell so environment changes it makes
// (an activated virtualenv, for example) reach the playbook. Any failing
// command in it stops the script before the playbook and prints
// preCommandMarker on the way out.
func buildCommand(spec commandSpec) (string, error) {
	vars := spec.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	encoded, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("failed to encode variables: %w", err)
	}

	var b strings.Builder
	if pre := strings.TrimSpace(spec.PreCommand); pre != "" {
		fmt.Fprintf(&b, "trap 'echo \"%s\" >&2' EXIT\nset -e\n%s\nset +e\ntrap - EXIT\n", preCommandMarker, pre)
	}
	fmt.Fprintf(&b, "%s %s --extra-vars %s", spec.Binary, shellQuote(spec.PlaybookPath), shellQuote(string(encoded)))
	if spec.PasswordPath != "" {
		fmt.Fprintf(&b, " --vault-password-file %s", shellQuote(spec.PasswordPath))
	}
	if spec.SecretsPath != "" {
		fmt.Fprintf(&b, " --extra-vars %s", shellQuote("@"+spec.SecretsPath))
	}
	return b.String(), nil
}

func removeCommand(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return "rm -f " + strings.Join(quoted, " ")
}

// orphanRemoveCommand matches every file a run may have uploaded under dir
func orphanRemoveCommand(dir string, runID uuid.UUID) string {
	return fmt.Sprintf("rm -f -- %s/conductor-*-%s*", shellQuote(dir), runID)
}

// shellQuote wraps s in single quotes for a POSIX shell
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
