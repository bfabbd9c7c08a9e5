package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/utils"
	"github.com/oar-cd/conductor/vault"
)

func NewCmdVaultImport() *cobra.Command {
	var file, passwordFile, description string

	cmd := &cobra.Command{
		Use:   "import NAME",
		Short: "Seal a vault file and store it",
		Long: `Seal a plaintext YAML secrets file with the vault password and store it.

The password is read from --password-file so it never appears in shell history.
Without --file the vault holds only a password, which runs can use for become.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(passwordFile)
			if err != nil {
				return err
			}

			req := vault.ImportRequest{
				Name:        args[0],
				Description: description,
				Password:    password,
			}
			if file != "" {
				secrets, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read vault file: %w", err)
				}
				req.Secrets = secrets
				req.FileName = filepath.Base(file)
			}

			v, err := app.GetVaultResolver().Import(cmd.Context(), utils.CLIActor(), req)
			if err != nil {
				return fmt.Errorf("failed to import vault: %w", err)
			}
			return output.Fprint(cmd, output.Success, "Vault %s imported (%s)", v.Name, v.ID)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Plaintext YAML secrets file")
	cmd.Flags().StringVarP(&passwordFile, "password-file", "p", "", "File holding the vault password")
	cmd.Flags().StringVar(&description, "description", "", "Vault description")
	_ = cmd.MarkFlagRequired("password-file")
	return cmd
}

// readPassword reads a password file, dropping the trailing newline editors add
func readPassword(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	password := strings.TrimRight(string(content), "\r\n")
	if password == "" {
		return "", fmt.Errorf("password file %s is empty", path)
	}
	return password, nil
}
