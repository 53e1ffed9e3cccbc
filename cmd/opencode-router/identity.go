package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/pairing"
)

func identityCmd(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage chat bot identities",
	}
	cmd.AddCommand(
		identityListCmd(configFlag),
		identityAddCmd(configFlag),
		identityRemoveCmd(configFlag),
		identityPairCodeCmd(configFlag),
	)
	return cmd
}

// editConfig loads the config file, applies fn and saves the result.
func editConfig(configFlag string, fn func(cfg *config.Config) error) error {
	path, err := resolveConfigPath(configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func identityListCmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(*configFlag)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			printIdentities(cmd.OutOrStdout(), cfg.Identities)
			return nil
		},
	}
}

func printIdentities(w io.Writer, ids []config.Identity) {
	if len(ids) == 0 {
		fmt.Fprintln(w, "no identities configured")
		return
	}
	for _, id := range ids {
		access := id.Access
		if access == "" {
			access = config.AccessPublic
		}
		var flags []string
		if !id.IsEnabled() {
			flags = append(flags, "disabled")
		}
		if id.Token == "" {
			flags = append(flags, "no token")
		}
		if id.PairingCodeHash != "" {
			flags = append(flags, "pairing code set")
		}
		if id.Directory != "" {
			flags = append(flags, "dir="+id.Directory)
		}
		fmt.Fprintf(w, "%-24s %-8s %s\n", id.Key(), access, strings.Join(flags, ", "))
	}
}

func identityAddCmd(configFlag *string) *cobra.Command {
	var in config.Identity
	var private, disabled bool
	cmd := &cobra.Command{
		Use:   "add <channel> <id>",
		Short: "Add or update an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Channel, in.ID = args[0], args[1]
			if private {
				in.Access = config.AccessPrivate
			}
			if disabled {
				off := false
				in.Enabled = &off
			}
			var saved config.Identity
			err := editConfig(*configFlag, func(cfg *config.Config) error {
				var err error
				saved, err = cfg.UpsertIdentity(in)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", saved.Key())
			if saved.IsPrivate() && saved.PairingCodeHash == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "set a pairing code with: opencode-router identity pair-code %s %s\n", saved.Channel, saved.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Token, "token", "", "bot token")
	cmd.Flags().StringVar(&in.AppToken, "app-token", "", "Slack app-level token for socket mode")
	cmd.Flags().StringVar(&in.Directory, "dir", "", "default directory, relative to the workspace root")
	cmd.Flags().BoolVar(&private, "private", false, "require a pairing code before chatting")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "save without starting")
	return cmd
}

func identityRemoveCmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <channel> <id>",
		Short: "Remove an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := editConfig(*configFlag, func(cfg *config.Config) error {
				return cfg.DeleteIdentity(args[0], args[1])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], config.NormalizeID(args[1]))
			return nil
		},
	}
}

func identityPairCodeCmd(configFlag *string) *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "pair-code <channel> <id> [code]",
		Short: "Set the pairing code for a private identity",
		Long:  "Only a hash of the code is stored. Without a code argument the code is read from the terminal, or generated with --generate.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			switch {
			case len(args) == 3:
				code = args[2]
			case generate:
				code = generateCode()
			default:
				var err error
				code, err = readCode(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}
			if pairing.Normalize(code) == "" {
				return errors.New("pairing code is empty")
			}
			err := editConfig(*configFlag, func(cfg *config.Config) error {
				existing := cfg.FindIdentity(args[0], config.NormalizeID(args[1]))
				if existing == nil {
					return fmt.Errorf("identity %s/%s not found", args[0], args[1])
				}
				in := *existing
				in.Access = config.AccessPrivate
				in.PairingCodeHash = pairing.Hash(code)
				_, err := cfg.UpsertIdentity(in)
				return err
			})
			if err != nil {
				return err
			}
			if generate {
				fmt.Fprintf(cmd.OutOrStdout(), "pairing code: %s\n", code)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s is private; users pair with /pair <code>\n", args[0], config.NormalizeID(args[1]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random code and print it")
	return cmd
}

// generateCode returns a code like "4F3A-9C1B".
func generateCode() string {
	s := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return s[:4] + "-" + s[4:8]
}

// readCode prompts without echo on a terminal and reads a line otherwise.
func readCode(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Pairing code: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read code: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
