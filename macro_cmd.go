package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pequito/sessionvault/internal/database"
	"github.com/Pequito/sessionvault/internal/macro"
)

func newMacroCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macro",
		Short: "Manage recorded macros",
	}
	cmd.AddCommand(newMacroListCmd())
	cmd.AddCommand(newMacroExportCmd())
	cmd.AddCommand(newMacroImportCmd())
	cmd.AddCommand(newMacroDeleteCmd())
	cmd.AddCommand(newMacroReplayCmd())
	return cmd
}

func newMacroListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List macros",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := database.ListMacros()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range rows {
				fmt.Fprintf(out, "%-24s %5d entries  %s\n", m.Name, m.Entries, m.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newMacroExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export NAME",
		Short: "Write a macro as YAML or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := macro.Format(format)
			if output != "" && !cmd.Flags().Changed("format") {
				f = macro.FormatFromPath(output)
			}
			rec, err := macro.NewDBStore().Get(args[0])
			if err != nil {
				return err
			}
			data, err := macro.Encode(rec, f)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "yaml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newMacroImportCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Store a macro from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rec, err := macro.Decode(data, macro.FormatFromPath(args[0]))
			if err != nil {
				return err
			}
			if name != "" {
				rec.Name = name
			}
			if err := macro.NewDBStore().Save(rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%d entries, %s)\n", rec.Name, len(rec.Entries), rec.Duration())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "store under this name instead of the file's")
	return cmd
}

func newMacroDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a macro",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return macro.NewDBStore().Delete(args[0])
		},
	}
}

func newMacroReplayCmd() *cobra.Command {
	var flags targetFlags
	var linger time.Duration
	cmd := &cobra.Command{
		Use:   "replay NAME [user@]host[:port]",
		Short: "Connect, replay a macro and print the output",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.buildConfig(args[1:])
			if err != nil {
				return err
			}
			return replayInto(cmd.Context(), cfg, args[0], linger)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&linger, "linger", 2*time.Second, "keep reading output this long after the last entry")
	return cmd
}

func newHostKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostkeys",
		Short: "Manage trusted host keys",
	}
	var knownHosts bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List trusted host keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := hostKeyStore().List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if knownHosts {
					line, err := e.Line()
					if err != nil {
						return err
					}
					fmt.Fprintln(out, line)
					continue
				}
				fmt.Fprintf(out, "%-32s %-20s %s\n", e.Host, e.KeyType, e.Fingerprint)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&knownHosts, "known-hosts", false, "print in known_hosts format")
	forget := &cobra.Command{
		Use:   "forget HOST[:PORT]",
		Short: "Remove a trusted host key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostKeyStore().Forget(args[0])
		},
	}
	cmd.AddCommand(list, forget)
	return cmd
}

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved connection profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := database.ListProfiles()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range profiles {
				target := p.Hostname
				if p.Username != "" {
					target = p.Username + "@" + target
				}
				fmt.Fprintf(out, "%s  %-20s %-6s %s:%d\n", p.ID, p.Name, p.Protocol, target, p.Port)
			}
			return nil
		},
	}

	var p database.Profile
	var forwards []string
	add := &cobra.Command{
		Use:   "add HOST",
		Short: "Save a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Hostname = args[0]
			specs, err := parseForwards(forwards)
			if err != nil {
				return err
			}
			tunnels, err := json.Marshal(specs)
			if err != nil {
				return err
			}
			p.Tunnels = string(tunnels)
			if err := database.CreateProfile(&p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	add.Flags().StringVar(&p.Name, "name", "", "display name (default host)")
	add.Flags().StringVar(&p.Protocol, "protocol", "ssh", "ssh or telnet")
	add.Flags().IntVarP(&p.Port, "port", "p", 0, "remote port")
	add.Flags().StringVarP(&p.Username, "user", "l", "", "login name")
	add.Flags().StringVarP(&p.KeyPath, "identity", "i", "", "private key file path (the key itself is not stored)")
	add.Flags().BoolVarP(&p.X11, "x11", "X", false, "request X11 forwarding")
	add.Flags().StringArrayVarP(&forwards, "forward", "L", nil, "local forward local:host:port (repeatable)")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return database.DeleteProfile(args[0])
		},
	}

	imp := &cobra.Command{
		Use:   "import FILE",
		Short: "Import profiles from a JSON list, skipping duplicates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var profiles []database.Profile
			if err := json.Unmarshal(data, &profiles); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			added, skipped, err := database.ImportProfiles(profiles)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d, skipped %d\n", added, skipped)
			return nil
		},
	}

	cmd.AddCommand(list, add, del, imp)
	return cmd
}
