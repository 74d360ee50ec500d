package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/boxset/internal/api"
	"github.com/kalambet/boxset/internal/artifact"
	"github.com/kalambet/boxset/internal/config"
	"github.com/kalambet/boxset/internal/permission"
	"github.com/kalambet/boxset/internal/settings"
)

// session is the settings core wired to the daemon.
type session struct {
	cfg    config.Config
	client *apiClient
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	client, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, client: client}, nil
}

func (s *session) prompter() permission.Prompter {
	if assumeYes {
		return permission.StaticPrompter(true)
	}
	return permission.NewTerminalPrompter(os.Stdin, os.Stderr)
}

func (s *session) controller() *settings.Controller {
	gate := permission.NewGate(s.client, s.prompter())
	return settings.NewController(gate, s.client, s.client, s.cfg.Settings.Timeout,
		settings.WithTransitionLock(s.client))
}

func (s *session) shortcuts() *settings.ShortcutTable {
	return settings.NewShortcutTable(s.client, s.cfg.Settings.ShortcutSlots, s.cfg.Settings.Timeout)
}

// reportedError marks an error whose status line was already printed.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// reportFailure prints the user-facing status line for err.
func reportFailure(err error) error {
	printError("%s", settings.StatusMessage(err))
	return reportedError{err}
}

func onOff(enabled bool) string {
	if enabled {
		return colorize(green, "on")
	}
	return "off"
}

// --- toggle ---

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Show or change optional features",
}

var toggleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List features and whether they are enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		toggles, err := s.controller().Load(cmd.Context())
		if err != nil {
			return reportFailure(err)
		}
		for _, t := range toggles {
			line := fmt.Sprintf("  %-12s %s", t.Name, onOff(t.Enabled))
			if t.Permission != "" {
				line += fmt.Sprintf("  (needs %s permission)", t.Permission)
			}
			fmt.Fprintln(stdout, line)
		}
		return nil
	},
}

var toggleSetCmd = &cobra.Command{
	Use:   "set <name> <on|off>",
	Short: "Enable or disable a feature",
	Long: `Enable or disable a feature.

Features backed by a permission ask for it when enabled and give it up when
disabled. Enabling again asks again.

Examples:
  boxset toggle set bookmarks on
  boxset toggle set sync off`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		c := s.controller()
		unsubscribe := c.Subscribe(func(t settings.FeatureToggle) {
			if t.Name == name {
				printStep("%s is %s", t.Name, onOff(t.Enabled))
			}
		})
		defer unsubscribe()

		if _, err := c.Load(cmd.Context()); err != nil {
			return reportFailure(err)
		}
		t, err := c.SetToggle(cmd.Context(), name, on)
		if err != nil {
			return reportFailure(err)
		}
		printSuccess("%s %s", t.Name, onOff(t.Enabled))
		return nil
	},
}

func parseOnOff(v string) (bool, error) {
	switch v {
	case "on", "true", "enable", "enabled":
		return true, nil
	case "off", "false", "disable", "disabled":
		return false, nil
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func init() {
	toggleCmd.AddCommand(toggleListCmd)
	toggleCmd.AddCommand(toggleSetCmd)
}

// --- shortcut ---

var shortcutCmd = &cobra.Command{
	Use:   "shortcut",
	Short: "Show or change keyboard shortcut bindings",
}

var shortcutListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every shortcut slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		table, err := s.shortcuts().LoadTable(cmd.Context())
		if err != nil {
			return reportFailure(err)
		}
		printTable(stdout, table)
		return nil
	},
}

func printTable(w io.Writer, table settings.Table) {
	labels := make(map[string]string, len(table.Choices))
	for _, c := range table.Choices {
		labels[c.Value] = c.Label
	}
	for _, slot := range table.Slots {
		sel := slot.Selected()
		label := labels[sel]
		if sel != settings.NoneProfile {
			label = fmt.Sprintf("%s (%s)", label, sel)
		}
		line := fmt.Sprintf("  %2d  %s", slot.Index, label)
		if slot.Stale {
			line += colorize(yellow, fmt.Sprintf("  [bound to missing profile %s]", slot.ProfileID))
		}
		fmt.Fprintln(w, line)
	}
}

var shortcutSetCmd = &cobra.Command{
	Use:   "set <slot> <profile-id|none>",
	Short: "Bind a shortcut slot to a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid slot %q", args[0])
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		if err := s.shortcuts().SetSlot(cmd.Context(), slot, args[1]); err != nil {
			return reportFailure(err)
		}
		printSuccess("Slot %d set to %s", slot, args[1])
		return nil
	},
}

func init() {
	shortcutCmd.AddCommand(shortcutListCmd)
	shortcutCmd.AddCommand(shortcutSetCmd)
}

// --- backup ---

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export or restore the profile set",
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all profiles to a backup file",
	Long: `Write all profiles to a timestamped backup file.

Examples:
  boxset backup export
  boxset backup export --output ~/backups
  boxset backup export --output - > containers.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		s, err := openSession()
		if err != nil {
			return err
		}
		if output == "" {
			output = s.cfg.Backup.Dir
		}
		a, err := exportBackup(cmd.Context(), s, output)
		if err != nil {
			return reportFailure(err)
		}
		if output != "-" {
			printSuccess("Exported %d containers to %s", len(a.Document.Profiles), a.Location)
		}
		return nil
	},
}

func exportBackup(ctx context.Context, s *session, output string) (settings.Artifact, error) {
	var sink settings.ArtifactSink = artifact.DirSink{Dir: output}
	if output == "-" {
		sink = artifact.WriterSink{W: stdout}
	}
	done := startSpinner("Exporting containers...")
	defer done()
	return settings.NewExporter(s.client, sink, s.cfg.Settings.Timeout).ExportBackup(ctx)
}

var backupImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Restore profiles from a backup file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		res, err := importBackup(cmd.Context(), s, data)
		if err != nil {
			return reportFailure(err)
		}
		printSuccess("%s", res.Message())
		if res.Partial() {
			printWarning("%d skipped (already present or unnamed)", res.Submitted-res.RestoredCount)
		}
		return nil
	},
}

func importBackup(ctx context.Context, s *session, data []byte) (settings.RestoreResult, error) {
	done := startSpinner("Restoring containers...")
	defer done()
	return settings.NewImporter(s.client, s.cfg.Settings.Timeout).ImportBackup(ctx, data)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return data, nil
}

func init() {
	backupExportCmd.Flags().String("output", "", "directory for the backup file, or - for stdout (default: backup.dir)")
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage container profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		profiles, err := client.QueryProfiles(cmd.Context())
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Fprintln(stdout, "No profiles.")
			return nil
		}
		for _, p := range profiles {
			fmt.Fprintf(stdout, "  %s  %s", colorize(cyan, p.ID), colorize(bold, p.DisplayName))
			if p.Color != "" || p.Icon != "" {
				fmt.Fprintf(stdout, "  [%s %s]", p.Color, p.Icon)
			}
			fmt.Fprintln(stdout)
		}
		return nil
	},
}

var profileAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")
		icon, _ := cmd.Flags().GetString("icon")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		p, err := client.createProfile(cmd.Context(), api.ProfileRequest{Name: args[0], Color: color, Icon: icon})
		if err != nil {
			return err
		}
		printSuccess("Created %s (%s)", p.DisplayName, p.ID)
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.deleteProfile(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	profileAddCmd.Flags().String("color", "", "profile color")
	profileAddCmd.Flags().String("icon", "", "profile icon")
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileRemoveCmd)
}

// --- onboarding ---

var onboardingCmd = &cobra.Command{
	Use:   "onboarding",
	Short: "Manage the first-run walkthrough",
}

var onboardingResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Show the first-run walkthrough again",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := settings.ResetOnboarding(cmd.Context(), client); err != nil {
			return err
		}
		printSuccess("Onboarding reset")
		return nil
	},
}

func init() {
	onboardingCmd.AddCommand(onboardingResetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(bold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
