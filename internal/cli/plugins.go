package cli

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/harun/nouschat/internal/config"
	"github.com/harun/nouschat/pkg/plugin"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Load the configured plugins and list them",
	Args:  cobra.NoArgs,
	RunE:  runPluginsList,
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <dir>",
	Short: "Copy a plugin directory into host storage",
	Long: `Copy a plugin's manifest and entry point into host storage. Installed
plugins load on every start even when their directory is gone. Plugin
executables (runtime rpc) run from disk and cannot be installed.`,
	Args: cobra.ExactArgs(1),
	RunE: runPluginsInstall,
}

var pluginsInspectCmd = &cobra.Command{
	Use:   "inspect <dir>",
	Short: "Validate a plugin directory and print its manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsInspect,
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a plugin on the next start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPluginDisabled(cmd, args[0], false)
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a plugin on the next start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPluginDisabled(cmd, args[0], true)
	},
}

func init() {
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsInstallCmd)
	pluginsCmd.AddCommand(pluginsInspectCmd)
	pluginsCmd.AddCommand(pluginsEnableCmd)
	pluginsCmd.AddCommand(pluginsDisableCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	result := s.host.Start(ctx)
	out := cmd.OutOrStdout()

	infos := s.host.Manager().Plugins()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No plugins loaded.")
	}
	for _, info := range infos {
		printPluginInfo(out, info)
	}
	printLoadFailures(out, result)
	return nil
}

func printPluginInfo(out io.Writer, info plugin.Info) {
	m := info.Manifest
	state := "enabled"
	if !m.Enabled {
		state = "disabled"
	}
	fmt.Fprintf(out, "%s %s (%s, %s)\n", titleStyle.Render(m.ID), m.Version, runtimeOf(m), state)
	if m.Description != "" {
		fmt.Fprintf(out, "  %s\n", m.Description)
	}
	if len(info.Commands) > 0 {
		cmds := make([]string, len(info.Commands))
		for i, c := range info.Commands {
			cmds[i] = "/" + c
		}
		fmt.Fprintf(out, "  commands:    %s\n", strings.Join(cmds, " "))
	}
	if len(info.Hooks) > 0 {
		fmt.Fprintf(out, "  hooks:       %s\n", strings.Join(info.Hooks, ", "))
	}
	if len(m.Permissions) > 0 {
		perms := make([]string, len(m.Permissions))
		for i, p := range m.Permissions {
			perms[i] = string(p)
		}
		fmt.Fprintf(out, "  permissions: %s\n", strings.Join(perms, ", "))
	}
}

func printLoadFailures(out io.Writer, result *plugin.LoadResult) {
	if len(result.Errors) == 0 {
		return
	}
	ids := make([]string, 0, len(result.Errors))
	for id := range result.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(out)
	fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%d plugin(s) failed to load:", len(ids))))
	for _, id := range ids {
		fmt.Fprintf(out, "- %s: %v\n", id, result.Errors[id])
	}
}

func runPluginsInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	manager := s.host.Manager()
	manifestPath, err := manager.InstallDir(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to install plugin: %w", err)
	}

	// Loading once proves the stored copy evaluates.
	if err := manager.LoadFromStore(ctx, manifestPath); err != nil {
		return fmt.Errorf("plugin installed at %s but failed to load: %w", manifestPath, err)
	}

	cmd.Printf("Installed %s\n", manifestPath)
	return nil
}

func runPluginsInspect(cmd *cobra.Command, args []string) error {
	manifest, src, err := plugin.ReadPluginDir(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render(manifest.Name), dimStyle.Render("("+runtimeOf(*manifest)+")"))
	fmt.Fprintf(out, "entry: %s", src.Path)
	if len(src.Code) > 0 {
		fmt.Fprintf(out, " (%d bytes)", len(src.Code))
	}
	fmt.Fprintln(out)

	if cfg, err := loadConfig(); err == nil {
		if allowed := cfg.PermissionPolicy(); !allowed(manifest.ID, manifest.Permissions) {
			fmt.Fprintln(out, errorStyle.Render("rejected by the configured permission policy"))
		}
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}

func setPluginDisabled(cmd *cobra.Command, id string, disabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	idx := slices.Index(cfg.Plugins.Disabled, id)
	switch {
	case disabled && idx < 0:
		cfg.Plugins.Disabled = append(cfg.Plugins.Disabled, id)
	case !disabled && idx >= 0:
		cfg.Plugins.Disabled = slices.Delete(cfg.Plugins.Disabled, idx, idx+1)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	state := "enabled"
	if disabled {
		state = "disabled"
	}
	cmd.Printf("%s %s in %s\n", id, state, loader.GetConfigPath())
	return nil
}

func runtimeOf(m plugin.Manifest) string {
	if m.Runtime != "" {
		return m.Runtime
	}
	return plugin.RuntimeFor(m.Main)
}
