package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the plugin host settings, starting from base. An empty
// answer keeps the current value.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	w.println("=== nouschat configuration ===")
	w.println()

	// Plugin directories
	w.printf("Plugin directories, comma separated [%s]: ", strings.Join(cfg.Plugins.Dirs, ","))
	dirs, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dirs != "" {
		cfg.Plugins.Dirs = splitList(dirs)
	}

	watch, err := w.confirm("Reload plugins when their files change?", cfg.Plugins.Watch)
	if err != nil {
		return nil, err
	}
	cfg.Plugins.Watch = watch

	// Permission policy
	w.println()
	w.println("Permission policy:")
	w.println("  allow-all - load any plugin, minus denied permissions (default)")
	w.println("  allowlist - load only plugins whose permissions are all listed")
	for {
		w.printf("Policy [%s]: ", cfg.Plugins.Policy)
		policy, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if policy == "" {
			break
		}
		if err := validator.ValidatePolicy(policy); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Plugins.Policy = policy
		break
	}

	if cfg.Plugins.Policy == PolicyAllowlist {
		perms, err := w.permissions("Allowed permissions", "plugins.allow_permissions", cfg.Plugins.AllowPermissions)
		if err != nil {
			return nil, err
		}
		cfg.Plugins.AllowPermissions = perms
	}

	perms, err := w.permissions("Denied permissions", "plugins.deny_permissions", cfg.Plugins.DenyPermissions)
	if err != nil {
		return nil, err
	}
	cfg.Plugins.DenyPermissions = perms

	// Fetch
	w.println()
	for {
		w.printf("Hosts plugins may fetch from, comma separated, empty for any [%s]: ", strings.Join(cfg.Fetch.AllowedHosts, ","))
		hosts, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if hosts == "" {
			break
		}
		list := splitList(hosts)
		if err := validateAll(list, validator.ValidateHost); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Fetch.AllowedHosts = list
		break
	}

	// Log Level
	w.println()
	w.printf("Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return &cfg, nil
}

func (w *Wizard) permissions(prompt, field string, current []string) ([]string, error) {
	for {
		w.printf("%s, comma separated [%s]: ", prompt, strings.Join(current, ","))
		line, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return current, nil
		}
		if line == "-" {
			return nil, nil
		}
		list := splitList(line)
		if err := NewValidator().ValidatePermissions(field, list); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		return list, nil
	}
}

func (w *Wizard) confirm(prompt string, current bool) (bool, error) {
	def := "n"
	if current {
		def = "y"
	}
	w.printf("%s (y/n) [%s]: ", prompt, def)
	answer, err := w.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return current, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) printf(format string, args ...any) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) println(args ...any) {
	fmt.Fprintln(w.out, args...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateAll(items []string, check func(string) error) error {
	for _, item := range items {
		if err := check(item); err != nil {
			return err
		}
	}
	return nil
}
