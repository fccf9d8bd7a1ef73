package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/settings"
	"github.com/cadflow/cadflow/pkg/tui"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show and change saved reader and writer parameters",
	Long: `Reader and writer parameters are saved per format. Keys are the role
followed by the parameter name, e.g. reader.scaling or writer.format.

The configured backend decides where they live: a YAML file by default, or a
Redis server shared by several machines.

Examples:
  cadflow settings list
  cadflow settings list stl
  cadflow settings get stl writer.format
  cadflow settings set stl writer.format binary
  cadflow settings describe obj`,
}

var settingsListCmd = &cobra.Command{
	Use:   "list [format...]",
	Short: "List current values",
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <format> <key>",
	Short: "Print one value",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <format> <key> <value>",
	Short: "Change and save one value",
	Args:  cobra.ExactArgs(3),
	RunE:  runSettingsSet,
}

var settingsDescribeCmd = &cobra.Command{
	Use:   "describe <format>",
	Short: "Describe the parameters of a format",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsDescribe,
}

func init() {
	settingsCmd.AddCommand(settingsListCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsDescribeCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	sections := settings.Collect(app.reg)
	names := sections.Keys()
	if len(args) > 0 {
		names = names[:0]
		for _, a := range args {
			f, err := format.Parse(a)
			if err != nil {
				return err
			}
			names = append(names, f.String())
		}
	}

	for _, name := range names {
		sec, ok := sections[name]
		if !ok || len(sec) == 0 {
			continue
		}
		app.out.Section(name)
		for _, k := range tui.SortedKeys(sec) {
			app.out.Field(k, sec[k])
		}
	}
	fmt.Println()
	return nil
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	f, err := format.Parse(args[0])
	if err != nil {
		return err
	}
	v, err := settings.Get(app.reg, f, args[1])
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	f, err := format.Parse(args[0])
	if err != nil {
		return err
	}
	if err := settings.Set(app.reg, f, args[1], args[2]); err != nil {
		return err
	}
	if err := app.settings.Save(cmd.Context()); err != nil {
		return err
	}
	v, _ := settings.Get(app.reg, f, args[1])
	app.out.Field(f.String()+" "+args[1], v)
	return nil
}

func runSettingsDescribe(cmd *cobra.Command, args []string) error {
	f, err := format.Parse(args[0])
	if err != nil {
		return err
	}
	var rows [][]string
	for _, role := range []plugin.Role{plugin.RoleReader, plugin.RoleWriter} {
		g, err := app.reg.Parameters(f, role)
		if err != nil {
			continue
		}
		for _, p := range g.Properties() {
			cur, _ := g.Text(p.Name())
			allowed := ""
			if items := p.EnumItems(); len(items) > 0 {
				names := make([]string, len(items))
				for i, it := range items {
					names[i] = it.Name
				}
				allowed = strings.Join(names, "|")
			} else if lo, hi, ok := p.Range(); ok {
				allowed = fmt.Sprintf("%g..%g", lo, hi)
			}
			rows = append(rows, []string{role.String() + "." + p.Name(), p.Kind().String(), cur, allowed, p.Description()})
		}
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s has no parameters", f.Name())
	}
	fmt.Println()
	app.out.Table([]string{"KEY", "KIND", "VALUE", "ALLOWED", "DESCRIPTION"}, rows)
	fmt.Println()
	return nil
}
