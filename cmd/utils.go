package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// EnumValue is a pflag.Value restricted to a fixed set of choices. An empty
// choice may be listed to describe the unset default; users can't select it.
type EnumValue struct {
	name    string
	value   string
	help    map[string]string // choice -> completion text
	choices []string          // sorted, without ""
}

func NewEnumValue(name, defaultVal string, help map[string]string) EnumValue {
	if _, ok := help[defaultVal]; !ok {
		panic(fmt.Sprintf("%s: default %q is not a choice", name, defaultVal))
	}
	choices := slices.DeleteFunc(slices.Sorted(maps.Keys(help)), func(k string) bool { return k == "" })
	return EnumValue{name: name, value: defaultVal, help: help, choices: choices}
}

func (e *EnumValue) String() string { return e.value }

func (e *EnumValue) Type() string { return e.name }

func (e *EnumValue) Value() string { return e.value }

func (e *EnumValue) Set(v string) error {
	if !slices.Contains(e.choices, v) {
		return fmt.Errorf("must be one of: %s", strings.Join(e.choices, ", "))
	}
	e.value = v
	return nil
}

// AllowedKeys returns the values a user may set, sorted
func (e *EnumValue) AllowedKeys() []string { return slices.Clone(e.choices) }

func (e *EnumValue) HelpString() string { return "[" + strings.Join(e.choices, ", ") + "]" }

func (e *EnumValue) CompletionFunc() func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		items := make([]string, 0, len(e.choices))
		for _, k := range e.choices {
			if h := e.help[k]; h != "" {
				k += "\t" + h
			}
			items = append(items, k)
		}
		return items, cobra.ShellCompDirectiveNoFileComp
	}
}
