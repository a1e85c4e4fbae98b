package command

import "strings"

// Match finds the first command whose trigger is contained in the input.
// Commands are tested in slice order, triggers in array order, and the first
// hit wins; there is no scoring or specificity ranking. A short generic
// trigger registered early therefore shadows a more specific one registered
// later.
func Match(input string, commands []Command) (Command, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return Command{}, false
	}
	for _, cmd := range commands {
		for _, trigger := range cmd.Triggers {
			t := strings.ToLower(strings.TrimSpace(trigger))
			if t == "" {
				continue
			}
			if strings.Contains(normalized, t) {
				return cmd, true
			}
		}
	}
	return Command{}, false
}
